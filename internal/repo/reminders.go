package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"salesline/internal/domain"
)

const reminderColumns = `id,deal_id,title,remind_at,is_completed,completed_at,assigned_to,created_by,created_at`

func scanReminder(s scanner) (domain.Reminder, error) {
	var rm domain.Reminder
	var remindAt, createdAt string
	var completedAt, assignedTo sql.NullString
	var done int
	if err := s.Scan(&rm.ID, &rm.DealID, &rm.Title, &remindAt, &done, &completedAt, &assignedTo, &rm.CreatedBy, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return rm, ErrNotFound
		}
		return rm, err
	}
	var err error
	rm.IsCompleted = done == 1
	rm.AssignedTo = stringPtr(assignedTo)
	if rm.RemindAt, err = ParseTime(remindAt); err != nil {
		return rm, err
	}
	if rm.CreatedAt, err = ParseTime(createdAt); err != nil {
		return rm, err
	}
	if rm.CompletedAt, err = timePtr(completedAt); err != nil {
		return rm, err
	}
	return rm, nil
}

func (r Repo) queryReminders(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Reminder, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		rm, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}

func (r Repo) InsertReminder(ctx context.Context, tx *sql.Tx, rm domain.Reminder) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO deal_reminders(`+reminderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rm.ID, rm.DealID, rm.Title, FormatTime(rm.RemindAt), boolInt(rm.IsCompleted), nullableTime(rm.CompletedAt),
		nullableStringPtr(rm.AssignedTo), rm.CreatedBy, FormatTime(rm.CreatedAt))
	return err
}

func (r Repo) GetReminder(ctx context.Context, tx *sql.Tx, id string) (domain.Reminder, error) {
	return scanReminder(r.on(tx).QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM deal_reminders WHERE id=?`, id))
}

func (r Repo) CompleteReminder(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE deal_reminders SET is_completed=1, completed_at=? WHERE id=?`, FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteReminder(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM deal_reminders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReminders returns every reminder of a deal, earliest first.
func (r Repo) ListReminders(ctx context.Context, tx *sql.Tx, dealID string) ([]domain.Reminder, error) {
	return r.queryReminders(ctx, tx, `SELECT `+reminderColumns+` FROM deal_reminders WHERE deal_id=? ORDER BY remind_at ASC, id ASC`, dealID)
}

// ListPendingReminders returns incomplete reminders of live deals, earliest
// first. A non-zero before bounds remind_at inclusively.
func (r Repo) ListPendingReminders(ctx context.Context, tx *sql.Tx, before time.Time) ([]domain.Reminder, error) {
	query := `SELECT ` + prefixed("r.", reminderColumns) + ` FROM deal_reminders r
JOIN deals d ON d.id = r.deal_id
WHERE r.is_completed = 0 AND d.deleted_at IS NULL`
	var args []any
	if !before.IsZero() {
		query += ` AND r.remind_at <= ?`
		args = append(args, FormatTime(before))
	}
	query += ` ORDER BY r.remind_at ASC, r.id ASC`
	return r.queryReminders(ctx, tx, query, args...)
}

func prefixed(prefix, columns string) string {
	return prefix + strings.ReplaceAll(columns, ",", ","+prefix)
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"salesline/internal/domain"
)

const dealColumns = `id,name,company,phone,phone_country_code,email,stage_id,estimated_value,currency,service_id,source,source_detail,owner_id,first_contact_at,meeting_scheduled_at,proposal_sent_at,expected_close_date,closed_at,lost_reason,lost_notes,notes,probability,priority,next_follow_up,tags_json,deleted_at,created_by,created_at,updated_at,version`

func scanDeal(s scanner) (domain.Deal, error) {
	var d domain.Deal
	var (
		company, email, serviceID, source, sourceDetail, ownerID  sql.NullString
		firstContact, meeting, proposal, expectedClose, closedAt sql.NullString
		lostReason, lostNotes, notes, nextFollowUp, deletedAt    sql.NullString
		value                                                    decimal.NullDecimal
		tagsJSON, createdAt, updatedAt                           string
	)
	err := s.Scan(&d.ID, &d.Name, &company, &d.Phone, &d.PhoneCountryCode, &email, &d.StageID, &value, &d.Currency,
		&serviceID, &source, &sourceDetail, &ownerID, &firstContact, &meeting, &proposal, &expectedClose, &closedAt,
		&lostReason, &lostNotes, &notes, &d.Probability, &d.Priority, &nextFollowUp, &tagsJSON, &deletedAt,
		&d.CreatedBy, &createdAt, &updatedAt, &d.Version)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Company = stringPtr(company)
	d.Email = stringPtr(email)
	d.ServiceID = stringPtr(serviceID)
	d.Source = stringPtr(source)
	d.SourceDetail = stringPtr(sourceDetail)
	d.OwnerID = stringPtr(ownerID)
	d.LostNotes = stringPtr(lostNotes)
	d.Notes = stringPtr(notes)
	if value.Valid {
		v := value.Decimal
		d.EstimatedValue = &v
	}
	if lostReason.Valid {
		lr := domain.LostReason(lostReason.String)
		d.LostReason = &lr
	}
	if d.FirstContactAt, err = timePtr(firstContact); err != nil {
		return d, err
	}
	if d.MeetingScheduledAt, err = timePtr(meeting); err != nil {
		return d, err
	}
	if d.ProposalSentAt, err = timePtr(proposal); err != nil {
		return d, err
	}
	if d.ExpectedCloseDate, err = timePtr(expectedClose); err != nil {
		return d, err
	}
	if d.ClosedAt, err = timePtr(closedAt); err != nil {
		return d, err
	}
	if d.NextFollowUp, err = timePtr(nextFollowUp); err != nil {
		return d, err
	}
	if d.DeletedAt, err = timePtr(deletedAt); err != nil {
		return d, err
	}
	if d.CreatedAt, err = ParseTime(createdAt); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		return d, fmt.Errorf("decode tags for deal %s: %w", d.ID, err)
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	return d, nil
}

func dealArgs(d domain.Deal) ([]any, error) {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	var value any
	if d.EstimatedValue != nil {
		value = d.EstimatedValue.String()
	}
	var lostReason any
	if d.LostReason != nil {
		lostReason = string(*d.LostReason)
	}
	return []any{
		d.Name, nullableStringPtr(d.Company), d.Phone, d.PhoneCountryCode, nullableStringPtr(d.Email), d.StageID, value, d.Currency,
		nullableStringPtr(d.ServiceID), nullableStringPtr(d.Source), nullableStringPtr(d.SourceDetail), nullableStringPtr(d.OwnerID),
		nullableTime(d.FirstContactAt), nullableTime(d.MeetingScheduledAt), nullableTime(d.ProposalSentAt), nullableTime(d.ExpectedCloseDate),
		nullableTime(d.ClosedAt), lostReason, nullableStringPtr(d.LostNotes), nullableStringPtr(d.Notes), d.Probability, string(d.Priority),
		nullableTime(d.NextFollowUp), string(tagsJSON), nullableTime(d.DeletedAt),
	}, nil
}

func (r Repo) InsertDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	args, err := dealArgs(d)
	if err != nil {
		return err
	}
	args = append([]any{d.ID}, args...)
	args = append(args, d.CreatedBy, FormatTime(d.CreatedAt), FormatTime(d.UpdatedAt), d.Version)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO deals(`+dealColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateDeal writes every mutable column when the stored version equals
// d.Version, then bumps the version. It returns the new version.
func (r Repo) UpdateDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) (int64, error) {
	args, err := dealArgs(d)
	if err != nil {
		return 0, err
	}
	args = append(args, FormatTime(d.UpdatedAt), d.ID, d.Version)
	res, err := r.on(tx).ExecContext(ctx, `UPDATE deals SET name=?, company=?, phone=?, phone_country_code=?, email=?, stage_id=?, estimated_value=?, currency=?,
service_id=?, source=?, source_detail=?, owner_id=?, first_contact_at=?, meeting_scheduled_at=?, proposal_sent_at=?, expected_close_date=?,
closed_at=?, lost_reason=?, lost_notes=?, notes=?, probability=?, priority=?, next_follow_up=?, tags_json=?, deleted_at=?,
updated_at=?, version=version+1 WHERE id=? AND version=?`, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		if _, err := r.GetDeal(ctx, tx, d.ID); err != nil {
			return 0, err
		}
		return 0, ErrConflict
	}
	return d.Version + 1, nil
}

// GetDeal returns a deal whether or not it is trashed.
func (r Repo) GetDeal(ctx context.Context, tx *sql.Tx, id string) (domain.Deal, error) {
	return scanDeal(r.on(tx).QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id))
}

// DeleteTrashedDeal removes a deal only while it is still in the trash.
// It reports whether a row was removed.
func (r Repo) DeleteTrashedDeal(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM deals WHERE id=? AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type DealFilters struct {
	StageID  string
	OwnerID  string
	Source   string
	Priority string
	Search   string
	Tags     []string
	// Trashed selects trash instead of live deals.
	Trashed bool
	// ClosedSince restricts to deals closed at or after the given timestamp.
	ClosedSince string
	Limit       int
}

func (r Repo) ListDeals(ctx context.Context, tx *sql.Tx, f DealFilters) ([]domain.Deal, error) {
	var clauses []string
	var args []any
	if f.Trashed {
		clauses = append(clauses, "deleted_at IS NOT NULL")
	} else {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + s + "%"
		clauses = append(clauses, "(name LIKE ? OR company LIKE ? OR email LIKE ? OR phone LIKE ?)")
		args = append(args, like, like, like, like)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(deals.tags_json) WHERE json_each.value=?)")
		args = append(args, tag)
	}
	if f.ClosedSince != "" {
		clauses = append(clauses, "closed_at IS NOT NULL AND closed_at >= ?")
		args = append(args, f.ClosedSince)
	}
	order := ` ORDER BY created_at DESC, id DESC`
	if f.Trashed {
		order = ` ORDER BY deleted_at DESC, id DESC`
	}
	query := `SELECT ` + dealColumns + ` FROM deals WHERE ` + strings.Join(clauses, " AND ") + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// TrashedIDs lists the ids currently in the trash.
func (r Repo) TrashedIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM deals WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

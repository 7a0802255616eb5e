package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"salesline/internal/domain"
)

const activityColumns = `id,deal_id,type,title,description,from_stage_id,to_stage_id,performed_by,performed_at`

func scanActivity(s scanner) (domain.Activity, error) {
	var a domain.Activity
	var title, desc, from, to, by sql.NullString
	var at string
	if err := s.Scan(&a.ID, &a.DealID, &a.Type, &title, &desc, &from, &to, &by, &at); err != nil {
		return a, err
	}
	a.Title = title.String
	a.Description = desc.String
	a.FromStageID = stringPtr(from)
	a.ToStageID = stringPtr(to)
	a.PerformedBy = by.String
	t, err := ParseTime(at)
	if err != nil {
		return a, err
	}
	a.PerformedAt = t
	return a, nil
}

func (r Repo) queryActivities(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Activity, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActivities returns a deal timeline, newest first.
func (r Repo) ListActivities(ctx context.Context, tx *sql.Tx, dealID string, limit int) ([]domain.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM deal_activities WHERE deal_id=? ORDER BY performed_at DESC, id DESC`
	args := []any{dealID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryActivities(ctx, tx, query, args...)
}

// ActivitiesAfter returns activities with ids greater than the cursor in ascending order.
func (r Repo) ActivitiesAfter(ctx context.Context, limit int, cursor int64) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryActivities(ctx, nil, `SELECT `+activityColumns+` FROM deal_activities WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestActivityID returns the highest activity id, or zero.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM deal_activities`).Scan(&id)
	return id, err
}

// ActivityStats summarises a deal timeline without loading it.
type ActivityStats struct {
	Count             int
	LastAt            *time.Time
	LastStageChangeAt *time.Time
}

func (r Repo) ActivityStatsByDeal(ctx context.Context, tx *sql.Tx) (map[string]ActivityStats, error) {
	return r.activityStats(ctx, tx, "")
}

func (r Repo) ActivityStatsForDeal(ctx context.Context, tx *sql.Tx, dealID string) (ActivityStats, error) {
	m, err := r.activityStats(ctx, tx, dealID)
	if err != nil {
		return ActivityStats{}, err
	}
	return m[dealID], nil
}

func (r Repo) activityStats(ctx context.Context, tx *sql.Tx, dealID string) (map[string]ActivityStats, error) {
	query := `SELECT deal_id, COUNT(*), MAX(performed_at), MAX(CASE WHEN type='stage_change' THEN performed_at END) FROM deal_activities`
	var args []any
	if dealID != "" {
		query += ` WHERE deal_id=?`
		args = append(args, dealID)
	}
	query += ` GROUP BY deal_id`
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]ActivityStats{}
	for rows.Next() {
		var id string
		var st ActivityStats
		var last, lastStage sql.NullString
		if err := rows.Scan(&id, &st.Count, &last, &lastStage); err != nil {
			return nil, err
		}
		if st.LastAt, err = timePtr(last); err != nil {
			return nil, fmt.Errorf("activity stats for %s: %w", id, err)
		}
		if st.LastStageChangeAt, err = timePtr(lastStage); err != nil {
			return nil, fmt.Errorf("activity stats for %s: %w", id, err)
		}
		res[id] = st
	}
	return res, rows.Err()
}

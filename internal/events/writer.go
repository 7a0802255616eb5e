package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"salesline/internal/domain"
	"salesline/internal/repo"
)

// Writer appends timeline entries. Callers pass the transaction that carries
// the deal mutation so both commit or roll back together.
type Writer struct {
	Now func() time.Time
}

// Append inserts a and returns it with its id and timestamp filled in.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, a domain.Activity) (domain.Activity, error) {
	if tx == nil {
		return a, fmt.Errorf("append activity: transaction required")
	}
	if !a.Type.Valid() {
		return a, fmt.Errorf("append activity: unknown type %q", a.Type)
	}
	if a.PerformedAt.IsZero() {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		a.PerformedAt = now().UTC()
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO deal_activities(deal_id,type,title,description,from_stage_id,to_stage_id,performed_by,performed_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.DealID, string(a.Type), nullable(a.Title), nullable(a.Description), nullablePtr(a.FromStageID), nullablePtr(a.ToStageID),
		nullable(a.PerformedBy), repo.FormatTime(a.PerformedAt))
	if err != nil {
		return a, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return a, err
	}
	a.ID = id
	return a, nil
}

// StageChange builds the timeline entry paired with a stage move.
func StageChange(dealID, from, to, title, notes, actor string) domain.Activity {
	return domain.Activity{
		DealID:      dealID,
		Type:        domain.ActivityStageChange,
		Title:       title,
		Description: notes,
		FromStageID: &from,
		ToStageID:   &to,
		PerformedBy: actor,
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

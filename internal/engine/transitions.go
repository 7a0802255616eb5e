package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"salesline/internal/domain"
)

// closed reports whether d sits in a won or lost stage.
func closed(d domain.Deal, current domain.Stage) bool {
	return current.Terminal() || d.ClosedAt != nil
}

func ensureMoveTransition(op string, d domain.Deal, current, target domain.Stage) error {
	if closed(d, current) {
		return &DealError{Op: op, DealID: d.ID, StageID: target.ID, Kind: ErrAlreadyClosed,
			Reason: fmt.Sprintf("deal is %s; reopen it first", current.Slug)}
	}
	return nil
}

func ensureReopenTransition(op string, d domain.Deal, current, target domain.Stage) error {
	if !closed(d, current) {
		return &DealError{Op: op, DealID: d.ID, StageID: target.ID, Kind: ErrInvalidTransition, Reason: "deal is not closed"}
	}
	if target.Terminal() {
		return &DealError{Op: op, DealID: d.ID, StageID: target.ID, Kind: ErrInvalidTransition, Reason: "reopen target must be an open stage"}
	}
	return nil
}

// MoveDeal moves a deal to another stage and records the change on its
// timeline in the same transaction. Moving to the current stage is a no-op.
func (e Engine) MoveDeal(ctx context.Context, dealID, targetStageID, notes, actorID string) (domain.Deal, error) {
	const op = "move_deal"
	d, target, moved, err := e.moveDeal(ctx, op, dealID, targetStageID, notes, actorID)
	if err != nil {
		return domain.Deal{}, e.observe(op, dealID, err)
	}
	e.observe(op, dealID, nil)
	if moved {
		e.entered(target)
		e.stageLogger(target).WithField("deal_id", d.ID).Info("deal moved")
	}
	return d, nil
}

func (e Engine) moveDeal(ctx context.Context, op, dealID, targetStageID, notes, actorID string) (domain.Deal, domain.Stage, bool, error) {
	tx, err := e.begin(ctx, op, dealID)
	if err != nil {
		return domain.Deal{}, domain.Stage{}, false, err
	}
	defer tx.Rollback()
	d, err := e.liveDeal(ctx, tx, op, dealID)
	if err != nil {
		return d, domain.Stage{}, false, err
	}
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return d, domain.Stage{}, false, fail(op, dealID, err)
	}
	target, ok := cat.get(targetStageID)
	if !ok {
		return d, target, false, &DealError{Op: op, DealID: dealID, StageID: targetStageID, Kind: ErrInvalidTransition, Reason: "unknown target stage"}
	}
	if d.StageID == target.ID {
		return d, target, false, nil
	}
	current, _ := cat.get(d.StageID)
	if err := ensureMoveTransition(op, d, current, target); err != nil {
		return d, target, false, err
	}
	now := e.now()
	d.StageID = target.ID
	stampStageEntry(&d, target, now)
	if target.Terminal() {
		d.ClosedAt = &now
	}
	d.UpdatedAt = now
	if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
		return d, target, false, fail(op, dealID, err)
	}
	if _, err := e.appendActivity(ctx, tx, stageChangeActivity(d, current, target, "", notes, actorID)); err != nil {
		return d, target, false, fail(op, dealID, err)
	}
	if err := e.commit(tx, op, dealID); err != nil {
		return d, target, false, err
	}
	return d, target, true, nil
}

// MarkWon closes a deal in the won stage at its final value.
func (e Engine) MarkWon(ctx context.Context, dealID string, finalValue decimal.Decimal, notes, actorID string) (domain.Deal, error) {
	const op = "mark_won"
	d, st, err := e.markWon(ctx, op, dealID, finalValue, notes, actorID)
	if err != nil {
		return domain.Deal{}, e.observe(op, dealID, err)
	}
	e.observe(op, dealID, nil)
	e.entered(st)
	e.stageLogger(st).WithField("deal_id", d.ID).WithField("value", finalValue.String()).Info("deal won")
	return d, nil
}

func (e Engine) markWon(ctx context.Context, op, dealID string, finalValue decimal.Decimal, notes, actorID string) (domain.Deal, domain.Stage, error) {
	if finalValue.IsNegative() {
		return domain.Deal{}, domain.Stage{}, dealErr(op, dealID, ErrInvalidInput, "final value must not be negative")
	}
	tx, err := e.begin(ctx, op, dealID)
	if err != nil {
		return domain.Deal{}, domain.Stage{}, err
	}
	defer tx.Rollback()
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return domain.Deal{}, domain.Stage{}, fail(op, dealID, err)
	}
	won, ok := cat.won()
	if !ok {
		return domain.Deal{}, domain.Stage{}, dealErr(op, dealID, ErrNoWonStage, "")
	}
	d, err := e.liveDeal(ctx, tx, op, dealID)
	if err != nil {
		return d, won, err
	}
	current, _ := cat.get(d.StageID)
	if closed(d, current) {
		return d, won, &DealError{Op: op, DealID: dealID, StageID: won.ID, Kind: ErrAlreadyClosed, Reason: fmt.Sprintf("deal is %s", current.Slug)}
	}
	now := e.now()
	value := finalValue
	d.StageID = won.ID
	d.EstimatedValue = &value
	d.ClosedAt = &now
	d.UpdatedAt = now
	if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
		return d, won, fail(op, dealID, err)
	}
	change := stageChangeActivity(d, current, won, "Deal ganado", fmt.Sprintf("Valor final: %s", value.StringFixed(2)), actorID)
	if _, err := e.appendActivity(ctx, tx, change); err != nil {
		return d, won, fail(op, dealID, err)
	}
	if notes != "" {
		note := domain.Activity{DealID: d.ID, Type: domain.ActivityNote, Title: "Notas de cierre", Description: notes, PerformedBy: actorID}
		if _, err := e.appendActivity(ctx, tx, note); err != nil {
			return d, won, fail(op, dealID, err)
		}
	}
	return d, won, e.commit(tx, op, dealID)
}

// MarkLost closes a deal in the lost stage with a reason.
func (e Engine) MarkLost(ctx context.Context, dealID string, reason domain.LostReason, notes, actorID string) (domain.Deal, error) {
	const op = "mark_lost"
	d, st, err := e.markLost(ctx, op, dealID, reason, notes, actorID)
	if err != nil {
		return domain.Deal{}, e.observe(op, dealID, err)
	}
	e.observe(op, dealID, nil)
	e.entered(st)
	e.stageLogger(st).WithField("deal_id", d.ID).WithField("reason", string(reason)).Info("deal lost")
	return d, nil
}

func (e Engine) markLost(ctx context.Context, op, dealID string, reason domain.LostReason, notes, actorID string) (domain.Deal, domain.Stage, error) {
	if !reason.Valid() {
		return domain.Deal{}, domain.Stage{}, dealErr(op, dealID, ErrInvalidLostReason, fmt.Sprintf("%q", reason))
	}
	tx, err := e.begin(ctx, op, dealID)
	if err != nil {
		return domain.Deal{}, domain.Stage{}, err
	}
	defer tx.Rollback()
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return domain.Deal{}, domain.Stage{}, fail(op, dealID, err)
	}
	lost, ok := cat.lost()
	if !ok {
		return domain.Deal{}, domain.Stage{}, dealErr(op, dealID, ErrNoLostStage, "")
	}
	d, err := e.liveDeal(ctx, tx, op, dealID)
	if err != nil {
		return d, lost, err
	}
	current, _ := cat.get(d.StageID)
	if closed(d, current) {
		return d, lost, &DealError{Op: op, DealID: dealID, StageID: lost.ID, Kind: ErrAlreadyClosed, Reason: fmt.Sprintf("deal is %s", current.Slug)}
	}
	now := e.now()
	r := reason
	d.StageID = lost.ID
	d.ClosedAt = &now
	d.LostReason = &r
	d.LostNotes = optionalString(notes)
	d.UpdatedAt = now
	if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
		return d, lost, fail(op, dealID, err)
	}
	description := "Razón: " + string(reason)
	if notes != "" {
		description += ". " + notes
	}
	if _, err := e.appendActivity(ctx, tx, stageChangeActivity(d, current, lost, "Deal perdido", description, actorID)); err != nil {
		return d, lost, fail(op, dealID, err)
	}
	return d, lost, e.commit(tx, op, dealID)
}

// ReopenDeal moves a won or lost deal back into an open stage and clears
// its closing data.
func (e Engine) ReopenDeal(ctx context.Context, dealID, targetStageID, notes, actorID string) (domain.Deal, error) {
	const op = "reopen_deal"
	d, st, err := e.reopenDeal(ctx, op, dealID, targetStageID, notes, actorID)
	if err != nil {
		return domain.Deal{}, e.observe(op, dealID, err)
	}
	e.observe(op, dealID, nil)
	e.entered(st)
	e.stageLogger(st).WithField("deal_id", d.ID).Info("deal reopened")
	return d, nil
}

func (e Engine) reopenDeal(ctx context.Context, op, dealID, targetStageID, notes, actorID string) (domain.Deal, domain.Stage, error) {
	tx, err := e.begin(ctx, op, dealID)
	if err != nil {
		return domain.Deal{}, domain.Stage{}, err
	}
	defer tx.Rollback()
	d, err := e.liveDeal(ctx, tx, op, dealID)
	if err != nil {
		return d, domain.Stage{}, err
	}
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return d, domain.Stage{}, fail(op, dealID, err)
	}
	var target domain.Stage
	if targetStageID == "" {
		st, ok := cat.firstOpen()
		if !ok {
			return d, st, dealErr(op, dealID, ErrInvalidTransition, "no open stage configured")
		}
		target = st
	} else {
		st, ok := cat.get(targetStageID)
		if !ok {
			return d, st, &DealError{Op: op, DealID: dealID, StageID: targetStageID, Kind: ErrInvalidTransition, Reason: "unknown target stage"}
		}
		target = st
	}
	current, _ := cat.get(d.StageID)
	if err := ensureReopenTransition(op, d, current, target); err != nil {
		return d, target, err
	}
	now := e.now()
	d.StageID = target.ID
	d.ClosedAt = nil
	d.LostReason = nil
	d.LostNotes = nil
	stampStageEntry(&d, target, now)
	d.UpdatedAt = now
	if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
		return d, target, fail(op, dealID, err)
	}
	if _, err := e.appendActivity(ctx, tx, stageChangeActivity(d, current, target, "Deal reabierto", notes, actorID)); err != nil {
		return d, target, fail(op, dealID, err)
	}
	return d, target, e.commit(tx, op, dealID)
}

func (e Engine) entered(st domain.Stage) {
	if e.Metrics != nil {
		e.Metrics.StageEntered(st.Slug)
	}
}

package engine

import (
	"context"
	"database/sql"
	"fmt"

	"salesline/internal/domain"
	"salesline/internal/repo"
)

// SoftDelete moves a deal to the trash. Trashing a trashed deal is a no-op.
func (e Engine) SoftDelete(ctx context.Context, dealID, actorID string) (domain.Deal, error) {
	const op = "soft_delete"
	d, err := e.setTrashed(ctx, op, dealID, true)
	if err != nil {
		return domain.Deal{}, e.observe(op, dealID, err)
	}
	e.observe(op, dealID, nil)
	e.log().WithField("deal_id", dealID).WithField("actor", actorID).Info("deal moved to trash")
	return d, nil
}

// Restore takes a deal out of the trash with its stage and history intact.
func (e Engine) Restore(ctx context.Context, dealID, actorID string) (domain.Deal, error) {
	const op = "restore"
	d, err := e.setTrashed(ctx, op, dealID, false)
	if err != nil {
		return domain.Deal{}, e.observe(op, dealID, err)
	}
	e.observe(op, dealID, nil)
	e.log().WithField("deal_id", dealID).WithField("actor", actorID).Info("deal restored")
	return d, nil
}

func (e Engine) setTrashed(ctx context.Context, op, dealID string, trash bool) (domain.Deal, error) {
	tx, err := e.begin(ctx, op, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDeal(ctx, tx, dealID)
	if err != nil {
		return d, fail(op, dealID, err)
	}
	switch {
	case trash && d.Trashed():
		return d, nil
	case !trash && !d.Trashed():
		return d, dealErr(op, dealID, ErrNotInTrash, "")
	}
	now := e.now()
	if trash {
		d.DeletedAt = &now
	} else {
		d.DeletedAt = nil
	}
	d.UpdatedAt = now
	if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
		return d, fail(op, dealID, err)
	}
	return d, e.commit(tx, op, dealID)
}

// Purge permanently removes a trashed deal with its activities and reminders.
func (e Engine) Purge(ctx context.Context, dealID, actorID string) error {
	const op = "purge"
	err := e.purge(ctx, op, dealID)
	if err == nil {
		e.log().WithField("deal_id", dealID).WithField("actor", actorID).Info("deal purged")
	}
	return e.observe(op, dealID, err)
}

func (e Engine) purge(ctx context.Context, op, dealID string) error {
	tx, err := e.begin(ctx, op, dealID)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.purgeTx(ctx, tx, op, dealID); err != nil {
		return err
	}
	return e.commit(tx, op, dealID)
}

func (e Engine) purgeTx(ctx context.Context, tx *sql.Tx, op, dealID string) error {
	removed, err := e.Repo.DeleteTrashedDeal(ctx, tx, dealID)
	if err != nil {
		return fail(op, dealID, err)
	}
	if removed {
		return nil
	}
	if _, err := e.Repo.GetDeal(ctx, tx, dealID); err != nil {
		return fail(op, dealID, err)
	}
	return dealErr(op, dealID, ErrNotInTrash, "")
}

// EmptyTrash purges every trashed deal. Each deal is removed in its own
// transaction; a deal restored meanwhile is skipped, not failed.
func (e Engine) EmptyTrash(ctx context.Context, actorID string) (domain.TrashResult, error) {
	const op = "empty_trash"
	ids, err := e.Repo.TrashedIDs(ctx, nil)
	if err != nil {
		return domain.TrashResult{}, e.observe(op, "", fail(op, "", err))
	}
	res := domain.TrashResult{}
	for _, id := range ids {
		err := e.purge(ctx, op, id)
		switch {
		case err == nil:
			res.Deleted++
		case Kind(err) == ErrNotInTrash || Kind(err) == ErrNotFound:
		default:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			e.log().WithField("deal_id", id).WithError(err).Warn("purge failed while emptying trash")
		}
	}
	e.observe(op, "", nil)
	e.log().WithField("deleted", res.Deleted).WithField("failed", res.Failed).WithField("actor", actorID).Info("trash emptied")
	return res, nil
}

// ListTrash returns trashed deals, most recently deleted first.
func (e Engine) ListTrash(ctx context.Context) ([]domain.Deal, error) {
	deals, err := e.Repo.ListDeals(ctx, nil, repo.DealFilters{Trashed: true})
	if err != nil {
		return nil, fail("list_trash", "", err)
	}
	if deals == nil {
		deals = []domain.Deal{}
	}
	return deals, nil
}

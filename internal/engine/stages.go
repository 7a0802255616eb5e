package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"salesline/internal/domain"
)

type catalog struct {
	stages []domain.Stage
	byID   map[string]domain.Stage
}

func (c catalog) get(id string) (domain.Stage, bool) {
	st, ok := c.byID[id]
	return st, ok
}

func (c catalog) won() (domain.Stage, bool) {
	for _, st := range c.stages {
		if st.IsWon {
			return st, true
		}
	}
	return domain.Stage{}, false
}

func (c catalog) lost() (domain.Stage, bool) {
	for _, st := range c.stages {
		if st.IsLost {
			return st, true
		}
	}
	return domain.Stage{}, false
}

// firstOpen is the lowest-positioned non-terminal stage.
func (c catalog) firstOpen() (domain.Stage, bool) {
	for _, st := range c.stages {
		if !st.Terminal() {
			return st, true
		}
	}
	return domain.Stage{}, false
}

func (c catalog) open() []domain.Stage {
	var out []domain.Stage
	for _, st := range c.stages {
		if !st.Terminal() {
			out = append(out, st)
		}
	}
	return out
}

func (e Engine) loadCatalog(ctx context.Context, tx *sql.Tx) (catalog, error) {
	stages, err := e.Repo.ListStages(ctx, tx)
	if err != nil {
		return catalog{}, err
	}
	c := catalog{stages: stages, byID: make(map[string]domain.Stage, len(stages))}
	for _, st := range stages {
		c.byID[st.ID] = st
	}
	return c, nil
}

// stageID derives a stable id from the slug so reseeding is idempotent.
func stageID(slug string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("salesline/stage/"+slug)).String()
}

// EnsureStages seeds the configured catalog when the store has no stages.
// An existing catalog is left untouched.
func (e Engine) EnsureStages(ctx context.Context) ([]domain.Stage, error) {
	const op = "ensure_stages"
	tx, err := e.begin(ctx, op, "")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	n, err := e.Repo.CountStages(ctx, tx)
	if err != nil {
		return nil, fail(op, "", err)
	}
	if n == 0 {
		if err := e.Config.Validate(); err != nil {
			return nil, &DealError{Op: op, Kind: ErrInvalidInput, Err: err}
		}
		for _, sc := range e.Config.Stages {
			st := domain.Stage{
				ID:       stageID(sc.Slug),
				Name:     sc.Name,
				Slug:     sc.Slug,
				Position: sc.Position,
				Color:    sc.Color,
				IsWon:    sc.IsWon,
				IsLost:   sc.IsLost,
			}
			if err := e.Repo.InsertStage(ctx, tx, st); err != nil {
				return nil, fail(op, "", fmt.Errorf("insert stage %s: %w", sc.Slug, err))
			}
		}
		e.log().WithField("stages", len(e.Config.Stages)).Info("seeded pipeline stages")
	}
	stages, err := e.Repo.ListStages(ctx, tx)
	if err != nil {
		return nil, fail(op, "", err)
	}
	if err := e.commit(tx, op, ""); err != nil {
		return nil, err
	}
	return stages, nil
}

// ListStages returns the catalog ordered by position.
func (e Engine) ListStages(ctx context.Context) ([]domain.Stage, error) {
	stages, err := e.Repo.ListStages(ctx, nil)
	if err != nil {
		return nil, fail("list_stages", "", err)
	}
	return stages, nil
}

// StageBySlug resolves a slug or id to a stage.
func (e Engine) StageBySlug(ctx context.Context, ref string) (domain.Stage, error) {
	c, err := e.loadCatalog(ctx, nil)
	if err != nil {
		return domain.Stage{}, fail("resolve_stage", "", err)
	}
	if st, ok := c.get(ref); ok {
		return st, nil
	}
	for _, st := range c.stages {
		if st.Slug == ref {
			return st, nil
		}
	}
	return domain.Stage{}, &DealError{Op: "resolve_stage", StageID: ref, Kind: ErrNotFound, Reason: "unknown stage"}
}

func (e Engine) stageLogger(st domain.Stage) logrus.FieldLogger {
	return e.log().WithFields(logrus.Fields{"stage_id": st.ID, "stage": st.Slug})
}

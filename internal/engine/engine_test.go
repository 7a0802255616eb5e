package engine_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"salesline/internal/config"
	"salesline/internal/db"
	"salesline/internal/domain"
	"salesline/internal/engine"
	"salesline/internal/migrate"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Stages map[string]domain.Stage
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	eng.Log = logger
	ctx := context.Background()
	stages, err := eng.EnsureStages(ctx)
	if err != nil {
		t.Fatalf("seed stages: %v", err)
	}
	bySlug := map[string]domain.Stage{}
	for _, st := range stages {
		bySlug[st.Slug] = st
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk, Stages: bySlug}
}

func (env testEnv) createDeal(t *testing.T, name string, mut func(*engine.CreateDealOptions)) domain.DealView {
	t.Helper()
	opts := engine.CreateDealOptions{Name: name, ActorID: "tester"}
	if mut != nil {
		mut(&opts)
	}
	d, err := env.Engine.CreateDeal(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create deal %s: %v", name, err)
	}
	return d
}

func (env testEnv) stageChanges(t *testing.T, dealID string) []domain.Activity {
	t.Helper()
	list, err := env.Engine.ListActivities(env.Ctx, dealID)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	var out []domain.Activity
	for _, a := range list {
		if a.Type == domain.ActivityStageChange {
			out = append(out, a)
		}
	}
	return out
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var de *engine.DealError
	if !errors.As(err, &de) {
		t.Fatalf("expected *engine.DealError, got %T", err)
	}
}

// closedMatchesStage checks closedAt is set exactly when the stage is terminal.
func (env testEnv) closedMatchesStage(t *testing.T, dealID string) {
	t.Helper()
	v, err := env.Engine.GetDeal(env.Ctx, dealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if (v.ClosedAt != nil) != v.Stage.Terminal() {
		t.Fatalf("closed_at=%v but stage %s terminal=%v", v.ClosedAt, v.Stage.Slug, v.Stage.Terminal())
	}
}

func TestEnsureStagesSeedsCatalogOnce(t *testing.T) {
	env := newTestEnv(t)
	if len(env.Stages) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(env.Stages))
	}
	stages, err := env.Engine.EnsureStages(env.Ctx)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if len(stages) != 7 {
		t.Fatalf("reseed duplicated stages: %d", len(stages))
	}
	won, lost := 0, 0
	for i, st := range stages {
		if st.Position != i+1 {
			t.Fatalf("stage %s out of order at %d", st.Slug, i)
		}
		if st.IsWon && st.IsLost {
			t.Fatalf("stage %s is both won and lost", st.Slug)
		}
		if st.IsWon {
			won++
		}
		if st.IsLost {
			lost++
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected one won and one lost stage, got %d/%d", won, lost)
	}
	if stages[0].Slug != "nuevo" || stages[5].Slug != "ganado" || stages[6].Slug != "perdido" {
		t.Fatalf("unexpected catalog order: %+v", stages)
	}
}

func TestCreateDealDefaults(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", func(o *engine.CreateDealOptions) {
		o.Tags = []string{"vip", " vip", "", "retail"}
	})
	if d.StageID != env.Stages["nuevo"].ID {
		t.Fatalf("expected first open stage, got %s", d.Stage.Slug)
	}
	if d.Currency != "COP" || d.PhoneCountryCode != "+57" {
		t.Fatalf("unexpected defaults currency=%s phone=%s", d.Currency, d.PhoneCountryCode)
	}
	if d.Probability != 50 || d.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected defaults probability=%d priority=%s", d.Probability, d.Priority)
	}
	if len(d.Tags) != 2 || d.Tags[0] != "vip" || d.Tags[1] != "retail" {
		t.Fatalf("tags not deduplicated: %v", d.Tags)
	}
	if d.Version != 1 || d.ClosedAt != nil {
		t.Fatalf("unexpected version=%d closed=%v", d.Version, d.ClosedAt)
	}
	if len(d.Activities) != 0 || d.ActivityCount != 0 {
		t.Fatalf("creation must not write activities: %+v", d.Activities)
	}
	if d.OwnerID == nil || *d.OwnerID != "tester" {
		t.Fatalf("owner should default to actor")
	}
}

func TestCreateDealValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]engine.CreateDealOptions{
		"missing name":  {ActorID: "tester"},
		"bad email":     {Name: "x", Email: "not-an-email"},
		"probability":   {Name: "x", Probability: intPtr(101)},
		"priority":      {Name: "x", Priority: "alta-ish"},
		"currency":      {Name: "x", Currency: "PESOS"},
		"negative":      {Name: "x", EstimatedValue: decPtr(-1)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateDeal(env.Ctx, opts)
			assertKind(t, err, engine.ErrInvalidInput)
		})
	}
	_, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{Name: "x", StageID: env.Stages["ganado"].ID})
	assertKind(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{Name: "x", StageID: "nope"})
	assertKind(t, err, engine.ErrInvalidTransition)
}

func TestMoveDealNuevoToPropuesta(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	env.Clock.Advance(time.Hour)
	moved, err := env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["propuesta"].ID, "sent deck", "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.StageID != env.Stages["propuesta"].ID {
		t.Fatalf("stage not updated")
	}
	if moved.ProposalSentAt == nil || !moved.ProposalSentAt.Equal(env.Clock.Now()) {
		t.Fatalf("proposal_sent_at not stamped: %v", moved.ProposalSentAt)
	}
	if moved.ClosedAt != nil {
		t.Fatalf("open stage must not close deal")
	}
	if moved.Version != d.Version+1 {
		t.Fatalf("version not bumped: %d", moved.Version)
	}
	changes := env.stageChanges(t, d.ID)
	if len(changes) != 1 {
		t.Fatalf("expected one stage change, got %d", len(changes))
	}
	c := changes[0]
	if c.FromStageID == nil || *c.FromStageID != env.Stages["nuevo"].ID || c.ToStageID == nil || *c.ToStageID != env.Stages["propuesta"].ID {
		t.Fatalf("stage change from/to wrong: %+v", c)
	}
	if c.PerformedBy != "tester" || c.Description != "sent deck" {
		t.Fatalf("activity fields wrong: %+v", c)
	}
	env.closedMatchesStage(t, d.ID)
}

func TestMoveDealStampsMilestonesOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	first, err := env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["contactado"].ID, "", "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	stamped := *first.FirstContactAt
	env.Clock.Advance(24 * time.Hour)
	if _, err := env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["reunion"].ID, "", "tester"); err != nil {
		t.Fatalf("move: %v", err)
	}
	again, err := env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["contactado"].ID, "", "tester")
	if err != nil {
		t.Fatalf("move back: %v", err)
	}
	if !again.FirstContactAt.Equal(stamped) {
		t.Fatalf("first_contact_at overwritten: %v != %v", again.FirstContactAt, stamped)
	}
	if again.MeetingScheduledAt == nil {
		t.Fatalf("meeting_scheduled_at not stamped")
	}
}

func TestMoveSameStageIsNoop(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	got, err := env.Engine.MoveDeal(env.Ctx, d.ID, d.StageID, "", "tester")
	if err != nil {
		t.Fatalf("noop move: %v", err)
	}
	if got.Version != d.Version {
		t.Fatalf("noop move bumped version")
	}
	if n := len(env.stageChanges(t, d.ID)); n != 0 {
		t.Fatalf("noop move wrote %d activities", n)
	}
}

func TestMoveDealErrors(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)

	_, err := env.Engine.MoveDeal(env.Ctx, "missing", env.Stages["contactado"].ID, "", "tester")
	assertKind(t, err, engine.ErrNotFound)

	_, err = env.Engine.MoveDeal(env.Ctx, d.ID, "no-such-stage", "", "tester")
	assertKind(t, err, engine.ErrInvalidTransition)

	if _, err := env.Engine.MarkWon(env.Ctx, d.ID, decimal.NewFromInt(10), "", "tester"); err != nil {
		t.Fatalf("won: %v", err)
	}
	_, err = env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["negociacion"].ID, "", "tester")
	assertKind(t, err, engine.ErrAlreadyClosed)
	var de *engine.DealError
	if errors.As(err, &de) && de.DealID != d.ID {
		t.Fatalf("error should carry deal id, got %+v", de)
	}
}

func TestMoveIntoTerminalStageClosesDeal(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	got, err := env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["ganado"].ID, "", "tester")
	if err != nil {
		t.Fatalf("move to won: %v", err)
	}
	if got.ClosedAt == nil {
		t.Fatalf("closed_at not set")
	}
	env.closedMatchesStage(t, d.ID)
}

func TestMarkWon(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", func(o *engine.CreateDealOptions) { o.EstimatedValue = decPtr(1000) })
	won, err := env.Engine.MarkWon(env.Ctx, d.ID, decimal.NewFromInt(1500), "signed", "tester")
	if err != nil {
		t.Fatalf("won: %v", err)
	}
	if won.StageID != env.Stages["ganado"].ID || won.ClosedAt == nil {
		t.Fatalf("not closed as won: %+v", won)
	}
	if !won.Value().Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("final value not stored: %s", won.Value())
	}
	acts, err := env.Engine.ListActivities(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	var changes, notes int
	for _, a := range acts {
		switch a.Type {
		case domain.ActivityStageChange:
			changes++
		case domain.ActivityNote:
			notes++
		}
	}
	if changes != 1 || notes != 1 {
		t.Fatalf("expected 1 stage change and 1 note, got %d/%d", changes, notes)
	}
	_, err = env.Engine.MarkWon(env.Ctx, d.ID, decimal.NewFromInt(1), "", "tester")
	assertKind(t, err, engine.ErrAlreadyClosed)
	env.closedMatchesStage(t, d.ID)
}

func TestMarkLostPrecio(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	lost, err := env.Engine.MarkLost(env.Ctx, d.ID, domain.LostPrice, "too expensive", "tester")
	if err != nil {
		t.Fatalf("lost: %v", err)
	}
	if lost.StageID != env.Stages["perdido"].ID || lost.ClosedAt == nil {
		t.Fatalf("not closed as lost")
	}
	if lost.LostReason == nil || *lost.LostReason != domain.LostPrice {
		t.Fatalf("lost reason not stored")
	}
	if lost.LostNotes == nil || *lost.LostNotes != "too expensive" {
		t.Fatalf("lost notes not stored")
	}
	changes := env.stageChanges(t, d.ID)
	if len(changes) != 1 || *changes[0].ToStageID != env.Stages["perdido"].ID {
		t.Fatalf("expected stage change to perdido, got %+v", changes)
	}
	_, err = env.Engine.MarkLost(env.Ctx, d.ID, domain.LostTiming, "", "tester")
	assertKind(t, err, engine.ErrAlreadyClosed)
	env.closedMatchesStage(t, d.ID)
}

func TestMarkLostRejectsUnknownReason(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	_, err := env.Engine.MarkLost(env.Ctx, d.ID, domain.LostReason("weather"), "", "tester")
	assertKind(t, err, engine.ErrInvalidLostReason)
	v, _ := env.Engine.GetDeal(env.Ctx, d.ID)
	if v.ClosedAt != nil || v.StageID != d.StageID {
		t.Fatalf("rejected lost must not change the deal")
	}
}

func TestMissingTerminalStages(t *testing.T) {
	cfg := config.Default()
	var open []config.StageConfig
	for _, st := range cfg.Stages {
		if !st.IsWon && !st.IsLost {
			open = append(open, st)
		}
	}
	cfg.Stages = open
	env := newTestEnvWithConfig(t, cfg)
	d := env.createDeal(t, "Acme", nil)
	_, err := env.Engine.MarkWon(env.Ctx, d.ID, decimal.NewFromInt(1), "", "tester")
	assertKind(t, err, engine.ErrNoWonStage)
	_, err = env.Engine.MarkLost(env.Ctx, d.ID, domain.LostOther, "", "tester")
	assertKind(t, err, engine.ErrNoLostStage)
}

func TestReopenDeal(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	if _, err := env.Engine.MarkLost(env.Ctx, d.ID, domain.LostNoResponse, "ghosted", "tester"); err != nil {
		t.Fatalf("lost: %v", err)
	}
	_, err := env.Engine.ReopenDeal(env.Ctx, d.ID, env.Stages["ganado"].ID, "", "tester")
	assertKind(t, err, engine.ErrInvalidTransition)

	reopened, err := env.Engine.ReopenDeal(env.Ctx, d.ID, env.Stages["contactado"].ID, "replied", "tester")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.ClosedAt != nil || reopened.LostReason != nil || reopened.LostNotes != nil {
		t.Fatalf("closing data not cleared: %+v", reopened)
	}
	if len(env.stageChanges(t, d.ID)) != 2 {
		t.Fatalf("expected lost and reopen stage changes")
	}
	_, err = env.Engine.ReopenDeal(env.Ctx, d.ID, env.Stages["nuevo"].ID, "", "tester")
	assertKind(t, err, engine.ErrInvalidTransition)
	env.closedMatchesStage(t, d.ID)
}

func TestUpdateDealFieldsAndVersion(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	name := "Acme SAS"
	stale := d.Version
	updated, err := env.Engine.UpdateDeal(env.Ctx, engine.UpdateDealOptions{
		ID:              d.ID,
		ExpectedVersion: &stale,
		Name:            &name,
		EstimatedValue:  decPtr(2500),
		Tags:            &[]string{"a", "a", "b"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name || !updated.Value().Equal(decimal.NewFromInt(2500)) || len(updated.Tags) != 2 {
		t.Fatalf("patch not applied: %+v", updated.Deal)
	}
	if updated.StageID != d.StageID {
		t.Fatalf("update must not change stage")
	}
	_, err = env.Engine.UpdateDeal(env.Ctx, engine.UpdateDealOptions{ID: d.ID, ExpectedVersion: &stale, Name: &name})
	assertKind(t, err, engine.ErrConcurrentModification)

	bad := "nope"
	_, err = env.Engine.UpdateDeal(env.Ctx, engine.UpdateDealOptions{ID: d.ID, Email: &bad})
	assertKind(t, err, engine.ErrInvalidInput)
	empty := ""
	if _, err := env.Engine.UpdateDeal(env.Ctx, engine.UpdateDealOptions{ID: d.ID, Email: &empty}); err != nil {
		t.Fatalf("clearing email: %v", err)
	}
}

func TestConcurrentMovesToSameStageRecordOneChange(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	target := env.Stages["negociacion"].ID
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.MoveDeal(env.Ctx, d.ID, target, "", "tester")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent move: %v", err)
		}
	}
	if n := len(env.stageChanges(t, d.ID)); n != 1 {
		t.Fatalf("expected exactly one stage change, got %d", n)
	}
	v, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Version != 2 {
		t.Fatalf("expected a single version bump, got %d", v.Version)
	}
}

func TestConcurrentWonAndLostCloseOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.Engine.MarkWon(env.Ctx, d.ID, decimal.NewFromInt(5), "", "a")
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.Engine.MarkLost(env.Ctx, d.ID, domain.LostPrice, "", "b")
		results <- err
	}()
	wg.Wait()
	close(results)
	var ok, closedErrs int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrAlreadyClosed):
			closedErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || closedErrs != 1 {
		t.Fatalf("expected one winner, got ok=%d closed=%d", ok, closedErrs)
	}
	if n := len(env.stageChanges(t, d.ID)); n != 1 {
		t.Fatalf("expected one stage change, got %d", n)
	}
	env.closedMatchesStage(t, d.ID)
}

func TestDealErrorMessage(t *testing.T) {
	err := &engine.DealError{Op: "move_deal", DealID: "d1", Kind: engine.ErrAlreadyClosed, Reason: "deal is ganado"}
	want := "move_deal deal d1: deal already closed: deal is ganado"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	if engine.KindName(err) != "already_closed" {
		t.Fatalf("kind name %q", engine.KindName(err))
	}
}

func intPtr(v int) *int { return &v }

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

package engine_test

import (
	"testing"
	"time"

	"salesline/internal/domain"
	"salesline/internal/engine"
)

func TestSoftDeleteAndRestore(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	if _, err := env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["contactado"].ID, "", "tester"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityCall, "Llamada", "", "tester"); err != nil {
		t.Fatalf("log: %v", err)
	}

	trashed, err := env.Engine.SoftDelete(env.Ctx, d.ID, "tester")
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if trashed.DeletedAt == nil {
		t.Fatalf("deleted_at not set")
	}
	again, err := env.Engine.SoftDelete(env.Ctx, d.ID, "tester")
	if err != nil {
		t.Fatalf("second soft delete: %v", err)
	}
	if !again.DeletedAt.Equal(*trashed.DeletedAt) {
		t.Fatalf("second soft delete changed deleted_at")
	}

	list, err := env.Engine.ListDeals(env.Ctx, engine.DealFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("trashed deal listed as active")
	}
	_, err = env.Engine.MoveDeal(env.Ctx, d.ID, env.Stages["reunion"].ID, "", "tester")
	assertKind(t, err, engine.ErrNotFound)
	_, err = env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityNote, "x", "", "tester")
	assertKind(t, err, engine.ErrNotFound)

	restored, err := env.Engine.Restore(env.Ctx, d.ID, "tester")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.DeletedAt != nil || restored.StageID != env.Stages["contactado"].ID {
		t.Fatalf("restore lost state: %+v", restored)
	}
	acts, err := env.Engine.ListActivities(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 2 {
		t.Fatalf("expected history intact, got %d activities", len(acts))
	}
	_, err = env.Engine.Restore(env.Ctx, d.ID, "tester")
	assertKind(t, err, engine.ErrNotInTrash)
}

func TestPurge(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)
	if _, err := env.Engine.CreateReminder(env.Ctx, engine.ReminderOptions{
		DealID: d.ID, Title: "Llamar", RemindAt: env.Clock.Now().Add(time.Hour), ActorID: "tester",
	}); err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if _, err := env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityNote, "Nota", "", "tester"); err != nil {
		t.Fatalf("log: %v", err)
	}

	assertKind(t, env.Engine.Purge(env.Ctx, d.ID, "tester"), engine.ErrNotInTrash)
	assertKind(t, env.Engine.Purge(env.Ctx, "missing", "tester"), engine.ErrNotFound)

	if _, err := env.Engine.SoftDelete(env.Ctx, d.ID, "tester"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := env.Engine.Purge(env.Ctx, d.ID, "tester"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	_, err := env.Engine.GetDeal(env.Ctx, d.ID)
	assertKind(t, err, engine.ErrNotFound)

	var activities, reminders int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM deal_activities WHERE deal_id = ?`, d.ID).Scan(&activities); err != nil {
		t.Fatalf("count activities: %v", err)
	}
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM deal_reminders WHERE deal_id = ?`, d.ID).Scan(&reminders); err != nil {
		t.Fatalf("count reminders: %v", err)
	}
	if activities != 0 || reminders != 0 {
		t.Fatalf("purge left %d activities and %d reminders", activities, reminders)
	}
}

func TestEmptyTrash(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, name := range []string{"A", "B", "C"} {
		d := env.createDeal(t, name, nil)
		ids = append(ids, d.ID)
	}
	keep := env.createDeal(t, "Keep", nil)
	for _, id := range ids {
		env.Clock.Advance(time.Minute)
		if _, err := env.Engine.SoftDelete(env.Ctx, id, "tester"); err != nil {
			t.Fatalf("soft delete: %v", err)
		}
	}

	trash, err := env.Engine.ListTrash(env.Ctx)
	if err != nil {
		t.Fatalf("list trash: %v", err)
	}
	if len(trash) != 3 || trash[0].ID != ids[2] || trash[2].ID != ids[0] {
		t.Fatalf("trash not ordered by deletion time: %+v", trash)
	}

	res, err := env.Engine.EmptyTrash(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("empty trash: %v", err)
	}
	if res.Deleted != 3 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	trash, err = env.Engine.ListTrash(env.Ctx)
	if err != nil {
		t.Fatalf("list trash: %v", err)
	}
	if len(trash) != 0 {
		t.Fatalf("trash not empty: %d", len(trash))
	}
	if _, err := env.Engine.GetDeal(env.Ctx, keep.ID); err != nil {
		t.Fatalf("live deal removed: %v", err)
	}

	res, err = env.Engine.EmptyTrash(env.Ctx, "tester")
	if err != nil || res.Deleted != 0 {
		t.Fatalf("emptying an empty trash: %+v %v", res, err)
	}
}

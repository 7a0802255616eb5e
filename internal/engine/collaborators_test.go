package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"salesline/internal/domain"
	"salesline/internal/engine"
)

type fakeTasks struct {
	got []engine.FollowUpTask
	err error
}

func (f *fakeTasks) CreateTask(_ context.Context, task engine.FollowUpTask) (engine.TaskRef, error) {
	f.got = append(f.got, task)
	if f.err != nil {
		return engine.TaskRef{}, f.err
	}
	return engine.TaskRef{ID: "task-1", URL: "https://tasks.example/task-1"}, nil
}

type fakeCalendar struct {
	got []engine.MeetingRequest
	err error
}

func (f *fakeCalendar) CreateMeeting(_ context.Context, m engine.MeetingRequest) (engine.CalendarEvent, error) {
	f.got = append(f.got, m)
	if f.err != nil {
		return engine.CalendarEvent{}, f.err
	}
	return engine.CalendarEvent{EventID: "evt-1", Title: m.Title, MeetLink: "https://meet.example/abc"}, nil
}

func TestCreateFollowUpTask(t *testing.T) {
	env := newTestEnv(t)
	sink := &fakeTasks{}
	env.Engine.Tasks = sink
	d := env.createDeal(t, "Acme", nil)
	due := env.Clock.Now().Add(48 * time.Hour)

	res, err := env.Engine.CreateFollowUpTask(env.Ctx, engine.FollowUpOptions{DealID: d.ID, DueDate: due, ActorID: "tester"})
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if res.Task == nil || res.Task.ID != "task-1" || len(res.Warnings) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(sink.got) != 1 || sink.got[0].Title != "Seguimiento: Acme" || sink.got[0].Priority != domain.PriorityMedium {
		t.Fatalf("task not forwarded: %+v", sink.got)
	}
	v, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.NextFollowUp == nil || !v.NextFollowUp.Equal(due) {
		t.Fatalf("next follow-up not set: %v", v.NextFollowUp)
	}
}

func TestCreateFollowUpTaskSinkFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Tasks = &fakeTasks{err: errors.New("boom")}
	d := env.createDeal(t, "Acme", nil)
	due := env.Clock.Now().Add(time.Hour)

	res, err := env.Engine.CreateFollowUpTask(env.Ctx, engine.FollowUpOptions{DealID: d.ID, DueDate: due})
	if err != nil {
		t.Fatalf("sink failure must not fail the operation: %v", err)
	}
	if res.Task != nil || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "boom") {
		t.Fatalf("expected a warning, got %+v", res)
	}
	if res.Deal.NextFollowUp == nil {
		t.Fatalf("follow-up must stay set")
	}

	_, err = env.Engine.CreateFollowUpTask(env.Ctx, engine.FollowUpOptions{DealID: d.ID})
	assertKind(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.CreateFollowUpTask(env.Ctx, engine.FollowUpOptions{DealID: d.ID, DueDate: due, Priority: "later"})
	assertKind(t, err, engine.ErrInvalidInput)
}

func TestScheduleMeeting(t *testing.T) {
	env := newTestEnv(t)
	cal := &fakeCalendar{}
	env.Engine.Calendar = cal
	d := env.createDeal(t, "Acme", nil)
	start := env.Clock.Now().Add(3 * time.Hour)

	res, err := env.Engine.ScheduleMeeting(env.Ctx, engine.MeetingOptions{
		DealID:    d.ID,
		StartsAt:  start,
		Attendees: []string{"ana@example.com"},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("meeting: %v", err)
	}
	if res.Event == nil || res.Event.EventID != "evt-1" {
		t.Fatalf("event missing: %+v", res)
	}
	if len(cal.got) != 1 || cal.got[0].DurationMinutes != 30 || cal.got[0].Title != "Reunión: Acme" {
		t.Fatalf("calendar request %+v", cal.got)
	}
	if res.Activity.Type != domain.ActivityMeeting || !strings.Contains(res.Activity.Description, "https://meet.example/abc") {
		t.Fatalf("meeting activity %+v", res.Activity)
	}
	if !res.Reminder.RemindAt.Equal(start) {
		t.Fatalf("reminder at %v", res.Reminder.RemindAt)
	}

	v, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.MeetingScheduledAt == nil || !v.MeetingScheduledAt.Equal(start) {
		t.Fatalf("meeting_scheduled_at %v", v.MeetingScheduledAt)
	}
	if len(v.Alerts) != 1 || v.Alerts[0].Type != domain.AlertMeetingReminder || v.Alerts[0].Severity != domain.SeverityMedium {
		t.Fatalf("expected upcoming meeting alert, got %+v", v.Alerts)
	}
	env.Clock.Advance(4 * time.Hour)
	v, err = env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Alerts[0].Severity != domain.SeverityUrgent {
		t.Fatalf("expected past reminder to be urgent, got %+v", v.Alerts)
	}
}

func TestScheduleMeetingCalendarFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Calendar = &fakeCalendar{err: errors.New("calendar down")}
	d := env.createDeal(t, "Acme", nil)

	res, err := env.Engine.ScheduleMeeting(env.Ctx, engine.MeetingOptions{DealID: d.ID, StartsAt: env.Clock.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("calendar failure must not fail the operation: %v", err)
	}
	if res.Event != nil || len(res.Warnings) != 1 {
		t.Fatalf("expected warning, got %+v", res)
	}
	acts, err := env.Engine.ListActivities(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 || acts[0].Type != domain.ActivityMeeting {
		t.Fatalf("meeting not recorded: %+v", acts)
	}

	_, err = env.Engine.ScheduleMeeting(env.Ctx, engine.MeetingOptions{DealID: "missing", StartsAt: env.Clock.Now()})
	assertKind(t, err, engine.ErrNotFound)
}

func TestLogActivity(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)

	_, err := env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityStageChange, "sneaky", "", "tester")
	assertKind(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityType("fax"), "x", "", "tester")
	assertKind(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.LogActivity(env.Ctx, "missing", domain.ActivityNote, "x", "", "tester")
	assertKind(t, err, engine.ErrNotFound)

	first, err := env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityEmail, "Correo", "propuesta", "tester")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	env.Clock.Advance(time.Minute)
	second, err := env.Engine.LogActivity(env.Ctx, d.ID, domain.ActivityCall, "Llamada", "", "tester")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("activity ids not increasing: %d then %d", first.ID, second.ID)
	}
	acts, err := env.Engine.ListActivities(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(acts) != 2 || acts[0].ID != second.ID {
		t.Fatalf("timeline not newest first: %+v", acts)
	}
	v, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.ActivityCount != 2 || v.LastInteractionAt == nil || !v.LastInteractionAt.Equal(second.PerformedAt) {
		t.Fatalf("derived interaction state wrong: count=%d last=%v", v.ActivityCount, v.LastInteractionAt)
	}
}

func TestReminders(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeal(t, "Acme", nil)

	_, err := env.Engine.CreateReminder(env.Ctx, engine.ReminderOptions{DealID: d.ID, RemindAt: env.Clock.Now()})
	assertKind(t, err, engine.ErrInvalidInput)

	late, err := env.Engine.CreateReminder(env.Ctx, engine.ReminderOptions{
		DealID: d.ID, Title: "Late", RemindAt: env.Clock.Now().Add(48 * time.Hour), ActorID: "ana",
	})
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	early, err := env.Engine.CreateReminder(env.Ctx, engine.ReminderOptions{
		DealID: d.ID, Title: "Early", RemindAt: env.Clock.Now().Add(time.Hour), ActorID: "ana", AssignedTo: "luis",
	})
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if late.AssignedTo == nil || *late.AssignedTo != "ana" {
		t.Fatalf("assignee should default to creator")
	}

	pending, err := env.Engine.ListPendingReminders(env.Ctx, "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != early.ID {
		t.Fatalf("pending not earliest first: %+v", pending)
	}
	mine, err := env.Engine.ListPendingReminders(env.Ctx, "luis")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != early.ID {
		t.Fatalf("user filter: %+v", mine)
	}

	done, err := env.Engine.CompleteReminder(env.Ctx, early.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	env.Clock.Advance(time.Hour)
	again, err := env.Engine.CompleteReminder(env.Ctx, early.ID)
	if err != nil {
		t.Fatalf("complete twice: %v", err)
	}
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatalf("completion time changed")
	}
	v, err := env.Engine.GetDeal(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.NextReminder == nil || v.NextReminder.ID != late.ID {
		t.Fatalf("next reminder should skip completed ones: %+v", v.NextReminder)
	}

	if err := env.Engine.DeleteReminder(env.Ctx, late.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assertKind(t, env.Engine.DeleteReminder(env.Ctx, late.ID), engine.ErrNotFound)
	_, err = env.Engine.CompleteReminder(env.Ctx, "missing")
	assertKind(t, err, engine.ErrNotFound)
}

func TestCapturePublicLead(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Engine.CapturePublicLead(env.Ctx, engine.PublicLead{
		FirstName: "Ana",
		LastName:  "Gómez",
		Email:     "ana@example.com",
		Message:   "Quiero una cotización",
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if v.Name != "Ana Gómez" || v.StageID != env.Stages["nuevo"].ID {
		t.Fatalf("unexpected deal %+v", v.Deal)
	}
	if v.Source == nil || *v.Source != "web" || v.SourceDetail == nil || *v.SourceDetail != "Formulario externo" {
		t.Fatalf("source not set: %v %v", v.Source, v.SourceDetail)
	}
	if v.CreatedBy != engine.SystemActor {
		t.Fatalf("created_by %q", v.CreatedBy)
	}
	if len(v.Activities) != 1 || v.Activities[0].Type != domain.ActivityNote || v.Activities[0].Description != "Quiero una cotización" {
		t.Fatalf("intake note missing: %+v", v.Activities)
	}

	_, err = env.Engine.CapturePublicLead(env.Ctx, engine.PublicLead{FirstName: "Ana"})
	assertKind(t, err, engine.ErrInvalidInput)
}

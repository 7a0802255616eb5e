package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"salesline/internal/domain"
)

// ErrNotConfigured is returned by the no-op collaborators.
var ErrNotConfigured = errors.New("integration not configured")

type FollowUpTask struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	DealID      string          `json:"deal_id"`
	Priority    domain.Priority `json:"priority"`
	DueDate     time.Time       `json:"due_date"`
}

type TaskRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// TaskSink files follow-up tasks in an external task system.
type TaskSink interface {
	CreateTask(ctx context.Context, t FollowUpTask) (TaskRef, error)
}

type MeetingRequest struct {
	DealID          string    `json:"deal_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Attendees       []string  `json:"attendees,omitempty"`
}

type CalendarEvent struct {
	EventID  string `json:"event_id"`
	Title    string `json:"title"`
	MeetLink string `json:"meet_link,omitempty"`
}

// Calendar books meetings in an external calendar.
type Calendar interface {
	CreateMeeting(ctx context.Context, m MeetingRequest) (CalendarEvent, error)
}

type NoopTasks struct{}

func (NoopTasks) CreateTask(context.Context, FollowUpTask) (TaskRef, error) {
	return TaskRef{}, ErrNotConfigured
}

type NoopCalendar struct{}

func (NoopCalendar) CreateMeeting(context.Context, MeetingRequest) (CalendarEvent, error) {
	return CalendarEvent{}, ErrNotConfigured
}

type FollowUpOptions struct {
	DealID      string
	Title       string
	Description string
	DueDate     time.Time
	Priority    domain.Priority
	ActorID     string
}

type FollowUpResult struct {
	Deal     domain.Deal `json:"deal"`
	Task     *TaskRef    `json:"task,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
}

// CreateFollowUpTask sets the deal's next follow-up and files a task for it.
// A task system failure is reported as a warning; the follow-up stays set.
func (e Engine) CreateFollowUpTask(ctx context.Context, opts FollowUpOptions) (FollowUpResult, error) {
	const op = "follow_up_task"
	if opts.DueDate.IsZero() {
		return FollowUpResult{}, e.observe(op, opts.DealID, dealErr(op, opts.DealID, ErrInvalidInput, "due date is required"))
	}
	if opts.Priority != "" && !validPriority(opts.Priority) {
		return FollowUpResult{}, e.observe(op, opts.DealID, dealErr(op, opts.DealID, ErrInvalidInput, "unknown priority "+string(opts.Priority)))
	}
	due := opts.DueDate.UTC()
	var d domain.Deal
	err := func() error {
		tx, err := e.begin(ctx, op, opts.DealID)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if d, err = e.liveDeal(ctx, tx, op, opts.DealID); err != nil {
			return err
		}
		d.NextFollowUp = &due
		d.UpdatedAt = e.now()
		if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
			return fail(op, d.ID, err)
		}
		return e.commit(tx, op, d.ID)
	}()
	if err != nil {
		return FollowUpResult{}, e.observe(op, opts.DealID, err)
	}
	e.observe(op, d.ID, nil)

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = "Seguimiento: " + d.Name
	}
	priority := opts.Priority
	if priority == "" {
		priority = d.Priority
	}
	res := FollowUpResult{Deal: d}
	ref, err := e.tasks().CreateTask(ctx, FollowUpTask{
		Title:       title,
		Description: opts.Description,
		DealID:      d.ID,
		Priority:    priority,
		DueDate:     due,
	})
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("task not created: %v", err))
		e.log().WithFields(logrus.Fields{"deal_id": d.ID, "op": op}).WithError(err).Warn("task sink failed")
		return res, nil
	}
	res.Task = &ref
	return res, nil
}

type MeetingOptions struct {
	DealID          string
	Title           string
	Description     string
	StartsAt        time.Time
	DurationMinutes int
	Attendees       []string
	ActorID         string
}

type MeetingResult struct {
	Activity domain.Activity `json:"activity"`
	Reminder domain.Reminder `json:"reminder"`
	Event    *CalendarEvent  `json:"event,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// ScheduleMeeting books a meeting for a deal. The meeting is recorded on the
// timeline with a reminder at its start even when the calendar fails.
func (e Engine) ScheduleMeeting(ctx context.Context, opts MeetingOptions) (MeetingResult, error) {
	const op = "schedule_meeting"
	if opts.StartsAt.IsZero() {
		return MeetingResult{}, e.observe(op, opts.DealID, dealErr(op, opts.DealID, ErrInvalidInput, "start time is required"))
	}
	if opts.DurationMinutes <= 0 {
		opts.DurationMinutes = 30
	}
	d, err := e.Repo.GetDeal(ctx, nil, opts.DealID)
	if err != nil {
		return MeetingResult{}, e.observe(op, opts.DealID, fail(op, opts.DealID, err))
	}
	if d.Trashed() {
		return MeetingResult{}, e.observe(op, d.ID, dealErr(op, d.ID, ErrNotFound, "deal is in trash"))
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = "Reunión: " + d.Name
	}
	startsAt := opts.StartsAt.UTC()

	res := MeetingResult{}
	ev, calErr := e.calendar().CreateMeeting(ctx, MeetingRequest{
		DealID:          d.ID,
		Title:           title,
		Description:     opts.Description,
		StartsAt:        startsAt,
		DurationMinutes: opts.DurationMinutes,
		Attendees:       opts.Attendees,
	})
	if calErr != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("calendar event not created: %v", calErr))
		e.log().WithFields(logrus.Fields{"deal_id": d.ID, "op": op}).WithError(calErr).Warn("calendar failed")
	} else {
		res.Event = &ev
	}

	description := opts.Description
	if res.Event != nil && res.Event.MeetLink != "" {
		description = strings.TrimSpace(description + "\n" + res.Event.MeetLink)
	}
	err = func() error {
		tx, err := e.begin(ctx, op, d.ID)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if d, err = e.liveDeal(ctx, tx, op, d.ID); err != nil {
			return err
		}
		now := e.now()
		d.MeetingScheduledAt = &startsAt
		d.UpdatedAt = now
		if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
			return fail(op, d.ID, err)
		}
		res.Activity, err = e.appendActivity(ctx, tx, domain.Activity{
			DealID:      d.ID,
			Type:        domain.ActivityMeeting,
			Title:       title,
			Description: description,
			PerformedBy: opts.ActorID,
		})
		if err != nil {
			return fail(op, d.ID, err)
		}
		res.Reminder = domain.Reminder{
			ID:         uuid.NewString(),
			DealID:     d.ID,
			Title:      title,
			RemindAt:   startsAt,
			AssignedTo: optionalString(opts.ActorID),
			CreatedBy:  opts.ActorID,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertReminder(ctx, tx, res.Reminder); err != nil {
			return fail(op, d.ID, err)
		}
		return e.commit(tx, op, d.ID)
	}()
	if err != nil {
		return MeetingResult{}, e.observe(op, d.ID, err)
	}
	e.observe(op, d.ID, nil)
	return res, nil
}

func (e Engine) tasks() TaskSink {
	if e.Tasks != nil {
		return e.Tasks
	}
	return NoopTasks{}
}

func (e Engine) calendar() Calendar {
	if e.Calendar != nil {
		return e.Calendar
	}
	return NoopCalendar{}
}

func validPriority(p domain.Priority) bool {
	for _, v := range domain.Priorities {
		if v == p {
			return true
		}
	}
	return false
}

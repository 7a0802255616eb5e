package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"salesline/internal/domain"
)

// LogActivity appends a manual entry to a deal timeline. Stage changes are
// written only by the transition operations.
func (e Engine) LogActivity(ctx context.Context, dealID string, typ domain.ActivityType, title, description, actorID string) (domain.Activity, error) {
	const op = "log_activity"
	a, err := e.logActivity(ctx, op, domain.Activity{
		DealID:      dealID,
		Type:        typ,
		Title:       strings.TrimSpace(title),
		Description: description,
		PerformedBy: actorID,
	})
	return a, e.observe(op, dealID, err)
}

func (e Engine) logActivity(ctx context.Context, op string, a domain.Activity) (domain.Activity, error) {
	if a.Type == domain.ActivityStageChange {
		return a, dealErr(op, a.DealID, ErrInvalidInput, "stage changes are recorded by moving the deal")
	}
	if !a.Type.Valid() {
		return a, dealErr(op, a.DealID, ErrInvalidInput, "unknown activity type "+string(a.Type))
	}
	tx, err := e.begin(ctx, op, a.DealID)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if _, err := e.liveDeal(ctx, tx, op, a.DealID); err != nil {
		return a, err
	}
	a, err = e.appendActivity(ctx, tx, a)
	if err != nil {
		return a, fail(op, a.DealID, err)
	}
	return a, e.commit(tx, op, a.DealID)
}

// ListActivities returns a deal timeline, newest first.
func (e Engine) ListActivities(ctx context.Context, dealID string) ([]domain.Activity, error) {
	const op = "list_activities"
	if _, err := e.Repo.GetDeal(ctx, nil, dealID); err != nil {
		return nil, fail(op, dealID, err)
	}
	list, err := e.Repo.ListActivities(ctx, nil, dealID, 0)
	if err != nil {
		return nil, fail(op, dealID, err)
	}
	if list == nil {
		list = []domain.Activity{}
	}
	return list, nil
}

// ReminderOptions are parameters for creating a reminder.
type ReminderOptions struct {
	DealID     string
	Title      string
	RemindAt   time.Time
	AssignedTo string
	ActorID    string
}

// CreateReminder schedules a reminder on a live deal. It defaults the
// assignee to the creator.
func (e Engine) CreateReminder(ctx context.Context, opts ReminderOptions) (domain.Reminder, error) {
	const op = "create_reminder"
	rm, err := e.createReminder(ctx, op, opts)
	return rm, e.observe(op, opts.DealID, err)
}

func (e Engine) createReminder(ctx context.Context, op string, opts ReminderOptions) (domain.Reminder, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Reminder{}, dealErr(op, opts.DealID, ErrInvalidInput, "title is required")
	}
	if opts.RemindAt.IsZero() {
		return domain.Reminder{}, dealErr(op, opts.DealID, ErrInvalidInput, "remind_at is required")
	}
	assignee := opts.AssignedTo
	if assignee == "" {
		assignee = opts.ActorID
	}
	rm := domain.Reminder{
		ID:         uuid.NewString(),
		DealID:     opts.DealID,
		Title:      title,
		RemindAt:   opts.RemindAt.UTC(),
		AssignedTo: optionalString(assignee),
		CreatedBy:  opts.ActorID,
		CreatedAt:  e.now(),
	}
	tx, err := e.begin(ctx, op, opts.DealID)
	if err != nil {
		return rm, err
	}
	defer tx.Rollback()
	if _, err := e.liveDeal(ctx, tx, op, opts.DealID); err != nil {
		return rm, err
	}
	if err := e.Repo.InsertReminder(ctx, tx, rm); err != nil {
		return rm, fail(op, opts.DealID, err)
	}
	return rm, e.commit(tx, op, opts.DealID)
}

// CompleteReminder flags a reminder done. Completing twice keeps the first
// completion time.
func (e Engine) CompleteReminder(ctx context.Context, id string) (domain.Reminder, error) {
	const op = "complete_reminder"
	tx, err := e.begin(ctx, op, "")
	if err != nil {
		return domain.Reminder{}, e.observe(op, "", err)
	}
	defer tx.Rollback()
	rm, err := e.Repo.GetReminder(ctx, tx, id)
	if err != nil {
		return rm, e.observe(op, "", fail(op, "", err))
	}
	if !rm.IsCompleted {
		now := e.now()
		if err := e.Repo.CompleteReminder(ctx, tx, id, now); err != nil {
			return rm, e.observe(op, rm.DealID, fail(op, rm.DealID, err))
		}
		rm.IsCompleted = true
		rm.CompletedAt = &now
	}
	if err := e.commit(tx, op, rm.DealID); err != nil {
		return rm, e.observe(op, rm.DealID, err)
	}
	return rm, e.observe(op, rm.DealID, nil)
}

func (e Engine) DeleteReminder(ctx context.Context, id string) error {
	const op = "delete_reminder"
	if err := e.Repo.DeleteReminder(ctx, nil, id); err != nil {
		return e.observe(op, "", fail(op, "", err))
	}
	return e.observe(op, "", nil)
}

// ListPendingReminders returns incomplete reminders of live deals, earliest
// first. A non-empty userID keeps reminders assigned to or created by it.
func (e Engine) ListPendingReminders(ctx context.Context, userID string) ([]domain.Reminder, error) {
	list, err := e.Repo.ListPendingReminders(ctx, nil, time.Time{})
	if err != nil {
		return nil, fail("list_reminders", "", err)
	}
	out := make([]domain.Reminder, 0, len(list))
	for _, rm := range list {
		if userID != "" && rm.CreatedBy != userID && (rm.AssignedTo == nil || *rm.AssignedTo != userID) {
			continue
		}
		out = append(out, rm)
	}
	return out, nil
}

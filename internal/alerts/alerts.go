// Package alerts derives the attention flags shown on a deal. Everything here
// is a pure function of the clock, a deal snapshot and the thresholds.
package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"salesline/internal/domain"
)

const day = 24 * time.Hour

// Thresholds tunes when each alert fires and how severe it is.
type Thresholds struct {
	FollowUpMediumDays int
	FollowUpHighDays   int
	FollowUpUrgentDays int
	// HighValueThreshold of zero disables high_value_dormant.
	HighValueThreshold     decimal.Decimal
	HighValueUrgentValue   decimal.Decimal
	DormantDays            int
	DormantUrgentDays      int
	NoInteractionGraceDays int
	MeetingWindowHours     int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FollowUpMediumDays:     1,
		FollowUpHighDays:       2,
		FollowUpUrgentDays:     3,
		HighValueThreshold:     decimal.NewFromInt(1_000_000),
		HighValueUrgentValue:   decimal.NewFromInt(5_000_000),
		DormantDays:            3,
		DormantUrgentDays:      7,
		NoInteractionGraceDays: 3,
		MeetingWindowHours:     24,
	}
}

// Snapshot is the state of one deal as read inside a single transaction.
type Snapshot struct {
	Deal              domain.Deal
	Stage             domain.Stage
	ActivityCount     int
	LastInteractionAt *time.Time
	// Reminders may include completed ones; they are ignored.
	Reminders []domain.Reminder
}

// DaysBetween returns whole days from a to b, never negative.
func DaysBetween(a, b time.Time) int {
	d := b.Sub(a)
	if d <= 0 {
		return 0
	}
	return int(d / day)
}

// DaysSinceInteraction counts from the newest activity, or from creation
// when the deal has none.
func DaysSinceInteraction(now time.Time, s Snapshot) int {
	if s.LastInteractionAt != nil {
		return DaysBetween(*s.LastInteractionAt, now)
	}
	return DaysBetween(s.Deal.CreatedAt, now)
}

// DaysInStage counts from the last stage change, or from creation.
func DaysInStage(now time.Time, d domain.Deal, lastStageChange *time.Time) int {
	if lastStageChange != nil {
		return DaysBetween(*lastStageChange, now)
	}
	return DaysBetween(d.CreatedAt, now)
}

// NextReminder returns the earliest incomplete reminder.
func NextReminder(reminders []domain.Reminder) *domain.Reminder {
	var next *domain.Reminder
	for i := range reminders {
		rm := reminders[i]
		if rm.IsCompleted {
			continue
		}
		if next == nil || rm.RemindAt.Before(next.RemindAt) {
			next = &rm
		}
	}
	return next
}

// Evaluate returns the alerts for s, most severe first. Closed deals never alert.
func Evaluate(now time.Time, s Snapshot, th Thresholds) []domain.Alert {
	out := []domain.Alert{}
	if s.Stage.Terminal() || s.Deal.ClosedAt != nil || s.Deal.Trashed() {
		return out
	}
	if a, ok := followUpOverdue(now, s.Deal, th); ok {
		out = append(out, a)
	}
	if a, ok := meetingReminder(now, s.Reminders, th); ok {
		out = append(out, a)
	}
	if a, ok := highValueDormant(now, s, th); ok {
		out = append(out, a)
	}
	if a, ok := noInteraction(now, s, th); ok {
		out = append(out, a)
	}
	Sort(out)
	return out
}

var typeOrder = map[domain.AlertType]int{
	domain.AlertFollowUpOverdue:  0,
	domain.AlertMeetingReminder:  1,
	domain.AlertHighValueDormant: 2,
	domain.AlertNoInteraction:    3,
}

// Sort orders alerts by severity, then by type.
func Sort(list []domain.Alert) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].Severity.Rank(), list[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return typeOrder[list[i].Type] < typeOrder[list[j].Type]
	})
}

// NeedsFollowUp reports whether the alerts mark the deal as needing a
// follow-up in pipeline metrics.
func NeedsFollowUp(list []domain.Alert) bool {
	for _, a := range list {
		if a.Type == domain.AlertFollowUpOverdue || a.Type == domain.AlertNoInteraction {
			return true
		}
	}
	return false
}

// Has reports whether list contains an alert of type t.
func Has(list []domain.Alert, t domain.AlertType) bool {
	for _, a := range list {
		if a.Type == t {
			return true
		}
	}
	return false
}

func followUpOverdue(now time.Time, d domain.Deal, th Thresholds) (domain.Alert, bool) {
	if d.NextFollowUp == nil || !d.NextFollowUp.Before(now) {
		return domain.Alert{}, false
	}
	days := DaysBetween(*d.NextFollowUp, now)
	sev := domain.SeverityLow
	switch {
	case days >= th.FollowUpUrgentDays:
		sev = domain.SeverityUrgent
	case days >= th.FollowUpHighDays:
		sev = domain.SeverityHigh
	case days >= th.FollowUpMediumDays:
		sev = domain.SeverityMedium
	}
	msg := "Seguimiento vencido hoy"
	if days > 0 {
		msg = fmt.Sprintf("Seguimiento vencido hace %d día(s)", days)
	}
	return domain.Alert{Type: domain.AlertFollowUpOverdue, Message: msg, Severity: sev}, true
}

func meetingReminder(now time.Time, reminders []domain.Reminder, th Thresholds) (domain.Alert, bool) {
	horizon := now.Add(time.Duration(th.MeetingWindowHours) * time.Hour)
	var due []domain.Reminder
	for _, rm := range reminders {
		if !rm.IsCompleted && !rm.RemindAt.After(horizon) {
			due = append(due, rm)
		}
	}
	next := NextReminder(due)
	if next == nil {
		return domain.Alert{}, false
	}
	if next.RemindAt.Before(now) {
		return domain.Alert{
			Type:     domain.AlertMeetingReminder,
			Message:  fmt.Sprintf("Recordatorio vencido: %s", next.Title),
			Severity: domain.SeverityUrgent,
		}, true
	}
	return domain.Alert{
		Type:     domain.AlertMeetingReminder,
		Message:  fmt.Sprintf("Recordatorio en las próximas %d horas: %s", th.MeetingWindowHours, next.Title),
		Severity: domain.SeverityMedium,
	}, true
}

func highValueDormant(now time.Time, s Snapshot, th Thresholds) (domain.Alert, bool) {
	if !th.HighValueThreshold.IsPositive() || s.Deal.EstimatedValue == nil {
		return domain.Alert{}, false
	}
	value := *s.Deal.EstimatedValue
	if value.LessThan(th.HighValueThreshold) {
		return domain.Alert{}, false
	}
	days := DaysSinceInteraction(now, s)
	if days < th.DormantDays {
		return domain.Alert{}, false
	}
	sev := domain.SeverityHigh
	if days >= th.DormantUrgentDays || (th.HighValueUrgentValue.IsPositive() && !value.LessThan(th.HighValueUrgentValue)) {
		sev = domain.SeverityUrgent
	}
	return domain.Alert{
		Type:     domain.AlertHighValueDormant,
		Message:  fmt.Sprintf("Prospecto de alto valor sin actividad hace %d días", days),
		Severity: sev,
	}, true
}

func noInteraction(now time.Time, s Snapshot, th Thresholds) (domain.Alert, bool) {
	if s.ActivityCount > 0 {
		return domain.Alert{}, false
	}
	days := DaysBetween(s.Deal.CreatedAt, now)
	if days < th.NoInteractionGraceDays {
		return domain.Alert{}, false
	}
	return domain.Alert{
		Type:     domain.AlertNoInteraction,
		Message:  fmt.Sprintf("%d días sin interacción", days),
		Severity: domain.SeverityMedium,
	}, true
}

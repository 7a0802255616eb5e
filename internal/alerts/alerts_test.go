package alerts

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesline/internal/domain"
)

var now = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func openStage() domain.Stage {
	return domain.Stage{ID: "s-nuevo", Slug: "nuevo", Position: 1}
}

func ptrTime(t time.Time) *time.Time { return &t }

func money(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func snapshot(mut func(*Snapshot)) Snapshot {
	s := Snapshot{
		Deal: domain.Deal{
			ID:        "d1",
			StageID:   "s-nuevo",
			CreatedAt: now.Add(-time.Hour),
		},
		Stage:             openStage(),
		ActivityCount:     1,
		LastInteractionAt: ptrTime(now.Add(-time.Hour)),
	}
	if mut != nil {
		mut(&s)
	}
	return s
}

func types(list []domain.Alert) []domain.AlertType {
	out := make([]domain.AlertType, 0, len(list))
	for _, a := range list {
		out = append(out, a.Type)
	}
	return out
}

func TestEvaluateFreshDealHasNoAlerts(t *testing.T) {
	got := Evaluate(now, snapshot(nil), DefaultThresholds())
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestFollowUpOverdueSeverity(t *testing.T) {
	cases := []struct {
		name    string
		overdue time.Duration
		want    domain.Severity
	}{
		{"hours", 3 * time.Hour, domain.SeverityLow},
		{"one day", 25 * time.Hour, domain.SeverityMedium},
		{"two days", 49 * time.Hour, domain.SeverityHigh},
		{"three days", 73 * time.Hour, domain.SeverityUrgent},
		{"ten days", 240 * time.Hour, domain.SeverityUrgent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := snapshot(func(s *Snapshot) { s.Deal.NextFollowUp = ptrTime(now.Add(-tc.overdue)) })
			got := Evaluate(now, s, DefaultThresholds())
			require.Len(t, got, 1)
			assert.Equal(t, domain.AlertFollowUpOverdue, got[0].Type)
			assert.Equal(t, tc.want, got[0].Severity)
		})
	}
}

func TestFollowUpInFutureDoesNotAlert(t *testing.T) {
	s := snapshot(func(s *Snapshot) { s.Deal.NextFollowUp = ptrTime(now.Add(time.Hour)) })
	assert.Empty(t, Evaluate(now, s, DefaultThresholds()))
}

func TestClosedDealsNeverAlert(t *testing.T) {
	won := snapshot(func(s *Snapshot) {
		s.Stage = domain.Stage{ID: "s-ganado", IsWon: true}
		s.Deal.ClosedAt = ptrTime(now.Add(-48 * time.Hour))
		s.Deal.NextFollowUp = ptrTime(now.Add(-96 * time.Hour))
		s.Deal.EstimatedValue = money(9_000_000)
		s.ActivityCount = 0
		s.LastInteractionAt = nil
		s.Deal.CreatedAt = now.Add(-30 * 24 * time.Hour)
	})
	assert.Empty(t, Evaluate(now, won, DefaultThresholds()))

	lost := won
	lost.Stage = domain.Stage{ID: "s-perdido", IsLost: true}
	assert.Empty(t, Evaluate(now, lost, DefaultThresholds()))
}

func TestHighValueDormant(t *testing.T) {
	cases := []struct {
		name     string
		value    int64
		idleDays int
		want     domain.Severity
		fires    bool
	}{
		{"below threshold", 999_999, 10, "", false},
		{"recent activity", 2_000_000, 2, "", false},
		{"dormant", 2_000_000, 3, domain.SeverityHigh, true},
		{"long dormant", 2_000_000, 7, domain.SeverityUrgent, true},
		{"very high value", 5_000_000, 3, domain.SeverityUrgent, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := snapshot(func(s *Snapshot) {
				s.Deal.EstimatedValue = money(tc.value)
				s.Deal.CreatedAt = now.Add(-60 * 24 * time.Hour)
				s.LastInteractionAt = ptrTime(now.Add(-time.Duration(tc.idleDays) * day))
			})
			got := Evaluate(now, s, DefaultThresholds())
			if !tc.fires {
				assert.False(t, Has(got, domain.AlertHighValueDormant))
				return
			}
			require.True(t, Has(got, domain.AlertHighValueDormant))
			for _, a := range got {
				if a.Type == domain.AlertHighValueDormant {
					assert.Equal(t, tc.want, a.Severity)
				}
			}
		})
	}
}

func TestNoInteraction(t *testing.T) {
	s := snapshot(func(s *Snapshot) {
		s.ActivityCount = 0
		s.LastInteractionAt = nil
		s.Deal.CreatedAt = now.Add(-3 * day)
	})
	got := Evaluate(now, s, DefaultThresholds())
	require.Equal(t, []domain.AlertType{domain.AlertNoInteraction}, types(got))
	assert.Equal(t, domain.SeverityMedium, got[0].Severity)
	assert.True(t, NeedsFollowUp(got))

	s.Deal.CreatedAt = now.Add(-2 * day)
	assert.Empty(t, Evaluate(now, s, DefaultThresholds()))
}

func TestMeetingReminder(t *testing.T) {
	upcoming := snapshot(func(s *Snapshot) {
		s.Reminders = []domain.Reminder{
			{ID: "r-late", Title: "later", RemindAt: now.Add(48 * time.Hour)},
			{ID: "r-soon", Title: "demo", RemindAt: now.Add(2 * time.Hour)},
		}
	})
	got := Evaluate(now, upcoming, DefaultThresholds())
	require.Len(t, got, 1)
	assert.Equal(t, domain.AlertMeetingReminder, got[0].Type)
	assert.Equal(t, domain.SeverityMedium, got[0].Severity)
	assert.Contains(t, got[0].Message, "demo")

	past := snapshot(func(s *Snapshot) {
		s.Reminders = []domain.Reminder{{ID: "r", Title: "call", RemindAt: now.Add(-time.Hour)}}
	})
	got = Evaluate(now, past, DefaultThresholds())
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityUrgent, got[0].Severity)

	done := snapshot(func(s *Snapshot) {
		s.Reminders = []domain.Reminder{{ID: "r", Title: "call", RemindAt: now.Add(time.Hour), IsCompleted: true}}
	})
	assert.Empty(t, Evaluate(now, done, DefaultThresholds()))
}

func TestAlertOrdering(t *testing.T) {
	s := snapshot(func(s *Snapshot) {
		s.ActivityCount = 0
		s.LastInteractionAt = nil
		s.Deal.CreatedAt = now.Add(-4 * day)
		s.Deal.EstimatedValue = money(1_500_000)
		s.Deal.NextFollowUp = ptrTime(now.Add(-2 * time.Hour))
		s.Reminders = []domain.Reminder{{ID: "r", Title: "call", RemindAt: now.Add(time.Hour)}}
	})
	got := Evaluate(now, s, DefaultThresholds())
	assert.Equal(t, []domain.AlertType{
		domain.AlertHighValueDormant,
		domain.AlertMeetingReminder,
		domain.AlertNoInteraction,
		domain.AlertFollowUpOverdue,
	}, types(got))
}

func TestDaysHelpers(t *testing.T) {
	created := now.Add(-10 * day)
	d := domain.Deal{CreatedAt: created}
	assert.Equal(t, 10, DaysInStage(now, d, nil))
	assert.Equal(t, 2, DaysInStage(now, d, ptrTime(now.Add(-50*time.Hour))))
	assert.Equal(t, 0, DaysBetween(now, now.Add(-time.Hour)))
	assert.Equal(t, 10, DaysSinceInteraction(now, Snapshot{Deal: d}))
}

func TestNextReminderSkipsCompleted(t *testing.T) {
	list := []domain.Reminder{
		{ID: "a", RemindAt: now.Add(time.Hour), IsCompleted: true},
		{ID: "b", RemindAt: now.Add(3 * time.Hour)},
		{ID: "c", RemindAt: now.Add(2 * time.Hour)},
	}
	next := NextReminder(list)
	require.NotNil(t, next)
	assert.Equal(t, "c", next.ID)
	assert.Nil(t, NextReminder(nil))
}

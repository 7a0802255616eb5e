package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Stage struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Position int    `json:"position"`
	Color    string `json:"color"`
	IsWon    bool   `json:"is_won"`
	IsLost   bool   `json:"is_lost"`
}

// Terminal reports whether deals in this stage are closed.
func (s Stage) Terminal() bool {
	return s.IsWon || s.IsLost
}

type Priority string

const (
	PriorityLow    Priority = "baja"
	PriorityMedium Priority = "media"
	PriorityHigh   Priority = "alta"
	PriorityUrgent Priority = "urgente"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

type Deal struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Company            *string          `json:"company,omitempty"`
	Phone              string           `json:"phone,omitempty"`
	PhoneCountryCode   string           `json:"phone_country_code"`
	Email              *string          `json:"email,omitempty"`
	StageID            string           `json:"stage_id"`
	EstimatedValue     *decimal.Decimal `json:"estimated_value,omitempty"`
	Currency           string           `json:"currency"`
	ServiceID          *string          `json:"service_id,omitempty"`
	Source             *string          `json:"source,omitempty"`
	SourceDetail       *string          `json:"source_detail,omitempty"`
	OwnerID            *string          `json:"owner_id,omitempty"`
	FirstContactAt     *time.Time       `json:"first_contact_at,omitempty"`
	MeetingScheduledAt *time.Time       `json:"meeting_scheduled_at,omitempty"`
	ProposalSentAt     *time.Time       `json:"proposal_sent_at,omitempty"`
	ExpectedCloseDate  *time.Time       `json:"expected_close_date,omitempty"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
	LostReason         *LostReason      `json:"lost_reason,omitempty"`
	LostNotes          *string          `json:"lost_notes,omitempty"`
	Notes              *string          `json:"notes,omitempty"`
	Probability        int              `json:"probability"`
	Priority           Priority         `json:"priority"`
	NextFollowUp       *time.Time       `json:"next_follow_up,omitempty"`
	Tags               []string         `json:"tags"`
	DeletedAt          *time.Time       `json:"deleted_at,omitempty"`
	CreatedBy          string           `json:"created_by"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Version            int64            `json:"version"`
}

// Trashed reports whether the deal is soft-deleted.
func (d Deal) Trashed() bool {
	return d.DeletedAt != nil
}

// Value returns the estimated value, treating a missing value as zero.
func (d Deal) Value() decimal.Decimal {
	if d.EstimatedValue == nil {
		return decimal.Zero
	}
	return *d.EstimatedValue
}

type ActivityType string

const (
	ActivityStageChange ActivityType = "stage_change"
	ActivityWhatsApp    ActivityType = "whatsapp"
	ActivityCall        ActivityType = "call"
	ActivityEmail       ActivityType = "email"
	ActivityNote        ActivityType = "note"
	ActivityMeeting     ActivityType = "meeting"
)

var ActivityTypes = []ActivityType{ActivityStageChange, ActivityWhatsApp, ActivityCall, ActivityEmail, ActivityNote, ActivityMeeting}

func (t ActivityType) Valid() bool {
	for _, v := range ActivityTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Activity struct {
	ID          int64        `json:"id"`
	DealID      string       `json:"deal_id"`
	Type        ActivityType `json:"type"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	FromStageID *string      `json:"from_stage_id,omitempty"`
	ToStageID   *string      `json:"to_stage_id,omitempty"`
	PerformedBy string       `json:"performed_by,omitempty"`
	PerformedAt time.Time    `json:"performed_at"`
}

type Reminder struct {
	ID          string     `json:"id"`
	DealID      string     `json:"deal_id"`
	Title       string     `json:"title"`
	RemindAt    time.Time  `json:"remind_at"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

type LostReason string

const (
	LostPrice        LostReason = "precio"
	LostCompetition  LostReason = "competencia"
	LostTiming       LostReason = "timing"
	LostNoNeed       LostReason = "no_necesita"
	LostNoResponse   LostReason = "sin_respuesta"
	LostDisqualified LostReason = "no_califica"
	LostOther        LostReason = "otro"
)

var LostReasons = []LostReason{LostPrice, LostCompetition, LostTiming, LostNoNeed, LostNoResponse, LostDisqualified, LostOther}

func (r LostReason) Valid() bool {
	for _, v := range LostReasons {
		if v == r {
			return true
		}
	}
	return false
}

type AlertType string

const (
	AlertFollowUpOverdue  AlertType = "follow_up_overdue"
	AlertHighValueDormant AlertType = "high_value_dormant"
	AlertNoInteraction    AlertType = "no_interaction"
	AlertMeetingReminder  AlertType = "meeting_reminder"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeverityUrgent Severity = "urgent"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityUrgent:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type Alert struct {
	Type     AlertType `json:"type"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
}

// DealView is a deal enriched with derived, never-persisted state.
type DealView struct {
	Deal
	Stage                Stage      `json:"stage"`
	Alerts               []Alert    `json:"alerts"`
	DaysSinceInteraction int        `json:"days_since_interaction"`
	DaysInStage          int        `json:"days_in_stage"`
	LastInteractionAt    *time.Time `json:"last_interaction_at,omitempty"`
	NextReminder         *Reminder  `json:"next_reminder,omitempty"`
	ActivityCount        int        `json:"activity_count"`
	Activities           []Activity `json:"activities,omitempty"`
	Reminders            []Reminder `json:"reminders,omitempty"`
}

type StageBreakdown struct {
	StageID string          `json:"stage_id"`
	Name    string          `json:"name"`
	Color   string          `json:"color"`
	Count   int             `json:"count"`
	Value   decimal.Decimal `json:"value"`
}

type PipelineMetrics struct {
	PipelineValue        decimal.Decimal  `json:"pipeline_value"`
	ActiveDeals          int              `json:"active_deals"`
	StagesBreakdown      []StageBreakdown `json:"stages_breakdown"`
	DealsNeedingFollowUp int              `json:"deals_needing_follow_up"`
}

type LostReasonCount struct {
	Reason     LostReason `json:"reason"`
	Count      int        `json:"count"`
	Percentage float64    `json:"percentage"`
}

type PerformanceMetrics struct {
	WinRate               float64           `json:"win_rate"`
	AverageSalesCycleDays float64           `json:"average_sales_cycle_days"`
	TotalWon              int               `json:"total_won"`
	TotalLost             int               `json:"total_lost"`
	WonValue              decimal.Decimal   `json:"won_value"`
	LostReasons           []LostReasonCount `json:"lost_reasons"`
}

// TrashResult reports the outcome of emptying the trash.
type TrashResult struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

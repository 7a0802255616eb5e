package server

import (
	"time"

	"github.com/shopspring/decimal"

	"salesline/internal/domain"
	"salesline/internal/engine"
)

// Request payloads.

type CreateDealRequest struct {
	Name              string     `json:"name" minLength:"1" maxLength:"200"`
	Company           string     `json:"company,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	PhoneCountryCode  string     `json:"phone_country_code,omitempty" example:"+57"`
	Email             string     `json:"email,omitempty"`
	StageID           string     `json:"stage_id,omitempty"`
	EstimatedValue    *float64   `json:"estimated_value,omitempty" minimum:"0"`
	Currency          string     `json:"currency,omitempty" example:"COP"`
	ServiceID         string     `json:"service_id,omitempty"`
	Source            string     `json:"source,omitempty"`
	SourceDetail      string     `json:"source_detail,omitempty"`
	OwnerID           string     `json:"owner_id,omitempty"`
	ExpectedCloseDate *time.Time `json:"expected_close_date,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Probability       *int       `json:"probability,omitempty" minimum:"0" maximum:"100"`
	Priority          string     `json:"priority,omitempty" enum:"baja,media,alta,urgente"`
	NextFollowUp      *time.Time `json:"next_follow_up,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
}

type UpdateDealRequest struct {
	ExpectedVersion    *int64     `json:"expected_version,omitempty"`
	Name               *string    `json:"name,omitempty"`
	Company            *string    `json:"company,omitempty"`
	Phone              *string    `json:"phone,omitempty"`
	PhoneCountryCode   *string    `json:"phone_country_code,omitempty"`
	Email              *string    `json:"email,omitempty"`
	EstimatedValue     *float64   `json:"estimated_value,omitempty" minimum:"0"`
	Currency           *string    `json:"currency,omitempty"`
	ServiceID          *string    `json:"service_id,omitempty"`
	Source             *string    `json:"source,omitempty"`
	SourceDetail       *string    `json:"source_detail,omitempty"`
	OwnerID            *string    `json:"owner_id,omitempty"`
	FirstContactAt     *time.Time `json:"first_contact_at,omitempty"`
	MeetingScheduledAt *time.Time `json:"meeting_scheduled_at,omitempty"`
	ProposalSentAt     *time.Time `json:"proposal_sent_at,omitempty"`
	ExpectedCloseDate  *time.Time `json:"expected_close_date,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
	Probability        *int       `json:"probability,omitempty" minimum:"0" maximum:"100"`
	Priority           *string    `json:"priority,omitempty" enum:"baja,media,alta,urgente"`
	NextFollowUp       *time.Time `json:"next_follow_up,omitempty"`
	ClearNextFollowUp  bool       `json:"clear_next_follow_up,omitempty"`
	Tags               *[]string  `json:"tags,omitempty"`
}

type MoveDealRequest struct {
	StageID string `json:"stage_id" minLength:"1"`
	Notes   string `json:"notes,omitempty"`
}

type MarkWonRequest struct {
	FinalValue float64 `json:"final_value" minimum:"0"`
	Notes      string  `json:"notes,omitempty"`
}

type MarkLostRequest struct {
	Reason string `json:"reason" example:"precio"`
	Notes  string `json:"notes,omitempty"`
}

type ReopenDealRequest struct {
	StageID string `json:"stage_id,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type LogActivityRequest struct {
	Type        string `json:"type" enum:"whatsapp,call,email,note,meeting"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateReminderRequest struct {
	Title      string    `json:"title" minLength:"1"`
	RemindAt   time.Time `json:"remind_at"`
	AssignedTo string    `json:"assigned_to,omitempty"`
}

type FollowUpTaskRequest struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	DueDate     time.Time `json:"due_date"`
	Priority    string    `json:"priority,omitempty" enum:"baja,media,alta,urgente"`
}

type MeetingRequest struct {
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes,omitempty" minimum:"0"`
	Attendees       []string  `json:"attendees,omitempty"`
}

type PublicLeadRequest struct {
	FirstName    string `json:"first_name" minLength:"1"`
	LastName     string `json:"last_name,omitempty"`
	Email        string `json:"email" format:"email"`
	Phone        string `json:"phone,omitempty"`
	Company      string `json:"company,omitempty"`
	Message      string `json:"message,omitempty"`
	Source       string `json:"source,omitempty"`
	SourceDetail string `json:"source_detail,omitempty"`
}

// Response payloads. Money is exposed as JSON numbers.

type DealResponse struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Company              *string           `json:"company,omitempty"`
	Phone                string            `json:"phone,omitempty"`
	PhoneCountryCode     string            `json:"phone_country_code"`
	Email                *string           `json:"email,omitempty"`
	StageID              string            `json:"stage_id"`
	Stage                *domain.Stage     `json:"stage,omitempty"`
	EstimatedValue       *float64          `json:"estimated_value,omitempty"`
	Currency             string            `json:"currency"`
	ServiceID            *string           `json:"service_id,omitempty"`
	Source               *string           `json:"source,omitempty"`
	SourceDetail         *string           `json:"source_detail,omitempty"`
	OwnerID              *string           `json:"owner_id,omitempty"`
	FirstContactAt       *time.Time        `json:"first_contact_at,omitempty"`
	MeetingScheduledAt   *time.Time        `json:"meeting_scheduled_at,omitempty"`
	ProposalSentAt       *time.Time        `json:"proposal_sent_at,omitempty"`
	ExpectedCloseDate    *time.Time        `json:"expected_close_date,omitempty"`
	ClosedAt             *time.Time        `json:"closed_at,omitempty"`
	LostReason           *string           `json:"lost_reason,omitempty"`
	LostNotes            *string           `json:"lost_notes,omitempty"`
	Notes                *string           `json:"notes,omitempty"`
	Probability          int               `json:"probability"`
	Priority             string            `json:"priority"`
	NextFollowUp         *time.Time        `json:"next_follow_up,omitempty"`
	Tags                 []string          `json:"tags"`
	DeletedAt            *time.Time        `json:"deleted_at,omitempty"`
	CreatedBy            string            `json:"created_by"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Version              int64             `json:"version"`
	Alerts               []domain.Alert    `json:"alerts,omitempty"`
	DaysSinceInteraction *int              `json:"days_since_interaction,omitempty"`
	DaysInStage          *int              `json:"days_in_stage,omitempty"`
	LastInteractionAt    *time.Time        `json:"last_interaction_at,omitempty"`
	NextReminder         *domain.Reminder  `json:"next_reminder,omitempty"`
	ActivityCount        *int              `json:"activity_count,omitempty"`
	Activities           []domain.Activity `json:"activities,omitempty"`
	Reminders            []domain.Reminder `json:"reminders,omitempty"`
}

type StageBreakdownResponse struct {
	StageID string  `json:"stage_id"`
	Name    string  `json:"name"`
	Color   string  `json:"color"`
	Count   int     `json:"count"`
	Value   float64 `json:"value"`
}

type PipelineMetricsResponse struct {
	PipelineValue        float64                  `json:"pipeline_value"`
	ActiveDeals          int                      `json:"active_deals"`
	StagesBreakdown      []StageBreakdownResponse `json:"stages_breakdown"`
	DealsNeedingFollowUp int                      `json:"deals_needing_follow_up"`
}

type PerformanceMetricsResponse struct {
	WinRate               float64                  `json:"win_rate"`
	AverageSalesCycleDays float64                  `json:"average_sales_cycle_days"`
	TotalWon              int                      `json:"total_won"`
	TotalLost             int                      `json:"total_lost"`
	WonValue              float64                  `json:"won_value"`
	LostReasons           []domain.LostReasonCount `json:"lost_reasons"`
}

type FollowUpTaskResponse struct {
	Deal     DealResponse    `json:"deal"`
	Task     *engine.TaskRef `json:"task,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

type MeetingResponse struct {
	Activity domain.Activity       `json:"activity"`
	Reminder domain.Reminder       `json:"reminder"`
	Event    *engine.CalendarEvent `json:"event,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

type PublicLeadResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func money(v *decimal.Decimal) *float64 {
	if v == nil {
		return nil
	}
	f := v.InexactFloat64()
	return &f
}

func decimalPtr(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func dealResponse(d domain.Deal) DealResponse {
	out := DealResponse{
		ID:                 d.ID,
		Name:               d.Name,
		Company:            d.Company,
		Phone:              d.Phone,
		PhoneCountryCode:   d.PhoneCountryCode,
		Email:              d.Email,
		StageID:            d.StageID,
		EstimatedValue:     money(d.EstimatedValue),
		Currency:           d.Currency,
		ServiceID:          d.ServiceID,
		Source:             d.Source,
		SourceDetail:       d.SourceDetail,
		OwnerID:            d.OwnerID,
		FirstContactAt:     d.FirstContactAt,
		MeetingScheduledAt: d.MeetingScheduledAt,
		ProposalSentAt:     d.ProposalSentAt,
		ExpectedCloseDate:  d.ExpectedCloseDate,
		ClosedAt:           d.ClosedAt,
		LostNotes:          d.LostNotes,
		Notes:              d.Notes,
		Probability:        d.Probability,
		Priority:           string(d.Priority),
		NextFollowUp:       d.NextFollowUp,
		Tags:               d.Tags,
		DeletedAt:          d.DeletedAt,
		CreatedBy:          d.CreatedBy,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		Version:            d.Version,
	}
	if d.LostReason != nil {
		r := string(*d.LostReason)
		out.LostReason = &r
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return out
}

func dealViewResponse(v domain.DealView) DealResponse {
	out := dealResponse(v.Deal)
	stage := v.Stage
	days, inStage, count := v.DaysSinceInteraction, v.DaysInStage, v.ActivityCount
	out.Stage = &stage
	out.Alerts = v.Alerts
	if out.Alerts == nil {
		out.Alerts = []domain.Alert{}
	}
	out.DaysSinceInteraction = &days
	out.DaysInStage = &inStage
	out.LastInteractionAt = v.LastInteractionAt
	out.NextReminder = v.NextReminder
	out.ActivityCount = &count
	out.Activities = v.Activities
	out.Reminders = v.Reminders
	return out
}

func dealViewResponses(items []domain.DealView) []DealResponse {
	out := make([]DealResponse, 0, len(items))
	for _, v := range items {
		out = append(out, dealViewResponse(v))
	}
	return out
}

func dealResponses(items []domain.Deal) []DealResponse {
	out := make([]DealResponse, 0, len(items))
	for _, d := range items {
		out = append(out, dealResponse(d))
	}
	return out
}

func pipelineResponse(m domain.PipelineMetrics) PipelineMetricsResponse {
	out := PipelineMetricsResponse{
		PipelineValue:        m.PipelineValue.InexactFloat64(),
		ActiveDeals:          m.ActiveDeals,
		DealsNeedingFollowUp: m.DealsNeedingFollowUp,
		StagesBreakdown:      make([]StageBreakdownResponse, 0, len(m.StagesBreakdown)),
	}
	for _, b := range m.StagesBreakdown {
		out.StagesBreakdown = append(out.StagesBreakdown, StageBreakdownResponse{
			StageID: b.StageID,
			Name:    b.Name,
			Color:   b.Color,
			Count:   b.Count,
			Value:   b.Value.InexactFloat64(),
		})
	}
	return out
}

func performanceResponse(p domain.PerformanceMetrics) PerformanceMetricsResponse {
	return PerformanceMetricsResponse{
		WinRate:               p.WinRate,
		AverageSalesCycleDays: p.AverageSalesCycleDays,
		TotalWon:              p.TotalWon,
		TotalLost:             p.TotalLost,
		WonValue:              p.WonValue.InexactFloat64(),
		LostReasons:           p.LostReasons,
	}
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"salesline/internal/alerts"
	"salesline/internal/domain"
	"salesline/internal/events"
	"salesline/internal/repo"
)

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func (e Engine) validator() *validator.Validate {
	if e.validate != nil {
		return e.validate
	}
	return newValidator()
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// CreateDealOptions are parameters for creating a deal.
type CreateDealOptions struct {
	Name              string           `validate:"required,max=200"`
	Company           string           `validate:"max=200"`
	Phone             string           `validate:"max=40"`
	PhoneCountryCode  string           `validate:"omitempty,startswith=+,max=6"`
	Email             string           `validate:"omitempty,email"`
	StageID           string           `validate:"max=64"`
	EstimatedValue    *decimal.Decimal `validate:"-"`
	Currency          string           `validate:"omitempty,len=3,alpha"`
	ServiceID         string
	Source            string `validate:"max=100"`
	SourceDetail      string `validate:"max=200"`
	OwnerID           string
	ExpectedCloseDate *time.Time
	Notes             string
	Probability       *int     `validate:"omitempty,min=0,max=100"`
	Priority          string   `validate:"omitempty,oneof=baja media alta urgente"`
	NextFollowUp      *time.Time
	Tags              []string `validate:"dive,max=50"`
	ActorID           string
}

// CreateDeal inserts a deal into the pipeline. Without a stage the deal
// starts in the first open stage; terminal stages are rejected.
func (e Engine) CreateDeal(ctx context.Context, opts CreateDealOptions) (domain.DealView, error) {
	const op = "create_deal"
	deal, err := e.createDeal(ctx, op, opts, nil)
	if err != nil {
		return domain.DealView{}, e.observe(op, "", err)
	}
	e.observe(op, deal.ID, nil)
	return e.GetDeal(ctx, deal.ID)
}

// createDeal writes the deal and, when given, an intake activity in one tx.
func (e Engine) createDeal(ctx context.Context, op string, opts CreateDealOptions, intake *domain.Activity) (domain.Deal, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.Email = strings.TrimSpace(opts.Email)
	if err := e.validator().Struct(opts); err != nil {
		return domain.Deal{}, dealErr(op, "", ErrInvalidInput, validationReason(err))
	}
	if opts.EstimatedValue != nil && opts.EstimatedValue.IsNegative() {
		return domain.Deal{}, dealErr(op, "", ErrInvalidInput, "estimated value must not be negative")
	}
	tx, err := e.begin(ctx, op, "")
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return domain.Deal{}, fail(op, "", err)
	}
	var stage domain.Stage
	if opts.StageID == "" {
		st, ok := cat.firstOpen()
		if !ok {
			return domain.Deal{}, dealErr(op, "", ErrInvalidTransition, "no open stage configured")
		}
		stage = st
	} else {
		st, ok := cat.get(opts.StageID)
		if !ok {
			return domain.Deal{}, &DealError{Op: op, StageID: opts.StageID, Kind: ErrInvalidTransition, Reason: "unknown stage"}
		}
		if st.Terminal() {
			return domain.Deal{}, &DealError{Op: op, StageID: st.ID, Kind: ErrInvalidTransition, Reason: "deals cannot start in a closed stage"}
		}
		stage = st
	}

	now := e.now()
	currency, phoneCode := e.defaults()
	if opts.Currency != "" {
		currency = strings.ToUpper(opts.Currency)
	}
	if opts.PhoneCountryCode != "" {
		phoneCode = opts.PhoneCountryCode
	}
	probability := 50
	if opts.Probability != nil {
		probability = *opts.Probability
	}
	priority := domain.PriorityMedium
	if opts.Priority != "" {
		priority = domain.Priority(opts.Priority)
	}
	owner := opts.OwnerID
	if owner == "" {
		owner = opts.ActorID
	}
	d := domain.Deal{
		ID:                uuid.NewString(),
		Name:              opts.Name,
		Company:           optionalString(strings.TrimSpace(opts.Company)),
		Phone:             strings.TrimSpace(opts.Phone),
		PhoneCountryCode:  phoneCode,
		Email:             optionalString(opts.Email),
		StageID:           stage.ID,
		EstimatedValue:    opts.EstimatedValue,
		Currency:          currency,
		ServiceID:         optionalString(opts.ServiceID),
		Source:            optionalString(opts.Source),
		SourceDetail:      optionalString(opts.SourceDetail),
		OwnerID:           optionalString(owner),
		ExpectedCloseDate: utcPtr(opts.ExpectedCloseDate),
		Notes:             optionalString(opts.Notes),
		Probability:       probability,
		Priority:          priority,
		NextFollowUp:      utcPtr(opts.NextFollowUp),
		Tags:              normalizeTags(opts.Tags),
		CreatedBy:         opts.ActorID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	stampStageEntry(&d, stage, now)
	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, fail(op, d.ID, fmt.Errorf("insert deal: %w", err))
	}
	if intake != nil {
		intake.DealID = d.ID
		if _, err := e.appendActivity(ctx, tx, *intake); err != nil {
			return domain.Deal{}, fail(op, d.ID, err)
		}
	}
	if err := e.commit(tx, op, d.ID); err != nil {
		return domain.Deal{}, err
	}
	e.log().WithFields(logrus.Fields{"deal_id": d.ID, "stage_id": stage.ID}).Info("deal created")
	return d, nil
}

// PublicLead is a lead submitted through an external web form.
type PublicLead struct {
	FirstName    string `validate:"required,max=100"`
	LastName     string `validate:"max=100"`
	Email        string `validate:"required,email"`
	Phone        string `validate:"max=40"`
	Company      string `validate:"max=200"`
	Message      string `validate:"max=4000"`
	Source       string `validate:"max=100"`
	SourceDetail string `validate:"max=200"`
}

// SystemActor performs operations that no signed-in user initiated.
const SystemActor = "system"

// CapturePublicLead files a web-form lead in the first open stage with an
// intake note on its timeline.
func (e Engine) CapturePublicLead(ctx context.Context, lead PublicLead) (domain.DealView, error) {
	const op = "capture_lead"
	if err := e.validator().Struct(lead); err != nil {
		return domain.DealView{}, e.observe(op, "", dealErr(op, "", ErrInvalidInput, validationReason(err)))
	}
	source := lead.Source
	if source == "" {
		source = "web"
	}
	detail := lead.SourceDetail
	if detail == "" {
		detail = "Formulario externo"
	}
	description := lead.Message
	if description == "" {
		description = "Lead capturado desde formulario web"
	}
	intake := domain.Activity{
		Type:        domain.ActivityNote,
		Title:       "Lead recibido via formulario externo",
		Description: description,
		PerformedBy: SystemActor,
	}
	deal, err := e.createDeal(ctx, op, CreateDealOptions{
		Name:         strings.TrimSpace(lead.FirstName + " " + lead.LastName),
		Company:      lead.Company,
		Phone:        lead.Phone,
		Email:        lead.Email,
		Source:       source,
		SourceDetail: detail,
		Notes:        lead.Message,
		ActorID:      SystemActor,
	}, &intake)
	if err != nil {
		return domain.DealView{}, e.observe(op, "", err)
	}
	e.observe(op, deal.ID, nil)
	return e.GetDeal(ctx, deal.ID)
}

// UpdateDealOptions patches deal fields. Nil fields are left unchanged.
// Stage changes go through MoveDeal.
type UpdateDealOptions struct {
	ID                 string
	ExpectedVersion    *int64
	Name               *string `validate:"omitempty,min=1,max=200"`
	Company            *string `validate:"omitempty,max=200"`
	Phone              *string `validate:"omitempty,max=40"`
	PhoneCountryCode   *string `validate:"omitempty,startswith=+,max=6"`
	Email              *string `validate:"-"`
	EstimatedValue     *decimal.Decimal `validate:"-"`
	Currency           *string `validate:"omitempty,len=3,alpha"`
	ServiceID          *string
	Source             *string
	SourceDetail       *string
	OwnerID            *string
	FirstContactAt     *time.Time
	MeetingScheduledAt *time.Time
	ProposalSentAt     *time.Time
	ExpectedCloseDate  *time.Time
	Notes              *string
	Probability        *int    `validate:"omitempty,min=0,max=100"`
	Priority           *string `validate:"omitempty,oneof=baja media alta urgente"`
	NextFollowUp       *time.Time
	ClearNextFollowUp  bool
	Tags               *[]string
	ActorID            string
}

func (e Engine) UpdateDeal(ctx context.Context, opts UpdateDealOptions) (domain.DealView, error) {
	const op = "update_deal"
	if err := e.updateDeal(ctx, op, opts); err != nil {
		return domain.DealView{}, e.observe(op, opts.ID, err)
	}
	e.observe(op, opts.ID, nil)
	return e.GetDeal(ctx, opts.ID)
}

func (e Engine) updateDeal(ctx context.Context, op string, opts UpdateDealOptions) error {
	if err := e.validator().Struct(opts); err != nil {
		return dealErr(op, opts.ID, ErrInvalidInput, validationReason(err))
	}
	if opts.Email != nil {
		if err := e.validator().Var(strings.TrimSpace(*opts.Email), "omitempty,email"); err != nil {
			return dealErr(op, opts.ID, ErrInvalidInput, "Email must satisfy email")
		}
	}
	if opts.EstimatedValue != nil && opts.EstimatedValue.IsNegative() {
		return dealErr(op, opts.ID, ErrInvalidInput, "estimated value must not be negative")
	}
	tx, err := e.begin(ctx, op, opts.ID)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	d, err := e.liveDeal(ctx, tx, op, opts.ID)
	if err != nil {
		return err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != d.Version {
		return &DealError{Op: op, DealID: d.ID, Kind: ErrConcurrentModification,
			Reason: fmt.Sprintf("expected version %d, current %d", *opts.ExpectedVersion, d.Version)}
	}
	applyPatch(&d, opts)
	d.UpdatedAt = e.now()
	if d.Version, err = e.Repo.UpdateDeal(ctx, tx, d); err != nil {
		return fail(op, d.ID, err)
	}
	return e.commit(tx, op, d.ID)
}

func applyPatch(d *domain.Deal, p UpdateDealOptions) {
	if p.Name != nil {
		d.Name = strings.TrimSpace(*p.Name)
	}
	if p.Company != nil {
		d.Company = optionalString(strings.TrimSpace(*p.Company))
	}
	if p.Phone != nil {
		d.Phone = strings.TrimSpace(*p.Phone)
	}
	if p.PhoneCountryCode != nil {
		d.PhoneCountryCode = *p.PhoneCountryCode
	}
	if p.Email != nil {
		d.Email = optionalString(strings.TrimSpace(*p.Email))
	}
	if p.EstimatedValue != nil {
		v := *p.EstimatedValue
		d.EstimatedValue = &v
	}
	if p.Currency != nil {
		d.Currency = strings.ToUpper(*p.Currency)
	}
	if p.ServiceID != nil {
		d.ServiceID = optionalString(*p.ServiceID)
	}
	if p.Source != nil {
		d.Source = optionalString(*p.Source)
	}
	if p.SourceDetail != nil {
		d.SourceDetail = optionalString(*p.SourceDetail)
	}
	if p.OwnerID != nil {
		d.OwnerID = optionalString(*p.OwnerID)
	}
	if p.FirstContactAt != nil {
		d.FirstContactAt = utcPtr(p.FirstContactAt)
	}
	if p.MeetingScheduledAt != nil {
		d.MeetingScheduledAt = utcPtr(p.MeetingScheduledAt)
	}
	if p.ProposalSentAt != nil {
		d.ProposalSentAt = utcPtr(p.ProposalSentAt)
	}
	if p.ExpectedCloseDate != nil {
		d.ExpectedCloseDate = utcPtr(p.ExpectedCloseDate)
	}
	if p.Notes != nil {
		d.Notes = optionalString(*p.Notes)
	}
	if p.Probability != nil {
		d.Probability = *p.Probability
	}
	if p.Priority != nil {
		d.Priority = domain.Priority(*p.Priority)
	}
	if p.ClearNextFollowUp {
		d.NextFollowUp = nil
	} else if p.NextFollowUp != nil {
		d.NextFollowUp = utcPtr(p.NextFollowUp)
	}
	if p.Tags != nil {
		d.Tags = normalizeTags(*p.Tags)
	}
}

// liveDeal loads a deal for mutation; trashed deals read as not found.
func (e Engine) liveDeal(ctx context.Context, tx *sql.Tx, op, id string) (domain.Deal, error) {
	d, err := e.Repo.GetDeal(ctx, tx, id)
	if err != nil {
		return d, fail(op, id, err)
	}
	if d.Trashed() {
		return d, dealErr(op, id, ErrNotFound, "deal is in trash")
	}
	return d, nil
}

// GetDeal returns a deal with its stage, alerts, timeline (newest first) and
// reminders (earliest first). Trashed deals are returned without alerts.
func (e Engine) GetDeal(ctx context.Context, id string) (domain.DealView, error) {
	const op = "get_deal"
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.DealView{}, fail(op, id, err)
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDeal(ctx, tx, id)
	if err != nil {
		return domain.DealView{}, fail(op, id, err)
	}
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return domain.DealView{}, fail(op, id, err)
	}
	stats, err := e.Repo.ActivityStatsForDeal(ctx, tx, id)
	if err != nil {
		return domain.DealView{}, fail(op, id, err)
	}
	activities, err := e.Repo.ListActivities(ctx, tx, id, 0)
	if err != nil {
		return domain.DealView{}, fail(op, id, err)
	}
	reminders, err := e.Repo.ListReminders(ctx, tx, id)
	if err != nil {
		return domain.DealView{}, fail(op, id, err)
	}
	v := e.view(d, cat, stats, reminders)
	v.Activities = activities
	v.Reminders = reminders
	if v.Activities == nil {
		v.Activities = []domain.Activity{}
	}
	if v.Reminders == nil {
		v.Reminders = []domain.Reminder{}
	}
	return v, nil
}

// view derives the never-persisted fields of a deal.
func (e Engine) view(d domain.Deal, cat catalog, stats repo.ActivityStats, reminders []domain.Reminder) domain.DealView {
	now := e.now()
	stage, _ := cat.get(d.StageID)
	snap := alerts.Snapshot{
		Deal:              d,
		Stage:             stage,
		ActivityCount:     stats.Count,
		LastInteractionAt: stats.LastAt,
		Reminders:         reminders,
	}
	return domain.DealView{
		Deal:                 d,
		Stage:                stage,
		Alerts:               alerts.Evaluate(now, snap, e.thresholds()),
		DaysSinceInteraction: alerts.DaysSinceInteraction(now, snap),
		DaysInStage:          alerts.DaysInStage(now, d, stats.LastStageChangeAt),
		LastInteractionAt:    stats.LastAt,
		NextReminder:         alerts.NextReminder(reminders),
		ActivityCount:        stats.Count,
	}
}

// DealFilter narrows ListDeals. HasAlerts and FollowUpOverdue apply to the
// derived alerts.
type DealFilter struct {
	StageID         string
	OwnerID         string
	Source          string
	Priority        string
	Search          string
	Tags            []string
	HasAlerts       bool
	FollowUpOverdue bool
	Limit           int
}

// ListDeals returns live deals, newest first, with derived state.
func (e Engine) ListDeals(ctx context.Context, f DealFilter) ([]domain.DealView, error) {
	const op = "list_deals"
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fail(op, "", err)
	}
	defer tx.Rollback()
	views, err := e.snapshotViews(ctx, tx, repo.DealFilters{
		StageID:  f.StageID,
		OwnerID:  f.OwnerID,
		Source:   f.Source,
		Priority: f.Priority,
		Search:   f.Search,
		Tags:     f.Tags,
	})
	if err != nil {
		return nil, fail(op, "", err)
	}
	out := make([]domain.DealView, 0, len(views))
	for _, v := range views {
		if f.HasAlerts && len(v.Alerts) == 0 {
			continue
		}
		if f.FollowUpOverdue && !alerts.Has(v.Alerts, domain.AlertFollowUpOverdue) {
			continue
		}
		out = append(out, v)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// snapshotViews builds views for every deal matching f from one transaction.
func (e Engine) snapshotViews(ctx context.Context, tx *sql.Tx, f repo.DealFilters) ([]domain.DealView, error) {
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return nil, err
	}
	deals, err := e.Repo.ListDeals(ctx, tx, f)
	if err != nil {
		return nil, err
	}
	stats, err := e.Repo.ActivityStatsByDeal(ctx, tx)
	if err != nil {
		return nil, err
	}
	pending, err := e.Repo.ListPendingReminders(ctx, tx, time.Time{})
	if err != nil {
		return nil, err
	}
	byDeal := map[string][]domain.Reminder{}
	for _, rm := range pending {
		byDeal[rm.DealID] = append(byDeal[rm.DealID], rm)
	}
	views := make([]domain.DealView, 0, len(deals))
	for _, d := range deals {
		views = append(views, e.view(d, cat, stats[d.ID], byDeal[d.ID]))
	}
	return views, nil
}

// stampStageEntry records the first time a deal reaches a milestone stage.
func stampStageEntry(d *domain.Deal, st domain.Stage, now time.Time) {
	t := now
	switch st.Slug {
	case "contactado":
		if d.FirstContactAt == nil {
			d.FirstContactAt = &t
		}
	case "reunion":
		if d.MeetingScheduledAt == nil {
			d.MeetingScheduledAt = &t
		}
	case "propuesta":
		if d.ProposalSentAt == nil {
			d.ProposalSentAt = &t
		}
	}
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// stageChangeActivity pairs a move with its timeline entry.
func stageChangeActivity(d domain.Deal, from, to domain.Stage, title, notes, actor string) domain.Activity {
	if title == "" {
		title = "Cambio de etapa"
	}
	return events.StageChange(d.ID, from.ID, to.ID, title, notes, actor)
}

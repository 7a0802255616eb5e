package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"salesline/internal/alerts"
	"salesline/internal/config"
	"salesline/internal/domain"
	"salesline/internal/events"
	"salesline/internal/repo"
)

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	Operation(op, outcome string)
	StageEntered(stageSlug string)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Log      logrus.FieldLogger
	Tasks    TaskSink
	Calendar Calendar
	Metrics  Recorder

	validate *validator.Validate
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Now:      time.Now,
		Log:      logrus.StandardLogger(),
		Tasks:    NoopTasks{},
		Calendar: NoopCalendar{},
		Events:   events.Writer{},
		validate: newValidator(),
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) thresholds() alerts.Thresholds {
	if e.Config == nil {
		return alerts.DefaultThresholds()
	}
	return e.Config.Alerts.Thresholds()
}

func (e Engine) defaults() (currency, phoneCode string) {
	currency, phoneCode = "COP", "+57"
	if e.Config != nil {
		if e.Config.Defaults.Currency != "" {
			currency = e.Config.Defaults.Currency
		}
		if e.Config.Defaults.PhoneCountryCode != "" {
			phoneCode = e.Config.Defaults.PhoneCountryCode
		}
	}
	return currency, phoneCode
}

// observe logs and counts the outcome of op, returning err unchanged.
func (e Engine) observe(op, dealID string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = KindName(err)
		entry := e.log().WithFields(logrus.Fields{"op": op, "deal_id": dealID, "kind": outcome})
		if Kind(err) == ErrStorageUnavailable {
			entry.WithError(err).Error("deal operation failed")
		} else {
			entry.WithError(err).Debug("deal operation rejected")
		}
	}
	if e.Metrics != nil {
		e.Metrics.Operation(op, outcome)
	}
	return err
}

func (e Engine) begin(ctx context.Context, op, dealID string) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail(op, dealID, err)
	}
	return tx, nil
}

func (e Engine) commit(tx *sql.Tx, op, dealID string) error {
	if err := tx.Commit(); err != nil {
		return fail(op, dealID, err)
	}
	return nil
}

// appendActivity stamps a with the engine clock and appends it within tx.
func (e Engine) appendActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) (domain.Activity, error) {
	if a.PerformedAt.IsZero() {
		a.PerformedAt = e.now()
	}
	return e.Events.Append(ctx, tx, a)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Package notify delivers deal timeline activity to configured webhooks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"salesline/internal/config"
	"salesline/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Source is the activity feed the dispatcher polls. repo.Repo implements it.
type Source interface {
	ActivitiesAfter(ctx context.Context, limit int, cursor int64) ([]domain.Activity, error)
	LatestActivityID(ctx context.Context) (int64, error)
}

// Dispatcher polls the activity feed and posts new entries to each webhook.
// Each hook keeps its own cursor; a failed delivery is retried on the next
// poll and blocks later activities for that hook only.
type Dispatcher struct {
	Interval time.Duration

	source  Source
	hooks   []config.WebhookConfig
	client  *http.Client
	log     logrus.FieldLogger
	mu      sync.Mutex
	cursors map[int]int64
}

func New(src Source, hooks []config.WebhookConfig, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		Interval: defaultInterval,
		source:   src,
		hooks:    hooks,
		client:   &http.Client{Timeout: defaultTimeout},
		log:      log.WithField("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

// Enabled reports whether any hook would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, hook := range d.hooks {
		if active(hook) {
			return true
		}
	}
	return false
}

// Start runs the poll loop in the background until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.Enabled() {
		return
	}
	// Cursors start at the current head so a restart does not replay history.
	for i, hook := range d.hooks {
		if active(hook) {
			d.cursorFor(ctx, i)
		}
	}
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending activities to every enabled hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.hooks {
		if !active(hook) {
			continue
		}
		d.dispatch(ctx, i, hook)
	}
}

func active(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	activities, err := d.source.ActivitiesAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.log.WithError(err).Warn("fetch activities failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, a := range activities {
		if !filter.match(string(a.Type)) {
			d.setCursor(idx, a.ID)
			continue
		}
		if err := d.post(ctx, hook, a); err != nil {
			d.log.WithField("url", hook.URL).WithField("activity_id", a.ID).WithError(err).Warn("webhook delivery failed")
			return
		}
		d.setCursor(idx, a.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestActivityID(ctx)
	if err != nil {
		d.log.WithError(err).Warn("init webhook cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Event is the JSON body posted to webhooks.
type Event struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	DealID      string    `json:"deal_id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	FromStageID string    `json:"from_stage_id,omitempty"`
	ToStageID   string    `json:"to_stage_id,omitempty"`
	PerformedBy string    `json:"performed_by,omitempty"`
	PerformedAt time.Time `json:"performed_at"`
}

func eventFor(a domain.Activity) Event {
	evt := Event{
		ID:          a.ID,
		Type:        string(a.Type),
		DealID:      a.DealID,
		Title:       a.Title,
		Description: a.Description,
		PerformedBy: a.PerformedBy,
		PerformedAt: a.PerformedAt,
	}
	if a.FromStageID != nil {
		evt.FromStageID = *a.FromStageID
	}
	if a.ToStageID != nil {
		evt.ToStageID = *a.ToStageID
	}
	return evt
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, a domain.Activity) error {
	data, err := json.Marshal(eventFor(a))
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Salesline-Event", string(a.Type))
	req.Header.Set("X-Salesline-Delivery", fmt.Sprintf("%d", a.ID))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Salesline-Signature", "sha256="+Sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

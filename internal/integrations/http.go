// Package integrations implements the engine's external collaborators over
// JSON HTTP endpoints.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"salesline/internal/config"
	"salesline/internal/engine"
)

const defaultTimeout = 10 * time.Second

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

type endpoint struct {
	url    string
	token  string
	client *http.Client
}

func newEndpoint(cfg config.EndpointConfig) endpoint {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return endpoint{
		url:    strings.TrimSpace(cfg.URL),
		token:  strings.TrimSpace(cfg.Token),
		client: &http.Client{Timeout: timeout},
	}
}

func (e endpoint) post(ctx context.Context, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// TaskClient files follow-up tasks with an external task system.
type TaskClient struct {
	endpoint
}

func NewTaskClient(cfg config.EndpointConfig) *TaskClient {
	return &TaskClient{newEndpoint(cfg)}
}

func (c *TaskClient) CreateTask(ctx context.Context, t engine.FollowUpTask) (engine.TaskRef, error) {
	var ref engine.TaskRef
	if err := c.post(ctx, t, &ref); err != nil {
		return ref, fmt.Errorf("create task: %w", err)
	}
	if ref.ID == "" {
		return ref, errors.New("create task: response has no id")
	}
	return ref, nil
}

// CalendarClient books meetings with an external calendar service.
type CalendarClient struct {
	endpoint
}

func NewCalendarClient(cfg config.EndpointConfig) *CalendarClient {
	return &CalendarClient{newEndpoint(cfg)}
}

func (c *CalendarClient) CreateMeeting(ctx context.Context, m engine.MeetingRequest) (engine.CalendarEvent, error) {
	var ev engine.CalendarEvent
	if err := c.post(ctx, m, &ev); err != nil {
		return ev, fmt.Errorf("create meeting: %w", err)
	}
	if ev.EventID == "" {
		return ev, errors.New("create meeting: response has no event_id")
	}
	if ev.Title == "" {
		ev.Title = m.Title
	}
	return ev, nil
}

// Wire installs the configured collaborators on e. Unconfigured endpoints
// keep the engine's no-op defaults.
func Wire(e *engine.Engine, cfg config.IntegrationConfig) {
	if cfg.Tasks.URL != "" {
		e.Tasks = NewTaskClient(cfg.Tasks)
	}
	if cfg.Calendar.URL != "" {
		e.Calendar = NewCalendarClient(cfg.Calendar)
	}
}

package saleslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Salesline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set; the server
	// must run with the legacy actor header enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Stage is a pipeline column.
type Stage struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Position int    `json:"position"`
	Color    string `json:"color"`
	IsWon    bool   `json:"is_won"`
	IsLost   bool   `json:"is_lost"`
}

// Alert is a derived warning on a deal.
type Alert struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Deal represents the API deal model (partial).
type Deal struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Company        string     `json:"company,omitempty"`
	Email          string     `json:"email,omitempty"`
	StageID        string     `json:"stage_id"`
	Stage          *Stage     `json:"stage,omitempty"`
	EstimatedValue *float64   `json:"estimated_value,omitempty"`
	Currency       string     `json:"currency"`
	OwnerID        string     `json:"owner_id,omitempty"`
	Priority       string     `json:"priority"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LostReason     string     `json:"lost_reason,omitempty"`
	NextFollowUp   *time.Time `json:"next_follow_up,omitempty"`
	Tags           []string   `json:"tags"`
	CreatedBy      string     `json:"created_by"`
	Version        int64      `json:"version"`
	Alerts         []Alert    `json:"alerts,omitempty"`
}

// NewDeal holds the fields accepted on creation.
type NewDeal struct {
	Name           string   `json:"name"`
	Company        string   `json:"company,omitempty"`
	Email          string   `json:"email,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	StageID        string   `json:"stage_id,omitempty"`
	EstimatedValue *float64 `json:"estimated_value,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	Source         string   `json:"source,omitempty"`
	OwnerID        string   `json:"owner_id,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Activity is a timeline entry.
type Activity struct {
	ID          int64     `json:"id"`
	DealID      string    `json:"deal_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	FromStageID *string   `json:"from_stage_id,omitempty"`
	ToStageID   *string   `json:"to_stage_id,omitempty"`
	PerformedBy string    `json:"performed_by"`
	PerformedAt time.Time `json:"performed_at"`
}

// Reminder is a scheduled nudge on a deal.
type Reminder struct {
	ID          string     `json:"id"`
	DealID      string     `json:"deal_id"`
	Title       string     `json:"title"`
	RemindAt    time.Time  `json:"remind_at"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	CreatedBy   string     `json:"created_by"`
}

// PipelineMetrics summarizes open deals.
type PipelineMetrics struct {
	PipelineValue   float64 `json:"pipeline_value"`
	ActiveDeals     int     `json:"active_deals"`
	StagesBreakdown []struct {
		StageID string  `json:"stage_id"`
		Name    string  `json:"name"`
		Count   int     `json:"count"`
		Value   float64 `json:"value"`
	} `json:"stages_breakdown"`
	DealsNeedingFollowUp int `json:"deals_needing_follow_up"`
}

// DealQuery narrows ListDeals.
type DealQuery struct {
	StageID   string
	OwnerID   string
	Search    string
	Tags      []string
	HasAlerts bool
	Limit     int
}

// APIError wraps non-2xx responses. Code is the server's error code, such
// as already_closed or invalid_transition, when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Stages lists the pipeline stages.
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, "stages", nil, &resp)
	return resp, err
}

// CreateDeal creates a deal.
func (c *Client) CreateDeal(ctx context.Context, d NewDeal) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", d, &resp)
	return resp, err
}

// GetDeal fetches a deal with its derived state.
func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, "deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDeals returns live deals, newest first.
func (c *Client) ListDeals(ctx context.Context, q DealQuery) ([]Deal, error) {
	params := url.Values{}
	if q.StageID != "" {
		params.Set("stage_id", q.StageID)
	}
	if q.OwnerID != "" {
		params.Set("owner_id", q.OwnerID)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	if len(q.Tags) > 0 {
		params.Set("tags", strings.Join(q.Tags, ","))
	}
	if q.HasAlerts {
		params.Set("has_alerts", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "deals"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Deal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MoveDeal moves a deal to another stage by id or slug.
func (c *Client) MoveDeal(ctx context.Context, id, stage, notes string) (Deal, error) {
	var resp Deal
	body := map[string]any{"stage_id": stage, "notes": notes}
	err := c.do(ctx, http.MethodPost, c.dealPath(id, "move"), body, &resp)
	return resp, err
}

// MarkWon closes a deal as won at the final value.
func (c *Client) MarkWon(ctx context.Context, id string, finalValue float64, notes string) (Deal, error) {
	var resp Deal
	body := map[string]any{"final_value": finalValue, "notes": notes}
	err := c.do(ctx, http.MethodPost, c.dealPath(id, "won"), body, &resp)
	return resp, err
}

// MarkLost closes a deal as lost.
func (c *Client) MarkLost(ctx context.Context, id, reason, notes string) (Deal, error) {
	var resp Deal
	body := map[string]any{"reason": reason, "notes": notes}
	err := c.do(ctx, http.MethodPost, c.dealPath(id, "lost"), body, &resp)
	return resp, err
}

// ReopenDeal reopens a closed deal; an empty stage picks the first open one.
func (c *Client) ReopenDeal(ctx context.Context, id, stage, notes string) (Deal, error) {
	var resp Deal
	body := map[string]any{"stage_id": stage, "notes": notes}
	err := c.do(ctx, http.MethodPost, c.dealPath(id, "reopen"), body, &resp)
	return resp, err
}

// DeleteDeal moves a deal to the trash.
func (c *Client) DeleteDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodDelete, "deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RestoreDeal brings a deal back from the trash.
func (c *Client) RestoreDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, c.dealPath(id, "restore"), nil, &resp)
	return resp, err
}

// LogActivity records a call, email, note or meeting.
func (c *Client) LogActivity(ctx context.Context, dealID, activityType, title, description string) (Activity, error) {
	var resp Activity
	body := map[string]any{"type": activityType, "title": title, "description": description}
	err := c.do(ctx, http.MethodPost, c.dealPath(dealID, "activities"), body, &resp)
	return resp, err
}

// Activities returns a deal's timeline, newest first.
func (c *Client) Activities(ctx context.Context, dealID string) ([]Activity, error) {
	var resp []Activity
	err := c.do(ctx, http.MethodGet, c.dealPath(dealID, "activities"), nil, &resp)
	return resp, err
}

// CreateReminder schedules a reminder on a deal.
func (c *Client) CreateReminder(ctx context.Context, dealID, title string, at time.Time) (Reminder, error) {
	var resp Reminder
	body := map[string]any{"title": title, "remind_at": at.UTC().Format(time.RFC3339)}
	err := c.do(ctx, http.MethodPost, c.dealPath(dealID, "reminders"), body, &resp)
	return resp, err
}

// PipelineMetrics returns the open pipeline aggregate.
func (c *Client) PipelineMetrics(ctx context.Context) (PipelineMetrics, error) {
	var resp PipelineMetrics
	err := c.do(ctx, http.MethodGet, "metrics/pipeline", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) dealPath(id, action string) string {
	return fmt.Sprintf("deals/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}

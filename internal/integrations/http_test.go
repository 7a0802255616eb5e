package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesline/internal/config"
	"salesline/internal/domain"
	"salesline/internal/engine"
)

func TestTaskClientCreateTask(t *testing.T) {
	var got engine.FollowUpTask
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"T-9","url":"https://tasks.example/T-9"}`))
	}))
	defer srv.Close()

	c := NewTaskClient(config.EndpointConfig{URL: srv.URL, Token: "tok"})
	due := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	ref, err := c.CreateTask(context.Background(), engine.FollowUpTask{
		Title: "Seguimiento: Acme", DealID: "d1", Priority: domain.PriorityHigh, DueDate: due,
	})
	require.NoError(t, err)
	assert.Equal(t, "T-9", ref.ID)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "d1", got.DealID)
	assert.True(t, got.DueDate.Equal(due))
}

func TestTaskClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewTaskClient(config.EndpointConfig{URL: srv.URL}).CreateTask(context.Background(), engine.FollowUpTask{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "quota exceeded", apiErr.Body)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer empty.Close()
	_, err = NewTaskClient(config.EndpointConfig{URL: empty.URL}).CreateTask(context.Background(), engine.FollowUpTask{})
	assert.ErrorContains(t, err, "no id")
}

func TestCalendarClientCreateMeeting(t *testing.T) {
	var got engine.MeetingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"event_id":"E1","meet_link":"https://meet.example/x"}`))
	}))
	defer srv.Close()

	c := NewCalendarClient(config.EndpointConfig{URL: srv.URL, TimeoutSeconds: 2})
	ev, err := c.CreateMeeting(context.Background(), engine.MeetingRequest{
		DealID: "d1", Title: "Reunión: Acme", DurationMinutes: 45, Attendees: []string{"a@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "E1", ev.EventID)
	assert.Equal(t, "Reunión: Acme", ev.Title)
	assert.Equal(t, "https://meet.example/x", ev.MeetLink)
	assert.Equal(t, 45, got.DurationMinutes)
	assert.Equal(t, []string{"a@example.com"}, got.Attendees)
}

func TestWire(t *testing.T) {
	e := engine.Engine{Tasks: engine.NoopTasks{}, Calendar: engine.NoopCalendar{}}
	Wire(&e, config.IntegrationConfig{Tasks: config.EndpointConfig{URL: "http://tasks.local"}})
	assert.IsType(t, &TaskClient{}, e.Tasks)
	assert.IsType(t, engine.NoopCalendar{}, e.Calendar)
}

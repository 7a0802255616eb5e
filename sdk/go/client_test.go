package saleslinesdk

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesline/internal/config"
	"salesline/internal/db"
	"salesline/internal/engine"
	"salesline/internal/migrate"
	"salesline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := engine.New(conn, config.Default())
	e.Log = log
	_, err = e.EnsureStages(context.Background())
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{AllowLegacyActorHeader: true},
		Log:    log,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "")
	c.ActorID = "sdk-user"
	return c
}

func TestClientDealFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	stages, err := c.Stages(ctx)
	require.NoError(t, err)
	require.Len(t, stages, 7)

	value := 2500.0
	deal, err := c.CreateDeal(ctx, NewDeal{Name: "SDK deal", EstimatedValue: &value, Tags: []string{"vip"}})
	require.NoError(t, err)
	assert.Equal(t, "sdk-user", deal.CreatedBy)
	assert.Equal(t, "nuevo", deal.Stage.Slug)

	moved, err := c.MoveDeal(ctx, deal.ID, "reunion", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Version)

	_, err = c.LogActivity(ctx, deal.ID, "call", "Intro call", "")
	require.NoError(t, err)
	_, err = c.CreateReminder(ctx, deal.ID, "Send agenda", time.Now().Add(24*time.Hour))
	require.NoError(t, err)

	timeline, err := c.Activities(ctx, deal.ID)
	require.NoError(t, err)
	assert.Len(t, timeline, 2)

	listed, err := c.ListDeals(ctx, DealQuery{Tags: []string{"vip"}})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	lost, err := c.MarkLost(ctx, deal.ID, "precio", "too expensive")
	require.NoError(t, err)
	assert.Equal(t, "precio", lost.LostReason)

	_, err = c.MarkWon(ctx, deal.ID, 100, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "already_closed", apiErr.Code)

	reopened, err := c.ReopenDeal(ctx, deal.ID, "", "came back")
	require.NoError(t, err)
	assert.Nil(t, reopened.ClosedAt)

	pm, err := c.PipelineMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pm.ActiveDeals)
}

func TestClientTrash(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	deal, err := c.CreateDeal(ctx, NewDeal{Name: "Temporary"})
	require.NoError(t, err)

	_, err = c.DeleteDeal(ctx, deal.ID)
	require.NoError(t, err)
	live, err := c.ListDeals(ctx, DealQuery{})
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = c.MoveDeal(ctx, deal.ID, "contactado", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)

	restored, err := c.RestoreDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.ID, restored.ID)
}

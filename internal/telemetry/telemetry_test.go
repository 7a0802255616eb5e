package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesline/internal/domain"
)

type staticPipeline struct {
	m   domain.PipelineMetrics
	err error
}

func (s staticPipeline) ComputeMetrics(context.Context) (domain.PipelineMetrics, error) {
	return s.m, s.err
}

func TestOperationCounters(t *testing.T) {
	m := New()
	m.Operation("move_deal", "ok")
	m.Operation("move_deal", "ok")
	m.Operation("move_deal", "already_closed")
	m.StageEntered("ganado")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("move_deal", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("move_deal", "already_closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entries.WithLabelValues("ganado")))
}

func TestPipelineGauges(t *testing.T) {
	m := New()
	m.WatchPipeline(staticPipeline{m: domain.PipelineMetrics{
		PipelineValue:        decimal.NewFromInt(1500),
		ActiveDeals:          2,
		DealsNeedingFollowUp: 1,
		StagesBreakdown: []domain.StageBreakdown{
			{StageID: "s1", Name: "Nuevo", Count: 2, Value: decimal.NewFromInt(1500)},
		},
	}}, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "salesline_pipeline_value 1500")
	assert.Contains(t, body, "salesline_active_deals 2")
	assert.Contains(t, body, `salesline_stage_deals{stage="Nuevo",stage_id="s1"} 2`)
}

func TestPipelineGaugesReportFailure(t *testing.T) {
	m := New()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m.WatchPipeline(staticPipeline{err: errors.New("db closed")}, log)
	_, err := m.Registry.Gather()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "db closed"))
}

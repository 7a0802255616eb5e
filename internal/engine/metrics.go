package engine

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"salesline/internal/alerts"
	"salesline/internal/domain"
	"salesline/internal/repo"
)

// ComputeMetrics aggregates the open pipeline from a single read snapshot.
// Every open stage is listed, including empty ones.
func (e Engine) ComputeMetrics(ctx context.Context) (domain.PipelineMetrics, error) {
	const op = "compute_metrics"
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.PipelineMetrics{}, fail(op, "", err)
	}
	defer tx.Rollback()
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return domain.PipelineMetrics{}, fail(op, "", err)
	}
	views, err := e.snapshotViews(ctx, tx, repo.DealFilters{})
	if err != nil {
		return domain.PipelineMetrics{}, fail(op, "", err)
	}
	return pipelineMetrics(cat, views), nil
}

func pipelineMetrics(cat catalog, views []domain.DealView) domain.PipelineMetrics {
	m := domain.PipelineMetrics{PipelineValue: decimal.Zero, StagesBreakdown: []domain.StageBreakdown{}}
	index := map[string]int{}
	for _, st := range cat.open() {
		index[st.ID] = len(m.StagesBreakdown)
		m.StagesBreakdown = append(m.StagesBreakdown, domain.StageBreakdown{
			StageID: st.ID,
			Name:    st.Name,
			Color:   st.Color,
			Value:   decimal.Zero,
		})
	}
	for _, v := range views {
		i, open := index[v.StageID]
		if !open || v.Trashed() || v.ClosedAt != nil {
			continue
		}
		value := v.Value()
		m.StagesBreakdown[i].Count++
		m.StagesBreakdown[i].Value = m.StagesBreakdown[i].Value.Add(value)
		m.ActiveDeals++
		m.PipelineValue = m.PipelineValue.Add(value)
		if alerts.NeedsFollowUp(v.Alerts) {
			m.DealsNeedingFollowUp++
		}
	}
	return m
}

// ComputePerformance reports outcomes of deals closed in the last days
// (90 when days <= 0). Win rate is a percentage of closed deals; the sales
// cycle averages won deals only.
func (e Engine) ComputePerformance(ctx context.Context, days int) (domain.PerformanceMetrics, error) {
	const op = "compute_performance"
	if days <= 0 {
		days = 90
	}
	since := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.PerformanceMetrics{}, fail(op, "", err)
	}
	defer tx.Rollback()
	cat, err := e.loadCatalog(ctx, tx)
	if err != nil {
		return domain.PerformanceMetrics{}, fail(op, "", err)
	}
	deals, err := e.Repo.ListDeals(ctx, tx, repo.DealFilters{ClosedSince: repo.FormatTime(since)})
	if err != nil {
		return domain.PerformanceMetrics{}, fail(op, "", err)
	}
	return performance(cat, deals), nil
}

func performance(cat catalog, deals []domain.Deal) domain.PerformanceMetrics {
	p := domain.PerformanceMetrics{WonValue: decimal.Zero, LostReasons: []domain.LostReasonCount{}}
	var cycleDays float64
	reasons := map[domain.LostReason]int{}
	for _, d := range deals {
		st, ok := cat.get(d.StageID)
		if !ok || d.ClosedAt == nil {
			continue
		}
		switch {
		case st.IsWon:
			p.TotalWon++
			p.WonValue = p.WonValue.Add(d.Value())
			cycleDays += d.ClosedAt.Sub(d.CreatedAt).Hours() / 24
		case st.IsLost:
			p.TotalLost++
			reason := domain.LostOther
			if d.LostReason != nil {
				reason = *d.LostReason
			}
			reasons[reason]++
		}
	}
	if closed := p.TotalWon + p.TotalLost; closed > 0 {
		p.WinRate = float64(p.TotalWon) / float64(closed) * 100
	}
	if p.TotalWon > 0 {
		p.AverageSalesCycleDays = cycleDays / float64(p.TotalWon)
	}
	for reason, count := range reasons {
		p.LostReasons = append(p.LostReasons, domain.LostReasonCount{
			Reason:     reason,
			Count:      count,
			Percentage: float64(count) / float64(p.TotalLost) * 100,
		})
	}
	sort.Slice(p.LostReasons, func(i, j int) bool {
		if p.LostReasons[i].Count != p.LostReasons[j].Count {
			return p.LostReasons[i].Count > p.LostReasons[j].Count
		}
		return p.LostReasons[i].Reason < p.LostReasons[j].Reason
	})
	return p
}

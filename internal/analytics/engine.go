package analytics

// Package analytics computes aggregate risk statistics over persisted
// reports for the dashboard. Summaries are derived read models: cheap to
// recompute, cached briefly, never authoritative.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/cache"
	"github.com/airmslabs/airms-gateway/internal/db"
	"github.com/airmslabs/airms-gateway/internal/models"
)

const (
	summaryTTL = 30 * time.Second

	// sampleLimit bounds one summary computation. Windows holding more
	// reports than this are summarized over the newest sampleLimit.
	sampleLimit = 1000
)

// FindingCount is one (kind, subtype) tally.
type FindingCount struct {
	Kind    string `json:"kind"`
	Subtype string `json:"subtype"`
	Count   int    `json:"count"`
}

// Summary is the aggregate risk picture over one time window.
type Summary struct {
	Window        string         `json:"window"`
	Total         int            `json:"total"`
	ByAction      map[string]int `json:"by_action"`
	ByLevel       map[string]int `json:"by_level"`
	AverageScore  float64        `json:"average_score"`
	MaxScore      float64        `json:"max_score"`
	BlockedRate   float64        `json:"blocked_rate"`
	SanitizedRate float64        `json:"sanitized_rate"`
	AvgElapsedMS  float64        `json:"avg_elapsed_ms"`
	ToolCallRate  float64        `json:"tool_call_rate"`
	TopFindings   []FindingCount `json:"top_findings"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// Engine computes summaries over the report store.
type Engine struct {
	store  db.ReportStore
	cache  *cache.Cache
	logger *zap.Logger
}

// New creates the engine with its own summary cache.
func New(store db.ReportStore, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		cache:  cache.New(),
		logger: logger,
	}
}

// Close releases the summary cache.
func (e *Engine) Close() {
	e.cache.Close()
}

// Summary computes (or serves cached) aggregate statistics for reports
// newer than now-window.
func (e *Engine) Summary(ctx context.Context, window time.Duration) (*Summary, error) {
	key := fmt.Sprintf("summary:%s", window)
	if v, ok := e.cache.Get(key); ok {
		return v.(*Summary), nil
	}

	reports, err := e.store.QueryReports(ctx, db.ReportQuery{
		From:  time.Now().UTC().Add(-window),
		Limit: sampleLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}

	s := aggregate(reports, window)
	e.cache.Set(key, s, summaryTTL)

	e.logger.Debug("risk summary computed",
		zap.Duration("window", window), zap.Int("reports", s.Total))
	return s, nil
}

func aggregate(reports []*models.RiskReport, window time.Duration) *Summary {
	s := &Summary{
		Window:      window.String(),
		Total:       len(reports),
		ByAction:    make(map[string]int),
		ByLevel:     make(map[string]int),
		GeneratedAt: time.Now().UTC(),
	}
	if len(reports) == 0 {
		return s
	}

	var scoreSum, elapsedSum float64
	var blocked, sanitized, withTools int
	findings := make(map[[2]string]int)

	for _, r := range reports {
		s.ByAction[r.Action]++
		s.ByLevel[string(r.Level)]++

		scoreSum += r.OverallScore
		if r.OverallScore > s.MaxScore {
			s.MaxScore = r.OverallScore
		}
		elapsedSum += float64(r.ElapsedMS)

		switch r.Action {
		case "blocked":
			blocked++
		case "sanitized":
			sanitized++
		}
		if len(r.ToolTrace) > 0 {
			withTools++
		}

		countFindings(findings, r.InputAssessment)
		countFindings(findings, r.OutputAssessment)
	}

	n := float64(len(reports))
	s.AverageScore = scoreSum / n
	s.AvgElapsedMS = elapsedSum / n
	s.BlockedRate = float64(blocked) / n
	s.SanitizedRate = float64(sanitized) / n
	s.ToolCallRate = float64(withTools) / n
	s.TopFindings = topFindings(findings, 10)
	return s
}

func countFindings(into map[[2]string]int, as *models.RiskAssessment) {
	if as == nil {
		return
	}
	for _, f := range as.Findings {
		into[[2]string{string(f.Kind), f.Subtype}]++
	}
}

func topFindings(counts map[[2]string]int, limit int) []FindingCount {
	out := make([]FindingCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, FindingCount{Kind: k[0], Subtype: k[1], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subtype < out[j].Subtype
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

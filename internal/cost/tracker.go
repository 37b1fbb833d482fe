package cost

// Package cost tracks LLM token consumption and estimated spend. The
// tracker aggregates per model; the metered provider records usage from
// every completion without callers changing their interface.

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/airmslabs/airms-gateway/internal/metrics"
)

// Pricing is USD per million tokens.
type Pricing struct {
	PromptUSDPerMTok     float64
	CompletionUSDPerMTok float64
}

// defaultPricing maps model-name prefixes to list prices. Unknown models
// fall back to the zero pricing: tokens are still counted, spend reads 0.
var defaultPricing = []struct {
	prefix  string
	pricing Pricing
}{
	{"gpt-4o-mini", Pricing{0.15, 0.60}},
	{"gpt-4o", Pricing{2.50, 10.00}},
	{"gpt-4-turbo", Pricing{10.00, 30.00}},
	{"gpt-4", Pricing{30.00, 60.00}},
	{"gpt-3.5", Pricing{0.50, 1.50}},
	{"o1-mini", Pricing{1.10, 4.40}},
	{"o1", Pricing{15.00, 60.00}},
}

// PricingFor returns the price sheet entry for a model by longest matching
// prefix.
func PricingFor(model string) Pricing {
	for _, p := range defaultPricing {
		if strings.HasPrefix(model, p.prefix) {
			return p.pricing
		}
	}
	return Pricing{}
}

// ModelUsage is the aggregate consumption of one model.
type ModelUsage struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	EstimatedUSD     float64 `json:"estimated_usd"`
}

// Totals is the tracker snapshot returned to the usage endpoint.
type Totals struct {
	Requests         int64        `json:"requests"`
	PromptTokens     int64        `json:"prompt_tokens"`
	CompletionTokens int64        `json:"completion_tokens"`
	EstimatedUSD     float64      `json:"estimated_usd"`
	PerModel         []ModelUsage `json:"per_model"`
	Since            time.Time    `json:"since"`
}

// Tracker accumulates token usage per model. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	perModel map[string]*ModelUsage
	since    time.Time
}

// NewTracker creates an empty tracker stamped now.
func NewTracker() *Tracker {
	return &Tracker{
		perModel: make(map[string]*ModelUsage),
		since:    time.Now().UTC(),
	}
}

// Record adds one completion's token counts.
func (t *Tracker) Record(model string, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	pricing := PricingFor(model)
	spend := float64(promptTokens)*pricing.PromptUSDPerMTok/1e6 +
		float64(completionTokens)*pricing.CompletionUSDPerMTok/1e6

	t.mu.Lock()
	u, ok := t.perModel[model]
	if !ok {
		u = &ModelUsage{Model: model}
		t.perModel[model] = u
	}
	u.Requests++
	u.PromptTokens += int64(promptTokens)
	u.CompletionTokens += int64(completionTokens)
	u.EstimatedUSD += spend
	t.mu.Unlock()

	metrics.LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	metrics.LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// Totals snapshots the aggregate, models sorted by spend then name.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Totals{Since: t.since}
	for _, u := range t.perModel {
		out.Requests += u.Requests
		out.PromptTokens += u.PromptTokens
		out.CompletionTokens += u.CompletionTokens
		out.EstimatedUSD += u.EstimatedUSD
		out.PerModel = append(out.PerModel, *u)
	}
	sort.Slice(out.PerModel, func(i, j int) bool {
		if out.PerModel[i].EstimatedUSD != out.PerModel[j].EstimatedUSD {
			return out.PerModel[i].EstimatedUSD > out.PerModel[j].EstimatedUSD
		}
		return out.PerModel[i].Model < out.PerModel[j].Model
	})
	return out
}

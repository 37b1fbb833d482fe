package cost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airmslabs/airms-gateway/internal/llm"
)

func TestPricingForMatchesLongestPrefix(t *testing.T) {
	assert.Equal(t, 0.15, PricingFor("gpt-4o-mini-2024-07-18").PromptUSDPerMTok)
	assert.Equal(t, 2.50, PricingFor("gpt-4o").PromptUSDPerMTok)
	assert.Equal(t, Pricing{}, PricingFor("some-local-model"))
}

func TestTrackerAggregatesPerModel(t *testing.T) {
	tr := NewTracker()

	tr.Record("gpt-4o", 1_000_000, 500_000)
	tr.Record("gpt-4o", 1_000_000, 0)
	tr.Record("gpt-4o-mini", 2_000_000, 1_000_000)

	totals := tr.Totals()
	assert.Equal(t, int64(3), totals.Requests)
	assert.Equal(t, int64(4_000_000), totals.PromptTokens)
	assert.Equal(t, int64(1_500_000), totals.CompletionTokens)

	// gpt-4o: 2M prompt @ $2.50/M + 0.5M completion @ $10/M = $10.00
	// gpt-4o-mini: 2M prompt @ $0.15/M + 1M completion @ $0.60/M = $0.90
	assert.InDelta(t, 10.90, totals.EstimatedUSD, 1e-9)

	require.Len(t, totals.PerModel, 2)
	assert.Equal(t, "gpt-4o", totals.PerModel[0].Model) // highest spend first
	assert.InDelta(t, 10.00, totals.PerModel[0].EstimatedUSD, 1e-9)
}

func TestTrackerUnknownModelCountsTokensOnly(t *testing.T) {
	tr := NewTracker()
	tr.Record("", 100, 50)

	totals := tr.Totals()
	require.Len(t, totals.PerModel, 1)
	assert.Equal(t, "unknown", totals.PerModel[0].Model)
	assert.Equal(t, int64(100), totals.PromptTokens)
	assert.Equal(t, 0.0, totals.EstimatedUSD)
}

type fixedProvider struct{ comp *llm.Completion }

func (p *fixedProvider) Name() string { return "fixed" }
func (p *fixedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	return p.comp, nil
}

func TestMeteredProviderRecordsUsage(t *testing.T) {
	tr := NewTracker()
	provider := NewMeteredProvider(&fixedProvider{comp: &llm.Completion{
		Text:  "hi",
		Model: "gpt-4o",
		Usage: llm.Usage{PromptTokens: 12, CompletionTokens: 7},
	}}, tr)

	comp, err := provider.Complete(context.Background(), llm.Request{})
	require.NoError(t, err)
	assert.Equal(t, "hi", comp.Text)

	totals := tr.Totals()
	assert.Equal(t, int64(1), totals.Requests)
	assert.Equal(t, int64(12), totals.PromptTokens)
	assert.Equal(t, int64(7), totals.CompletionTokens)
}

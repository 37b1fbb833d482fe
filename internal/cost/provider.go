package cost

import (
	"context"

	"github.com/airmslabs/airms-gateway/internal/llm"
)

// meteredProvider wraps a chat provider with post-call usage recording.
// It satisfies the same Provider interface, so callers do not change:
//
//	provider = cost.NewMeteredProvider(client, tracker)
type meteredProvider struct {
	inner   llm.Provider
	tracker *Tracker
}

// NewMeteredProvider wraps inner so every completion's token counts land in
// the tracker.
func NewMeteredProvider(inner llm.Provider, tracker *Tracker) llm.Provider {
	return &meteredProvider{inner: inner, tracker: tracker}
}

func (p *meteredProvider) Name() string { return p.inner.Name() }

func (p *meteredProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	comp, err := p.inner.Complete(ctx, req)
	if comp != nil {
		p.tracker.Record(comp.Model, comp.Usage.PromptTokens, comp.Usage.CompletionTokens)
	}
	return comp, err
}

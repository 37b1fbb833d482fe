package queryplan

import (
	"context"
	"strings"

	"github.com/airmslabs/airms-gateway/internal/llm"
)

// ProviderPlanner adapts the chat provider to the free-form planning
// fallback. The generator builds the prompt; the provider returns one
// statement, which the generator validates like any other candidate.
type ProviderPlanner struct {
	provider llm.Provider
	model    string
}

// NewProviderPlanner wraps a chat provider as an LLMPlanner.
func NewProviderPlanner(provider llm.Provider, model string) *ProviderPlanner {
	return &ProviderPlanner{provider: provider, model: model}
}

// GenerateQuery implements LLMPlanner.
func (p *ProviderPlanner) GenerateQuery(ctx context.Context, prompt string) (string, error) {
	comp, err := p.provider.Complete(ctx, llm.Request{
		Model:    p.model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(comp.Text), nil
}

package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/linguavox/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across distinct LLM
// backends. Each backend has its own circuit breaker and is called at most
// once per request; when it fails or its breaker is open, the next backend
// is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Name returns the backend names joined in failover order, e.g.
// "openai>anthropic".
func (f *LLMFallback) Name() string {
	return strings.Join(f.group.Names(), ">")
}

// Complete sends the request to the first healthy provider and returns its
// response. If it fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the primary. Structured output
// support is reported only when every backend supports it, since any of them
// may end up serving a request.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) == 0 {
		return llm.ModelCapabilities{}
	}
	caps := f.group.entries[0].value.Capabilities()
	for _, e := range f.group.entries[1:] {
		if !e.value.Capabilities().SupportsStructuredOutput {
			caps.SupportsStructuredOutput = false
		}
	}
	return caps
}

package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/linguavox/pkg/provider/llm"
	llmmock "github.com/MrWong99/linguavox/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anthropic", secondary)
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"from":"primary"}`}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"from":"secondary"}`}}

	resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"from":"primary"}` {
		t.Fatalf("content = %q, want primary", resp.Content)
	}
	if len(primary.Calls()) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls()))
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestLLMFallback_Complete_FailoverCallsEachBackendOnce(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}

	resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("content = %q, want ok", resp.Content)
	}
	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary called %d times, want exactly 1", n)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	down := errors.New("secondary down")
	secondary := &llmmock.Provider{CompleteErr: down}

	_, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, down) {
		t.Errorf("err = %v, want it to wrap the last backend error", err)
	}
}

func TestLLMFallback_Complete_CancelledStopsFailover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: context.Canceled}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}

	_, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary called %d times after cancellation, want 0", n)
	}
}

func TestLLMFallback_CountTokens(t *testing.T) {
	primary := &llmmock.Provider{CountTokensErr: errors.New("count failed")}
	secondary := &llmmock.Provider{TokenCount: 42}

	count, err := newLLMFallback(primary, secondary).CountTokens([]llm.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsStructuredOutput: true}}
	secondary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 200000}}

	caps := newLLMFallback(primary, secondary).Capabilities()
	if caps.ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
	if caps.SupportsStructuredOutput {
		t.Error("SupportsStructuredOutput = true, want false when a fallback lacks it")
	}
}

func TestLLMFallback_Name(t *testing.T) {
	fb := newLLMFallback(&llmmock.Provider{}, &llmmock.Provider{})
	if got := fb.Name(); got != "openai>anthropic" {
		t.Errorf("Name() = %q, want openai>anthropic", got)
	}
}

// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes the single-shot completion surface the
// tutoring pipeline needs: the classifier, the turn feedback generator and the
// session report aggregator each issue exactly one completion per call and
// expect a JSON object back.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// ResponseSchema asks the backend to constrain its output to a JSON object
// matching Schema. Backends without native structured output embed the schema
// into the system prompt instead; callers must validate the result either way.
type ResponseSchema struct {
	// Name identifies the schema (e.g. "tutor_action"). Letters, digits,
	// underscores and dashes only.
	Name string

	// Description is an optional human-readable explanation passed to the model.
	Description string

	// Schema is the JSON Schema document as a generic map.
	Schema map[string]any

	// Strict requests strict schema adherence where supported.
	Strict bool
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before the conversation as a "system" message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// ResponseSchema, when non-nil, requests JSON output matching the schema.
	ResponseSchema *ResponseSchema
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStructuredOutput indicates the backend enforces ResponseSchema natively.
	SupportsStructuredOutput bool
}

// Provider is the abstraction over any LLM backend.
//
// Complete must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages would
	// consume. The result need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}

// EstimateTokens is the ~4 characters per token approximation shared by
// providers that have no tokeniser endpoint. Each message adds 4 tokens of
// role and formatting overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}

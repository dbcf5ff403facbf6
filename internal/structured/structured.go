// Package structured turns LLM completions into validated records.
//
// Each record type declares a JSON Schema. The schema is sent to the provider
// as a response format and every completion is validated against it before
// being decoded, so malformed output surfaces as a [tutor.SchemaViolation]
// instead of a zero-valued record.
package structured

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/tutor"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
)

// Schema is a compiled JSON Schema for one wire record.
type Schema struct {
	name        string
	description string
	doc         map[string]any
	resolved    *jsonschema.Resolved
}

// Compile resolves s and prepares it for use as a response format.
func Compile(name, description string, s *jsonschema.Schema) (*Schema, error) {
	if name == "" {
		return nil, errors.New("structured: schema name must not be empty")
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("structured: resolve %s: %w", name, err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("structured: marshal %s: %w", name, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("structured: unmarshal %s: %w", name, err)
	}
	return &Schema{name: name, description: description, doc: doc, resolved: resolved}, nil
}

// MustCompile is like [Compile] but panics on error. It is intended for
// package-level schema literals.
func MustCompile(name, description string, s *jsonschema.Schema) *Schema {
	c, err := Compile(name, description, s)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the record name.
func (s *Schema) Name() string { return s.name }

// ResponseSchema returns the provider-facing form of s.
func (s *Schema) ResponseSchema() *llm.ResponseSchema {
	return &llm.ResponseSchema{
		Name:        s.name,
		Description: s.description,
		Schema:      s.doc,
	}
}

// Checker is implemented by records with rules a JSON Schema cannot express,
// such as fields whose presence depends on another field's value. Check may
// normalise the record in place.
type Checker interface {
	Check() error
}

// Decode validates content against s and unmarshals it into a new T. When
// *T implements [Checker] its rules are applied too. Surrounding markdown
// code fences are tolerated; anything else that is not a single conforming
// JSON object is a [tutor.SchemaViolation].
func Decode[T any](s *Schema, content string) (*T, error) {
	body := StripMarkdown(content)
	if body == "" {
		return nil, tutor.NewSchemaViolation(s.name, "empty output", content, nil)
	}

	var instance any
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, tutor.NewSchemaViolation(s.name, "output is not JSON", content, err)
	}
	if dec.More() {
		return nil, tutor.NewSchemaViolation(s.name, "trailing data after JSON object", content, nil)
	}
	if err := s.resolved.Validate(normalizeNumbers(instance)); err != nil {
		return nil, tutor.NewSchemaViolation(s.name, "output does not match schema", content, err)
	}

	out := new(T)
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return nil, tutor.NewSchemaViolation(s.name, "decode", content, err)
	}
	if c, ok := any(out).(Checker); ok {
		if err := c.Check(); err != nil {
			return nil, tutor.NewSchemaViolation(s.name, err.Error(), content, nil)
		}
	}
	return out, nil
}

// normalizeNumbers replaces json.Number values with float64 so the validator
// sees the same types a plain json.Unmarshal would produce.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

// StripMarkdown removes a surrounding ```json or ``` code fence.
func StripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// Caller bundles the provider used for one kind of structured completion.
type Caller struct {
	// Provider performs the completion.
	Provider llm.Provider
	// Name labels the provider in errors and metrics (e.g. "openai").
	Name string
	// Metrics receives request and violation counts. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewCaller returns a Caller for p, named after p when it reports a name.
func NewCaller(p llm.Provider) Caller {
	name := "llm"
	if n, ok := p.(interface{ Name() string }); ok {
		name = n.Name()
	}
	return Caller{Provider: p, Name: name}
}

func (c Caller) metrics() *observe.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return observe.DefaultMetrics()
}

// Complete asks c's provider for a record conforming to s and decodes it.
// The request's ResponseSchema is set from s. Provider failures are returned
// as [tutor.ProviderError] and are not retried here.
func Complete[T any](ctx context.Context, c Caller, op string, s *Schema, req llm.CompletionRequest) (*T, error) {
	ctx, span := observe.StartSpan(ctx, "structured."+op)
	var err error
	defer func() { observe.EndSpan(span, err) }()

	m := c.metrics()
	req.ResponseSchema = s.ResponseSchema()

	start := time.Now()
	resp, err := c.Provider.Complete(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		m.RecordProviderRequest(ctx, c.Name, "llm", "error")
		m.RecordProviderError(ctx, c.Name, "llm")
		observe.Logger(ctx).Warn("structured: completion failed",
			"op", op, "provider", c.Name, "duration", time.Since(start), "err", err)
		err = tutor.NewProviderError(c.Name, op, err)
		return nil, err
	}
	m.RecordProviderRequest(ctx, c.Name, "llm", "ok")

	out, err := Decode[T](s, resp.Content)
	if err != nil {
		m.RecordSchemaViolation(ctx, s.name)
		observe.Logger(ctx).Warn("structured: rejected completion",
			"op", op, "provider", c.Name, "record", s.name, "err", err)
		return nil, err
	}
	return out, nil
}

// Compact renders v as single-line JSON for prompts.
func Compact(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(buf.String())
}

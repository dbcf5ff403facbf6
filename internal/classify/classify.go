// Package classify decides what the learner must do next after a tutor turn.
//
// The [Classifier] sends the latest tutor utterance, with the preceding turns
// as context, to an [llm.Provider] and asks for one Action record: REPEAT
// when the tutor wants specific content said back, ANSWER when the tutor asks
// a question or prompts a response. Output that does not match the Action
// schema is an error; the classifier never guesses an action.
package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/persona"
	"github.com/MrWong99/linguavox/internal/structured"
	"github.com/MrWong99/linguavox/internal/tutor"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
)

const (
	op                 = "classify"
	defaultTemperature = 0.0
	defaultMaxTokens   = 400
)

// ActionSchema is the wire schema of an Action.
var ActionSchema = structured.MustCompile("tutor_action",
	"The next action the learner must perform after the latest tutor message.",
	&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"actionType": {
				Type:        "string",
				Enum:        []any{string(tutor.ActionRepeat), string(tutor.ActionAnswer)},
				Description: "REPEAT if the learner must say specific content back, ANSWER if they must respond to a question or prompt.",
			},
			"targetContent": {
				Type:        "string",
				Description: "For REPEAT, the exact content to repeat in the learning language. For ANSWER, the question or prompt.",
			},
			"targetContentTranslated": {
				Type:        "string",
				Description: "targetContent translated into the learner's native language.",
			},
			"targetContentRomanized": {
				Types:       []string{"string", "null"},
				Description: "Romanization of targetContent if it is written in a non-Latin script, otherwise null.",
			},
			"vocabularyType": {
				Types:       []string{"string", "null"},
				Enum:        []any{string(tutor.VocabularyWord), string(tutor.VocabularyPhrase), string(tutor.VocabularyExpression), nil},
				Description: "For REPEAT: WORD, PHRASE or EXPRESSION (idiomatic). For ANSWER: null.",
			},
		},
		Required:             []string{"actionType", "targetContent", "targetContentTranslated", "targetContentRomanized"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	})

const systemPromptTemplate = `You analyse a language tutoring conversation and identify what the learner must do next.

The learner's native language is %s. They are learning %s.

Rules:
- The messages are speech-to-text transcripts. Tolerate filler words, missing punctuation and recognition artifacts.
- Decide from the LATEST tutor message only. Earlier turns are context; they never override what the latest message asks.
- REPEAT: the tutor asks the learner to say specific words, a phrase or an expression. targetContent is exactly that content in %s, without surrounding instructions or quotes.
- ANSWER: the tutor asks a question or prompts a free response. targetContent is the question or prompt.
- vocabularyType is WORD for a single word, PHRASE for a short phrase and EXPRESSION for an idiom or set expression. It is null for ANSWER.
- targetContentTranslated is targetContent in %s.
- targetContentRomanized is a romanization only when targetContent uses a non-Latin script (for example Japanese, Korean, Chinese, Russian, Arabic). For Latin-script content it is null.

Respond with ONLY a JSON object matching the requested schema (no markdown, no prose).`

// Request is one classification.
type Request struct {
	// TutorText is the latest tutor utterance.
	TutorText string
	// Profile supplies the native and learning languages.
	Profile tutor.Profile
	// History holds the turns preceding TutorText, oldest first.
	History []tutor.Turn
	// Instructions is the session persona, if any. It gives the model the
	// lesson or scenario the tutor is following.
	Instructions string
}

// Option is a functional option for configuring a [Classifier].
type Option func(*Classifier)

// WithProviderName labels the provider in errors and metrics.
func WithProviderName(name string) Option {
	return func(c *Classifier) { c.caller.Name = name }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.caller.Metrics = m }
}

// WithTemperature sets the sampling temperature. Default: 0.
func WithTemperature(t float64) Option {
	return func(c *Classifier) { c.temperature = t }
}

// Classifier derives Actions from tutor turns. It is safe for concurrent use.
type Classifier struct {
	caller      structured.Caller
	temperature float64
}

// New returns a [Classifier] backed by p.
func New(p llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{
		caller:      structured.NewCaller(p),
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns the Action requested by req.TutorText. It fails with a
// [tutor.ProviderError] when the model call fails and a
// [tutor.SchemaViolation] when the output is not a valid Action.
func (c *Classifier) Classify(ctx context.Context, req Request) (*tutor.Action, error) {
	text := strings.TrimSpace(req.TutorText)
	if text == "" {
		return nil, tutor.InvalidInput("classify: tutor text is empty")
	}

	start := time.Now()
	defer func() {
		observe.ObserveSince(ctx, c.metrics().ClassifyDuration, start, observe.Attr("provider", c.caller.Name))
	}()

	native := persona.LanguageName(req.Profile.NativeLanguage)
	target := persona.LanguageName(req.Profile.LearningLanguage)
	system := fmt.Sprintf(systemPromptTemplate, native, target, target, native)
	if inst := strings.TrimSpace(req.Instructions); inst != "" {
		system += "\n\nThe tutor follows these instructions:\n" + inst
	}

	action, err := structured.Complete[tutor.Action](ctx, c.caller, op, ActionSchema, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: userMessage(req.History, text)}},
		Temperature:  c.temperature,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	observe.Logger(ctx).Debug("classify: action", "type", action.Type, "vocabulary_type", action.VocabularyType)
	return action, nil
}

func (c *Classifier) metrics() *observe.Metrics {
	if c.caller.Metrics != nil {
		return c.caller.Metrics
	}
	return observe.DefaultMetrics()
}

// userMessage renders the history as role-labelled lines followed by the
// latest tutor message.
func userMessage(history []tutor.Turn, latest string) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far (context only):\n")
		for _, t := range history {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, strings.TrimSpace(t.Transcript))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Latest tutor message:\n")
	sb.WriteString(latest)
	return sb.String()
}

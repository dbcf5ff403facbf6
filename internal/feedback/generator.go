// Package feedback evaluates what the learner said.
//
// [Generator] judges one learner utterance and, when it is wrong, returns the
// full corrected utterance with a short explanation in the learner's native
// language. [Aggregator] scores a finished roleplay across five rubric axes.
// [FileStore] archives finished reports as JSON lines.
package feedback

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
	turnOp                  = "feedback"
	defaultTurnTemperature  = 0.2
	defaultTurnMaxTokens    = 400
	nullableStringFieldDesc = "Null when isCorrect is true."
)

var nullableString = []string{"string", "null"}

// FeedbackSchema is the wire schema of a per-turn Feedback.
var FeedbackSchema = structured.MustCompile("turn_feedback",
	"Correctness verdict on one learner utterance.",
	&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"isCorrect": {
				Type:        "boolean",
				Description: "True when the utterance needs no correction.",
			},
			"feedback": {
				Types:       nullableString,
				Description: "A short, encouraging explanation in the learner's native language (2-3 sentences). " + nullableStringFieldDesc,
			},
			"correctedPhrase": {
				Types:       nullableString,
				Description: "The full corrected utterance in the learning language, not a diff. " + nullableStringFieldDesc,
			},
		},
		Required:             []string{"isCorrect", "feedback", "correctedPhrase"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	})

const turnSystemPromptTemplate = `You are a supportive %s teacher reviewing one sentence a learner said aloud.

The learner's native language is %s. Their level is %s.

Rules:
- The utterance is a speech-to-text transcript. Ignore capitalisation, punctuation, filler words and obvious recognition artifacts.
- Be conservative. Only flag real grammar, vocabulary or word-choice errors a teacher would correct at this level.
- If nothing needs correcting: isCorrect is true, feedback is null, correctedPhrase is null.
- Otherwise: isCorrect is false, correctedPhrase is the learner's whole utterance with the errors fixed (not just the changed words), and feedback explains the correction in %s in 2-3 short, encouraging sentences.

Respond with ONLY a JSON object matching the requested schema (no markdown, no prose).`

// TurnRequest is one learner utterance to evaluate.
type TurnRequest struct {
	Utterance string
	Profile   tutor.Profile
	Mode      tutor.Mode
	// Expected is the action the learner was responding to, if any.
	Expected *tutor.Action
	// History holds the turns before the utterance, oldest first.
	History []tutor.Turn
}

// GeneratorOption is a functional option for [Generator].
type GeneratorOption func(*Generator)

// WithGeneratorProviderName labels the provider in errors and metrics.
func WithGeneratorProviderName(name string) GeneratorOption {
	return func(g *Generator) { g.caller.Name = name }
}

// WithGeneratorMetrics overrides the metrics sink.
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *Generator) { g.caller.Metrics = m }
}

// Generator produces per-turn feedback. It is safe for concurrent use.
type Generator struct {
	caller structured.Caller
}

// NewGenerator returns a [Generator] backed by p.
func NewGenerator(p llm.Provider, opts ...GeneratorOption) *Generator {
	g := &Generator{caller: structured.NewCaller(p)}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate judges req.Utterance.
func (g *Generator) Generate(ctx context.Context, req TurnRequest) (*tutor.Feedback, error) {
	utterance := strings.TrimSpace(req.Utterance)
	if utterance == "" {
		return nil, tutor.InvalidInput("feedback: utterance is empty")
	}

	start := time.Now()
	defer func() {
		observe.ObserveSince(ctx, metricsOf(g.caller).FeedbackDuration, start, observe.Attr("provider", g.caller.Name))
	}()

	native := persona.LanguageName(req.Profile.NativeLanguage)
	target := persona.LanguageName(req.Profile.LearningLanguage)
	level := req.Profile.Level
	if level == "" {
		level = tutor.LevelBeginner
	}
	system := fmt.Sprintf(turnSystemPromptTemplate, target, native, level, native)

	fb, err := structured.Complete[tutor.Feedback](ctx, g.caller, turnOp, FeedbackSchema, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: turnMessage(req, utterance)}},
		Temperature:  defaultTurnTemperature,
		MaxTokens:    defaultTurnMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("feedback: generate: %w", err)
	}
	return fb, nil
}

func turnMessage(req TurnRequest, utterance string) string {
	var sb strings.Builder
	if n := len(req.History); n > 0 {
		sb.WriteString("Recent conversation (context only):\n")
		for _, t := range req.History {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, strings.TrimSpace(t.Transcript))
		}
		sb.WriteString("\n")
	}
	if a := req.Expected; a != nil {
		switch a.Type {
		case tutor.ActionRepeat:
			fmt.Fprintf(&sb, "The learner was asked to repeat: %s\n", a.TargetContent)
		case tutor.ActionAnswer:
			fmt.Fprintf(&sb, "The learner was answering: %s\n", a.TargetContent)
		}
	}
	if req.Mode == tutor.ModeRoleplay {
		sb.WriteString("This is a roleplay conversation; judge the language, not the story.\n")
	}
	sb.WriteString("Learner said:\n")
	sb.WriteString(utterance)
	return sb.String()
}

func metricsOf(c structured.Caller) *observe.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return observe.DefaultMetrics()
}

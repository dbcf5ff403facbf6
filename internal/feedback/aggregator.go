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
	reportOp                 = "report"
	defaultReportTemperature = 0.2
	defaultReportMaxTokens   = 1200

	// DefaultSummaryMax bounds the report summary, in runes.
	DefaultSummaryMax = 600
)

func rubricSchema(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "object",
		Description: desc,
		Properties: map[string]*jsonschema.Schema{
			"score":    {Type: "integer", Description: "1 (poor) to 100 (native-like)."},
			"feedback": {Type: "string", Description: "One or two sentences in the learner's native language."},
		},
		Required:             []string{"score", "feedback"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// ReportSchema is the wire schema of a SessionFeedback. Score ranges are
// stated in the descriptions and enforced by clamping after decoding.
var ReportSchema = structured.MustCompile("session_feedback",
	"Rubric scores for a finished roleplay conversation.",
	&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"fillerWords":  rubricSchema("Use of filler words and hesitation sounds."),
			"vocabulary":   rubricSchema("Range and accuracy of vocabulary."),
			"grammar":      rubricSchema("Grammatical accuracy."),
			"fluency":      rubricSchema("Flow and ease of speech."),
			"interaction":  rubricSchema("How well the learner kept the conversation going."),
			"overallScore": {Type: "integer", Description: "1 to 100."},
			"summary":      {Type: "string", Description: "A short overall summary in the learner's native language."},
		},
		Required:             []string{"fillerWords", "vocabulary", "grammar", "fluency", "interaction", "overallScore", "summary"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	})

const reportSystemPromptTemplate = `You assess a learner's spoken %s after a roleplay conversation.

The learner's native language is %s. Their level is %s.

Score each axis independently from 1 (poor) to 100 (native-like):
- fillerWords: how rarely the learner relies on filler words and hesitation sounds.
- vocabulary: range and accuracy of the words the learner used.
- grammar: grammatical accuracy.
- fluency: flow and ease of speech.
- interaction: how well the learner understood, responded and kept the conversation going.
Then give overallScore (1-100) and a summary of at most %d characters.

Rules:
- The learner lines are speech-to-text transcripts. Do not penalise punctuation, capitalisation or obvious recognition artifacts.
- Keep every piece of feedback high-level. Never quote, repeat or paraphrase specific things the learner said.
- Write all feedback and the summary in %s, in an encouraging tone.

Respond with ONLY a JSON object matching the requested schema (no markdown, no prose).`

// ReportRequest is a finished roleplay to score.
type ReportRequest struct {
	Profile  tutor.Profile
	Scenario *tutor.Scenario
	// Turns is the full ordered turn log.
	Turns []tutor.Turn
}

// AggregatorOption is a functional option for [Aggregator].
type AggregatorOption func(*Aggregator)

// WithAggregatorProviderName labels the provider in errors and metrics.
func WithAggregatorProviderName(name string) AggregatorOption {
	return func(a *Aggregator) { a.caller.Name = name }
}

// WithAggregatorMetrics overrides the metrics sink.
func WithAggregatorMetrics(m *observe.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.caller.Metrics = m }
}

// WithSummaryMax bounds the summary length in runes. Default: [DefaultSummaryMax].
func WithSummaryMax(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.summaryMax = n
		}
	}
}

// Aggregator scores finished roleplay sessions. It does not remember what it
// has scored; callers ensure each session is aggregated once.
type Aggregator struct {
	caller     structured.Caller
	summaryMax int
}

// NewAggregator returns an [Aggregator] backed by p.
func NewAggregator(p llm.Provider, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{caller: structured.NewCaller(p), summaryMax: DefaultSummaryMax}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Aggregate scores req. Every score in the result is within
// [tutor.MinScore, tutor.MaxScore] and the summary within the configured bound.
func (a *Aggregator) Aggregate(ctx context.Context, req ReportRequest) (*tutor.SessionFeedback, error) {
	learner := 0
	for _, t := range req.Turns {
		if t.Role == tutor.RoleLearner {
			learner++
		}
	}
	if learner == 0 {
		return nil, tutor.InvalidInput("feedback: report needs at least one learner turn")
	}

	start := time.Now()
	defer func() {
		observe.ObserveSince(ctx, metricsOf(a.caller).ReportDuration, start, observe.Attr("provider", a.caller.Name))
	}()

	native := persona.LanguageName(req.Profile.NativeLanguage)
	target := persona.LanguageName(req.Profile.LearningLanguage)
	level := req.Profile.Level
	if level == "" {
		level = tutor.LevelBeginner
	}
	system := fmt.Sprintf(reportSystemPromptTemplate, target, native, level, a.summaryMax, native)

	report, err := structured.Complete[tutor.SessionFeedback](ctx, a.caller, reportOp, ReportSchema, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: reportMessage(req)}},
		Temperature:  defaultReportTemperature,
		MaxTokens:    defaultReportMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("feedback: aggregate: %w", err)
	}
	report.Normalize(a.summaryMax)
	return report, nil
}

func reportMessage(req ReportRequest) string {
	var sb strings.Builder
	if sc := req.Scenario; sc != nil {
		fmt.Fprintf(&sb, "Scenario: %s\n", strings.TrimSpace(sc.Title))
		if sc.UserRole != "" {
			fmt.Fprintf(&sb, "The learner played: %s\n", sc.UserRole)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Transcript:\n")
	var sum float64
	var scored int
	for _, t := range req.Turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, strings.TrimSpace(t.Transcript))
		if t.Assessment != nil {
			sum += t.Assessment.PronunciationScore
			scored++
		}
	}
	if scored > 0 {
		fmt.Fprintf(&sb, "\nMeasured pronunciation score, averaged over %d learner turns: %.0f/100\n", scored, sum/float64(scored))
	}
	return sb.String()
}

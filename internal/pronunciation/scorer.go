// Package pronunciation scores a recorded learner utterance against a
// speech assessment backend.
//
// Every call opens three backend handles (speech config, push audio stream,
// recognizer) and releases all of them before returning, whatever the
// outcome. Grading is fixed: hundred-point scale, phoneme granularity, miscue
// detection off, prosody assessment on.
package pronunciation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/language"

	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/resilience"
	"github.com/MrWong99/linguavox/internal/tutor"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/speech"
)

// ErrNoSpeech is returned when recognition completes without classifiable
// speech (silence, noise, an unintelligible utterance).
var ErrNoSpeech = errors.New("pronunciation: no speech recognized")

const (
	op                   = "pronunciation"
	defaultChunkDuration = 100 * time.Millisecond

	// DefaultMaxAudio is the longest utterance scored by default; it matches
	// the short-audio limit of the assessment backends.
	DefaultMaxAudio = 60 * time.Second
)

// assessment holds the grading parameters applied to every call.
var assessment = speech.AssessmentConfig{
	GradingSystem: speech.GradingHundredMark,
	Granularity:   speech.GranularityPhoneme,
	EnableMiscue:  false,
	EnableProsody: true,
}

// Request is one utterance to score.
type Request struct {
	// PCM is little-endian signed 16-bit audio.
	PCM []byte
	// SampleRate of PCM in Hz.
	SampleRate int
	// Channels in PCM. Zero means mono.
	Channels int
	// Language is the BCP-47 tag of the language being learned.
	Language string
	// ReferenceText is what the learner was asked to say, if anything.
	ReferenceText string
}

// Option is a functional option for [Scorer].
type Option func(*Scorer)

// WithCircuitBreaker guards the backend with cb. Recognitions that find no
// speech do not count as failures.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Scorer) { s.breaker = cb }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// WithChunkDuration sets how much audio each push-stream write carries.
// Default: 100ms.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.chunk = d
		}
	}
}

// WithMaxAudio bounds the playback length of a scored utterance. Longer
// audio is rejected before it is converted. Default: [DefaultMaxAudio].
func WithMaxAudio(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.maxAudio = d
		}
	}
}

// Scorer runs pronunciation assessments. It is safe for concurrent use;
// every call owns its own handles.
type Scorer struct {
	backend  speech.Backend
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	chunk    time.Duration
	maxAudio time.Duration
}

// New returns a Scorer backed by b.
func New(b speech.Backend, opts ...Option) *Scorer {
	s := &Scorer{backend: b, chunk: defaultChunkDuration, maxAudio: DefaultMaxAudio}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Score assesses req. It returns [ErrNoSpeech] when nothing classifiable was
// said, a [tutor.ProviderError] when the backend fails, and an
// [tutor.ErrInvalidInput] error for malformed requests.
func (s *Scorer) Score(ctx context.Context, req Request) (*tutor.PronunciationAssessment, error) {
	tag, pcm, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "pronunciation.Score")
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()
	defer func() {
		observe.ObserveSince(ctx, s.metrics.PronunciationDuration, start, observe.Attr("provider", s.backend.Name()))
	}()

	var res *speech.Result
	call := func() error {
		var callErr error
		res, callErr = s.assess(ctx, tag, pcm, req.ReferenceText)
		return callErr
	}
	if s.breaker != nil {
		err = s.breaker.Execute(call)
	} else {
		err = call()
	}

	name := s.backend.Name()
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, name, "speech", "error")
		s.metrics.RecordProviderError(ctx, name, "speech")
		err = tutor.NewProviderError(name, op, err)
		return nil, err
	}
	s.metrics.RecordProviderRequest(ctx, name, "speech", "ok")

	if res.Reason == speech.ReasonNoMatch {
		err = ErrNoSpeech
		return nil, err
	}
	return toAssessment(tag, req.ReferenceText, res), nil
}

// prepare validates req and converts its audio to the backend's native
// mono rate.
func (s *Scorer) prepare(req Request) (string, []byte, error) {
	if len(req.PCM) == 0 {
		return "", nil, tutor.InvalidInput("pronunciation: empty audio")
	}
	if err := audio.ValidateRate(req.SampleRate); err != nil {
		return "", nil, tutor.InvalidInput("pronunciation: %v", err)
	}
	tag, err := language.Parse(req.Language)
	if err != nil {
		return "", nil, tutor.InvalidInput("pronunciation: language %q is not a BCP-47 tag", req.Language)
	}
	channels := req.Channels
	if channels == 0 {
		channels = 1
	}
	src := audio.Format{SampleRate: req.SampleRate, Channels: channels}
	if d := audio.Duration(req.PCM, src); d > s.maxAudio {
		return "", nil, tutor.InvalidInput("pronunciation: audio of %s exceeds the %s limit", d, s.maxAudio)
	}
	pcm, err := audio.ToMono16(req.PCM, src, s.backend.NativeSampleRate())
	if err != nil {
		return "", nil, tutor.InvalidInput("pronunciation: %v", err)
	}
	return tag.String(), pcm, nil
}

// assess runs one recognition. The handles are closed in reverse order of
// acquisition on every path. A service-side cancellation is an error; a
// NoMatch result is not.
func (s *Scorer) assess(ctx context.Context, lang string, pcm []byte, reference string) (*speech.Result, error) {
	sc, err := s.backend.NewSpeechConfig(speech.SpeechOptions{Language: lang})
	if err != nil {
		return nil, fmt.Errorf("open speech config: %w", err)
	}
	defer release(ctx, "speech config", sc)

	rate := s.backend.NativeSampleRate()
	ac, err := s.backend.NewPushAudioConfig(speech.AudioFormat{SampleRate: rate, BitsPerSample: 16, Channels: 1})
	if err != nil {
		return nil, fmt.Errorf("open audio config: %w", err)
	}
	defer release(ctx, "audio config", ac)

	cfg := assessment
	cfg.ReferenceText = reference
	rec, err := s.backend.NewRecognizer(sc, ac, cfg)
	if err != nil {
		return nil, fmt.Errorf("open recognizer: %w", err)
	}
	defer release(ctx, "recognizer", rec)

	for _, chunk := range audio.Chunks(pcm, audio.Format{SampleRate: rate, Channels: 1}, s.chunk) {
		if err := ac.Write(chunk); err != nil {
			return nil, fmt.Errorf("push audio: %w", err)
		}
	}
	if err := ac.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close audio stream: %w", err)
	}

	res, err := rec.RecognizeOnce(ctx)
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	if res == nil {
		return nil, errors.New("recognize: empty result")
	}
	if res.Reason == speech.ReasonCanceled {
		return nil, fmt.Errorf("recognition canceled: %s", res.CancellationDetails)
	}
	return res, nil
}

type closer interface{ Close() error }

func release(ctx context.Context, what string, c closer) {
	if err := c.Close(); err != nil {
		observe.Logger(ctx).Warn("pronunciation: release handle", "handle", what, "err", err)
	}
}

func toAssessment(lang, reference string, res *speech.Result) *tutor.PronunciationAssessment {
	a := &tutor.PronunciationAssessment{
		Language:           lang,
		RecognizedText:     res.Text,
		ReferenceText:      reference,
		AccuracyScore:      res.AccuracyScore,
		FluencyScore:       res.FluencyScore,
		CompletenessScore:  res.CompletenessScore,
		ProsodyScore:       res.ProsodyScore,
		PronunciationScore: res.PronunciationScore,
	}
	if len(res.Words) > 0 {
		a.Words = make([]tutor.WordAssessment, len(res.Words))
		for i, w := range res.Words {
			wa := tutor.WordAssessment{Word: w.Word, AccuracyScore: w.AccuracyScore, ErrorType: w.ErrorType}
			for _, p := range w.Phonemes {
				wa.Phonemes = append(wa.Phonemes, tutor.PhonemeAssessment{Phoneme: p.Phoneme, AccuracyScore: p.AccuracyScore})
			}
			a.Words[i] = wa
		}
	}
	return a
}

// Package mock provides a call-counting test double for speech.Backend.
//
// Every handle the Backend hands out is tracked, so tests can assert that
// callers release each acquired handle exactly once on every exit path:
//
//	b := &mock.Backend{Result: &speech.Result{Reason: speech.ReasonNoMatch}}
//	_, _ = scorer.Score(ctx, req)
//	if open := b.Open(); open != (mock.Counts{}) {
//	    t.Fatalf("leaked handles: %+v", open)
//	}
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/linguavox/pkg/provider/speech"
)

// Counts tallies handles per kind.
type Counts struct {
	SpeechConfigs int
	AudioConfigs  int
	Recognizers   int
}

// Backend is a mock implementation of speech.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// SampleRate is returned by NativeSampleRate. Zero means 16000.
	SampleRate int

	// SpeechConfigErr, if non-nil, fails NewSpeechConfig.
	SpeechConfigErr error
	// AudioConfigErr, if non-nil, fails NewPushAudioConfig.
	AudioConfigErr error
	// RecognizerErr, if non-nil, fails NewRecognizer.
	RecognizerErr error
	// WriteErr, if non-nil, fails every AudioConfig.Write.
	WriteErr error
	// CloseWriteErr, if non-nil, fails AudioConfig.CloseWrite.
	CloseWriteErr error
	// RecognizeErr, if non-nil, fails RecognizeOnce.
	RecognizeErr error
	// Result is returned by RecognizeOnce when RecognizeErr is nil.
	Result *speech.Result
	// Block, if non-nil, makes RecognizeOnce wait until it is closed or ctx is done.
	Block chan struct{}

	// --- Call records ---

	acquired Counts
	released Counts

	// Assessments records the AssessmentConfig passed to each NewRecognizer call.
	Assessments []speech.AssessmentConfig
	// Formats records the AudioFormat passed to each NewPushAudioConfig call.
	Formats []speech.AudioFormat
	// Languages records the language of each NewSpeechConfig call.
	Languages []string
	// Audio holds the bytes written to the most recent AudioConfig.
	Audio []byte
}

// Name implements speech.Backend.
func (b *Backend) Name() string { return "mock" }

// NativeSampleRate implements speech.Backend.
func (b *Backend) NativeSampleRate() int {
	if b.SampleRate > 0 {
		return b.SampleRate
	}
	return 16000
}

// NewSpeechConfig implements speech.Backend.
func (b *Backend) NewSpeechConfig(opts speech.SpeechOptions) (speech.SpeechConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Languages = append(b.Languages, opts.Language)
	if b.SpeechConfigErr != nil {
		return nil, b.SpeechConfigErr
	}
	b.acquired.SpeechConfigs++
	return &speechConfig{b: b, lang: opts.Language}, nil
}

// NewPushAudioConfig implements speech.Backend.
func (b *Backend) NewPushAudioConfig(format speech.AudioFormat) (speech.AudioConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Formats = append(b.Formats, format)
	if b.AudioConfigErr != nil {
		return nil, b.AudioConfigErr
	}
	b.acquired.AudioConfigs++
	b.Audio = nil
	return &audioConfig{b: b}, nil
}

// NewRecognizer implements speech.Backend.
func (b *Backend) NewRecognizer(_ speech.SpeechConfig, _ speech.AudioConfig, cfg speech.AssessmentConfig) (speech.Recognizer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Assessments = append(b.Assessments, cfg)
	if b.RecognizerErr != nil {
		return nil, b.RecognizerErr
	}
	b.acquired.Recognizers++
	return &recognizer{b: b}, nil
}

// Acquired returns how many handles of each kind were opened.
func (b *Backend) Acquired() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired
}

// Released returns how many handles of each kind were closed.
func (b *Backend) Released() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Open returns the handles acquired but not yet released.
func (b *Backend) Open() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		SpeechConfigs: b.acquired.SpeechConfigs - b.released.SpeechConfigs,
		AudioConfigs:  b.acquired.AudioConfigs - b.released.AudioConfigs,
		Recognizers:   b.acquired.Recognizers - b.released.Recognizers,
	}
}

// Reset clears all recorded calls and counters. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired = Counts{}
	b.released = Counts{}
	b.Assessments = nil
	b.Formats = nil
	b.Languages = nil
	b.Audio = nil
}

type speechConfig struct {
	b    *Backend
	lang string
	once sync.Once
}

func (s *speechConfig) Language() string { return s.lang }

func (s *speechConfig) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		s.b.released.SpeechConfigs++
		s.b.mu.Unlock()
	})
	return nil
}

type audioConfig struct {
	b      *Backend
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	once   sync.Once
}

func (a *audioConfig) Write(chunk []byte) error {
	a.b.mu.Lock()
	err := a.b.WriteErr
	a.b.mu.Unlock()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return speech.ErrClosed
	}
	a.buf.Write(chunk)
	return nil
}

func (a *audioConfig) CloseWrite() error {
	a.b.mu.Lock()
	err := a.b.CloseWriteErr
	a.b.mu.Unlock()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.closed = true
	data := bytes.Clone(a.buf.Bytes())
	a.mu.Unlock()

	a.b.mu.Lock()
	a.b.Audio = data
	a.b.mu.Unlock()
	return nil
}

func (a *audioConfig) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.b.mu.Lock()
		a.b.released.AudioConfigs++
		a.b.mu.Unlock()
	})
	return nil
}

type recognizer struct {
	b    *Backend
	once sync.Once
}

func (r *recognizer) RecognizeOnce(ctx context.Context) (*speech.Result, error) {
	r.b.mu.Lock()
	block, err, res := r.b.Block, r.b.RecognizeErr, r.b.Result
	r.b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &speech.Result{Reason: speech.ReasonNoMatch}, nil
	}
	cp := *res
	return &cp, nil
}

func (r *recognizer) Close() error {
	r.once.Do(func() {
		r.b.mu.Lock()
		r.b.released.Recognizers++
		r.b.mu.Unlock()
	})
	return nil
}

var _ speech.Backend = (*Backend)(nil)

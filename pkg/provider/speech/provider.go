// Package speech defines the Backend interface for pronunciation assessment
// services.
//
// Assessment is a one-shot, post-hoc pass over a recorded learner utterance:
// the caller opens a speech configuration, a push audio stream and a
// recognizer, writes the PCM into the stream, closes the write side and asks
// the recognizer for exactly one result. Each of the three handles owns
// backend resources (native SDK objects, buffers, connections) and must be
// released with Close on every exit path, including failures.
//
// Implementations must be safe for concurrent use; handles are not shared
// between calls.
package speech

import (
	"context"
	"errors"
)

// ErrClosed is returned when a handle is used after Close.
var ErrClosed = errors.New("speech: handle closed")

// GradingSystem selects the score scale reported by the backend.
type GradingSystem string

const (
	// GradingHundredMark reports scores in [0, 100].
	GradingHundredMark GradingSystem = "HundredMark"
	// GradingFivePoint reports scores in [0, 5].
	GradingFivePoint GradingSystem = "FivePoint"
)

// Granularity selects how deep the assessment detail goes.
type Granularity string

const (
	GranularityPhoneme  Granularity = "Phoneme"
	GranularityWord     Granularity = "Word"
	GranularityFullText Granularity = "FullText"
)

// SpeechOptions configures a SpeechConfig handle.
type SpeechOptions struct {
	// Language is the BCP-47 recognition language (e.g. "es-ES").
	Language string
}

// AudioFormat describes the PCM pushed into an AudioConfig.
type AudioFormat struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// AssessmentConfig holds the pronunciation assessment parameters.
type AssessmentConfig struct {
	// ReferenceText is the expected utterance. Empty requests unscripted
	// assessment against whatever was recognised.
	ReferenceText string
	GradingSystem GradingSystem
	Granularity   Granularity
	EnableMiscue  bool
	EnableProsody bool
}

// SpeechConfig is an open speech configuration handle.
type SpeechConfig interface {
	// Language returns the configured recognition language.
	Language() string
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// AudioConfig is an open push audio stream handle.
type AudioConfig interface {
	// Write appends a PCM chunk to the stream. Returns ErrClosed after CloseWrite or Close.
	Write(chunk []byte) error
	// CloseWrite signals end of audio. The recognizer may not return before it is called.
	CloseWrite() error
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Recognizer is an open recognizer handle bound to one SpeechConfig and one AudioConfig.
type Recognizer interface {
	// RecognizeOnce blocks until a single recognition result is available.
	// A non-nil error means the call itself failed; service-side cancellations
	// are reported through Result.Reason.
	RecognizeOnce(ctx context.Context) (*Result, error)
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Backend opens the three handles an assessment needs.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// NativeSampleRate is the PCM rate the backend expects in AudioConfig.
	NativeSampleRate() int
	NewSpeechConfig(opts SpeechOptions) (SpeechConfig, error)
	NewPushAudioConfig(format AudioFormat) (AudioConfig, error)
	NewRecognizer(sc SpeechConfig, ac AudioConfig, cfg AssessmentConfig) (Recognizer, error)
}

// ResultReason classifies a recognition outcome.
type ResultReason int

const (
	// ReasonRecognized means speech was recognised and assessed.
	ReasonRecognized ResultReason = iota
	// ReasonNoMatch means recognition completed without classifiable speech.
	ReasonNoMatch
	// ReasonCanceled means the service cancelled the request.
	ReasonCanceled
)

// String implements fmt.Stringer.
func (r ResultReason) String() string {
	switch r {
	case ReasonRecognized:
		return "recognized"
	case ReasonNoMatch:
		return "no_match"
	case ReasonCanceled:
		return "canceled"
	}
	return "unknown"
}

// Phoneme is a phoneme-level score.
type Phoneme struct {
	Phoneme       string
	AccuracyScore float64
}

// Word is a word-level assessment.
type Word struct {
	Word          string
	AccuracyScore float64
	// ErrorType is "None", "Mispronunciation", "Omission", "Insertion", ...
	ErrorType string
	Phonemes  []Phoneme
}

// Result is one recognition + assessment outcome.
type Result struct {
	Reason ResultReason
	// CancellationDetails explains ReasonCanceled.
	CancellationDetails string
	// Text is the recognised display text.
	Text string

	AccuracyScore      float64
	FluencyScore       float64
	CompletenessScore  float64
	ProsodyScore       float64
	PronunciationScore float64
	Words              []Word
}

// Package azure provides a pronunciation assessment backend for the Azure AI
// Speech service, using the REST API for short audio.
//
// The push audio stream is buffered in memory; RecognizeOnce wraps the
// buffered PCM in a WAVE envelope and submits it in a single request with the
// assessment parameters carried in the Pronunciation-Assessment header. The
// short-audio endpoint accepts up to 60 seconds of audio, which covers a
// single learner utterance.
//
// Usage:
//
//	b, err := azure.New(os.Getenv("AZURE_SPEECH_KEY"), "westeurope")
//	sc, _ := b.NewSpeechConfig(speech.SpeechOptions{Language: "es-ES"})
//	defer sc.Close()
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/speech"
)

const (
	nativeSampleRate = 16000
	maxAudio         = 60 * time.Second
	endpointPath     = "/speech/recognition/conversation/cognitiveservices/v1"
)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithEndpoint overrides the regional endpoint base URL
// (default "https://<region>.stt.speech.microsoft.com").
func WithEndpoint(u string) Option {
	return func(b *Backend) {
		b.endpoint = u
	}
}

// WithHTTPClient replaces the HTTP client used for recognition requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.httpClient = &http.Client{Timeout: d}
		}
	}
}

// Backend implements speech.Backend against Azure AI Speech.
type Backend struct {
	key        string
	endpoint   string
	httpClient *http.Client
}

// New creates a Backend. key is the Speech resource key; region selects the
// regional endpoint and may be empty when [WithEndpoint] is given.
func New(key, region string, opts ...Option) (*Backend, error) {
	if key == "" {
		return nil, errors.New("azure: key must not be empty")
	}
	b := &Backend{
		key:        key,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if region != "" {
		b.endpoint = "https://" + region + ".stt.speech.microsoft.com"
	}
	for _, o := range opts {
		o(b)
	}
	if b.endpoint == "" {
		return nil, errors.New("azure: region or endpoint must be set")
	}
	return b, nil
}

// Name implements speech.Backend.
func (b *Backend) Name() string { return "azure" }

// NativeSampleRate implements speech.Backend.
func (b *Backend) NativeSampleRate() int { return nativeSampleRate }

// NewSpeechConfig implements speech.Backend.
func (b *Backend) NewSpeechConfig(opts speech.SpeechOptions) (speech.SpeechConfig, error) {
	if opts.Language == "" {
		return nil, errors.New("azure: language must not be empty")
	}
	return &speechConfig{language: opts.Language}, nil
}

// NewPushAudioConfig implements speech.Backend. Only 16 kHz mono 16-bit PCM
// is accepted.
func (b *Backend) NewPushAudioConfig(format speech.AudioFormat) (speech.AudioConfig, error) {
	if format.SampleRate != nativeSampleRate || format.BitsPerSample != 16 || format.Channels != 1 {
		return nil, fmt.Errorf("azure: unsupported audio format %dHz/%dbit/%dch", format.SampleRate, format.BitsPerSample, format.Channels)
	}
	return &pushStream{}, nil
}

// NewRecognizer implements speech.Backend. sc and ac must have been created
// by this backend.
func (b *Backend) NewRecognizer(sc speech.SpeechConfig, ac speech.AudioConfig, cfg speech.AssessmentConfig) (speech.Recognizer, error) {
	conf, ok := sc.(*speechConfig)
	if !ok {
		return nil, fmt.Errorf("azure: speech config of type %T not created by this backend", sc)
	}
	stream, ok := ac.(*pushStream)
	if !ok {
		return nil, fmt.Errorf("azure: audio config of type %T not created by this backend", ac)
	}
	header, err := assessmentHeader(cfg)
	if err != nil {
		return nil, err
	}
	return &recognizer{backend: b, config: conf, stream: stream, header: header}, nil
}

// assessmentParams is the JSON carried (base64-encoded) in the
// Pronunciation-Assessment header.
type assessmentParams struct {
	ReferenceText           string `json:"ReferenceText"`
	GradingSystem           string `json:"GradingSystem"`
	Granularity             string `json:"Granularity"`
	Dimension               string `json:"Dimension"`
	EnableMiscue            bool   `json:"EnableMiscue"`
	EnableProsodyAssessment bool   `json:"EnableProsodyAssessment"`
}

func assessmentHeader(cfg speech.AssessmentConfig) (string, error) {
	raw, err := json.Marshal(assessmentParams{
		ReferenceText:           cfg.ReferenceText,
		GradingSystem:           string(cfg.GradingSystem),
		Granularity:             string(cfg.Granularity),
		Dimension:               "Comprehensive",
		EnableMiscue:            cfg.EnableMiscue,
		EnableProsodyAssessment: cfg.EnableProsody,
	})
	if err != nil {
		return "", fmt.Errorf("azure: encode assessment params: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ---- handles ----------------------------------------------------------------

type speechConfig struct {
	language string
}

func (s *speechConfig) Language() string { return s.language }
func (s *speechConfig) Close() error     { return nil }

// pushStream buffers PCM until CloseWrite.
type pushStream struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	finished bool
	closed   bool
}

func (p *pushStream) Write(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.closed {
		return speech.ErrClosed
	}
	p.buf.Write(chunk)
	return nil
}

func (p *pushStream) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return speech.ErrClosed
	}
	p.finished = true
	return nil
}

func (p *pushStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.buf = bytes.Buffer{}
	return nil
}

// snapshot returns the buffered PCM once the write side is closed.
func (p *pushStream) snapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, speech.ErrClosed
	case !p.finished:
		return nil, errors.New("azure: audio stream still open for writing")
	}
	return bytes.Clone(p.buf.Bytes()), nil
}

type recognizer struct {
	backend *Backend
	config  *speechConfig
	stream  *pushStream
	header  string

	mu     sync.Mutex
	closed bool
}

func (r *recognizer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// RecognizeOnce implements speech.Recognizer.
func (r *recognizer) RecognizeOnce(ctx context.Context) (*speech.Result, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, speech.ErrClosed
	}

	pcm, err := r.stream.snapshot()
	if err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: nativeSampleRate, Channels: 1}
	if d := audio.Duration(pcm, format); d > maxAudio {
		return nil, fmt.Errorf("azure: audio of %s exceeds the %s short-audio limit", d, maxAudio)
	}

	var body bytes.Buffer
	if err := audio.WriteWAV(&body, pcm, format); err != nil {
		return nil, fmt.Errorf("azure: encode wav: %w", err)
	}

	q := url.Values{}
	q.Set("language", r.config.language)
	q.Set("format", "detailed")
	endpoint := r.backend.endpoint + endpointPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", r.backend.key)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/wav; codecs=audio/pcm; samplerate=%d", nativeSampleRate))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Pronunciation-Assessment", r.header)

	resp, err := r.backend.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("azure: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure: service returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out recognitionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	return out.result(), nil
}

// ---- response mapping -------------------------------------------------------

type scores struct {
	AccuracyScore     float64 `json:"AccuracyScore"`
	FluencyScore      float64 `json:"FluencyScore"`
	CompletenessScore float64 `json:"CompletenessScore"`
	ProsodyScore      float64 `json:"ProsodyScore"`
	PronScore         float64 `json:"PronScore"`
	ErrorType         string  `json:"ErrorType"`
}

type phonemeJSON struct {
	Phoneme                 string  `json:"Phoneme"`
	AccuracyScore           float64 `json:"AccuracyScore"`
	PronunciationAssessment *scores `json:"PronunciationAssessment"`
}

type wordJSON struct {
	Word string `json:"Word"`
	scores
	PronunciationAssessment *scores       `json:"PronunciationAssessment"`
	Phonemes                []phonemeJSON `json:"Phonemes"`
}

type nbestJSON struct {
	Display string `json:"Display"`
	Lexical string `json:"Lexical"`
	scores
	PronunciationAssessment *scores    `json:"PronunciationAssessment"`
	Words                   []wordJSON `json:"Words"`
}

type recognitionResponse struct {
	RecognitionStatus string      `json:"RecognitionStatus"`
	DisplayText       string      `json:"DisplayText"`
	NBest             []nbestJSON `json:"NBest"`
}

// pick prefers the nested assessment block emitted by newer service versions
// over the flat fields of the short-audio format.
func pick(flat scores, nested *scores) scores {
	if nested != nil {
		return *nested
	}
	return flat
}

func (r recognitionResponse) result() *speech.Result {
	switch r.RecognitionStatus {
	case "Success":
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		return &speech.Result{Reason: speech.ReasonNoMatch}
	default:
		return &speech.Result{
			Reason:              speech.ReasonCanceled,
			CancellationDetails: "recognition status " + r.RecognitionStatus,
		}
	}
	if len(r.NBest) == 0 {
		return &speech.Result{Reason: speech.ReasonNoMatch}
	}

	best := r.NBest[0]
	s := pick(best.scores, best.PronunciationAssessment)
	res := &speech.Result{
		Reason:             speech.ReasonRecognized,
		Text:               best.Display,
		AccuracyScore:      s.AccuracyScore,
		FluencyScore:       s.FluencyScore,
		CompletenessScore:  s.CompletenessScore,
		ProsodyScore:       s.ProsodyScore,
		PronunciationScore: s.PronScore,
	}
	if res.Text == "" {
		res.Text = r.DisplayText
	}
	for _, w := range best.Words {
		ws := pick(w.scores, w.PronunciationAssessment)
		word := speech.Word{
			Word:          w.Word,
			AccuracyScore: ws.AccuracyScore,
			ErrorType:     ws.ErrorType,
		}
		for _, p := range w.Phonemes {
			acc := p.AccuracyScore
			if p.PronunciationAssessment != nil {
				acc = p.PronunciationAssessment.AccuracyScore
			}
			word.Phonemes = append(word.Phonemes, speech.Phoneme{Phoneme: p.Phoneme, AccuracyScore: acc})
		}
		res.Words = append(res.Words, word)
	}
	return res
}

var _ speech.Backend = (*Backend)(nil)

package azure_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/linguavox/pkg/provider/speech"
	"github.com/MrWong99/linguavox/pkg/provider/speech/azure"
)

const successBody = `{
  "RecognitionStatus": "Success",
  "DisplayText": "Buenos días.",
  "NBest": [{
    "Confidence": 0.93,
    "Lexical": "buenos días",
    "Display": "Buenos días.",
    "AccuracyScore": 92.0,
    "FluencyScore": 88.0,
    "CompletenessScore": 100.0,
    "ProsodyScore": 81.5,
    "PronScore": 89.2,
    "Words": [
      {"Word": "buenos", "AccuracyScore": 95.0, "ErrorType": "None",
       "Phonemes": [{"Phoneme": "b", "AccuracyScore": 99.0}, {"Phoneme": "w", "AccuracyScore": 90.0}]},
      {"Word": "días", "AccuracyScore": 70.0, "ErrorType": "Mispronunciation"}
    ]
  }]
}`

// recorder captures the last request seen by the test server.
type recorder struct {
	mu     sync.Mutex
	header http.Header
	query  url.Values
	body   []byte
}

func (r *recorder) get() (http.Header, url.Values, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header, r.query, r.body
}

// newServer returns a test server that records the last request and replies
// with status and body.
func newServer(t *testing.T, status int, body string, rec *recorder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if rec != nil {
			rec.mu.Lock()
			rec.header = r.Header.Clone()
			rec.query = r.URL.Query()
			rec.body = data
			rec.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// recognize runs the full three-handle flow once and releases every handle.
func recognize(t *testing.T, b *azure.Backend, cfg speech.AssessmentConfig, pcm []byte) (*speech.Result, error) {
	t.Helper()
	sc, err := b.NewSpeechConfig(speech.SpeechOptions{Language: "es-ES"})
	if err != nil {
		t.Fatalf("NewSpeechConfig: %v", err)
	}
	defer sc.Close()
	ac, err := b.NewPushAudioConfig(speech.AudioFormat{SampleRate: 16000, BitsPerSample: 16, Channels: 1})
	if err != nil {
		t.Fatalf("NewPushAudioConfig: %v", err)
	}
	defer ac.Close()
	if err := ac.Write(pcm); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ac.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	rec, err := b.NewRecognizer(sc, ac, cfg)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	defer rec.Close()
	return rec.RecognizeOnce(context.Background())
}

func TestRecognizeOnce_Success(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	srv := newServer(t, http.StatusOK, successBody, rec)

	b, err := azure.New("key-123", "", azure.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := recognize(t, b, speech.AssessmentConfig{
		ReferenceText: "buenos días",
		GradingSystem: speech.GradingHundredMark,
		Granularity:   speech.GranularityPhoneme,
		EnableMiscue:  false,
		EnableProsody: true,
	}, make([]byte, 3200))
	if err != nil {
		t.Fatalf("RecognizeOnce: %v", err)
	}

	if res.Reason != speech.ReasonRecognized {
		t.Fatalf("reason: got %v", res.Reason)
	}
	if res.Text != "Buenos días." || res.PronunciationScore != 89.2 || res.ProsodyScore != 81.5 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Words) != 2 || len(res.Words[0].Phonemes) != 2 || res.Words[1].ErrorType != "Mispronunciation" {
		t.Errorf("unexpected word detail: %+v", res.Words)
	}

	header, query, body := rec.get()
	if got := header.Get("Ocp-Apim-Subscription-Key"); got != "key-123" {
		t.Errorf("subscription key header: got %q", got)
	}
	if got := query.Get("language"); got != "es-ES" {
		t.Errorf("language: got %q", got)
	}
	if got := query.Get("format"); got != "detailed" {
		t.Errorf("format: got %q", got)
	}
	if !strings.HasPrefix(string(body), "RIFF") || len(body) != 44+3200 {
		t.Errorf("expected WAV body of %d bytes, got %d", 44+3200, len(body))
	}

	raw, err := base64.StdEncoding.DecodeString(header.Get("Pronunciation-Assessment"))
	if err != nil {
		t.Fatalf("decode assessment header: %v", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		t.Fatalf("unmarshal assessment header: %v", err)
	}
	want := map[string]any{
		"ReferenceText":           "buenos días",
		"GradingSystem":           "HundredMark",
		"Granularity":             "Phoneme",
		"EnableMiscue":            false,
		"EnableProsodyAssessment": true,
	}
	for k, v := range want {
		if params[k] != v {
			t.Errorf("assessment param %s: got %v, want %v", k, params[k], v)
		}
	}
}

func TestRecognizeOnce_NoMatch(t *testing.T) {
	t.Parallel()
	for _, status := range []string{"NoMatch", "InitialSilenceTimeout", "BabbleTimeout"} {
		t.Run(status, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, http.StatusOK, `{"RecognitionStatus":"`+status+`"}`, nil)
			b, _ := azure.New("k", "", azure.WithEndpoint(srv.URL))
			res, err := recognize(t, b, speech.AssessmentConfig{}, make([]byte, 320))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Reason != speech.ReasonNoMatch {
				t.Errorf("reason: got %v, want no_match", res.Reason)
			}
		})
	}
}

func TestRecognizeOnce_ServiceError(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, `{"RecognitionStatus":"Error"}`, nil)
	b, _ := azure.New("k", "", azure.WithEndpoint(srv.URL))
	res, err := recognize(t, b, speech.AssessmentConfig{}, make([]byte, 320))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason != speech.ReasonCanceled {
		t.Errorf("reason: got %v, want canceled", res.Reason)
	}
}

func TestRecognizeOnce_HTTPError(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusUnauthorized, `{"error":"bad key"}`, nil)
	b, _ := azure.New("k", "", azure.WithEndpoint(srv.URL))
	_, err := recognize(t, b, speech.AssessmentConfig{}, make([]byte, 320))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected HTTP 401 error, got %v", err)
	}
}

func TestRecognizeOnce_RequiresCloseWrite(t *testing.T) {
	t.Parallel()
	b, _ := azure.New("k", "westeurope")
	sc, _ := b.NewSpeechConfig(speech.SpeechOptions{Language: "en-US"})
	defer sc.Close()
	ac, _ := b.NewPushAudioConfig(speech.AudioFormat{SampleRate: 16000, BitsPerSample: 16, Channels: 1})
	defer ac.Close()
	rec, err := b.NewRecognizer(sc, ac, speech.AssessmentConfig{})
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	defer rec.Close()
	if _, err := rec.RecognizeOnce(context.Background()); err == nil {
		t.Fatal("expected error when audio stream is still open")
	}
}

func TestNewPushAudioConfig_RejectsFormat(t *testing.T) {
	t.Parallel()
	b, _ := azure.New("k", "westeurope")
	if _, err := b.NewPushAudioConfig(speech.AudioFormat{SampleRate: 48000, BitsPerSample: 16, Channels: 1}); err == nil {
		t.Fatal("expected error for 48 kHz audio")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := azure.New("", "westeurope"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := azure.New("k", ""); err == nil {
		t.Error("expected error when neither region nor endpoint is set")
	}
}

// Package api exposes tutoring sessions over HTTP and WebSocket.
//
// Routes (all JSON):
//
//	POST /v1/sessions                       start a session
//	GET  /v1/sessions/{id}                  session with its turn log
//	GET  /v1/sessions/{id}/instructions     composed persona instructions
//	POST /v1/sessions/{id}/turns            ingest one turn and wait for it
//	POST /v1/sessions/{id}/end              end the session (waits for the report)
//	POST /v1/sessions/{id}/report/retry     retry a failed report
//	GET  /v1/sessions/{id}/stream           WebSocket event stream
//	GET  /v1/users/{userID}/sessions        sessions of a learner
//	GET  /v1/users/{userID}/reports         archived reports (with an archive)
//
// Durations are integer milliseconds and audio is base64 PCM.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	"github.com/MrWong99/linguavox/internal/feedback"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/pronunciation"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/tutor"
)

// defaultMaxBodyBytes bounds request bodies; audio dominates.
const defaultMaxBodyBytes = 16 << 20

// Sessions is the session registry the API serves.
type Sessions interface {
	Start(ctx context.Context, req *tutor.Session) (*tutor.Session, error)
	Get(ctx context.Context, id string) (*tutor.Session, error)
	Controller(ctx context.Context, id, op string) (*session.Controller, error)
	Ingest(ctx context.Context, id string, in session.TurnInput) (*tutor.Turn, error)
	End(ctx context.Context, id string) (*tutor.Session, error)
	RetryReport(ctx context.Context, id string) (*tutor.Session, error)
	List(ctx context.Context, userID string) ([]*tutor.Session, error)
}

// ReportArchive reads archived session reports. [feedback.FileStore]
// implements it.
type ReportArchive interface {
	Reports(userID string) ([]feedback.Record, error)
}

// Option is a functional option for [Server].
type Option func(*Server)

// WithMaxBodyBytes bounds request bodies. Default: 16 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket connections. By default only same-origin connections are
// accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithReportArchive serves archived reports on
// GET /v1/users/{userID}/reports. Without it the route is not mounted.
func WithReportArchive(a ReportArchive) Option {
	return func(s *Server) { s.archive = a }
}

// Server serves the session API.
type Server struct {
	sessions       Sessions
	archive        ReportArchive
	maxBodyBytes   int64
	originPatterns []string
}

// New creates a Server over sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{sessions: sessions, maxBodyBytes: defaultMaxBodyBytes}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the API routes on r.
func (s *Server) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleCreate)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/instructions", s.handleInstructions)
			r.Post("/turns", s.handleTurn)
			r.Post("/end", s.handleEnd)
			r.Post("/report/retry", s.handleRetryReport)
			r.Get("/stream", s.handleStream)
		})
		r.Get("/users/{userID}/sessions", s.handleList)
		if s.archive != nil {
			r.Get("/users/{userID}/reports", s.handleReports)
		}
	})
}

// Handler returns a router serving only the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Register(r)
	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.session())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instructionsResponse{
		SessionID:    sess.ID,
		Mode:         sess.Mode,
		Instructions: sess.Instructions,
	})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req turnRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.checkLanguage(r.Context(), id, req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, r, err)
		return
	}
	turn, err := s.sessions.Ingest(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTurnResponse(turn))
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleRetryReport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RetryReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]sessionSummary, len(list))
	for i, sess := range list {
		out[i] = newSessionSummary(sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	records, err := s.archive.Reports(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]reportRecord, len(records))
	// Newest first, like the session list.
	for i, rec := range records {
		out[len(records)-1-i] = newReportRecord(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": out})
}

// checkLanguage rejects audio declared in a language other than the one the
// session's learner is learning.
func (s *Server) checkLanguage(ctx context.Context, id string, req turnRequest) error {
	if req.Audio == nil || req.Audio.LearningLanguage == "" {
		return nil
	}
	declared, err := language.Parse(req.Audio.LearningLanguage)
	if err != nil {
		return tutor.InvalidInput("audio.learningLanguage %q is not a BCP-47 tag", req.Audio.LearningLanguage)
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if want := language.Make(sess.Profile.LearningLanguage); declared != want {
		return tutor.InvalidInput("audio.learningLanguage %s does not match the session's %s", declared, want)
	}
	return nil
}

// decode reads a JSON body into v. On failure it writes a 400 and reports
// false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeError(w, r, tutor.InvalidInput("decode request: %v", err))
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusTooManyRequests, "session_limit"
	case errors.Is(err, tutor.ErrStateViolation):
		return http.StatusConflict, "state_violation"
	case errors.Is(err, pronunciation.ErrNoSpeech):
		return http.StatusUnprocessableEntity, "no_speech"
	case errors.Is(err, tutor.ErrSchemaViolation):
		return http.StatusBadGateway, "schema_violation"
	case errors.Is(err, tutor.ErrProvider):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, tutor.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, tutor.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func errorFor(err error) errorBody {
	_, code := statusFor(err)
	return errorBody{Code: code, Message: err.Error()}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

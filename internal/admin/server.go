// Package admin is the administrative HTTP API: forbidden-term edits,
// moderation decisions, violation review and user trust state.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-dlp/internal/ban"
	"github.com/whisper/chat-dlp/internal/chat"
	"github.com/whisper/chat-dlp/internal/dlp"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/metrics"
	"github.com/whisper/chat-dlp/internal/moderation"
	"github.com/whisper/chat-dlp/internal/termset"
	"github.com/whisper/chat-dlp/internal/verdict"
	"github.com/whisper/chat-dlp/internal/violation"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodySize  = 64 * 1024
)

// Keywords is the persisted forbidden-term set. *termset.Store satisfies it.
type Keywords interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, term string) (bool, error)
	Remove(ctx context.Context, term string) (bool, error)
}

// Artifacts is the moderation queue. *moderation.Workflow satisfies it.
type Artifacts interface {
	Get(ctx context.Context, id uuid.UUID) (moderation.Artifact, error)
	List(ctx context.Context, f moderation.Filter) ([]moderation.Artifact, error)
	Pending(ctx context.Context, limit int) ([]moderation.Artifact, error)
	Decide(ctx context.Context, id uuid.UUID, d moderation.Decision) (moderation.Artifact, error)
	SubmitForScan(ctx context.Context, id uuid.UUID) (moderation.Artifact, error)
}

// Violations is the violation log. *violation.Store satisfies it.
type Violations interface {
	List(ctx context.Context, f violation.Filter) ([]violation.Record, error)
	MarkReviewed(ctx context.Context, id uuid.UUID) error
	CountByUser(ctx context.Context, userID string) (int, error)
}

// Messages is the delivered message log. *chat.Store satisfies it.
type Messages interface {
	Recent(ctx context.Context, limit int) ([]chat.Message, error)
}

// Trust is the escalation tracker. *ban.Tracker satisfies it.
type Trust interface {
	State(ctx context.Context, userID string) (ban.TrustState, error)
	ResetViolations(ctx context.Context, userID string) error
	Ban(ctx context.Context, userID string) error
	Unban(ctx context.Context, userID string) error
}

// Verdicts is the URL verdict history. *verdict.Store satisfies it.
type Verdicts interface {
	History(ctx context.Context, url string) ([]verdict.Record, error)
	List(ctx context.Context, pendingOnly bool, limit int) ([]verdict.Record, error)
}

// ChangeNotifier tells inspectors that the term set changed.
type ChangeNotifier interface {
	KeywordsChanged(c termset.Change) error
}

// Deps are the collaborators of a Server. Checks are run by /health.
type Deps struct {
	Keywords   Keywords
	Sensitive  *dlp.SensitiveScanner
	Artifacts  Artifacts
	Violations Violations
	Messages   Messages
	Trust      Trust
	Verdicts   Verdicts
	Notifier   ChangeNotifier
	Checks     map[string]func(ctx context.Context) error
}

// Server serves the admin API.
type Server struct {
	Deps
	log zerolog.Logger
}

// NewServer creates an admin server.
func NewServer(d Deps) *Server {
	return &Server{Deps: d, log: logging.Component("admin")}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/keywords", s.ListKeywords).Methods("GET")
	api.HandleFunc("/keywords", s.AddKeyword).Methods("POST")
	api.HandleFunc("/keywords/test", s.TestText).Methods("POST")
	api.HandleFunc("/keywords/{term}", s.RemoveKeyword).Methods("DELETE")

	api.HandleFunc("/artifacts", s.ListArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/pending", s.PendingArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/{id}", s.GetArtifact).Methods("GET")
	api.HandleFunc("/artifacts/{id}/{decision:approve|reject}", s.DecideArtifact).Methods("POST")
	api.HandleFunc("/artifacts/{id}/scan", s.ScanArtifact).Methods("POST")

	api.HandleFunc("/violations", s.ListViolations).Methods("GET")
	api.HandleFunc("/violations/{id}/review", s.ReviewViolation).Methods("POST")

	api.HandleFunc("/messages", s.RecentMessages).Methods("GET")

	api.HandleFunc("/users/{id}/trust", s.GetTrust).Methods("GET")
	api.HandleFunc("/users/{id}/reset", s.ResetUser).Methods("POST")
	api.HandleFunc("/users/{id}/ban", s.BanUser).Methods("POST")
	api.HandleFunc("/users/{id}/unban", s.UnbanUser).Methods("POST")

	api.HandleFunc("/verdicts", s.ListVerdicts).Methods("GET")

	return r
}

// Health reports every configured dependency check.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.Checks))
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	respondJSON(w, status, map[string]any{"healthy": status == http.StatusOK, "checks": checks})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg, Code: status}
	if err != nil {
		resp.Message = err.Error()
	}
	respondJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, moderation.ErrNotFound), errors.Is(err, violation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, moderation.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, moderation.ErrInvalidDecision), errors.Is(err, moderation.ErrInvalidArtifact):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server-side errors and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	}
	respondError(w, status, msg, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "request body parsing error", err)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id", err)
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit reads ?limit=, clamped to maxLimit.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/whisper/chat-dlp/internal/ban"
	"github.com/whisper/chat-dlp/internal/violation"
)

// ListViolations lists violation records, newest first. Query: reviewed
// (true|false), user_id, limit.
func (s *Server) ListViolations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	q := r.URL.Query()
	f := violation.Filter{UserID: q.Get("user_id"), Limit: limit}
	if v := q.Get("reviewed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid reviewed flag", err)
			return
		}
		f.Reviewed = &b
	}

	list, err := s.Violations.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, "list violations failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"violations": list, "count": len(list)})
}

func (s *Server) ReviewViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := s.Violations.MarkReviewed(r.Context(), id); err != nil {
		s.fail(w, r, "review violation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "reviewed": true})
}

// trustResponse is the escalation state plus the number of stored
// violation records, which survives a counter reset.
type trustResponse struct {
	ban.TrustState
	RecordedViolations int `json:"recorded_violations"`
}

func (s *Server) trustState(ctx context.Context, userID string) (trustResponse, error) {
	st, err := s.Trust.State(ctx, userID)
	if err != nil {
		return trustResponse{}, err
	}
	n, err := s.Violations.CountByUser(ctx, userID)
	if err != nil {
		return trustResponse{}, err
	}
	return trustResponse{TrustState: st, RecordedViolations: n}, nil
}

func (s *Server) GetTrust(w http.ResponseWriter, r *http.Request) {
	st, err := s.trustState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, "get trust state failed", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// ResetUser zeroes the violation counter. An automatic ban goes with it.
func (s *Server) ResetUser(w http.ResponseWriter, r *http.Request) {
	s.trustAction(w, r, "reset", s.Trust.ResetViolations)
}

func (s *Server) BanUser(w http.ResponseWriter, r *http.Request) {
	s.trustAction(w, r, "ban", s.Trust.Ban)
}

func (s *Server) UnbanUser(w http.ResponseWriter, r *http.Request) {
	s.trustAction(w, r, "unban", s.Trust.Unban)
}

// trustAction applies op and answers with the resulting trust state.
func (s *Server) trustAction(w http.ResponseWriter, r *http.Request, name string, op func(ctx context.Context, userID string) error) {
	userID := mux.Vars(r)["id"]
	if err := op(r.Context(), userID); err != nil {
		s.fail(w, r, name+" failed", err)
		return
	}
	s.log.Info().Str("user", userID).Str("action", name).Msg("trust state changed")

	st, err := s.trustState(r.Context(), userID)
	if err != nil {
		s.fail(w, r, "get trust state failed", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// RecentMessages returns the newest delivered messages, oldest first.
func (s *Server) RecentMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	list, err := s.Messages.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list messages failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": list, "count": len(list)})
}

// ListVerdicts returns the history of one URL (?url=) or the newest rows
// across all URLs (?pending=true for unreviewed only).
func (s *Server) ListVerdicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if u := q.Get("url"); u != "" {
		list, err := s.Verdicts.History(r.Context(), u)
		if err != nil {
			s.fail(w, r, "verdict history failed", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"url": u, "verdicts": list, "count": len(list)})
		return
	}

	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	pending, _ := strconv.ParseBool(q.Get("pending"))
	list, err := s.Verdicts.List(r.Context(), pending, limit)
	if err != nil {
		s.fail(w, r, "list verdicts failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"verdicts": list, "count": len(list)})
}

package admin

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/whisper/chat-dlp/internal/moderation"
)

// ListArtifacts lists artifacts. Query: status (comma separated), kind,
// mode, limit.
func (s *Server) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	q := r.URL.Query()
	f := moderation.Filter{
		Kind:  moderation.Kind(q.Get("kind")),
		Mode:  moderation.Mode(q.Get("mode")),
		Limit: limit,
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, moderation.Status(strings.TrimSpace(st)))
		}
	}

	list, err := s.Artifacts.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, "list artifacts failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifacts": list, "count": len(list)})
}

// PendingArtifacts is the moderation queue: pending and suspicious items,
// oldest first.
func (s *Server) PendingArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	list, err := s.Artifacts.Pending(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list pending artifacts failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifacts": list, "count": len(list)})
}

func (s *Server) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	a, err := s.Artifacts.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get artifact failed", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// DecideArtifact approves or rejects an artifact. Repeating a decision
// returns the artifact unchanged; contradicting one answers 409.
func (s *Server) DecideArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	d, err := moderation.ParseDecision(mux.Vars(r)["decision"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid decision", err)
		return
	}

	a, err := s.Artifacts.Decide(r.Context(), id, d)
	if err != nil {
		s.fail(w, r, "decision failed", err)
		return
	}
	s.log.Info().Stringer("artifact", id).Str("decision", string(d)).Str("status", string(a.Status)).Msg("artifact decided")
	respondJSON(w, http.StatusOK, a)
}

// ScanArtifact runs the reputation scan now. An inconclusive scan answers
// 202 with the artifact still open.
func (s *Server) ScanArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	a, err := s.Artifacts.SubmitForScan(r.Context(), id)
	if err != nil {
		s.fail(w, r, "scan failed", err)
		return
	}
	status := http.StatusOK
	if !a.Status.Terminal() {
		status = http.StatusAccepted
	}
	respondJSON(w, status, a)
}

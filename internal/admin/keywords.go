package admin

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/whisper/chat-dlp/internal/dlp"
	"github.com/whisper/chat-dlp/internal/termset"
)

type keywordRequest struct {
	Term string `json:"term"`
}

type textRequest struct {
	Text string `json:"text"`
}

// TextReport is the dry-run answer of TestText. Links are listed without a
// reputation lookup.
type TextReport struct {
	Blocked      bool          `json:"blocked"`
	MatchedTerms []string      `json:"matched_terms"`
	Findings     []dlp.Finding `json:"findings"`
	Links        []string      `json:"links"`
}

func (s *Server) ListKeywords(w http.ResponseWriter, r *http.Request) {
	terms, err := s.Keywords.List(r.Context())
	if err != nil {
		s.fail(w, r, "list keywords failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"keywords": terms, "count": len(terms)})
}

func (s *Server) AddKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	term := strings.ToLower(strings.TrimSpace(req.Term))
	if term == "" {
		respondError(w, http.StatusBadRequest, "term is required", nil)
		return
	}

	added, err := s.Keywords.Add(r.Context(), term)
	if err != nil {
		s.fail(w, r, "add keyword failed", err)
		return
	}
	if added {
		s.announce(termset.Change{Action: termset.ActionAdded, Term: term})
		respondJSON(w, http.StatusCreated, map[string]any{"term": term, "added": true})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"term": term, "added": false})
}

func (s *Server) RemoveKeyword(w http.ResponseWriter, r *http.Request) {
	term := strings.ToLower(strings.TrimSpace(mux.Vars(r)["term"]))

	removed, err := s.Keywords.Remove(r.Context(), term)
	if err != nil {
		s.fail(w, r, "remove keyword failed", err)
		return
	}
	if removed {
		s.announce(termset.Change{Action: termset.ActionRemoved, Term: term})
	}
	respondJSON(w, http.StatusOK, map[string]any{"term": term, "removed": removed})
}

// TestText runs the keyword and sensitive-data checks against the persisted
// term set without recording anything.
func (s *Server) TestText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeBody(w, r, &req) {
		return
	}
	terms, err := s.Keywords.List(r.Context())
	if err != nil {
		s.fail(w, r, "list keywords failed", err)
		return
	}

	kw := dlp.NewKeywordMatcher(terms).Analyze(req.Text)
	rep := TextReport{
		Blocked:      kw.Blocked,
		MatchedTerms: kw.MatchedTerms,
		Links:        dlp.ExtractLinks(req.Text),
	}
	if s.Sensitive != nil {
		rep.Findings = s.Sensitive.Analyze(req.Text).Findings
	}
	respondJSON(w, http.StatusOK, rep)
}

// announce is best effort: the store already holds the edit and inspectors
// also reload on restart.
func (s *Server) announce(c termset.Change) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.KeywordsChanged(c); err != nil {
		s.log.Warn().Err(err).Str("action", c.Action).Msg("keyword change not announced")
	}
}

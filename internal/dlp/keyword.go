package dlp

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/whisper/chat-dlp/internal/metrics"
)

// DefaultKeywords is the seed forbidden-term set used when neither the policy
// file nor the persisted term store provides one.
var DefaultKeywords = []string{
	"конфиденциально",
	"секретно",
	"пароль",
	"password",
	"банковская карта",
	"кредитная карта",
}

// KeywordResult is the outcome of a forbidden-term scan.
type KeywordResult struct {
	Blocked      bool
	MatchedTerms []string
}

// termSnapshot is an immutable forbidden-term set. A snapshot is never
// modified after it has been published through KeywordMatcher.current.
type termSnapshot struct {
	terms []string // insertion order, lowercase, unique
	index map[string]struct{}
}

func newSnapshot(terms []string) *termSnapshot {
	s := &termSnapshot{
		terms: make([]string, 0, len(terms)),
		index: make(map[string]struct{}, len(terms)),
	}
	for _, t := range terms {
		t = normalizeTerm(t)
		if t == "" {
			continue
		}
		if _, dup := s.index[t]; dup {
			continue
		}
		s.index[t] = struct{}{}
		s.terms = append(s.terms, t)
	}
	return s
}

func normalizeTerm(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// KeywordMatcher finds forbidden terms in message text. Scans read the
// current snapshot without locking; writers build a new snapshot and swap it
// in, so a scan never sees a partially updated set.
type KeywordMatcher struct {
	current atomic.Pointer[termSnapshot]
	writeMu sync.Mutex
}

// NewKeywordMatcher returns a matcher seeded with terms.
func NewKeywordMatcher(terms []string) *KeywordMatcher {
	m := &KeywordMatcher{}
	m.publish(newSnapshot(terms))
	return m
}

func (m *KeywordMatcher) publish(s *termSnapshot) {
	m.current.Store(s)
	metrics.ForbiddenTerms.Set(float64(len(s.terms)))
}

// Analyze lowercases text and reports every distinct term it contains, in
// order of first occurrence.
func (m *KeywordMatcher) Analyze(text string) KeywordResult {
	snap := m.current.Load()
	lower := strings.ToLower(text)

	type hit struct {
		term string
		pos  int
	}
	var hits []hit
	for _, term := range snap.terms {
		if pos := strings.Index(lower, term); pos >= 0 {
			hits = append(hits, hit{term: term, pos: pos})
		}
	}
	if len(hits) == 0 {
		return KeywordResult{}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	matched := make([]string, len(hits))
	for i, h := range hits {
		matched[i] = h.term
	}
	return KeywordResult{Blocked: true, MatchedTerms: matched}
}

// Add inserts term into the set. It reports false when the term is empty or
// already present; neither case is an error.
func (m *KeywordMatcher) Add(term string) bool {
	term = normalizeTerm(term)
	if term == "" {
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.current.Load()
	if _, ok := old.index[term]; ok {
		return false
	}
	next := make([]string, len(old.terms), len(old.terms)+1)
	copy(next, old.terms)
	m.publish(newSnapshot(append(next, term)))
	return true
}

// Remove deletes term from the set. It reports false when the term was not
// present.
func (m *KeywordMatcher) Remove(term string) bool {
	term = normalizeTerm(term)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.current.Load()
	if _, ok := old.index[term]; !ok {
		return false
	}
	next := make([]string, 0, len(old.terms)-1)
	for _, t := range old.terms {
		if t != term {
			next = append(next, t)
		}
	}
	m.publish(newSnapshot(next))
	return true
}

// Replace swaps in a complete new term set.
func (m *KeywordMatcher) Replace(terms []string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.publish(newSnapshot(terms))
}

// Terms returns a copy of the current set in insertion order.
func (m *KeywordMatcher) Terms() []string {
	snap := m.current.Load()
	out := make([]string, len(snap.terms))
	copy(out, snap.terms)
	return out
}

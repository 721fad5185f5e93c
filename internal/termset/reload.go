package termset

import (
	"context"
	"encoding/json"
	"fmt"
)

// Change actions carried on the keywords-changed subject.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// Change announces an edit of the persisted set. Receivers reload the whole
// set rather than applying the delta, so a lost event is healed by the next.
type Change struct {
	Action string `json:"action"`
	Term   string `json:"term"`
}

// Matcher is the in-memory term set an inspector scans with.
// *dlp.KeywordMatcher satisfies it.
type Matcher interface {
	Replace(terms []string)
}

// Lister is the read side of Store.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Reload swaps the persisted set into m and returns its size. On error m
// keeps its previous terms.
func Reload(ctx context.Context, src Lister, m Matcher) (int, error) {
	terms, err := src.List(ctx)
	if err != nil {
		return 0, err
	}
	m.Replace(terms)
	return len(terms), nil
}

// DecodeChange parses a keywords-changed event.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("termset: decode change: %w", err)
	}
	return c, nil
}

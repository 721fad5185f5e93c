// Package dlp implements the content-inspection pipeline for outbound chat
// messages: forbidden keywords, links with their reputation verdicts and
// structured personal data, evaluated in that order.
//
// The engine performs no persistence or delivery. It returns a Verdict and
// leaves the side effects (storing, broadcasting, violation records,
// escalation, holding for moderation) to the caller.
package dlp

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-dlp/internal/metrics"
)

// URLStatus is the reviewed reputation of a link.
type URLStatus string

const (
	URLUnknown    URLStatus = "unknown"
	URLPending    URLStatus = "pending"
	URLSafe       URLStatus = "safe"
	URLMalicious  URLStatus = "malicious"
	URLSuspicious URLStatus = "suspicious"
)

// VerdictLookup returns the most recent reviewed status for url, or
// URLUnknown when nothing has been reviewed.
type VerdictLookup func(ctx context.Context, url string) (URLStatus, error)

// User identifies the sender of an inspected message.
type User struct {
	ID          string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"is_admin"`
}

// Input is what every stage sees.
type Input struct {
	Text   string
	User   User
	Lookup VerdictLookup
}

// Stage is one step of the pipeline. A nil Verdict means continue with the
// next stage.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, in Input) Verdict
}

// lookupConcurrency bounds parallel verdict lookups for one message.
const lookupConcurrency = 4

// Engine runs the stages in order and returns the first terminal verdict.
// It is safe for concurrent use.
type Engine struct {
	stages []Stage
}

// NewEngine builds the standard keyword, links, sensitive pipeline.
func NewEngine(keywords *KeywordMatcher, sensitive *SensitiveScanner) *Engine {
	return &Engine{
		stages: []Stage{
			keywordStage{m: keywords},
			linkStage{},
			sensitiveStage{s: sensitive},
		},
	}
}

// Stages returns the stage names in evaluation order.
func (e *Engine) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// Inspect decides what happens to text sent by user. lookup resolves link
// verdicts; a nil lookup treats every link as unknown.
func (e *Engine) Inspect(ctx context.Context, text string, user User, lookup VerdictLookup) Verdict {
	start := time.Now()
	in := Input{Text: text, User: user, Lookup: lookup}

	var v Verdict = Allow{}
	for _, s := range e.stages {
		if out := s.Evaluate(ctx, in); out != nil {
			v = out
			break
		}
	}

	metrics.InspectionsTotal.WithLabelValues(string(v.Status())).Inc()
	metrics.InspectionDuration.Observe(time.Since(start).Seconds())
	return v
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

type keywordStage struct {
	m *KeywordMatcher
}

func (keywordStage) Name() string { return "keyword" }

func (s keywordStage) Evaluate(_ context.Context, in Input) Verdict {
	res := s.m.Analyze(in.Text)
	if !res.Blocked {
		return nil
	}
	return KeywordBlock{Terms: res.MatchedTerms}
}

type linkStage struct{}

func (linkStage) Name() string { return "links" }

func (linkStage) Evaluate(ctx context.Context, in Input) Verdict {
	urls := ExtractLinks(in.Text)
	if len(urls) == 0 {
		return nil
	}
	if in.Lookup == nil {
		return URLModeration{URLs: urls}
	}

	statuses := make([]URLStatus, len(urls))
	errs := make([]error, len(urls))

	// Lookup errors are collected per link rather than returned, so one
	// failing lookup does not cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			statuses[i], errs[i] = in.Lookup(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	var malicious []string
	failed, unknown := false, false
	for i := range urls {
		switch {
		case errs[i] != nil:
			failed = true
		case statuses[i] == URLMalicious:
			malicious = append(malicious, urls[i])
		case statuses[i] != URLSafe:
			unknown = true
		}
	}

	switch {
	case len(malicious) > 0:
		return LinkBlock{URLs: malicious}
	case failed:
		return URLCheckRequired{URLs: urls}
	case unknown:
		return URLModeration{URLs: urls}
	}
	return nil
}

type sensitiveStage struct {
	s *SensitiveScanner
}

func (sensitiveStage) Name() string { return "sensitive" }

func (s sensitiveStage) Evaluate(_ context.Context, in Input) Verdict {
	res := s.s.Analyze(in.Text)
	if !res.HasSensitiveData {
		return nil
	}
	return SensitiveWarning{Findings: res.Findings, MaxSeverity: res.MaxSeverity}
}

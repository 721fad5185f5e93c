package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-dlp/internal/dlp"
	"github.com/whisper/chat-dlp/internal/logging"
	"github.com/whisper/chat-dlp/internal/metrics"
	"github.com/whisper/chat-dlp/internal/scanner"
)

// scanConcurrency bounds parallel scans for the links of one message.
const scanConcurrency = 4

// publishLease is how long one caller may hold an artifact's publication
// before another caller (usually the sweep) may retry it.
const publishLease = time.Minute

// VerdictRecorder receives the URL verdicts produced by scans and manual
// decisions. *verdict.Store satisfies it.
type VerdictRecorder interface {
	ObservePending(ctx context.Context, url string, artifactID uuid.UUID) error
	RecordReviewed(ctx context.Context, url string, status dlp.URLStatus, scanResult json.RawMessage, artifactID *uuid.UUID) error
}

// Publisher is told about every artifact that reached a terminal status.
// Calls for one artifact never overlap, but a call that failed, or whose
// success could not be recorded, is repeated. Implementations must tolerate
// seeing an artifact again.
type Publisher interface {
	PublishResolved(ctx context.Context, a Artifact) error
}

// TargetResult is the scanner's answer for one link or file.
type TargetResult struct {
	Target  string         `json:"target"`
	Status  scanner.Status `json:"status"`
	Summary string         `json:"summary,omitempty"`
	Stats   *scanner.Stats `json:"stats,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ScanReport is stored as the artifact's scan_result.
type ScanReport struct {
	Outcome   Status         `json:"outcome"`
	Results   []TargetResult `json:"results"`
	ScannedAt time.Time      `json:"scanned_at"`
}

// Workflow drives artifacts through the moderation state machine.
type Workflow struct {
	store       Store
	scanner     scanner.Scanner
	verdicts    VerdictRecorder
	publisher   Publisher
	scanTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewWorkflow wires a workflow. scanTimeout bounds one SubmitForScan call;
// when it expires the artifact stays pending.
func NewWorkflow(store Store, sc scanner.Scanner, verdicts VerdictRecorder, pub Publisher, scanTimeout time.Duration) *Workflow {
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	return &Workflow{
		store:       store,
		scanner:     sc,
		verdicts:    verdicts,
		publisher:   pub,
		scanTimeout: scanTimeout,
		log:         logging.Component("moderation"),
		now:         time.Now,
	}
}

// Intake stores a new pending artifact. ID, status and timestamps are
// assigned here. For held messages every link is also recorded as an
// unreviewed pending verdict.
func (w *Workflow) Intake(ctx context.Context, a *Artifact) error {
	if err := a.validate(); err != nil {
		return err
	}
	now := w.now().UTC()
	a.ID = uuid.New()
	a.Status = StatusPending
	a.CreatedAt, a.UpdatedAt = now, now
	a.ResolvedAt = nil
	a.ScanResult = nil

	if err := w.store.Create(ctx, a); err != nil {
		return err
	}

	if a.Kind == KindMessage && w.verdicts != nil {
		for _, u := range a.URLs {
			if err := w.verdicts.ObservePending(ctx, u, a.ID); err != nil {
				w.log.Warn().Err(err).Str("url", u).Stringer("artifact", a.ID).Msg("record pending verdict")
			}
		}
	}

	w.log.Info().
		Stringer("artifact", a.ID).
		Str("kind", string(a.Kind)).
		Str("mode", string(a.Mode)).
		Str("user", a.UserID).
		Msg("artifact queued for moderation")
	return nil
}

// Get returns one artifact.
func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (Artifact, error) {
	return w.store.Get(ctx, id)
}

// List returns artifacts matching f.
func (w *Workflow) List(ctx context.Context, f Filter) ([]Artifact, error) {
	return w.store.List(ctx, f)
}

// Pending returns the artifacts still waiting for a decision.
func (w *Workflow) Pending(ctx context.Context, limit int) ([]Artifact, error) {
	return w.store.List(ctx, Filter{Statuses: OpenStatuses, Limit: limit})
}

// SubmitForScan asks the reputation scanner about an artifact and applies
// the outcome. The scan runs under the workflow's timeout and no state is
// written until it returns. Scanner errors, timeouts and unfinished scans
// leave the artifact pending. Only pending artifacts are scanned: a
// suspicious one waits for an administrator, and a terminal one only has
// its outcome published again if that never went out.
func (w *Workflow) SubmitForScan(ctx context.Context, id uuid.UUID) (Artifact, error) {
	a, err := w.store.Get(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	if a.Status.Terminal() {
		return w.publish(ctx, a)
	}
	if a.Status != StatusPending {
		return a, nil
	}

	report := w.scan(ctx, a)
	raw, err := json.Marshal(report)
	if err != nil {
		return a, fmt.Errorf("moderation: encode scan report: %w", err)
	}

	if report.Outcome == StatusPending {
		if err := w.store.Annotate(ctx, a.ID, raw); err != nil {
			return a, err
		}
		w.recordScanVerdicts(ctx, a, report)
		a.ScanResult = raw
		w.log.Info().Stringer("artifact", a.ID).Msg("scan inconclusive, left for manual review")
		return a, nil
	}

	updated, changed, err := w.store.Transition(ctx, a.ID, report.Outcome, raw)
	if err != nil {
		return a, err
	}
	if !changed {
		w.log.Debug().Stringer("artifact", a.ID).Str("status", string(updated.Status)).Msg("artifact resolved concurrently")
		return w.publish(ctx, updated)
	}
	w.recordScanVerdicts(ctx, updated, report)

	w.log.Info().
		Stringer("artifact", updated.ID).
		Str("status", string(updated.Status)).
		Msg("artifact scanned")

	if !updated.Status.Terminal() {
		return updated, nil
	}
	return w.resolved(ctx, updated)
}

// Decide applies an administrator's decision. Deciding on a terminal
// artifact returns it unchanged when the decision agrees with its status
// (publishing it again if its outcome never went out) and ErrConflict when
// it does not.
func (w *Workflow) Decide(ctx context.Context, id uuid.UUID, d Decision) (Artifact, error) {
	if d != Approve && d != Reject {
		return Artifact{}, ErrInvalidDecision
	}

	updated, changed, err := w.store.Transition(ctx, id, d.target(), nil)
	if err != nil {
		return Artifact{}, err
	}
	if !changed {
		if d.agrees(updated.Status) {
			return w.publish(ctx, updated)
		}
		return updated, fmt.Errorf("%w: artifact %s is already %s", ErrConflict, id, updated.Status)
	}

	if updated.Kind == KindMessage && w.verdicts != nil {
		status := dlp.URLSafe
		if d == Reject {
			status = dlp.URLMalicious
		}
		note, _ := json.Marshal(map[string]string{"source": "admin", "decision": string(d)})
		for _, u := range updated.URLs {
			if err := w.verdicts.RecordReviewed(ctx, u, status, note, &updated.ID); err != nil {
				w.log.Warn().Err(err).Str("url", u).Msg("record manual verdict")
			}
		}
	}

	w.log.Info().
		Stringer("artifact", updated.ID).
		Str("decision", string(d)).
		Msg("artifact decided")
	return w.resolved(ctx, updated)
}

// resolved runs once per artifact, right after the winning transition.
func (w *Workflow) resolved(ctx context.Context, a Artifact) (Artifact, error) {
	metrics.ArtifactsResolved.WithLabelValues(string(a.Status)).Inc()
	return w.publish(ctx, a)
}

// publish hands a terminal artifact to the publisher unless its outcome
// already went out or another caller is publishing it right now.
func (w *Workflow) publish(ctx context.Context, a Artifact) (Artifact, error) {
	if !a.Status.Terminal() || a.PublishedAt != nil {
		return a, nil
	}
	claimed, err := w.store.ClaimPublish(ctx, a.ID, publishLease)
	if err != nil {
		return a, err
	}
	if !claimed {
		return a, nil
	}

	var perr error
	if w.publisher != nil {
		perr = w.publisher.PublishResolved(ctx, a)
	}
	if err := w.store.FinishPublish(ctx, a.ID, perr == nil); err != nil {
		// The claim lapses after publishLease and the sweep picks it up.
		w.log.Warn().Err(err).Stringer("artifact", a.ID).Bool("published", perr == nil).Msg("record publish")
	}
	if perr != nil {
		return a, fmt.Errorf("moderation: publish %s: %w", a.ID, perr)
	}

	now := w.now().UTC()
	a.PublishedAt = &now
	return a, nil
}

// scan runs every target of a under one deadline.
func (w *Workflow) scan(ctx context.Context, a Artifact) ScanReport {
	ctx, cancel := context.WithTimeout(ctx, w.scanTimeout)
	defer cancel()

	targets := a.Targets()
	results := make([]TargetResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = w.scanOne(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return ScanReport{
		Outcome:   aggregate(results),
		Results:   results,
		ScannedAt: w.now().UTC(),
	}
}

type scanAnswer struct {
	res scanner.Result
	err error
}

// scanOne stops waiting at the deadline even if the scanner does not.
func (w *Workflow) scanOne(ctx context.Context, t scanner.Target) TargetResult {
	start := time.Now()
	ch := make(chan scanAnswer, 1)
	go func() {
		res, err := w.scanner.Scan(ctx, t)
		ch <- scanAnswer{res: res, err: err}
	}()

	var ans scanAnswer
	select {
	case ans = <-ch:
	case <-ctx.Done():
		ans.err = ctx.Err()
	}
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	out := TargetResult{Target: t.String()}
	if ans.err != nil {
		out.Status = scanner.StatusError
		out.Error = ans.err.Error()
		label := "error"
		if errors.Is(ans.err, context.DeadlineExceeded) {
			label = "timeout"
		}
		metrics.ScansTotal.WithLabelValues(label).Inc()
		w.log.Warn().Err(ans.err).Str("target", out.Target).Msg("scan failed")
		return out
	}

	out.Status = ans.res.Status
	out.Summary = ans.res.Summary
	if ans.res.Stats.Total() > 0 {
		stats := ans.res.Stats
		out.Stats = &stats
	}
	metrics.ScansTotal.WithLabelValues(string(out.Status)).Inc()
	return out
}

// aggregate folds per-target answers into one outcome: any malicious target
// condemns the artifact, then any unanswered target keeps it pending, then
// any suspicious target marks it suspicious. Only an all-clean scan is safe.
func aggregate(results []TargetResult) Status {
	if len(results) == 0 {
		return StatusPending
	}
	var inconclusive, suspicious bool
	for _, r := range results {
		switch r.Status {
		case scanner.StatusMalicious:
			return StatusMalicious
		case scanner.StatusSuspicious:
			suspicious = true
		case scanner.StatusClean:
		default:
			inconclusive = true
		}
	}
	switch {
	case inconclusive:
		return StatusPending
	case suspicious:
		return StatusSuspicious
	default:
		return StatusSafe
	}
}

// recordScanVerdicts appends a reviewed verdict for every link the scanner
// answered conclusively.
func (w *Workflow) recordScanVerdicts(ctx context.Context, a Artifact, report ScanReport) {
	if a.Kind != KindMessage || w.verdicts == nil {
		return
	}
	for _, r := range report.Results {
		var status dlp.URLStatus
		switch r.Status {
		case scanner.StatusClean:
			status = dlp.URLSafe
		case scanner.StatusMalicious:
			status = dlp.URLMalicious
		case scanner.StatusSuspicious:
			status = dlp.URLSuspicious
		default:
			continue
		}
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		if err := w.verdicts.RecordReviewed(ctx, r.Target, status, raw, &a.ID); err != nil {
			w.log.Warn().Err(err).Str("url", r.Target).Msg("record scan verdict")
		}
	}
}

package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-dlp/internal/dlp"
	"github.com/whisper/chat-dlp/internal/scanner"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu     sync.Mutex
	items  map[uuid.UUID]Artifact
	leases map[uuid.UUID]time.Time
	now    func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		items:  make(map[uuid.UUID]Artifact),
		leases: make(map[uuid.UUID]time.Time),
		now:    time.Now,
	}
}

func (m *memStore) Create(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.ID] = *a
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a, nil
}

func (m *memStore) Transition(_ context.Context, id uuid.UUID, to Status, scanResult json.RawMessage) (Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return Artifact{}, false, ErrNotFound
	}
	if a.Status.Terminal() {
		return a, false, nil
	}
	a.Status = to
	if scanResult != nil {
		a.ScanResult = scanResult
	}
	a.UpdatedAt = m.now()
	if to.Terminal() {
		now := m.now()
		a.ResolvedAt = &now
	}
	m.items[id] = a
	return a, true, nil
}

func (m *memStore) Annotate(_ context.Context, id uuid.UUID, scanResult json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if ok && !a.Status.Terminal() {
		a.ScanResult = scanResult
		a.UpdatedAt = m.now()
		m.items[id] = a
	}
	return nil
}

// claimable must be called with mu held.
func (m *memStore) claimable(a Artifact) bool {
	if !a.Status.Terminal() || a.PublishedAt != nil {
		return false
	}
	until, held := m.leases[a.ID]
	return !held || until.Before(m.now())
}

func (m *memStore) ClaimPublish(_ context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || !m.claimable(a) {
		return false, nil
	}
	m.leases[id] = m.now().Add(lease)
	return true, nil
}

func (m *memStore) FinishPublish(_ context.Context, id uuid.UUID, published bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, id)
	if a, ok := m.items[id]; ok && published {
		now := m.now()
		a.PublishedAt = &now
		m.items[id] = a
	}
	return nil
}

// List mirrors PGStore: filters, ordering and the default limit.
func (m *memStore) List(_ context.Context, f Filter) ([]Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Artifact
	for _, a := range m.items {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		if f.Mode != "" && a.Mode != f.Mode {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !a.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if f.Unpublished && !m.claimable(a) {
			continue
		}
		out = append(out, a)
	}
	if f.UpdatedBefore.IsZero() {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeScanner struct {
	results map[string]scanner.Result
	errs    map[string]error
	stuck   chan struct{} // when set, Scan ignores ctx and blocks on it
	calls   atomic.Int32
}

func (f *fakeScanner) Scan(ctx context.Context, t scanner.Target) (scanner.Result, error) {
	f.calls.Add(1)
	if f.stuck != nil {
		<-f.stuck
		return scanner.Result{Status: scanner.StatusClean}, nil
	}
	if err := ctx.Err(); err != nil {
		return scanner.Result{}, err
	}
	if err := f.errs[t.String()]; err != nil {
		return scanner.Result{}, err
	}
	if r, ok := f.results[t.String()]; ok {
		return r, nil
	}
	return scanner.Result{Status: scanner.StatusClean, Summary: "no threats found"}, nil
}

type verdictCall struct {
	url      string
	status   dlp.URLStatus
	reviewed bool
}

type fakeVerdicts struct {
	mu    sync.Mutex
	calls []verdictCall
}

func (f *fakeVerdicts) ObservePending(_ context.Context, url string, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verdictCall{url: url, status: dlp.URLPending})
	return nil
}

func (f *fakeVerdicts) RecordReviewed(_ context.Context, url string, status dlp.URLStatus, _ json.RawMessage, _ *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verdictCall{url: url, status: status, reviewed: true})
	return nil
}

func (f *fakeVerdicts) reviewed() map[string]dlp.URLStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]dlp.URLStatus)
	for _, c := range f.calls {
		if c.reviewed {
			out[c.url] = c.status
		}
	}
	return out
}

type countingPublisher struct {
	mu        sync.Mutex
	published []Artifact
	err       error
}

func (p *countingPublisher) PublishResolved(_ context.Context, a Artifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, a)
	return p.err
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type harness struct {
	wf       *Workflow
	store    *memStore
	scanner  *fakeScanner
	verdicts *fakeVerdicts
	pub      *countingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		scanner:  &fakeScanner{results: map[string]scanner.Result{}, errs: map[string]error{}},
		verdicts: &fakeVerdicts{},
		pub:      &countingPublisher{},
	}
	h.wf = NewWorkflow(h.store, h.scanner, h.verdicts, h.pub, time.Second)
	h.store.now = func() time.Time { return h.wf.now() }
	return h
}

func (h *harness) message(t *testing.T, mode Mode, urls ...string) Artifact {
	t.Helper()
	a := &Artifact{
		Kind:        KindMessage,
		Mode:        mode,
		UserID:      "u1",
		Username:    "alice",
		DisplayName: "Alice",
		MessageText: "see links",
		URLs:        urls,
	}
	if err := h.wf.Intake(context.Background(), a); err != nil {
		t.Fatalf("Intake() error: %v", err)
	}
	return *a
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

func TestIntake_StoresPendingAndObservesLinks(t *testing.T) {
	h := newHarness(t)
	a := h.message(t, ModeManual, "http://a.test", "http://b.test")

	if a.ID == uuid.Nil {
		t.Fatal("Intake did not assign an id")
	}
	got, err := h.wf.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if len(h.verdicts.calls) != 2 {
		t.Fatalf("verdict calls = %d, want 2 pending observations", len(h.verdicts.calls))
	}
	for _, c := range h.verdicts.calls {
		if c.reviewed || c.status != dlp.URLPending {
			t.Errorf("observation %+v, want unreviewed pending", c)
		}
	}
}

func TestIntake_Invalid(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		a    Artifact
	}{
		{"no user", Artifact{Kind: KindFile, Mode: ModeManual, FileName: "a.doc"}},
		{"bad mode", Artifact{Kind: KindFile, Mode: "later", UserID: "u", FileName: "a.doc"}},
		{"message without urls", Artifact{Kind: KindMessage, Mode: ModeManual, UserID: "u", MessageText: "hi"}},
		{"file without name", Artifact{Kind: KindFile, Mode: ModeManual, UserID: "u"}},
		{"bad kind", Artifact{Kind: "voice", Mode: ModeManual, UserID: "u"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := tc.a
			err := h.wf.Intake(context.Background(), &a)
			if !errors.Is(err, ErrInvalidArtifact) {
				t.Errorf("Intake() error = %v, want ErrInvalidArtifact", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Automated scans
// ---------------------------------------------------------------------------

func TestSubmitForScan_Outcomes(t *testing.T) {
	const (
		clean = "http://clean.test"
		bad   = "http://malware.com/x"
		odd   = "http://odd.test"
		slow  = "http://queued.test"
		down  = "http://down.test"
	)
	cases := []struct {
		name         string
		urls         []string
		want         Status
		published    int
		wantReviewed map[string]dlp.URLStatus
	}{
		{"all clean", []string{clean}, StatusSafe, 1, map[string]dlp.URLStatus{clean: dlp.URLSafe}},
		{"malicious wins over error", []string{bad, down}, StatusMalicious, 1, map[string]dlp.URLStatus{bad: dlp.URLMalicious}},
		{"error keeps pending", []string{clean, down}, StatusPending, 0, map[string]dlp.URLStatus{clean: dlp.URLSafe}},
		{"scanning keeps pending", []string{slow}, StatusPending, 0, map[string]dlp.URLStatus{}},
		{"suspicious waits for a human", []string{clean, odd}, StatusSuspicious, 0,
			map[string]dlp.URLStatus{clean: dlp.URLSafe, odd: dlp.URLSuspicious}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.scanner.results[bad] = scanner.Result{Status: scanner.StatusMalicious}
			h.scanner.results[odd] = scanner.Result{Status: scanner.StatusSuspicious}
			h.scanner.results[slow] = scanner.Result{Status: scanner.StatusScanning}
			h.scanner.errs[down] = scanner.ErrUnavailable

			a := h.message(t, ModeAutomated, tc.urls...)
			got, err := h.wf.SubmitForScan(context.Background(), a.ID)
			if err != nil {
				t.Fatalf("SubmitForScan() error: %v", err)
			}
			if got.Status != tc.want {
				t.Errorf("status = %q, want %q", got.Status, tc.want)
			}
			if h.pub.count() != tc.published {
				t.Errorf("published = %d, want %d", h.pub.count(), tc.published)
			}
			if len(got.ScanResult) == 0 {
				t.Error("scan result not stored")
			}
			reviewed := h.verdicts.reviewed()
			if len(reviewed) != len(tc.wantReviewed) {
				t.Errorf("reviewed verdicts = %v, want %v", reviewed, tc.wantReviewed)
			}
			for u, st := range tc.wantReviewed {
				if reviewed[u] != st {
					t.Errorf("verdict[%s] = %q, want %q", u, reviewed[u], st)
				}
			}
		})
	}
}

func TestSubmitForScan_StuckScannerFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.scanner.stuck = make(chan struct{})
	t.Cleanup(func() { close(h.scanner.stuck) })
	h.wf.scanTimeout = 50 * time.Millisecond

	a := h.message(t, ModeAutomated, "http://clean.test")

	start := time.Now()
	got, err := h.wf.SubmitForScan(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("SubmitForScan() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SubmitForScan took %v, want it bounded by the scan timeout", elapsed)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if h.pub.count() != 0 {
		t.Errorf("published = %d, want 0", h.pub.count())
	}

	var report ScanReport
	if err := json.Unmarshal(got.ScanResult, &report); err != nil {
		t.Fatalf("scan result: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != scanner.StatusError {
		t.Errorf("report = %+v, want one error result", report)
	}
}

func TestSubmitForScan_FileSuspiciousThenApproved(t *testing.T) {
	h := newHarness(t)
	h.scanner.results["setup.exe"] = scanner.Result{Status: scanner.StatusSuspicious}

	a := &Artifact{Kind: KindFile, Mode: ModeAutomated, UserID: "u1", FileName: "setup.exe", FileSize: 10}
	if err := h.wf.Intake(context.Background(), a); err != nil {
		t.Fatalf("Intake() error: %v", err)
	}

	got, err := h.wf.SubmitForScan(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("SubmitForScan() error: %v", err)
	}
	if got.Status != StatusSuspicious {
		t.Fatalf("status = %q, want suspicious", got.Status)
	}

	got, err = h.wf.Decide(context.Background(), a.ID, Approve)
	if err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
	if h.pub.count() != 1 {
		t.Errorf("published = %d, want 1", h.pub.count())
	}
	if len(h.verdicts.reviewed()) != 0 {
		t.Error("file decisions must not produce URL verdicts")
	}
}

func TestSubmitForScan_TerminalIsNoop(t *testing.T) {
	h := newHarness(t)
	a := h.message(t, ModeAutomated, "http://clean.test")
	if _, err := h.wf.Decide(context.Background(), a.ID, Reject); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}

	got, err := h.wf.SubmitForScan(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("SubmitForScan() error: %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
	if n := h.scanner.calls.Load(); n != 0 {
		t.Errorf("scanner calls = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Manual decisions
// ---------------------------------------------------------------------------

func TestDecide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.message(t, ModeManual, "http://a.test")

	got, err := h.wf.Decide(ctx, a.ID, Approve)
	if err != nil {
		t.Fatalf("Decide(approve) error: %v", err)
	}
	if got.Status != StatusApproved || got.ResolvedAt == nil {
		t.Errorf("after approve: status=%q resolved=%v", got.Status, got.ResolvedAt)
	}
	if h.verdicts.reviewed()["http://a.test"] != dlp.URLSafe {
		t.Error("approve did not record a safe verdict")
	}

	// Same decision again is a no-op.
	if _, err := h.wf.Decide(ctx, a.ID, Approve); err != nil {
		t.Errorf("Decide(approve) twice error = %v, want nil", err)
	}

	// Contradicting a terminal state is a conflict and changes nothing.
	got, err = h.wf.Decide(ctx, a.ID, Reject)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Decide(reject) after approve error = %v, want ErrConflict", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status after conflict = %q, want approved", got.Status)
	}

	if h.pub.count() != 1 {
		t.Errorf("published = %d, want 1", h.pub.count())
	}
}

func TestDecide_RejectRecordsMalicious(t *testing.T) {
	h := newHarness(t)
	a := h.message(t, ModeManual, "http://a.test", "http://b.test")

	if _, err := h.wf.Decide(context.Background(), a.ID, Reject); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	for u, st := range h.verdicts.reviewed() {
		if st != dlp.URLMalicious {
			t.Errorf("verdict[%s] = %q, want malicious", u, st)
		}
	}
	if len(h.verdicts.reviewed()) != 2 {
		t.Errorf("reviewed verdicts = %d, want 2", len(h.verdicts.reviewed()))
	}
}

func TestDecide_AgreesWithScanOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.scanner.results["http://malware.com"] = scanner.Result{Status: scanner.StatusMalicious}
	a := h.message(t, ModeAutomated, "http://malware.com")

	if _, err := h.wf.SubmitForScan(ctx, a.ID); err != nil {
		t.Fatalf("SubmitForScan() error: %v", err)
	}
	if _, err := h.wf.Decide(ctx, a.ID, Reject); err != nil {
		t.Errorf("Decide(reject) on malicious error = %v, want nil", err)
	}
	if _, err := h.wf.Decide(ctx, a.ID, Approve); !errors.Is(err, ErrConflict) {
		t.Errorf("Decide(approve) on malicious error = %v, want ErrConflict", err)
	}
}

func TestDecide_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.wf.Decide(ctx, uuid.New(), Approve); !errors.Is(err, ErrNotFound) {
		t.Errorf("Decide(unknown id) error = %v, want ErrNotFound", err)
	}
	a := h.message(t, ModeManual, "http://a.test")
	if _, err := h.wf.Decide(ctx, a.ID, "maybe"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("Decide(maybe) error = %v, want ErrInvalidDecision", err)
	}
}

func TestDecide_PublishFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("nats down")
	a := h.message(t, ModeManual, "http://a.test")

	got, err := h.wf.Decide(context.Background(), a.ID, Approve)
	if err == nil {
		t.Fatal("Decide() error = nil, want publish failure")
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
}

func TestConcurrentResolution_PublishesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.message(t, ModeAutomated, "http://clean.test")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.wf.Decide(ctx, a.ID, Approve)
		}()
		go func() {
			defer wg.Done()
			h.wf.SubmitForScan(ctx, a.ID)
		}()
	}
	wg.Wait()

	if n := h.pub.count(); n != 1 {
		t.Errorf("published = %d, want exactly 1", n)
	}
	got, _ := h.wf.Get(ctx, a.ID)
	if !got.Status.Released() {
		t.Errorf("status = %q, want approved or safe", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Sweeper
// ---------------------------------------------------------------------------

func TestSweep_RescansStaleAutomated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.wf.now = func() time.Time { return base }

	stale := h.message(t, ModeAutomated, "http://clean.test")
	manual := h.message(t, ModeManual, "http://clean.test")

	h.wf.now = func() time.Time { return base.Add(30 * time.Second) }
	fresh := h.message(t, ModeAutomated, "http://clean.test")

	h.wf.now = func() time.Time { return base.Add(70 * time.Second) }
	n, err := h.wf.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() published = %d, want 1", n)
	}

	for _, tc := range []struct {
		name string
		id   uuid.UUID
		want Status
	}{
		{"stale automated", stale.ID, StatusSafe},
		{"manual", manual.ID, StatusPending},
		{"fresh automated", fresh.ID, StatusPending},
	} {
		got, _ := h.wf.Get(ctx, tc.id)
		if got.Status != tc.want {
			t.Errorf("%s: status = %q, want %q", tc.name, got.Status, tc.want)
		}
	}
}

func TestSweep_InconclusiveScansRotate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.scanner.results["http://queued.test"] = scanner.Result{Status: scanner.StatusScanning}

	h.wf.now = func() time.Time { return base }
	for i := 0; i < sweepBatch; i++ {
		h.message(t, ModeAutomated, "http://queued.test")
	}
	h.wf.now = func() time.Time { return base.Add(time.Second) }
	clean := h.message(t, ModeAutomated, "http://clean.test")

	for i := 1; i <= 3; i++ {
		h.wf.now = func() time.Time { return base.Add(time.Duration(i) * 2 * time.Minute) }
		if _, err := h.wf.Sweep(ctx, time.Minute); err != nil {
			t.Fatalf("Sweep() #%d error: %v", i, err)
		}
	}

	got, _ := h.wf.Get(ctx, clean.ID)
	if got.Status != StatusSafe {
		t.Errorf("status = %q, want safe once the inconclusive batch moved back", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Publishing
// ---------------------------------------------------------------------------

func TestDecide_RetriesFailedPublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.message(t, ModeManual, "http://a.test")

	h.pub.err = errors.New("nats down")
	if _, err := h.wf.Decide(ctx, a.ID, Approve); err == nil {
		t.Fatal("Decide() error = nil, want publish failure")
	}
	stored, _ := h.wf.Get(ctx, a.ID)
	if stored.PublishedAt != nil {
		t.Fatal("failed publish recorded as published")
	}

	h.pub.err = nil
	got, err := h.wf.Decide(ctx, a.ID, Approve)
	if err != nil {
		t.Fatalf("Decide() retry error: %v", err)
	}
	if got.PublishedAt == nil {
		t.Error("retry did not record the publish")
	}
	if h.pub.count() != 2 {
		t.Errorf("publish calls = %d, want 2", h.pub.count())
	}

	if _, err := h.wf.Decide(ctx, a.ID, Approve); err != nil {
		t.Fatalf("Decide() third error: %v", err)
	}
	if h.pub.count() != 2 {
		t.Errorf("publish calls after success = %d, want 2", h.pub.count())
	}
}

func TestSweep_PublishesFailedRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.message(t, ModeAutomated, "http://clean.test")

	h.pub.err = errors.New("db down")
	got, err := h.wf.SubmitForScan(ctx, a.ID)
	if err == nil {
		t.Fatal("SubmitForScan() error = nil, want publish failure")
	}
	if got.Status != StatusSafe {
		t.Fatalf("status = %q, want safe", got.Status)
	}

	h.pub.err = nil
	n, err := h.wf.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 || h.pub.count() != 2 {
		t.Errorf("Sweep() published = %d, publish calls = %d; want 1, 2", n, h.pub.count())
	}

	n, _ = h.wf.Sweep(ctx, time.Hour)
	if n != 0 || h.pub.count() != 2 {
		t.Errorf("second Sweep() published = %d, publish calls = %d; want 0, 2", n, h.pub.count())
	}
	if n := h.scanner.calls.Load(); n != 1 {
		t.Errorf("scanner calls = %d, want 1", n)
	}
}

func TestPublish_LiveClaimIsRespected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.wf.now = func() time.Time { return base }
	a := h.message(t, ModeManual, "http://a.test")

	// Another replica won the transition and crashed while publishing.
	if _, _, err := h.store.Transition(ctx, a.ID, StatusApproved, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if ok, _ := h.store.ClaimPublish(ctx, a.ID, publishLease); !ok {
		t.Fatal("ClaimPublish() = false, want true")
	}

	if _, err := h.wf.Decide(ctx, a.ID, Approve); err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if n, _ := h.wf.Sweep(ctx, time.Hour); n != 0 || h.pub.count() != 0 {
		t.Fatalf("published %d/%d while the claim was live", n, h.pub.count())
	}

	h.wf.now = func() time.Time { return base.Add(publishLease + time.Second) }
	if n, _ := h.wf.Sweep(ctx, time.Hour); n != 1 || h.pub.count() != 1 {
		t.Errorf("after the lease: published = %d, calls = %d; want 1, 1", n, h.pub.count())
	}
}

func TestSubmitForScan_SuspiciousWaitsForAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.message(t, ModeAutomated, "http://odd.test")
	if _, _, err := h.store.Transition(ctx, a.ID, StatusSuspicious, nil); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	got, err := h.wf.SubmitForScan(ctx, a.ID)
	if err != nil {
		t.Fatalf("SubmitForScan() error: %v", err)
	}
	if got.Status != StatusSuspicious {
		t.Errorf("status = %q, want suspicious", got.Status)
	}
	if n := h.scanner.calls.Load(); n != 0 {
		t.Errorf("scanner calls = %d, want 0", n)
	}
	if h.pub.count() != 0 {
		t.Errorf("published = %d, want 0", h.pub.count())
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestAggregate(t *testing.T) {
	r := func(statuses ...scanner.Status) []TargetResult {
		out := make([]TargetResult, len(statuses))
		for i, s := range statuses {
			out[i] = TargetResult{Status: s}
		}
		return out
	}
	cases := []struct {
		name string
		in   []TargetResult
		want Status
	}{
		{"empty", nil, StatusPending},
		{"clean", r(scanner.StatusClean, scanner.StatusClean), StatusSafe},
		{"malicious first", r(scanner.StatusMalicious, scanner.StatusError), StatusMalicious},
		{"malicious last", r(scanner.StatusError, scanner.StatusMalicious), StatusMalicious},
		{"error", r(scanner.StatusClean, scanner.StatusError), StatusPending},
		{"scanning beats suspicious", r(scanner.StatusSuspicious, scanner.StatusScanning), StatusPending},
		{"suspicious", r(scanner.StatusClean, scanner.StatusSuspicious), StatusSuspicious},
		{"unknown status", r("weird"), StatusPending},
	}
	for _, tc := range cases {
		if got := aggregate(tc.in); got != tc.want {
			t.Errorf("%s: aggregate() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	cases := []struct {
		s                             Status
		terminal, released, discarded bool
	}{
		{StatusPending, false, false, false},
		{StatusSuspicious, false, false, false},
		{StatusApproved, true, true, false},
		{StatusSafe, true, true, false},
		{StatusRejected, true, false, true},
		{StatusMalicious, true, false, true},
	}
	for _, tc := range cases {
		if tc.s.Terminal() != tc.terminal || tc.s.Released() != tc.released || tc.s.Discarded() != tc.discarded {
			t.Errorf("%s: terminal=%v released=%v discarded=%v", tc.s, tc.s.Terminal(), tc.s.Released(), tc.s.Discarded())
		}
	}
}

func TestParseDecision(t *testing.T) {
	for _, in := range []string{"approve", "reject"} {
		if d, err := ParseDecision(in); err != nil || string(d) != in {
			t.Errorf("ParseDecision(%q) = %q, %v", in, d, err)
		}
	}
	if _, err := ParseDecision("APPROVE"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("ParseDecision(APPROVE) error = %v, want ErrInvalidDecision", err)
	}
}

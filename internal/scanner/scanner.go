// Package scanner defines the reputation-scanner contract used by the
// moderation workflow and ships three implementations: an offline heuristic
// scanner, an HTTP client for a scan gateway, and a retrying wrapper.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Status is a scanner's answer for one target.
type Status string

const (
	StatusClean      Status = "clean"
	StatusMalicious  Status = "malicious"
	StatusSuspicious Status = "suspicious"
	StatusScanning   Status = "scanning" // accepted, no verdict yet
	StatusError      Status = "error"
)

// ErrUnavailable marks transient failures (transport errors, 5xx). Only
// these are retried.
var ErrUnavailable = errors.New("scanner: unavailable")

// Target is either a URL or a stored file.
type Target struct {
	URL        string `json:"url,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	StorageRef string `json:"storage_ref,omitempty"`
}

// IsURL reports whether the target is a link.
func (t Target) IsURL() bool {
	return t.URL != ""
}

func (t Target) String() string {
	if t.IsURL() {
		return t.URL
	}
	return t.FileName
}

// Stats are per-engine detection counts reported by a scanner.
type Stats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
}

// Total is the number of engines that answered.
func (s Stats) Total() int {
	return s.Malicious + s.Suspicious + s.Harmless + s.Undetected
}

// Result is a scan outcome.
type Result struct {
	Status  Status `json:"status"`
	Summary string `json:"summary"`
	Stats   Stats  `json:"stats"`
}

// Scanner checks the reputation of a target. Implementations must honour
// ctx cancellation.
type Scanner interface {
	Scan(ctx context.Context, t Target) (Result, error)
}

// Classify turns detection counts into a status: any malicious detection
// wins, then any suspicious one, otherwise clean.
func Classify(s Stats) Result {
	total := s.Total()
	switch {
	case s.Malicious > 0:
		return Result{Status: StatusMalicious, Stats: s,
			Summary: fmt.Sprintf("dangerous (%d/%d engines)", s.Malicious, total)}
	case s.Suspicious > 0:
		return Result{Status: StatusSuspicious, Stats: s,
			Summary: fmt.Sprintf("suspicious (%d/%d engines)", s.Suspicious, total)}
	default:
		return Result{Status: StatusClean, Stats: s,
			Summary: fmt.Sprintf("no threats found (0/%d engines)", total)}
	}
}

// ---------------------------------------------------------------------------
// Offline heuristic scanner
// ---------------------------------------------------------------------------

// DefaultDangerousDomains are the test domains the offline scanner flags.
var DefaultDangerousDomains = []string{"malware.com", "phishing.test", "virus.test"}

// Offline answers without network access: links mentioning a dangerous
// domain are malicious, executables are suspicious, everything else is
// clean. It is the scanner used when no gateway is configured.
type Offline struct {
	DangerousDomains []string
}

// NewOffline returns an offline scanner with the default domain list.
func NewOffline() *Offline {
	return &Offline{DangerousDomains: DefaultDangerousDomains}
}

// Scan implements Scanner.
func (o *Offline) Scan(ctx context.Context, t Target) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if t.IsURL() {
		u := strings.ToLower(t.URL)
		for _, d := range o.DangerousDomains {
			if strings.Contains(u, d) {
				return Classify(Stats{Malicious: 15, Suspicious: 5, Harmless: 70}), nil
			}
		}
		return Classify(Stats{Harmless: 90}), nil
	}

	if strings.EqualFold(path.Ext(t.FileName), ".exe") {
		return Classify(Stats{Suspicious: 2, Undetected: 68}), nil
	}
	return Classify(Stats{Undetected: 70}), nil
}

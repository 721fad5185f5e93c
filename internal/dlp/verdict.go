package dlp

import (
	"fmt"
	"strings"
)

// Status is the outcome class of an inspection.
type Status string

const (
	StatusAllow                 Status = "allow"
	StatusBlock                 Status = "block"
	StatusWarning               Status = "warning"
	StatusURLCheckRequired      Status = "url_check_required"
	StatusURLModerationRequired Status = "url_moderation_required"
)

// Verdict is the decision for one message. The set of implementations is
// closed: Allow, KeywordBlock, LinkBlock, URLModeration, URLCheckRequired and
// SensitiveWarning. Each carries only the data relevant to its outcome.
type Verdict interface {
	Status() Status
	Allowed() bool
	Reason() string
	// RequiresViolationRecord reports whether the caller must log a
	// violation and escalate the sender.
	RequiresViolationRecord() bool

	verdict()
}

// Allow lets the message through untouched.
type Allow struct{}

func (Allow) Status() Status                { return StatusAllow }
func (Allow) Allowed() bool                 { return true }
func (Allow) Reason() string                { return "message allowed" }
func (Allow) RequiresViolationRecord() bool { return false }
func (Allow) verdict()                      {}

// KeywordBlock rejects a message containing forbidden terms.
type KeywordBlock struct {
	Terms []string
}

func (KeywordBlock) Status() Status { return StatusBlock }
func (KeywordBlock) Allowed() bool  { return false }
func (v KeywordBlock) Reason() string {
	return "forbidden keywords: " + strings.Join(v.Terms, ", ")
}
func (KeywordBlock) RequiresViolationRecord() bool { return true }
func (KeywordBlock) verdict()                      {}

// LinkBlock rejects a message carrying a link reviewed as malicious. It is
// policy enforcement and does not count against the sender.
type LinkBlock struct {
	URLs []string // the malicious links
}

func (LinkBlock) Status() Status                { return StatusBlock }
func (LinkBlock) Allowed() bool                 { return false }
func (LinkBlock) Reason() string                { return "blocked link" }
func (LinkBlock) RequiresViolationRecord() bool { return false }
func (LinkBlock) verdict()                      {}

// URLModeration holds a message whose links have no safe reviewed verdict.
// The caller must persist it as a pending artifact.
type URLModeration struct {
	URLs []string
}

func (URLModeration) Status() Status                { return StatusURLModerationRequired }
func (URLModeration) Allowed() bool                 { return false }
func (URLModeration) Reason() string                { return "message sent to moderation (contains links)" }
func (URLModeration) RequiresViolationRecord() bool { return false }
func (URLModeration) verdict()                      {}

// URLCheckRequired holds a message whose link verdicts could not be read.
// Callers treat it like URLModeration.
type URLCheckRequired struct {
	URLs []string
}

func (URLCheckRequired) Status() Status                { return StatusURLCheckRequired }
func (URLCheckRequired) Allowed() bool                 { return false }
func (URLCheckRequired) Reason() string                { return "message held: links could not be checked" }
func (URLCheckRequired) RequiresViolationRecord() bool { return false }
func (URLCheckRequired) verdict()                      {}

// SensitiveWarning delivers the message but flags the sensitive data in it.
type SensitiveWarning struct {
	Findings    []Finding
	MaxSeverity Severity
}

func (SensitiveWarning) Status() Status { return StatusWarning }
func (SensitiveWarning) Allowed() bool  { return true }
func (v SensitiveWarning) Reason() string {
	names := make([]string, 0, len(v.Findings))
	seen := make(map[string]bool)
	for _, f := range v.Findings {
		if !seen[f.Name] {
			seen[f.Name] = true
			names = append(names, f.Name)
		}
	}
	return "sensitive data detected: " + strings.Join(names, ", ")
}
func (SensitiveWarning) RequiresViolationRecord() bool { return true }
func (SensitiveWarning) verdict()                      {}

// HoldURLs returns the links of a verdict that holds the message for
// moderation, or nil for every other verdict.
func HoldURLs(v Verdict) []string {
	switch v := v.(type) {
	case URLModeration:
		return v.URLs
	case URLCheckRequired:
		return v.URLs
	}
	return nil
}

// Decision is the flat wire form of a Verdict.
type Decision struct {
	Allowed                 bool      `json:"allowed"`
	Status                  Status    `json:"status"`
	Reason                  string    `json:"reason"`
	MatchedKeywords         []string  `json:"matched_keywords,omitempty"`
	SensitiveFindings       []Finding `json:"sensitive_findings,omitempty"`
	MaxSeverity             Severity  `json:"max_severity,omitempty"`
	URLs                    []string  `json:"urls,omitempty"`
	RequiresViolationRecord bool      `json:"requires_violation_record"`
}

// Flatten converts a Verdict to its wire form.
func Flatten(v Verdict) Decision {
	d := Decision{
		Allowed:                 v.Allowed(),
		Status:                  v.Status(),
		Reason:                  v.Reason(),
		RequiresViolationRecord: v.RequiresViolationRecord(),
	}
	switch v := v.(type) {
	case KeywordBlock:
		d.MatchedKeywords = v.Terms
	case LinkBlock:
		d.URLs = v.URLs
	case URLModeration:
		d.URLs = v.URLs
	case URLCheckRequired:
		d.URLs = v.URLs
	case SensitiveWarning:
		d.SensitiveFindings = v.Findings
		d.MaxSeverity = v.MaxSeverity
	case Allow:
	default:
		panic(fmt.Sprintf("dlp: unknown verdict %T", v))
	}
	return d
}

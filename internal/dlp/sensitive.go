package dlp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned when a sensitive pattern definition cannot be
// compiled. It is a startup configuration error.
var ErrInvalidPattern = errors.New("invalid sensitive pattern")

// Severity ranks a sensitive finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// Mask rule names accepted in pattern definitions.
const (
	MaskCard   = "card"
	MaskEmail  = "email"
	MaskDigits = "digits"
)

var maskers = map[string]func(string) string{
	MaskCard:   maskCard,
	MaskEmail:  maskEmail,
	MaskDigits: maskDigits,
}

// PatternDef describes one sensitive-data detector as it appears in the
// policy file.
type PatternDef struct {
	Kind     string   `yaml:"kind" json:"kind"`
	Name     string   `yaml:"name" json:"name"`
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Severity Severity `yaml:"severity" json:"severity"`
	Mask     string   `yaml:"mask" json:"mask"`
}

// DefaultPatternDefs returns the built-in detectors: bank cards, e-mail
// addresses, Russian phone numbers, passports, tax ids (INN) and insurance
// numbers (SNILS).
func DefaultPatternDefs() []PatternDef {
	return []PatternDef{
		{Kind: "bank_card", Name: "bank card number", Severity: SeverityHigh, Mask: MaskCard,
			Pattern: `\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`},
		{Kind: "email", Name: "e-mail address", Severity: SeverityMedium, Mask: MaskEmail,
			Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
		{Kind: "phone", Name: "phone number", Severity: SeverityMedium, Mask: MaskDigits,
			Pattern: `(?:\+7|\b8)[\s\-]?\(?\d{3}\)?[\s\-]?\d{3}[\s\-]?\d{2}[\s\-]?\d{2}\b`},
		{Kind: "passport", Name: "passport number", Severity: SeverityHigh, Mask: MaskDigits,
			Pattern: `\b\d{4}[\s\-]?\d{6}\b`},
		{Kind: "tax_id", Name: "tax id (INN)", Severity: SeverityMedium, Mask: MaskDigits,
			Pattern: `\b\d{10}(?:\d{2})?\b`},
		{Kind: "insurance_number", Name: "insurance number (SNILS)", Severity: SeverityHigh, Mask: MaskDigits,
			Pattern: `\b\d{3}[\s\-]?\d{3}[\s\-]?\d{3}[\s\-]?\d{2}\b`},
	}
}

// Finding is one masked sensitive value. It never carries the raw match.
type Finding struct {
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	MaskedValue string   `json:"masked_value"`
	Severity    Severity `json:"severity"`
}

// SensitiveResult is the outcome of a sensitive-data scan.
type SensitiveResult struct {
	HasSensitiveData bool
	Findings         []Finding
	MaxSeverity      Severity
}

type sensitivePattern struct {
	def  PatternDef
	re   *regexp.Regexp
	mask func(string) string
}

// SensitiveScanner detects structured personal data. It is immutable after
// construction and safe for concurrent use.
type SensitiveScanner struct {
	patterns []sensitivePattern
}

// NewSensitiveScanner compiles defs. Any invalid definition fails the whole
// scanner so a bad policy is caught before traffic is accepted.
func NewSensitiveScanner(defs []PatternDef) (*SensitiveScanner, error) {
	s := &SensitiveScanner{patterns: make([]sensitivePattern, 0, len(defs))}
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Kind == "" {
			return nil, fmt.Errorf("dlp: pattern without kind: %w", ErrInvalidPattern)
		}
		if seen[def.Kind] {
			return nil, fmt.Errorf("dlp: duplicate pattern %s: %w", def.Kind, ErrInvalidPattern)
		}
		seen[def.Kind] = true
		if def.Severity.rank() == 0 {
			return nil, fmt.Errorf("dlp: pattern %s: unknown severity %q: %w", def.Kind, def.Severity, ErrInvalidPattern)
		}
		mask, ok := maskers[def.Mask]
		if !ok {
			return nil, fmt.Errorf("dlp: pattern %s: unknown mask %q: %w", def.Kind, def.Mask, ErrInvalidPattern)
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: pattern %s: %w: %w", def.Kind, ErrInvalidPattern, err)
		}
		if def.Name == "" {
			def.Name = def.Kind
		}
		s.patterns = append(s.patterns, sensitivePattern{def: def, re: re, mask: mask})
	}
	return s, nil
}

// MustDefaultScanner returns a scanner over DefaultPatternDefs.
func MustDefaultScanner() *SensitiveScanner {
	s, err := NewSensitiveScanner(DefaultPatternDefs())
	if err != nil {
		panic(err)
	}
	return s
}

// Analyze runs every detector over text and returns masked findings.
func (s *SensitiveScanner) Analyze(text string) SensitiveResult {
	var res SensitiveResult
	seen := make(map[string]bool)
	for _, p := range s.patterns {
		for _, raw := range p.re.FindAllString(text, -1) {
			masked := p.mask(raw)
			key := p.def.Kind + "\x00" + masked
			if seen[key] {
				continue
			}
			seen[key] = true
			res.Findings = append(res.Findings, Finding{
				Kind:        p.def.Kind,
				Name:        p.def.Name,
				MaskedValue: masked,
				Severity:    p.def.Severity,
			})
			if p.def.Severity.rank() > res.MaxSeverity.rank() {
				res.MaxSeverity = p.def.Severity
			}
		}
	}
	res.HasSensitiveData = len(res.Findings) > 0
	return res
}

// Redact returns text with every detected value replaced by its mask.
func (s *SensitiveScanner) Redact(text string) string {
	for _, p := range s.patterns {
		text = p.re.ReplaceAllStringFunc(text, p.mask)
	}
	return text
}

// ---------------------------------------------------------------------------
// Masking rules
// ---------------------------------------------------------------------------

func maskCard(v string) string {
	var digits []byte
	for i := 0; i < len(v); i++ {
		if v[i] >= '0' && v[i] <= '9' {
			digits = append(digits, v[i])
		}
	}
	if len(digits) < 4 {
		return maskDigits(v)
	}
	return "****-****-****-" + string(digits[len(digits)-4:])
}

func maskEmail(v string) string {
	at := strings.LastIndexByte(v, '@')
	if at <= 0 {
		return maskDigits(v)
	}
	local := []rune(v[:at])
	if len(local) == 1 {
		return "*" + v[at:]
	}
	return string(local[0]) + strings.Repeat("*", len(local)-1) + v[at:]
}

func maskDigits(v string) string {
	b := []byte(v)
	for i, c := range b {
		if c >= '0' && c <= '9' {
			b[i] = '*'
		}
	}
	return string(b)
}

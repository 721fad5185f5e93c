// Package policy loads the DLP policy file: the seed forbidden-term set, the
// sensitive pattern definitions and the upload rules.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/whisper/chat-dlp/internal/dlp"
)

// Uploads limits which files may enter moderation.
type Uploads struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxSizeBytes      int64    `yaml:"max_size_bytes"`
}

// Policy is the parsed policy file.
type Policy struct {
	Keywords []string         `yaml:"keywords"`
	Patterns []dlp.PatternDef `yaml:"patterns"`
	Uploads  Uploads          `yaml:"uploads"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		Keywords: append([]string(nil), dlp.DefaultKeywords...),
		Patterns: dlp.DefaultPatternDefs(),
		Uploads: Uploads{
			AllowedExtensions: []string{".exe", ".doc", ".docx"},
			MaxSizeBytes:      50 * 1024 * 1024,
		},
	}
}

// Load reads the policy at path. An empty path or a missing file yields the
// default policy. Sections left out of the file keep their defaults. The
// sensitive patterns are compiled here so a malformed definition is reported
// at startup.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a policy document over the defaults.
func Parse(data []byte) (*Policy, error) {
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	p := Default()
	if file.Keywords != nil {
		p.Keywords = file.Keywords
	}
	if file.Patterns != nil {
		p.Patterns = file.Patterns
	}
	if file.Uploads.AllowedExtensions != nil {
		exts := make([]string, 0, len(file.Uploads.AllowedExtensions))
		for _, e := range file.Uploads.AllowedExtensions {
			e = strings.ToLower(strings.TrimSpace(e))
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts = append(exts, e)
		}
		p.Uploads.AllowedExtensions = exts
	}
	if file.Uploads.MaxSizeBytes > 0 {
		p.Uploads.MaxSizeBytes = file.Uploads.MaxSizeBytes
	}

	if _, err := p.Scanner(); err != nil {
		return nil, err
	}
	return p, nil
}

// Scanner compiles the policy's sensitive patterns.
func (p *Policy) Scanner() (*dlp.SensitiveScanner, error) {
	s, err := dlp.NewSensitiveScanner(p.Patterns)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return s, nil
}

package chat

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count

	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row
)

var (
	// ErrInvalidMessage wraps every ValidateMessage failure.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrFlood is returned by DetectFlood.
	ErrFlood = errors.New("chat: flooding")
	// ErrInvalidUpload wraps every ValidateUpload failure.
	ErrInvalidUpload = errors.New("chat: invalid upload")
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// DetectFlood rejects character runs ("aaaaa") and repeated words
// ("buy buy buy"). Digits are exempt so card and phone numbers reach the
// sensitive-data scanner. RE2 has no backreferences, so both are linear scans.
func DetectFlood(text string) error {
	if hasCharFlood(text) {
		return fmt.Errorf("%w: character flooding detected", ErrFlood)
	}
	if hasWordFlood(text) {
		return fmt.Errorf("%w: repeated word flooding detected", ErrFlood)
	}
	return nil
}

func hasCharFlood(text string) bool {
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if unicode.IsDigit(r) {
			count, prev = 1, -1
			continue
		}
		if r == prev {
			count++
			if count >= charFloodRun {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood compares whitespace-delimited words case-insensitively.
func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodRun {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		if !strings.ContainsFunc(w, unicode.IsLetter) {
			count, prev = 1, ""
			continue
		}
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= wordFloodRun {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// ValidateUpload checks a file name and size against the upload rules.
// Extensions are compared case-insensitively and must include the dot.
func ValidateUpload(name string, size int64, allowedExt []string, maxSize int64) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: file name is empty", ErrInvalidUpload)
	}
	if size <= 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}
	if maxSize > 0 && size > maxSize {
		return fmt.Errorf("%w: file exceeds %d MB limit", ErrInvalidUpload, maxSize/(1024*1024))
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowedExt {
		if ext == a {
			return nil
		}
	}
	return fmt.Errorf("%w: file type %q not allowed (allowed: %s)", ErrInvalidUpload, ext, strings.Join(allowedExt, ", "))
}

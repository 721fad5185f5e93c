package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", "hello", true},
		{"cyrillic", "привет, как дела", true},
		{"empty", "", false},
		{"max chars", strings.Repeat("ab", MaxTextChars/2), true},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), false},
		{"too many bytes", strings.Repeat("я", MaxMessageBytes/2+1), false},
		{"invalid utf8", "bad \xff byte", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.input)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateMessage(%q) error = %v, want ok=%v", tt.name, err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("ValidateMessage error %v does not wrap ErrInvalidMessage", err)
			}
		})
	}
}

func TestDetectFlood(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		flooded bool
	}{
		{"repeated o in word", "hellooooooo", true},
		{"repeated exclamation", "wow!!!!!", true},
		{"four chars ok", "heeeel no", false},
		{"buy x3", "buy buy buy", true},
		{"case insensitive words", "BUY buy Buy", true},
		{"two repeats ok", "go go", false},
		{"normal sentence", "the card number is on the form", false},
		{"phone number", "+7 900 000 00 00", false},
		{"test card", "4111 1111 1111 1111", false},
		{"zeros", "card 4000000000000002", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DetectFlood(tt.input)
			if (err != nil) != tt.flooded {
				t.Errorf("DetectFlood(%q) = %v, want flooded=%v", tt.input, err, tt.flooded)
			}
			if err != nil && !errors.Is(err, ErrFlood) {
				t.Errorf("DetectFlood error %v does not wrap ErrFlood", err)
			}
		})
	}
}

func TestValidateUpload(t *testing.T) {
	allowed := []string{".exe", ".doc", ".docx"}
	const max = 50 * 1024 * 1024

	tests := []struct {
		name string
		file string
		size int64
		ok   bool
	}{
		{"docx", "report.docx", 1024, true},
		{"upper case extension", "SETUP.EXE", 1024, true},
		{"at limit", "a.doc", max, true},
		{"over limit", "a.doc", max + 1, false},
		{"empty file", "a.doc", 0, false},
		{"pdf not allowed", "a.pdf", 10, false},
		{"no extension", "README", 10, false},
		{"no name", "  ", 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.file, tt.size, allowed, max)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateUpload(%q, %d) error = %v, want ok=%v", tt.file, tt.size, err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidUpload) {
				t.Errorf("ValidateUpload error %v does not wrap ErrInvalidUpload", err)
			}
		})
	}
}

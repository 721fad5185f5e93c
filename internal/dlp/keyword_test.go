package dlp

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestNewKeywordMatcher_Normalizes(t *testing.T) {
	m := NewKeywordMatcher([]string{"  Secret ", "secret", "", "PASSWORD"})

	want := []string{"secret", "password"}
	if got := m.Terms(); !reflect.DeepEqual(got, want) {
		t.Errorf("Terms() = %v, want %v", got, want)
	}
}

func TestAnalyze(t *testing.T) {
	m := NewKeywordMatcher([]string{"secretno", "банковская карта", "password"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		terms   []string
	}{
		{"exact", "secretno", true, []string{"secretno"}},
		{"in sentence", "secretno, see attached", true, []string{"secretno"}},
		{"upper case", "SECRETNO", true, []string{"secretno"}},
		{"substring", "topsecretnotes", true, []string{"secretno"}},
		{"cyrillic phrase", "Моя Банковская Карта дома", true, []string{"банковская карта"}},
		{"first occurrence order", "password for secretno", true, []string{"password", "secretno"}},
		{"repeated term once", "password password", true, []string{"password"}},
		{"clean", "hello world", false, nil},
		{"empty", "", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Analyze(tt.input)
			if res.Blocked != tt.blocked {
				t.Errorf("Analyze(%q).Blocked = %v, want %v", tt.input, res.Blocked, tt.blocked)
			}
			if !reflect.DeepEqual(res.MatchedTerms, tt.terms) {
				t.Errorf("Analyze(%q).MatchedTerms = %v, want %v", tt.input, res.MatchedTerms, tt.terms)
			}
		})
	}
}

func TestAddRemove_Idempotent(t *testing.T) {
	m := NewKeywordMatcher(nil)

	if !m.Add("Leak") {
		t.Fatal("Add(Leak) = false on empty set, want true")
	}
	if m.Add("leak") {
		t.Error("Add(leak) second time = true, want false")
	}
	if m.Add("   ") {
		t.Error("Add(blank) = true, want false")
	}
	if got := m.Terms(); !reflect.DeepEqual(got, []string{"leak"}) {
		t.Errorf("Terms() = %v, want [leak]", got)
	}
	if !m.Analyze("a LEAK happened").Blocked {
		t.Error("Analyze after Add did not block")
	}

	if !m.Remove("LEAK") {
		t.Error("Remove(LEAK) = false, want true")
	}
	if m.Remove("leak") {
		t.Error("Remove(leak) second time = true, want false")
	}
	if m.Analyze("a leak happened").Blocked {
		t.Error("Analyze after Remove still blocks")
	}
}

func TestReplace(t *testing.T) {
	m := NewKeywordMatcher([]string{"old"})
	m.Replace([]string{"new", "NEW", "other"})

	if got := m.Terms(); !reflect.DeepEqual(got, []string{"new", "other"}) {
		t.Errorf("Terms() = %v, want [new other]", got)
	}
	if m.Analyze("old news").MatchedTerms[0] != "new" {
		t.Error("Replace did not swap the set")
	}
}

func TestTerms_ReturnsCopy(t *testing.T) {
	m := NewKeywordMatcher([]string{"alpha"})
	terms := m.Terms()
	terms[0] = "mutated"

	if got := m.Terms()[0]; got != "alpha" {
		t.Errorf("Terms()[0] = %q after caller mutation, want %q", got, "alpha")
	}
}

func TestKeywordMatcher_ConcurrentReadWrite(t *testing.T) {
	m := NewKeywordMatcher([]string{"secretno"})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				term := fmt.Sprintf("term-%d-%d", w, i)
				m.Add(term)
				m.Remove(term)
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if !m.Analyze("leaked secretno").Blocked {
					t.Error("stable term not matched during concurrent writes")
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := m.Terms(); !reflect.DeepEqual(got, []string{"secretno"}) {
		t.Errorf("Terms() after churn = %v, want [secretno]", got)
	}
}

func BenchmarkAnalyze(b *testing.B) {
	m := NewKeywordMatcher(DefaultKeywords)
	text := "Please send the quarterly report to finance before Friday, thanks"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Analyze(text)
	}
}

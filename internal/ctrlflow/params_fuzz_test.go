package ctrlflow

import (
	"strconv"
	"strings"
	"testing"
	"unicode"
)

// FuzzParseParams checks that arbitrary parameter strings either parse into
// valid Params or fail cleanly, and that the accessors of the underlying map
// never panic.
func FuzzParseParams(f *testing.F) {
	seeds := []string{
		"",
		"flatten_passes=1 junk_jumps=2 block_splits=3",
		"flatten_passes=max junk_jumps=max block_splits=max",
		"flatten_passes=0 junk_jumps=0 block_splits=0 trash_blocks=0",
		"flatten_passes=1 junk_jumps=5 block_splits=10 trash_blocks=32 flatten_hardening=xor,delegate_table",
		"    flatten_passes=2    junk_jumps=8    ",
		"flatten_hardening=",
		"junk_jumps=-1",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, input string) {
		p, err := ParseParams(input)
		if err == nil {
			if verr := p.Validate(); verr != nil {
				t.Fatalf("ParseParams(%q) returned invalid params: %v", input, verr)
			}
			back, err := ParseParams(p.String())
			if err != nil {
				t.Fatalf("String() of %q does not parse: %v", input, err)
			}
			if back.String() != p.String() {
				t.Fatalf("round trip changed params: %q -> %q", p.String(), back.String())
			}
		}

		m := parseParamMap(input)
		for key, raw := range m {
			if strings.ContainsAny(key, " \t\n") {
				t.Fatalf("key %q of %q holds whitespace", key, input)
			}
			if looksNumeric(raw) {
				if num, err := strconv.Atoi(raw); err == nil && num <= 1<<16 {
					got, err := m.GetInt(key, 0, 1<<16)
					if err != nil || got != num {
						t.Fatalf("GetInt mismatch for key %q: got %d, %v want %d", key, got, err, num)
					}
				}
			}
			_ = m.StringSlice(key)
		}
	})
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

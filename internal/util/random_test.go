package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int // prefix + hexLength
	}{
		{name: "execution ID format", prefix: "wx_", hexLength: 24, wantLength: 27},
		{name: "timer ID format", prefix: "tm_", hexLength: 24, wantLength: 27},
		{name: "no prefix", prefix: "", hexLength: 8, wantLength: 8},
		{name: "zero length", prefix: "x_", hexLength: 0, wantLength: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("GenerateRandomID(%q, %d) = %q, missing prefix", tt.prefix, tt.hexLength, id)
			}
			if len(id) != tt.wantLength {
				t.Errorf("GenerateRandomID(%q, %d) length = %d, want %d", tt.prefix, tt.hexLength, len(id), tt.wantLength)
			}
			for _, c := range id[len(tt.prefix):] {
				if !strings.ContainsRune(hexChars, c) {
					t.Errorf("non-hex character %q in %q", c, id)
				}
			}
		})
	}
}

func TestGenerateRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateExecutionID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

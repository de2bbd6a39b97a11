package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		format, level string
		wantErr       bool
	}{
		{"text", "info", false},
		{"json", "debug", false},
		{"", "", false},
		{"xml", "info", true},
		{"json", "loud", true},
	} {
		logger, err := New(tc.format, tc.level)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("New(%q, %q): expected error", tc.format, tc.level)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q, %q): %v", tc.format, tc.level, err)
		}
		_ = logger.Sync()
	}
}

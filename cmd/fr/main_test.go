package main

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	base := time.Date(2024, 3, 14, 18, 30, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  string
	}{
		{"", "2024-03-14"},
		{"today", "2024-03-14"},
		{"2024-01-02", "2024-01-02"},
		{"yesterday", "2024-03-13"},
	}

	for _, tt := range tests {
		got, err := parseDate(tt.input, base)
		if err != nil {
			t.Errorf("parseDate(%q) failed: %v", tt.input, err)
			continue
		}
		if s := got.Format(dateLayout); s != tt.want {
			t.Errorf("parseDate(%q) = %s, want %s", tt.input, s, tt.want)
		}
	}

	if _, err := parseDate("zzz", base); err == nil {
		t.Error("parseDate should reject unrecognized text")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("line one\nline two", 8); got != "line on…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"technique", "add"},
		{"flow", "import"},
		{"flow", "export"},
		{"log", "add"},
		{"profile", "avatar"},
		{"auth", "login"},
		{"sync", "backup"},
		{"sync", "restore"},
		{"sync", "run"},
		{"migrate"},
		{"daemon"},
		{"dashboard"},
		{"status"},
		{"flags", "set"},
		{"bench"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not registered", path)
		}
	}
}

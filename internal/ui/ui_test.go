package ui

import (
	"strings"
	"testing"
)

func TestTable(t *testing.T) {
	DisableColor()

	out := Table([][]string{
		{"ID", "NAME"},
		{"a1", "Armbar"},
		{"b22", "Kimura"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	if lines[1] != "a1   Armbar" {
		t.Errorf("line 1 = %q", lines[1])
	}
	if lines[2] != "b22  Kimura" {
		t.Errorf("line 2 = %q", lines[2])
	}
	if Table(nil) != "" {
		t.Error("empty table should render nothing")
	}
}

func TestRenderPlain(t *testing.T) {
	DisableColor()
	for _, render := range []func(string) string{RenderPass, RenderWarn, RenderFail, RenderAccent, RenderMuted} {
		if got := render("ok"); got != "ok" {
			t.Errorf("render without color = %q, want plain text", got)
		}
	}
}

package tmuxfmt

import "testing"

func TestJoinAndSplitRoundTrip(t *testing.T) {
	format := Join("#{pane_id}", "#{window_name}")
	if format != "#{pane_id}\x1f#{window_name}" {
		t.Fatalf("unexpected format: %q", format)
	}
	parts := SplitLine("%1\x1fmy_window", 2)
	if len(parts) != 2 || parts[0] != "%1" || parts[1] != "my_window" {
		t.Fatalf("unexpected split: %#v", parts)
	}
}

func TestSplitLineFallbacks(t *testing.T) {
	if parts := SplitLine(`%1\037claude`, 2); len(parts) != 2 || parts[1] != "claude" {
		t.Fatalf("escaped separator not handled: %#v", parts)
	}
	if parts := SplitLine("%1_claude", 2); len(parts) != 2 || parts[1] != "claude" {
		t.Fatalf("legacy separator not handled: %#v", parts)
	}
	if parts := SplitLine("%1", 0); parts != nil {
		t.Fatalf("expected nil for maxParts=0")
	}
}

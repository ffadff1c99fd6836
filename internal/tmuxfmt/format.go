package tmuxfmt

import "strings"

// FieldSeparator is the tmux list format delimiter used by agtscout.
// ASCII Unit Separator avoids collision with pane titles and window names.
const FieldSeparator = "\x1f"

// Join builds a tmux format string with the canonical delimiter.
func Join(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

// SplitLine splits a tmux formatted line into at most maxParts fields.
// Older tmux builds escape the separator as "\037" or print a literal "_";
// both are accepted.
func SplitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	switch {
	case strings.Contains(line, FieldSeparator):
		return strings.SplitN(line, FieldSeparator, maxParts)
	case strings.Contains(line, `\037`):
		return strings.SplitN(line, `\037`, maxParts)
	case strings.Contains(line, "_"):
		return strings.SplitN(line, "_", maxParts)
	default:
		return []string{line}
	}
}

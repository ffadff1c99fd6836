package surface

import (
	"hash/fnv"
	"strings"
)

// Pane states reported by Classify.
const (
	StateIdle              = "idle"
	StateRunning           = "running"
	StateApprovalRequested = "approval_requested"
	StateInputRequired     = "input_required"
	StateRuntimeError      = "runtime_error"
	StateUnknown           = "unknown"
)

// tailLines bounds how far up from the bottom busy markers are searched.
// Agent UIs draw the spinner line just above the input box.
const tailLines = 12

var (
	runningMarkers  = []string{"esc to interrupt", "ctrl+c to interrupt", "crunched for", "clauding"}
	approvalMarkers = []string{"waiting for approval", "approval required", "requires approval", "approve this", "approve to continue", "do you want to proceed"}
	inputMarkers    = []string{"waiting for input", "input required", "awaiting input", "your input", "press enter", "(y/n)", "enter to select"}
	errorMarkers    = []string{"fatal:", "panic:", "traceback", "runtime error", "command not found"}
	idleMarkers     = []string{"task completed", "completed successfully", "all done", "ready for input", "? for shortcuts"}
)

// Classify reads captured pane output and returns readiness for input.
// running and approval_requested are busy. runtime_error on the last line
// means the agent is gone and the pane does not accept input.
func Classify(output string) Readiness {
	normalized := strings.ToLower(strings.TrimSpace(output))
	r := Readiness{State: StateUnknown, AcceptsInput: true, Signature: signature(normalized)}
	if normalized == "" {
		return r
	}
	tail := nonEmptyTail(normalized, tailLines)

	for _, line := range tail {
		if containsAny(line, runningMarkers...) {
			r.State, r.Busy = StateRunning, true
			return r
		}
	}
	for _, line := range tail {
		if containsAny(line, approvalMarkers...) {
			r.State, r.Busy = StateApprovalRequested, true
			return r
		}
	}
	if last := tail[len(tail)-1]; containsAny(last, errorMarkers...) {
		r.State, r.AcceptsInput = StateRuntimeError, false
		return r
	}
	for i := len(tail) - 1; i >= 0; i-- {
		line := tail[i]
		switch {
		case containsAny(line, inputMarkers...):
			r.State = StateInputRequired
			return r
		case isPromptLine(line), containsAny(line, idleMarkers...):
			r.State = StateIdle
			return r
		}
	}
	return r
}

func nonEmptyTail(out string, n int) []string {
	lines := strings.Split(out, "\n")
	tail := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(tail) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		tail = append(tail, line)
	}
	// restore top-to-bottom order
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail
}

func isPromptLine(line string) bool {
	line = strings.TrimLeft(line, "│| ")
	return line == ">" ||
		strings.HasPrefix(line, "> ") ||
		line == "❯" ||
		strings.HasPrefix(line, "❯ ") ||
		line == "›" ||
		strings.HasPrefix(line, "› ")
}

func signature(out string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(out))
	return h.Sum64()
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if needle != "" && strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

package surface

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		output string
		state  string
		busy   bool
		accept bool
	}{
		{
			name:   "spinner above input box is running",
			output: "some answer\n\n✻ Thinking… (esc to interrupt)\n╭────╮\n│ >  │\n╰────╯\n? for shortcuts",
			state:  StateRunning, busy: true, accept: true,
		},
		{
			name:   "prompt at bottom is idle",
			output: "done with the change\n\n> \n",
			state:  StateIdle, accept: true,
		},
		{
			name:   "chevron prompt is idle",
			output: "output\n❯ ",
			state:  StateIdle, accept: true,
		},
		{
			name:   "approval dialog is busy",
			output: "Bash(rm -rf build)\nDo you want to proceed?\n❯ 1. Yes\n  2. No",
			state:  StateApprovalRequested, busy: true, accept: true,
		},
		{
			name:   "shell error on last line",
			output: "$ claude\nzsh: command not found: claude",
			state:  StateRuntimeError, accept: false,
		},
		{
			name:   "old traceback far above prompt does not block",
			output: "Traceback (most recent call last):\n  File x\nValueError\n\nfixed it\n> ",
			state:  StateIdle, accept: true,
		},
		{
			name:   "empty capture is unknown",
			output: "   \n",
			state:  StateUnknown, accept: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.output)
			if got.State != tc.state || got.Busy != tc.busy || got.AcceptsInput != tc.accept {
				t.Fatalf("Classify() = %+v, want state=%s busy=%v accept=%v", got, tc.state, tc.busy, tc.accept)
			}
		})
	}
}

func TestClassifySignatureTracksContent(t *testing.T) {
	a := Classify("> hello")
	b := Classify("> hello")
	c := Classify("> ")
	if a.Signature != b.Signature {
		t.Fatalf("identical output must produce identical signature")
	}
	if a.Signature == c.Signature {
		t.Fatalf("different output must produce different signature")
	}
}

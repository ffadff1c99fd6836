package testutil

import (
	"context"
	"sync"

	"github.com/g960059/agtscout/internal/clipboard"
	"github.com/g960059/agtscout/internal/surface"
)

// FakeSurface is an in-memory TargetSurface. Injected text overwrites
// Clipboard when set, the way the tmux surface goes through the paste buffer.
type FakeSurface struct {
	mu sync.Mutex

	Handle     surface.Handle
	AcquireErr error
	// Busy makes CheckReady report busy for the first N checks.
	Busy       int
	CheckErr   error
	FocusErr   error
	InjectErr  error
	ConfirmErr error
	Unconfirm  bool
	Clipboard  clipboard.Clipboard

	Acquires   int
	Checks     int
	Injected   []string
	Sent       []string
	Restores   int
	inFlight   int
	MaxFlight  int
	focused    bool
	pendingTxt string
}

func NewFakeSurface() *FakeSurface {
	return &FakeSurface{Handle: surface.Handle{PaneID: "%1", WindowID: "@1", SessionName: "main", CurrentCmd: "claude"}}
}

func (f *FakeSurface) Acquire(_ context.Context) (surface.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Acquires++
	if f.AcquireErr != nil {
		return surface.Handle{}, f.AcquireErr
	}
	return f.Handle, nil
}

func (f *FakeSurface) CheckReady(_ context.Context, _ surface.Handle) (surface.Readiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checks++
	if f.CheckErr != nil {
		return surface.Readiness{}, f.CheckErr
	}
	if f.Busy > 0 {
		f.Busy--
		return surface.Readiness{AcceptsInput: true, Busy: true, State: surface.StateRunning}, nil
	}
	return surface.Readiness{AcceptsInput: true, State: surface.StateIdle}, nil
}

func (f *FakeSurface) Focus(_ context.Context, _ surface.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = true
	f.inFlight++
	if f.inFlight > f.MaxFlight {
		f.MaxFlight = f.inFlight
	}
	return f.FocusErr
}

func (f *FakeSurface) RestorePreviousFocus(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.focused {
		f.inFlight--
		f.focused = false
	}
	f.Restores++
	return nil
}

func (f *FakeSurface) InjectText(ctx context.Context, _ surface.Handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Clipboard != nil {
		_ = f.Clipboard.Write(ctx, text)
	}
	if f.InjectErr != nil {
		return f.InjectErr
	}
	f.Injected = append(f.Injected, text)
	f.pendingTxt = text
	return nil
}

func (f *FakeSurface) ConfirmSend(_ context.Context, _ surface.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfirmErr != nil {
		return false, f.ConfirmErr
	}
	if f.Unconfirm {
		return false, nil
	}
	f.Sent = append(f.Sent, f.pendingTxt)
	f.pendingTxt = ""
	return true, nil
}

// SentTexts returns a copy of the confirmed payloads.
func (f *FakeSurface) SentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Sent...)
}

func (f *FakeSurface) Set(fn func(f *FakeSurface)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

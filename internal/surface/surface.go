// Package surface drives the interactive target that receives deliveries.
package surface

import (
	"context"
	"time"
)

// Handle identifies one acquired target. Handles are only valid for the
// cycle that acquired them.
type Handle struct {
	PaneID      string `json:"pane_id"`
	SessionName string `json:"session_name"`
	WindowID    string `json:"window_id"`
	WindowName  string `json:"window_name"`
	CurrentCmd  string `json:"current_cmd"`
	Title       string `json:"title,omitempty"`
}

type Readiness struct {
	AcceptsInput bool   `json:"accepts_input"`
	Busy         bool   `json:"busy"`
	State        string `json:"state"`
	Signature    uint64 `json:"-"`
}

// Ready reports whether a delivery may start.
func (r Readiness) Ready() bool {
	return r.AcceptsInput && !r.Busy
}

// TargetSurface is the operation set the delivery engine needs. Failures are
// reported with the model.Err* sentinels.
type TargetSurface interface {
	Acquire(ctx context.Context) (Handle, error)
	CheckReady(ctx context.Context, h Handle) (Readiness, error)
	Focus(ctx context.Context, h Handle) error
	RestorePreviousFocus(ctx context.Context) error
	InjectText(ctx context.Context, h Handle, text string) error
	ConfirmSend(ctx context.Context, h Handle) (bool, error)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

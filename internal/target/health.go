package target

import (
	"time"

	"github.com/g960059/agtscout/internal/config"
	"github.com/g960059/agtscout/internal/model"
)

// HealthState tracks how reliably the target surface has been reachable.
type HealthState struct {
	Current              model.TargetHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.TargetHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if (state.Current == model.TargetHealthDegraded || state.Current == model.TargetHealthDown) && state.ConsecutiveSuccesses >= cfg.SurfaceRecoverSuccesses {
			state.Current = model.TargetHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.TargetHealthOK:
		state.Current = model.TargetHealthDegraded
		state.LastTransitionAt = now
	case model.TargetHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.SurfaceDownWindow {
			// Failure window expired; start a new degraded window from this failure.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.SurfaceDownFailures {
			state.Current = model.TargetHealthDown
			state.LastTransitionAt = now
		}
	case model.TargetHealthDown:
		// keep down until enough successful cycles arrive
	}
	return state
}

// HealthTracker folds delivery-cycle outcomes into a surface health value.
// It is not safe for concurrent use; the delivery worker owns it.
type HealthTracker struct {
	cfg   config.Config
	state HealthState
}

func NewHealthTracker(cfg config.Config) *HealthTracker {
	return &HealthTracker{cfg: cfg, state: HealthState{Current: model.TargetHealthOK}}
}

// Observe records one outcome and reports whether the health value changed.
func (t *HealthTracker) Observe(success bool, now time.Time) (model.TargetHealth, bool) {
	prev := t.state.Current
	t.state = NextHealth(t.cfg, t.state, success, now)
	return t.state.Current, prev != t.state.Current
}

func (t *HealthTracker) Current() model.TargetHealth {
	return t.state.Current
}

package engine

import (
	"sync"
	"time"

	"github.com/g960059/agtscout/internal/model"
)

// State is the engine's observable state. Only the engine mutates it.
type State struct {
	mu            sync.Mutex
	running       bool
	phase         model.Phase
	lastSent      *time.Time
	lastError     string
	lastErrorAt   *time.Time
	sendCount     int64
	surfaceHealth model.TargetHealth
	startedAt     *time.Time
}

func NewState() *State {
	return &State{phase: model.PhaseStopped, surfaceHealth: model.TargetHealthOK}
}

// Snapshot copies the state. PendingCount is left zero; callers read it from the store.
func (s *State) Snapshot() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Status{
		Running:       s.running,
		Phase:         s.phase,
		LastSent:      copyTime(s.lastSent),
		LastError:     s.lastError,
		LastErrorAt:   copyTime(s.lastErrorAt),
		SendCount:     s.sendCount,
		SurfaceHealth: s.surfaceHealth,
		StartedAt:     copyTime(s.startedAt),
	}
}

func (s *State) setRunning(running bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	if running {
		s.phase = model.PhaseIdle
		s.startedAt = &now
	} else {
		s.phase = model.PhaseStopped
	}
}

func (s *State) setPhase(p model.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *State) recordError(msg string, now time.Time) {
	s.mu.Lock()
	s.lastError = msg
	s.lastErrorAt = &now
	s.mu.Unlock()
}

func (s *State) recordSent(now time.Time) {
	s.mu.Lock()
	s.lastSent = &now
	s.sendCount++
	s.lastError = ""
	s.lastErrorAt = nil
	s.mu.Unlock()
}

func (s *State) setHealth(h model.TargetHealth) {
	s.mu.Lock()
	s.surfaceHealth = h
	s.mu.Unlock()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

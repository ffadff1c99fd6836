package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageState is the delivery state persisted with every queued message.
type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageDelivered MessageState = "delivered"
	MessageFailed    MessageState = "failed"
)

func (s MessageState) Valid() bool {
	switch s {
	case MessagePending, MessageDelivered, MessageFailed:
		return true
	default:
		return false
	}
}

const DefaultMessageKind = "message"

type Message struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Content     string            `json:"content"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	State       MessageState      `json:"state"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
}

// NewMessage builds a pending message with a fresh id.
func NewMessage(kind, content string, meta map[string]string, now time.Time) Message {
	kind = NormalizeKind(kind)
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	var copied map[string]string
	if len(meta) > 0 {
		copied = make(map[string]string, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
	}
	return Message{
		ID:        NewMessageID(kind, now),
		Kind:      kind,
		Content:   content,
		Meta:      copied,
		CreatedAt: now,
		State:     MessagePending,
	}
}

// NewMessageID returns "<kind>-<YYYYMMDDhhmmss>-<12 hex>".
func NewMessageID(kind string, now time.Time) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s-%s", NormalizeKind(kind), now.UTC().Format("20060102150405"), raw[:12])
}

// NormalizeKind lower-cases kind and maps anything outside [a-z0-9._-] to '-'.
func NormalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return DefaultMessageKind
	}
	var b strings.Builder
	b.Grow(len(kind))
	for _, r := range kind {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Phase is the delivery engine state-machine position.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseDraining      Phase = "draining"
	PhaseAwaitingReady Phase = "awaiting_ready"
	PhaseDispatching   Phase = "dispatching"
	PhaseRecovering    Phase = "recovering"
	PhaseStopped       Phase = "stopped"
)

type TargetKind string

const (
	TargetKindLocal TargetKind = "local"
	TargetKindSSH   TargetKind = "ssh"
)

type TargetHealth string

const (
	TargetHealthOK       TargetHealth = "ok"
	TargetHealthDegraded TargetHealth = "degraded"
	TargetHealthDown     TargetHealth = "down"
)

// Target is where tmux commands run: the local host or an ssh alias.
type Target struct {
	Kind          TargetKind
	ConnectionRef string
}

// Status is the read-only engine snapshot reported to callers.
type Status struct {
	Running       bool         `json:"running"`
	Phase         Phase        `json:"phase"`
	PendingCount  int          `json:"pending_count"`
	LastSent      *time.Time   `json:"last_sent,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastErrorAt   *time.Time   `json:"last_error_at,omitempty"`
	SendCount     int64        `json:"send_count"`
	SurfaceHealth TargetHealth `json:"surface_health"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
}

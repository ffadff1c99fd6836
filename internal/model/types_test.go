package model

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewMessageIDFormat(t *testing.T) {
	now := time.Date(2026, 2, 13, 9, 30, 5, 0, time.UTC)
	id := NewMessageID("Forest Chat", now)
	if !strings.HasPrefix(id, "forest-chat-20260213093005-") {
		t.Fatalf("unexpected id prefix: %s", id)
	}
	if len(id) != len("forest-chat-20260213093005-")+12 {
		t.Fatalf("unexpected id length: %s", id)
	}
	if other := NewMessageID("Forest Chat", now); other == id {
		t.Fatalf("expected distinct ids within the same second")
	}
}

func TestNormalizeKind(t *testing.T) {
	cases := map[string]string{
		"":             DefaultMessageKind,
		"  Cypress ":   "cypress",
		"a/b c":        "a-b-c",
		"forest-chat":  "forest-chat",
		"v1.2_release": "v1.2_release",
	}
	for in, want := range cases {
		if got := NormalizeKind(in); got != want {
			t.Fatalf("NormalizeKind(%q)=%q want %q", in, got, want)
		}
	}
}

func TestNewMessageCopiesMeta(t *testing.T) {
	meta := map[string]string{"from": "cypress"}
	msg := NewMessage("chat", "hi", meta, time.Time{})
	meta["from"] = "mutated"
	if msg.Meta["from"] != "cypress" {
		t.Fatalf("meta should be copied, got %q", msg.Meta["from"])
	}
	if msg.State != MessagePending || msg.CreatedAt.IsZero() {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", ErrTargetNotFound)
	if got := ErrorCode(wrapped); got != CodeTargetNotFound {
		t.Fatalf("expected %s, got %s", CodeTargetNotFound, got)
	}
	corrupt := fmt.Errorf("%w: %w", ErrStoreUnavailable, ErrCorruptQueue)
	if got := ErrorCode(corrupt); got != CodeQueueCorrupt {
		t.Fatalf("corrupt should win over unavailable, got %s", got)
	}
}

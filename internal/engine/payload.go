package engine

import (
	"strings"

	"github.com/g960059/agtscout/internal/model"
)

// Separator joins message contents in a combined delivery.
const Separator = "\n\n---\n"

// Batch is one combined delivery. IDs are the messages whose text is in
// Text; Blank holds whitespace-only messages, which are never typed.
type Batch struct {
	IDs   []string
	Blank []string
	Text  string
}

func BuildPayload(msgs []model.Message) Batch {
	b := Batch{IDs: make([]string, 0, len(msgs))}
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if strings.TrimSpace(msg.Content) == "" {
			b.Blank = append(b.Blank, msg.ID)
			continue
		}
		b.IDs = append(b.IDs, msg.ID)
		parts = append(parts, msg.Content)
	}
	b.Text = strings.Join(parts, Separator)
	return b
}

// Package contextmgr implements the six-turn sliding window of bilingual
// utterances injected into both sessions before translation, grounded on
// original_source's realtime/context_manager.py.
package contextmgr

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultMaxTurns        = 6
	defaultMaxCharsPerTurn = 100
)

type turn struct {
	role string
	text string
}

// Sender is the subset of RealtimeSession.SendContextItem this package
// needs, kept as an interface so tests can substitute a recorder.
type Sender interface {
	SendContextItem(ctx context.Context, text string) error
}

// ContextManager holds a fixed-size ordered list of recent turns.
type ContextManager struct {
	maxTurns        int
	maxCharsPerTurn int
	turns           []turn
}

// New constructs a ContextManager with spec.md §4.11's defaults
// (capacity 6, 100 chars/turn).
func New() *ContextManager {
	return &ContextManager{maxTurns: defaultMaxTurns, maxCharsPerTurn: defaultMaxCharsPerTurn}
}

// AddTurn trims text to the per-turn character cap and appends it,
// evicting the oldest turn once the window is full. Empty text (after
// trimming whitespace) is ignored.
func (c *ContextManager) AddTurn(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > c.maxCharsPerTurn {
		text = string(runes[:c.maxCharsPerTurn])
	}
	c.turns = append(c.turns, turn{role: role, text: text})
	if len(c.turns) > c.maxTurns {
		c.turns = c.turns[len(c.turns)-c.maxTurns:]
	}
}

// TurnCount is the number of turns currently held; always <= maxTurns.
func (c *ContextManager) TurnCount() int {
	return len(c.turns)
}

// FormatContext renders the held turns as "User: ...\nRecipient: ..." lines.
func (c *ContextManager) FormatContext() string {
	lines := make([]string, 0, len(c.turns))
	for _, t := range c.turns {
		label := "User"
		if t.role == "recipient" {
			label = "Recipient"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, t.text))
	}
	return strings.Join(lines, "\n")
}

// InjectContext sends the formatted context as a single conversation item
// via conversation.item.create, never session.update, because
// session.update resets session state (spec.md §4.11).
func (c *ContextManager) InjectContext(ctx context.Context, s Sender) error {
	if len(c.turns) == 0 {
		return nil
	}
	wrapped := fmt.Sprintf("[Previous conversation for context]\n%s\n[End context — now translate the next utterance]", c.FormatContext())
	return s.SendContextItem(ctx, wrapped)
}

// Clear empties the turn window.
func (c *ContextManager) Clear() {
	c.turns = nil
}

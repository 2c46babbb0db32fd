// Package session stores per-session conversation history.
package session

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store maps session ids to ordered turns. Sessions come into existence on
// their first Append and disappear on Clear; History of an unknown session
// is empty. Concurrent appends to the same session id interleave.
type Store interface {
	History(ctx context.Context, sessionID string) ([]Turn, error)
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	Clear(ctx context.Context, sessionID string) error
}

func validate(turns []Turn) error {
	for i, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return fmt.Errorf("turn %d: invalid role %q", i, t.Role)
		}
	}
	return nil
}

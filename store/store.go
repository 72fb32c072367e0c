// Package store keeps per-session conversation histories. Sessions are
// identified by flake ids minted in chatmodel; each holds an ordered list
// of messages that the conversation loop replays to the model on every
// turn. Two implementations are provided: an in-process map store and a
// Redis-backed store for histories that must outlive the process.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "store")

//go:generate mockgen -source=store.go -destination=../mocks/mockstore/store_mock.gen.go -package mockstore

// ErrSessionNotFound is returned when the requested session id does not
// exist or has expired.
var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation history. The system prompt is never part of
// Messages; the engine prepends it on each model call.
type Session struct {
	ID             string         `json:"id"`
	Messages       []llms.Message `json:"messages,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// SessionInfo is a summary of a session without its messages.
type SessionInfo struct {
	ID             string    `json:"id"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Store persists session histories. Append is atomic per session:
// concurrent appenders never interleave within one call's message batch.
type Store interface {
	// GetOrCreate returns the session with the given id, creating it when
	// absent. When id is empty a new flake id is minted. The bool reports
	// whether the session was created by this call.
	GetOrCreate(ctx context.Context, id string) (*Session, bool, error)
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Append adds messages to the session history and bumps its access time.
	Append(ctx context.Context, id string, msgs ...llms.Message) error
	// History returns a copy of the session's messages in conversation order.
	History(ctx context.Context, id string) ([]llms.Message, error)
	// Clear removes the session. It reports whether a session existed.
	Clear(ctx context.Context, id string) (bool, error)
	// List returns summaries of all live sessions.
	List(ctx context.Context) ([]*SessionInfo, error)
	// Close releases any underlying resources.
	Close() error
}

// Info returns the summary view of the session.
func (s *Session) Info() *SessionInfo {
	return &SessionInfo{
		ID:             s.ID,
		MessageCount:   len(s.Messages),
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
	}
}

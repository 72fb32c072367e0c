package chatmodel

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xdb/pkg/flake"
)

// ChatContext identifies one conversation and one execution within it.
// The chat ID is stable for the life of the session; the run ID is minted
// per engine execution so concurrent turns remain distinguishable in logs.
type ChatContext interface {
	GetChatID() string
	SetChatID(chatID string)
	// RunID identifies a single engine execution within the session.
	RunID() string
	// AppData returns immutable app data
	AppData() any
	// GetMetadata retrieves metadata by key
	GetMetadata(key string) (value any, ok bool)
	// SetMetadata sets metadata by key
	SetMetadata(key string, value any)
}

type chatContext struct {
	chatID   string
	runID    string
	metadata sync.Map
	appData  any
}

func (c *chatContext) GetChatID() string {
	return c.chatID
}

func (c *chatContext) SetChatID(chatID string) {
	c.chatID = chatID
}

func (c *chatContext) RunID() string {
	return c.runID
}

func (c *chatContext) AppData() any {
	return c.appData
}

func (c *chatContext) GetMetadata(key string) (value any, ok bool) {
	return c.metadata.Load(key)
}

func (c *chatContext) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

func NewChatContext(chatID string, appData any) ChatContext {
	return &chatContext{
		chatID:   values.StringsCoalesce(chatID, NewChatID()),
		runID:    NewChatID(),
		appData:  appData,
		metadata: sync.Map{},
	}
}

type contextKey int

const (
	keyContext contextKey = iota
)

// WithChatContext returns a new context with ChatContext value
func WithChatContext(ctx context.Context, chatCtx ChatContext) context.Context {
	return context.WithValue(ctx, keyContext, chatCtx)
}

// GetChatContext retrieves the ChatContext from the context
func GetChatContext(ctx context.Context) ChatContext {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v
	}
	return nil
}

// GetChatID retrieves the chat ID from the provided context.
// If the context does not contain a ChatContext, it returns an empty string.
func GetChatID(ctx context.Context) string {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v.GetChatID()
	}
	return ""
}

// GetRunID retrieves the run ID from the provided context.
// If the context does not contain a ChatContext, it returns an empty string.
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v.RunID()
	}
	return ""
}

// SetChatID updates the chat ID on the context's ChatContext.
// It returns ErrInvalidChatContext when the context carries none.
func SetChatID(ctx context.Context, chatID string) (context.Context, error) {
	v := GetChatContext(ctx)
	if v == nil {
		return ctx, errors.WithStack(ErrInvalidChatContext)
	}
	v.SetChatID(chatID)
	return ctx, nil
}

// GetChatAndRunID retrieves both identifiers from the provided context.
// It returns ErrInvalidChatContext when the context carries no ChatContext.
func GetChatAndRunID(ctx context.Context) (chatID, runID string, err error) {
	v := GetChatContext(ctx)
	if v == nil {
		return "", "", errors.WithStack(ErrInvalidChatContext)
	}
	return v.GetChatID(), v.RunID(), nil
}

// NewFromContext returns a fresh background context carrying the same
// ChatContext, detaching follow-up work from the caller's cancellation.
func NewFromContext(ctx context.Context) context.Context {
	if v := GetChatContext(ctx); v != nil {
		return WithChatContext(context.Background(), v)
	}
	return context.Background()
}

// NewChatID generates a new chat ID using the flake ID generator.
func NewChatID() string {
	return strconv.FormatUint(flake.DefaultIDGenerator.NextID(), 10)
}

// Package callbacks provides composite engine.Callback implementations:
// a fanout that forwards events to several receivers and a scratchpad that
// records a per-session run transcript with counters.
package callbacks

import (
	"context"

	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/router"
)

// ensure that the callbacks implement the correct interfaces
var (
	_ engine.Callback = (*Fanout)(nil)
	_ engine.Callback = (*Scratchpad)(nil)
)

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout forwards every event to multiple callbacks.
type Fanout struct {
	callbacks []engine.Callback
}

func NewFanout(callbacks ...engine.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback engine.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnQueryStart(ctx context.Context, sessionID, input string) {
	for _, callback := range l.callbacks {
		callback.OnQueryStart(ctx, sessionID, input)
	}
}

func (l *Fanout) OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer) {
	for _, callback := range l.callbacks {
		callback.OnQueryEnd(ctx, sessionID, answer)
	}
}

func (l *Fanout) OnQueryError(ctx context.Context, sessionID, input string, err error) {
	for _, callback := range l.callbacks {
		callback.OnQueryError(ctx, sessionID, input, err)
	}
}

func (l *Fanout) OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message) {
	for _, callback := range l.callbacks {
		callback.OnLLMCallStart(ctx, modelName, turn, payload)
	}
}

func (l *Fanout) OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse) {
	for _, callback := range l.callbacks {
		callback.OnLLMCallEnd(ctx, modelName, turn, resp)
	}
}

func (l *Fanout) OnToolCallStart(ctx context.Context, req router.Request) {
	for _, callback := range l.callbacks {
		callback.OnToolCallStart(ctx, req)
	}
}

func (l *Fanout) OnToolCallEnd(ctx context.Context, res router.Result) {
	for _, callback := range l.callbacks {
		callback.OnToolCallEnd(ctx, res)
	}
}

// Package router dispatches tool calls requested by the model. It resolves
// each call against the registry, validates arguments against the tool's
// declared schema before any network traffic, forwards the call to the
// owning server through the hub, and normalizes every failure into a typed
// result. The conversation loop never sees a raw transport error: every
// dispatch produces a Result that can be replayed to the model.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/mcphub"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/metricskey"
	"github.com/effective-security/xchat/registry"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "router")

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindTransportClosed  ErrorKind = "transport-closed"
	KindRemoteToolError  ErrorKind = "remote-tool-error"
	KindUnavailable      ErrorKind = "unavailable"
	KindUnknownTool      ErrorKind = "unknown-tool"
	KindInvalidArguments ErrorKind = "invalid-arguments"
)

// Request is one tool call to dispatch. ID is the correlation id minted by
// the model (or by FromToolCalls when the model omitted one).
type Request struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result is the outcome of one dispatch, success or not. It always carries
// the originating correlation id.
type Result struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Success     bool          `json:"success"`
	Payload     string        `json:"payload,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Text renders the result as the content of a tool-result message. Failures
// are spelled out so the model can correct itself on the next turn.
func (r Result) Text() string {
	if r.Success {
		return r.Payload
	}
	return fmt.Sprintf("ERROR [%s]: %s", r.ErrorKind, r.ErrorDetail)
}

// Invoker forwards a resolved tool call to the server that owns it.
// *mcphub.Hub is the production implementation.
type Invoker interface {
	Invoke(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Option configures the router.
type Option func(*Router)

// WithMaxPayload truncates successful payloads larger than n bytes before
// they enter conversation history. Zero means unbounded.
func WithMaxPayload(n int) Option {
	return func(rt *Router) {
		rt.maxPayload = n
	}
}

// Router resolves, validates and dispatches tool calls.
type Router struct {
	reg        *registry.Registry
	hub        Invoker
	maxPayload int
}

// New creates a router over the given registry and hub.
func New(reg *registry.Registry, hub Invoker, opts ...Option) *Router {
	rt := &Router{
		reg: reg,
		hub: hub,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Execute dispatches one call. It never returns an error: every failure is
// folded into the result.
func (rt *Router) Execute(ctx context.Context, req Request) Result {
	result := Result{ID: req.ID, Name: req.Name}
	started := time.Now()

	desc, err := rt.reg.Resolve(req.Name)
	if err != nil {
		result.ErrorKind = KindUnknownTool
		result.ErrorDetail = fmt.Sprintf("Tool `%s` not found. Check the tool name and try again with an exact match. Available tools: %s",
			req.Name, strings.Join(rt.toolNames(), ", "))
		result.Elapsed = time.Since(started)
		metricskey.StatsToolCallsUnknown.IncrCounter(1, req.Name)
		logger.ContextKV(ctx, xlog.WARNING,
			"tool", req.Name,
			"status", "unknown_tool",
		)
		return result
	}

	if err := desc.ValidateArguments(req.Arguments); err != nil {
		result.ErrorKind = KindInvalidArguments
		result.ErrorDetail = err.Error()
		result.Elapsed = time.Since(started)
		metricskey.StatsToolCallsRejected.IncrCounter(1, req.Name, desc.ServerID)
		logger.ContextKV(ctx, xlog.WARNING,
			"tool", req.Name,
			"server", desc.ServerID,
			"status", "invalid_arguments",
			"err", err.Error(),
		)
		return result
	}

	res, err := rt.hub.Invoke(ctx, desc.ServerID, req.Name, req.Arguments)
	result.Elapsed = time.Since(started)
	metricskey.PerfToolCall.MeasureSince(started, req.Name, desc.ServerID)

	if err != nil {
		result.ErrorKind = classify(err)
		result.ErrorDetail = err.Error()
		metricskey.StatsToolCallsFailed.IncrCounter(1, req.Name, desc.ServerID)
		logger.ContextKV(ctx, xlog.WARNING,
			"tool", req.Name,
			"server", desc.ServerID,
			"kind", string(result.ErrorKind),
			"elapsed", result.Elapsed.String(),
			"err", err.Error(),
		)
		return result
	}

	result.Success = true
	result.Payload = rt.clip(mcphub.ResultText(res))
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, req.Name, desc.ServerID)
	logger.ContextKV(ctx, xlog.DEBUG,
		"tool", req.Name,
		"server", desc.ServerID,
		"status", "tool_call_succeeded",
		"elapsed", result.Elapsed.String(),
		"size", len(result.Payload),
	)
	return result
}

// ExecuteAll dispatches all calls concurrently, one goroutine per call, and
// returns results in completion order. Each result carries its correlation
// id; callers must not assume input order.
func (rt *Router) ExecuteAll(ctx context.Context, reqs []Request) []Result {
	if len(reqs) == 0 {
		return nil
	}

	resultChan := make(chan Result, len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for _, req := range reqs {
		go func(req Request) {
			defer wg.Done()
			resultChan <- rt.Execute(ctx, req)
		}(req)
	}
	wg.Wait()
	close(resultChan)

	results := make([]Result, 0, len(reqs))
	for res := range resultChan {
		results = append(results, res)
	}
	return results
}

// FromToolCalls builds dispatch requests from the model's tool-call parts.
// A call missing its correlation id gets a minted UUID so the result can
// still be correlated.
func FromToolCalls(calls []llms.ToolCall) []Request {
	reqs := make([]Request, 0, len(calls))
	for _, call := range calls {
		if call.FunctionCall == nil {
			continue
		}
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		reqs = append(reqs, Request{
			ID:        id,
			Name:      call.FunctionCall.Name,
			Arguments: json.RawMessage(call.FunctionCall.Arguments),
		})
	}
	return reqs
}

func (rt *Router) toolNames() []string {
	catalog := rt.reg.Catalog()
	names := make([]string, 0, len(catalog))
	for _, d := range catalog {
		names = append(names, d.Name)
	}
	return names
}

func (rt *Router) clip(payload string) string {
	if rt.maxPayload <= 0 || len(payload) <= rt.maxPayload {
		return payload
	}
	return fmt.Sprintf("%s... [truncated %d bytes]", payload[:rt.maxPayload], len(payload)-rt.maxPayload)
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, mcphub.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, mcphub.ErrTransportClosed):
		return KindTransportClosed
	case errors.Is(err, mcphub.ErrRemoteTool), errors.Is(err, mcphub.ErrProtocol):
		return KindRemoteToolError
	default:
		return KindUnavailable
	}
}

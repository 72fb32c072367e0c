package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/router"
	"github.com/effective-security/xlog"
)

// Callback receives engine lifecycle events. Implementations must be safe
// for concurrent use; tool events for one turn may arrive from several
// goroutines' results interleaved with other sessions.
type Callback interface {
	OnQueryStart(ctx context.Context, sessionID, input string)
	OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer)
	OnQueryError(ctx context.Context, sessionID, input string, err error)
	OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message)
	OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse)
	OnToolCallStart(ctx context.Context, req router.Request)
	OnToolCallEnd(ctx context.Context, res router.Result)
}

// NoopCallback does nothing.
type NoopCallback struct{}

func NewNoopCallback() *NoopCallback {
	return &NoopCallback{}
}

var _ Callback = (*NoopCallback)(nil)

func (l *NoopCallback) OnQueryStart(ctx context.Context, sessionID, input string)       {}
func (l *NoopCallback) OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer) {
}
func (l *NoopCallback) OnQueryError(ctx context.Context, sessionID, input string, err error) {}
func (l *NoopCallback) OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message) {
}
func (l *NoopCallback) OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse) {
}
func (l *NoopCallback) OnToolCallStart(ctx context.Context, req router.Request) {}
func (l *NoopCallback) OnToolCallEnd(ctx context.Context, res router.Result)    {}

// PrinterCallback writes events to the Writer.
type PrinterCallback struct {
	Out io.Writer
}

func NewPrinterCallback(out io.Writer) *PrinterCallback {
	return &PrinterCallback{Out: out}
}

var _ Callback = (*PrinterCallback)(nil)

func (l *PrinterCallback) OnQueryStart(ctx context.Context, sessionID, input string) {
	fmt.Fprintf(l.Out, "Query Start: %s\n", sessionID)
	fmt.Fprintf(l.Out, "Input: %s\n", input)
}

func (l *PrinterCallback) OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer) {
	fmt.Fprintf(l.Out, "Query End: %s\n", sessionID)
	if answer != nil && answer.Response != "" {
		fmt.Fprintln(l.Out, answer.Response)
	}
}

func (l *PrinterCallback) OnQueryError(ctx context.Context, sessionID, input string, err error) {
	fmt.Fprintf(l.Out, "Query Error: %s: %s\n", sessionID, err.Error())
}

func (l *PrinterCallback) OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message) {
	fmt.Fprintf(l.Out, "LLM Call Start: %s, turn %d, %d messages\n", modelName, turn, len(payload))
}

func (l *PrinterCallback) OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse) {
	fmt.Fprintf(l.Out, "LLM Call End: %s, turn %d\n", modelName, turn)
	for _, choice := range resp.Choices {
		if choice.Content != "" {
			fmt.Fprintln(l.Out, choice.Content)
		}
	}
}

func (l *PrinterCallback) OnToolCallStart(ctx context.Context, req router.Request) {
	fmt.Fprintf(l.Out, "Tool Start: %s\n", req.Name)
	fmt.Fprintf(l.Out, "Input: %s\n", string(req.Arguments))
}

func (l *PrinterCallback) OnToolCallEnd(ctx context.Context, res router.Result) {
	if res.Success {
		fmt.Fprintf(l.Out, "Tool End: %s\n", res.Name)
		fmt.Fprintf(l.Out, "Output: %s\n", res.Payload)
		return
	}
	fmt.Fprintf(l.Out, "Tool Error: %s: [%s] %s\n", res.Name, res.ErrorKind, res.ErrorDetail)
}

// PackageLoggerCallback writes events to the logger.
type PackageLoggerCallback struct {
	logger *xlog.PackageLogger
}

func NewPackageLoggerCallback(logger *xlog.PackageLogger) *PackageLoggerCallback {
	return &PackageLoggerCallback{logger: logger}
}

var _ Callback = (*PackageLoggerCallback)(nil)

func (l *PackageLoggerCallback) OnQueryStart(ctx context.Context, sessionID, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "query_start",
		"session", sessionID,
		"input", input,
	)
}

func (l *PackageLoggerCallback) OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "query_end",
		"session", sessionID,
	)
	if answer != nil && answer.Response != "" {
		l.logger.ContextKV(ctx, xlog.DEBUG, "result", answer.Response)
	}
}

func (l *PackageLoggerCallback) OnQueryError(ctx context.Context, sessionID, input string, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "query_error",
		"session", sessionID,
		"err", err.Error(),
	)
}

func (l *PackageLoggerCallback) OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_start",
		"model", modelName,
		"turn", turn,
		"messages", len(payload),
	)
}

func (l *PackageLoggerCallback) OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_end",
		"model", modelName,
		"turn", turn,
		"choices", len(resp.Choices),
	)
}

func (l *PackageLoggerCallback) OnToolCallStart(ctx context.Context, req router.Request) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_call_start",
		"tool", req.Name,
		"input", string(req.Arguments),
	)
}

func (l *PackageLoggerCallback) OnToolCallEnd(ctx context.Context, res router.Result) {
	if res.Success {
		l.logger.ContextKV(ctx, xlog.DEBUG,
			"event", "tool_call_end",
			"tool", res.Name,
			"output", res.Payload,
		)
		return
	}
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "tool_call_error",
		"tool", res.Name,
		"kind", string(res.ErrorKind),
		"err", res.ErrorDetail,
	)
}

package callbacks

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/effective-security/xchat/router"
)

var TimeNowFn = time.Now

// RunStats aggregates the counters of one recorded run.
type RunStats struct {
	ChatID string
	RunID  string

	Duration           time.Duration
	TotalMessages      uint32
	LLMBytesOut        uint64
	LLMBytesIn         uint64
	LLMInputTokens     uint64
	LLMOutputTokens    uint64
	LLMTotalTokens     uint64
	LLMCalls           uint32
	Queries            uint32
	QueriesSucceeded   uint32
	QueriesFailed      uint32
	ToolCalls          uint32
	ToolCallsSucceeded uint32
	ToolCallsFailed    uint32
	ToolsNotFound      uint32
}

// Scratchpad records a timestamped transcript and counters per run, keyed
// by the chat id carried in the context. Front ends call StartRun before a
// query and EndRun after it to collect the transcript.
type Scratchpad struct {
	runs map[string]*run
	mode Mode
	lock sync.Mutex
}

func NewScratchpad(mode Mode) *Scratchpad {
	return &Scratchpad{
		runs: make(map[string]*run),
		mode: mode,
	}
}

// StartRun opens a transcript for the chat id carried by the context.
func (l *Scratchpad) StartRun(ctx context.Context) {
	chatCtx := chatmodel.GetChatContext(ctx)
	if chatCtx == nil {
		return
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.runs[chatCtx.GetChatID()] = &run{
		stats: RunStats{
			ChatID: chatCtx.GetChatID(),
			RunID:  chatCtx.RunID(),
		},
		chatCtx: chatCtx,
		started: time.Now(),
	}

	l.runs[chatCtx.GetChatID()].print("*** Run Started ***")
}

// EndRun closes the transcript and returns the stats and the recorded text.
func (l *Scratchpad) EndRun(ctx context.Context) (*RunStats, []byte) {
	run := l.getRun(ctx)
	if run == nil {
		return nil, nil
	}

	stats := run.stats
	stats.Duration = time.Since(run.started)

	run.print(fmt.Sprintf("Queries: %d, Failed: %d",
		stats.Queries,
		stats.QueriesFailed,
	))
	run.print(fmt.Sprintf("Tool calls: %d, Failed: %d, Not Found: %d",
		stats.ToolCalls,
		stats.ToolCallsFailed,
		stats.ToolsNotFound,
	))
	run.print(fmt.Sprintf("LLM calls: %d, Messages: %d, Bytes Out: %d, Bytes In: %d, Input Tokens: %d, Output Tokens: %d, Total Tokens: %d",
		stats.LLMCalls,
		stats.TotalMessages,
		stats.LLMBytesOut,
		stats.LLMBytesIn,
		stats.LLMInputTokens,
		stats.LLMOutputTokens,
		stats.LLMTotalTokens,
	))

	run.print(fmt.Sprintf("*** Run Ended. Duration: %s ***", stats.Duration))

	l.lock.Lock()
	delete(l.runs, run.chatCtx.GetChatID())
	l.lock.Unlock()

	return &stats, run.w.Bytes()
}

func (l *Scratchpad) getRun(ctx context.Context) *run {
	chatCtx := chatmodel.GetChatContext(ctx)
	if chatCtx == nil {
		return nil
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	return l.runs[chatCtx.GetChatID()]
}

func (l *Scratchpad) OnQueryStart(ctx context.Context, sessionID, input string) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.Queries, 1)
	run.print("*** Query Start ***")
	run.print("Input:", input)
}

func (l *Scratchpad) OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.QueriesSucceeded, 1)
	if l.mode == ModeVerbose && answer != nil {
		run.print("Output:", answer.Response)
		if answer.HasChart() {
			run.print("Chart:", string(answer.Chart))
		}
	}
	run.print("*** Query End ***")
}

func (l *Scratchpad) OnQueryError(ctx context.Context, sessionID, input string, err error) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.QueriesFailed, 1)
	run.print("*** Error ***", err.Error())
}

func (l *Scratchpad) OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}

	atomic.AddUint64(&run.stats.LLMBytesOut, llmutils.CountMessagesContentSize(payload))
	atomic.AddUint32(&run.stats.LLMCalls, 1)
	count := uint32(len(payload))
	atomic.AddUint32(&run.stats.TotalMessages, count)

	run.print("*** LLM Call ***", fmt.Sprintf("%s model, turn %d, %d messages", modelName, turn, count))
	if l.mode == ModeVerbose {
		run.print(printMessages(payload))
	}
}

func (l *Scratchpad) OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}

	atomic.AddUint64(&run.stats.LLMBytesIn, llmutils.CountResponseContentSize(resp))
	tokensIn, tokensOut, tokensTotal := llmutils.CountTokens(resp)
	atomic.AddUint64(&run.stats.LLMInputTokens, uint64(tokensIn))
	atomic.AddUint64(&run.stats.LLMOutputTokens, uint64(tokensOut))
	atomic.AddUint64(&run.stats.LLMTotalTokens, uint64(tokensTotal))

	run.print("*** LLM Call End ***", fmt.Sprintf("%s model, %d input tokens, %d output tokens, %d total tokens", modelName, tokensIn, tokensOut, tokensTotal))
}

func (l *Scratchpad) OnToolCallStart(ctx context.Context, req router.Request) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.ToolCalls, 1)
	run.print(req.Name, "*** Tool Start ***")
	run.print(req.Name, "Input:", string(req.Arguments))
}

func (l *Scratchpad) OnToolCallEnd(ctx context.Context, res router.Result) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	switch {
	case res.Success:
		atomic.AddUint32(&run.stats.ToolCallsSucceeded, 1)
		if l.mode == ModeVerbose {
			run.print(res.Name, "Output:", res.Payload)
		}
		run.print(res.Name, "*** Tool End ***", res.Elapsed.String())
	case res.ErrorKind == router.KindUnknownTool:
		atomic.AddUint32(&run.stats.ToolsNotFound, 1)
		run.print(res.Name, "*** Tool Not Found ***")
	default:
		atomic.AddUint32(&run.stats.ToolCallsFailed, 1)
		run.print(res.Name, "*** Tool Error ***", string(res.ErrorKind), res.ErrorDetail)
	}
}

func printMessages(messages []llms.Message) string {
	var buf strings.Builder
	buf.WriteString("Messages:\n")
	for idx, msg := range messages {
		fmt.Fprintf(&buf, "[%d] %s:\n", idx, msg.Role)
		textParts := 0
		toolParts := 0
		toolResponseParts := 0
		for _, part := range msg.Parts {
			switch typ := part.(type) {
			case llms.TextContent:
				textParts++
			case llms.ToolCall:
				toolParts++
				buf.WriteString("  - ")
				buf.WriteString(typ.String())
				buf.WriteString("\n")
			case llms.ToolCallResponse:
				toolResponseParts++
				buf.WriteString("  - ")
				buf.WriteString(typ.String())
				buf.WriteString("\n")
			}
		}

		fmt.Fprintf(&buf, "  - %d texts, %d tool calls, %d tool responses\n", textParts, toolParts, toolResponseParts)
	}
	return buf.String()
}

type run struct {
	chatCtx chatmodel.ChatContext
	w       bytes.Buffer
	started time.Time
	lock    sync.Mutex
	stats   RunStats
}

// print writes the entries to the run's output.
// The entries are written in the following format:
// [timestamp chatID.runID] entry entry\n
func (r *run) print(entries ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := TimeNowFn()
	ts := now.Format("2006-01-02 15:04:05")

	_, _ = r.w.WriteString(ts)
	_, _ = r.w.WriteString(" ")
	_, _ = r.w.WriteString(r.chatCtx.GetChatID())
	_, _ = r.w.WriteString(".")
	_, _ = r.w.WriteString(r.chatCtx.RunID())
	_, _ = r.w.WriteString(" ")

	for i, entry := range entries {
		if i > 0 {
			_, _ = r.w.WriteString(" ")
		}
		_, _ = r.w.WriteString(entry)
	}
	_, _ = r.w.WriteString("\n")
}

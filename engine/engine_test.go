package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/mcphub"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/effective-security/xchat/registry"
	"github.com/effective-security/xchat/router"
	"github.com/effective-security/xchat/store"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finalAnswer = `{"response":"There are 42 employees.","chart":null}`

// fakeModel replays a scripted sequence of responses and records every call.
// When the script runs out the last response repeats.
type fakeModel struct {
	mu        sync.Mutex
	err       error
	script    []*llms.ContentResponse
	fn        func(messages []llms.Message) (*llms.ContentResponse, error)
	calls     int
	histories [][]llms.Message
	toolsSeen [][]llms.Tool
}

func (m *fakeModel) GetName() string                    { return "fake-model" }
func (m *fakeModel) GetProviderType() llms.ProviderType { return llms.ProviderOpenAI }

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var co llms.CallOptions
	for _, o := range options {
		o(&co)
	}

	m.mu.Lock()
	i := m.calls
	m.calls++
	m.histories = append(m.histories, messages)
	m.toolsSeen = append(m.toolsSeen, co.Tools)
	fn := m.fn
	err := m.err
	script := m.script
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(messages)
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeModel) sentMessages(call int) []llms.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histories[call]
}

func (m *fakeModel) sentTools(call int) []llms.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolsSeen[call]
}

// fakeInvoker stands in for the connection pool.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, serverID, tool, args)
	}
	return textResult(`{"columns":[],"rows":[],"row_count":0}`), nil
}

func (f *fakeInvoker) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}},
	}
}

func toolCallResponse(text string, calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "tool_calls", ToolCalls: calls}},
	}
}

func toolCall(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	conflicts := reg.Register("sql", []*mcp.Tool{
		{
			Name:        "run_query",
			Description: "Runs a read-only SQL query against a named database.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"database": {Type: "string"},
					"query":    {Type: "string"},
				},
				Required: []string{"database", "query"},
			},
		},
	})
	require.Empty(t, conflicts)
	conflicts = reg.Register("files", []*mcp.Tool{
		{Name: "show_files_in_folder", Description: "Lists the contents of a folder."},
	})
	require.Empty(t, conflicts)
	return reg
}

func newTestEngine(t *testing.T, cfg *engine.Config, model llms.Model, inv router.Invoker, opts ...engine.Option) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	if cfg == nil {
		cfg = &engine.Config{}
	}
	reg := newTestRegistry(t)
	st := store.NewMemoryStore()
	eng := engine.New(cfg, model, reg, nil, router.New(reg, inv), st, opts...)
	return eng, st
}

func Test_ProcessQuery_DirectAnswer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse(`{"response":"Paris is the capital of France.","chart":null}`),
	}}
	inv := &fakeInvoker{}
	eng, _ := newTestEngine(t, nil, model, inv)

	reply, err := eng.ProcessQuery(ctx, "", "What is the capital of France?")
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.NotEmpty(t, reply.SessionID)
	assert.Equal(t, "Paris is the capital of France.", reply.Answer.Response)
	assert.False(t, reply.Answer.HasChart())
	assert.Empty(t, inv.invoked())

	// the system prompt is sent to the model but never stored
	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, llms.RoleHuman, hist[0].Role)
	assert.Equal(t, llms.RoleAI, hist[1].Role)

	require.Equal(t, 1, model.callCount())
	sent := model.sentMessages(0)
	require.Len(t, sent, 2)
	assert.Equal(t, llms.RoleSystem, sent[0].Role)
	sys := sent[0].GetContent()
	assert.Contains(t, sys, "Available tools:")
	assert.Contains(t, sys, "`run_query`")
	assert.Contains(t, sys, "`show_files_in_folder`")

	// the catalog travels with the call
	require.Len(t, model.sentTools(0), 2)
	assert.Equal(t, "run_query", model.sentTools(0)[0].Function.Name)
}

func Test_ProcessQuery_EmptyCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse(`{"response":"I have no tools, but the answer is 4.","chart":null}`),
	}}
	reg := registry.New()
	st := store.NewMemoryStore()
	eng := engine.New(&engine.Config{}, model, reg, nil, router.New(reg, &fakeInvoker{}), st)

	reply, err := eng.ProcessQuery(ctx, "", "What is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "I have no tools, but the answer is 4.", reply.Answer.Response)

	assert.Empty(t, model.sentTools(0))
	assert.NotContains(t, model.sentMessages(0)[0].GetContent(), "Available tools:")
}

func Test_ProcessQuery_DegenerateFinalAnswer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// a reply with zero tool calls and empty text terminates the query as
	// an empty final answer, not an error
	model := &fakeModel{script: []*llms.ContentResponse{textResponse("")}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "Anything at all?")
	require.NoError(t, err)
	assert.Equal(t, 1, model.callCount())
	assert.Empty(t, reply.Answer.Response)
	assert.False(t, reply.Answer.HasChart())

	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, llms.RoleAI, hist[1].Role)
}

func Test_ProcessQuery_ToolTurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// a multi-hundred-row result must reach the model in one tool message
	rows := make([][]int, 275)
	for i := range rows {
		rows[i] = []int{i + 1}
	}
	payload, err := json.Marshal(map[string]any{
		"columns":   []string{"id"},
		"rows":      rows,
		"row_count": 275,
	})
	require.NoError(t, err)

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", toolCall("call-1", "run_query", `{"database":"employees","query":"SELECT id FROM employees"}`)),
		textResponse(`{"response":"There are 275 employees.","chart":null}`),
	}}
	inv := &fakeInvoker{
		fn: func(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
			return textResult(string(payload)), nil
		},
	}
	eng, _ := newTestEngine(t, nil, model, inv)

	reply, err := eng.ProcessQuery(ctx, "", "How many employees are there?")
	require.NoError(t, err)
	assert.Equal(t, "There are 275 employees.", reply.Answer.Response)
	assert.Equal(t, []string{"run_query"}, inv.invoked())

	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, llms.RoleHuman, hist[0].Role)
	assert.Equal(t, llms.RoleAI, hist[1].Role)
	assert.Equal(t, llms.RoleTool, hist[2].Role)
	assert.Equal(t, llms.RoleAI, hist[3].Role)

	calls := hist[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "run_query", calls[0].FunctionCall.Name)

	// the full result was joined before the second model call
	require.Equal(t, 2, model.callCount())
	sent := model.sentMessages(1)
	require.Len(t, sent, 4)
	tr, ok := sent[3].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call-1", tr.ToolCallID)
	assert.Equal(t, string(payload), tr.Content)
	assert.Contains(t, tr.Content, `"row_count":275`)
}

func Test_ProcessQuery_TextWithToolCalls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("Let me check the database.",
			toolCall("call-1", "run_query", `{"database":"employees","query":"SELECT 1"}`)),
		textResponse(finalAnswer),
	}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "How many employees?")
	require.NoError(t, err)

	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	require.Len(t, hist, 4)

	// the interim text rides inside the tool-request message
	require.NotEmpty(t, hist[1].Parts)
	text, ok := hist[1].Parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.Equal(t, "Let me check the database.", text.Text)
	require.Len(t, hist[1].ToolCalls(), 1)
}

func Test_ProcessQuery_AnswerFormatYAML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse("response: Sales rose in Q3.\nchart:\n  type: bar\n  title: Quarterly sales\n"),
	}}
	eng, _ := newTestEngine(t, &engine.Config{AnswerFormat: "yaml"}, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "How did sales do?")
	require.NoError(t, err)
	assert.Equal(t, "Sales rose in Q3.", reply.Answer.Response)
	require.True(t, reply.Answer.HasChart())
	assert.Contains(t, string(reply.Answer.Chart), `"type":"bar"`)

	// the system prompt carries the YAML contract instead of the JSON one
	sys := model.sentMessages(0)[0].GetContent()
	assert.Contains(t, sys, "Respond with YAML")
	assert.NotContains(t, sys, "valid JSON object")
}

func Test_ProcessQuery_AnswerFormatYAML_Degrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// a reply that misses the YAML contract passes through as prose
	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse("Sales rose in Q3, no document attached.\n"),
	}}
	eng, _ := newTestEngine(t, &engine.Config{AnswerFormat: "yaml"}, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "How did sales do?")
	require.NoError(t, err)
	assert.Equal(t, "Sales rose in Q3, no document attached.", reply.Answer.Response)
	assert.False(t, reply.Answer.HasChart())
}

func Test_ProcessQuery_AnswerFormatText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse("The answer is 42.\n"),
	}}
	eng, _ := newTestEngine(t, &engine.Config{AnswerFormat: "text"}, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "What is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", reply.Answer.Response)
	assert.False(t, reply.Answer.HasChart())

	// prose mode binds no response-format contract
	sys := model.sentMessages(0)[0].GetContent()
	assert.NotContains(t, sys, "RESPONSE FORMAT")
	assert.Contains(t, sys, "Guidelines:")
}

func Test_ProcessQuery_TurnLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	queryCall := toolCall("call-1", "run_query", `{"database":"employees","query":"SELECT 1"}`)

	t.Run("completes at limit", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{script: []*llms.ContentResponse{
			toolCallResponse("", queryCall),
			textResponse(finalAnswer),
		}}
		eng, _ := newTestEngine(t, &engine.Config{TurnLimit: 2}, model, &fakeInvoker{})

		reply, err := eng.ProcessQuery(ctx, "", "How many?")
		require.NoError(t, err)
		assert.Equal(t, "There are 42 employees.", reply.Answer.Response)
		assert.Equal(t, 2, model.callCount())
	})

	t.Run("exceeds limit", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{script: []*llms.ContentResponse{
			toolCallResponse("", queryCall),
		}}
		cfg := &engine.Config{TurnLimit: 2, AllowImplicitSessions: true}
		eng, _ := newTestEngine(t, cfg, model, &fakeInvoker{})

		_, err := eng.ProcessQuery(ctx, "limited", "How many?")
		require.Error(t, err)
		assert.ErrorIs(t, err, engine.ErrTurnLimitExceeded)
		assert.Equal(t, 2, model.callCount())

		// history stops at the last completed turn boundary
		hist, err := eng.GetHistory(ctx, "limited")
		require.NoError(t, err)
		require.Len(t, hist, 5)
		assert.Equal(t, llms.RoleTool, hist[4].Role)
	})
}

func Test_ProcessQuery_Correlation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	delays := map[string]time.Duration{"a": 40 * time.Millisecond, "b": 80 * time.Millisecond, "c": 0}
	inv := &fakeInvoker{
		fn: func(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			time.Sleep(delays[in.Query])
			return textResult("result-" + in.Query), nil
		},
	}
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("",
			toolCall("id-a", "run_query", `{"database":"db","query":"a"}`),
			toolCall("id-b", "run_query", `{"database":"db","query":"b"}`),
			toolCall("id-c", "run_query", `{"database":"db","query":"c"}`),
		),
		textResponse(finalAnswer),
	}}
	eng, _ := newTestEngine(t, nil, model, inv)

	reply, err := eng.ProcessQuery(ctx, "", "Run all three.")
	require.NoError(t, err)

	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	require.Len(t, hist, 6)

	// one tool-request message carries all three calls
	require.Len(t, hist[1].ToolCalls(), 3)

	// results arrive in completion order but stay correlated by id
	byID := map[string]string{}
	order := []string{}
	for _, msg := range hist[2:5] {
		require.Equal(t, llms.RoleTool, msg.Role)
		tr, ok := msg.Parts[0].(llms.ToolCallResponse)
		require.True(t, ok)
		byID[tr.ToolCallID] = tr.Content
		order = append(order, tr.ToolCallID)
	}
	assert.Equal(t, "result-a", byID["id-a"])
	assert.Equal(t, "result-b", byID["id-b"])
	assert.Equal(t, "result-c", byID["id-c"])
	assert.Equal(t, []string{"id-c", "id-a", "id-b"}, order)
}

func Test_ProcessQuery_UnknownToolAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", toolCall("c1", "no_such_tool", `{}`)),
	}}
	inv := &fakeInvoker{}
	cfg := &engine.Config{TurnLimit: 10, AllowImplicitSessions: true}
	eng, _ := newTestEngine(t, cfg, model, inv)

	_, err := eng.ProcessQuery(ctx, "stuck", "Use the magic tool.")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrTurnLimitExceeded)

	// aborted after three wasted turns, not ten
	assert.Equal(t, 3, model.callCount())
	assert.Empty(t, inv.invoked())

	hist, err := eng.GetHistory(ctx, "stuck")
	require.NoError(t, err)
	require.Len(t, hist, 7)
	tr, ok := hist[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Contains(t, tr.Content, "not found")
	assert.Contains(t, tr.Content, "run_query")
}

func Test_ProcessQuery_InvalidArguments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", toolCall("c1", "run_query", `{"database":42}`)),
		textResponse(finalAnswer),
	}}
	inv := &fakeInvoker{}
	eng, _ := newTestEngine(t, nil, model, inv)

	reply, err := eng.ProcessQuery(ctx, "", "How many?")
	require.NoError(t, err)
	assert.Equal(t, "There are 42 employees.", reply.Answer.Response)

	// rejected locally, the server never saw the call
	assert.Empty(t, inv.invoked())

	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	tr, ok := hist[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Contains(t, tr.Content, "ERROR [invalid-arguments]")
}

func Test_ProcessQuery_ToolTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", toolCall("c1", "run_query", `{"database":"employees","query":"SELECT 1"}`)),
		textResponse(finalAnswer),
	}}
	inv := &fakeInvoker{
		fn: func(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
			return nil, errors.WithMessagef(mcphub.ErrTimeout, "tool %s on %s", tool, serverID)
		},
	}
	eng, _ := newTestEngine(t, nil, model, inv)

	reply, err := eng.ProcessQuery(ctx, "", "How many?")
	require.NoError(t, err)
	assert.Equal(t, "There are 42 employees.", reply.Answer.Response)

	hist, err := eng.GetHistory(ctx, reply.SessionID)
	require.NoError(t, err)
	tr, ok := hist[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Contains(t, tr.Content, "ERROR [timeout]")
}

func Test_ProcessQuery_SessionNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("strict by default", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{script: []*llms.ContentResponse{textResponse(finalAnswer)}}
		eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

		_, err := eng.ProcessQuery(ctx, "missing", "hello")
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
		assert.Equal(t, 0, model.callCount())
	})

	t.Run("implicit create when configured", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{script: []*llms.ContentResponse{textResponse(finalAnswer)}}
		cfg := &engine.Config{AllowImplicitSessions: true}
		eng, _ := newTestEngine(t, cfg, model, &fakeInvoker{})

		reply, err := eng.ProcessQuery(ctx, "fresh-id", "hello")
		require.NoError(t, err)
		assert.Equal(t, "fresh-id", reply.SessionID)

		hist, err := eng.GetHistory(ctx, "fresh-id")
		require.NoError(t, err)
		assert.Len(t, hist, 2)
	})
}

func Test_ProcessQuery_LLMError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{err: errors.New("upstream 500")}
	eng, st := newTestEngine(t, nil, model, &fakeInvoker{})

	_, _, err := st.GetOrCreate(ctx, "sess-err")
	require.NoError(t, err)

	_, err = eng.ProcessQuery(ctx, "sess-err", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrLLMCall)
	assert.Contains(t, err.Error(), "upstream 500")

	// the user message survives the failed turn so the caller can retry
	hist, err := eng.GetHistory(ctx, "sess-err")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, llms.RoleHuman, hist[0].Role)
}

func Test_ProcessQuery_ParseFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse("It is sunny today.\n"),
	}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "Weather?")
	require.NoError(t, err)
	assert.Equal(t, "It is sunny today.", reply.Answer.Response)
	assert.False(t, reply.Answer.HasChart())
}

func Test_ProcessQuery_ParseRescue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A reply cut off mid string is rejected by the strict parser and
	// completed by the lenient decoder.
	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse(`{"response": "There are 42 employees`),
	}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "How many employees?")
	require.NoError(t, err)
	assert.Equal(t, "There are 42 employees", reply.Answer.Response)
	assert.False(t, reply.Answer.HasChart())
}

func Test_ProcessQuery_EmptyQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{textResponse(finalAnswer)}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	_, err := eng.ProcessQuery(ctx, "", "   ")
	require.Error(t, err)
	assert.Equal(t, 0, model.callCount())
}

func Test_ProcessQuery_Cancellation(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", toolCall("c1", "run_query", `{"database":"employees","query":"SELECT 1"}`)),
		textResponse(finalAnswer),
	}}
	inv := &fakeInvoker{
		fn: func(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := &engine.Config{AllowImplicitSessions: true}
	eng, _ := newTestEngine(t, cfg, model, inv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := eng.ProcessQuery(ctx, "doomed", "How many?")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// the abandoned turn appended nothing beyond the user message
	hist, err := eng.GetHistory(context.Background(), "doomed")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, llms.RoleHuman, hist[0].Role)
}

func Test_ProcessQuery_SessionSerialization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{
		fn: func(messages []llms.Message) (*llms.ContentResponse, error) {
			time.Sleep(10 * time.Millisecond)
			return textResponse(finalAnswer), nil
		},
	}
	cfg := &engine.Config{AllowImplicitSessions: true}
	eng, _ := newTestEngine(t, cfg, model, &fakeInvoker{})

	const queries = 4
	var wg sync.WaitGroup
	wg.Add(queries)
	for i := 0; i < queries; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := eng.ProcessQuery(ctx, "shared", fmt.Sprintf("query %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// single writer per session: strict human/ai alternation
	hist, err := eng.GetHistory(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, hist, 2*queries)
	for i, msg := range hist {
		if i%2 == 0 {
			assert.Equal(t, llms.RoleHuman, msg.Role, "message %d", i)
		} else {
			assert.Equal(t, llms.RoleAI, msg.Role, "message %d", i)
		}
	}
}

func Test_ProcessQuery_SessionIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{
		fn: func(messages []llms.Message) (*llms.ContentResponse, error) {
			q := llmutils.FindLastUserQuestion(messages)
			return textResponse(fmt.Sprintf(`{"response":"echo: %s","chart":null}`, q)), nil
		},
	}
	cfg := &engine.Config{AllowImplicitSessions: true}
	eng, _ := newTestEngine(t, cfg, model, &fakeInvoker{})

	var wg sync.WaitGroup
	for _, sess := range []string{"A", "B"} {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(sess string, i int) {
				defer wg.Done()
				input := fmt.Sprintf("%s-%d", sess, i)
				reply, err := eng.ProcessQuery(ctx, sess, input)
				if assert.NoError(t, err) {
					assert.Equal(t, "echo: "+input, reply.Answer.Response)
					assert.Equal(t, sess, reply.SessionID)
				}
			}(sess, i)
		}
	}
	wg.Wait()

	for _, sess := range []string{"A", "B"} {
		hist, err := eng.GetHistory(ctx, sess)
		require.NoError(t, err)
		require.Len(t, hist, 6)
		for i := 0; i < len(hist); i += 2 {
			assert.Contains(t, hist[i].GetContent(), sess+"-")
		}
	}
}

func Test_Engine_ClearSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{textResponse(finalAnswer)}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	reply, err := eng.ProcessQuery(ctx, "", "hello")
	require.NoError(t, err)

	removed, err := eng.ClearSession(ctx, reply.SessionID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = eng.GetHistory(ctx, reply.SessionID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	removed, err = eng.ClearSession(ctx, reply.SessionID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func Test_Engine_ListAvailableTools(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: []*llms.ContentResponse{textResponse(finalAnswer)}}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{})

	tools := eng.ListAvailableTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "run_query", tools[0].Name)
	assert.Equal(t, "sql", tools[0].ServerID)
	assert.Equal(t, "show_files_in_folder", tools[1].Name)
}

// eventRecorder collects callback events in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) OnQueryStart(ctx context.Context, sessionID, input string) {
	r.add("query_start")
}
func (r *eventRecorder) OnQueryEnd(ctx context.Context, sessionID string, answer *chatmodel.ChatAnswer) {
	r.add("query_end")
}
func (r *eventRecorder) OnQueryError(ctx context.Context, sessionID, input string, err error) {
	r.add("query_error")
}
func (r *eventRecorder) OnLLMCallStart(ctx context.Context, modelName string, turn int, payload []llms.Message) {
	r.add(fmt.Sprintf("llm_start_%d", turn))
}
func (r *eventRecorder) OnLLMCallEnd(ctx context.Context, modelName string, turn int, resp *llms.ContentResponse) {
	r.add(fmt.Sprintf("llm_end_%d", turn))
}
func (r *eventRecorder) OnToolCallStart(ctx context.Context, req router.Request) {
	r.add("tool_start_" + req.Name)
}
func (r *eventRecorder) OnToolCallEnd(ctx context.Context, res router.Result) {
	r.add("tool_end_" + res.Name)
}

var _ engine.Callback = (*eventRecorder)(nil)

func Test_Engine_Callbacks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", toolCall("c1", "run_query", `{"database":"employees","query":"SELECT 1"}`)),
		textResponse(finalAnswer),
	}}
	rec := &eventRecorder{}
	eng, _ := newTestEngine(t, nil, model, &fakeInvoker{}, engine.WithCallback(rec))

	_, err := eng.ProcessQuery(ctx, "", "How many?")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"query_start",
		"llm_start_1",
		"llm_end_1",
		"tool_start_run_query",
		"tool_end_run_query",
		"llm_start_2",
		"llm_end_2",
		"query_end",
	}, rec.all())
}

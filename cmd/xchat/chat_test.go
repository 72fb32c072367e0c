package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/effective-security/xchat/callbacks"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/registry"
	"github.com/effective-security/xchat/router"
	"github.com/effective-security/xchat/store"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel replays a scripted sequence of responses; the last one repeats.
type fakeModel struct {
	mu     sync.Mutex
	err    error
	script []*llms.ContentResponse
	calls  int
}

func (m *fakeModel) GetName() string                    { return "fake-model" }
func (m *fakeModel) GetProviderType() llms.ProviderType { return llms.ProviderOpenAI }

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	return m.script[i], nil
}

type fakeInvoker struct{}

func (f *fakeInvoker) Invoke(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: `{"columns":[],"rows":[],"row_count":0}`}},
	}, nil
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}},
	}
}

func newREPLEngine(t *testing.T, model llms.Model) (*engine.Engine, *callbacks.Scratchpad) {
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

	pad := callbacks.NewScratchpad(callbacks.ModeDefault)
	eng := engine.New(&engine.Config{}, model, reg, nil,
		router.New(reg, &fakeInvoker{}), store.NewMemoryStore(),
		engine.WithCallback(pad))
	t.Cleanup(func() { _ = eng.Close() })
	return eng, pad
}

func runScript(t *testing.T, eng *engine.Engine, pad *callbacks.Scratchpad, lines ...string) string {
	t.Helper()

	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	err := runREPL(context.Background(), eng, pad, in, &out)
	require.NoError(t, err)
	return out.String()
}

func Test_REPL_Conversation(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse(`{"response":"There are 42 employees.","chart":null}`),
	}}
	eng, pad := newREPLEngine(t, model)

	out := runScript(t, eng, pad,
		"how many employees are there?",
		"/tools",
		"/history",
		"/stats",
		"/unknown",
		"/clear",
		"/quit",
	)

	assert.Contains(t, out, "ask a question, or type /help")
	assert.Contains(t, out, "There are 42 employees.")
	assert.Contains(t, out, "run_query (sql)")
	assert.Contains(t, out, "Human: how many employees are there?")
	// The first question mints the session, so nothing is recorded yet.
	assert.Contains(t, out, "no recorded run yet")
	assert.Contains(t, out, "unknown command /unknown")
	assert.Contains(t, out, "session cleared")
}

func Test_REPL_Chart(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse(`{"response":"Salaries by department.","chart":{"type":"bar"}}`),
	}}
	eng, pad := newREPLEngine(t, model)

	out := runScript(t, eng, pad, "plot salaries", "/quit")
	assert.Contains(t, out, "Salaries by department.")
	assert.Contains(t, out, "chart:")
	assert.Contains(t, out, `"type": "bar"`)
}

func Test_REPL_Stats(t *testing.T) {
	t.Parallel()

	model := &fakeModel{script: []*llms.ContentResponse{
		textResponse(`{"response":"First.","chart":null}`),
		textResponse(`{"response":"Second.","chart":null}`),
	}}
	eng, pad := newREPLEngine(t, model)

	out := runScript(t, eng, pad,
		"first question",
		"second question",
		"/stats",
		"/quit",
	)

	assert.Contains(t, out, "Second.")
	assert.Contains(t, out, "last run: 1 LLM call(s), 0 tool call(s)")
	assert.Contains(t, out, "*** Run Started ***")
	assert.Contains(t, out, "Input: second question")
	assert.Contains(t, out, "*** Query End ***")
	assert.Contains(t, out, "*** Run Ended.")
}

func Test_REPL_ModelError(t *testing.T) {
	t.Parallel()

	model := &fakeModel{err: assert.AnError}
	eng, pad := newREPLEngine(t, model)

	out := runScript(t, eng, pad, "hello", "/quit")
	assert.Contains(t, out, "error: ")
	assert.Contains(t, out, "LLM call failed")
}

func Test_REPL_HistoryWithoutSession(t *testing.T) {
	t.Parallel()

	eng, pad := newREPLEngine(t, &fakeModel{script: []*llms.ContentResponse{textResponse("hi")}})

	out := runScript(t, eng, pad, "/history", "/quit")
	assert.Contains(t, out, "no active session")
}

func Test_REPL_EOF(t *testing.T) {
	t.Parallel()

	eng, pad := newREPLEngine(t, &fakeModel{script: []*llms.ContentResponse{textResponse("hi")}})

	// Input ending without /quit behaves like EOF on stdin.
	var out bytes.Buffer
	err := runREPL(context.Background(), eng, pad, strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ask a question")
}

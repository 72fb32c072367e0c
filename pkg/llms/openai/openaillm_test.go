package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/llms/openai"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/effective-security/xchat/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDoer returns a canned HTTP response and records the request it saw.
type fakeDoer struct {
	status   int
	body     string
	lastReq  *http.Request
	lastBody []byte
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.lastReq = req
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		d.lastBody = b
	}
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("OPENAI_API_BASE", "")
	t.Setenv("OPENAI_ORGANIZATION", "")
}

func TestNew(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name        string
		opts        []openai.Option
		wantErr     bool
		errContains string
		wantModel   string
	}{
		{
			name:        "missing token",
			opts:        []openai.Option{openai.WithModel("gpt-4o")},
			wantErr:     true,
			errContains: "missing API key",
		},
		{
			name: "azure requires deployment",
			opts: []openai.Option{
				openai.WithToken("fake-token"),
				openai.WithProvider(openai.ProviderAzure),
			},
			wantErr:     true,
			errContains: "model deployment name is required",
		},
		{
			name:      "default model",
			opts:      []openai.Option{openai.WithToken("fake-token")},
			wantModel: "gpt-5-mini",
		},
		{
			name: "valid configuration",
			opts: []openai.Option{
				openai.WithToken("fake-token"),
				openai.WithModel("gpt-4o"),
				openai.WithBaseURL("https://proxy.example.com/v1"),
				openai.WithOrganization("org-1"),
				openai.WithHTTPClient(&http.Client{}),
			},
			wantModel: "gpt-4o",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ollm, err := openai.New(tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, ollm)
			} else {
				require.NoError(t, err)
				require.NotNil(t, ollm)
				assert.Equal(t, tt.wantModel, ollm.GetName())
			}
		})
	}
}

func TestNewWithEnvironmentVariable(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-token")
	t.Setenv("OPENAI_MODEL", "gpt-4o")

	ollm, err := openai.New()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", ollm.GetName())
	assert.Equal(t, llms.ProviderOpenAI, ollm.GetProviderType())
}

func TestGetProviderType(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name     string
		opts     []openai.Option
		expected llms.ProviderType
	}{
		{
			name:     "default",
			opts:     []openai.Option{openai.WithToken("fake-token")},
			expected: llms.ProviderOpenAI,
		},
		{
			name: "azure",
			opts: []openai.Option{
				openai.WithToken("fake-token"),
				openai.WithModel("gpt4o-deployment"),
				openai.WithProvider(openai.ProviderAzure),
			},
			expected: llms.ProviderAzure,
		},
		{
			name: "azure ad",
			opts: []openai.Option{
				openai.WithToken("fake-token"),
				openai.WithModel("gpt4o-deployment"),
				openai.WithProvider(openai.ProviderAzureAD),
			},
			expected: llms.ProviderAzureAD,
		},
		{
			name: "perplexity",
			opts: []openai.Option{
				openai.WithToken("fake-token"),
				openai.WithModel("sonar"),
				openai.WithProvider(openai.ProviderPerplexity),
				openai.WithBaseURL("https://api.perplexity.ai"),
			},
			expected: llms.ProviderPerplexity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ollm, err := openai.New(tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ollm.GetProviderType())
		})
	}
}

func TestExtractToolParts(t *testing.T) {
	t.Parallel()

	text, toolCalls := openai.ExtractToolParts(llms.MessageFromTextParts(llms.RoleAI, "first", "second"))
	assert.Equal(t, "first\nsecond", text)
	assert.Empty(t, toolCalls)

	text, toolCalls = openai.ExtractToolParts(llms.MessageFromParts(llms.RoleAI,
		llms.TextPart("Let me check."),
		llms.ToolCall{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "run_query", Arguments: `{"query":"SELECT 1"}`},
		},
	))
	assert.Equal(t, "Let me check.", text)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "run_query", toolCalls[0].FunctionCall.Name)

	// tool responses are not valid assistant parts and are dropped
	text, toolCalls = openai.ExtractToolParts(llms.MessageFromToolResponse(llms.RoleAI,
		llms.ToolCallResponse{ToolCallID: "call_1", Content: "out"},
	))
	assert.Empty(t, text)
	assert.Empty(t, toolCalls)
}

func newTestLLM(t *testing.T, doer *fakeDoer, opts ...openai.Option) *openai.LLM {
	t.Helper()
	clearEnv(t)
	all := append([]openai.Option{
		openai.WithToken("test-token"),
		openai.WithModel("gpt-4o"),
		openai.WithHTTPClient(doer),
	}, opts...)
	ollm, err := openai.New(all...)
	require.NoError(t, err)
	return ollm
}

func TestGenerateContent_ToolCalls(t *testing.T) {
	doer := &fakeDoer{
		body: `{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [
				{
					"index": 0,
					"message": {
						"role": "assistant",
						"content": "Let me check the database.",
						"tool_calls": [
							{
								"id": "call_1",
								"type": "function",
								"function": {"name": "run_query", "arguments": "{\"database\":\"hr\",\"query\":\"SELECT COUNT(*) FROM employees\"}"}
							}
						]
					},
					"finish_reason": "tool_calls"
				}
			],
			"usage": {"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120}
		}`,
	}
	ollm := newTestLLM(t, doer)

	type queryParams struct {
		Database string `json:"database" description:"The database name"`
		Query    string `json:"query" description:"SQL SELECT statement"`
	}
	querySchema, err := schema.New(reflect.TypeOf(queryParams{}))
	require.NoError(t, err)

	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a data assistant."),
		llms.MessageFromTextParts(llms.RoleHuman, "How many employees are there?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:           "call_0",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "run_query", Arguments: `{"database":"hr"}`},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_0",
			Name:       "run_query",
			Content:    `{"row_count":1}`,
		}),
	}

	resp, err := ollm.GenerateContent(context.Background(), messages,
		llms.WithMaxTokens(1000),
		llms.WithTools([]llms.Tool{
			{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        "run_query",
					Description: "Run a SQL query",
					Parameters:  querySchema.Parameters,
				},
			},
		}),
	)
	require.NoError(t, err)

	// request assertions
	require.NotNil(t, doer.lastReq)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", doer.lastReq.URL.String())
	assert.Equal(t, "Bearer test-token", doer.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "application/json", doer.lastReq.Header.Get("Content-Type"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(doer.lastBody, &sent))
	assert.Equal(t, "gpt-4o", sent["model"])
	assert.EqualValues(t, 1000, sent["max_completion_tokens"])

	sentMsgs, ok := sent["messages"].([]any)
	require.True(t, ok)
	require.Len(t, sentMsgs, 4)
	first := sentMsgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	third := sentMsgs[2].(map[string]any)
	assert.Equal(t, "assistant", third["role"])
	assert.NotEmpty(t, third["tool_calls"])
	fourth := sentMsgs[3].(map[string]any)
	assert.Equal(t, "tool", fourth["role"])
	assert.Equal(t, "call_0", fourth["tool_call_id"])

	sentTools, ok := sent["tools"].([]any)
	require.True(t, ok)
	require.Len(t, sentTools, 1)

	// response assertions
	require.Len(t, resp.Choices, 1)
	choice := resp.Choices[0]
	assert.Equal(t, "Let me check the database.", choice.Content)
	assert.Equal(t, "tool_calls", choice.StopReason)
	require.Len(t, choice.ToolCalls, 1)
	assert.Equal(t, "call_1", choice.ToolCalls[0].ID)
	assert.Equal(t, "run_query", choice.ToolCalls[0].FunctionCall.Name)
	require.NotNil(t, choice.FuncCall)
	assert.Equal(t, "run_query", choice.FuncCall.Name)

	in, out, total := llmutils.CountTokens(resp)
	assert.Equal(t, int64(100), in)
	assert.Equal(t, int64(20), out)
	assert.Equal(t, int64(120), total)
}

func TestGenerateContent_Text(t *testing.T) {
	doer := &fakeDoer{
		body: `{
			"id": "chatcmpl-124",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [
				{"index": 0, "message": {"role": "assistant", "content": "There are 42 employees."}, "finish_reason": "stop"}
			],
			"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
		}`,
	}
	ollm := newTestLLM(t, doer)

	resp, err := ollm.GenerateContent(context.Background(), []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "How many employees are there?"),
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "There are 42 employees.", resp.Choices[0].Content)
	assert.Equal(t, "stop", resp.Choices[0].StopReason)
	assert.Empty(t, resp.Choices[0].ToolCalls)
	assert.Nil(t, resp.Choices[0].FuncCall)
}

func TestGenerateContent_APIError(t *testing.T) {
	doer := &fakeDoer{
		status: http.StatusTooManyRequests,
		body:   `{"error": {"message": "rate limited", "type": "rate_limit_exceeded"}}`,
	}
	ollm := newTestLLM(t, doer)

	_, err := ollm.GenerateContent(context.Background(), []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "hello"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerateContent_UnsupportedRole(t *testing.T) {
	doer := &fakeDoer{body: `{}`}
	ollm := newTestLLM(t, doer)

	_, err := ollm.GenerateContent(context.Background(), []llms.Message{
		{Role: llms.Role("other"), Parts: []llms.ContentPart{llms.TextPart("x")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role other not supported")

	_, err = ollm.GenerateContent(context.Background(), []llms.Message{
		{Role: llms.RoleTool, Parts: []llms.ContentPart{llms.TextPart("not a tool response")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected part of type ToolCallResponse")
}

func TestGenerateContent_AzureURL(t *testing.T) {
	doer := &fakeDoer{
		body: `{"choices": [{"message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}]}`,
	}
	ollm := newTestLLM(t, doer,
		openai.WithProvider(openai.ProviderAzure),
		openai.WithModel("gpt4o-deployment"),
		openai.WithBaseURL("https://myresource.openai.azure.com"),
		openai.WithAPIVersion("2024-06-01"),
	)

	_, err := ollm.GenerateContent(context.Background(), []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t,
		"https://myresource.openai.azure.com/openai/deployments/gpt4o-deployment/chat/completions?api-version=2024-06-01",
		doer.lastReq.URL.String())
	assert.Equal(t, "Bearer test-token", doer.lastReq.Header.Get("Authorization"))
}

func TestGenerateContent_PerplexityHeaders(t *testing.T) {
	doer := &fakeDoer{
		body: `{"choices": [{"message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}]}`,
	}
	ollm := newTestLLM(t, doer,
		openai.WithProvider(openai.ProviderPerplexity),
		openai.WithModel("sonar"),
		openai.WithBaseURL("https://api.perplexity.ai"),
	)

	_, err := ollm.GenerateContent(context.Background(), []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.perplexity.ai/chat/completions", doer.lastReq.URL.String())
	assert.Equal(t, "test-token", doer.lastReq.Header.Get("api-key"))
	assert.Empty(t, doer.lastReq.Header.Get("Authorization"))
}

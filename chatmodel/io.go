package chatmodel

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/invopop/jsonschema"
)

// ContentProvider exposes the text a value contributes to the chat history.
type ContentProvider interface {
	GetContent() string
}

// InputParser populates a typed input from a raw payload.
type InputParser interface {
	ParseInput(raw string) error
}

// ChatRequest is a single user turn submitted to the orchestrator.
type ChatRequest struct {
	Prompt string `json:"prompt" yaml:"prompt" jsonschema:"title=Prompt,description=The message sent by the user to the assistant."`
}

func NewChatRequest(prompt string) *ChatRequest {
	return &ChatRequest{Prompt: prompt}
}

func (r *ChatRequest) ParseInput(raw string) error {
	err := json.Unmarshal(llmutils.CleanJSON([]byte(raw)), r)
	if err != nil {
		return errors.WithMessage(ErrFailedUnmarshalInput, err.Error())
	}
	return nil
}

// GetContent gets the content of the message for the chat history
func (r ChatRequest) GetContent() string {
	return r.Prompt
}

func (ChatRequest) JSONSchemaExtend(schema *jsonschema.Schema) {
	schema.Title = "Chat Request"
}

// SessionChatRequest is a user turn addressed to an existing session, as
// submitted over the HTTP API.
type SessionChatRequest struct {
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty" jsonschema:"title=Session ID,description=Identifier of the conversation session. A new session is created when omitted."`
	Prompt    string `json:"prompt" yaml:"prompt" jsonschema:"title=Prompt,description=The message sent by the user to the assistant."`
}

func (r *SessionChatRequest) ParseInput(raw string) error {
	err := json.Unmarshal(llmutils.CleanJSON([]byte(raw)), r)
	if err != nil {
		return errors.WithMessage(ErrFailedUnmarshalInput, err.Error())
	}
	return nil
}

// GetContent gets the content of the message for the chat history
func (r SessionChatRequest) GetContent() string {
	return r.Prompt
}

func (SessionChatRequest) JSONSchemaExtend(schema *jsonschema.Schema) {
	schema.Title = "Session Chat Request"
}

// OutputResult is a plain text result returned by a tool or assistant.
type OutputResult struct {
	Content string `json:"content" yaml:"content" jsonschema:"title=Response Content,description=The content returned by agent or tool."`
}

func NewOutputResult(content string) *OutputResult {
	return &OutputResult{Content: content}
}

// GetContent gets the content of the message for the chat history
func (r OutputResult) GetContent() string {
	return r.Content
}

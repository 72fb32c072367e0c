package bedrockclient

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/llms"
)

// Client is a Bedrock client.
type Client struct {
	client *bedrockruntime.Client
}

// NewClient creates a new Bedrock client.
func NewClient(client *bedrockruntime.Client) *Client {
	return &Client{
		client: client,
	}
}

// Message content types.
const (
	MessageTypeText       = "text"
	MessageTypeToolUse    = "tool_use"
	MessageTypeToolResult = "tool_result"
)

// Message is a chunk of text, a tool call, or a tool result that will be
// sent to the provider.
//
// The provider transforms the message to its own format before sending it
// to the model API.
type Message struct {
	Role    llms.Role
	Content string
	// Type is one of MessageTypeText, MessageTypeToolUse, MessageTypeToolResult.
	Type string
	// ToolCallID correlates a tool result with the call that produced it,
	// and names the call id for tool use.
	ToolCallID string
	// ToolName is the tool being called, for tool use.
	ToolName string
	// ToolInput is the JSON-encoded tool arguments, for tool use.
	ToolInput string
}

// getProvider extracts the model family from a model ID. It handles both
// inference profiles ("us.anthropic.claude-3-5-sonnet-20241022-v2:0") and
// direct model IDs ("anthropic.claude-3-sonnet-20240229-v1:0").
func getProvider(modelID string) string {
	parts := strings.Split(modelID, ".")
	if len(parts) >= 2 {
		// A two-letter lowercase first part is a region prefix, so the
		// provider is the second part.
		if len(parts[0]) == 2 && strings.ToLower(parts[0]) == parts[0] {
			return parts[1]
		}
		return parts[0]
	}
	return parts[0]
}

// CreateCompletion sends the messages to the model behind the given model ID
// and folds the reply into a content response.
//
// Only the Anthropic family is supported: it is the one Bedrock family that
// exposes tool use through the InvokeModel message API.
func (c *Client) CreateCompletion(ctx context.Context,
	modelID string,
	messages []Message,
	options llms.CallOptions,
) (*llms.ContentResponse, error) {
	provider := getProvider(modelID)
	switch provider {
	case "anthropic":
		return createAnthropicCompletion(ctx, c.client, modelID, messages, options)
	default:
		return nil, errors.Errorf("bedrock: provider %q is not supported, use an Anthropic model", provider)
	}
}

func getMaxTokens(maxTokens, defaultValue int) int {
	if maxTokens <= 0 {
		return defaultValue
	}
	return maxTokens
}

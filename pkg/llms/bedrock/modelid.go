package bedrock

// Model IDs for Anthropic Claude models served through Bedrock. Tool use
// requires a Claude model; the other Bedrock families do not expose it
// through the InvokeModel message API.
// See https://docs.aws.amazon.com/bedrock/latest/userguide/models-supported.html
const (
	ModelAnthropicClaudeV3Haiku     = "anthropic.claude-3-haiku-20240307-v1:0"
	ModelAnthropicClaudeV3Sonnet    = "anthropic.claude-3-sonnet-20240229-v1:0"
	ModelAnthropicClaudeV3Opus      = "anthropic.claude-3-opus-20240229-v1:0"
	ModelAnthropicClaudeV35Haiku    = "anthropic.claude-3-5-haiku-20241022-v1:0"
	ModelAnthropicClaudeV35Sonnet   = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	ModelAnthropicClaudeV35SonnetV2 = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	ModelAnthropicClaudeV37Sonnet   = "anthropic.claude-3-7-sonnet-20250219-v1:0"
	ModelAnthropicClaudeSonnet4     = "anthropic.claude-sonnet-4-20250514-v1:0"
	ModelAnthropicClaudeOpus4       = "anthropic.claude-opus-4-20250514-v1:0"
)

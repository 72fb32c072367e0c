// Package llms provides unified support for interacting with chat models
// from different providers. The Model interface exposes a single
// GenerateContent entry point; the engine replays a session's full message
// history plus the aggregated tool catalog on every call, and the provider
// reports either a final text answer or a list of requested tool calls.
//
// Each subpackage implements one provider on top of its official SDK.
package llms

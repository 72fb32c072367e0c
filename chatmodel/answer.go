package chatmodel

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/tidwall/sjson"
)

// ChatAnswer is the final reply of a chat turn. Response carries the
// narrative text. Chart optionally carries a chart specification produced by
// the model, passed through to front ends without interpretation.
type ChatAnswer struct {
	Response string          `json:"response" yaml:"response"`
	Chart    json.RawMessage `json:"chart,omitempty" yaml:"chart,omitempty"`
}

func NewChatAnswer(response string) *ChatAnswer {
	return &ChatAnswer{Response: response}
}

// GetContent gets the content of the message for the chat history
func (a ChatAnswer) GetContent() string {
	return a.Response
}

// HasChart reports whether the answer carries a usable chart spec.
func (a ChatAnswer) HasChart() bool {
	return !isEmptyJSON(a.Chart)
}

// NormalizeChart drops charts the model emitted as null, empty or blank, so
// front ends only ever see a chart field when there is something to render.
func (a *ChatAnswer) NormalizeChart() {
	if isEmptyJSON(a.Chart) {
		a.Chart = nil
	}
}

// JSON renders the answer as a compact JSON document. The chart spec is
// spliced in as raw JSON to keep exactly what the model produced.
func (a ChatAnswer) JSON() string {
	js, _ := json.Marshal(ChatAnswer{Response: a.Response})
	if a.HasChart() {
		js, _ = sjson.SetRawBytes(js, "chart", a.Chart)
	}
	return string(js)
}

// ParseAnswer interprets a model reply as a {response, chart} document.
// Replies that are not JSON, or that carry neither field, degrade to a
// text-only answer holding the raw reply.
func ParseAnswer(text string) *ChatAnswer {
	a, err := ParseAnswerStrict(text)
	if err != nil {
		return &ChatAnswer{Response: strings.TrimSpace(text)}
	}
	return a
}

// ParseAnswerStrict decodes a {response, chart} document and returns
// ErrFailedUnmarshalOutput when the reply does not follow the contract.
// Callers that want the lenient degrade-to-text behavior use ParseAnswer.
func ParseAnswerStrict(text string) (*ChatAnswer, error) {
	cleaned := llmutils.CleanJSON([]byte(llmutils.TrimBackticks(text)))

	var a ChatAnswer
	if err := json.Unmarshal(cleaned, &a); err != nil {
		return nil, errors.WithMessage(ErrFailedUnmarshalOutput, err.Error())
	}
	a.NormalizeChart()
	if a.Response == "" && !a.HasChart() {
		return nil, errors.WithMessage(ErrFailedUnmarshalOutput, "missing response")
	}
	return &a, nil
}

// ChatAnswerDoc mirrors ChatAnswer for the non-JSON answer encodings, whose
// decoders produce a generic mapping instead of raw JSON for the chart.
type ChatAnswerDoc struct {
	Response string         `json:"response" yaml:"response" toml:"response"`
	Chart    map[string]any `json:"chart,omitempty" yaml:"chart,omitempty" toml:"chart,omitempty"`
}

// ToAnswer converts the document into the answer shape front ends consume,
// re-encoding the chart mapping as raw JSON.
func (d ChatAnswerDoc) ToAnswer() *ChatAnswer {
	a := &ChatAnswer{Response: strings.TrimSpace(d.Response)}
	if len(d.Chart) > 0 {
		if js, err := json.Marshal(d.Chart); err == nil {
			a.Chart = js
		}
	}
	return a
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

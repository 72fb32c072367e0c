package prompts

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/llms"
)

// Formatter is an interface for formatting a map of values into a string.
type Formatter interface {
	Format(values map[string]any) (string, error)
}

// FormatPrompter is an interface for formatting a map of values into a
// prompt value.
type FormatPrompter interface {
	FormatPrompt(values map[string]any) (llms.PromptValue, error)
	GetInputVariables() []string
}

// MessageFormatter is an interface for formatting a map of values into a
// list of chat messages.
type MessageFormatter interface {
	FormatMessages(values map[string]any) ([]llms.Message, error)
	GetInputVariables() []string
}

// MessagePromptTemplate renders a single chat message with a fixed role.
type MessagePromptTemplate struct {
	role           llms.Role
	template       string
	format         TemplateFormat
	inputVariables []string
}

var _ MessageFormatter = MessagePromptTemplate{}

// NewMessagePromptTemplate creates a message template for the given role,
// template syntax and declared input variables.
func NewMessagePromptTemplate(role llms.Role, template string, format TemplateFormat, inputVariables []string) MessagePromptTemplate {
	return MessagePromptTemplate{
		role:           role,
		template:       template,
		format:         format,
		inputVariables: inputVariables,
	}
}

// NewSystemMessagePromptTemplate creates a system message template
// with Go template syntax.
func NewSystemMessagePromptTemplate(template string, inputVariables []string) MessagePromptTemplate {
	return NewMessagePromptTemplate(llms.RoleSystem, template, TemplateFormatGoTemplate, inputVariables)
}

// NewHumanMessagePromptTemplate creates a human message template
// with Go template syntax.
func NewHumanMessagePromptTemplate(template string, inputVariables []string) MessagePromptTemplate {
	return NewMessagePromptTemplate(llms.RoleHuman, template, TemplateFormatGoTemplate, inputVariables)
}

// NewAIMessagePromptTemplate creates an assistant message template
// with Go template syntax.
func NewAIMessagePromptTemplate(template string, inputVariables []string) MessagePromptTemplate {
	return NewMessagePromptTemplate(llms.RoleAI, template, TemplateFormatGoTemplate, inputVariables)
}

// FormatMessages renders the message with the provided values.
// Every declared input variable must be present in values.
func (p MessagePromptTemplate) FormatMessages(values map[string]any) ([]llms.Message, error) {
	for _, name := range p.inputVariables {
		if _, ok := values[name]; !ok {
			return nil, errors.WithMessagef(ErrMissingInputVariable, "%q", name)
		}
	}
	text, err := RenderTemplate(p.template, p.format, values)
	if err != nil {
		return nil, err
	}
	return []llms.Message{llms.MessageFromTextParts(p.role, text)}, nil
}

// GetInputVariables returns the variable names the template expects.
func (p MessagePromptTemplate) GetInputVariables() []string {
	return p.inputVariables
}

// ChatPromptTemplate formats a sequence of message templates into
// a chat prompt.
type ChatPromptTemplate struct {
	// Messages is the list of the messages to be formatted.
	Messages []MessageFormatter

	// PartialVariables are resolved before the caller supplied values and
	// may be overridden by them. A value of type func() string is invoked
	// at format time.
	PartialVariables map[string]any
}

var (
	_ Formatter      = ChatPromptTemplate{}
	_ FormatPrompter = ChatPromptTemplate{}
)

// NewChatPromptTemplate creates a chat prompt template from a list of
// message formatters.
func NewChatPromptTemplate(messages []MessageFormatter) ChatPromptTemplate {
	return ChatPromptTemplate{Messages: messages}
}

// FormatPrompt renders all message templates into a prompt value.
func (p ChatPromptTemplate) FormatPrompt(values map[string]any) (llms.PromptValue, error) {
	resolved := resolvePartialValues(p.PartialVariables, values)
	formatted := make([]llms.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs, err := m.FormatMessages(resolved)
		if err != nil {
			return nil, err
		}
		formatted = append(formatted, msgs...)
	}
	return ChatPromptValue(formatted), nil
}

// Format renders the chat prompt as a single transcript string.
func (p ChatPromptTemplate) Format(values map[string]any) (string, error) {
	pv, err := p.FormatPrompt(values)
	if err != nil {
		return "", err
	}
	return pv.String(), nil
}

// GetInputVariables returns the union of the input variables of all
// message templates, in declaration order.
func (p ChatPromptTemplate) GetInputVariables() []string {
	var ret []string
	seen := make(map[string]bool)
	for _, m := range p.Messages {
		for _, name := range m.GetInputVariables() {
			if !seen[name] {
				seen[name] = true
				ret = append(ret, name)
			}
		}
	}
	return ret
}

func resolvePartialValues(partials map[string]any, values map[string]any) map[string]any {
	resolved := make(map[string]any, len(partials)+len(values))
	for name, value := range partials {
		if fn, ok := value.(func() string); ok {
			resolved[name] = fn()
			continue
		}
		resolved[name] = value
	}
	for name, value := range values {
		resolved[name] = value
	}
	return resolved
}

package prompts

import (
	"github.com/effective-security/x/values"
	"github.com/effective-security/xchat/pkg/llms"
)

// BaseInstructions binds the model to the tool-calling discipline without
// committing to an answer encoding. Engines running a non-JSON answer
// format append that format's own contract to it.
const BaseInstructions = `You are an AI assistant with access to external tools.

Your goals are:
1. Interpret the user's request.
2. Decide which of the available tools can answer it.
3. Call the tools with correct arguments that follow their schemas.
4. After receiving the results, provide a structured response.

Guidelines:
- Only call the tools listed below; do not invent tool or argument names.
- Base your answer on the results returned by the tools, not on guesses.
- If a tool call fails, explain the failure in the response.
- If the question is unclear or ambiguous, ask clarifying questions.`

// DefaultInstructions is the instruction block used when the engine
// configuration does not supply a custom one. It binds the model to the
// structured answer contract parsed by chatmodel.ParseAnswer.
const DefaultInstructions = BaseInstructions + `

RESPONSE FORMAT:
You MUST provide with ONLY a valid JSON object in this exact format:
{
    "response": "Your natural language answer to the users question goes here",
    "chart": null or {chart configuration object}
}

CHART CONFIGURATION:
When the results would benefit from visualization (e.g. trends, comparisons, distributions), include a chart configuration.
Otherwise, set chart property to null.

Chart configuration structure when applicable:
{
    "type": "bar|line|pie|scatter|area",
    "title": "Chart title",
    "data": {
        "labels": ["Label1", "Label2"...],
        "datasets": [
            {
                "label": "Dataset name",
                "data": [value1, value2, value3...],
                "backgroundColor": "rgba(75, 192, 192, 0.6)",
                "borderColor": "rgba(75, 192, 192, 1)"
            }
        ]
    },
    "options": {
        "scales": {
            "x": {"title": {"display": true, "text": "X Axis label"}},
            "y": {"title": {"display": true, "text": "Y Axis label"}}
        }
    }
}

Chart type selection:
- bar: For comparing categories
- line: For trends over time or continuous data
- pie: For showing parts of a whole (percentages/proportions)
- scatter: For showing relationship between two variables
- area: For showing cumulative trends

IMPORTANT:
- Your whole response MUST be a valid JSON object
- Do not include any text before or after the JSON object
- Ensure all strings are properly formatted
- Use null for chart when no visualization is needed`

// orchestratorTemplate assembles the system prompt from the instruction
// block, the aggregated tool catalog and optional grounding context,
// such as database schemas published by the tool servers.
const orchestratorTemplate = `{{ instructions }}
{% if tools %}
Available tools:
{% for tool in tools %}- ` + "`{{ tool.name }}`" + `: {{ tool.description }}
{% endfor %}{% endif %}{% if context %}
{{ context }}
{% endif %}`

// ToolInfo is a tool catalog entry rendered into the system prompt.
type ToolInfo struct {
	Name        string
	Description string
}

// NewOrchestratorPrompt returns the system prompt template for a tool
// calling chat engine. An empty instructions string selects
// DefaultInstructions; "tools" and "context" are supplied at format time,
// see OrchestratorValues.
func NewOrchestratorPrompt(instructions string) ChatPromptTemplate {
	tpl := NewChatPromptTemplate([]MessageFormatter{
		NewMessagePromptTemplate(llms.RoleSystem, orchestratorTemplate, TemplateFormatJinja2, []string{"tools", "context"}),
	})
	tpl.PartialVariables = map[string]any{
		"instructions": values.StringsCoalesce(instructions, DefaultInstructions),
	}
	return tpl
}

// OrchestratorValues builds the format values for the orchestrator prompt.
// The context text carries server published resources, for example the
// "Available Databases and Schemas" section produced by SQL tool servers.
func OrchestratorValues(tools []ToolInfo, contextText string) map[string]any {
	list := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		list = append(list, map[string]any{
			"name":        t.Name,
			"description": t.Description,
		})
	}
	return map[string]any{
		"tools":   list,
		"context": contextText,
	}
}

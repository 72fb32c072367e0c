// Package registry maintains the unified tool catalog aggregated from all
// connected MCP servers. Tool names form one flat namespace presented to
// the model; the registry maps each name back to the server that owns it
// and keeps the declared input schema for argument validation.
package registry

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/schema"
	"github.com/effective-security/xlog"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "registry")

// ErrUnknownTool is returned by Resolve for names absent from the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ToolDescriptor is one catalog entry. Immutable after registration.
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"input_schema,omitempty"`
	ServerID    string             `json:"server_id"`

	resolved *jsonschema.Resolved
}

// ValidateArguments checks raw JSON arguments against the declared input
// schema. Nil or empty arguments validate as an empty object. A descriptor
// whose schema failed to resolve at registration accepts anything; the
// server remains the authority then.
func (d *ToolDescriptor) ValidateArguments(args json.RawMessage) error {
	var v any = map[string]any{}
	if len(args) > 0 {
		v = nil
		if err := json.Unmarshal(args, &v); err != nil {
			return errors.Wrap(err, "arguments are not valid JSON")
		}
	}
	if d.resolved == nil {
		return nil
	}
	if err := d.resolved.Validate(v); err != nil {
		return errors.WithMessagef(err, "invalid arguments for tool %q", d.Name)
	}
	return nil
}

// Conflict reports a duplicate tool name rejected at registration.
// OwnedBy is the server that registered the name first and keeps it.
type Conflict struct {
	Name     string `json:"name"`
	ServerID string `json:"server_id"`
	OwnedBy  string `json:"owned_by"`
}

// Registry is safe for concurrent readers. Registration happens at startup
// and on explicit reconnect only.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDescriptor
	llmTools []llms.Tool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tools: make(map[string]*ToolDescriptor),
	}
}

// Register adds the server's tools to the catalog. The first registration
// of a name wins: a later duplicate is rejected and reported, whether it
// arrives from another server or from the same catalog listing. Input
// order within one call is the server's catalog order.
func (r *Registry) Register(serverID string, tools []*mcp.Tool) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conflicts []Conflict
	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		if existing, ok := r.tools[t.Name]; ok {
			conflicts = append(conflicts, Conflict{
				Name:     t.Name,
				ServerID: serverID,
				OwnedBy:  existing.ServerID,
			})
			logger.KV(xlog.WARNING,
				"reason", "duplicate_tool",
				"tool", t.Name,
				"server", serverID,
				"owned_by", existing.ServerID)
			continue
		}

		d := &ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			ServerID:    serverID,
		}
		sch, err := adoptSchema(t.InputSchema)
		if err != nil {
			logger.KV(xlog.WARNING,
				"reason", "adopt_schema",
				"tool", t.Name,
				"server", serverID,
				"err", err.Error())
		} else if sch != nil {
			d.InputSchema = sch
			resolved, err := sch.Resolve(nil)
			if err != nil {
				logger.KV(xlog.WARNING,
					"reason", "resolve_schema",
					"tool", t.Name,
					"server", serverID,
					"err", err.Error())
			} else {
				d.resolved = resolved
			}
		}
		r.tools[t.Name] = d
	}
	r.llmTools = nil
	return conflicts
}

// adoptSchema converts a catalog input schema into a typed schema. The SDK
// declares Tool.InputSchema as any; on the client side it arrives as the
// plain JSON unmarshaling of the server's declaration, so it round-trips
// through JSON. A schema the SDK already typed is taken as is.
func adoptSchema(v any) (*jsonschema.Schema, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(*jsonschema.Schema); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize schema")
	}
	s := new(jsonschema.Schema)
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, errors.Wrap(err, "failed to parse schema")
	}
	return s, nil
}

// Resolve maps a tool name to its descriptor.
func (r *Registry) Resolve(name string) (*ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[name]
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownTool, "%q", name)
	}
	return d, nil
}

// Catalog returns all descriptors sorted by name.
func (r *Registry) Catalog() []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []*ToolDescriptor {
	list := make([]*ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// LLMTools returns the catalog as function definitions for GenerateContent.
// The conversion is cached until the catalog changes.
func (r *Registry) LLMTools() []llms.Tool {
	r.mu.RLock()
	cached := r.llmTools
	r.mu.RUnlock()
	if cached != nil {
		return cached
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.llmTools != nil {
		return r.llmTools
	}

	tools := make([]llms.Tool, 0, len(r.tools))
	for _, d := range r.sortedLocked() {
		params, err := schema.FromMarshaler(d.InputSchema)
		if err != nil {
			logger.KV(xlog.WARNING,
				"reason", "convert_schema",
				"tool", d.Name,
				"server", d.ServerID,
				"err", err.Error())
			continue
		}
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	r.llmTools = tools
	return tools
}

// Remove drops all tools owned by the server and returns how many were
// removed. Used before re-registering on reconnect.
func (r *Registry) Remove(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, d := range r.tools {
		if d.ServerID == serverID {
			delete(r.tools, name)
			removed++
		}
	}
	if removed > 0 {
		r.llmTools = nil
	}
	return removed
}

// Len returns the catalog size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

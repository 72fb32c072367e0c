package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "filetool"
	serverVersion = "1.0.0"
)

type listArgs struct {
	Path string `json:"path"`
}

// newServer builds the MCP server exposing directory listings confined to
// the served root.
func newServer(root string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, &mcp.ServerOptions{
		Instructions: "Lists files and directories under the served root. " +
			"Paths are relative to the root; directory names end with a slash.",
	})

	srv.AddTool(&mcp.Tool{
		Name:        "show_files_in_folder",
		Description: "Shows the files in a folder. Directory names end with a slash.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"path": {Type: "string", Description: "Folder to list, relative to the served root."},
			},
			Required: []string{"path"},
		},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return listFolder(root, req.Params.Arguments)
	})
	return srv
}

func listFolder(root string, args json.RawMessage) (*mcp.CallToolResult, error) {
	var in listArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return toolError("invalid arguments: " + err.Error()), nil
	}

	path, err := resolvePath(root, in.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	js, err := json.Marshal(names)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(js)}},
	}, nil
}

// resolvePath confines the requested path beneath root. Absolute paths are
// treated as root-relative; lexical escapes are rejected.
func resolvePath(root, path string) (string, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if p == "" || p == "." {
		return root, nil
	}
	if !filepath.IsLocal(p) {
		return "", errors.Newf("path %q escapes the served root", path)
	}
	return filepath.Join(root, p), nil
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

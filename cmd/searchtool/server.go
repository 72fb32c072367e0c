package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	tavilygo "github.com/diverged/tavily-go"
	tavilyModels "github.com/diverged/tavily-go/models"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "searchtool"
	serverVersion = "1.0.0"
)

type searchArgs struct {
	Query string `json:"query"`
}

// searcher performs Tavily searches. BaseURL and HTTP client are
// overridable for tests.
type searcher struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func (s *searcher) search(query string) (*tavilyModels.SearchResponse, error) {
	client := tavilygo.NewClient(s.apiKey)
	if s.baseURL != "" {
		client.BaseURL = s.baseURL
	}
	if s.httpClient != nil {
		client.HTTPClient = s.httpClient
	}

	resp, err := tavilygo.Search(client, tavilyModels.SearchRequest{
		Query:         query,
		SearchDepth:   "basic",
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "search failed")
	}
	return resp, nil
}

// newServer builds the MCP server exposing the web_search tool.
func newServer(s *searcher) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, &mcp.ServerOptions{
		Instructions: "Searches the web via Tavily and returns an aggregated " +
			"answer with the top results.",
	})

	srv.AddTool(&mcp.Tool{
		Name:        "web_search",
		Description: "Searches the web and returns an answer with supporting results.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "The query to search the web for."},
			},
			Required: []string{"query"},
		},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return webSearch(s, req.Params.Arguments)
	})
	return srv
}

func webSearch(s *searcher, args json.RawMessage) (*mcp.CallToolResult, error) {
	var in searchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return toolError("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(in.Query) == "" {
		return toolError("query is required"), nil
	}

	resp, err := s.search(in.Query)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: formatResults(resp)}},
	}, nil
}

// formatResults renders the response as prompt-friendly text.
func formatResults(resp *tavilyModels.SearchResponse) string {
	var b strings.Builder
	if resp.Answer != "" {
		fmt.Fprintf(&b, "ANSWER: %s\n", resp.Answer)
	}
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- URL: %s\n", r.URL)
		fmt.Fprintf(&b, "  TITLE: %s\n", r.Title)
		fmt.Fprintf(&b, "  SCORE: %f\n", r.Score)
		fmt.Fprintf(&b, "  CONTENT: %s\n", r.Content)
	}
	if b.Len() == 0 {
		return "no results"
	}
	return b.String()
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

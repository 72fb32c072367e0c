package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/exp/maps"
	_ "modernc.org/sqlite"
)

const (
	serverName    = "sqltool"
	serverVersion = "1.0.0"

	// catalogURI lists the attached databases; each entry points at its
	// schema resource.
	catalogURI = "databases://list"
)

// queryArgs is the input of the run_query tool.
type queryArgs struct {
	Database string `json:"database"`
	Query    string `json:"query"`
}

// queryResult is the run_query response serialized into the tool result.
type queryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

// catalogEntry is one database in the databases://list resource.
type catalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SchemaURI   string `json:"schema_uri"`
}

// openDatabases attaches every .db file in dir read-only, keyed by the file
// name without extension.
func openDatabases(dir string) (map[string]*sql.DB, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.db"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid data directory %q", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Newf("no .db files found in %q", dir)
	}

	dbs := make(map[string]*sql.DB, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".db")
		db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			closeDatabases(dbs)
			return nil, errors.Wrapf(err, "failed to open %q", path)
		}
		dbs[name] = db
	}
	return dbs, nil
}

func closeDatabases(dbs map[string]*sql.DB) {
	for _, db := range dbs {
		_ = db.Close()
	}
}

// newServer builds the MCP server over the attached databases: the run_query
// tool, the catalog resource and one schema resource per database.
func newServer(dbs map[string]*sql.DB) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, &mcp.ServerOptions{
		Instructions: "Read-only SQL over the attached SQLite databases. " +
			"Discover databases via the databases://list resource, inspect " +
			"their schema://{name} resources, then query with run_query.",
	})

	srv.AddTool(&mcp.Tool{
		Name:        "run_query",
		Description: "Executes a SQL query against a named database. Only SELECT statements are allowed.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"database": {Type: "string", Description: "Name of the database to query."},
				"query":    {Type: "string", Description: "The SELECT statement to execute."},
			},
			Required: []string{"database", "query"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return runQuery(ctx, dbs, req.Params.Arguments)
	})

	srv.AddResource(&mcp.Resource{
		URI:         catalogURI,
		Name:        "databases",
		Description: "Catalog of the attached databases.",
		MIMEType:    "application/json",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		text, err := catalogJSON(dbs)
		if err != nil {
			return nil, err
		}
		return textResource(req.Params.URI, "application/json", text), nil
	})

	for _, name := range sortedNames(dbs) {
		db := dbs[name]
		srv.AddResource(&mcp.Resource{
			URI:         "schema://" + name,
			Name:        name + " schema",
			Description: "Table definitions of the " + name + " database.",
			MIMEType:    "text/plain",
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := schemaText(ctx, name, db)
			if err != nil {
				return nil, err
			}
			return textResource(req.Params.URI, "text/plain", text), nil
		})
	}
	return srv
}

// runQuery validates the arguments and executes the statement. User-level
// failures come back as tool errors so the model can correct itself;
// a protocol error is reserved for faults of the server itself.
func runQuery(ctx context.Context, dbs map[string]*sql.DB, args json.RawMessage) (*mcp.CallToolResult, error) {
	var in queryArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return toolError("invalid arguments: " + err.Error()), nil
	}

	db, ok := dbs[in.Database]
	if !ok {
		return toolError("unknown database " + in.Database +
			", available: " + strings.Join(sortedNames(dbs), ", ")), nil
	}
	if !isSelectQuery(in.Query) {
		return toolError("only SELECT queries are allowed"), nil
	}

	res, err := executeQuery(ctx, db, in.Query)
	if err != nil {
		return toolError(err.Error()), nil
	}

	js, err := json.Marshal(res)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(js)}},
	}, nil
}

// isSelectQuery accepts SELECT statements including WITH-prefixed CTE forms.
// The read-only connection mode backs this up at the driver level.
func isSelectQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

func executeQuery(ctx context.Context, db *sql.DB, query string) (*queryResult, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WithMessage(err, "query failed")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	res := &queryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

func catalogJSON(dbs map[string]*sql.DB) (string, error) {
	entries := make([]catalogEntry, 0, len(dbs))
	for _, name := range sortedNames(dbs) {
		entries = append(entries, catalogEntry{
			Name:        name,
			Description: "SQLite database " + name,
			SchemaURI:   "schema://" + name,
		})
	}
	js, err := json.Marshal(map[string]any{"databases": entries})
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(js), nil
}

// schemaText renders the CREATE statements of the user tables and views,
// headed by the database name so the text is self-describing when several
// schemas are concatenated into one prompt.
func schemaText(ctx context.Context, name string, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sql FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND sql IS NOT NULL
		ORDER BY name`)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to read schema of %q", name)
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString("## Database: " + name + "\n")
	for rows.Next() {
		var ddl string
		if err := rows.Scan(&ddl); err != nil {
			return "", errors.WithStack(err)
		}
		b.WriteString("\n")
		b.WriteString(ddl)
		b.WriteString(";\n")
	}
	if err := rows.Err(); err != nil {
		return "", errors.WithStack(err)
	}
	return b.String(), nil
}

func sortedNames(dbs map[string]*sql.DB) []string {
	names := maps.Keys(dbs)
	slices.Sort(names)
	return names
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func textResource(uri, mimeType, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: mimeType, Text: text},
		},
	}
}

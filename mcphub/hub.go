// Package mcphub maintains the pool of client connections to the configured
// MCP tool servers: connect and capability handshake, catalog snapshots,
// invocation with per-call timeouts, and explicit disconnect/reconnect.
package mcphub

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/exp/maps"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "mcphub")

// Typed invocation failures. The router maps these onto result error kinds,
// so the conversation loop never sees a raw transport error.
var (
	// ErrServerNotFound is returned for a server id the hub was not
	// configured with.
	ErrServerNotFound = errors.New("server not found")
	// ErrConnection is returned when connect or handshake fails.
	ErrConnection = errors.New("connection failed")
	// ErrConnectInProgress is returned when a connect races another.
	ErrConnectInProgress = errors.New("connect in progress")
	// ErrUnavailable is returned when invoking a server that is not Ready.
	ErrUnavailable = errors.New("server unavailable")
	// ErrTimeout is returned when an invocation exceeds its deadline.
	ErrTimeout = errors.New("invocation timed out")
	// ErrTransportClosed is returned when the session died mid-call.
	ErrTransportClosed = errors.New("transport closed")
	// ErrProtocol is returned for malformed or rejected protocol exchanges.
	ErrProtocol = errors.New("protocol error")
	// ErrRemoteTool is returned when the server executed the tool and
	// reported a tool-level failure; the message carries the server text.
	ErrRemoteTool = errors.New("remote tool error")
)

// ConnInfo is a point-in-time snapshot of one connection.
type ConnInfo struct {
	ServerID  string
	State     ConnState
	ToolCount int
	Err       error
}

// ConnectReport is the outcome of one server connect attempt.
type ConnectReport struct {
	ServerID string
	Tools    int
	Err      error
}

type conn struct {
	cfg       *ServerConfig
	state     ConnState
	session   *mcp.ClientSession
	tools     []*mcp.Tool
	resources []*mcp.Resource
	err       error
	// gen invalidates stale monitors and racing connects after an
	// explicit disconnect.
	gen uint64
}

// Hub owns the client connections to all configured tool servers. Server
// handles never leave the hub; callers address servers by id.
type Hub struct {
	cfg        *Config
	clientName string
	clientVer  string

	mu    sync.RWMutex
	conns map[string]*conn
}

// Option configures the hub.
type Option func(*Hub)

// WithClientInfo sets the client identity announced during the MCP handshake.
func WithClientInfo(name, version string) Option {
	return func(h *Hub) {
		h.clientName = name
		h.clientVer = version
	}
}

// New creates a hub for the configured servers. No connections are made
// until Connect or ConnectAll.
func New(cfg *Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:        cfg,
		clientName: "xchat",
		clientVer:  "1.0.0",
		conns:      make(map[string]*conn, len(cfg.Servers)),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, sc := range cfg.Servers {
		if _, ok := h.conns[sc.ID]; ok {
			logger.KV(xlog.WARNING, "server", sc.ID, "status", "duplicate_server_id")
			continue
		}
		h.conns[sc.ID] = &conn{cfg: sc}
	}
	return h
}

// ConnectAll connects every configured server in config order. A failure for
// one server is recorded in its report and does not stop the others.
func (h *Hub) ConnectAll(ctx context.Context) []ConnectReport {
	reports := make([]ConnectReport, 0, len(h.cfg.Servers))
	for _, sc := range h.cfg.Servers {
		err := h.Connect(ctx, sc.ID)
		reports = append(reports, ConnectReport{
			ServerID: sc.ID,
			Tools:    len(h.Tools(sc.ID)),
			Err:      err,
		})
	}
	return reports
}

// Connect establishes the session with one server, performs the handshake
// and captures its tool and resource catalogs. Connecting an already Ready
// server is a no-op.
func (h *Hub) Connect(ctx context.Context, serverID string) error {
	h.mu.Lock()
	c, ok := h.conns[serverID]
	if !ok {
		h.mu.Unlock()
		return errors.WithMessagef(ErrServerNotFound, "%q", serverID)
	}
	switch c.state {
	case StateReady:
		h.mu.Unlock()
		return nil
	case StateConnecting:
		h.mu.Unlock()
		return errors.WithMessagef(ErrConnectInProgress, "%q", serverID)
	}
	c.state = StateConnecting
	c.err = nil
	c.gen++
	gen := c.gen
	scfg := c.cfg
	h.mu.Unlock()

	session, tools, resources, err := h.establish(ctx, scfg)

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gen != gen {
		// Disconnected while the dial was in flight.
		if session != nil {
			_ = session.Close()
		}
		return errors.WithMessagef(ErrUnavailable, "%q", serverID)
	}
	if err != nil {
		c.state = StateFailed
		c.err = err
		metricskey.StatsServerConnectFailed.IncrCounter(1, serverID)
		logger.KV(xlog.ERROR,
			"server", serverID,
			"status", "connect_failed",
			"err", err.Error(),
		)
		return errors.WithMessagef(ErrConnection, "server %q: %s", serverID, err.Error())
	}
	c.state = StateReady
	c.session = session
	c.tools = tools
	c.resources = resources
	go h.monitor(serverID, gen, session)

	metricskey.StatsServerConnected.IncrCounter(1, serverID)
	logger.KV(xlog.INFO,
		"server", serverID,
		"status", "connected",
		"tools", len(tools),
		"resources", len(resources),
	)
	return nil
}

// Reconnect is the explicit recovery operation for a Failed server.
func (h *Hub) Reconnect(ctx context.Context, serverID string) error {
	if err := h.Disconnect(serverID); err != nil {
		return err
	}
	return h.Connect(ctx, serverID)
}

func (h *Hub) establish(ctx context.Context, scfg *ServerConfig) (*mcp.ClientSession, []*mcp.Tool, []*mcp.Resource, error) {
	transport, err := h.transportFor(scfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.connectTimeout())
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{
		Name:    h.clientName,
		Version: h.clientVer,
	}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	tres, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, nil, nil, errors.WithMessage(err, "failed to list tools")
	}

	// Resources are optional enrichment; servers without resource support
	// answer tools-only and that is fine.
	var resources []*mcp.Resource
	if rres, rerr := session.ListResources(ctx, nil); rerr == nil {
		resources = rres.Resources
	}

	return session, tres.Tools, resources, nil
}

func (h *Hub) transportFor(scfg *ServerConfig) (mcp.Transport, error) {
	switch scfg.EffectiveTransport() {
	case TransportStdio:
		if scfg.Command == "" {
			return nil, errors.Newf("server %q: stdio transport requires command", scfg.ID)
		}
		cmd := exec.Command(scfg.Command, scfg.Args...)
		if len(scfg.Env) > 0 {
			env := os.Environ()
			for k, v := range scfg.Env {
				env = append(env, k+"="+v)
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportStreamable:
		if scfg.URL == "" {
			return nil, errors.Newf("server %q: streamable transport requires url", scfg.ID)
		}
		return &mcp.StreamableClientTransport{Endpoint: scfg.URL}, nil
	case TransportSSE:
		if scfg.URL == "" {
			return nil, errors.Newf("server %q: sse transport requires url", scfg.ID)
		}
		return &mcp.SSEClientTransport{Endpoint: scfg.URL}, nil
	default:
		return nil, errors.Newf("server %q: unsupported transport %q", scfg.ID, scfg.Transport)
	}
}

// monitor waits for the session to end and marks the connection Failed
// unless it was explicitly disconnected in the meantime.
func (h *Hub) monitor(serverID string, gen uint64, session *mcp.ClientSession) {
	werr := session.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[serverID]
	if !ok || c.gen != gen {
		return
	}
	c.state = StateFailed
	c.session = nil
	c.err = errors.WithMessagef(ErrTransportClosed, "%q", serverID)
	metricskey.StatsServerDisconnected.IncrCounter(1, serverID)

	kvs := []any{"server", serverID, "status", "session_lost"}
	if werr != nil {
		kvs = append(kvs, "err", werr.Error())
	}
	logger.KV(xlog.WARNING, kvs...)
}

// Invoke forwards a tool call to a Ready server. Every failure is typed:
// unavailable, timeout, transport-closed, protocol or remote-tool-error.
func (h *Hub) Invoke(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
	h.mu.RLock()
	c, ok := h.conns[serverID]
	var (
		session *mcp.ClientSession
		state   ConnState
	)
	if ok {
		session = c.session
		state = c.state
	}
	h.mu.RUnlock()

	if !ok {
		return nil, errors.WithMessagef(ErrServerNotFound, "%q", serverID)
	}
	if state != StateReady || session == nil {
		return nil, errors.WithMessagef(ErrUnavailable, "server %q is %s", serverID, state.String())
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.callTimeout(c.cfg))
	defer cancel()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errors.WithMessagef(ErrTimeout, "tool %q on server %q", tool, serverID)
		case errors.Is(err, context.Canceled):
			return nil, errors.WithStack(err)
		}
		if h.state(serverID) != StateReady {
			return nil, errors.WithMessagef(ErrTransportClosed, "tool %q on server %q: %s", tool, serverID, err.Error())
		}
		return nil, errors.WithMessagef(ErrProtocol, "tool %q on server %q: %s", tool, serverID, err.Error())
	}
	if res.IsError {
		return res, errors.WithMessagef(ErrRemoteTool, "%s", ResultText(res))
	}
	return res, nil
}

// Disconnect releases the server's transport. Disconnecting an already
// disconnected server is a no-op.
func (h *Hub) Disconnect(serverID string) error {
	h.mu.Lock()
	c, ok := h.conns[serverID]
	if !ok {
		h.mu.Unlock()
		return errors.WithMessagef(ErrServerNotFound, "%q", serverID)
	}
	if c.state == StateDisconnected {
		h.mu.Unlock()
		return nil
	}
	session := c.session
	c.session = nil
	c.tools = nil
	c.resources = nil
	c.err = nil
	c.state = StateDisconnected
	c.gen++
	h.mu.Unlock()

	if session == nil {
		return nil
	}
	err := session.Close()
	metricskey.StatsServerDisconnected.IncrCounter(1, serverID)
	logger.KV(xlog.INFO, "server", serverID, "status", "disconnected")
	return errors.WithStack(err)
}

// Close disconnects all servers. The first error is returned, the rest
// are logged.
func (h *Hub) Close() error {
	var firstErr error
	for _, id := range h.serverIDs() {
		if err := h.Disconnect(id); err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				logger.KV(xlog.WARNING, "server", id, "status", "disconnect_failed", "err", err.Error())
			}
		}
	}
	return firstErr
}

// Connections reports a snapshot of every connection, sorted by server id.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]ConnInfo, 0, len(h.conns))
	for id, c := range h.conns {
		infos = append(infos, ConnInfo{
			ServerID:  id,
			State:     c.state,
			ToolCount: len(c.tools),
			Err:       c.err,
		})
	}
	slices.SortFunc(infos, func(a, b ConnInfo) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return infos
}

// Tools returns the tool catalog captured at connect time.
func (h *Hub) Tools(serverID string) []*mcp.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[serverID]; ok {
		return slices.Clone(c.tools)
	}
	return nil
}

// Resources returns the resource catalog captured at connect time.
func (h *Hub) Resources(serverID string) []*mcp.Resource {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[serverID]; ok {
		return slices.Clone(c.resources)
	}
	return nil
}

// ReadResource fetches one resource from a Ready server and returns its
// joined text contents.
func (h *Hub) ReadResource(ctx context.Context, serverID, uri string) (string, error) {
	h.mu.RLock()
	c, ok := h.conns[serverID]
	var (
		session *mcp.ClientSession
		state   ConnState
	)
	if ok {
		session = c.session
		state = c.state
	}
	h.mu.RUnlock()

	if !ok {
		return "", errors.WithMessagef(ErrServerNotFound, "%q", serverID)
	}
	if state != StateReady || session == nil {
		return "", errors.WithMessagef(ErrUnavailable, "server %q is %s", serverID, state.String())
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.callTimeout(c.cfg))
	defer cancel()

	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", errors.WithMessagef(ErrProtocol, "resource %q on server %q: %s", uri, serverID, err.Error())
	}
	var sb strings.Builder
	for _, rc := range res.Contents {
		if rc.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(rc.Text)
	}
	return sb.String(), nil
}

func (h *Hub) state(serverID string) ConnState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[serverID]; ok {
		return c.state
	}
	return StateDisconnected
}

func (h *Hub) serverIDs() []string {
	h.mu.RLock()
	ids := maps.Keys(h.conns)
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// ResultText joins the text content blocks of a tool result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

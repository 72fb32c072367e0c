// Package engine runs the conversation loop. Each query sends the session
// history and the tool catalog to the model, dispatches the requested tool
// calls through the router, folds the results back into the history and
// repeats until the model produces a final answer or the turn limit is hit.
package engine

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/chatmodel"
	"github.com/effective-security/xchat/encoding"
	"github.com/effective-security/xchat/mcphub"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/pkg/llmutils"
	"github.com/effective-security/xchat/pkg/metricskey"
	"github.com/effective-security/xchat/pkg/prompts"
	"github.com/effective-security/xchat/registry"
	"github.com/effective-security/xchat/router"
	"github.com/effective-security/xchat/store"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "engine")

var (
	// ErrTurnLimitExceeded is returned when a query burns its LLM round-trip
	// budget without reaching a final answer. The session keeps the history
	// of every completed turn.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")

	// ErrLLMCall is returned when the model call fails. The failed turn
	// appends nothing to the session.
	ErrLLMCall = errors.New("LLM call failed")
)

// maxUnknownToolTurns aborts a query after this many consecutive turns in
// which every requested call named an unknown tool.
const maxUnknownToolTurns = 3

// Reply is the terminal outcome of one query.
type Reply struct {
	// SessionID identifies the session the query ran in. For a query that
	// started without an id it carries the minted one.
	SessionID string `json:"session_id"`
	// Answer is the parsed final answer.
	Answer *chatmodel.ChatAnswer `json:"answer"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithCallback registers a lifecycle event receiver.
func WithCallback(cb Callback) Option {
	return func(e *Engine) {
		if cb != nil {
			e.callback = cb
		}
	}
}

// WithInstructions overrides the instruction block of the system prompt.
func WithInstructions(text string) Option {
	return func(e *Engine) {
		e.instructions = text
	}
}

// Engine drives tool-calling conversations. Safe for concurrent use;
// queries on the same session id serialize, everything else runs
// concurrently.
type Engine struct {
	cfg    *Config
	model  llms.Model
	reg    *registry.Registry
	hub    *mcphub.Hub
	router *router.Router
	store  store.Store

	callback     Callback
	instructions string

	// Exactly one parser is set, selected by Config.AnswerFormat: answers
	// drives the JSON contract, docs the yaml/toml contracts and texts the
	// prose pass-through.
	answers *encoding.TypedOutputParser[chatmodel.ChatAnswer]
	docs    *encoding.TypedOutputParser[chatmodel.ChatAnswerDoc]
	texts   *encoding.TypedOutputParser[chatmodel.String]

	promptMu  sync.RWMutex
	systemMsg llms.Message

	locks       sessionLocks
	sweepCancel context.CancelFunc
}

// sweeper is the optional store surface for reclaiming idle sessions.
// The redis store expires sessions server side and does not implement it.
type sweeper interface {
	Cleanup(ctx context.Context, olderThan time.Duration) int
}

// New wires an engine from its parts. The hub may be nil when every tool
// call is expected to resolve to an unknown tool, such as an engine running
// without servers. Callers that want configuration-driven construction use
// Bootstrap.
func New(cfg *Config, model llms.Model, reg *registry.Registry, hub *mcphub.Hub, rt *router.Router, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		model:    model,
		reg:      reg,
		hub:      hub,
		router:   rt,
		store:    st,
		callback: NewNoopCallback(),
		locks:    sessionLocks{m: make(map[string]*sessionLock)},
	}
	if cfg.SystemPromptFile != "" {
		b, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			logger.KV(xlog.ERROR,
				"reason", "system_prompt_file",
				"file", cfg.SystemPromptFile,
				"err", err.Error(),
			)
		} else {
			e.instructions = string(b)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	switch mode := cfg.answerMode(); mode {
	case encoding.ModePlainText:
		if p, err := encoding.NewTypedOutputParser(chatmodel.String{}, mode); err != nil {
			logger.KV(xlog.ERROR, "reason", "answer_parser", "mode", mode, "err", err.Error())
		} else {
			e.texts = p
		}
	case encoding.ModeYAML, encoding.ModeTOML:
		if p, err := encoding.NewTypedOutputParser(chatmodel.ChatAnswerDoc{}, mode); err != nil {
			logger.KV(xlog.ERROR, "reason", "answer_parser", "mode", mode, "err", err.Error())
		} else {
			e.docs = p
		}
	default:
		if p, err := encoding.NewTypedOutputParser(chatmodel.ChatAnswer{}, encoding.ModeJSON); err != nil {
			logger.KV(xlog.ERROR, "reason", "answer_parser", "err", err.Error())
		} else {
			e.answers = p
		}
	}
	if err := e.RefreshSystemPrompt(context.Background()); err != nil {
		logger.KV(xlog.ERROR, "reason", "system_prompt", "err", err.Error())
	}
	if ttl := cfg.sessionTTL(); ttl > 0 {
		if sw, ok := st.(sweeper); ok {
			var sctx context.Context
			sctx, e.sweepCancel = context.WithCancel(context.Background())
			go sweep(sctx, sw, ttl)
		}
	}
	return e
}

// sweep drops idle sessions once per TTL period until the engine closes.
func sweep(ctx context.Context, sw sweeper, ttl time.Duration) {
	t := time.NewTicker(ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sw.Cleanup(ctx, ttl)
		}
	}
}

// Bootstrap builds a fully wired engine from configuration: it connects the
// tool servers, registers the discovered tools, selects the session store
// and renders the system prompt from the catalog and the published
// resources.
func Bootstrap(ctx context.Context, cfg *Config, model llms.Model, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hub := mcphub.New(cfg.Hub())
	reports := hub.ConnectAll(ctx)
	connected := 0
	for _, rep := range reports {
		if rep.Err != nil {
			logger.KV(xlog.WARNING,
				"server", rep.ServerID,
				"status", "connect_failed",
				"err", rep.Err.Error(),
			)
			continue
		}
		connected++
	}
	logger.KV(xlog.INFO,
		"status", "servers_connected",
		"connected", connected,
		"configured", len(cfg.Servers),
	)

	reg := registry.New()
	for _, ci := range hub.Connections() {
		if ci.State != mcphub.StateReady {
			continue
		}
		reg.Register(ci.ServerID, hub.Tools(ci.ServerID))
	}

	st, err := newStore(cfg)
	if err != nil {
		_ = hub.Close()
		return nil, err
	}

	eng := New(cfg, model, reg, hub, router.New(reg, hub), st, opts...)
	if err := eng.RefreshSystemPrompt(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

func newStore(cfg *Config) (store.Store, error) {
	if cfg.RedisURL == "" {
		var opts []store.MemoryOption
		if ttl := cfg.sessionTTL(); ttl > 0 {
			opts = append(opts, store.WithTTL(ttl))
		}
		if cfg.MaxMessages > 0 {
			opts = append(opts, store.WithMaxMessages(cfg.MaxMessages))
		}
		return store.NewMemoryStore(opts...), nil
	}

	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid redis_url")
	}
	var opts []store.RedisOption
	if ttl := cfg.sessionTTL(); ttl > 0 {
		opts = append(opts, store.WithRedisTTL(ttl))
	}
	if cfg.MaxMessages > 0 {
		opts = append(opts, store.WithRedisMaxMessages(cfg.MaxMessages))
	}
	return store.NewRedisStore(redis.NewClient(ropts), opts...), nil
}

// ProcessQuery runs one user query to completion. An empty sessionID starts
// a new session; an unknown one returns store.ErrSessionNotFound unless
// implicit sessions are allowed. Queries on the same session serialize.
func (e *Engine) ProcessQuery(ctx context.Context, sessionID, userText string) (*Reply, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, errors.New("empty query")
	}

	id := sessionID
	implicit := false
	if id == "" {
		id = chatmodel.NewChatID()
		implicit = true
	}

	unlock := e.locks.lock(id)
	defer unlock()

	modelName := e.model.GetName()
	defer metricskey.PerfQueryRun.MeasureSince(time.Now(), modelName)

	var sess *store.Session
	var err error
	if implicit || e.cfg.AllowImplicitSessions {
		sess, _, err = e.store.GetOrCreate(ctx, id)
	} else {
		sess, err = e.store.Get(ctx, id)
	}
	if err != nil {
		metricskey.StatsQueriesFailed.IncrCounter(1, modelName)
		return nil, err
	}

	// A chat context supplied by the caller for this session is kept, so
	// front ends bracketing the query see their own run id in the events.
	if cc := chatmodel.GetChatContext(ctx); cc == nil || cc.GetChatID() != id {
		ctx = chatmodel.WithChatContext(ctx, chatmodel.NewChatContext(id, nil))
	}
	e.callback.OnQueryStart(ctx, id, userText)
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "query_start",
		"session", id,
		"history", len(sess.Messages),
	)

	reply, err := e.run(ctx, sess, userText)
	if err != nil {
		metricskey.StatsQueriesFailed.IncrCounter(1, modelName)
		e.callback.OnQueryError(ctx, id, userText, err)
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "query_failed",
			"session", id,
			"err", err.Error(),
		)
		return nil, err
	}

	metricskey.StatsQueriesSucceeded.IncrCounter(1, modelName)
	e.callback.OnQueryEnd(ctx, id, reply.Answer)
	return reply, nil
}

// run executes the conversation loop for one query. The session lock is
// held by the caller.
func (e *Engine) run(ctx context.Context, sess *store.Session, userText string) (*Reply, error) {
	id := sess.ID
	userMsg := llms.MessageFromTextParts(llms.RoleHuman, userText)
	if err := e.store.Append(ctx, id, userMsg); err != nil {
		return nil, err
	}

	// The system prompt is prepended per call and never stored.
	history := make([]llms.Message, 0, len(sess.Messages)+8)
	history = append(history, e.systemMessage())
	history = append(history, sess.Messages...)
	history = append(history, userMsg)

	limit := e.cfg.turnLimit()
	unknownTurns := 0
	for turn := 1; ; turn++ {
		if turn > limit {
			metricskey.StatsTurnLimitReached.IncrCounter(1, e.model.GetName())
			return nil, errors.WithMessagef(ErrTurnLimitExceeded, "session %s: limit %d", id, limit)
		}

		resp, err := e.callModel(ctx, turn, history)
		if err != nil {
			return nil, err
		}

		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			return e.finish(ctx, id, choice.Content)
		}

		// Tool turn: one assistant message carries every requested call,
		// then one tool message per result in completion order.
		reqs := router.FromToolCalls(choice.ToolCalls)
		toolMsg := toolRequestMessage(choice.Content, reqs)
		for _, req := range reqs {
			e.callback.OnToolCallStart(ctx, req)
		}

		results := e.router.ExecuteAll(ctx, reqs)
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "query abandoned")
		}

		resultMsgs := make([]llms.Message, 0, len(results))
		unknown := 0
		for _, res := range results {
			e.callback.OnToolCallEnd(ctx, res)
			if res.ErrorKind == router.KindUnknownTool {
				unknown++
			}
			resultMsgs = append(resultMsgs, llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
				ToolCallID: res.ID,
				Name:       res.Name,
				Content:    res.Text(),
			}))
		}

		history = append(history, toolMsg)
		history = append(history, resultMsgs...)
		if err := e.store.Append(ctx, id, append([]llms.Message{toolMsg}, resultMsgs...)...); err != nil {
			return nil, err
		}

		if unknown == len(results) {
			unknownTurns++
		} else {
			unknownTurns = 0
		}
		if unknownTurns >= maxUnknownToolTurns {
			metricskey.StatsTurnLimitReached.IncrCounter(1, e.model.GetName())
			return nil, errors.WithMessagef(ErrTurnLimitExceeded,
				"session %s: %d consecutive turns requested unknown tools", id, unknownTurns)
		}
	}
}

// finish persists the assistant text and parses it into the final answer.
// Replies that do not follow the configured contract degrade to text.
func (e *Engine) finish(ctx context.Context, id, content string) (*Reply, error) {
	aiMsg := llms.MessageFromTextParts(llms.RoleAI, content)
	if err := e.store.Append(ctx, id, aiMsg); err != nil {
		return nil, err
	}
	return &Reply{SessionID: id, Answer: e.parseAnswer(ctx, id, content)}, nil
}

// parseAnswer interprets the final reply under the configured answer format.
func (e *Engine) parseAnswer(ctx context.Context, id, content string) *chatmodel.ChatAnswer {
	switch {
	case e.texts != nil:
		s, _ := e.texts.Parse(content)
		return chatmodel.NewChatAnswer(strings.TrimSpace(s.GetContent()))
	case e.docs != nil:
		if d, err := e.docs.Parse(content); err == nil {
			if a := d.ToAnswer(); a.Response != "" || a.HasChart() {
				return a
			}
		}
		metricskey.StatsAnswerParseErrors.IncrCounter(1, e.model.GetName())
		logger.ContextKV(ctx, xlog.WARNING,
			"session", id,
			"status", "unparsed_answer",
			"size", len(content),
		)
		return chatmodel.NewChatAnswer(strings.TrimSpace(content))
	default:
		answer, err := chatmodel.ParseAnswerStrict(content)
		if err != nil {
			metricskey.StatsAnswerParseErrors.IncrCounter(1, e.model.GetName())
			logger.ContextKV(ctx, xlog.WARNING,
				"session", id,
				"status", "non_json_answer",
				"size", len(content),
			)
			answer = e.rescueAnswer(content)
		}
		return answer
	}
}

// rescueAnswer retries a reply that missed the strict contract with the
// lenient JSON decoder, which tolerates the comma and quoting slips models
// make. Replies it cannot salvage become plain text answers.
func (e *Engine) rescueAnswer(content string) *chatmodel.ChatAnswer {
	if e.answers != nil {
		if a, err := e.answers.Parse(content); err == nil {
			a.NormalizeChart()
			if a.Response != "" || a.HasChart() {
				return a
			}
		}
	}
	return chatmodel.NewChatAnswer(strings.TrimSpace(content))
}

func (e *Engine) callModel(ctx context.Context, turn int, history []llms.Message) (*llms.ContentResponse, error) {
	modelName := e.model.GetName()

	callCtx := ctx
	if d := e.cfg.llmTimeout(); d > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var opts []llms.CallOption
	if tools := e.reg.LLMTools(); len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}

	e.callback.OnLLMCallStart(ctx, modelName, turn, history)
	started := time.Now()
	resp, err := e.model.GenerateContent(callCtx, history, opts...)
	metricskey.PerfLLMCall.MeasureSince(started, modelName)
	if err != nil {
		metricskey.StatsLLMCallsFailed.IncrCounter(1, modelName)
		return nil, errors.WithMessagef(ErrLLMCall, "model %s, turn %d: %s", modelName, turn, err.Error())
	}
	if len(resp.Choices) == 0 {
		metricskey.StatsLLMCallsFailed.IncrCounter(1, modelName)
		return nil, errors.WithMessagef(ErrLLMCall, "model %s, turn %d: no choices", modelName, turn)
	}

	metricskey.StatsLLMCallsSucceeded.IncrCounter(1, modelName)
	in, out, total := llmutils.CountTokens(resp)
	if in > 0 {
		metricskey.StatsLLMInputTokens.IncrCounter(float64(in), modelName)
	}
	if out > 0 {
		metricskey.StatsLLMOutputTokens.IncrCounter(float64(out), modelName)
	}
	if total > 0 {
		metricskey.StatsLLMTotalTokens.IncrCounter(float64(total), modelName)
	}
	e.callback.OnLLMCallEnd(ctx, modelName, turn, resp)
	return resp, nil
}

// toolRequestMessage builds the assistant message recording the requested
// calls. The requests carry minted ids for calls the model left without
// one, so the recorded history stays correlatable.
func toolRequestMessage(text string, reqs []router.Request) llms.Message {
	parts := make([]llms.ContentPart, 0, len(reqs)+1)
	if text != "" {
		parts = append(parts, llms.TextContent{Text: text})
	}
	for _, req := range reqs {
		parts = append(parts, llms.ToolCall{
			ID:   req.ID,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      req.Name,
				Arguments: string(req.Arguments),
			},
		})
	}
	return llms.MessageFromParts(llms.RoleAI, parts...)
}

// RefreshSystemPrompt re-renders the system prompt from the current tool
// catalog and the text resources published by connected servers. Called at
// startup and after reconnects change the catalog.
func (e *Engine) RefreshSystemPrompt(ctx context.Context) error {
	catalog := e.reg.Catalog()
	infos := make([]prompts.ToolInfo, 0, len(catalog))
	for _, d := range catalog {
		infos = append(infos, prompts.ToolInfo{Name: d.Name, Description: d.Description})
	}

	tpl := prompts.NewOrchestratorPrompt(e.instructionsText())
	pv, err := tpl.FormatPrompt(prompts.OrchestratorValues(infos, e.resourceContext(ctx)))
	if err != nil {
		return errors.WithMessage(err, "failed to render system prompt")
	}

	e.promptMu.Lock()
	e.systemMsg = pv.Messages()[0]
	e.promptMu.Unlock()
	return nil
}

// instructionsText assembles the instruction block for the configured
// answer format. A custom instruction block carries its own answer contract
// and is used verbatim.
func (e *Engine) instructionsText() string {
	if e.instructions != "" {
		return e.instructions
	}
	switch {
	case e.texts != nil:
		return prompts.BaseInstructions
	case e.docs != nil:
		return prompts.BaseInstructions + "\n" + e.docs.GetFormatInstructions()
	default:
		// NewOrchestratorPrompt falls back to DefaultInstructions.
		return ""
	}
}

func (e *Engine) systemMessage() llms.Message {
	e.promptMu.RLock()
	defer e.promptMu.RUnlock()
	return e.systemMsg
}

// resourceContext aggregates the text resources published by connected
// servers, such as the database catalog and schemas exported by SQL tool
// servers. Read failures skip the resource; the prompt is best effort.
func (e *Engine) resourceContext(ctx context.Context) string {
	if e.hub == nil {
		return ""
	}
	var b strings.Builder
	for _, ci := range e.hub.Connections() {
		if ci.State != mcphub.StateReady {
			continue
		}
		for _, res := range e.hub.Resources(ci.ServerID) {
			text, err := e.hub.ReadResource(ctx, ci.ServerID, res.URI)
			if err != nil {
				logger.ContextKV(ctx, xlog.WARNING,
					"server", ci.ServerID,
					"uri", res.URI,
					"err", err.Error(),
				)
				continue
			}
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(text)
		}
	}
	return b.String()
}

// GetHistory returns the stored messages of a session. The system prompt is
// not part of the history.
func (e *Engine) GetHistory(ctx context.Context, sessionID string) ([]llms.Message, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()
	return e.store.History(ctx, sessionID)
}

// ClearSession removes a session and reports whether it existed.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) (bool, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()
	return e.store.Clear(ctx, sessionID)
}

// ListSessions returns a summary of the stored sessions.
func (e *Engine) ListSessions(ctx context.Context) ([]*store.SessionInfo, error) {
	return e.store.List(ctx)
}

// ListAvailableTools returns the unified catalog, sorted by tool name.
func (e *Engine) ListAvailableTools() []*registry.ToolDescriptor {
	return e.reg.Catalog()
}

// Connections reports the connection state of every configured server.
func (e *Engine) Connections() []mcphub.ConnInfo {
	if e.hub == nil {
		return nil
	}
	return e.hub.Connections()
}

// Close tears down the server connections and the session store.
func (e *Engine) Close() error {
	if e.sweepCancel != nil {
		e.sweepCancel()
	}
	var firstErr error
	if e.hub != nil {
		if err := e.hub.Close(); err != nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

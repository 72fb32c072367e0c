package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/mcphub"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xchat/store"
	"github.com/effective-security/xlog"
	"github.com/go-chi/chi/v5"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the reply of POST /chat. Chart is present only when the
// model produced one.
type ChatResponse struct {
	Response  string          `json:"response"`
	Chart     json.RawMessage `json:"chart,omitempty"`
	SessionID string          `json:"session_id"`
}

// HistoryResponse is the reply of GET /chat/{id}/history.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	History   []llms.Message `json:"history"`
}

// ServerHealth describes one tool server connection.
type ServerHealth struct {
	ServerID  string `json:"server_id"`
	State     string `json:"state"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the reply of GET /health. Status is "degraded" when any
// configured server connection has failed.
type HealthResponse struct {
	Status  string         `json:"status"`
	Servers []ServerHealth `json:"servers,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.eng.ProcessQuery(r.Context(), req.SessionID, req.Message)
	if err != nil {
		logger.KV(xlog.ERROR,
			"reason", "process_query",
			"session", req.SessionID,
			"err", err.Error(),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Response:  reply.Answer.Response,
		Chart:     reply.Answer.Chart,
		SessionID: reply.SessionID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	history, err := s.eng.GetHistory(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if history == nil {
		history = []llms.Message{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, History: history})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	found, err := s.eng.ClearSession(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	for _, c := range s.eng.Connections() {
		sh := ServerHealth{
			ServerID:  c.ServerID,
			State:     c.State.String(),
			ToolCount: c.ToolCount,
		}
		if c.Err != nil {
			sh.Error = c.Err.Error()
		}
		if c.State == mcphub.StateFailed {
			resp.Status = "degraded"
		}
		resp.Servers = append(resp.Servers, sh)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.eng.ListAvailableTools(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.eng.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := statusData{
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Sessions:  len(sessions),
		Tools:     len(s.eng.ListAvailableTools()),
	}
	for _, c := range s.eng.Connections() {
		sh := ServerHealth{
			ServerID:  c.ServerID,
			State:     c.State.String(),
			ToolCount: c.ToolCount,
		}
		if c.Err != nil {
			sh.Error = c.Err.Error()
		}
		data.Servers = append(data.Servers, sh)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTmpl.Execute(w, data); err != nil {
		logger.KV(xlog.ERROR, "reason", "status_template", "err", err.Error())
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTurnLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrLLMCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

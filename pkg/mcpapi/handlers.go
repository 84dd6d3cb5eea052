package mcpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/chat"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
)

type connectRequest struct {
	Config mcpmgr.DescriptorSpec `json:"config"`
}

type serverRequest struct {
	ServerID string `json:"serverId"`
}

type executeRequest struct {
	ServerID  string         `json:"serverId"`
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments"`
}

type promptRequest struct {
	ServerID  string            `json:"serverId"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

type resourceRequest struct {
	ServerID string `json:"serverId"`
	URI      string `json:"uri"`
}

type dispatchRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type importRequest struct {
	Servers []mcpmgr.DescriptorSpec `json:"servers"`
}

type chatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type toolOutcome struct {
	Name     string `json:"name"`
	ServerID string `json:"serverId,omitempty"`
	Text     string `json:"text"`
	IsError  bool   `json:"isError,omitempty"`
}

type chatResponse struct {
	SessionID           string        `json:"sessionId"`
	Text                string        `json:"text"`
	Model               string        `json:"model,omitempty"`
	Rounds              int           `json:"rounds"`
	Tools               []toolOutcome `json:"tools,omitempty"`
	ToolRoundsExhausted bool          `json:"toolRoundsExhausted,omitempty"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// decode reads a JSON body into dst and answers 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("mcpapi: invalid request body: %v", err))
		return false
	}
	return true
}

func requireServerID(w http.ResponseWriter, id string) bool {
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "mcpapi: serverId is required")
		return false
	}
	return true
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	desc, err := req.Config.Descriptor()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.manager.Connect(r.Context(), desc); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Connected to " + desc.DisplayName()})
}

func (s *Server) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decode(w, r, &req) || !requireServerID(w, req.ServerID) {
		return
	}
	if err := s.manager.ConnectServer(r.Context(), req.ServerID); err != nil {
		s.fail(w, r, err)
		return
	}
	desc, _ := s.manager.Registry().Descriptor(req.ServerID)
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Connected to " + desc.DisplayName()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decode(w, r, &req) || !requireServerID(w, req.ServerID) {
		return
	}
	if err := s.manager.DisconnectServer(r.Context(), req.ServerID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Disconnected from " + req.ServerID})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("serverId")
	if !requireServerID(w, id) {
		return
	}
	tools, err := s.manager.ListTools(r.Context(), id)
	if err != nil {
		s.failCall(w, r, id, err)
		return
	}
	if tools == nil {
		tools = []mcpmgr.Tool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("serverId")
	if !requireServerID(w, id) {
		return
	}
	prompts, err := s.manager.ListPrompts(r.Context(), id)
	if err != nil {
		s.failCall(w, r, id, err)
		return
	}
	if prompts == nil {
		prompts = []mcpmgr.Prompt{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("serverId")
	if !requireServerID(w, id) {
		return
	}
	resources, err := s.manager.ListResources(r.Context(), id)
	if err != nil {
		s.failCall(w, r, id, err)
		return
	}
	if resources == nil {
		resources = []mcpmgr.Resource{}
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decode(w, r, &req) || !requireServerID(w, req.ServerID) {
		return
	}
	res, err := s.manager.ExecuteTool(r.Context(), req.ServerID, req.ToolName, req.Arguments)
	if err != nil {
		s.failCall(w, r, req.ServerID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decode(w, r, &req) || !requireServerID(w, req.ServerID) {
		return
	}
	res, err := s.manager.GetPrompt(r.Context(), req.ServerID, req.Name, req.Arguments)
	if err != nil {
		s.failCall(w, r, req.ServerID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if !decode(w, r, &req) || !requireServerID(w, req.ServerID) {
		return
	}
	res, err := s.manager.ReadResource(r.Context(), req.ServerID, req.URI)
	if err != nil {
		s.failCall(w, r, req.ServerID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.manager.Servers()
	if servers == nil {
		servers = []mcpmgr.ServerSummary{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var spec mcpmgr.DescriptorSpec
	if !decode(w, r, &spec) {
		return
	}
	desc, err := s.manager.RegisterServer(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decode(w, r, &req) || !requireServerID(w, req.ServerID) {
		return
	}
	if err := s.manager.RemoveServer(r.Context(), req.ServerID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Removed " + req.ServerID})
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, importRequest{Servers: s.manager.ExportServers()})
}

// handleImport registers what it can. Rejected entries are reported in
// the error field alongside the servers that were added.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decode(w, r, &req) {
		return
	}
	added, err := s.manager.ImportServers(r.Context(), req.Servers)
	body := struct {
		Servers []mcpmgr.ServerDescriptor `json:"servers"`
		Error   string                    `json:"error,omitempty"`
	}{Servers: added}
	if err != nil {
		s.opts.Logger.Warn("import skipped servers", "error", err)
		body.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.InvokeTool(r.Context(), req.Name, req.Arguments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	session, ok := s.chatSession(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownSession", fmt.Sprintf("mcpapi: unknown chat session %q", req.SessionID))
		return
	}
	reply, err := session.Send(r.Context(), req.Message)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		s.fail(w, r, err)
		return
	}
	resp := chatResponse{
		SessionID:           session.ID,
		Text:                reply.Text,
		Model:               reply.Model,
		Rounds:              reply.Rounds,
		ToolRoundsExhausted: reply.ToolRoundsExhausted,
	}
	for _, o := range reply.ToolOutcomes {
		resp.Tools = append(resp.Tools, toolOutcome{
			Name:     o.Invocation.Name,
			ServerID: o.Invocation.ServerID,
			Text:     o.Text,
			IsError:  o.Err != nil || (o.Result != nil && o.Result.IsError),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	var session *chat.Session
	ok := false
	if req.SessionID != "" {
		session, ok = s.chatSession(req.SessionID)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownSession", fmt.Sprintf("mcpapi: unknown chat session %q", req.SessionID))
		return
	}
	session.Reset()
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Reset " + session.ID})
}

// chatSession returns the named session, or a new one when id is empty.
// Sessions idle past ChatIdleTTL are dropped first.
func (s *Server) chatSession(id string) (*chat.Session, bool) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	now := s.opts.Now()
	for key, entry := range s.sessions {
		if now.Sub(entry.lastUsed) >= s.opts.ChatIdleTTL {
			delete(s.sessions, key)
			s.opts.Logger.Debug("chat session expired", "session", key)
		}
	}
	if id == "" {
		if len(s.sessions) >= s.opts.MaxChatSessions {
			s.evictOldestChat()
		}
		session := s.opts.NewChat()
		s.sessions[session.ID] = &chatEntry{session: session, lastUsed: now}
		return session, true
	}
	entry, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	entry.lastUsed = now
	return entry.session, true
}

// evictOldestChat drops the least recently used session. chatMu must be held.
func (s *Server) evictOldestChat() {
	var oldest string
	var at time.Time
	for key, entry := range s.sessions {
		if oldest == "" || entry.lastUsed.Before(at) {
			oldest, at = key, entry.lastUsed
		}
	}
	if oldest != "" {
		delete(s.sessions, oldest)
		s.opts.Logger.Debug("chat session evicted", "session", oldest)
	}
}

// failCall reports a capability call. Such calls only look at live
// connections, so an id that was never registered is reported as not
// connected too.
func (s *Server) failCall(w http.ResponseWriter, r *http.Request, id string, err error) {
	if mcpmgr.KindOf(err) == mcpmgr.ErrUnknownServer {
		err = &mcpmgr.Error{Kind: mcpmgr.ErrNotConnected, ServerID: id}
	}
	s.fail(w, r, err)
}

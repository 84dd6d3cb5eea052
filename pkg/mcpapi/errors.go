package mcpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/modelloop"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kinds = []struct {
	err    error
	name   string
	status int
}{
	{mcpmgr.ErrInvalidConfiguration, "InvalidConfiguration", http.StatusBadRequest},
	{mcpmgr.ErrUnsupportedTransport, "InvalidConfiguration", http.StatusBadRequest},
	{mcpmgr.ErrEnvironmentUnsupported, "EnvironmentUnsupported", http.StatusBadRequest},
	{mcpmgr.ErrNotConnected, "NotConnected", http.StatusBadRequest},
	{mcpmgr.ErrServerConnected, "ServerConnected", http.StatusConflict},
	{mcpmgr.ErrUnknownServer, "UnknownServer", http.StatusNotFound},
	{mcpmgr.ErrToolNotFound, "ToolNotFound", http.StatusNotFound},
	{mcpmgr.ErrToolConflict, "ToolConflict", http.StatusConflict},
	{mcpmgr.ErrTimeout, "Timeout", http.StatusGatewayTimeout},
	{mcpmgr.ErrHandshakeFailed, "HandshakeFailed", http.StatusInternalServerError},
	{mcpmgr.ErrCatalogFetchFailed, "CatalogFetchFailed", http.StatusInternalServerError},
	{mcpmgr.ErrToolCallFailed, "ToolCallFailed", http.StatusInternalServerError},
	{mcpmgr.ErrRequestFailed, "RequestFailed", http.StatusInternalServerError},
	{mcpmgr.ErrStaleSession, "StaleSession", http.StatusInternalServerError},
	{modelloop.ErrAllModelsOverloaded, "ModelOverloaded", http.StatusServiceUnavailable},
	{modelloop.ErrModelFatal, "ModelFatal", http.StatusInternalServerError},
}

// classify maps err to a kind name and HTTP status. The kind recorded on an
// *mcpmgr.Error wins over any sentinel found in its cause chain.
func classify(err error) (string, int) {
	target := err
	if kind := mcpmgr.KindOf(err); kind != nil {
		target = kind
	}
	for _, k := range kinds {
		if errors.Is(target, k.err) {
			return k.name, k.status
		}
	}
	return "Internal", http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	if status >= http.StatusInternalServerError {
		s.opts.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		s.opts.Logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeError(w, status, kind, err.Error())
}

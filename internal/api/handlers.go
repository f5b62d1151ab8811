package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/toolhost/internal/registry"
)

// serverRequest is the body of add and update calls. Besides the
// canonical descriptor fields it accepts the older field names still
// sent by existing clients: type, baseUrl and a timeout in seconds.
type serverRequest struct {
	registry.Descriptor

	Type    string `json:"type,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

func (req serverRequest) descriptor() registry.Descriptor {
	d := req.Descriptor
	if d.Kind == "" && req.Type != "" {
		d.Kind = registry.TransportKind(req.Type)
	}
	if d.Endpoint == "" {
		d.Endpoint = req.BaseURL
	}
	if d.TimeoutMs == 0 && req.Timeout > 0 {
		d.TimeoutMs = req.Timeout * 1000
	}
	return d
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, http.StatusOK, map[string]any{"servers": s.host.ListServers()})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	d, err := s.host.GetServer(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, d)
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.host.AddServer(req.descriptor())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusCreated, d)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decode(w, r, &req) {
		return
	}
	d := req.descriptor()
	d.ID = chi.URLParam(r, "id")

	updated, err := s.host.UpdateServer(r.Context(), d)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	if err := s.host.RemoveServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		s.errorResponse(w, http.StatusBadRequest, "active is required")
		return
	}

	d, err := s.host.ToggleServer(r.Context(), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, d)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	if err := s.host.RestartServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// handleTestServer reports connection problems in the body rather than
// the status: the test itself succeeded in finding them.
func (s *Server) handleTestServer(w http.ResponseWriter, r *http.Request) {
	d, err := s.host.GetServer(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}

	tools, err := s.host.TestConnection(r.Context(), d)
	resp := map[string]any{"ok": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	} else {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		resp["tools"] = names
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.host.ListPrompts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.host.ListResources(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	healthy, err := s.host.CheckConnectionHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]bool{"healthy": healthy})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.host.StopAllActiveServers(r.Context())
	resp := map[string]any{"stopped": ids}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	ids, err := s.host.RestoreSavedActiveServers(r.Context())
	resp := map[string]any{"restored": ids}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, map[string]any{"tools": s.host.GetAllAvailableTools(r.Context())})
}

// callRequest names the tool either by server id plus raw name, or by
// sanitized name alone.
type callRequest struct {
	ServerID  string         `json:"serverId,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleCallTool always answers 200 once the request is well formed; a
// failed call is an isError result, not an HTTP error.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	switch {
	case req.ServerID != "" && strings.TrimSpace(req.Tool) != "":
		s.ok(w, http.StatusOK, s.host.CallTool(r.Context(), req.ServerID, req.Tool, req.Arguments))
	case strings.TrimSpace(req.Name) != "":
		s.ok(w, http.StatusOK, s.host.CallToolByName(r.Context(), req.Name, req.Arguments))
	default:
		s.errorResponse(w, http.StatusBadRequest, "either serverId and tool, or name, is required")
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, http.StatusOK, s.host.ConnectionStatus())
}

func (s *Server) handleListBuiltin(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, http.StatusOK, map[string]any{"servers": s.host.BuiltinServers()})
}

func (s *Server) handleAddBuiltin(w http.ResponseWriter, r *http.Request) {
	d, err := s.host.AddBuiltinServer(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusCreated, d)
}

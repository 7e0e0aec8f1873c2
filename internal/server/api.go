// ABOUTME: JSON API handlers: job dispatch, SFTP operations, agent listing.
// ABOUTME: Every operation resolves a routing key and goes through the hub.

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/endpoint"
	"github.com/jiascheduler/automate/internal/protocol"
)

// DispatchRequest is the JSON request body for POST /api/dispatch.
type DispatchRequest struct {
	Namespace string                     `json:"namespace,omitempty"`
	IP        string                     `json:"ip"`
	Job       protocol.DispatchJobParams `json:"job"`
}

// DispatchResponse is the JSON response for POST /api/dispatch: the agent's
// response passed through verbatim.
type DispatchResponse struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// SftpRequest is the JSON request body for the /api/sftp/* endpoints. Data,
// Offset, and Length apply only to the operations that use them.
type SftpRequest struct {
	Namespace string `json:"namespace,omitempty"`
	IP        string `json:"ip"`
	Path      string `json:"path"`
	Data      []byte `json:"data,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
	Length    int64  `json:"length,omitempty"`
}

// ReadDirResponse is the JSON response for POST /api/sftp/read-dir.
type ReadDirResponse struct {
	Entries []protocol.FileEntry `json:"entries"`
}

// handleDispatch handles POST /api/dispatch: forwards a job action to the
// agent at the resolved routing key and waits for its response.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Job.Validate(); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := endpoint.RoutingKey(req.Namespace, req.IP)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, err := protocol.NewEnvelope(protocol.NewCorrelationID("dispatch"), protocol.KindDispatch, &req.Job)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp, err := s.hub.Request(r.Context(), key, env, s.reqTimeout)
	if err != nil {
		s.logger.Warn("dispatch failed", "key", key, "job_id", req.Job.JobID, "error", err)
		s.sendJSONError(w, statusForDispatchError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DispatchResponse{
		Code:  resp.Code,
		Error: resp.Error,
		Data:  resp.Data,
	})
}

// handleSftpReadDir handles POST /api/sftp/read-dir.
func (s *Server) handleSftpReadDir(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.sftpRoundTrip(w, r, protocol.KindSftpReadDir)
	if !ok {
		return
	}

	var entries []protocol.FileEntry
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &entries); err != nil {
			s.sendJSONError(w, http.StatusBadGateway, "agent returned malformed directory listing")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReadDirResponse{Entries: entries})
}

// handleSftpUpload handles POST /api/sftp/upload.
func (s *Server) handleSftpUpload(w http.ResponseWriter, r *http.Request) {
	if resp, ok := s.sftpRoundTrip(w, r, protocol.KindSftpUpload); ok {
		writeAgentResponse(w, resp)
	}
}

// handleSftpDownload handles POST /api/sftp/download.
func (s *Server) handleSftpDownload(w http.ResponseWriter, r *http.Request) {
	if resp, ok := s.sftpRoundTrip(w, r, protocol.KindSftpDownload); ok {
		writeAgentResponse(w, resp)
	}
}

// handleSftpRemove handles POST /api/sftp/remove.
func (s *Server) handleSftpRemove(w http.ResponseWriter, r *http.Request) {
	if resp, ok := s.sftpRoundTrip(w, r, protocol.KindSftpRemove); ok {
		writeAgentResponse(w, resp)
	}
}

// sftpRoundTrip parses an SftpRequest, sends the matching envelope kind to
// the resolved agent, and returns its response. On failure the HTTP error
// has already been written and ok is false.
func (s *Server) sftpRoundTrip(w http.ResponseWriter, r *http.Request, kind protocol.Kind) (*protocol.Response, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}

	var req SftpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.Path == "" {
		s.sendJSONError(w, http.StatusBadRequest, "path is required")
		return nil, false
	}

	key, err := endpoint.RoutingKey(req.Namespace, req.IP)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	var payload any
	switch kind {
	case protocol.KindSftpReadDir:
		payload = &protocol.SftpReadDirParams{Path: req.Path}
	case protocol.KindSftpUpload:
		payload = &protocol.SftpUploadParams{Path: req.Path, Data: req.Data, Offset: req.Offset}
	case protocol.KindSftpDownload:
		payload = &protocol.SftpDownloadParams{Path: req.Path, Offset: req.Offset, Length: req.Length}
	case protocol.KindSftpRemove:
		payload = &protocol.SftpRemoveParams{Path: req.Path}
	}

	env, err := protocol.NewEnvelope(protocol.NewCorrelationID("sftp"), kind, payload)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}

	resp, err := s.hub.Request(r.Context(), key, env, s.reqTimeout)
	if err != nil {
		s.logger.Warn("sftp operation failed", "kind", kind, "key", key, "error", err)
		s.sendJSONError(w, statusForDispatchError(err), err.Error())
		return nil, false
	}
	return resp, true
}

// handleListAgents handles GET /api/agents: a snapshot of live connections.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.List())
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"agents": len(s.hub.List()),
	})
}

// statusForDispatchError maps relay errors to HTTP statuses: an offline
// agent is a bad gateway, a silent one a gateway timeout.
func statusForDispatchError(err error) int {
	switch {
	case errors.Is(err, comet.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, comet.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, comet.ErrClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAgentResponse passes an agent response through as JSON.
func writeAgentResponse(w http.ResponseWriter, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DispatchResponse{
		Code:  resp.Code,
		Error: resp.Error,
		Data:  resp.Data,
	})
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

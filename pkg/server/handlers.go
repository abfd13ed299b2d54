package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

// ErrorResponse is returned when an error occurs.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartRequest defines the request body for POST /instances.
type StartRequest struct {
	// Orchestration names the orchestration to start. Falls back to the
	// server's DefaultOrchestration when empty.
	Orchestration string `json:"orchestration,omitempty"`

	// Input is passed to the orchestration as-is.
	Input json.RawMessage `json:"input,omitempty"`
}

// StartResponse is the body of a successful POST /instances.
type StartResponse struct {
	ID           string `json:"id"`
	PollURL      string `json:"pollUrl"`
	SendEventURL string `json:"sendEventUrl"`
}

// InstanceResponse is the body of GET /instances/{id}.
type InstanceResponse struct {
	ID              string          `json:"id"`
	Orchestration   string          `json:"orchestration"`
	RuntimeStatus   api.Status      `json:"runtimeStatus"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}

	name := req.Orchestration
	if name == "" {
		name = s.cfg.DefaultOrchestration
	}
	if name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "orchestration name is required",
		})
		return
	}

	inst, err := s.engine.Start(r.Context(), name, req.Input)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{
		ID:           inst.ID,
		PollURL:      "/instances/" + inst.ID,
		SendEventURL: "/instances/" + inst.ID + "/events/{eventName}",
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inst, err := s.engine.GetInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, instanceResponse(inst))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts := api.InstanceListOptions{
		Orchestration: r.URL.Query().Get("orchestration"),
		Status:        api.Status(r.URL.Query().Get("status")),
	}

	insts, err := s.engine.ListInstances(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]InstanceResponse, 0, len(insts))
	for _, inst := range insts {
		out = append(out, instanceResponse(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name := r.PathValue("name")

	var payload json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("invalid JSON: %v", err),
			})
			return
		}
	}

	if err := s.engine.RaiseEvent(r.Context(), id, name, payload); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("invalid JSON: %v", err),
			})
			return
		}
	}

	if err := s.engine.Terminate(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func instanceResponse(inst *api.InstanceInfo) InstanceResponse {
	return InstanceResponse{
		ID:              inst.ID,
		Orchestration:   inst.Orchestration,
		RuntimeStatus:   inst.Status,
		Input:           inst.Input,
		Output:          inst.Output,
		Error:           inst.Error,
		CreatedTime:     inst.CreatedTime,
		LastUpdatedTime: inst.LastUpdatedTime,
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrInstanceNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, api.ErrInstanceCompleted):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/driftworks/toolflow/pkg/dispatch"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/storage"
)

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	doc, err := s.cfg.Store.GetFlow(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.cfg.Logger.Error(logging.CategoryAPI, "get_flow_failed", err.Error(), map[string]any{
			"message_id": messageID,
		})
		writeError(w, http.StatusInternalServerError, "failed to load flow")
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{
		MessageID:        doc.MessageID,
		AppID:            doc.AppID,
		ConversationFlow: doc.Log,
		Version:          doc.Version,
	})
}

type dispatchRequest struct {
	Calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"calls"`
	IterationCount int `json:"iterationCount"`
}

// handleDispatch starts a new batch. The pause state recorded through the
// gate is consulted here, before dispatch, never against in-flight workers.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "calls must not be empty")
		return
	}

	doc, err := s.cfg.Store.GetFlow(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load flow")
		return
	}
	if prev := doc.Log.LatestExecutionID(); prev != "" && s.cfg.Gate.Paused(r.Context(), prev) {
		writeError(w, http.StatusConflict, "generation is paused")
		return
	}

	calls := make([]dispatch.ToolCall, len(req.Calls))
	for i, c := range req.Calls {
		calls[i] = dispatch.ToolCall{Name: c.Name, Arguments: c.Arguments}
	}

	executionID, err := s.cfg.Dispatcher.Dispatch(r.Context(), messageID, calls, req.IterationCount)
	if err != nil {
		s.cfg.Logger.Error(logging.CategoryAPI, "dispatch_failed", err.Error(), map[string]any{
			"message_id": messageID,
		})
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

type approveRequest struct {
	ApprovedFiles []string `json:"approvedFiles,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	executionID := chi.URLParam(r, "executionID")

	var req approveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if err := s.cfg.Gate.Approve(r.Context(), messageID, executionID, req.ApprovedFiles, callerID(r)); err != nil {
		s.relayError(w, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relayed"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	executionID := chi.URLParam(r, "executionID")

	if err := s.cfg.Gate.Reject(r.Context(), messageID, executionID, callerID(r)); err != nil {
		s.relayError(w, "reject", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relayed"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	if err := s.cfg.Gate.Pause(r.Context(), executionID, callerID(r)); err != nil {
		s.relayError(w, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relayed"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	if err := s.cfg.Gate.Resume(r.Context(), executionID, callerID(r)); err != nil {
		s.relayError(w, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relayed"})
}

func (s *Server) relayError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.cfg.Logger.Error(logging.CategoryAPI, "relay_failed", err.Error(), map[string]any{
		"action": action,
	})
	writeError(w, http.StatusInternalServerError, action+" failed")
}

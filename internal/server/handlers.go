package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vitalsync/vitalsync/internal/search"
	"github.com/vitalsync/vitalsync/internal/store"
)

// Conflict resolution choices accepted by the resolve endpoint.
const (
	ResolveAcceptLocal  = "accept_local"
	ResolveAcceptRemote = "accept_remote"
)

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.store.PendingOps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(ops),
		"operations": ops,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		OpType     string         `json:"op_type"`
		Payload    map[string]any `json:"payload"`
		Emergency  bool           `json:"emergency"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	if req.EntityType == "" || req.EntityID == "" || req.OpType == "" {
		writeError(w, http.StatusBadRequest, "entity_type, entity_id and op_type are required", "bad_request")
		return
	}
	switch req.OpType {
	case store.OpCreate, store.OpUpdate, store.OpDelete, store.OpToggle, store.OpControl:
	default:
		writeError(w, http.StatusBadRequest, "unknown op_type "+req.OpType, "bad_request")
		return
	}
	if s.schemas != nil {
		if err := s.schemas.Validate(req.EntityType, req.Payload); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error(), "schema_violation")
			return
		}
	}
	op, err := s.store.Enqueue(store.EnqueueRequest{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		OpType:     req.OpType,
		Payload:    req.Payload,
		Emergency:  req.Emergency,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleEmergencyQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.store.EmergencyOps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(ops),
		"operations": ops,
	})
}

func (s *Server) handleDeadLetterList(w http.ResponseWriter, r *http.Request) {
	ops, err := s.store.FailedOps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(ops),
		"operations": ops,
	})
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := s.store.RetryFailed(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no dead-letter operation "+id, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleDeadLetterPurge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.PurgeFailed(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no dead-letter operation "+id, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConflictList(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.store.Conflicts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(conflicts),
		"conflicts": conflicts,
	})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// handleConflictResolve applies an operator's decision on an escalated
// conflict: accept_remote overwrites the local cache with the server entity,
// accept_local re-enqueues the local payload as a fresh operation.
func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.Resolution != ResolveAcceptLocal && req.Resolution != ResolveAcceptRemote {
		writeError(w, http.StatusBadRequest, "resolution must be accept_local or accept_remote", "bad_request")
		return
	}

	rec, err := s.store.GetConflict(entityType, entityID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no conflict for "+entityType+"/"+entityID, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}

	switch req.Resolution {
	case ResolveAcceptRemote:
		if err := s.store.PutEntity(rec.EntityType, rec.EntityID, rec.ServerEntity); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
			return
		}
	case ResolveAcceptLocal:
		if _, err := s.store.Enqueue(store.EnqueueRequest{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			OpType:     rec.OpType,
			Payload:    rec.LocalPayload,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
			return
		}
	}

	if err := s.store.DeleteConflict(entityType, entityID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "resolved",
		"resolution": req.Resolution,
	})
}

func (s *Server) handleDeviceValue(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req struct {
		Value *float64 `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, "numeric value is required", "bad_request")
		return
	}

	if s.coalescer != nil {
		s.coalescer.QueueSetValue(deviceID, *req.Value)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "debouncing"})
		return
	}

	op, err := s.store.Enqueue(store.EnqueueRequest{
		EntityType: "device",
		EntityID:   deviceID,
		OpType:     store.OpControl,
		Payload:    map[string]any{"action": "set_value", "value": *req.Value},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleCoalescerStats(w http.ResponseWriter, r *http.Request) {
	if s.coalescer == nil {
		writeError(w, http.StatusNotFound, "coalescer not running", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, s.coalescer.Stats())
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.Locks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runner_id": s.locks.RunnerID(),
		"count":     len(locks),
		"locks":     locks,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.Events().Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// handleEventSearch filters the audit trail. Query params map onto
// search.Filter; data_jq accepts expressions like `.emergency == true`.
func (s *Server) handleEventSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := search.Filter{
		OpID:         q.Get("op_id"),
		EntityType:   q.Get("entity_type"),
		EntityID:     q.Get("entity_id"),
		DataContains: q.Get("data_contains"),
		DataJQ:       q.Get("data_jq"),
		Order:        q.Get("order"),
		Cursor:       q.Get("cursor"),
	}
	if types := q.Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	if limit := q.Get("limit"); limit != "" {
		f.Limit, _ = strconv.Atoi(limit)
	}
	if after := q.Get("after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be RFC 3339", "bad_request")
			return
		}
		f.After = &t
	}
	if before := q.Get("before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC 3339", "bad_request")
			return
		}
		f.Before = &t
	}

	result, err := s.store.Events().Search(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_filter")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

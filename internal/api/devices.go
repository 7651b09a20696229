package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.link.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.link.Status().Devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.link.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.link.Device(id); err != nil {
		writeLinkError(w, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events := []device.LinkEvent{}
	if s.history != nil {
		got, err := s.history.List(r.Context(), id, limit)
		if err != nil {
			s.logger.Error("listing link history", "device_id", id, "error", err)
			writeInternalError(w, "failed to load history")
			return
		}
		if got != nil {
			events = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"events":    events,
	})
}

// detached returns a context that survives the HTTP request, so an accepted
// command finishes even if the caller disconnects.
func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), commandTimeout)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := detached(r)
	defer cancel()

	state, err := s.link.RequestToggle(ctx, id)
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"state":     state,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detached(r)
	defer cancel()

	res, err := s.link.RequestScan(ctx)
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConnectAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detached(r)
	defer cancel()

	res, err := s.link.RequestConnectAll(ctx)
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse(res))
}

func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detached(r)
	defer cancel()

	res, err := s.link.RequestDisconnectAll(ctx)
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse(res))
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ble/internal/auth"
)

const healthCheckTimeout = 3 * time.Second

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermDeviceRead))
				r.Get("/devices", s.handleListDevices)
				r.Get("/devices/stats", s.handleDeviceStats)
				r.Get("/devices/{id}", s.handleGetDevice)
				r.Get("/devices/{id}/history", s.handleDeviceHistory)
				r.Get("/ws", s.handleWebSocket)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermDeviceOperate))
				r.Post("/devices/{id}/toggle", s.handleToggle)
				r.Post("/connect-all", s.handleConnectAll)
				r.Post("/disconnect-all", s.handleDisconnectAll)
			})

			r.With(s.require(auth.PermRadioScan)).Post("/scan", s.handleScan)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	st := s.link.Status()
	if !st.Running {
		status = "degraded"
	}

	components := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.HealthCheck(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"link":       st,
		"components": components,
	})
}

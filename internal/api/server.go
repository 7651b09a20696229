package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

const (
	gracefulShutdownTimeout = 10 * time.Second

	// commandTimeout bounds a scan or bulk request once accepted. The
	// operation keeps running if the HTTP client goes away.
	commandTimeout = 2 * time.Minute
)

// LinkService is the part of *link.Manager the API drives.
type LinkService interface {
	Snapshot() []device.Device
	Device(id string) (device.Device, error)
	Status() link.Status
	Subscribe(fn func([]device.Device)) func()
	RequestScan(ctx context.Context) (link.ScanResult, error)
	RequestConnectAll(ctx context.Context) (link.BulkResult, error)
	RequestDisconnectAll(ctx context.Context) (link.BulkResult, error)
	RequestToggle(ctx context.Context, id string) (device.ConnectionState, error)
}

// HealthChecker is implemented by optional dependencies such as the MQTT
// and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Link     LinkService

	// History is optional; without it the history route returns an empty list.
	History device.HistoryRepository

	// Checks are reported by /health under their map key.
	Checks  map[string]HealthChecker
	Version string
}

// Server is the HTTP API server.
type Server struct {
	link.NopObserver

	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	link     LinkService
	history  device.HistoryRepository
	checks   map[string]HealthChecker
	version  string
	server   *http.Server
	listener net.Listener
	hub      *Hub

	unsubscribe func()
	cancel      context.CancelFunc
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Link == nil {
		return nil, fmt.Errorf("link service is required")
	}
	if deps.Security.JWT.Enabled && deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt enabled without a secret")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		link:    deps.Link,
		history: deps.History,
		checks:  deps.Checks,
		version: deps.Version,
		hub:     NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening and relays registry snapshots to WebSocket clients.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.unsubscribe = s.link.Subscribe(s.hub.PublishSnapshot)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		s.unsubscribe()
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// ScanFinished relays scan outcomes to WebSocket clients.
func (s *Server) ScanFinished(res link.ScanResult, err error) {
	payload := map[string]any{"result": res}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.hub.Broadcast(ChannelScanResult, payload)
}

// BulkFinished relays connect-all and disconnect-all outcomes.
func (s *Server) BulkFinished(res link.BulkResult) {
	s.hub.Broadcast(ChannelBulkResult, res)
}

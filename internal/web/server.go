// Package web serves the bridge's target-side HTTP API and a WebSocket
// stream of bridge events.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"zigbee-matter-bridge/internal/automation"
	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/datamodel"
)

// Controller is the part of the bridge controller the HTTP API drives.
// *bridge.Controller satisfies it.
type Controller interface {
	Events() *bridge.EventBus
	Schema() *datamodel.Registry
	Devices() []bridge.DeviceSnapshot
	Device(ieee string) (bridge.DeviceSnapshot, error)
	RemoveDevice(ctx context.Context, ieee string) error
	Endpoints() []bridge.EndpointInfo
	Endpoint(ep bridge.EndpointID) (bridge.EndpointInfo, error)
	EndpointAttributes(ep bridge.EndpointID) ([]bridge.AttributeView, error)
	ReadAttribute(ep bridge.EndpointID, cluster, attr uint32) (bridge.AttributeView, error)
	WriteAttribute(ep bridge.EndpointID, cluster, attr uint32, value json.RawMessage, correlationID string) (*bridge.Operation, error)
	InvokeCommand(ep bridge.EndpointID, cluster, command uint32, payload json.RawMessage, correlationID string) (*bridge.Operation, error)
	Gaps() []bridge.CapabilityGap
	Pending() int
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string reported by /api/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the bridge API.
type Server struct {
	ctrl           Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(ctrl Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Forward all bridge events to WebSocket subscribers.
	s.unsubEvents = ctrl.Events().OnAll(func(event bridge.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Devices
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ieee}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleAPIDeleteDevice)

	// Target endpoints
	s.mux.HandleFunc("GET /api/endpoints", s.handleAPIListEndpoints)
	s.mux.HandleFunc("GET /api/endpoints/{ep}", s.handleAPIGetEndpoint)
	s.mux.HandleFunc("GET /api/endpoints/{ep}/attributes", s.handleAPIEndpointAttributes)
	s.mux.HandleFunc("GET /api/endpoints/{ep}/{cluster}/{attr}", s.handleAPIReadAttribute)
	s.mux.HandleFunc("PUT /api/endpoints/{ep}/{cluster}/{attr}", s.handleAPIWriteAttribute)
	s.mux.HandleFunc("POST /api/endpoints/{ep}/{cluster}/commands/{command}", s.handleAPIInvokeCommand)

	s.mux.HandleFunc("GET /api/gaps", s.handleAPIListGaps)
	s.mux.HandleFunc("GET /api/clusters", s.handleAPIListClusters)
	s.mux.HandleFunc("GET /api/types", s.handleAPIListTypes)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		// Browsers cannot set headers on WebSocket upgrades, so /ws is
		// guarded by origin checks only. API clients may also pass the key
		// as a query parameter.
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.version,
		"devices":   len(s.ctrl.Devices()),
		"endpoints": len(s.ctrl.Endpoints()),
		"pending":   s.ctrl.Pending(),
		"clients":   s.wsHub.Clients(),
		"scripts":   s.runningScripts(),
	})
}

func (s *Server) runningScripts() int {
	if s.autoEngine == nil {
		return 0
	}
	return s.autoEngine.Running()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

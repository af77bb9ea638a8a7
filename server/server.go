// Package server exposes the EMS over HTTP: liveness/readiness/status
// endpoints for an orchestrator, a WebSocket feed for a live dashboard,
// and the operator command surface in commands.go.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridkeeper/ems-core/ems"
	"github.com/gridkeeper/ems-core/runtime"
)

// Server hosts the EMS's HTTP and WebSocket surface.
type Server struct {
	controller *ems.Controller
	shared     *runtime.SharedState
	port       int
	startTime  time.Time

	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    sync.Map
	broadcast  chan []byte
	done       chan struct{}
}

// StatusResponse is the /health and /status payload shape.
type StatusResponse struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	System    SystemHealth    `json:"system"`
	EMS       EMSHealth       `json:"ems"`
	TimeSync  TimeSyncHealth  `json:"time_sync"`
}

// SystemHealth carries process-level liveness information.
type SystemHealth struct {
	Uptime string `json:"uptime"`
}

// EMSHealth mirrors the controller's published EmsStatus.
type EMSHealth struct {
	Mode               string   `json:"mode"`
	Running            bool     `json:"running"`
	Healthy            bool     `json:"healthy"`
	TotalGenerationKW  float64  `json:"total_generation_kw"`
	TotalConsumptionKW float64  `json:"total_consumption_kw"`
	PowerBalanceKW     float64  `json:"power_balance_kw"`
	BatteryPowerKW     float64  `json:"battery_power_kw"`
	GeneratorPowerKW   float64  `json:"generator_power_kw"`
	PvPowerKW          float64  `json:"pv_power_kw"`
	ChargerPowerKW     float64  `json:"charger_power_kw"`
	ActiveChargers     int      `json:"active_chargers"`
	Faults             []string `json:"faults,omitempty"`
}

// TimeSyncHealth reports whether the GPS time source is currently live.
type TimeSyncHealth struct {
	Healthy   bool   `json:"healthy"`
	Timestamp string `json:"timestamp"`
}

// New creates an HTTP/WebSocket server bound to the controller and shared
// runtime state. Returns nil if port <= 0, mirroring the teacher's
// "health server disabled" convention so callers can unconditionally call
// through a possibly-nil *Server.
func New(controller *ems.Controller, shared *runtime.SharedState, port int) *Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	s := &Server{
		controller: controller,
		shared:     shared,
		port:       port,
		startTime:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/command", s.commandHandler)
	mux.HandleFunc("/ws", s.wsHandler)

	return s
}

// Start launches the HTTP listener and the broadcast loops in background
// goroutines. Safe to call on a nil *Server.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	go s.handleBroadcasts()
	go s.broadcastStatusLoop()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("server: listen error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down. Safe to call on a nil *Server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildStatus() StatusResponse {
	status := s.controller.GetStatus()
	overall := "healthy"
	if !s.controller.IsRunning() {
		overall = "unhealthy"
	} else if !status.SystemHealthy {
		overall = "degraded"
	}

	return StatusResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		System: SystemHealth{
			Uptime: formatUptime(time.Since(s.startTime)),
		},
		EMS: EMSHealth{
			Mode:               s.controller.GetMode().String(),
			Running:            s.controller.IsRunning(),
			Healthy:            status.SystemHealthy,
			TotalGenerationKW:  status.TotalGenerationKW,
			TotalConsumptionKW: status.TotalConsumptionKW,
			PowerBalanceKW:     status.PowerBalanceKW,
			BatteryPowerKW:     status.BatteryPowerKW,
			GeneratorPowerKW:   status.GeneratorPowerKW,
			PvPowerKW:          status.PvPowerKW,
			ChargerPowerKW:     status.ChargerPowerKW,
			ActiveChargers:     status.ActiveChargers,
			Faults:             status.Faults,
		},
		TimeSync: TimeSyncHealth{
			Healthy:   s.shared.TimeSyncHealthy(),
			Timestamp: s.shared.Timestamp(),
		},
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := s.buildStatus()
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ready := s.controller.IsRunning()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.buildStatus())
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("server: websocket upgrade failed: %v\n", err)
		return
	}
	s.clients.Store(conn, true)
	s.sendStatusTo(conn)

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case msg := <-s.broadcast:
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastStatusLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hasClients := false
			s.clients.Range(func(_, _ any) bool { hasClients = true; return false })
			if !hasClients {
				continue
			}
			msg, err := json.Marshal(s.buildStatus())
			if err != nil {
				continue
			}
			s.broadcast <- msg
		case <-s.done:
			return
		}
	}
}

func (s *Server) sendStatusTo(conn *websocket.Conn) {
	if err := conn.WriteJSON(s.buildStatus()); err != nil {
		fmt.Printf("server: failed to send initial status: %v\n", err)
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"racesim-server/config"
	"racesim-server/traffic"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthOk          HealthStatus = "ok"
	HealthWarning     HealthStatus = "warning"
	HealthDegraded    HealthStatus = "degraded"
	HealthCritical    HealthStatus = "critical"
	HealthDown        HealthStatus = "down"
	HealthMaintenance HealthStatus = "maintenance"
)

// WebSocketStatus represents the state of the WebSocket server
type WebSocketStatus string

const (
	WebSocketRunning  WebSocketStatus = "running"
	WebSocketStopping WebSocketStatus = "stopping"
	WebSocketError    WebSocketStatus = "error"
)

// staleTickAfter is how long without a completed tick before the loop counts as stalled.
const staleTickAfter = 2 * time.Second

// TrafficSource is the read side of the traffic scheduler.
type TrafficSource interface {
	Stats() traffic.Stats
	SlotInfos() []traffic.SlotInfo
}

// ConnectionCounter reports the WebSocket session counts.
type ConnectionCounter interface {
	Connections() int
	Humans() int
}

// WorkloadMetrics compares the last tick's duration with the tick budget.
type WorkloadMetrics struct {
	LoadPercentage float64 `json:"load_percentage"`
	TickBudgetMs   float64 `json:"tick_budget_ms"`
	LastTickMs     float64 `json:"last_tick_ms"`
	CurrentLoad    string  `json:"current_load"` // "low", "medium", "high", "critical"
}

// WebSocketServerMetrics holds WebSocket server status
type WebSocketServerMetrics struct {
	Status            WebSocketStatus `json:"status"`
	ActiveConnections int             `json:"active_connections"`
	Humans            int             `json:"humans"`
	UptimeSec         int64           `json:"uptime_sec"`
	LastErrorMessage  string          `json:"last_error_message,omitempty"`
	LastErrorTime     *time.Time      `json:"last_error_time,omitempty"`
}

// MetricsResponse is the complete metrics response structure
type MetricsResponse struct {
	Timestamp         time.Time              `json:"timestamp"`
	Health            HealthStatus           `json:"health"`
	HealthDescription string                 `json:"health_description"`
	Traffic           traffic.Stats          `json:"traffic"`
	WebSocket         WebSocketServerMetrics `json:"websocket"`
	Workload          WorkloadMetrics        `json:"workload"`
	ServerUptime      int64                  `json:"server_uptime_sec"`
}

// MetricsHandler serves the traffic status endpoints.
type MetricsHandler struct {
	traffic         TrafficSource
	conns           ConnectionCounter
	mu              sync.RWMutex
	serverStartTime time.Time
	wsStatus        WebSocketStatus
	lastError       string
	lastErrorTime   *time.Time
	now             func() time.Time
}

func NewMetricsHandler(src TrafficSource, conns ConnectionCounter) *MetricsHandler {
	return &MetricsHandler{
		traffic:         src,
		conns:           conns,
		serverStartTime: time.Now(),
		wsStatus:        WebSocketRunning,
		now:             time.Now,
	}
}

// Routes registers metrics routes
func (h *MetricsHandler) Routes(r chi.Router) {
	r.Get("/traffic", h.GetMetrics)
	r.Get("/traffic/health", h.GetHealth)
	r.Get("/traffic/slots", h.GetSlots)
	r.Get("/traffic/workload", h.GetWorkload)
	r.Get("/traffic/websocket", h.GetWebSocket)
}

// GetMetrics returns complete metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collectMetrics())
}

// GetHealth returns only health status
func (h *MetricsHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	metrics := h.collectMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":   metrics.Timestamp,
		"health":      metrics.Health,
		"description": metrics.HealthDescription,
		"uptime_sec":  metrics.ServerUptime,
	})
}

// GetSlots lists every slot; with the debug overlay enabled each slot also lists its states.
func (h *MetricsHandler) GetSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": h.now(),
		"slots":     h.traffic.SlotInfos(),
	})
}

// GetWorkload returns only workload metrics
func (h *MetricsHandler) GetWorkload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collectMetrics().Workload)
}

// GetWebSocket returns only WebSocket metrics
func (h *MetricsHandler) GetWebSocket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": h.now(),
		"websocket": h.webSocketMetrics(),
	})
}

func (h *MetricsHandler) collectMetrics() *MetricsResponse {
	now := h.now()
	stats := h.traffic.Stats()
	workload := calculateWorkload(stats)
	ws := h.webSocketMetrics()
	health, desc := h.determineHealth(now, stats, workload, ws)

	return &MetricsResponse{
		Timestamp:         now,
		Health:            health,
		HealthDescription: desc,
		Traffic:           stats,
		WebSocket:         ws,
		Workload:          workload,
		ServerUptime:      int64(now.Sub(h.serverStartTime).Seconds()),
	}
}

func (h *MetricsHandler) webSocketMetrics() WebSocketServerMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return WebSocketServerMetrics{
		Status:            h.wsStatus,
		ActiveConnections: h.conns.Connections(),
		Humans:            h.conns.Humans(),
		UptimeSec:         int64(h.now().Sub(h.serverStartTime).Seconds()),
		LastErrorMessage:  h.lastError,
		LastErrorTime:     h.lastErrorTime,
	}
}

// calculateWorkload expresses the last tick's duration as a share of the tick interval.
func calculateWorkload(stats traffic.Stats) WorkloadMetrics {
	budget := config.TRAFFIC_TICK_INTERVAL
	workload := WorkloadMetrics{
		TickBudgetMs:   float64(budget) / float64(time.Millisecond),
		LastTickMs:     float64(stats.Duration) / float64(time.Millisecond),
		LoadPercentage: float64(stats.Duration) / float64(budget) * 100,
	}

	switch {
	case workload.LoadPercentage < 40:
		workload.CurrentLoad = "low"
	case workload.LoadPercentage < 70:
		workload.CurrentLoad = "medium"
	case workload.LoadPercentage < 90:
		workload.CurrentLoad = "high"
	default:
		workload.CurrentLoad = "critical"
	}
	return workload
}

// determineHealth determines overall system health based on metrics
func (h *MetricsHandler) determineHealth(now time.Time, stats traffic.Stats, workload WorkloadMetrics, ws WebSocketServerMetrics) (HealthStatus, string) {
	if ws.Status == WebSocketError {
		return HealthCritical, "WebSocket server error - unable to accept connections"
	}
	if ws.Status == WebSocketStopping {
		return HealthMaintenance, "Server is performing graceful shutdown - no new connections accepted"
	}

	if stats.Tick == 0 {
		return HealthOk, "Traffic loop starting - no tick completed yet"
	}
	if now.Sub(stats.At) > staleTickAfter {
		return HealthCritical, fmt.Sprintf("Traffic loop stalled - last tick %s ago", now.Sub(stats.At).Round(time.Millisecond))
	}

	if workload.CurrentLoad == "critical" {
		return HealthDown, "Tick duration at critical levels (>90% of the tick interval) - traffic will lag"
	}
	if workload.CurrentLoad == "high" {
		if stats.Errors > 0 {
			return HealthDegraded, "Tick duration is high (70-90%) and the last tick recorded errors - reduced functionality expected"
		}
		return HealthWarning, "Tick duration is high (70-90%) - monitor performance closely"
	}
	if stats.Errors > 0 {
		return HealthWarning, fmt.Sprintf("Last tick recorded %d errors - check the server log", stats.Errors)
	}

	if ws.ActiveConnections > 0 {
		connStr := "connection"
		if ws.ActiveConnections > 1 {
			connStr = "connections"
		}
		return HealthHealthy, fmt.Sprintf("All systems operational - %d active %s", ws.ActiveConnections, connStr)
	}
	return HealthHealthy, "Server ready and operational - awaiting connections"
}

// SetWebSocketStatus sets the WebSocket status
func (h *MetricsHandler) SetWebSocketStatus(status WebSocketStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wsStatus = status
}

// RecordWebSocketError records a WebSocket error
func (h *MetricsHandler) RecordWebSocketError(errorMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.wsStatus = WebSocketError
	h.lastError = errorMsg
	h.lastErrorTime = &now
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

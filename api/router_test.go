package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"racesim-server/traffic"
)

type fakeTraffic struct {
	stats traffic.Stats
	slots []traffic.SlotInfo
}

func (f *fakeTraffic) Stats() traffic.Stats          { return f.stats }
func (f *fakeTraffic) SlotInfos() []traffic.SlotInfo { return f.slots }

type fakeConns struct{ conns, humans int }

func (f fakeConns) Connections() int { return f.conns }
func (f fakeConns) Humans() int      { return f.humans }

var now = time.Unix(1_700_000_000, 0)

func newHandler(stats traffic.Stats, conns fakeConns) (*MetricsHandler, *fakeTraffic) {
	src := &fakeTraffic{stats: stats, slots: []traffic.SlotInfo{
		{ID: 0, Name: "Traffic 0", Model: "hatch", Mode: "auto", AIControlled: true, Target: 3,
			States: []traffic.StateInfo{{ID: "a", Phase: "spawned", Point: 12, SpawnCounter: 2}}},
		{ID: 1, Name: "Traffic 1", Model: "coupe", Mode: "none", Occupied: true},
	}}
	h := NewMetricsHandler(src, conns)
	h.now = func() time.Time { return now }
	h.serverStartTime = now.Add(-time.Minute)
	return h, src
}

func get(t *testing.T, r http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestRouterEndpoints(t *testing.T) {
	h, _ := newHandler(traffic.Stats{Tick: 10, At: now, Duration: 5 * time.Millisecond, States: 3}, fakeConns{conns: 2, humans: 1})
	wsCalled := false
	r := NewRouter([]string{"*"}, h, func(w http.ResponseWriter, r *http.Request) {
		wsCalled = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	}, zap.NewNop())

	rec, body := get(t, r, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	_, body = get(t, r, "/api/v1/traffic")
	assert.Equal(t, string(HealthHealthy), body["health"])
	assert.Equal(t, float64(3), body["traffic"].(map[string]interface{})["states"])
	assert.Equal(t, float64(60), body["server_uptime_sec"])
	ws := body["websocket"].(map[string]interface{})
	assert.Equal(t, float64(2), ws["active_connections"])
	assert.Equal(t, float64(1), ws["humans"])

	_, body = get(t, r, "/api/v1/traffic/slots")
	slots := body["slots"].([]interface{})
	require.Len(t, slots, 2)
	first := slots[0].(map[string]interface{})
	assert.Equal(t, "Traffic 0", first["name"])
	assert.Len(t, first["states"], 1)
	assert.NotContains(t, slots[1].(map[string]interface{}), "states")

	_, body = get(t, r, "/api/v1/traffic/workload")
	assert.Equal(t, "low", body["current_load"])
	assert.InDelta(t, 10, body["load_percentage"], 1e-9)

	_, body = get(t, r, "/api/v1/traffic/health")
	assert.Equal(t, string(HealthHealthy), body["health"])

	rec, _ = get(t, r, "/api/v1/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	get(t, r, "/ws")
	assert.True(t, wsCalled)
}

func TestRouterCORS(t *testing.T) {
	h, _ := newHandler(traffic.Stats{}, fakeConns{})
	r := NewRouter([]string{"https://dash.example"}, h, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/traffic", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDetermineHealth(t *testing.T) {
	tests := []struct {
		name   string
		stats  traffic.Stats
		conns  fakeConns
		status WebSocketStatus
		want   HealthStatus
	}{
		{"starting", traffic.Stats{}, fakeConns{}, WebSocketRunning, HealthOk},
		{"healthy", traffic.Stats{Tick: 1, At: now, Duration: time.Millisecond}, fakeConns{conns: 1}, WebSocketRunning, HealthHealthy},
		{"stalled", traffic.Stats{Tick: 1, At: now.Add(-5 * time.Second)}, fakeConns{}, WebSocketRunning, HealthCritical},
		{"critical load", traffic.Stats{Tick: 1, At: now, Duration: 60 * time.Millisecond}, fakeConns{}, WebSocketRunning, HealthDown},
		{"high load", traffic.Stats{Tick: 1, At: now, Duration: 40 * time.Millisecond}, fakeConns{}, WebSocketRunning, HealthWarning},
		{"high load with errors", traffic.Stats{Tick: 1, At: now, Duration: 40 * time.Millisecond, Errors: 2}, fakeConns{}, WebSocketRunning, HealthDegraded},
		{"errors", traffic.Stats{Tick: 1, At: now, Errors: 1}, fakeConns{}, WebSocketRunning, HealthWarning},
		{"stopping", traffic.Stats{Tick: 1, At: now}, fakeConns{}, WebSocketStopping, HealthMaintenance},
		{"ws error", traffic.Stats{Tick: 1, At: now}, fakeConns{}, WebSocketError, HealthCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newHandler(tc.stats, tc.conns)
			h.SetWebSocketStatus(tc.status)
			m := h.collectMetrics()
			assert.Equal(t, tc.want, m.Health, m.HealthDescription)
		})
	}
}

func TestRecordWebSocketError(t *testing.T) {
	h, _ := newHandler(traffic.Stats{Tick: 1, At: now}, fakeConns{})
	h.RecordWebSocketError("listen tcp :8080: address already in use")

	ws := h.webSocketMetrics()
	assert.Equal(t, WebSocketError, ws.Status)
	assert.Equal(t, "listen tcp :8080: address already in use", ws.LastErrorMessage)
	require.NotNil(t, ws.LastErrorTime)
	assert.Equal(t, now, *ws.LastErrorTime)
}

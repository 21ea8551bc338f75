package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickrelay/internal/infrastructure/config"
	"tickrelay/internal/infrastructure/forward"
	"tickrelay/internal/infrastructure/hub"
	"tickrelay/internal/infrastructure/session"
	"tickrelay/internal/infrastructure/simulator"
	"tickrelay/internal/infrastructure/subscription"
	"tickrelay/internal/infrastructure/upstream"
)

type stubSocket struct {
	done chan struct{}
	once sync.Once
}

func (s *stubSocket) ReadMessage() (int, []byte, error) {
	<-s.done
	return 0, nil, context.Canceled
}
func (s *stubSocket) WriteJSON(any) error                       { return nil }
func (s *stubSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *stubSocket) SetReadDeadline(time.Time) error           { return nil }
func (s *stubSocket) SetPongHandler(func(string) error)         {}
func (s *stubSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type stubDialer struct{}

func (stubDialer) Dial(context.Context, string, http.Header) (upstream.Socket, error) {
	return &stubSocket{done: make(chan struct{})}, nil
}

type stubLogin struct{}

func (stubLogin) Login(ctx context.Context, creds session.Credentials, code string) (*session.Session, error) {
	return &session.Session{
		AccessToken: "jwt",
		FeedToken:   "feed",
		APIKey:      creds.APIKey,
		ClientCode:  creds.ClientCode,
		CreatedAt:   time.Now(),
	}, nil
}

type noopController struct{}

func (noopController) StartTracking(string) {}
func (noopController) StopTracking(string)  {}

func newTestServer(t *testing.T) (*httptest.Server, *upstream.Registry) {
	t.Helper()

	var cfg config.Config
	cfg.Upstream.WsURL = "wss://example.test/stream"

	subs := subscription.NewRegistry(noopController{})
	h := hub.New(subs)
	fwd := forward.New("", 0, h, nil)
	registry := upstream.NewRegistry(context.Background(), upstream.ConnDeps{
		Store:  session.NewStore(stubLogin{}, 20*time.Hour),
		Fwd:    fwd,
		Dialer: stubDialer{},
		WsURL:  cfg.Upstream.WsURL,
	})
	t.Cleanup(func() { registry.DisconnectAll() })

	sim := simulator.NewManager(fwd)
	t.Cleanup(func() { sim.StopAll() })

	api := NewServer(context.Background(), &cfg, registry, fwd, h, sim)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, registry
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

var reqCreds = map[string]string{
	"api_key":     "key1",
	"client_code": "C123",
	"password":    "pass",
	"totp_seed":   "JBSWY3DPEHPK3PXP",
}

func connectBody(key string, instruments ...string) map[string]any {
	return map[string]any{
		"key":         key,
		"credentials": reqCreds,
		"instruments": instruments,
	}
}

func TestConnectAccepted(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/connect", connectBody("k1", "3045", "11536"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["status"] != "connecting" {
		t.Errorf("status field = %v, want connecting", body["status"])
	}
	if body["instrument_count"] != float64(2) {
		t.Errorf("instrument_count = %v, want 2", body["instrument_count"])
	}
}

func TestConnectDuplicateKeyRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/connect", connectBody("k1", "3045"))
	resp, body := postJSON(t, srv.URL+"/connect", connectBody("k1", "11536"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] == nil {
		t.Error("expected error message")
	}
}

func TestConnectValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	many := make([]string, 51)
	for i := range many {
		many[i] = "t"
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing key", map[string]any{"credentials": reqCreds, "instruments": []string{"3045"}}},
		{"missing instruments", map[string]any{"key": "k1", "credentials": reqCreds}},
		{"too many instruments", map[string]any{"key": "k1", "credentials": reqCreds, "instruments": many}},
		{"incomplete credentials", map[string]any{
			"key":         "k1",
			"credentials": map[string]string{"api_key": "key1"},
			"instruments": []string{"3045"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postJSON(t, srv.URL+"/connect", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/disconnect", map[string]string{"key": "ghost"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unknown key disconnect status = %d, want 200", resp.StatusCode)
	}

	postJSON(t, srv.URL+"/connect", connectBody("k1", "3045"))
	resp, _ = postJSON(t, srv.URL+"/disconnect", map[string]string{"key": "k1"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("disconnect status = %d, want 200", resp.StatusCode)
	}

	var status map[string]upstream.Status
	getJSON(t, srv.URL+"/status", &status)
	if _, ok := status["k1"]; ok {
		t.Error("k1 still present after disconnect")
	}
}

func TestDisconnectAllReportsCount(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/connect", connectBody("k1", "3045"))
	postJSON(t, srv.URL+"/connect", connectBody("k2", "11536"))

	resp, body := postJSON(t, srv.URL+"/disconnect-all", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["disconnected_count"] != float64(2) {
		t.Errorf("disconnected_count = %v, want 2", body["disconnected_count"])
	}
}

func TestStatusReflectsStreaming(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/connect", connectBody("k1", "3045", "11536"))

	deadline := time.Now().Add(2 * time.Second)
	var st upstream.Status
	for time.Now().Before(deadline) {
		var all map[string]upstream.Status
		getJSON(t, srv.URL+"/status", &all)
		if s, ok := all["k1"]; ok && s.Active {
			st = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !st.Active {
		t.Fatal("connection never reached streaming")
	}
	if st.State != "connected" {
		t.Errorf("state = %q, want connected", st.State)
	}
	if !st.Authenticated || st.LastAuth == nil || st.LastAuth.JwtToken != "jwt" {
		t.Errorf("auth snapshot = %+v", st.LastAuth)
	}
	if st.InstrumentCount != 2 {
		t.Errorf("instrument_count = %d, want 2", st.InstrumentCount)
	}
}

func TestConnectionStatusByKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := getJSON(t, srv.URL+"/connection-status/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", resp.StatusCode)
	}

	postJSON(t, srv.URL+"/connect", connectBody("k1", "3045"))
	var st upstream.Status
	resp = getJSON(t, srv.URL+"/connection-status/k1", &st)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSubscribeRequiresKnownReadyConnection(t *testing.T) {
	srv, registry := newTestServer(t)

	full := map[string]any{
		"key":         "ghost",
		"instruments": []string{"11536"},
		"jwt_token":   "jwt",
		"feed_token":  "feed",
		"api_key":     "key1",
		"client_code": "C123",
	}
	resp, _ := postJSON(t, srv.URL+"/subscribe", full)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown key subscribe status = %d, want 404", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/subscribe", map[string]any{"key": "ghost"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("partial subscribe status = %d, want 400", resp.StatusCode)
	}

	postJSON(t, srv.URL+"/connect", connectBody("k1", "3045"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, ok := registry.Get("k1"); ok && conn.Status().Active {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	full["key"] = "k1"
	resp, _ = postJSON(t, srv.URL+"/subscribe", full)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("subscribe status = %d, want 200", resp.StatusCode)
	}
	if conn, _ := registry.Get("k1"); conn.Status().InstrumentCount != 2 {
		t.Errorf("instrument_count = %d, want 2", conn.Status().InstrumentCount)
	}
}

func TestHealthAndStats(t *testing.T) {
	srv, _ := newTestServer(t)

	var health map[string]any
	resp := getJSON(t, srv.URL+"/health", &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health["status"])
	}
	if health["active_connections"] != float64(0) {
		t.Errorf("active_connections = %v, want 0", health["active_connections"])
	}

	var stats forward.Stats
	getJSON(t, srv.URL+"/stats", &stats)
	if stats.Ticks != 0 || stats.Dropped != 0 {
		t.Errorf("fresh stats = %+v", stats)
	}
}

func TestSimulateLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/simulate", map[string]any{"token": "3045", "interval_ms": 10})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("simulate status = %d, want 200", resp.StatusCode)
	}

	// Synthetic ticks reach the shared counters.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var stats forward.Stats
		getJSON(t, srv.URL+"/stats", &stats)
		if stats.Ticks > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	var stats forward.Stats
	getJSON(t, srv.URL+"/stats", &stats)
	if stats.Ticks == 0 {
		t.Fatal("simulator produced no ticks")
	}

	resp, _ = postJSON(t, srv.URL+"/simulate/stop", map[string]any{"token": "3045"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("simulate stop status = %d, want 200", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/simulate", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("simulate without token status = %d, want 400", resp.StatusCode)
	}
}

func TestLocalStreamEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "token": "3045"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]string
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack failed: %v", err)
	}
	if ack["status"] != "ok" {
		t.Errorf("ack = %v", ack)
	}

	var health map[string]any
	getJSON(t, srv.URL+"/health", &health)
	if health["local_clients"] != float64(1) {
		t.Errorf("local_clients = %v, want 1", health["local_clients"])
	}
}

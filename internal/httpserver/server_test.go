package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/digitalclinic/consult-relay/internal/config"
	"github.com/digitalclinic/consult-relay/internal/metrics"
	"github.com/digitalclinic/consult-relay/internal/turnrest"
)

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *Server {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger, BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"}, deps)
	s.ready.Store(true)
	return s
}

func get(t *testing.T, s *Server, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{Rooms: func() int { return 2 }})

	rec := get(t, s, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["ok"] != true || body["rooms"] != float64(2) {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
}

func TestReadyz(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	if rec := get(t, s, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	s.ready.Store(false)
	if rec := get(t, s, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after shutdown = %d", rec.Code)
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	body := decode(t, get(t, s, "/version", nil))
	if body["commit"] != "abc123" {
		t.Fatalf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	met := metrics.New()
	met.Inc(metrics.EnvelopesReceived)
	s := newTestServer(t, config.Config{}, Deps{Metrics: met})

	rec := get(t, s, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(metrics.EnvelopesReceived)) {
		t.Fatalf("metrics body missing counter: %s", rec.Body.String())
	}
}

func TestICEWithoutTURNREST(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.clinic.example:3478"}}},
	}
	s := newTestServer(t, cfg, Deps{})

	body := decode(t, get(t, s, "/webrtc/ice", nil))
	servers := body["iceServers"].([]any)
	if len(servers) != 1 {
		t.Fatalf("servers = %v", servers)
	}
	if _, ok := body["expiresAt"]; ok {
		t.Fatalf("expiresAt present without TURN REST")
	}
}

func TestICEEmptyListEncodesAsArray(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := get(t, s, "/webrtc/ice", nil)
	if !strings.Contains(rec.Body.String(), `"iceServers":[]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestICEStampsTURNCredentials(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.clinic.example:3478"}},
			{URLs: []string{"turn:turn.clinic.example:3478"}, Username: "static", Credential: "static"},
		},
	}
	minter, err := turnrest.NewMinter(config.TurnRESTConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "consult",
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	s := newTestServer(t, cfg, Deps{Minter: minter})

	body := decode(t, get(t, s, "/webrtc/ice", nil))
	servers := body["iceServers"].([]any)
	if len(servers) != 2 {
		t.Fatalf("servers = %v", servers)
	}

	stun := servers[0].(map[string]any)
	if _, ok := stun["username"]; ok && stun["username"] != "" {
		t.Fatalf("stun entry gained credentials: %v", stun)
	}

	turn := servers[1].(map[string]any)
	username, _ := turn["username"].(string)
	if !strings.Contains(username, ":consult:") {
		t.Fatalf("turn username = %q", username)
	}
	if turn["credential"] == "static" {
		t.Fatalf("turn credential not replaced")
	}
	if _, ok := body["expiresAt"]; !ok {
		t.Fatalf("missing expiresAt")
	}

	// The original config must not be mutated.
	if cfg.ICEServers[1].Username != "static" {
		t.Fatalf("config mutated: %v", cfg.ICEServers[1])
	}
}

func TestICECORS(t *testing.T) {
	cfg := config.Config{AllowedOrigins: []string{"https://clinic.example"}}
	s := newTestServer(t, cfg, Deps{})

	rec := get(t, s, "/webrtc/ice", func(r *http.Request) {
		r.Header.Set("Origin", "https://clinic.example")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://clinic.example" {
		t.Fatalf("missing CORS header: %v", rec.Header())
	}

	rec = get(t, s, "/webrtc/ice", func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status for disallowed origin = %d", rec.Code)
	}
}

func TestWSRouteMounted(t *testing.T) {
	called := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	s := newTestServer(t, config.Config{}, Deps{WS: ws})

	get(t, s, "/ws/consultation", nil)
	if !called {
		t.Fatalf("ws handler not mounted")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})
	s.mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := get(t, s, "/boom", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

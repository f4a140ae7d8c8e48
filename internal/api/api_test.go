package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/micro-nova/dspd/internal/api"
	"github.com/micro-nova/dspd/internal/config"
	"github.com/micro-nova/dspd/internal/controller"
	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/metrics"
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/repository"
	"github.com/micro-nova/dspd/internal/route"
)

type testEnv struct {
	srv    *httptest.Server
	native *effect.Mock
}

// newTestServer spins up a running mock-mode controller behind the router.
func newTestServer(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	repo, err := repository.New(config.NewMemStore(), repository.Options{})
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	native := effect.NewMock()
	m := metrics.New()
	policy := effect.DefaultRetryPolicy()
	policy.SettleDelay = time.Millisecond

	ctrl, err := controller.New(controller.Options{
		Repo:     repo,
		Native:   native,
		Resolver: route.NewResolver(nil, nil, route.Options{}, m),
		Policy:   policy,
		Metrics:  m,
		Info:     models.Info{Version: "test", Mock: true},
	})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()

	srv := httptest.NewServer(api.NewRouter(ctrl, ctrl, m.Handler(), apiKey))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testEnv{srv: srv, native: native}
}

// do is a convenience helper for making requests to the test server.
func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("NewRequest %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	return resp
}

// decodeJSON reads and decodes a JSON response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

// requireStatus fails the test if the response status doesn't match.
func requireStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, expected, body)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetState(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "GET", "/api", "")
	requireStatus(t, resp, http.StatusOK)

	var state models.State
	decodeJSON(t, resp, &state)
	if state.Enabled {
		t.Error("DSP should start disabled")
	}
	if state.Config.ID != models.DefaultConfigID {
		t.Errorf("config = %q, want %q", state.Config.ID, models.DefaultConfigID)
	}
	if len(state.Config.Eq) != len(models.DefaultEqBands) {
		t.Errorf("eq has %d bands, want %d", len(state.Config.Eq), len(models.DefaultEqBands))
	}
	if !state.Info.Mock {
		t.Error("info.mock should be true")
	}
}

func TestSetEnabled(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "PATCH", "/api/enabled", `{"enabled": true}`)
	requireStatus(t, resp, http.StatusOK)
	var state models.State
	decodeJSON(t, resp, &state)
	if !state.Enabled {
		t.Error("enabled not set")
	}

	resp = do(t, env.srv, "PATCH", "/api/enabled", `{}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = do(t, env.srv, "PATCH", "/api/enabled", `not json`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestConfigLifecycle(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "PUT", "/api/configs/Car", `{"eq": {"100": 3, "1000": -2}, "bass_boost": 5, "post_gain": 1}`)
	requireStatus(t, resp, http.StatusOK)
	var cfg models.Config
	decodeJSON(t, resp, &cfg)
	if cfg.ID != "Car" || cfg.Eq[100] != 3 || cfg.BassBoost != 5 {
		t.Errorf("unexpected config %+v", cfg)
	}

	resp = do(t, env.srv, "GET", "/api/configs/Car", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = do(t, env.srv, "PUT", "/api/configs/Loud", `{"eq": {"100": 40}}`)
	requireStatus(t, resp, http.StatusBadRequest)
	var appErr models.AppError
	decodeJSON(t, resp, &appErr)
	if appErr.Field != "eq" {
		t.Errorf("field = %q, want eq", appErr.Field)
	}

	resp = do(t, env.srv, "PUT", "/api/configs/Car", `{"id": "Other", "eq": {"100": 0}}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = do(t, env.srv, "DELETE", "/api/configs/Car", "")
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = do(t, env.srv, "GET", "/api/configs/Car", "")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = do(t, env.srv, "DELETE", "/api/configs/default", "")
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestConfigsRankedByUsage(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "PUT", "/api/configs/Car", `{"eq": {"100": 0}}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = do(t, env.srv, "PUT", "/api/devices/audio_device_aux/config", `{"config_id": "Car"}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = do(t, env.srv, "GET", "/api/configs", "")
	requireStatus(t, resp, http.StatusOK)
	var ranked []repository.RankedConfig
	decodeJSON(t, resp, &ranked)
	if len(ranked) != 2 {
		t.Fatalf("got %d configs, want 2", len(ranked))
	}
	if ranked[0].Config.ID != "Car" || ranked[0].Score != 1 {
		t.Errorf("first = %s (%v), want Car (1)", ranked[0].Config.ID, ranked[0].Score)
	}

	resp = do(t, env.srv, "PUT", "/api/devices/audio_device_aux/config", `{"config_id": "nope"}`)
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestDevices(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "GET", "/api/devices", "")
	requireStatus(t, resp, http.StatusOK)
	var devs []models.AudioDevice
	decodeJSON(t, resp, &devs)
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want phone and aux", len(devs))
	}
}

func TestMultiDeviceConfig(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "POST", "/api/devices/config", `{"device_ids": ["audio_device_phone", "audio_device_aux"]}`)
	requireStatus(t, resp, http.StatusOK)
	var merged models.Config
	decodeJSON(t, resp, &merged)
	if merged.ID != "" {
		t.Errorf("merged config should have no id, got %q", merged.ID)
	}

	merged.BassBoost = 6
	body, _ := json.Marshal(map[string]interface{}{
		"device_ids": []string{"audio_device_phone", "audio_device_aux"},
		"config":     merged,
	})
	resp = do(t, env.srv, "PUT", "/api/devices/config", string(body))
	requireStatus(t, resp, http.StatusOK)
	var saved models.Config
	decodeJSON(t, resp, &saved)
	if !models.IsCustomID(saved.ID) {
		t.Errorf("saved id %q is not a custom id", saved.ID)
	}

	resp = do(t, env.srv, "PUT", "/api/devices/config", `{"device_ids": ["audio_device_phone"]}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = do(t, env.srv, "POST", "/api/devices/config", `{"device_ids": []}`)
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestInjectedSessionGetsEffect(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "PATCH", "/api/enabled", `{"enabled": true}`)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = do(t, env.srv, "POST", "/api/sessions/12", "")
	requireStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	eventually(t, func() bool {
		effects := env.native.EffectsForSession(12)
		return len(effects) == 1 && effects[0].Enabled
	})
	eventually(t, func() bool {
		r := do(t, env.srv, "GET", "/api", "")
		var st models.State
		decodeJSON(t, r, &st)
		return len(st.Sessions) == 1 && st.Sessions[0].ID == 12
	})

	resp = do(t, env.srv, "DELETE", "/api/sessions/12", "")
	requireStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	eventually(t, func() bool { return env.native.Live() == 0 })

	resp = do(t, env.srv, "POST", "/api/sessions/abc", "")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSubscribeStreamsState(t *testing.T) {
	env := newTestServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", env.srv.URL+"/api/subscribe", nil)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() models.State {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatal("stream closed")
				}
				if data, found := strings.CutPrefix(l, "data: "); found {
					var st models.State
					if err := json.Unmarshal([]byte(data), &st); err != nil {
						t.Fatalf("bad event %q: %v", data, err)
					}
					return st
				}
			case <-timeout:
				t.Fatal("no event")
			}
		}
	}

	if first := next(); first.Enabled {
		t.Fatal("initial state should be disabled")
	}

	r := do(t, env.srv, "PATCH", "/api/enabled", `{"enabled": true}`)
	requireStatus(t, r, http.StatusOK)
	r.Body.Close()
	for {
		if next().Enabled {
			return
		}
	}
}

func TestAPIKey(t *testing.T) {
	env := newTestServer(t, "secret")

	resp := do(t, env.srv, "GET", "/api", "")
	requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = do(t, env.srv, "GET", "/api?api-key=secret", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	req, _ := http.NewRequest("GET", env.srv.URL+"/api", nil)
	req.Header.Set("api-key", "secret")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// metrics stay reachable for scrapers
	resp = do(t, env.srv, "GET", "/metrics", "")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t, "")

	resp := do(t, env.srv, "GET", "/metrics", "")
	requireStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "dspd_sessions_live") {
		t.Error("metrics output lacks dspd_sessions_live")
	}
}

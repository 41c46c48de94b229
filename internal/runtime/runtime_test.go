package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/workflow"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startRuntime(t *testing.T, mutate func(*config.Config)) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "dictate.db")
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, newLogger())
	if err := rt.init(ctx); err != nil {
		cancel()
		rt.close()
		t.Fatalf("init runtime: %v", err)
	}
	rt.startBackground(ctx)
	rt.ready.Store(true)

	srv := httptest.NewServer(rt.router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rt.wg.Wait()
		rt.close()
	})
	return rt, srv
}

func post(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type sessionList struct {
	Sessions []workflow.Snapshot `json:"sessions"`
	Count    int                 `json:"count"`
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForSessions(t *testing.T, baseURL string, n int) sessionList {
	t.Helper()
	var list sessionList
	eventually(t, func() bool {
		list = sessionList{}
		get(t, baseURL+"/v1/sessions", &list)
		return list.Count >= n
	})
	return list
}

func TestHealthAndReady(t *testing.T) {
	rt, srv := startRuntime(t, nil)

	if code := get(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz returned %d", code)
	}
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := get(t, srv.URL+"/readyz", &ready); code != http.StatusOK || ready.Checks["runtime"] != "ok" {
		t.Fatalf("readyz returned %d %+v", code, ready)
	}

	rt.ready.Store(false)
	if code := get(t, srv.URL+"/readyz", &ready); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while not ready, got %d", code)
	}
}

func TestDictationOverHTTP(t *testing.T) {
	_, srv := startRuntime(t, nil)

	var status workflow.Status
	get(t, srv.URL+"/v1/status", &status)
	if status.State != workflow.StateIdle {
		t.Fatalf("expected idle runtime, got %s", status.State)
	}

	if code, _ := post(t, srv.URL+"/v1/hotkey/activate"); code != http.StatusAccepted {
		t.Fatalf("activate returned %d", code)
	}
	if code, _ := post(t, srv.URL+"/v1/hotkey/deactivate"); code != http.StatusAccepted {
		t.Fatalf("deactivate returned %d", code)
	}

	list := waitForSessions(t, srv.URL, 1)
	snap := list.Sessions[0]
	if snap.State != workflow.StateCompleted {
		t.Fatalf("expected completed session, got %s (%+v)", snap.State, snap.Errors)
	}
	if snap.EnhancedText == "" || snap.InsertMethod != "log" {
		t.Fatalf("unexpected session %+v", snap)
	}

	// The archive and the monitor are written after the session leaves the
	// slot, so poll for them.
	var archived struct {
		Sessions []eventstore.Session `json:"sessions"`
	}
	eventually(t, func() bool {
		get(t, srv.URL+"/v1/sessions?source=archive", &archived)
		return len(archived.Sessions) == 1
	})
	if archived.Sessions[0].SessionID != snap.ID || archived.Sessions[0].State != string(workflow.StateCompleted) {
		t.Fatalf("unexpected archived session %+v", archived.Sessions[0])
	}

	var events struct {
		Count int `json:"count"`
	}
	if code := get(t, srv.URL+"/v1/sessions/"+snap.ID+"/events", &events); code != http.StatusOK || events.Count == 0 {
		t.Fatalf("expected timeline events, got %d count=%d", code, events.Count)
	}

	var stats struct {
		Workflow struct {
			Sessions int `json:"sessions"`
		} `json:"workflow"`
		Caches []struct {
			Name string `json:"name"`
		} `json:"caches"`
	}
	eventually(t, func() bool {
		get(t, srv.URL+"/v1/stats", &stats)
		return stats.Workflow.Sessions == 1
	})
	if len(stats.Caches) != 2 || stats.Caches[0].Name != "recognition" {
		t.Fatalf("unexpected cache stats %+v", stats.Caches)
	}

	code, body := post(t, srv.URL+"/v1/undo")
	if code != http.StatusOK || body["session_id"] != snap.ID {
		t.Fatalf("undo returned %d %v", code, body)
	}
	if code, _ := post(t, srv.URL+"/v1/undo"); code != http.StatusConflict {
		t.Fatalf("expected conflict on second undo, got %d", code)
	}
}

func TestHotkeyErrors(t *testing.T) {
	rt, srv := startRuntime(t, nil)

	if code, _ := post(t, srv.URL+"/v1/hotkey/explode"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", code)
	}
	if code := get(t, srv.URL+"/v1/sessions/not-a-uuid/events", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid session id, got %d", code)
	}
	if code := get(t, srv.URL+"/v1/sessions?limit=-1", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", code)
	}

	rt.orch.Close()
	if code, _ := post(t, srv.URL+"/v1/hotkey/activate"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", code)
	}
}

func TestEphemeralStoreHidesArchive(t *testing.T) {
	_, srv := startRuntime(t, func(cfg *config.Config) {
		cfg.EventStore.RetentionMode = "ephemeral"
	})
	if code := get(t, srv.URL+"/v1/sessions?source=archive", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 with ephemeral store, got %d", code)
	}
}

func TestReadinessWaitsForRequiredAgents(t *testing.T) {
	rt, srv := startRuntime(t, func(cfg *config.Config) {
		cfg.Bus.Enabled = true
		cfg.Bus.Embedded = true
		cfg.Bus.Port = -1
		cfg.Capture.Mode = "bus"
	})

	var ready struct {
		Checks map[string]string `json:"checks"`
	}
	if code := get(t, srv.URL+"/readyz", &ready); code != http.StatusServiceUnavailable || ready.Checks["agents"] != "missing: capture" {
		t.Fatalf("expected missing capture agent, got %d %+v", code, ready.Checks)
	}

	if err := rt.bus.PublishJSON(protocol.SubjectAgentAnnounce, protocol.AgentAnnounce{
		AgentID: "mic-1",
		Roles:   []string{"capture"},
	}); err != nil {
		t.Fatalf("publish announce: %v", err)
	}
	eventually(t, func() bool {
		return get(t, srv.URL+"/readyz", nil) == http.StatusOK
	})

	var list struct {
		Count   int      `json:"count"`
		Missing []string `json:"missing"`
	}
	get(t, srv.URL+"/v1/agents", &list)
	if list.Count != 1 || len(list.Missing) != 0 {
		t.Fatalf("unexpected agent list %+v", list)
	}
}

package agents

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		RequestTimeout: 1000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequiredRoles(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Mode = "bus"
	cfg.Insertion.Primary = "bus"
	cfg.Agents.RequiredRoles = []string{RoleHotkey, RoleCapture}

	got := RequiredRoles(cfg)
	want := []string{RoleCapture, RoleHotkey, RoleInsert}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if roles := RequiredRoles(config.Default()); len(roles) != 0 {
		t.Fatalf("default config should require no agents, got %v", roles)
	}
}

func TestRegistryTracksAgents(t *testing.T) {
	client := startBus(t)
	cfg := config.Default()
	cfg.Capture.Mode = "bus"
	cfg.Context.Source = "bus"

	reg, err := NewRegistry(context.Background(), cfg, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg.mu.Lock()
	reg.clock = clock.Now
	reg.mu.Unlock()

	if missing := reg.Missing(); !slices.Equal(missing, []string{RoleCapture, RoleWindow}) {
		t.Fatalf("expected capture and window missing, got %v", missing)
	}

	if err := client.PublishJSON(protocol.SubjectAgentAnnounce, protocol.AgentAnnounce{
		AgentID: "desk-1",
		Roles:   []string{RoleCapture, RoleWindow, RoleInsert},
		Version: "1.2.0",
	}); err != nil {
		t.Fatalf("publish announce: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Missing()) == 0 })

	agents := reg.Agents()
	if len(agents) != 1 || agents[0].ID != "desk-1" || !agents[0].Healthy || agents[0].Version != "1.2.0" {
		t.Fatalf("unexpected agents %+v", agents)
	}

	clock.Advance(20 * time.Second)
	reg.evaluateHealth()
	if missing := reg.Missing(); len(missing) != 2 {
		t.Fatalf("expected roles missing after heartbeat loss, got %v", missing)
	}

	if err := client.PublishJSON(protocol.AgentHeartbeatSubject("desk-1"), protocol.AgentHeartbeat{AgentID: "desk-1"}); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Missing()) == 0 })
}

func TestHeartbeatFromUnknownAgentIsIgnored(t *testing.T) {
	client := startBus(t)
	reg, err := NewRegistry(context.Background(), config.Default(), client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if err := client.PublishJSON(protocol.AgentHeartbeatSubject("ghost"), protocol.AgentHeartbeat{AgentID: "ghost"}); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectAgentAnnounce, protocol.AgentAnnounce{AgentID: "real", Roles: []string{RoleHotkey}}); err != nil {
		t.Fatalf("publish announce: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Agents()) > 0 })
	time.Sleep(20 * time.Millisecond)

	for _, agent := range reg.Agents() {
		if agent.ID == "ghost" {
			t.Fatal("heartbeat must not register an agent")
		}
	}
}

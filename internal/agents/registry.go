// Package agents tracks the desktop agents that serve the bus-backed ports:
// microphone capture, text insertion, focused-window lookup and hotkeys.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

const (
	RoleCapture = "capture"
	RoleInsert  = "insert"
	RoleWindow  = "window"
	RoleHotkey  = "hotkey"
)

// Agent is the last known state of one desktop agent.
type Agent struct {
	ID       string    `json:"id"`
	Roles    []string  `json:"roles"`
	Version  string    `json:"version,omitempty"`
	Host     string    `json:"host,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type Registry struct {
	log      *slog.Logger
	bus      *bus.Client
	timeout  time.Duration
	required []string
	clock    func() time.Time

	mu     sync.RWMutex
	agents map[string]*Agent
	cancel context.CancelFunc
	subs   []*nats.Subscription
	meter  metric.Meter
}

// RequiredRoles returns the roles the configuration depends on: explicit
// agents.required_roles plus every port configured to use the bus.
func RequiredRoles(cfg config.Config) []string {
	roles := slices.Clone(cfg.Agents.RequiredRoles)
	if cfg.Capture.Mode == "bus" {
		roles = append(roles, RoleCapture)
	}
	if cfg.Insertion.Primary == "bus" {
		roles = append(roles, RoleInsert)
	}
	if cfg.Context.Source == "bus" {
		roles = append(roles, RoleWindow)
	}
	slices.Sort(roles)
	return slices.Compact(roles)
}

// NewRegistry subscribes to agent announcements and heartbeats, then asks
// already running agents to announce themselves.
func NewRegistry(ctx context.Context, cfg config.Config, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:      log.With(slog.String("component", "agents")),
		bus:      busClient,
		timeout:  time.Duration(cfg.Agents.HeartbeatTimeout) * time.Millisecond,
		required: RequiredRoles(cfg),
		clock:    time.Now,
		agents:   make(map[string]*Agent),
		meter:    otel.Meter("github.com/loqalabs/loqa-dictate/agents"),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := busClient.Conn().Publish(protocol.SubjectAgentDiscover, nil); err != nil {
		r.log.Warn("failed to request agent discovery", slog.String("error", err.Error()))
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectAgentAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectAgentHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.AgentAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.AgentID == "" {
		r.log.Warn("invalid agent announcement", slog.String("subject", msg.Subject))
		return
	}

	r.mu.Lock()
	agent, known := r.agents[announcement.AgentID]
	if !known {
		agent = &Agent{ID: announcement.AgentID}
		r.agents[announcement.AgentID] = agent
	}
	agent.Roles = slices.Clone(announcement.Roles)
	agent.Version = announcement.Version
	agent.Host = announcement.Host
	agent.LastSeen = r.clock()
	agent.Healthy = true
	r.mu.Unlock()

	if !known {
		r.log.Info("agent connected",
			slog.String("agent_id", announcement.AgentID),
			slog.Any("roles", announcement.Roles),
			slog.String("version", announcement.Version))
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.AgentHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid agent heartbeat", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[hb.AgentID]
	if !ok {
		// Roles are unknown until the agent announces.
		r.log.Debug("heartbeat from unannounced agent", slog.String("agent_id", hb.AgentID))
		return
	}
	agent.LastSeen = r.clock()
	if !agent.Healthy {
		r.log.Info("agent recovered", slog.String("agent_id", hb.AgentID))
	}
	agent.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, agent := range r.agents {
		if agent.Healthy && now.Sub(agent.LastSeen) > r.timeout {
			agent.Healthy = false
			r.log.Warn("agent heartbeat lost",
				slog.String("agent_id", agent.ID),
				slog.Duration("silent_for", now.Sub(agent.LastSeen)))
		}
	}
}

// Agents returns every known agent ordered by id.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		cp := *agent
		cp.Roles = slices.Clone(agent.Roles)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Missing returns the required roles no healthy agent currently serves.
func (r *Registry) Missing() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, role := range r.required {
		if !r.servedLocked(role) {
			missing = append(missing, role)
		}
	}
	return missing
}

func (r *Registry) servedLocked(role string) bool {
	for _, agent := range r.agents {
		if agent.Healthy && slices.Contains(agent.Roles, role) {
			return true
		}
	}
	return false
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	known, err := r.meter.Int64ObservableGauge("loqa.dictation.agents", metric.WithDescription("Number of known desktop agents"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("loqa.dictation.agents.healthy", metric.WithDescription("Number of desktop agents with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, up := r.counts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, up int64
	for _, agent := range r.agents {
		total++
		if agent.Healthy {
			up++
		}
	}
	return total, up
}

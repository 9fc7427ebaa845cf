// Package presence announces this speaker node on the bus and tracks the
// other speakers it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/bus"
	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/protocol"
	"github.com/loqalabs/loqa-kitten/internal/voice"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Capabilities []protocol.Capability `json:"capabilities"`
	Phase        string                `json:"phase,omitempty"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
}

// PhaseFunc reports the local engine phase for heartbeats.
type PhaseFunc func() string

type Registry struct {
	cfg          config.NodeConfig
	log          *slog.Logger
	bus          *bus.Client
	phase        PhaseFunc
	capabilities []protocol.Capability
	mu           sync.RWMutex
	nodes        map[string]*NodeInfo
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	meter        metric.Meter
}

// LocalCapabilities describes what a speaker node offers: one speech
// capability and one entry per catalog voice.
func LocalCapabilities(backendMode string) []protocol.Capability {
	caps := []protocol.Capability{{
		Name: "tts.speak",
		Attributes: map[string]string{
			"backend": backendMode,
			"voices":  strconv.Itoa(voice.Count()),
		},
	}}
	for _, v := range voice.Catalog() {
		caps = append(caps, protocol.Capability{
			Name:       "tts.voice",
			Attributes: map[string]string{"id": strconv.Itoa(v.ID), "name": v.Name},
		})
	}
	return caps
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, capabilities []protocol.Capability, busClient *bus.Client, phase PhaseFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:          cfg,
		log:          log.With(slog.String("component", "presence")),
		bus:          busClient,
		phase:        phase,
		capabilities: capabilities,
		nodes:        make(map[string]*NodeInfo),
		meter:        otel.Meter("github.com/loqalabs/loqa-kitten/presence"),
		cancel:       cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.Announce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.capabilities,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, r.localPhase(), msg.Timestamp)
	return nil
}

func (r *Registry) localPhase() string {
	if r.phase == nil {
		return ""
	}
	return r.phase()
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.Heartbeat{
		NodeID:    r.cfg.ID,
		Phase:     r.localPhase(),
		Timestamp: time.Now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.Announce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, "", announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Phase, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []protocol.Capability, phase string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if phase != "" {
		node.Phase = phase
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Nodes returns every known node sorted by id, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	nodeGauge, err := r.meter.Int64ObservableGauge("kitten.presence.nodes", metric.WithDescription("Number of known speaker nodes"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("kitten.presence.healthy", metric.WithDescription("Speaker nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, healthy := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, nodeGauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, healthy int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			healthy++
		}
	}
	return nodes, healthy
}

// Package capability advertises this node's lip-sync subjects on the control
// bus and keeps a view of every peer doing the same.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/bus"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat."

	Render = "lipsync.render"
	Stream = "lipsync.stream"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID             string       `json:"id"`
	Role           string       `json:"role"`
	Capabilities   []Capability `json:"capabilities"`
	ActiveSessions int          `json:"active_sessions"`
	LastSeen       time.Time    `json:"last_seen"`
	Healthy        bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

// LoadFunc reports how many streaming sessions this node is serving.
type LoadFunc func() int

// Advertise builds the capability list for a node serving the given pipeline.
// The stream capability is omitted when streaming is disabled.
func Advertise(p config.PipelineConfig, s config.StreamConfig, avatars []string) []Capability {
	render := Capability{
		Name: Render,
		Attributes: map[string]string{
			"frame_rate":  strconv.Itoa(p.FrameRate),
			"sample_rate": strconv.Itoa(p.SampleRate),
			"resolution":  fmt.Sprintf("%dx%d", p.Width, p.Height),
		},
	}
	if len(avatars) > 0 {
		render.Attributes["avatars"] = strings.Join(avatars, ",")
	}
	caps := []Capability{render}
	if s.Enabled {
		caps = append(caps, Capability{
			Name: Stream,
			Attributes: map[string]string{
				"frame_rate":   strconv.Itoa(p.FrameRate),
				"max_sessions": strconv.Itoa(s.MaxSessions),
				"encoding":     "jpeg",
			},
		})
	}
	return caps
}

type Registry struct {
	cfg   config.NodeConfig
	caps  []Capability
	load  LoadFunc
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	reg    metric.Registration
}

// NewRegistry subscribes to peer announcements, announces this node and
// starts heartbeating. A nil provider uses the global meter provider.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, load LoadFunc, busClient *bus.Client, mp metric.MeterProvider, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, fmt.Errorf("capability registry requires a bus client")
	}
	if load == nil {
		load = func() int { return 0 }
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   slices.Clone(caps),
		load:   load,
		log:    log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(mp.Meter("github.com/loqalabs/loqa-lipsync/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
	if r.reg != nil {
		_ = r.reg.Unregister()
		r.reg = nil
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
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
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, r.load(), msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+r.cfg.ID, heartbeatMessage{
		NodeID:         r.cfg.ID,
		ActiveSessions: r.load(),
		Timestamp:      r.clock().UTC(),
	})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	if r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, -1, announcement.Timestamp) && announcement.NodeID != r.cfg.ID {
		// Newcomers missed our announcement.
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.ActiveSessions, hb.Timestamp)
}

// updateNode merges what is known about nodeID and reports whether the node
// was new. A negative load keeps the previous session count.
func (r *Registry) updateNode(nodeID, role string, caps []Capability, load int, seen time.Time) bool {
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
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	if load >= 0 {
		node.ActiveSessions = load
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, node := range r.nodes {
		if id == r.cfg.ID {
			continue
		}
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has announced itself.
func (r *Registry) Healthy() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the known nodes matching filter, sorted by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = slices.Clone(node.Capabilities)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return results
}

// LeastLoaded picks the healthy node advertising capability with the fewest
// active sessions.
func (r *Registry) LeastLoaded(capability string) (NodeInfo, bool) {
	nodes := r.Query(func(n NodeInfo) bool { return n.Healthy && WithCapabilityFilter(capability)(n) })
	if len(nodes) == 0 {
		return NodeInfo{}, false
	}
	return slices.MinFunc(nodes, func(a, b NodeInfo) int { return a.ActiveSessions - b.ActiveSessions }), true
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodeGauge, err := meter.Int64ObservableGauge("lipsync.nodes.known", metric.WithDescription("Known lip-sync nodes by health"))
	if err != nil {
		return err
	}
	sessionGauge, err := meter.Int64ObservableGauge("lipsync.nodes.active_sessions", metric.WithDescription("Streaming sessions reported by healthy nodes"))
	if err != nil {
		return err
	}
	healthy := metric.WithAttributes(attribute.Bool("healthy", true))
	unhealthy := metric.WithAttributes(attribute.Bool("healthy", false))
	r.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		up, down, sessions := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, up, healthy)
		obs.ObserveInt64(nodeGauge, down, unhealthy)
		obs.ObserveInt64(sessionGauge, sessions)
		return nil
	}, nodeGauge, sessionGauge)
	return err
}

func (r *Registry) snapshotCounts() (healthy, unhealthy, sessions int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if !node.Healthy {
			unhealthy++
			continue
		}
		healthy++
		sessions += int64(node.ActiveSessions)
	}
	return healthy, unhealthy, sessions
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool { return c.Name == name })
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

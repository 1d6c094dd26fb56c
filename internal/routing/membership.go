package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

const nodeKeyPrefix = "taskmesh:node:"

// MembershipConfig tunes heartbeat-based node discovery.
type MembershipConfig struct {
	// NodeID is this node's identity on the ring.
	NodeID string

	// HeartbeatInterval is how often this node refreshes its registration.
	HeartbeatInterval time.Duration

	// TTL is how long a registration survives without a heartbeat. A node
	// that misses TTL worth of heartbeats drops off every peer's ring.
	TTL time.Duration

	// PollInterval is how often the membership view is reconciled against
	// the registered key space.
	PollInterval time.Duration
}

func (c *MembershipConfig) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Membership discovers worker nodes through heartbeat keys in Redis and keeps
// a Ring's member set in sync with the live node set. Membership is ephemeral
// by design: the ring is rebuilt from heartbeats at runtime, never persisted.
type Membership struct {
	cfg    MembershipConfig
	client redis.UniversalClient
	ring   *Ring
	logger *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMembership creates a Membership for the given node and ring.
func NewMembership(cfg MembershipConfig, client redis.UniversalClient, ring *Ring, log *logger.Logger) *Membership {
	cfg.defaults()
	return &Membership{
		cfg:    cfg,
		client: client,
		ring:   ring,
		logger: log.With("component", "membership", "node_id", cfg.NodeID),
	}
}

// Start registers this node, adds it to the local ring, and launches the
// heartbeat and reconcile loops. It returns once registration succeeded.
func (m *Membership) Start(ctx context.Context) error {
	if err := m.register(ctx); err != nil {
		return fmt.Errorf("registering node %s: %w", m.cfg.NodeID, err)
	}
	m.ring.AddNode(m.cfg.NodeID)

	if err := m.reconcile(ctx); err != nil {
		m.logger.Warn(ctx, "initial membership reconcile failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx)
	return nil
}

// Stop deregisters this node and halts the background loops.
func (m *Membership) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	if err := m.client.Del(ctx, nodeKeyPrefix+m.cfg.NodeID).Err(); err != nil {
		m.logger.Warn(ctx, "deregistering node failed", "error", err)
	}
	m.ring.RemoveNode(m.cfg.NodeID)
}

func (m *Membership) run(ctx context.Context) {
	defer close(m.done)

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	poll := time.NewTicker(m.cfg.PollInterval)
	defer func() {
		heartbeat.Stop()
		poll.Stop()
	}()

	for {
		select {
		case <-heartbeat.C:
			if err := m.register(ctx); err != nil {
				m.logger.Warn(ctx, "heartbeat failed", "error", err)
			}

		case <-poll.C:
			if err := m.reconcile(ctx); err != nil {
				m.logger.Warn(ctx, "membership reconcile failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (m *Membership) register(ctx context.Context) error {
	return m.client.Set(ctx, nodeKeyPrefix+m.cfg.NodeID, time.Now().UTC().Format(time.RFC3339), m.cfg.TTL).Err()
}

// reconcile diffs the registered node set against the ring and applies
// additions and removals. A node removed here had tasks mid-execution; the
// next Route for those task IDs lands on a surviving node, which resumes
// from the persisted checkpoint.
func (m *Membership) reconcile(ctx context.Context) error {
	live := make(map[string]struct{})

	iter := m.client.Scan(ctx, 0, nodeKeyPrefix+"*", 64).Iterator()
	for iter.Next(ctx) {
		live[strings.TrimPrefix(iter.Val(), nodeKeyPrefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return err
	}

	// Own registration may have lapsed between heartbeats; never remove
	// ourselves based on a poll.
	live[m.cfg.NodeID] = struct{}{}

	for _, existing := range m.ring.Nodes() {
		if _, ok := live[existing]; !ok {
			m.ring.RemoveNode(existing)
			m.logger.Info(ctx, "node left ring", "peer_id", existing)
		}
	}
	for nodeID := range live {
		if !m.ring.Contains(nodeID) {
			m.ring.AddNode(nodeID)
			m.logger.Info(ctx, "node joined ring", "peer_id", nodeID)
		}
	}
	return nil
}

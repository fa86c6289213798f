// Package ws provides the broadcast layer: named groups of live WebSocket
// connections with fire-and-forget, at-most-once delivery per member.
package ws

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Hub manages all connection groups, sharded so operations on one account's
// group never block another's.
type Hub struct {
	logger     *zap.Logger
	shards     []*groupShard
	shardCount uint32

	clientCount int64
	groupCount  int64

	regMu    sync.Mutex
	registry map[*Client]struct{}
}

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

// NewHub creates a Hub with the given shard count.
func NewHub(shardCount int, logger *zap.Logger) *Hub {
	if shardCount <= 0 {
		shardCount = 16
	}
	h := &Hub{
		logger:     logger.Named("ws-hub"),
		shards:     make([]*groupShard, shardCount),
		shardCount: uint32(shardCount),
		registry:   make(map[*Client]struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &groupShard{groups: make(map[string]map[*Client]struct{})}
	}
	return h
}

func (h *Hub) shardFor(group string) *groupShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(group))
	return h.shards[hasher.Sum32()%h.shardCount]
}

// Join adds a connection to a group, creating the group lazily. Joining a
// group twice is a no-op.
func (h *Hub) Join(group string, c *Client) {
	sh := h.shardFor(group)
	sh.mu.Lock()
	members, ok := sh.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		sh.groups[group] = members
		atomic.AddInt64(&h.groupCount, 1)
		groupsGauge.Inc()
	}
	if _, dup := members[c]; !dup {
		members[c] = struct{}{}
		c.track(group)
	}
	sh.mu.Unlock()
}

// Leave removes a connection from a group. Empty groups are garbage
// collected.
func (h *Hub) Leave(group string, c *Client) {
	sh := h.shardFor(group)
	sh.mu.Lock()
	if members, ok := sh.groups[group]; ok {
		if _, in := members[c]; in {
			delete(members, c)
			c.untrack(group)
		}
		if len(members) == 0 {
			delete(sh.groups, group)
			atomic.AddInt64(&h.groupCount, -1)
			groupsGauge.Dec()
		}
	}
	sh.mu.Unlock()
}

// Publish delivers payload to every current member of the group. Membership
// is snapshotted under the group's shard lock; delivery happens outside it,
// so a join racing with an in-flight publish may miss that message. Members
// with a full or closed transport are skipped. Returns the number of members
// the message was queued for.
func (h *Hub) Publish(group string, payload []byte) int {
	sh := h.shardFor(group)
	sh.mu.RLock()
	members := sh.groups[group]
	snapshot := make([]*Client, 0, len(members))
	for c := range members {
		snapshot = append(snapshot, c)
	}
	sh.mu.RUnlock()

	delivered := 0
	for _, c := range snapshot {
		if c.enqueue(payload) {
			delivered++
		}
	}
	if delivered > 0 {
		deliveredCounter.Add(float64(delivered))
	}
	return delivered
}

// Members returns the current membership count of a group.
func (h *Hub) Members(group string) int {
	sh := h.shardFor(group)
	sh.mu.RLock()
	n := len(sh.groups[group])
	sh.mu.RUnlock()
	return n
}

// drop removes a disconnecting client from every group it joined.
func (h *Hub) drop(c *Client) {
	for _, group := range c.Groups() {
		h.Leave(group, c)
	}
}

// Stats is a point-in-time snapshot of hub state.
type Stats struct {
	Connections int64 `json:"connections"`
	Groups      int64 `json:"groups"`
}

// Snapshot returns current connection and group counts.
func (h *Hub) Snapshot() Stats {
	return Stats{
		Connections: atomic.LoadInt64(&h.clientCount),
		Groups:      atomic.LoadInt64(&h.groupCount),
	}
}

// ConnectionInfo is per-connection metadata for the stats view.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Groups      []string  `json:"groups"`
}

// ConnectionList returns metadata for every live connection.
func (h *Hub) ConnectionList() []ConnectionInfo {
	h.regMu.Lock()
	clients := make([]*Client, 0, len(h.registry))
	for c := range h.registry {
		clients = append(clients, c)
	}
	h.regMu.Unlock()

	out := make([]ConnectionInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, ConnectionInfo{
			ID:          c.ID,
			ConnectedAt: c.connectedAt,
			Groups:      c.Groups(),
		})
	}
	return out
}

func (h *Hub) register(c *Client) {
	h.regMu.Lock()
	h.registry[c] = struct{}{}
	h.regMu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.regMu.Lock()
	delete(h.registry, c)
	h.regMu.Unlock()
}

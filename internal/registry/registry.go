// Package registry tracks server-side WebSocket connections: conn-id
// allocation, lifecycle, and a snapshot ordered newest-first for peer
// discovery. An optional Redis mirror makes connections visible across
// server replicas.
package registry

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

// Writer is the minimal transport-facing handle a Connection holds; the
// server runtime supplies the concrete implementation (a send-queue backed
// websocket writer).
type Writer interface {
	WriteMessage(b []byte) error
	Close() error
}

// Connection is server-side per-socket state.
type Connection struct {
	ConnID       string
	UID          string
	OpenedAt     time.Time
	InstanceID   string
	Meta         map[string]string

	mu          sync.RWMutex
	lastPongAt  time.Time
	transport   Writer
	subscribed  map[string]struct{}
}

// LastPongAt returns the last observed pong timestamp.
func (c *Connection) LastPongAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPongAt
}

// TouchPong records a fresh pong.
func (c *Connection) TouchPong() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

// Transport returns the connection's write handle.
func (c *Connection) Transport() Writer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// AddSubscription records channel-id as one of this connection's subscriptions.
func (c *Connection) AddSubscription(channelID string) {
	c.mu.Lock()
	c.subscribed[channelID] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription drops channel-id from this connection's subscriptions.
func (c *Connection) RemoveSubscription(channelID string) {
	c.mu.Lock()
	delete(c.subscribed, channelID)
	c.mu.Unlock()
}

// Subscriptions returns a snapshot of channel-ids this connection belongs to.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Summary is the observability-surface projection of a Connection, matching
// the connections/<conn-id> key/value shape of spec.md §6.
type Summary struct {
	ConnID     string    `json:"conn-id"`
	UID        string    `json:"uid,omitempty"`
	OpenedAt   time.Time `json:"opened-at"`
	InstanceID string    `json:"instance-id,omitempty"`
}

func (c *Connection) summary() Summary {
	return Summary{ConnID: c.ConnID, UID: c.UID, OpenedAt: c.OpenedAt, InstanceID: c.InstanceID}
}

const redisKeyPrefix = "connections/"
const redisTTL = 90 * time.Second

// Registry tracks all live connections for one server process. The zero
// value is not usable; construct with New or NewWithRedis.
type Registry struct {
	log zerolog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	instanceID string
	redis      *redis.Client
}

// New constructs an in-process-only Registry.
func New() *Registry {
	return &Registry{
		log:         logging.Component("registry"),
		connections: make(map[string]*Connection),
		instanceID:  instanceID(),
	}
}

// NewWithRedis constructs a Registry that additionally mirrors every
// register/unregister into rdb as a connections/<conn-id> hash, so peer
// server processes sharing rdb can see this instance's connections.
func NewWithRedis(rdb *redis.Client) *Registry {
	r := New()
	r.redis = rdb
	return r
}

func instanceID() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-instance"
}

// Register allocates a conn-id (or honors a caller-supplied one, e.g. from a
// client-id query parameter) and stores a new Connection.
func (r *Registry) Register(connID, uid string, transport Writer) *Connection {
	if connID == "" {
		connID = uuid.NewString()
	}
	c := &Connection{
		ConnID:     connID,
		UID:        uid,
		OpenedAt:   time.Now(),
		InstanceID: r.instanceID,
		Meta:       make(map[string]string),
		lastPongAt: time.Now(),
		transport:  transport,
		subscribed: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.connections[connID] = c
	r.mu.Unlock()

	r.mirrorRegister(c)
	r.log.Debug().Str("conn_id", connID).Str("uid", uid).Msg("connection registered")
	return c
}

// Unregister removes a connection by conn-id. Returns false if it was not present.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	c, ok := r.connections[connID]
	if ok {
		delete(r.connections, connID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.mirrorUnregister(connID)
	r.log.Debug().Str("conn_id", connID).Msg("connection unregistered")
	return true
}

// Get returns the connection for conn-id, if present locally.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connID]
	return c, ok
}

// Count returns the number of locally-tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Snapshot returns every locally-tracked connection summary, ordered
// newest-first by OpenedAt.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c.summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// ClusterSnapshot is like Snapshot but, when a Redis mirror is configured,
// scans it for every connections/<conn-id> hash cluster-wide instead of
// returning only this process's connections.
func (r *Registry) ClusterSnapshot(ctx context.Context) ([]Summary, error) {
	if r.redis == nil {
		return r.Snapshot(), nil
	}

	var out []Summary
	iter := r.redis.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		vals, err := r.redis.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		if len(vals) == 0 {
			continue
		}
		var opened time.Time
		if ts, err := time.Parse(time.RFC3339Nano, vals["opened-at"]); err == nil {
			opened = ts
		}
		out = append(out, Summary{
			ConnID:     vals["conn-id"],
			UID:        vals["uid"],
			OpenedAt:   opened,
			InstanceID: vals["instance-id"],
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (r *Registry) mirrorRegister(c *Connection) {
	if r.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := redisKeyPrefix + c.ConnID
	err := r.redis.HSet(ctx, key, map[string]any{
		"conn-id":     c.ConnID,
		"uid":         c.UID,
		"opened-at":   c.OpenedAt.Format(time.RFC3339Nano),
		"instance-id": c.InstanceID,
	}).Err()
	if err != nil {
		r.log.Warn().Err(err).Str("conn_id", c.ConnID).Msg("redis mirror register failed")
		return
	}
	r.redis.Expire(ctx, key, redisTTL)
}

func (r *Registry) mirrorUnregister(connID string) {
	if r.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.redis.Del(ctx, redisKeyPrefix+connID).Err(); err != nil {
		r.log.Warn().Err(err).Str("conn_id", connID).Msg("redis mirror unregister failed")
	}
}

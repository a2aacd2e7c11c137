// Package channel implements named pub/sub topics: subscription sets,
// best-effort fan-out, and request/reply RPC correlation with an optional
// NATS backplane so replies can cross server replicas.
package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
	"github.com/franks42/sente-lite-sub006/internal/registry"
	"github.com/franks42/sente-lite-sub006/internal/wire"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

// Config configures a single channel.
type Config struct {
	MaxSubscribers  int
	RetentionCount  int
	ExcludeSelf     bool
}

// Info is the observability-surface projection of a channel, matching
// channels/<channel-id> of spec.md §6.
type Info struct {
	ChannelID        string `json:"channel-id"`
	SubscriberCount  int    `json:"subscriber-count"`
	Config           Config `json:"config"`
}

type ch struct {
	mu          sync.Mutex
	id          string
	cfg         Config
	subscribers []string // conn-ids, ordered by insertion
	recent      []time.Time
}

func (c *ch) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// SendResult is returned by Publish.
type SendResult struct {
	Success    bool
	DeliveredTo []string
}

// SubscribeResult is returned by Subscribe.
type SubscribeResult struct {
	Success bool
	Reason  string
}

type pendingRPC struct {
	requestID string
	channelID string
	deadline  time.Time
	backplane string // "local" or "nats"
	resultCh  chan any
	fired     bool
}

// Manager owns every channel on one server process plus the pending-RPC
// table. The zero value is not usable; construct with New or NewWithNATS.
type Manager struct {
	log zerolog.Logger

	defaultCfg Config
	autoCreate bool
	registry   *registry.Registry

	mu       sync.Mutex
	channels map[string]*ch

	rpcMu   sync.Mutex
	pending map[string]*pendingRPC

	nats    *nats.Conn
	natsSub *nats.Subscription

	stopCh chan struct{}
}

// Options configures a Manager.
type Options struct {
	AutoCreate bool
	DefaultConfig Config
}

// New constructs an in-process-only Manager.
func New(reg *registry.Registry, opts Options) *Manager {
	m := &Manager{
		log:        logging.Component("channel"),
		defaultCfg: opts.DefaultConfig,
		autoCreate: opts.AutoCreate,
		registry:   reg,
		channels:   make(map[string]*ch),
		pending:    make(map[string]*pendingRPC),
		stopCh:     make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// NewWithNATS constructs a Manager that subscribes to the
// sente-lite.rpc.<request-id> NATS subjects, so a response that a peer
// server instance's SendRPCResponse publishes there reaches this instance's
// waiter. RPC requests themselves are not sent over NATS. If natsURL is
// unreachable, the manager logs a warning and degrades to local-only RPC.
func NewWithNATS(reg *registry.Registry, opts Options, natsURL string) *Manager {
	m := New(reg, opts)
	if natsURL == "" {
		return m
	}
	conn, err := nats.Connect(natsURL,
		nats.Name("sente-lite-rpc-backplane"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			m.log.Warn().Err(err).Msg("nats backplane error")
		}),
	)
	if err != nil {
		m.log.Warn().Err(err).Str("url", natsURL).Msg("nats backplane unreachable, falling back to local-only RPC")
		return m
	}
	m.nats = conn
	sub, err := conn.Subscribe("sente-lite.rpc.*", m.handleNATSReply)
	if err != nil {
		m.log.Warn().Err(err).Msg("nats backplane subscribe failed, falling back to local-only RPC")
		m.nats.Close()
		m.nats = nil
		return m
	}
	m.natsSub = sub
	m.log.Info().Str("url", natsURL).Msg("nats RPC backplane active")
	return m
}

// CreateChannel creates channel-id with cfg, or is a no-op if it already
// exists (idempotent).
func (m *Manager) CreateChannel(channelID string, cfg *Config) {
	effective := m.defaultCfg
	if cfg != nil {
		effective = *cfg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; ok {
		return
	}
	m.channels[channelID] = &ch{id: channelID, cfg: effective}
}

func (m *Manager) getOrAutoCreate(channelID string) (*ch, bool) {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	if !ok && m.autoCreate {
		c = &ch{id: channelID, cfg: m.defaultCfg}
		m.channels[channelID] = c
		ok = true
	}
	m.mu.Unlock()
	return c, ok
}

// Subscribe adds connID as a subscriber of channelID.
func (m *Manager) Subscribe(connID, channelID string) SubscribeResult {
	c, ok := m.getOrAutoCreate(channelID)
	if !ok {
		return SubscribeResult{Success: false, Reason: "channel does not exist"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subscribers {
		if s == connID {
			return SubscribeResult{Success: true}
		}
	}
	if c.cfg.MaxSubscribers > 0 && len(c.subscribers) >= c.cfg.MaxSubscribers {
		return SubscribeResult{Success: false, Reason: "channel at max-subscribers"}
	}
	c.subscribers = append(c.subscribers, connID)

	if conn, ok := m.registry.Get(connID); ok {
		conn.AddSubscription(channelID)
	}
	return SubscribeResult{Success: true}
}

// Unsubscribe removes connID from channelID's subscriber set.
func (m *Manager) Unsubscribe(connID, channelID string) {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	for i, s := range c.subscribers {
		if s == connID {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if conn, ok := m.registry.Get(connID); ok {
		conn.RemoveSubscription(channelID)
	}
}

// UnsubscribeAll removes connID from every channel it belongs to.
func (m *Manager) UnsubscribeAll(connID string) {
	m.mu.Lock()
	channels := make([]*ch, 0, len(m.channels))
	for _, c := range m.channels {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	for _, c := range channels {
		c.mu.Lock()
		for i, s := range c.subscribers {
			if s == connID {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
}

// Publish fans out data to channelID's subscribers (except sender, if the
// channel's ExcludeSelf config is set), via each
// recipient connection's transport writer. A write failure to one
// subscriber does not affect delivery to others.
func (m *Manager) Publish(channelID string, ev wire.Event, codec wire.Codec, senderConnID string) (SendResult, error) {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return SendResult{}, fmt.Errorf("%w: channel %q does not exist", errorkind.ErrUnknownOp, channelID)
	}

	c.mu.Lock()
	subs := append([]string(nil), c.subscribers...)
	exclude := c.cfg.ExcludeSelf
	if c.cfg.RetentionCount > 0 {
		c.recent = append(c.recent, time.Now())
		if len(c.recent) > c.cfg.RetentionCount {
			c.recent = c.recent[len(c.recent)-c.cfg.RetentionCount:]
		}
	}
	c.mu.Unlock()

	payload, err := codec.Encode(ev.ToWireValue())
	if err != nil {
		return SendResult{}, err
	}

	var delivered []string
	for _, connID := range subs {
		if exclude && connID == senderConnID {
			continue
		}
		conn, ok := m.registry.Get(connID)
		if !ok {
			continue
		}
		if err := conn.Transport().WriteMessage(payload); err != nil {
			m.log.Warn().Err(err).Str("conn_id", connID).Str("channel_id", channelID).Msg("publish delivery failed")
			continue
		}
		delivered = append(delivered, connID)
	}

	return SendResult{Success: true, DeliveredTo: delivered}, nil
}

// ListChannels returns every channel's observability projection.
func (m *Manager) ListChannels() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Info, len(m.channels))
	for id, c := range m.channels {
		out[id] = Info{ChannelID: id, SubscriberCount: c.subscriberCount(), Config: c.cfg}
	}
	return out
}

// SendRPCRequest allocates a request-id, publishes an rpc-request event
// carrying data and the request-id to channelID's subscribers via the same
// fan-out path as Publish, and installs a pending waiter with the given
// timeout. The request reaches this process's subscribers only; with a NATS
// backplane, a response that a peer instance's SendRPCResponse publishes
// still reaches this waiter.
func (m *Manager) SendRPCRequest(connID, channelID string, data any, codec wire.Codec, timeout time.Duration) (string, <-chan any, error) {
	if _, ok := m.getOrAutoCreate(channelID); !ok {
		return "", nil, fmt.Errorf("%w: channel %q does not exist", errorkind.ErrUnknownOp, channelID)
	}

	requestID := uuid.NewString()
	resultCh := make(chan any, 1)

	deadline := time.Now().Add(timeout)
	entry := &pendingRPC{requestID: requestID, channelID: channelID, deadline: deadline, backplane: "local", resultCh: resultCh}
	if m.nats != nil {
		entry.backplane = "nats"
	}

	m.rpcMu.Lock()
	m.pending[requestID] = entry
	m.rpcMu.Unlock()

	ev := wire.Event{ID: wire.EventRPCRequest, Data: wire.RPCRequestData{RequestID: requestID, Data: data}}
	if _, err := m.Publish(channelID, ev, codec, connID); err != nil {
		m.rpcMu.Lock()
		delete(m.pending, requestID)
		m.rpcMu.Unlock()
		return "", nil, err
	}

	return requestID, resultCh, nil
}

// SendRPCResponse correlates requestID with its pending waiter and fires it
// with data. If no local waiter exists and a NATS backplane is configured,
// data is JSON-encoded and published to sente-lite.rpc.<request-id>; the
// owning instance's waiter receives that JSON text as a string.
func (m *Manager) SendRPCResponse(requestID string, data any) bool {
	m.rpcMu.Lock()
	entry, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.rpcMu.Unlock()

	if ok {
		if !entry.fired {
			entry.fired = true
			entry.resultCh <- data
		}
		return true
	}

	if m.nats != nil {
		if payload, err := json.Marshal(data); err == nil {
			_ = m.nats.Publish("sente-lite.rpc."+requestID, payload)
		}
	}
	return false
}

func (m *Manager) handleNATSReply(msg *nats.Msg) {
	// The backplane subject already carries the request-id; local waiters
	// are looked up the same way a local SendRPCResponse would.
	subject := msg.Subject
	const prefix = "sente-lite.rpc."
	if len(subject) <= len(prefix) {
		return
	}
	requestID := subject[len(prefix):]

	m.rpcMu.Lock()
	entry, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.rpcMu.Unlock()

	if ok && !entry.fired {
		entry.fired = true
		entry.resultCh <- string(msg.Data)
	}
}

// reapLoop periodically removes pending RPC entries past their deadline,
// firing their waiter with errorkind.ErrRPCTimeout.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reapExpired() {
	now := time.Now()
	var expired []*pendingRPC

	m.rpcMu.Lock()
	for id, entry := range m.pending {
		if entry.deadline.Before(now) {
			delete(m.pending, id)
			expired = append(expired, entry)
		}
	}
	m.rpcMu.Unlock()

	for _, entry := range expired {
		if !entry.fired {
			entry.fired = true
			entry.resultCh <- errorkind.ErrRPCTimeout
		}
	}
}

// Stop halts the RPC reaper and closes any NATS backplane connection.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.natsSub != nil {
		_ = m.natsSub.Unsubscribe()
	}
	if m.nats != nil {
		m.nats.Close()
	}
}

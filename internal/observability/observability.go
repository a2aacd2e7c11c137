// Package observability assembles the connections/<conn-id> and
// channels/<channel-id> directory views exposed by the server's
// /debug/stats route, mirroring the teacher's GetConnectedAgents/metrics
// projection pattern.
package observability

import (
	"time"

	"github.com/franks42/sente-lite-sub006/internal/channel"
	"github.com/franks42/sente-lite-sub006/internal/queue"
	"github.com/franks42/sente-lite-sub006/internal/registry"
)

// Directory aggregates the connection registry and channel manager into a
// single observability snapshot source.
type Directory struct {
	registry *registry.Registry
	channels *channel.Manager
}

// New constructs a Directory over reg and mgr.
func New(reg *registry.Registry, mgr *channel.Manager) *Directory {
	return &Directory{registry: reg, channels: mgr}
}

// Snapshot is the JSON-serializable projection returned by /debug/stats.
type Snapshot struct {
	GeneratedAt time.Time                `json:"generated-at"`
	Connections []registry.Summary       `json:"connections"`
	Channels    map[string]channel.Info  `json:"channels"`
	Totals      Totals                   `json:"totals"`
}

// Totals rolls the directory up into scalar counters.
type Totals struct {
	ActiveConnections  int `json:"active-connections"`
	TotalChannels      int `json:"total-channels"`
	TotalSubscriptions int `json:"total-subscriptions"`
}

// Snapshot returns the current directory contents.
func (d *Directory) Snapshot() Snapshot {
	conns := d.registry.Snapshot()
	chans := d.channels.ListChannels()

	totalSubs := 0
	for _, info := range chans {
		totalSubs += info.SubscriberCount
	}

	return Snapshot{
		GeneratedAt: time.Now(),
		Connections: conns,
		Channels:    chans,
		Totals: Totals{
			ActiveConnections:  len(conns),
			TotalChannels:      len(chans),
			TotalSubscriptions: totalSubs,
		},
	}
}

// QueueStats mirrors a single connection's outbound send-queue counters
// into the directory view, for callers that track per-connection queues
// (the server runtime does, keyed by conn-id) and want to fold them into a
// wider metrics export.
type QueueStats struct {
	ConnID string      `json:"conn-id"`
	Stats  queue.Stats `json:"stats"`
}

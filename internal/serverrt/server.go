// Package serverrt implements the server runtime: WebSocket upgrade
// endpoint, per-connection read/write loops, inline system-event handling,
// heartbeat scheduling, and the /healthz and /debug/stats HTTP surface.
package serverrt

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/franks42/sente-lite-sub006/internal/channel"
	"github.com/franks42/sente-lite-sub006/internal/observability"
	"github.com/franks42/sente-lite-sub006/internal/queue"
	"github.com/franks42/sente-lite-sub006/internal/registry"
	"github.com/franks42/sente-lite-sub006/internal/wire"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

// HeartbeatConfig controls the liveness sweep.
type HeartbeatConfig struct {
	Enabled      bool
	PingInterval time.Duration
	Timeout      time.Duration
}

// ChannelsConfig controls the channel manager's defaults.
type ChannelsConfig struct {
	AutoCreate    bool
	DefaultConfig channel.Config
}

// OnMessage is the user application hook. Returning a non-nil Event sends it
// back on the originating connection; returning nil sends nothing. If unset,
// the server replies with sente-lite/echo.
type OnMessage func(connID string, id wire.EventID, data any) *wire.Event

// Config configures a Server.
type Config struct {
	Host string
	Port int

	Heartbeat      HeartbeatConfig
	Channels       ChannelsConfig
	OnMessage      OnMessage
	WrapRecvEvs    bool
	MaxConnections int

	QueueMaxDepth      int
	QueueFlushInterval time.Duration

	RedisURL   string
	NATSURL    string
	InstanceID string

	Codec wire.Codec

	// PortFile, if set, receives the bound listening port after Start binds
	// the listener, for cross-process discovery (spec.md §6).
	PortFile string

	// CheckOrigin overrides the upgrader's origin check. Defaults to the
	// CORS_ALLOWED_ORIGINS allowlist pattern, permissive in dev.
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = wire.JSONCodec{}
	}
	if c.Heartbeat.PingInterval <= 0 {
		c.Heartbeat.PingInterval = 10 * time.Second
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = 30 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = checkOrigin
	}
}

// checkOrigin mirrors the teacher's CORS_ALLOWED_ORIGINS allowlist, with a
// localhost allowance for local development.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := os.Getenv("CORS_ALLOWED_ORIGINS")
	if allowed == "" {
		return true
	}
	for _, o := range splitCSV(allowed) {
		if o == origin {
			return true
		}
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1"
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// Stats is the server-wide observability projection of spec.md §6.
type Stats struct {
	observability.Snapshot
	Queue        queue.Stats `json:"queue"`
	UptimeMS     int64       `json:"uptime-ms"`
	SystemHealth string      `json:"system-health"`
}

// Server is the WebSocket server runtime. The zero value is not usable;
// construct with New.
type Server struct {
	cfg Config
	log zerolog.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader

	registry *registry.Registry
	channels *channel.Manager
	dir      *observability.Directory
	cron     *cron.Cron

	startedAt time.Time

	queueStats sync.Map // conn-id -> queue.Stats

	mu       sync.Mutex
	shutdown bool
	httpSrv  *http.Server
}

// New constructs a Server wired per cfg. Redis/NATS backplanes are attached
// if cfg.RedisURL/cfg.NATSURL are non-empty and reachable; otherwise the
// server degrades to single-process behavior.
func New(cfg Config) *Server {
	cfg.setDefaults()
	if cfg.InstanceID == "" {
		cfg.InstanceID = instanceID()
	}

	s := &Server{
		cfg: cfg,
		log: logging.Component("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cron: cron.New(),
	}

	s.registry = newRegistry(cfg.RedisURL)
	s.channels = newChannelManager(s.registry, cfg)
	s.dir = observability.New(s.registry, s.channels)

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.GET("/ws", s.handleUpgrade)
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/debug/stats", s.handleDebugStats)

	if cfg.Heartbeat.Enabled {
		_, _ = s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.Heartbeat.PingInterval), s.heartbeatSweep)
	}

	return s
}

func instanceID() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	h, _ := os.Hostname()
	if h != "" {
		return h
	}
	return "unknown-instance"
}

func newRegistry(redisURL string) *registry.Registry {
	if redisURL == "" {
		return registry.New()
	}
	client := redis.NewClient(&redis.Options{Addr: redisURL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.Component("server").Warn().Err(err).Str("url", redisURL).Msg("redis unreachable, connection directory is single-process only")
		return registry.New()
	}
	return registry.NewWithRedis(client)
}

func newChannelManager(reg *registry.Registry, cfg Config) *channel.Manager {
	opts := channel.Options{AutoCreate: cfg.Channels.AutoCreate, DefaultConfig: cfg.Channels.DefaultConfig}
	if cfg.NATSURL == "" {
		return channel.New(reg, opts)
	}
	return channel.NewWithNATS(reg, opts, cfg.NATSURL)
}

// Start binds the listener and serves until the context is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.cron.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener bind failed: %w", err)
	}

	if s.cfg.PortFile != "" {
		if _, port, splitErr := net.SplitHostPort(ln.Addr().String()); splitErr == nil {
			_ = os.WriteFile(s.cfg.PortFile, []byte(port), 0o644)
		}
	}

	s.httpSrv = &http.Server{Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new connections, closes every open connection
// (draining its send queue; the drain has no deadline and does not observe
// ctx), stops the heartbeat scheduler, and stops the channel manager's RPC
// reaper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}

	for _, summary := range s.registry.Snapshot() {
		if conn, ok := s.registry.Get(summary.ConnID); ok {
			_ = conn.Transport().Close()
		}
		s.registry.Unregister(summary.ConnID)
	}

	s.cron.Stop()
	s.channels.Stop()
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDebugStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}

// Stats returns the current observability snapshot.
func (s *Server) Stats() Stats {
	stats := Stats{
		Snapshot:     s.dir.Snapshot(),
		Queue:        s.aggregateQueueStats(),
		UptimeMS:     time.Since(s.startedAt).Milliseconds(),
		SystemHealth: "ok",
	}
	return stats
}

func (s *Server) recordQueueStats(connID string, st queue.Stats) {
	if connID == "" {
		return
	}
	s.queueStats.Store(connID, st)
}

func (s *Server) dropQueueStats(connID string) {
	s.queueStats.Delete(connID)
}

func (s *Server) aggregateQueueStats() queue.Stats {
	var total queue.Stats
	s.queueStats.Range(func(_, v any) bool {
		st := v.(queue.Stats)
		total.Enqueued += st.Enqueued
		total.Sent += st.Sent
		total.Dropped += st.Dropped
		total.Errors += st.Errors
		total.Depth += st.Depth
		return true
	})
	return total
}

func (s *Server) heartbeatSweep() {
	now := time.Now()
	for _, summary := range s.registry.Snapshot() {
		conn, ok := s.registry.Get(summary.ConnID)
		if !ok {
			continue
		}
		if now.Sub(conn.LastPongAt()) > s.cfg.Heartbeat.Timeout {
			s.log.Info().Str("conn_id", conn.ConnID).Msg("connection failed heartbeat liveness, closing")
			s.closeConnection(conn)
			continue
		}
		b, err := wire.EncodeBytes(s.cfg.Codec, wire.EncodeEvent(wire.EventWSPing, nil))
		if err != nil {
			continue
		}
		_ = conn.Transport().WriteMessage(b)
	}
}

func (s *Server) closeConnection(conn *registry.Connection) {
	s.channels.UnsubscribeAll(conn.ConnID)
	_ = conn.Transport().Close()
	s.registry.Unregister(conn.ConnID)
	s.dropQueueStats(conn.ConnID)
}

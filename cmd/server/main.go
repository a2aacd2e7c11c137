// Command server runs the sente-lite WebSocket server runtime standalone.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/franks42/sente-lite-sub006/internal/serverrt"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

func main() {
	host := flag.String("host", getEnvOrDefault("HOST", "0.0.0.0"), "Listen host")
	port := flag.Int("port", getEnvIntOrDefault("PORT", 8080), "Listen port")
	logLevel := flag.String("log-level", getEnvOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logPretty := flag.Bool("log-pretty", getEnvOrDefault("LOG_PRETTY", "false") == "true", "Console-format logs instead of JSON")

	redisURL := flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis URL for the cross-replica connection directory")
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS URL for the cross-replica RPC backplane")
	instanceID := flag.String("instance-id", os.Getenv("POD_NAME"), "Instance id of this server process (connection snapshots report POD_NAME or the hostname, not this value)")
	portFile := flag.String("port-file", os.Getenv("SENTE_LITE_PORT_FILE"), "File to receive the bound listening port, for discovery")

	heartbeatEnabled := flag.Bool("heartbeat", getEnvOrDefault("HEARTBEAT_ENABLED", "true") == "true", "Enable the ping/liveness sweep")
	heartbeatInterval := flag.Duration("heartbeat-interval", getEnvDurationOrDefault("HEARTBEAT_INTERVAL", 10*time.Second), "Ping sweep interval")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", getEnvDurationOrDefault("HEARTBEAT_TIMEOUT", 30*time.Second), "Pong staleness before a connection is closed")

	autoCreateChannels := flag.Bool("auto-create-channels", getEnvOrDefault("AUTO_CREATE_CHANNELS", "true") == "true", "Create channels on first subscribe")
	wrapRecvEvs := flag.Bool("wrap-recv-evs", getEnvOrDefault("WRAP_RECV_EVS", "false") == "true", "Wrap server-initiated pushes in chsk/recv")

	flag.Parse()

	logging.Initialize(*logLevel, *logPretty)
	logger := logging.Component("cmd-server")

	srv := serverrt.New(serverrt.Config{
		Host:       *host,
		Port:       *port,
		RedisURL:   *redisURL,
		NATSURL:    *natsURL,
		InstanceID: *instanceID,
		PortFile:   *portFile,
		Heartbeat: serverrt.HeartbeatConfig{
			Enabled:      *heartbeatEnabled,
			PingInterval: *heartbeatInterval,
			Timeout:      *heartbeatTimeout,
		},
		Channels: serverrt.ChannelsConfig{
			AutoCreate: *autoCreateChannels,
		},
		WrapRecvEvs: *wrapRecvEvs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("host", *host).Int("port", *port).Msg("sente-lite server starting")
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
	logger.Info().Msg("sente-lite server stopped")
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

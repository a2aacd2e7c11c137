// Command client is a demo sente-lite client: it connects, logs every
// inbound application event, and optionally subscribes to a channel.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franks42/sente-lite-sub006/internal/clientrt"
	"github.com/franks42/sente-lite-sub006/internal/wire"
	"github.com/franks42/sente-lite-sub006/pkg/logging"
)

func main() {
	url := flag.String("url", getEnvOrDefault("SENTE_LITE_URL", "ws://localhost:8080/ws"), "Server WebSocket URL")
	uid := flag.String("uid", os.Getenv("SENTE_LITE_UID"), "uid query parameter to present at handshake")
	channel := flag.String("channel", os.Getenv("SENTE_LITE_CHANNEL"), "Channel to subscribe to on connect, if set")
	autoReconnect := flag.Bool("auto-reconnect", true, "Reconnect automatically on disconnect")
	logLevel := flag.String("log-level", getEnvOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	flag.Parse()

	logging.Initialize(*logLevel, true)
	logger := logging.Component("cmd-client")

	dialURL := *url
	if *uid != "" {
		dialURL += "?uid=" + *uid
	}

	var c *clientrt.Client
	c = clientrt.New(clientrt.Config{
		URL:               dialURL,
		AutoReconnect:     *autoReconnect,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 32 * time.Second,
		ReconnectJitter:   true,
		OnOpen: func(uid string) {
			logger.Info().Str("uid", uid).Msg("connection open")
			if *channel != "" {
				// OnOpen runs on the client's read loop, which has to keep
				// reading for the subscribe confirmation to arrive.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := c.Subscribe(ctx, *channel, 5*time.Second); err != nil {
						logger.Warn().Err(err).Str("channel", *channel).Msg("subscribe failed")
					} else {
						logger.Info().Str("channel", *channel).Msg("subscribed")
					}
				}()
			}
		},
		OnReconnect: func() { logger.Info().Msg("reconnected") },
		OnClose:     func(reason string) { logger.Info().Str("reason", reason).Msg("connection closed") },
		OnMessage: func(id wire.EventID, data any) {
			logger.Info().Str("event", id.String()).Interface("data", data).Msg("inbound event")
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	c.Close()
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

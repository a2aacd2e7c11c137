// Package errorkind collects the sentinel errors exchanged across the
// sente-lite runtime. Components return these directly or wrap them with
// fmt.Errorf("...: %w", ...) so callers can match with errors.Is.
package errorkind

import stderrors "errors"

// Codec and wire protocol errors.
var (
	ErrParseFailed   = stderrors.New("parse-failed")
	ErrInvalidEventID = stderrors.New("invalid-event-id")
)

// Send queue errors.
var (
	ErrQueueRejected = stderrors.New("queue-rejected")
	ErrQueueTimeout  = stderrors.New("queue-timeout")
	ErrSendFailed    = stderrors.New("send-failed")
)

// Dispatcher and RPC errors.
var (
	ErrTimeout       = stderrors.New("timeout")
	ErrClosed        = stderrors.New("closed")
	ErrRPCTimeout    = stderrors.New("rpc-timeout")
	ErrRPCCancelled  = stderrors.New("rpc-cancelled")
)

// Connection and handshake errors.
var (
	ErrProbeTimeout     = stderrors.New("probe-timeout")
	ErrHandshakeTimeout = stderrors.New("handshake-timeout")
	ErrHeartbeatTimeout = stderrors.New("heartbeat-timeout")
	ErrNoConnections    = stderrors.New("no-connections")
)

// Dispatch registration and misc errors.
var (
	ErrUnknownOp       = stderrors.New("unknown-op")
	ErrProtocolError   = stderrors.New("protocol-error")
	ErrInvalidHandler  = stderrors.New("invalid-handler-registration")
)

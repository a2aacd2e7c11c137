package serverrt

import (
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/franks42/sente-lite-sub006/internal/queue"
	"github.com/franks42/sente-lite-sub006/internal/registry"
	"github.com/franks42/sente-lite-sub006/internal/wire"
)

// wsWriter serializes writes to a *websocket.Conn, since gorilla/websocket
// forbids concurrent writers.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteMessage(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

// queueWriter adapts a queue.Queue to registry.Writer, so channel fan-out
// and direct sends both funnel through the same single-writer queue.
type queueWriter struct {
	q    *queue.Queue
	conn *websocket.Conn
}

func (w *queueWriter) WriteMessage(b []byte) error {
	return w.q.Enqueue(b)
}

func (w *queueWriter) Close() error {
	w.q.Stop()
	return w.conn.Close()
}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	uid := c.Query("uid")
	requestedConnID := c.Query("client-id")

	var connID atomic.Value // string
	connID.Store("")
	ww := &wsWriter{conn: conn}
	q := queue.New(ww, queue.Config{
		MaxDepth:      s.cfg.QueueMaxDepth,
		FlushInterval: s.cfg.QueueFlushInterval,
		OnStats:       func(st queue.Stats) { s.recordQueueStats(connID.Load().(string), st) },
	})
	writer := &queueWriter{q: q, conn: conn}

	connObj := s.registry.Register(requestedConnID, uid, writer)
	connID.Store(connObj.ConnID)
	connObj.TouchPong()

	s.log.Info().Str("conn_id", connObj.ConnID).Str("uid", uid).Msg("connection opened")

	// The handshake payload is a positional vector (uid, csrf-token,
	// handshake-data, first?), not a map, so clientrt's handleHandshake can
	// pull the uid out of hs[0] without re-deriving struct field order.
	handshakeVec := []any{connObj.UID, nil, nil, true}
	if b, err := wire.EncodeBytes(s.cfg.Codec, wire.EncodeEvent(wire.EventHandshake, handshakeVec)); err == nil {
		_ = writer.WriteMessage(b)
	}

	s.readLoop(connObj, conn)
}

func (s *Server) readLoop(conn *registry.Connection, ws *websocket.Conn) {
	defer s.closeConnection(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Str("conn_id", conn.ConnID).Msg("connection read loop ended")
			return
		}
		decoded := wire.DecodeInbound(s.cfg.Codec, raw)
		s.handleDecoded(conn, decoded)
	}
}

func (s *Server) handleDecoded(conn *registry.Connection, d wire.Decoded) {
	switch d.Kind {
	case wire.KindSingle:
		s.handleEvent(conn, d.Single)
	case wire.KindBatch:
		for _, ev := range d.Batch {
			s.handleEvent(conn, ev)
		}
	case wire.KindCallback:
		s.handleCallback(conn, d.Callback)
	case wire.KindReply:
		// Servers don't issue RPC requests to clients in this runtime; an
		// inbound chsk/reply has no waiter to route to.
	case wire.KindError:
		s.log.Warn().Err(d.Err).Str("conn_id", conn.ConnID).Msg("inbound frame failed to decode")
	}
}

func (s *Server) handleEvent(conn *registry.Connection, ev wire.Event) {
	switch ev.ID {
	case wire.EventWSPing:
		s.sendRaw(conn, wire.EncodeEvent(wire.EventWSPong, nil))
	case wire.EventWSPong:
		conn.TouchPong()
	case wire.EventSubscribe:
		s.handleSubscribe(conn, ev)
	case wire.EventUnsubscribe:
		s.handleUnsubscribe(conn, ev)
	case wire.EventPublish:
		s.handlePublish(conn, ev)
	default:
		s.dispatchApplication(conn, ev, "")
	}
}

func (s *Server) handleCallback(conn *registry.Connection, cb wire.CallbackEvent) {
	s.dispatchApplication(conn, cb.Event, cb.CBUID)
}

func (s *Server) dispatchApplication(conn *registry.Connection, ev wire.Event, cbuid string) {
	var reply *wire.Event
	if s.cfg.OnMessage != nil {
		reply = s.cfg.OnMessage(conn.ConnID, ev.ID, ev.Data)
	} else {
		echo := wire.EchoData{OriginalEventID: ev.ID.String(), OriginalData: ev.Data}
		r := wire.EncodeEvent(wire.EventEcho, echo)
		reply = &r
	}
	if reply == nil {
		return
	}
	if cbuid != "" {
		s.sendReply(conn, cbuid, reply.Data)
		return
	}
	s.sendRaw(conn, *reply)
}

func (s *Server) sendReply(conn *registry.Connection, cbuid string, data any) {
	payload := wire.ReplyData{CBUID: cbuid, Data: data}
	b, err := s.cfg.Codec.Encode([]any{wire.EventReply.String(), map[string]any{"cb-uuid": payload.CBUID, "data": payload.Data}})
	if err != nil {
		return
	}
	_ = conn.Transport().WriteMessage(b)
}

func (s *Server) sendRaw(conn *registry.Connection, ev wire.Event) {
	out := ev
	if s.cfg.WrapRecvEvs {
		out = wire.WrapRecv(ev)
	}
	b, err := wire.EncodeBytes(s.cfg.Codec, out)
	if err != nil {
		return
	}
	_ = conn.Transport().WriteMessage(b)
}

func (s *Server) handleSubscribe(conn *registry.Connection, ev wire.Event) {
	data := decodeSubscribeData(ev.Data)
	res := s.channels.Subscribe(conn.ConnID, data.ChannelID)
	confirm := wire.EncodeEvent(wire.EventSubscribed, wire.SubscribedData{
		ChannelID: data.ChannelID,
		Success:   res.Success,
		Error:     res.Reason,
	})
	s.sendRaw(conn, confirm)
}

func (s *Server) handleUnsubscribe(conn *registry.Connection, ev wire.Event) {
	data := decodeSubscribeData(ev.Data)
	s.channels.Unsubscribe(conn.ConnID, data.ChannelID)
}

func (s *Server) handlePublish(conn *registry.Connection, ev wire.Event) {
	m, _ := ev.Data.(map[string]any)
	channelID, _ := m["channel-id"].(string)
	payload := m["data"]

	out := wire.EncodeEvent(wire.EventChannelMsg, wire.ChannelMsgData{
		ChannelID: channelID,
		Data:      payload,
		From:      conn.UID,
	})
	_, _ = s.channels.Publish(channelID, out, s.cfg.Codec, conn.ConnID)
}

func decodeSubscribeData(data any) wire.SubscribeData {
	m, ok := data.(map[string]any)
	if !ok {
		return wire.SubscribeData{}
	}
	channelID, _ := m["channel-id"].(string)
	return wire.SubscribeData{ChannelID: channelID, Data: m["data"]}
}

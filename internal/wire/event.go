// Package wire implements the event vector wire protocol: namespaced event
// identifiers, callback-wrapped events, buffered batches, and the reserved
// chsk/* and sente-lite/* system events.
package wire

import (
	"fmt"
	"strings"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
)

// EventID is a namespaced symbolic identifier, the "ns/name" pair that
// labels every event on the wire. Both halves must be non-empty.
type EventID struct {
	Namespace string
	Name      string
}

// NewEventID builds an EventID, validating that both halves are non-empty.
func NewEventID(namespace, name string) (EventID, error) {
	if namespace == "" || name == "" {
		return EventID{}, fmt.Errorf("%w: namespace and name must be non-empty", errorkind.ErrInvalidEventID)
	}
	return EventID{Namespace: namespace, Name: name}, nil
}

// MustEventID is NewEventID for compile-time-known identifiers; it panics on
// an invalid id, which only happens for a programmer error at a call site.
func MustEventID(namespace, name string) EventID {
	id, err := NewEventID(namespace, name)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the interned "ns/name" form used on the wire.
func (id EventID) String() string {
	return id.Namespace + "/" + id.Name
}

// IsZero reports whether id is the zero value (neither built via NewEventID
// nor ParseEventID).
func (id EventID) IsZero() bool {
	return id.Namespace == "" && id.Name == ""
}

// ParseEventID decodes the wire string form "ns/name" back into an EventID.
// An identifier without a namespace separator, or with an empty namespace or
// name, fails with ErrInvalidEventID.
func ParseEventID(s string) (EventID, error) {
	idx := strings.IndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return EventID{}, fmt.Errorf("%w: %q", errorkind.ErrInvalidEventID, s)
	}
	return EventID{Namespace: s[:idx], Name: s[idx+1:]}, nil
}

// Any reports whether id is the wildcard "any event" matcher used by
// dispatcher predicates (event-id == :*` in the spec's Lisp notation).
func (id EventID) Any() bool {
	return id.Namespace == wildcardNamespace && id.Name == wildcardName
}

const (
	wildcardNamespace = "*"
	wildcardName      = "*"
)

// Wildcard is the event-id that matches any inbound message in on!.
var Wildcard = EventID{Namespace: wildcardNamespace, Name: wildcardName}

// Event is the atomic unit of communication: an event-id paired with an
// optional, codec-dependent payload.
type Event struct {
	ID   EventID
	Data any
}

// CallbackEvent is an Event accompanied by a correlation uuid used when the
// sender expects a reply.
type CallbackEvent struct {
	Event Event
	CBUID string
}

// Batch is an ordered sequence of events delivered in a single frame.
type Batch []Event

// Reserved system namespaces.
const (
	NamespaceChsk      = "chsk"
	NamespaceSenteLite = "sente-lite"
)

// chsk/* system events.
var (
	EventHandshake = EventID{Namespace: NamespaceChsk, Name: "handshake"}
	EventWSPing    = EventID{Namespace: NamespaceChsk, Name: "ws-ping"}
	EventWSPong    = EventID{Namespace: NamespaceChsk, Name: "ws-pong"}
	EventState     = EventID{Namespace: NamespaceChsk, Name: "state"}
	EventRecv      = EventID{Namespace: NamespaceChsk, Name: "recv"}
	EventReply     = EventID{Namespace: NamespaceChsk, Name: "reply"}
)

// sente-lite/* extension events.
var (
	EventSubscribe   = EventID{Namespace: NamespaceSenteLite, Name: "subscribe"}
	EventUnsubscribe = EventID{Namespace: NamespaceSenteLite, Name: "unsubscribe"}
	EventSubscribed  = EventID{Namespace: NamespaceSenteLite, Name: "subscribed"}
	EventPublish     = EventID{Namespace: NamespaceSenteLite, Name: "publish"}
	EventChannelMsg  = EventID{Namespace: NamespaceSenteLite, Name: "channel-msg"}
	EventEcho        = EventID{Namespace: NamespaceSenteLite, Name: "echo"}
	EventRPCRequest  = EventID{Namespace: NamespaceSenteLite, Name: "rpc-request"}
)

// The chsk/handshake payload is a positional 4-element vector (uid,
// csrf-token, handshake-data, first-conn?) rather than a struct, since it
// travels as a JSON array on the wire: []any{uid, csrfToken, data, first}.

// ReplyData is the payload of a chsk/reply event.
type ReplyData struct {
	CBUID string `json:"cb-uuid"`
	Data  any    `json:"data"`
}

// SubscribeData is the payload of a sente-lite/subscribe or
// sente-lite/unsubscribe event.
type SubscribeData struct {
	ChannelID string `json:"channel-id"`
	Data      any    `json:"data,omitempty"`
}

// SubscribedData is the payload of a sente-lite/subscribed confirmation.
type SubscribedData struct {
	ChannelID string `json:"channel-id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// PublishData is the payload of a sente-lite/publish event.
type PublishData struct {
	ChannelID string `json:"channel-id"`
	Data      any    `json:"data"`
}

// ChannelMsgData is the payload of a sente-lite/channel-msg fan-out delivery.
type ChannelMsgData struct {
	ChannelID string `json:"channel-id"`
	Data      any    `json:"data"`
	From      string `json:"from"`
}

// EchoData is the payload of the default sente-lite/echo reply.
type EchoData struct {
	OriginalEventID string `json:"original-event-id"`
	OriginalData    any    `json:"original-data"`
}

// RPCRequestData is the payload of a sente-lite/rpc-request event published
// to a channel's subscribers, annotating the request with a correlation id
// so a subscriber's SendRPCResponse reaches the right waiter.
type RPCRequestData struct {
	RequestID string `json:"request-id"`
	Data      any    `json:"data"`
}

package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
)

// MaxBatchSize bounds how many events a single inbound frame may carry.
// A larger batch decodes as a parse failure rather than being silently
// accepted, protecting the decoder from unbounded allocation.
const MaxBatchSize = 256

// DecodedKind tags which shape DecodeInbound recognized.
type DecodedKind int

const (
	KindSingle DecodedKind = iota
	KindBatch
	KindReply
	KindCallback
	KindError
)

// Decoded is the result of DecodeInbound: exactly one of the Single/Batch/
// Reply/Callback fields is meaningful, selected by Kind.
type Decoded struct {
	Kind     DecodedKind
	Single   Event
	Batch    Batch
	Reply    ReplyData
	Callback CallbackEvent
	Err      error
}

// EncodeEvent builds an Event from an id and payload.
func EncodeEvent(id EventID, data any) Event {
	return Event{ID: id, Data: data}
}

// EncodeEventWithCallback wraps an event with a correlation uuid, allocating
// one via google/uuid if cbuid is empty.
func EncodeEventWithCallback(id EventID, data any, cbuid string) CallbackEvent {
	if cbuid == "" {
		cbuid = uuid.NewString()
	}
	return CallbackEvent{Event: Event{ID: id, Data: data}, CBUID: cbuid}
}

// WrapRecv wraps an event in chsk/recv, the optional envelope a server
// applies to application pushes so clients can tell server-initiated
// messages apart from replies to their own requests.
func WrapRecv(ev Event) Event {
	return Event{ID: EventRecv, Data: []any{ev.ToWireValue()}}
}

// ToWireValue converts an Event into the generic shape a Codec can encode:
// a two-element array of [event-id-string, data].
func (e Event) ToWireValue() any {
	return []any{e.ID.String(), e.Data}
}

// ToWireValue converts a CallbackEvent into [event-wire-value, cb-uuid].
func (c CallbackEvent) ToWireValue() any {
	return []any{c.Event.ToWireValue(), c.CBUID}
}

// ToWireValue converts a Batch into an array of event wire values.
func (b Batch) ToWireValue() any {
	out := make([]any, len(b))
	for i, e := range b {
		out[i] = e.ToWireValue()
	}
	return out
}

// EncodeBytes serializes any of Event, CallbackEvent, or Batch to wire
// bytes via codec.
func EncodeBytes(codec Codec, v interface{ ToWireValue() any }) ([]byte, error) {
	return codec.Encode(v.ToWireValue())
}

// DecodeInbound decodes a raw inbound frame and classifies its shape per the
// single/batch/reply/callback heuristic: the outer vector's first element
// is either the event-id string of a single event, or itself a vector — in
// which case a string second element marks a callback-wrapped event, and
// anything else marks a batch.
func DecodeInbound(codec Codec, b []byte) Decoded {
	raw, err := codec.DecodeValue(b)
	if err != nil {
		return Decoded{Kind: KindError, Err: err}
	}

	outer, ok := raw.([]any)
	if !ok {
		return Decoded{Kind: KindError, Err: fmt.Errorf("%w: frame is not a vector", errorkind.ErrParseFailed)}
	}
	if len(outer) == 0 {
		return Decoded{Kind: KindBatch, Batch: Batch{}}
	}

	if idStr, ok := outer[0].(string); ok {
		ev, err := decodeEventFromParts(idStr, outer[1:])
		if err != nil {
			return Decoded{Kind: KindError, Err: err}
		}
		if ev.ID == EventReply {
			reply, err := decodeReply(ev.Data)
			if err != nil {
				return Decoded{Kind: KindError, Err: err}
			}
			return Decoded{Kind: KindReply, Reply: reply}
		}
		return Decoded{Kind: KindSingle, Single: ev}
	}

	innerVec, ok := outer[0].([]any)
	if !ok {
		return Decoded{Kind: KindError, Err: fmt.Errorf("%w: outer[0] is neither event-id nor vector", errorkind.ErrParseFailed)}
	}

	if len(outer) == 2 {
		if cbuid, ok := outer[1].(string); ok {
			innerEvent, err := decodeEventFromVector(innerVec)
			if err != nil {
				return Decoded{Kind: KindError, Err: err}
			}
			return Decoded{Kind: KindCallback, Callback: CallbackEvent{Event: innerEvent, CBUID: cbuid}}
		}
	}

	if len(outer) > MaxBatchSize {
		return Decoded{Kind: KindError, Err: fmt.Errorf("%w: batch exceeds max size %d", errorkind.ErrParseFailed, MaxBatchSize)}
	}

	batch := make(Batch, 0, len(outer))
	for _, el := range outer {
		vec, ok := el.([]any)
		if !ok {
			return Decoded{Kind: KindError, Err: fmt.Errorf("%w: batch element is not a vector", errorkind.ErrParseFailed)}
		}
		ev, err := decodeEventFromVector(vec)
		if err != nil {
			return Decoded{Kind: KindError, Err: err}
		}
		batch = append(batch, ev)
	}
	return Decoded{Kind: KindBatch, Batch: batch}
}

func decodeEventFromVector(vec []any) (Event, error) {
	if len(vec) == 0 {
		return Event{}, fmt.Errorf("%w: empty event vector", errorkind.ErrParseFailed)
	}
	idStr, ok := vec[0].(string)
	if !ok {
		return Event{}, fmt.Errorf("%w: event-id is not a string", errorkind.ErrParseFailed)
	}
	return decodeEventFromParts(idStr, vec[1:])
}

func decodeEventFromParts(idStr string, rest []any) (Event, error) {
	id, err := ParseEventID(idStr)
	if err != nil {
		return Event{}, err
	}
	var data any
	if len(rest) > 0 {
		data = rest[0]
	}
	return Event{ID: id, Data: data}, nil
}

func decodeReply(data any) (ReplyData, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return ReplyData{}, fmt.Errorf("%w: chsk/reply payload is not a map", errorkind.ErrParseFailed)
	}
	cbuid, _ := m["cb-uuid"].(string)
	if cbuid == "" {
		return ReplyData{}, fmt.Errorf("%w: chsk/reply payload missing cb-uuid", errorkind.ErrParseFailed)
	}
	return ReplyData{CBUID: cbuid, Data: m["data"]}, nil
}

// Package envelope defines the wire unit exchanged between a connected
// participant and the relay daemon, and between two daemons over the
// cross-machine bridge.
//
// Kind-specific payload fields are not mixed: a SEND never carries a
// delivery record, a DELIVER always does. Unknown keys under payload.data
// are preserved verbatim so callers can round-trip application-specific
// metadata the router itself never interprets.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the wire envelope types.
type Kind string

const (
	KindSend           Kind = "SEND"
	KindDeliver        Kind = "DELIVER"
	KindAck            Kind = "ACK"
	KindChannelJoin    Kind = "CHANNEL_JOIN"
	KindChannelLeave   Kind = "CHANNEL_LEAVE"
	KindChannelMessage Kind = "CHANNEL_MESSAGE"
)

// Broadcast is the sentinel `to` value meaning "every agent".
const Broadcast = "*"

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// PayloadKind classifies the payload carried by a SEND/DELIVER envelope.
type PayloadKind string

const (
	PayloadMessage PayloadKind = "message"
	PayloadAction  PayloadKind = "action"
)

// Payload is the body of a SEND or DELIVER envelope.
type Payload struct {
	Kind   PayloadKind    `json:"kind"`
	Body   string         `json:"body,omitempty"`
	Thread string         `json:"thread,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// WithData returns a copy of the payload with the given keys merged into
// Data, preserving any existing keys. Used to stamp shadow/broadcast/
// cross-machine markers without disturbing caller-supplied data.
func (p Payload) WithData(kv ...any) Payload {
	out := p
	merged := make(map[string]any, len(p.Data)+len(kv)/2)
	for k, v := range p.Data {
		merged[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		merged[key] = kv[i+1]
	}
	out.Data = merged
	return out
}

// Delivery is the extra record a DELIVER envelope carries on top of a
// SEND's payload.
type Delivery struct {
	Seq        uint64 `json:"seq"`
	SessionID  string `json:"session_id"`
	OriginalTo string `json:"originalTo,omitempty"`
}

// AckPayload is the body of an ACK envelope.
type AckPayload struct {
	AckID string `json:"ack_id"`
	Seq   uint64 `json:"seq"`
}

// ChannelPayload is the body of CHANNEL_JOIN/LEAVE/MESSAGE envelopes.
type ChannelPayload struct {
	Channel  string         `json:"channel"`
	Body     string         `json:"body,omitempty"`
	Mentions []string       `json:"mentions,omitempty"`
	Thread   string         `json:"thread,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Envelope is the single wire unit. Only the fields relevant to Kind are
// populated on the wire; Go field presence is enforced by the typed
// constructors below rather than by separate wire structs, so a single
// JSON shape round-trips through every participant unmodified.
type Envelope struct {
	V     int    `json:"v"`
	Type  Kind   `json:"type"`
	ID    string `json:"id"`
	TS    int64  `json:"ts"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Topic string `json:"topic,omitempty"`

	Payload  *Payload        `json:"payload,omitempty"`
	Delivery *Delivery       `json:"delivery,omitempty"`
	Ack      *AckPayload     `json:"-"`
	Channel  *ChannelPayload `json:"-"`

	raw json.RawMessage // preserved for unknown-field pass-through on re-marshal
}

// MarshalJSON encodes the envelope, routing Ack/Channel payloads through
// the shared `payload` wire field so SEND, ACK and CHANNEL_* envelopes all
// look like one envelope shape to a generic transport.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		V        int             `json:"v"`
		Type     Kind            `json:"type"`
		ID       string          `json:"id"`
		TS       int64           `json:"ts"`
		From     string          `json:"from,omitempty"`
		To       string          `json:"to,omitempty"`
		Topic    string          `json:"topic,omitempty"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		Delivery *Delivery       `json:"delivery,omitempty"`
	}

	w := wire{V: e.V, Type: e.Type, ID: e.ID, TS: e.TS, From: e.From, To: e.To, Topic: e.Topic, Delivery: e.Delivery}

	switch e.Type {
	case KindAck:
		if e.Ack != nil {
			raw, err := json.Marshal(e.Ack)
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		}
	case KindChannelJoin, KindChannelLeave, KindChannelMessage:
		if e.Channel != nil {
			raw, err := json.Marshal(e.Channel)
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		}
	default:
		if e.Payload != nil {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the envelope and routes the raw payload into the
// field matching Type, rejecting a payload shape that doesn't belong to
// the declared kind (e.g. a `delivery` block on a SEND).
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w struct {
		V        int             `json:"v"`
		Type     Kind            `json:"type"`
		ID       string          `json:"id"`
		TS       int64           `json:"ts"`
		From     string          `json:"from,omitempty"`
		To       string          `json:"to,omitempty"`
		Topic    string          `json:"topic,omitempty"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		Delivery *Delivery       `json:"delivery,omitempty"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}

	e.V, e.Type, e.ID, e.TS, e.From, e.To, e.Topic = w.V, w.Type, w.ID, w.TS, w.From, w.To, w.Topic
	e.raw = data

	switch e.Type {
	case KindSend:
		if w.Delivery != nil {
			return fmt.Errorf("envelope: SEND must not carry a delivery record")
		}
	case KindDeliver:
		e.Delivery = w.Delivery
	case KindAck:
		if len(w.Payload) > 0 {
			var ack AckPayload
			if err := json.Unmarshal(w.Payload, &ack); err != nil {
				return fmt.Errorf("envelope: ack payload: %w", err)
			}
			e.Ack = &ack
		}
		return nil
	case KindChannelJoin, KindChannelLeave, KindChannelMessage:
		if len(w.Payload) > 0 {
			var ch ChannelPayload
			if err := json.Unmarshal(w.Payload, &ch); err != nil {
				return fmt.Errorf("envelope: channel payload: %w", err)
			}
			e.Channel = &ch
		}
		return nil
	default:
		return fmt.Errorf("envelope: unknown type %q", w.Type)
	}

	if len(w.Payload) > 0 {
		var p Payload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("envelope: payload: %w", err)
		}
		e.Payload = &p
	}
	return nil
}

// NewSend constructs a SEND envelope.
func NewSend(id, from, to, topic string, payload Payload) Envelope {
	return Envelope{V: ProtocolVersion, Type: KindSend, ID: id, TS: nowMillis(), From: from, To: to, Topic: topic, Payload: &payload}
}

// NewDeliver derives a DELIVER from a source SEND (or system) envelope,
// stamping the recipient's allocated sequence number and session id. A
// nil src.Payload (a malformed SEND that reached this far) yields a
// DELIVER with an empty payload rather than panicking — callers that can
// reject the SEND earlier should still do so (see envelope.Default()).
func NewDeliver(id string, src Envelope, to string, delivery Delivery) Envelope {
	var p Payload
	if src.Payload != nil {
		p = *src.Payload
	}
	return Envelope{
		V: ProtocolVersion, Type: KindDeliver, ID: id, TS: nowMillis(),
		From: src.From, To: to, Topic: src.Topic, Payload: &p, Delivery: &delivery,
	}
}

// NewAck constructs an ACK envelope referencing a DELIVER id.
func NewAck(id, from string, ackID string, seq uint64) Envelope {
	return Envelope{V: ProtocolVersion, Type: KindAck, ID: id, TS: nowMillis(), From: from, Ack: &AckPayload{AckID: ackID, Seq: seq}}
}

// NewChannelJoin/Leave/Message construct channel-kind envelopes.
func NewChannelJoin(id, from, channel string) Envelope {
	return Envelope{V: ProtocolVersion, Type: KindChannelJoin, ID: id, TS: nowMillis(), From: from, Channel: &ChannelPayload{Channel: channel}}
}

func NewChannelLeave(id, from, channel string) Envelope {
	return Envelope{V: ProtocolVersion, Type: KindChannelLeave, ID: id, TS: nowMillis(), From: from, Channel: &ChannelPayload{Channel: channel}}
}

func NewChannelMessage(id, from string, p ChannelPayload) Envelope {
	return Envelope{V: ProtocolVersion, Type: KindChannelMessage, ID: id, TS: nowMillis(), From: from, Channel: &p}
}

var nowFn = time.Now

func nowMillis() int64 { return nowFn().UnixMilli() }

package envelope

import "fmt"

// Contract validates a typed payload shape for one envelope Kind before the
// router ever sees it. This mirrors a typed request/response tool contract:
// each kind gets a Validate func instead of ad-hoc field checks scattered
// through the dispatcher.
type Contract[P any] struct {
	Kind     Kind
	Validate func(p *P) error
}

// Registry holds one contract per kind and exposes a single untyped
// CheckPayload entry point, so the transport layer can validate an
// incoming envelope without knowing every payload type by name.
type Registry struct {
	checks map[Kind]func(e *Envelope) error
}

// NewRegistry creates an empty contract registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[Kind]func(e *Envelope) error)}
}

// RegisterSend installs a validator for SEND/DELIVER-shaped payloads.
func RegisterSend(r *Registry, c Contract[Payload]) {
	r.checks[c.Kind] = func(e *Envelope) error {
		if e.Payload == nil {
			return fmt.Errorf("%s: missing payload", c.Kind)
		}
		if c.Validate != nil {
			return c.Validate(e.Payload)
		}
		return nil
	}
}

// RegisterChannel installs a validator for CHANNEL_* payloads.
func RegisterChannel(r *Registry, c Contract[ChannelPayload]) {
	r.checks[c.Kind] = func(e *Envelope) error {
		if e.Channel == nil {
			return fmt.Errorf("%s: missing payload", c.Kind)
		}
		if c.Validate != nil {
			return c.Validate(e.Channel)
		}
		return nil
	}
}

// RegisterAck installs a validator for ACK payloads.
func RegisterAck(r *Registry, validate func(p *AckPayload) error) {
	r.checks[KindAck] = func(e *Envelope) error {
		if e.Ack == nil {
			return fmt.Errorf("ACK: missing payload")
		}
		if validate != nil {
			return validate(e.Ack)
		}
		return nil
	}
}

// CheckPayload validates e against the registered contract for its kind.
// A kind with no registered contract passes unchecked.
func (r *Registry) CheckPayload(e *Envelope) error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", e.V)
	}
	check, ok := r.checks[e.Type]
	if !ok {
		return nil
	}
	return check(e)
}

// Default returns the standard contract set used by relayd: SEND/DELIVER
// payloads must declare a non-empty PayloadKind (kinds other than message
// and action are accepted), CHANNEL_* payloads must name a channel, ACK
// must reference an id.
func Default() *Registry {
	r := NewRegistry()
	validatePayload := func(p *Payload) error {
		switch p.Kind {
		case PayloadMessage, PayloadAction:
		case "":
			return fmt.Errorf("payload.kind is required")
		}
		return nil
	}
	RegisterSend(r, Contract[Payload]{Kind: KindSend, Validate: validatePayload})
	RegisterSend(r, Contract[Payload]{Kind: KindDeliver, Validate: validatePayload})
	RegisterChannel(r, Contract[ChannelPayload]{Kind: KindChannelJoin, Validate: requireChannel})
	RegisterChannel(r, Contract[ChannelPayload]{Kind: KindChannelLeave, Validate: requireChannel})
	RegisterChannel(r, Contract[ChannelPayload]{Kind: KindChannelMessage, Validate: requireChannel})
	RegisterAck(r, func(p *AckPayload) error {
		if p.AckID == "" {
			return fmt.Errorf("ack_id is required")
		}
		return nil
	})
	return r
}

func requireChannel(p *ChannelPayload) error {
	if p.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	return nil
}

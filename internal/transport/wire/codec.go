// Package wire encodes presence events as {type, payload} envelopes in
// JSON or CBOR, selected by websocket subprotocol.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"draft-collab/go-backend/pkg/models"
)

const (
	SubprotocolJSON = "draft-presence.v1+json"
	SubprotocolCBOR = "draft-presence.v1+cbor"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownEvent      = errors.New("unknown event type")
)

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

type Codec interface {
	Name() string
	// Binary reports whether frames are sent as binary messages.
	Binary() bool
	Encode(evt models.Event) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// ForSubprotocol returns the codec for name. An empty or unknown name falls
// back to JSON.
func ForSubprotocol(name string) Codec {
	if strings.TrimSpace(name) == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

// Envelope is a decoded frame whose payload is still encoded.
type Envelope struct {
	Type      models.EventType
	payload   []byte
	unmarshal func([]byte, any) error
}

// DecodePayload decodes the payload into v. A missing payload leaves v unchanged.
func (e Envelope) DecodePayload(v any) error {
	if len(e.payload) == 0 || e.unmarshal == nil {
		return nil
	}
	if err := e.unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("%w: payload for %s: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Event decodes the payload into the concrete type registered for e.Type.
func (e Envelope) Event() (models.Event, error) {
	evt := models.Event{Type: e.Type}
	var err error
	switch e.Type {
	case models.EventJoinDraft:
		var p models.JoinDraftPayload
		err = e.DecodePayload(&p)
		evt.Payload = p
	case models.EventLeaveDraft:
		var p models.LeaveDraftPayload
		err = e.DecodePayload(&p)
		evt.Payload = p
	case models.EventHeartbeat:
		var p models.HeartbeatPayload
		err = e.DecodePayload(&p)
		evt.Payload = p
	case models.EventPresenceSnapshot:
		var p models.PresenceSnapshot
		err = e.DecodePayload(&p)
		if p.Members == nil {
			p.Members = []models.PresenceMember{}
		}
		evt.Payload = p
	case models.EventPresenceJoined:
		var p models.PresenceJoined
		err = e.DecodePayload(&p)
		evt.Payload = p
	case models.EventPresenceLeft:
		var p models.PresenceLeft
		err = e.DecodePayload(&p)
		evt.Payload = p
	case models.EventError:
		var p models.ErrorPayload
		err = e.DecodePayload(&p)
		evt.Payload = p
	default:
		return models.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if err != nil {
		return models.Event{}, err
	}
	return evt, nil
}

// DecodeEvent decodes data with c and resolves its payload type.
func DecodeEvent(c Codec, data []byte) (models.Event, error) {
	env, err := c.Decode(data)
	if err != nil {
		return models.Event{}, err
	}
	return env.Event()
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

type jsonEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(evt models.Event) ([]byte, error) {
	if !evt.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}
	return json.Marshal(struct {
		Type    models.EventType `json:"type"`
		Payload any              `json:"payload"`
	}{Type: evt.Type, Payload: payloadOrEmpty(evt.Payload)})
}

func (jsonCodec) Decode(data []byte) (Envelope, error) {
	var raw jsonEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	typ, err := parseType(raw.Type)
	if err != nil {
		return Envelope{}, err
	}
	payload := []byte(raw.Payload)
	if string(payload) == "null" {
		payload = nil
	}
	return Envelope{Type: typ, payload: payload, unmarshal: json.Unmarshal}, nil
}

type cborEnvelope struct {
	Type    string          `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(evt models.Event) ([]byte, error) {
	if !evt.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}
	return c.enc.Marshal(struct {
		Type    models.EventType `cbor:"type"`
		Payload any              `cbor:"payload"`
	}{Type: evt.Type, Payload: payloadOrEmpty(evt.Payload)})
}

func (c cborCodec) Decode(data []byte) (Envelope, error) {
	var raw cborEnvelope
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	typ, err := parseType(raw.Type)
	if err != nil {
		return Envelope{}, err
	}
	payload := []byte(raw.Payload)
	if len(payload) == 1 && payload[0] == 0xf6 { // CBOR null
		payload = nil
	}
	return Envelope{Type: typ, payload: payload, unmarshal: c.dec.Unmarshal}, nil
}

func parseType(raw string) (models.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	typ, ok := models.ParseEventType(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, raw)
	}
	return typ, nil
}

func payloadOrEmpty(p any) any {
	if p == nil {
		return struct{}{}
	}
	return p
}

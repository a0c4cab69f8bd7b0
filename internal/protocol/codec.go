package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Subprotocol names negotiated on the WebSocket handshake.
const (
	SubprotocolJSON = "batchmon.json"
	SubprotocolCBOR = "batchmon.cbor"
)

// ProtocolError is a malformed or invalid client message. The connection
// stays open; the client gets an error message back.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol: " + e.Message + ": " + e.Err.Error()
	}
	return "protocol: " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Codec encodes outbound messages and decodes inbound ones.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary WebSocket messages.
	Binary() bool
	Encode(v any) ([]byte, error)
	Decode(data []byte) (Inbound, error)
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// CBOR encodes floats in their shortest exact form so integer-valued
// metrics stay compact.
var CBOR Codec = mustCBOR()

// CodecFor maps a negotiated subprotocol to its codec, defaulting to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, &ProtocolError{Message: "malformed message", Err: err}
	}
	return in, Validate(in)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func mustCBOR() Codec {
	enc, err := cbor.EncOptions{ShortestFloat: cbor.ShortestFloat16}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := c.dec.Unmarshal(data, &in); err != nil {
		return Inbound{}, &ProtocolError{Message: "malformed message", Err: err}
	}
	return in, Validate(in)
}

// Validate checks the per-type required fields of an inbound message.
func Validate(in Inbound) error {
	switch strings.TrimSpace(in.Type) {
	case "":
		return &ProtocolError{Message: "missing message type"}
	case TypeSubscribe, TypeUnsubscribe:
		if len(in.Topics) == 0 {
			return &ProtocolError{Message: in.Type + " requires at least one topic"}
		}
		for _, t := range in.Topics {
			if strings.TrimSpace(t) == "" {
				return &ProtocolError{Message: "empty topic name"}
			}
		}
		return nil
	case TypeHeartbeat:
		return nil
	default:
		return &ProtocolError{Message: fmt.Sprintf("unknown message type %q", in.Type)}
	}
}

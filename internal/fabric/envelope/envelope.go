// Package envelope defines the binary message envelope carried by the task
// fabric between services and the codec that produces it.
//
// Envelopes are CBOR in core deterministic encoding mode: encoding the same
// logical event twice yields byte-identical output, so envelope bytes are
// safe to use as idempotency keys and in audit logs. Payload schemas use
// named string keys and decoders ignore unknown fields, so producers can be
// rolled out ahead of consumers.
package envelope

import (
	"time"
)

// Envelope is the transport record for one task or event. The payload is the
// CBOR-encoded argument schema; the remaining fields are metadata for
// routing and observability.
type Envelope struct {
	// ID uniquely identifies this publication.
	ID string `cbor:"1,keyasint"`
	// Task is the globally unique task name the consumer dispatches on.
	Task string `cbor:"2,keyasint"`
	// Payload holds the encoded task arguments.
	Payload []byte `cbor:"3,keyasint"`
	// Summary is a human-readable argument summary for observability.
	Summary string `cbor:"4,keyasint"`
	// Exchange and RoutingKey are the binding parameters the message was
	// published with.
	Exchange   string `cbor:"5,keyasint"`
	RoutingKey string `cbor:"6,keyasint"`
	// PublishedAt records when the producer handed the message to the broker.
	PublishedAt time.Time `cbor:"7,keyasint"`
}

// DecodeError reports a malformed envelope or a payload/schema mismatch.
// Consumers must treat it as a per-message failure, never as fatal to the
// worker process.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e == nil {
		return "envelope decode error"
	}
	if e.Err == nil {
		return "decode envelope: " + e.Reason
	}
	return "decode envelope: " + e.Reason + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

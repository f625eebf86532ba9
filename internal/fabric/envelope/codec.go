package envelope

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// TimeMode controls how instants are interpreted across service boundaries.
// It is fixed once per process at startup from configuration; every service
// in a deployment must agree on the mode.
type TimeMode int

const (
	// TimeAware preserves the producer's UTC offset on the wire.
	TimeAware TimeMode = iota
	// TimeNaive normalizes every instant to UTC before encoding, so two
	// producers in different local zones encode the same instant to the
	// same bytes.
	TimeNaive
)

// Codec serializes task arguments and envelopes to deterministic CBOR.
type Codec struct {
	enc  cbor.EncMode
	dec  cbor.DecMode
	mode TimeMode
}

// NewCodec builds a codec for the given time mode.
func NewCodec(mode TimeMode) (*Codec, error) {
	if mode != TimeAware && mode != TimeNaive {
		return nil, fmt.Errorf("unknown time mode %d", mode)
	}
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("build cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("build cbor dec mode: %w", err)
	}
	return &Codec{enc: enc, dec: dec, mode: mode}, nil
}

// Mode returns the process-wide time interpretation the codec was built with.
func (c *Codec) Mode() TimeMode {
	if c == nil {
		return TimeAware
	}
	return c.mode
}

// EncodeArgs serializes a task argument schema to its binary payload form.
func (c *Codec) EncodeArgs(args any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("codec is not configured")
	}
	if c.mode == TimeNaive {
		args = normalizeTimesUTC(args)
	}
	payload, err := c.enc.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return payload, nil
}

// DecodeArgs deserializes a binary payload into the given schema. Fields the
// target schema does not declare are ignored, so newer producers never break
// older consumers.
func (c *Codec) DecodeArgs(payload []byte, target any) error {
	if c == nil {
		return &DecodeError{Reason: "codec is not configured"}
	}
	if err := c.dec.Unmarshal(payload, target); err != nil {
		return &DecodeError{Reason: "payload does not match schema", Err: err}
	}
	return nil
}

// EncodeEnvelope serializes the full transport record.
func (c *Codec) EncodeEnvelope(env Envelope) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("codec is not configured")
	}
	if c.mode == TimeNaive {
		env.PublishedAt = env.PublishedAt.UTC()
	}
	body, err := c.enc.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope deserializes the transport record. Malformed bytes yield a
// *DecodeError.
func (c *Codec) DecodeEnvelope(body []byte) (Envelope, error) {
	if c == nil {
		return Envelope{}, &DecodeError{Reason: "codec is not configured"}
	}
	var env Envelope
	if err := c.dec.Unmarshal(body, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope bytes", Err: err}
	}
	if env.Task == "" {
		return Envelope{}, &DecodeError{Reason: "envelope has no task name"}
	}
	return env, nil
}

var timeType = reflect.TypeOf(time.Time{})

// normalizeTimesUTC returns a copy of v with every reachable time.Time
// converted to UTC. Only the shapes that appear in task argument schemas are
// handled: structs, pointers, slices, arrays, and maps.
func normalizeTimesUTC(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	return normalizeValue(rv).Interface()
}

func normalizeValue(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Struct:
		if rv.Type() == timeType {
			instant := rv.Interface().(time.Time)
			return reflect.ValueOf(instant.UTC())
		}
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.NumField(); i++ {
			if !out.Field(i).CanSet() {
				continue
			}
			out.Field(i).Set(normalizeValue(rv.Field(i)))
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(normalizeValue(rv.Elem()))
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(normalizeValue(rv.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(normalizeValue(rv.Index(i)))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), normalizeValue(iter.Value()))
		}
		return out
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(normalizeValue(rv.Elem()))
		return out
	default:
		return rv
	}
}

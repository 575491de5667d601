package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind marks an envelope whose discriminator this build does
// not understand. Receivers drop such envelopes for forward
// compatibility instead of failing the channel.
var ErrUnknownKind = errors.New("protocol: unknown envelope kind")

// Codec serializes envelopes for the data channel. The wire format is
// JSON so that browser peers speaking the same payload interoperate.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func (c *Codec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Kind {
	case KindChatMessage:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(env.Kind))
	}
}

package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes messages for byte-oriented transports
type Codec interface {
	Name() string
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
}

// MsgpackCodec is the default codec (binary pixels, no base64 overhead)
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(msg *Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: msgpack marshal %s: %w", msg.Type, err)
	}
	return data, nil
}

func (MsgpackCodec) Unmarshal(data []byte, msg *Message) error {
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("protocol: msgpack unmarshal: %w", err)
	}
	return nil
}

// CBORCodec encodes messages as CBOR
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(msg *Message) ([]byte, error) {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: cbor marshal %s: %w", msg.Type, err)
	}
	return data, nil
}

func (CBORCodec) Unmarshal(data []byte, msg *Message) error {
	if err := cbor.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("protocol: cbor unmarshal: %w", err)
	}
	return nil
}

// CodecByName returns the codec registered under name. Empty selects msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("protocol: unknown codec %q", name)
}

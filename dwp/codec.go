package dwp

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes DWP frames. The auth frame is always JSON; the codec
// named in it applies to every later frame of the connection.
type Codec interface {
	Encode(frame *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)

	// Name is the identifier negotiated in the auth frame.
	Name() string

	// Binary reports whether frames travel as websocket binary messages.
	Binary() bool
}

// Negotiable codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns the codec for a negotiated name. Unknown and empty
// names fall back to JSON so older doer apps keep working.
func GetCodec(name string) Codec {
	if strings.EqualFold(name, CodecNameMsgpack) {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}

// JSONCodec carries frames as websocket text messages.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) { return json.Marshal(frame) }

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
func (c *JSONCodec) Binary() bool { return false }

// MsgpackCodec carries frames as websocket binary messages. Struct fields
// keep their json names so both codecs agree on the wire vocabulary.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var f Frame
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
func (c *MsgpackCodec) Binary() bool { return true }

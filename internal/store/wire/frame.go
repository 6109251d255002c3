// Package wire is the msgpack framing spoken between the relay server and
// remote store clients. Values travel as JSON documents inside the frame so
// both ends share the store's JSON-shaped value model.
package wire

import (
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame is every websocket message in either direction.
type Frame struct {
	Op         string            `msgpack:"op"`
	Seq        uint64            `msgpack:"seq,omitempty"`
	Sub        uint64            `msgpack:"sub,omitempty"`
	Path       string            `msgpack:"path,omitempty"`
	Value      []byte            `msgpack:"value,omitempty"`
	Values     map[string][]byte `msgpack:"values,omitempty"`
	Expected   []byte            `msgpack:"expected,omitempty"`
	Key        string            `msgpack:"key,omitempty"`
	Committed  bool              `msgpack:"committed,omitempty"`
	ServerTime int64             `msgpack:"server_time,omitempty"`
	Error      string            `msgpack:"error,omitempty"`
}

// Client to server ops. Every one is answered with OpReply carrying the same Seq.
const (
	OpGet        = "get"
	OpSet        = "set"
	OpUpdate     = "update"
	OpRemove     = "remove"
	OpPush       = "push"
	OpCAS        = "cas"
	OpSub        = "sub"
	OpUnsub      = "unsub"
	OpOnDisc     = "ondisc"
	OpCancelDisc = "canceldisc"
)

// Server to client ops.
const (
	OpHello = "hello"
	OpTime  = "time"
	OpReply = "reply"
	OpEvent = "event"
)

// Marshal encodes a frame.
func Marshal(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// Unmarshal decodes a frame.
func Unmarshal(b []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// EncodeValue encodes a store value. nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

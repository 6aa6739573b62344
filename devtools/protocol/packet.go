// Package protocol implements the remote debugging wire format shared by the
// devtools server and its clients. A packet is a single JSON object; on a raw
// TCP connection it is prefixed with its decimal byte length and a colon, on a
// websocket connection it travels as one text message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// Error names understood by debugger clients.
const (
	ErrorNoSuchActor              = "noSuchActor"
	ErrorUnrecognizedPacketType   = "unrecognizedPacketType"
	ErrorBadPacket                = "badPacket"
	ErrorUnsupportedConfiguration = "unsupportedConfiguration"
)

var (
	// ErrBadPacket is returned when a packet body isn't a JSON object.
	ErrBadPacket = errors.New("malformed packet")
	// ErrBadFraming is returned when the length prefix of a packet is broken.
	// The stream can't be resynchronized after it.
	ErrBadFraming = errors.New("malformed packet framing")
	// ErrPacketTooLarge is returned when a client announces a packet over the
	// configured size limit.
	ErrPacketTooLarge = errors.New("packet exceeds the maximum allowed size")
)

// Packet is a decoded incoming request. Only the routing header is
// extracted eagerly, the rest of the body is queried lazily with Get.
type Packet struct {
	To   string
	Type string
	Raw  []byte
}

// ParsePacket validates data as a JSON object and extracts its routing header.
func ParsePacket(data []byte) (Packet, error) {
	if !gjson.ValidBytes(data) {
		return Packet{}, fmt.Errorf("%w: invalid JSON", ErrBadPacket)
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return Packet{}, fmt.Errorf("%w: expected an object, got %s", ErrBadPacket, res.Type)
	}
	return Packet{
		To:   res.Get("to").String(),
		Type: res.Get("type").String(),
		Raw:  data,
	}, nil
}

// Get returns the value at the given gjson path of the packet body.
func (p Packet) Get(path string) gjson.Result {
	return gjson.GetBytes(p.Raw, path)
}

// Error is a protocol level error reply. Actors return it from their handlers
// when a request should be rejected without tearing down the connection.
type Error struct {
	From    string `json:"from"`
	Name    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewError builds a protocol error reply originating from actor.
func NewError(actor, name, format string, args ...interface{}) *Error {
	return &Error{From: actor, Name: name, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.From, e.Name)
	}
	return fmt.Sprintf("%s: %s: %s", e.From, e.Name, e.Message)
}

// Marshal encodes a packet body, preferring the easyjson fast path when v
// provides one.
func Marshal(v interface{}) ([]byte, error) {
	if m, ok := v.(easyjson.Marshaler); ok {
		return easyjson.Marshal(m)
	}
	return json.Marshal(v)
}

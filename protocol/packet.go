package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 7
	// MinProtocolVersion is the oldest peer protocol version still accepted.
	MinProtocolVersion = 5
	// MaxPacketSize is the maximum accepted serialized packet size (1 MB).
	MaxPacketSize = 1 << 20
)

const (
	TypeIdentity = "protocol.identity"
	TypePair     = "protocol.pair"
	TypePing     = "protocol.ping"
	TypePong     = "protocol.pong"
)

var (
	// ErrMalformedPacket indicates a line that is not a valid packet. The
	// offending line is dropped and decoding resyncs on the next newline.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrPacketTooLarge indicates a packet exceeding MaxPacketSize before any
	// newline was seen.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds max size")
)

// Packet is the atomic protocol unit: one JSON object per line.
//
// Body is owned by the feature the packet type belongs to; the core carries
// it opaquely. Numeric body values are kept as json.Number so integer IDs
// survive a decode/encode cycle without float coercion.
type Packet struct {
	ID   int64          `json:"id"`
	Type string         `json:"type"`
	Body map[string]any `json:"body"`

	// PayloadSize and PayloadTransferInfo announce a side-channel binary
	// payload served over a secondary connection.
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// New builds a packet of the given type with a millisecond-timestamp ID.
func New(packetType string, body map[string]any) Packet {
	if body == nil {
		body = map[string]any{}
	}
	return Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: body,
	}
}

// HasPayload reports whether the packet announces a side-channel payload.
func (p Packet) HasPayload() bool {
	return p.PayloadSize > 0 && p.PayloadTransferInfo != nil
}

// PayloadPort returns the announced payload port, or 0 when absent.
func (p Packet) PayloadPort() int {
	if p.PayloadTransferInfo == nil {
		return 0
	}
	port, ok := asInt(p.PayloadTransferInfo["port"])
	if !ok {
		return 0
	}
	return port
}

// Marshal serializes exactly one packet as one line of UTF-8 JSON terminated
// by a single '\n'.
func Marshal(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedPacket)
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet %q: %w", p.Type, err)
	}
	return append(raw, '\n'), nil
}

// Unmarshal parses one serialized packet line. A trailing newline is
// tolerated but not required here; framing is the StreamDecoder's job.
func Unmarshal(line []byte) (Packet, error) {
	line = bytes.TrimRight(line, "\r\n")

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var p Packet
	if err := dec.Decode(&p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Type == "" {
		return Packet{}, fmt.Errorf("%w: missing type field", ErrMalformedPacket)
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	return p, nil
}

// StreamDecoder accumulates bytes from arbitrary reads and yields complete
// newline-terminated packets. Bytes after the last newline are retained until
// more data arrives; a missing trailing newline never completes a packet.
type StreamDecoder struct {
	buf []byte
}

// Feed appends raw bytes received from the transport.
func (d *StreamDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes waiting for a newline.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or (nil, nil) when the buffer holds
// no complete line yet. A malformed line is consumed and reported as
// ErrMalformedPacket; the following call resumes at the next line.
func (d *StreamDecoder) Next() (*Packet, error) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			if len(d.buf) > MaxPacketSize {
				d.buf = nil
				return nil, ErrPacketTooLarge
			}
			return nil, nil
		}

		line := d.buf[:idx]
		d.buf = append([]byte(nil), d.buf[idx+1:]...)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		p, err := Unmarshal(line)
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
}

// asInt converts a decoded JSON value to int without float truncation
// surprises for the json.Number representation.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asStringSlice(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// BoolField reads a boolean body field.
func (p Packet) BoolField(key string) (bool, bool) {
	return asBool(p.Body[key])
}

// StringField reads a string body field.
func (p Packet) StringField(key string) (string, bool) {
	return asString(p.Body[key])
}

// IntField reads an integer body field.
func (p Packet) IntField(key string) (int, bool) {
	return asInt(p.Body[key])
}

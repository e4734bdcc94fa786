package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

var (
	ErrBadVersion  = errors.New("protocol: unsupported version")
	ErrTruncated   = errors.New("protocol: truncated packet")
	ErrUnknownType = errors.New("protocol: unknown packet type")
	ErrMalformed   = errors.New("protocol: malformed packet")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxFragments bounds the fragment count of one message. At the default chunk
// size that is roughly 96MB.
const MaxFragments = 1 << 16

// announceBody is the JSON part of an ANNOUNCE payload.
type announceBody struct {
	Addr  string            `json:"addr,omitempty"`
	Props map[string]string `json:"props,omitempty"`
}

// Encode serializes f into a single packet.
func Encode(f Frame) ([]byte, error) {
	var (
		index, count int
		payload      []byte
	)
	switch v := f.(type) {
	case *Data:
		index, count, payload = v.Index, v.Count, v.Chunk
		if count <= 0 || count > MaxFragments || index < 0 || index >= count {
			return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, index, count)
		}
	case *Ack, *Leave:
	case *Announce:
		body, err := json.Marshal(announceBody{Addr: v.Addr, Props: v.Props})
		if err != nil {
			return nil, err
		}
		payload = binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(body)), v.NetTime)
		payload = append(payload, body...)
	case *NetTimeSync:
		payload = binary.BigEndian.AppendUint64(nil, v.NetTime)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}

	h := f.Header()
	buf := make([]byte, 0, 40+len(h.Group)+len(h.Sender)+len(h.Message.Member)+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(Version))
	buf = binary.BigEndian.AppendUint32(buf, uint32(f.Type()))
	var err error
	for _, s := range []string{h.Group, h.Sender, h.Message.Member} {
		if buf, err = appendString(buf, s); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint64(buf, h.Message.Seq)
	buf = binary.BigEndian.AppendUint32(buf, uint32(index))
	buf = binary.BigEndian.AppendUint32(buf, uint32(count))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...), nil
}

// Decode parses one packet. Errors wrap ErrBadVersion, ErrTruncated,
// ErrUnknownType or ErrMalformed.
func Decode(b []byte) (Frame, error) {
	r := reader{b: b}
	version := int32(r.uint32())
	if r.err != nil {
		return nil, r.err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	typ := Type(r.uint32())
	env := Envelope{Group: r.string(), Sender: r.string()}
	env.Message.Member = r.string()
	env.Message.Seq = r.uint64()
	index := int32(r.uint32())
	count := int32(r.uint32())
	payload := r.bytes(int(int32(r.uint32())))
	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	if env.Sender == "" {
		return nil, fmt.Errorf("%w: empty sender", ErrMalformed)
	}

	switch typ {
	case TypeData:
		if count <= 0 || count > MaxFragments || index < 0 || index >= count {
			return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, index, count)
		}
		return &Data{Envelope: env, Index: int(index), Count: int(count), Chunk: payload}, nil
	case TypeAck:
		return &Ack{Envelope: env}, nil
	case TypeLeave:
		return &Leave{Envelope: env}, nil
	case TypeNetTime:
		if len(payload) != 8 {
			return nil, fmt.Errorf("%w: nettime payload of %d bytes", ErrMalformed, len(payload))
		}
		return &NetTimeSync{Envelope: env, NetTime: binary.BigEndian.Uint64(payload)}, nil
	case TypeAnnounce:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: announce payload of %d bytes", ErrMalformed, len(payload))
		}
		a := &Announce{Envelope: env, NetTime: binary.BigEndian.Uint64(payload)}
		if body := payload[8:]; len(body) > 0 {
			var ab announceBody
			if err := json.Unmarshal(body, &ab); err != nil {
				return nil, fmt.Errorf("%w: announce body: %v", ErrMalformed, err)
			}
			a.Addr, a.Props = ab.Addr, ab.Props
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: string field of %d bytes", ErrMalformed, len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader is a cursor over a packet; the first short read sets err and every
// later read returns zero values.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(r.b))
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) uint32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *reader) string() string {
	p := r.take(2)
	if p == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(p))))
}

func (r *reader) bytes(n int) []byte {
	p := r.take(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

// Package wire encodes the packets replicas exchange. A packet is a type byte
// and a length-prefixed body serialized with the configured serializer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"caracaldb/internal/codec"
	"caracaldb/internal/engine"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
	"caracaldb/internal/view"
)

var (
	ErrUnknownType = errors.New("unknown packet type")
	ErrUnknownKind = errors.New("unknown paxos message kind")
)

type Type uint8

const (
	TypePaxos Type = iota + 1
	TypeResponse
	TypeChunk
	TypeChunkAck
	TypeHeartbeat
)

func (t Type) String() string {
	switch t {
	case TypePaxos:
		return "paxos"
	case TypeResponse:
		return "response"
	case TypeChunk:
		return "chunk"
	case TypeChunkAck:
		return "chunk_ack"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ChunkAck answers a transfer chunk. Err is empty on success.
type ChunkAck struct {
	Seq uint64
	Err string
}

// Packet is the tagged union of everything on the wire. Only the field
// matching Type is set.
type Packet struct {
	Type   Type
	Source view.Address

	Paxos    paxos.Message
	Response ops.Response
	Chunk    engine.Chunk
	Ack      ChunkAck
}

func PaxosPacket(m paxos.Message) Packet {
	return Packet{Type: TypePaxos, Source: m.Source, Paxos: m}
}

func ResponsePacket(src view.Address, r ops.Response) Packet {
	return Packet{Type: TypeResponse, Source: src, Response: r}
}

func ChunkPacket(src view.Address, c engine.Chunk) Packet {
	return Packet{Type: TypeChunk, Source: src, Chunk: c}
}

func AckPacket(src view.Address, a ChunkAck) Packet {
	return Packet{Type: TypeChunkAck, Source: src, Ack: a}
}

func HeartbeatPacket(src view.Address) Packet {
	return Packet{Type: TypeHeartbeat, Source: src}
}

// envelope carries a paxos message with its body serialized separately, so
// the body type is known from Kind before decoding.
type envelope struct {
	Source view.Address
	Dest   view.Address
	Ballot int32
	Kind   paxos.MessageKind
	Body   []byte
}

type responseBody struct {
	Source   view.Address
	Response ops.Response
}

type chunkBody struct {
	Source view.Address
	Chunk  engine.Chunk
}

type ackBody struct {
	Source view.Address
	Ack    ChunkAck
}

type heartbeatBody struct {
	Source view.Address
}

// Codec turns packets into bytes and back. It holds no state besides its
// serializer and is safe for concurrent use.
type Codec struct {
	ser codec.Serializer
}

func NewCodec(ser codec.Serializer) *Codec {
	return &Codec{ser: ser}
}

func (c *Codec) Encode(p Packet) ([]byte, error) {
	var body any
	switch p.Type {
	case TypePaxos:
		env, err := c.envelope(p.Paxos)
		if err != nil {
			return nil, err
		}
		body = env
	case TypeResponse:
		body = responseBody{Source: p.Source, Response: p.Response}
	case TypeChunk:
		body = chunkBody{Source: p.Source, Chunk: p.Chunk}
	case TypeChunkAck:
		body = ackBody{Source: p.Source, Ack: p.Ack}
	case TypeHeartbeat:
		body = heartbeatBody{Source: p.Source}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}

	data, err := c.ser.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.Type, err)
	}
	return frame(byte(p.Type), data), nil
}

func (c *Codec) envelope(m paxos.Message) (envelope, error) {
	env := envelope{Source: m.Source, Dest: m.Dest, Ballot: m.Ballot, Kind: m.Body.Kind()}
	// NoPromise has nothing to carry.
	if env.Kind == paxos.KindNoPromise {
		return env, nil
	}
	b, err := c.ser.Marshal(m.Body)
	if err != nil {
		return env, fmt.Errorf("marshal %s body: %w", env.Kind, err)
	}
	env.Body = b
	return env, nil
}

func (c *Codec) Decode(data []byte) (Packet, error) {
	t, payload, err := unframe(data)
	if err != nil {
		return Packet{}, err
	}

	p := Packet{Type: Type(t)}
	switch p.Type {
	case TypePaxos:
		env, err := decodeAs[envelope](c.ser, payload)
		if err != nil {
			return p, err
		}
		body, err := c.body(env)
		if err != nil {
			return p, err
		}
		p.Source = env.Source
		p.Paxos = paxos.Message{Source: env.Source, Dest: env.Dest, Ballot: env.Ballot, Body: body}
	case TypeResponse:
		b, err := decodeAs[responseBody](c.ser, payload)
		if err != nil {
			return p, err
		}
		p.Source, p.Response = b.Source, b.Response
	case TypeChunk:
		b, err := decodeAs[chunkBody](c.ser, payload)
		if err != nil {
			return p, err
		}
		p.Source, p.Chunk = b.Source, b.Chunk
	case TypeChunkAck:
		b, err := decodeAs[ackBody](c.ser, payload)
		if err != nil {
			return p, err
		}
		p.Source, p.Ack = b.Source, b.Ack
	case TypeHeartbeat:
		b, err := decodeAs[heartbeatBody](c.ser, payload)
		if err != nil {
			return p, err
		}
		p.Source = b.Source
	default:
		return p, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return p, nil
}

func (c *Codec) body(env envelope) (paxos.Body, error) {
	switch env.Kind {
	case paxos.KindPrepare:
		return decodeAs[paxos.Prepare](c.ser, env.Body)
	case paxos.KindPromise:
		return decodeAs[paxos.Promise](c.ser, env.Body)
	case paxos.KindNoPromise:
		return paxos.NoPromise{}, nil
	case paxos.KindAccept:
		return decodeAs[paxos.Accept](c.ser, env.Body)
	case paxos.KindAccepted:
		return decodeAs[paxos.Accepted](c.ser, env.Body)
	case paxos.KindRejected:
		return decodeAs[paxos.Rejected](c.ser, env.Body)
	case paxos.KindForward:
		return decodeAs[paxos.Forward](c.ser, env.Body)
	case paxos.KindInstall:
		return decodeAs[paxos.Install](c.ser, env.Body)
	case paxos.KindLogRequest:
		return decodeAs[paxos.LogRequest](c.ser, env.Body)
	case paxos.KindLogResponse:
		return decodeAs[paxos.LogResponse](c.ser, env.Body)
	case paxos.KindDecided:
		return decodeAs[paxos.Decided](c.ser, env.Body)
	case paxos.KindLogTruncated:
		return decodeAs[paxos.LogTruncated](c.ser, env.Body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
}

func decodeAs[T any](ser codec.Serializer, data []byte) (T, error) {
	var v T
	if err := ser.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return v, nil
}

func frame(t byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = t
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unframe(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return data[0], data[start:end], nil
}

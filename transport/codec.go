// Package transport implements the Transport Port (§4.G): a gRPC service
// carrying the four RPCs the rest of the system needs from the wire —
// Handshake, Sync (bidirectional streaming), SendEvent, and Heartbeat.
//
// There is no .proto file and no protoc step. §4.B already defines the wire
// format byte-for-byte via the wire package's protowire-based codec, so this
// package hand-rolls a grpc.ServiceDesc around that codec instead of
// generating one, following the pattern in core/ai.go of defining
// AIStubClient by hand next to a *grpc.ClientConn rather than checking in
// generated code.
package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/asinka/asinka/wire"
)

// codecName is registered with grpc's encoding package and requested by the
// client via grpc.CallContentSubtype; the server selects the registered codec
// from the request's content subtype. Every RPC on this service thus uses
// the wire package's codec instead of grpc's default protobuf
// marshaler — the messages below are plain structs, not generated
// proto.Message implementations.
const codecName = "asinka-wire"

// wireMessage is implemented by every request/response type in this package.
// grpc invokes Marshal/Unmarshal through the codec registered below.
type wireMessage interface {
	marshal() ([]byte, error)
	unmarshal([]byte) error
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// wireCodec adapts wireMessage to grpc's encoding.Codec interface.
type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("transport: %T does not implement wireMessage", v)
	}
	return m.marshal()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("transport: %T does not implement wireMessage", v)
	}
	return m.unmarshal(data)
}

// HandshakeRequest wraps wire.HandshakeRequest for the gRPC handler
// signature.
type HandshakeRequest struct{ wire.HandshakeRequest }

func (m *HandshakeRequest) marshal() ([]byte, error) {
	return wire.EncodeHandshakeRequest(m.HandshakeRequest), nil
}

func (m *HandshakeRequest) unmarshal(b []byte) error {
	v, err := wire.DecodeHandshakeRequest(b)
	if err != nil {
		return err
	}
	m.HandshakeRequest = v
	return nil
}

// HandshakeResponse wraps wire.HandshakeResponse.
type HandshakeResponse struct{ wire.HandshakeResponse }

func (m *HandshakeResponse) marshal() ([]byte, error) {
	return wire.EncodeHandshakeResponse(m.HandshakeResponse), nil
}

func (m *HandshakeResponse) unmarshal(b []byte) error {
	v, err := wire.DecodeHandshakeResponse(b)
	if err != nil {
		return err
	}
	m.HandshakeResponse = v
	return nil
}

// SyncMessage wraps wire.SyncMessage for the bidirectional Sync stream.
type SyncMessage struct{ wire.SyncMessage }

func (m *SyncMessage) marshal() ([]byte, error) {
	return wire.EncodeSyncMessage(m.SyncMessage)
}

func (m *SyncMessage) unmarshal(b []byte) error {
	v, err := wire.DecodeSyncMessage(b)
	if err != nil {
		return err
	}
	m.SyncMessage = v
	return nil
}

// EventMessage wraps wire.EventMessage.
type EventMessage struct{ wire.EventMessage }

func (m *EventMessage) marshal() ([]byte, error) {
	return wire.EncodeEventMessage(m.EventMessage), nil
}

func (m *EventMessage) unmarshal(b []byte) error {
	v, err := wire.DecodeEventMessage(b)
	if err != nil {
		return err
	}
	m.EventMessage = v
	return nil
}

// EventResponse is the SendEvent RPC's reply (§4.G). It has no wire-codec
// counterpart in §4.B because it never crosses into object/event sync
// state — it is transport-local acknowledgement.
type EventResponse struct {
	Success bool
	EventID string
}

func (m *EventResponse) marshal() ([]byte, error) {
	var b []byte
	b = appendBoolField(b, 1, m.Success)
	b = appendStringField(b, 2, m.EventID)
	return b, nil
}

func (m *EventResponse) unmarshal(b []byte) error {
	return decodeSimple(b, map[int]func(fieldValue){
		1: func(fv fieldValue) { m.Success = fv.Varint != 0 },
		2: func(fv fieldValue) { m.EventID = string(fv.Bytes) },
	})
}

// HeartbeatRequest is the Heartbeat RPC's request (§4.G, §4.H).
type HeartbeatRequest struct {
	SessionID   string
	TimestampMS int64
}

func (m *HeartbeatRequest) marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, m.SessionID)
	b = appendVarintField(b, 2, zigzagI64(m.TimestampMS))
	return b, nil
}

func (m *HeartbeatRequest) unmarshal(b []byte) error {
	return decodeSimple(b, map[int]func(fieldValue){
		1: func(fv fieldValue) { m.SessionID = string(fv.Bytes) },
		2: func(fv fieldValue) { m.TimestampMS = unzigzagI64(fv.Varint) },
	})
}

// HeartbeatResponse is the Heartbeat RPC's reply.
type HeartbeatResponse struct {
	Success         bool
	ServerTimestampMS int64
}

func (m *HeartbeatResponse) marshal() ([]byte, error) {
	var b []byte
	b = appendBoolField(b, 1, m.Success)
	b = appendVarintField(b, 2, zigzagI64(m.ServerTimestampMS))
	return b, nil
}

func (m *HeartbeatResponse) unmarshal(b []byte) error {
	return decodeSimple(b, map[int]func(fieldValue){
		1: func(fv fieldValue) { m.Success = fv.Varint != 0 },
		2: func(fv fieldValue) { m.ServerTimestampMS = unzigzagI64(fv.Varint) },
	})
}

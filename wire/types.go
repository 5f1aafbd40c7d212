// Package wire implements Asinka's binary message format (§4.B): the four
// top-level messages exchanged over the transport, and TaggedValue, the
// tagged union carried in object fields and event data.
//
// Encoding follows protobuf wire semantics (varint/length-delimited framing,
// field tagging) via google.golang.org/protobuf/encoding/protowire, so that
// a byte-level-compatible decoder in another language only needs to know the
// field numbers assigned here — no protoc step is required to read or write
// this format.
package wire

// Kind is the closed set of value kinds a TaggedValue or field descriptor
// can carry (§3 "Object schema" / §4.B TaggedValue).
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt64
	KindFloat64
	KindBool
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value is a tagged union over {string, int64, float64, bool, bytes, null}.
// Integer kinds at or below 32 bits are represented as Int64 on the wire;
// narrowing to int32 is the caller's responsibility based on schema context
// (§4.B).
type Value struct {
	Kind  Kind
	Str   string
	I64   int64
	F64   float64
	Bool  bool
	Bytes []byte
}

func NullValue() Value                { return Value{Kind: KindNull} }
func StringValue(s string) Value      { return Value{Kind: KindString, Str: s} }
func Int64Value(i int64) Value        { return Value{Kind: KindInt64, I64: i} }
func Int32Value(i int32) Value        { return Value{Kind: KindInt64, I64: int64(i)} }
func Float64Value(f float64) Value    { return Value{Kind: KindFloat64, F64: f} }
func BoolValue(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func BytesValue(b []byte) Value       { return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)} }

// Equal reports whether two values are semantically equal (used by
// round-trip tests; bytes are compared by content).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt64:
		return v.I64 == o.I64
	case KindFloat64:
		return v.F64 == o.F64
	case KindBool:
		return v.Bool == o.Bool
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	default:
		return true
	}
}

// FieldDescriptor mirrors the schema field shape of §3.
type FieldDescriptor struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Schema mirrors the object-schema shape of §3.
type Schema struct {
	TypeName    string
	Version     string
	Fields      []FieldDescriptor
	Permissions []string
}

// HandshakeRequest is message 1 of §4.B.
type HandshakeRequest struct {
	AppID              string
	AppName            string
	AppVersion         string
	DeviceID           string
	IdentityPublicKey  []byte
	SupportedProtocols []string
	ExposedSchemas     []Schema
	Capabilities       map[string]string

	// unknown carries raw tag+value bytes for fields this decoder did not
	// recognize, so a pass-through peer can forward them unmodified (§4.B
	// "unknown field entries are preserved as opaque bytes").
	unknown []byte
}

// HandshakeResponse is message 2 of §4.B.
type HandshakeResponse struct {
	Success           bool
	SessionID         string
	IdentityPublicKey []byte
	ExposedSchemas    []Schema
	Capabilities      map[string]string
	ErrorMessage      string

	// EncryptedSessionKey is the negotiated session key (§3 "Session
	// state"), RSA-OAEP-encrypted under the requester's identity public
	// key so it never crosses the wire in the clear.
	EncryptedSessionKey []byte

	unknown []byte
}

// ObjectUpdate is one arm of the SyncMessage oneof (§4.B).
type ObjectUpdate struct {
	ObjectID    string
	TypeName    string
	Version     uint32
	TimestampMS int64
	Fields      map[string]Value
	SessionID   string
}

// ObjectDelete is the other arm of the SyncMessage oneof (§4.B).
type ObjectDelete struct {
	ObjectID    string
	TypeName    string
	TimestampMS int64
	SessionID   string
}

// SyncKind discriminates the SyncMessage oneof.
type SyncKind uint8

const (
	SyncUnknown SyncKind = iota
	SyncUpdate
	SyncDelete
)

// SyncMessage is message 3 of §4.B: oneof{ObjectUpdate, ObjectDelete}.
type SyncMessage struct {
	Kind   SyncKind
	Update *ObjectUpdate
	Delete *ObjectDelete
}

// EventMessage is message 4 of §4.B.
type EventMessage struct {
	EventID     string
	EventType   string
	TimestampMS int64
	Data        map[string]Value
	SessionID   string
	Priority    int32
}

// Priority levels for EventMessage.Priority (§3 "Event").
const (
	PriorityLow int32 = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

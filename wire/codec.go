package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// errSkipField signals decodeFields to fold the just-consumed field's raw
// bytes (tag included) into the unknown-field carry-over instead of
// treating it as a decode failure — the "unknown fields are preserved
// round-trip" contract of §4.B.
var errSkipField = errors.New("wire: skip field")

type fieldValue struct {
	Varint  uint64
	Fixed64 uint64
	Bytes   []byte
}

// decodeFields walks a length-delimited protobuf-wire message body, invoking
// handle for every field. handle returns errSkipField for field numbers it
// does not recognize; decodeFields then appends the verbatim tag+value bytes
// to the returned unknown slice so a later Encode call can emit them again.
func decodeFields(b []byte, handle func(num protowire.Number, typ protowire.Type, v fieldValue) error) (unknown []byte, err error) {
	pos := 0
	for pos < len(b) {
		num, typ, tagN := protowire.ConsumeTag(b[pos:])
		if tagN < 0 {
			return nil, fmt.Errorf("wire: malformed tag at offset %d", pos)
		}
		start := pos
		pos += tagN

		var fv fieldValue
		var valN int
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[pos:])
			valN = n
			fv = fieldValue{Varint: v}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b[pos:])
			valN = n
			fv = fieldValue{Fixed64: v}
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(b[pos:])
			valN = n
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[pos:])
			valN = n
			fv = fieldValue{Bytes: v}
		default:
			return nil, fmt.Errorf("wire: unsupported wire type %d", typ)
		}
		if valN < 0 {
			return nil, fmt.Errorf("wire: malformed value for field %d", num)
		}
		pos += valN

		if err := handle(num, typ, fv); err != nil {
			if errors.Is(err, errSkipField) {
				unknown = append(unknown, b[start:pos]...)
				continue
			}
			return nil, err
		}
	}
	return unknown, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	return appendBytesField(b, num, []byte(s))
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	var i uint64
	if v {
		i = 1
	}
	return appendVarintField(b, num, i)
}

func zigzag(v int64) uint64  { return protowire.EncodeZigZag(v) }
func unzigzag(v uint64) int64 { return protowire.DecodeZigZag(v) }

// ---- Value ----

const (
	fieldValueKind = protowire.Number(1)
	fieldValueStr  = protowire.Number(2)
	fieldValueI64  = protowire.Number(3)
	fieldValueF64  = protowire.Number(4)
	fieldValueBool = protowire.Number(5)
	fieldValueByte = protowire.Number(6)
)

func encodeValue(v Value) []byte {
	var b []byte
	b = appendVarintField(b, fieldValueKind, uint64(v.Kind))
	switch v.Kind {
	case KindString:
		b = appendStringField(b, fieldValueStr, v.Str)
	case KindInt64:
		b = appendVarintField(b, fieldValueI64, zigzag(v.I64))
	case KindFloat64:
		b = appendFixed64Field(b, fieldValueF64, math.Float64bits(v.F64))
	case KindBool:
		b = appendBoolField(b, fieldValueBool, v.Bool)
	case KindBytes:
		b = appendBytesField(b, fieldValueByte, v.Bytes)
	}
	return b
}

func decodeValue(b []byte) (Value, error) {
	var v Value
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case fieldValueKind:
			v.Kind = Kind(fv.Varint)
		case fieldValueStr:
			v.Str = string(fv.Bytes)
		case fieldValueI64:
			v.I64 = unzigzag(fv.Varint)
		case fieldValueF64:
			v.F64 = math.Float64frombits(fv.Fixed64)
		case fieldValueBool:
			v.Bool = fv.Varint != 0
		case fieldValueByte:
			v.Bytes = append([]byte(nil), fv.Bytes...)
		default:
			return errSkipField
		}
		return nil
	})
	return v, err
}

// ---- string/string and string/Value map entries ----

func encodeStringMapEntry(k, v string) []byte {
	var b []byte
	b = appendStringField(b, 1, k)
	b = appendStringField(b, 2, v)
	return b
}

func decodeStringMapEntry(b []byte) (string, string, error) {
	var k, v string
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			k = string(fv.Bytes)
		case 2:
			v = string(fv.Bytes)
		default:
			return errSkipField
		}
		return nil
	})
	return k, v, err
}

func encodeValueMapEntry(k string, v Value) []byte {
	var b []byte
	b = appendStringField(b, 1, k)
	b = appendBytesField(b, 2, encodeValue(v))
	return b
}

func decodeValueMapEntry(b []byte) (string, Value, error) {
	var k string
	var v Value
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			k = string(fv.Bytes)
		case 2:
			dv, err := decodeValue(fv.Bytes)
			if err != nil {
				return err
			}
			v = dv
		default:
			return errSkipField
		}
		return nil
	})
	return k, v, err
}

// ---- FieldDescriptor / Schema ----

func encodeFieldDescriptor(f FieldDescriptor) []byte {
	var b []byte
	b = appendStringField(b, 1, f.Name)
	b = appendVarintField(b, 2, uint64(f.Kind))
	b = appendBoolField(b, 3, f.Nullable)
	return b
}

func decodeFieldDescriptor(b []byte) (FieldDescriptor, error) {
	var f FieldDescriptor
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			f.Name = string(fv.Bytes)
		case 2:
			f.Kind = Kind(fv.Varint)
		case 3:
			f.Nullable = fv.Varint != 0
		default:
			return errSkipField
		}
		return nil
	})
	return f, err
}

func encodeSchema(s Schema) []byte {
	var b []byte
	b = appendStringField(b, 1, s.TypeName)
	b = appendStringField(b, 2, s.Version)
	for _, f := range s.Fields {
		b = appendBytesField(b, 3, encodeFieldDescriptor(f))
	}
	for _, p := range s.Permissions {
		b = appendStringField(b, 4, p)
	}
	return b
}

func decodeSchema(b []byte) (Schema, error) {
	var s Schema
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			s.TypeName = string(fv.Bytes)
		case 2:
			s.Version = string(fv.Bytes)
		case 3:
			f, err := decodeFieldDescriptor(fv.Bytes)
			if err != nil {
				return err
			}
			s.Fields = append(s.Fields, f)
		case 4:
			s.Permissions = append(s.Permissions, string(fv.Bytes))
		default:
			return errSkipField
		}
		return nil
	})
	return s, err
}

// ---- HandshakeRequest ----

func EncodeHandshakeRequest(m HandshakeRequest) []byte {
	var b []byte
	b = appendStringField(b, 1, m.AppID)
	b = appendStringField(b, 2, m.AppName)
	b = appendStringField(b, 3, m.AppVersion)
	b = appendStringField(b, 4, m.DeviceID)
	b = appendBytesField(b, 5, m.IdentityPublicKey)
	for _, p := range m.SupportedProtocols {
		b = appendStringField(b, 6, p)
	}
	for _, s := range m.ExposedSchemas {
		b = appendBytesField(b, 7, encodeSchema(s))
	}
	for k, v := range m.Capabilities {
		b = appendBytesField(b, 8, encodeStringMapEntry(k, v))
	}
	b = append(b, m.unknown...)
	return b
}

func DecodeHandshakeRequest(b []byte) (HandshakeRequest, error) {
	m := HandshakeRequest{Capabilities: map[string]string{}}
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			m.AppID = string(fv.Bytes)
		case 2:
			m.AppName = string(fv.Bytes)
		case 3:
			m.AppVersion = string(fv.Bytes)
		case 4:
			m.DeviceID = string(fv.Bytes)
		case 5:
			m.IdentityPublicKey = append([]byte(nil), fv.Bytes...)
		case 6:
			m.SupportedProtocols = append(m.SupportedProtocols, string(fv.Bytes))
		case 7:
			s, err := decodeSchema(fv.Bytes)
			if err != nil {
				return err
			}
			m.ExposedSchemas = append(m.ExposedSchemas, s)
		case 8:
			k, v, err := decodeStringMapEntry(fv.Bytes)
			if err != nil {
				return err
			}
			m.Capabilities[k] = v
		default:
			return errSkipField
		}
		return nil
	})
	m.unknown = unknown
	return m, err
}

// ---- HandshakeResponse ----

func EncodeHandshakeResponse(m HandshakeResponse) []byte {
	var b []byte
	b = appendBoolField(b, 1, m.Success)
	b = appendStringField(b, 2, m.SessionID)
	b = appendBytesField(b, 3, m.IdentityPublicKey)
	for _, s := range m.ExposedSchemas {
		b = appendBytesField(b, 4, encodeSchema(s))
	}
	for k, v := range m.Capabilities {
		b = appendBytesField(b, 5, encodeStringMapEntry(k, v))
	}
	b = appendStringField(b, 6, m.ErrorMessage)
	b = appendBytesField(b, 7, m.EncryptedSessionKey)
	b = append(b, m.unknown...)
	return b
}

func DecodeHandshakeResponse(b []byte) (HandshakeResponse, error) {
	m := HandshakeResponse{Capabilities: map[string]string{}}
	unknown, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			m.Success = fv.Varint != 0
		case 2:
			m.SessionID = string(fv.Bytes)
		case 3:
			m.IdentityPublicKey = append([]byte(nil), fv.Bytes...)
		case 4:
			s, err := decodeSchema(fv.Bytes)
			if err != nil {
				return err
			}
			m.ExposedSchemas = append(m.ExposedSchemas, s)
		case 5:
			k, v, err := decodeStringMapEntry(fv.Bytes)
			if err != nil {
				return err
			}
			m.Capabilities[k] = v
		case 6:
			m.ErrorMessage = string(fv.Bytes)
		case 7:
			m.EncryptedSessionKey = append([]byte(nil), fv.Bytes...)
		default:
			return errSkipField
		}
		return nil
	})
	m.unknown = unknown
	return m, err
}

// ---- ObjectUpdate / ObjectDelete / SyncMessage ----

func encodeObjectUpdate(m ObjectUpdate) []byte {
	var b []byte
	b = appendStringField(b, 1, m.ObjectID)
	b = appendStringField(b, 2, m.TypeName)
	b = appendVarintField(b, 3, uint64(m.Version))
	b = appendVarintField(b, 4, zigzag(m.TimestampMS))
	for k, v := range m.Fields {
		b = appendBytesField(b, 5, encodeValueMapEntry(k, v))
	}
	b = appendStringField(b, 6, m.SessionID)
	return b
}

func decodeObjectUpdate(b []byte) (ObjectUpdate, error) {
	m := ObjectUpdate{Fields: map[string]Value{}}
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			m.ObjectID = string(fv.Bytes)
		case 2:
			m.TypeName = string(fv.Bytes)
		case 3:
			m.Version = uint32(fv.Varint)
		case 4:
			m.TimestampMS = unzigzag(fv.Varint)
		case 5:
			k, v, err := decodeValueMapEntry(fv.Bytes)
			if err != nil {
				return err
			}
			m.Fields[k] = v
		case 6:
			m.SessionID = string(fv.Bytes)
		default:
			return errSkipField
		}
		return nil
	})
	return m, err
}

func encodeObjectDelete(m ObjectDelete) []byte {
	var b []byte
	b = appendStringField(b, 1, m.ObjectID)
	b = appendStringField(b, 2, m.TypeName)
	b = appendVarintField(b, 3, zigzag(m.TimestampMS))
	b = appendStringField(b, 4, m.SessionID)
	return b
}

func decodeObjectDelete(b []byte) (ObjectDelete, error) {
	var m ObjectDelete
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			m.ObjectID = string(fv.Bytes)
		case 2:
			m.TypeName = string(fv.Bytes)
		case 3:
			m.TimestampMS = unzigzag(fv.Varint)
		case 4:
			m.SessionID = string(fv.Bytes)
		default:
			return errSkipField
		}
		return nil
	})
	return m, err
}

func EncodeSyncMessage(m SyncMessage) ([]byte, error) {
	var b []byte
	switch m.Kind {
	case SyncUpdate:
		if m.Update == nil {
			return nil, fmt.Errorf("wire: SyncUpdate with nil Update")
		}
		b = appendBytesField(b, 1, encodeObjectUpdate(*m.Update))
	case SyncDelete:
		if m.Delete == nil {
			return nil, fmt.Errorf("wire: SyncDelete with nil Delete")
		}
		b = appendBytesField(b, 2, encodeObjectDelete(*m.Delete))
	default:
		return nil, fmt.Errorf("wire: SyncMessage with unset kind")
	}
	return b, nil
}

func DecodeSyncMessage(b []byte) (SyncMessage, error) {
	var m SyncMessage
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			u, err := decodeObjectUpdate(fv.Bytes)
			if err != nil {
				return err
			}
			m.Kind = SyncUpdate
			m.Update = &u
		case 2:
			d, err := decodeObjectDelete(fv.Bytes)
			if err != nil {
				return err
			}
			m.Kind = SyncDelete
			m.Delete = &d
		default:
			return errSkipField
		}
		return nil
	})
	if err == nil && m.Kind == SyncUnknown {
		return m, fmt.Errorf("wire: SyncMessage carried neither update nor delete")
	}
	return m, err
}

// ---- EventMessage ----

func EncodeEventMessage(m EventMessage) []byte {
	var b []byte
	b = appendStringField(b, 1, m.EventID)
	b = appendStringField(b, 2, m.EventType)
	b = appendVarintField(b, 3, zigzag(m.TimestampMS))
	for k, v := range m.Data {
		b = appendBytesField(b, 4, encodeValueMapEntry(k, v))
	}
	b = appendStringField(b, 5, m.SessionID)
	b = appendVarintField(b, 6, zigzag(int64(m.Priority)))
	return b
}

func DecodeEventMessage(b []byte) (EventMessage, error) {
	m := EventMessage{Data: map[string]Value{}}
	_, err := decodeFields(b, func(num protowire.Number, typ protowire.Type, fv fieldValue) error {
		switch num {
		case 1:
			m.EventID = string(fv.Bytes)
		case 2:
			m.EventType = string(fv.Bytes)
		case 3:
			m.TimestampMS = unzigzag(fv.Varint)
		case 4:
			k, v, err := decodeValueMapEntry(fv.Bytes)
			if err != nil {
				return err
			}
			m.Data[k] = v
		case 5:
			m.SessionID = string(fv.Bytes)
		case 6:
			m.Priority = int32(unzigzag(fv.Varint))
		default:
			return errSkipField
		}
		return nil
	})
	return m, err
}

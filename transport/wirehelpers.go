package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// fieldValue and decodeSimple are a small local counterpart to the wire
// package's field walker, used only for the three messages this package
// defines itself (EventResponse, HeartbeatRequest, HeartbeatResponse) —
// small enough not to warrant preserving unknown fields the way the wire
// package's HandshakeRequest and HandshakeResponse do.
type fieldValue struct {
	Varint uint64
	Bytes  []byte
}

func decodeSimple(b []byte, handlers map[int]func(fieldValue)) error {
	pos := 0
	for pos < len(b) {
		num, typ, tagN := protowire.ConsumeTag(b[pos:])
		if tagN < 0 {
			return fmt.Errorf("transport: malformed tag at offset %d", pos)
		}
		pos += tagN

		var fv fieldValue
		var valN int
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[pos:])
			valN = n
			fv.Varint = v
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[pos:])
			valN = n
			fv.Bytes = v
		default:
			return fmt.Errorf("transport: unsupported wire type %d", typ)
		}
		if valN < 0 {
			return fmt.Errorf("transport: malformed value for field %d", num)
		}
		pos += valN

		if h, ok := handlers[int(num)]; ok {
			h(fv)
		}
	}
	return nil
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

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	var i uint64
	if v {
		i = 1
	}
	return appendVarintField(b, num, i)
}

func zigzagI64(v int64) uint64   { return protowire.EncodeZigZag(v) }
func unzigzagI64(v uint64) int64 { return protowire.DecodeZigZag(v) }

package encoding

import (
	"bytes"
)

// FieldKind identifies the wire type of one ordered builder parameter.
type FieldKind byte

const (
	// FieldUTF8 is a 16-bit length-prefixed UTF-8 string
	FieldUTF8 FieldKind = iota
	// FieldPayload is raw binary data appended without a length prefix
	FieldPayload
	// FieldUint16 is a 16-bit big-endian integer
	FieldUint16
	// FieldUint8 is a single byte
	FieldUint8
	// FieldSkip is ignored; it keeps optional positions in an ordered list
	FieldSkip
)

// Field is one typed parameter in a Builder's ordered list.
type Field struct {
	Kind  FieldKind
	Str   string
	Bytes []byte
	Int   uint32
}

// UTF8 returns a UTF-8 string field.
func UTF8(s string) Field { return Field{Kind: FieldUTF8, Str: s} }

// Payload returns a raw payload field.
func Payload(b []byte) Field { return Field{Kind: FieldPayload, Bytes: b} }

// Uint16 returns a 16-bit integer field.
func Uint16(v uint32) Field { return Field{Kind: FieldUint16, Int: v} }

// Uint8 returns an 8-bit integer field.
func Uint8(v uint32) Field { return Field{Kind: FieldUint8, Int: v} }

// Skip returns a placeholder field that emits nothing.
func Skip() Field { return Field{Kind: FieldSkip} }

// BuildPacket assembles a raw control packet from an ordered parameter list.
// For PUBLISH the dup/qos/retain arguments are packed into the fixed header
// flags; for every other type they must be zero/false and the type's
// reserved flag bits are emitted.
//
// The builder refuses QoS values outside {0,1,2}, integer values that do not
// fit their field width, and field combinations whose total size exceeds the
// remaining-length maximum.
func BuildPacket(tp PacketType, dup bool, qos QoS, retain bool, fields ...Field) ([]byte, error) {
	if tp == Reserved || tp > DISCONNECT {
		return nil, ErrInvalidType
	}
	if !qos.IsValid() {
		return nil, ErrInvalidQoS
	}

	var body bytes.Buffer
	for _, f := range fields {
		switch f.Kind {
		case FieldUTF8:
			if err := ValidateUTF8String([]byte(f.Str)); err != nil {
				return nil, err
			}
			if err := writeUTF8String(&body, f.Str); err != nil {
				return nil, err
			}
		case FieldPayload:
			body.Write(f.Bytes)
		case FieldUint16:
			if f.Int > 65535 {
				return nil, ErrValueTooLarge
			}
			if err := writeTwoByteInt(&body, uint16(f.Int)); err != nil {
				return nil, err
			}
		case FieldUint8:
			if f.Int > 255 {
				return nil, ErrValueTooLarge
			}
			if err := writeByte(&body, byte(f.Int)); err != nil {
				return nil, err
			}
		case FieldSkip:
		default:
			return nil, ErrMalformedPacket
		}
	}

	if uint64(body.Len()) > uint64(MaxRemainingLength) {
		return nil, ErrRemainingLengthTooLarge
	}

	fh := FixedHeader{
		Type:            tp,
		DUP:             dup,
		QoS:             qos,
		Retain:          retain,
		RemainingLength: uint32(body.Len()),
	}

	var out bytes.Buffer
	out.Grow(5 + body.Len())
	if err := fh.EncodeFixedHeader(&out); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())

	return out.Bytes(), nil
}

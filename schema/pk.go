package schema

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EncodePK composes the primary-key column prefix of a row into a single
// memcomparable byte string: fixed-width columns are encoded big-endian with
// their sign bit flipped (so two's-complement ordering matches unsigned
// byte ordering), variable-width columns are escaped so that no encoded key
// is a prefix of another (0x00 -> 0x00 0xFF, terminated by 0x00 0x00),
// matching the scheme most LSM-style engines in the pack use for composite
// keys (see other_examples b73b18cd_polarsignals-arcticdb, which encodes
// sort keys the same memcomparable way).
func EncodePK(s *Schema, values [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < s.NumPKCols; i++ {
		col := s.Columns[i]
		if err := encodeMemComparable(&buf, col.Type, values[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeMemComparable(buf *bytes.Buffer, t Type, v []byte) error {
	if w, fixed := t.FixedWidth(); fixed {
		var tmp [16]byte
		switch t {
		case Int8, Int16, Int32, Int64, Int128:
			copy(tmp[:w], v)
			if len(v) > 0 {
				tmp[0] ^= 0x80 // flip sign bit so two's-complement order matches byte order
			}
		default:
			copy(tmp[:w], v)
		}
		buf.Write(tmp[:w])
		return nil
	}
	// Variable-width: escape 0x00 as 0x00 0xFF, terminate with 0x00 0x00.
	for _, b := range v {
		if b == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
	return nil
}

// CompareEncodedPK orders two memcomparable-encoded keys byte-lexically,
// which is equivalent to column-major comparison by construction.
func CompareEncodedPK(a, b []byte) int { return bytes.Compare(a, b) }

// EncodeUint64BE is a convenience used by delta keys and rowids (row_id,
// timestamp) which are compared as plain big-endian integers, not
// memcomparable-escaped values.
func EncodeUint64BE(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func DecodeUint64BE(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func EncodeUint32BE(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func DecodeUint32BE(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// Float64ToMemComparable/Float32ToMemComparable convert floating values into memcomparable
// big-endian bit patterns (sign-bit aware).
func Float64ToMemComparable(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return bits
}

func Float32ToMemComparable(f float32) uint32 {
	bits := math.Float32bits(f)
	if bits&(1<<31) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 31
	}
	return bits
}

// Package leb128 implements the variable-length integer encoding used
// throughout the WebAssembly binary format.
package leb128

import (
	"errors"
	"io"
)

const (
	maxVarintLen32 = 5
	maxVarintLen64 = 10
)

var (
	// ErrOverflow is returned when a decoded value does not fit the target type.
	ErrOverflow = errors.New("leb128: value overflows target type")
)

// AppendUint32 appends v to buf in unsigned LEB128 form.
func AppendUint32(buf []byte, v uint32) []byte {
	return AppendUint64(buf, uint64(v))
}

// AppendUint64 appends v to buf in unsigned LEB128 form.
func AppendUint64(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// AppendInt32 appends v to buf in signed LEB128 form.
func AppendInt32(buf []byte, v int32) []byte {
	return AppendInt64(buf, int64(v))
}

// AppendInt64 appends v to buf in signed LEB128 form.
func AppendInt64(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// DecodeUint32 reads an unsigned LEB128-encoded 32-bit integer from r.
func DecodeUint32(r io.ByteReader) (uint32, error) {
	v, err := decodeUint(r, maxVarintLen32)
	if err != nil {
		return 0, err
	}
	if v > 0xffff_ffff {
		return 0, ErrOverflow
	}
	return uint32(v), nil
}

// DecodeUint64 reads an unsigned LEB128-encoded 64-bit integer from r.
func DecodeUint64(r io.ByteReader) (uint64, error) {
	return decodeUint(r, maxVarintLen64)
}

func decodeUint(r io.ByteReader, maxLen int) (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < maxLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, ErrOverflow
}

// DecodeInt32 reads a signed LEB128-encoded 32-bit integer from r.
func DecodeInt32(r io.ByteReader) (int32, error) {
	v, err := decodeInt(r, maxVarintLen32, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// DecodeInt64 reads a signed LEB128-encoded 64-bit integer from r.
func DecodeInt64(r io.ByteReader) (int64, error) {
	return decodeInt(r, maxVarintLen64, 64)
}

// DecodeInt33 reads a signed 33-bit integer; block types use this width.
func DecodeInt33(r io.ByteReader) (int64, error) {
	return decodeInt(r, maxVarintLen32, 33)
}

func decodeInt(r io.ByteReader, maxLen, bits int) (int64, error) {
	var result int64
	var shift uint
	for i := 0; i < maxLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < uint(bits) && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
	return 0, ErrOverflow
}

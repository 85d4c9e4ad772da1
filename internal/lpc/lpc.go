// Package lpc implements the binary LPC value encoding used by the
// Intermud-3 MudMode protocol: one-byte type tags followed by big-endian
// type-specific payloads.
package lpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ============================================================================
// TYPE TAGS AND LIMITS
// ============================================================================

// Wire type tags. Every encoded value starts with one of these.
const (
	TagString  byte = 0
	TagInteger byte = 1
	TagArray   byte = 2
	TagMapping byte = 3
	TagFloat   byte = 4
	TagBuffer  byte = 5
)

const (
	// MaxDepth bounds nesting of arrays and mappings.
	MaxDepth = 64

	// MaxEncodedSize bounds the byte size of a single encoded value.
	// Matches the default MudMode frame limit.
	MaxEncodedSize = 32 * 1024
)

// Value aliases. A decoded LPC value is one of: string, int, float64,
// Array, Mapping, Buffer. Integer zero doubles as null in packet headers;
// the packet layer owns that translation.
type (
	Value   = interface{}
	Array   = []interface{}
	Mapping = map[interface{}]interface{}
	Buffer  = []byte
)

var (
	// ErrMalformed reports undecodable input: truncated data, bad
	// lengths, unknown tags.
	ErrMalformed = errors.New("malformed LPC data")

	// ErrTooDeep reports nesting beyond MaxDepth.
	ErrTooDeep = fmt.Errorf("%w: nesting exceeds %d levels", ErrMalformed, MaxDepth)

	// ErrTooLarge reports a value whose encoding exceeds the size limit.
	ErrTooLarge = errors.New("LPC value exceeds size limit")
)

// ============================================================================
// ENCODER
// ============================================================================

// Encode serializes a value with the default size limit.
func Encode(v Value) ([]byte, error) {
	return EncodeLimit(v, MaxEncodedSize)
}

// EncodeLimit serializes a value, failing with ErrTooLarge if the output
// would exceed limit bytes.
func EncodeLimit(v Value, limit int) ([]byte, error) {
	e := &encoder{limit: limit}
	if err := e.value(v, 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf   bytes.Buffer
	limit int
}

func (e *encoder) value(v Value, depth int) error {
	if depth > MaxDepth {
		return ErrTooDeep
	}
	if e.buf.Len() > e.limit {
		return ErrTooLarge
	}

	switch x := v.(type) {
	case nil:
		// Encoded as integer 0, the wire representation of null.
		return e.integer(0)
	case string:
		return e.tagged(TagString, []byte(x))
	case int:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return fmt.Errorf("integer %d overflows int32", x)
		}
		return e.integer(int32(x))
	case int32:
		return e.integer(x)
	case int64:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return fmt.Errorf("integer %d overflows int32", x)
		}
		return e.integer(int32(x))
	case float64:
		e.buf.WriteByte(TagFloat)
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], math.Float64bits(x))
		e.buf.Write(raw[:])
		return nil
	case float32:
		return e.value(float64(x), depth)
	case Buffer:
		return e.tagged(TagBuffer, x)
	case Array:
		e.buf.WriteByte(TagArray)
		e.count(len(x))
		for _, elem := range x {
			if err := e.value(elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	case Mapping:
		e.buf.WriteByte(TagMapping)
		e.count(len(x))
		for k, mv := range x {
			if err := e.value(k, depth+1); err != nil {
				return err
			}
			if err := e.value(mv, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported LPC type %T", v)
	}
}

func (e *encoder) tagged(tag byte, payload []byte) error {
	if len(payload) > e.limit {
		return ErrTooLarge
	}
	e.buf.WriteByte(tag)
	e.count(len(payload))
	e.buf.Write(payload)
	if e.buf.Len() > e.limit {
		return ErrTooLarge
	}
	return nil
}

func (e *encoder) integer(x int32) error {
	e.buf.WriteByte(TagInteger)
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], uint32(x))
	e.buf.Write(raw[:])
	return nil
}

func (e *encoder) count(n int) {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], uint32(n))
	e.buf.Write(raw[:])
}

// ============================================================================
// DECODER
// ============================================================================

// Decode parses a single value and requires the input be fully consumed.
func Decode(data []byte) (Value, error) {
	return DecodeLimit(data, MaxEncodedSize)
}

// DecodeLimit parses a single value from data, rejecting inputs larger
// than limit before any parsing happens.
func DecodeLimit(data []byte, limit int) (Value, error) {
	if len(data) > limit {
		return nil, ErrTooLarge
	}
	d := &decoder{data: data}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-d.off)
	}
	return v, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagString:
		raw, err := d.lengthPrefixed()
		if err != nil {
			return nil, err
		}
		return string(raw), nil

	case TagInteger:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int(int32(binary.BigEndian.Uint32(raw))), nil

	case TagFloat:
		raw, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil

	case TagBuffer:
		raw, err := d.lengthPrefixed()
		if err != nil {
			return nil, err
		}
		// Copy so the result does not alias the input frame.
		out := make(Buffer, len(raw))
		copy(out, raw)
		return out, nil

	case TagArray:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		arr := make(Array, 0, n)
		for i := 0; i < n; i++ {
			elem, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil

	case TagMapping:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		m := make(Mapping, n)
		for i := 0; i < n; i++ {
			k, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			switch k.(type) {
			case string, int, float64:
			default:
				return nil, fmt.Errorf("%w: mapping key of type %T", ErrMalformed, k)
			}
			mv, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			m[k] = mv
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: unknown type tag 0x%02X", ErrMalformed, tag)
	}
}

func (d *decoder) byte() (byte, error) {
	if d.off >= len(d.data) {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrMalformed, d.off)
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.data)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrMalformed, n, d.off, len(d.data)-d.off)
	}
	raw := d.data[d.off : d.off+n]
	d.off += n
	return raw, nil
}

// count reads a 4-byte length/count and sanity-checks it against the
// remaining input so hostile prefixes cannot trigger huge allocations.
func (d *decoder) count() (int, error) {
	raw, err := d.take(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(raw)
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: negative length", ErrMalformed)
	}
	if int(n) > len(d.data)-d.off {
		return 0, fmt.Errorf("%w: length %d exceeds %d remaining bytes",
			ErrMalformed, n, len(d.data)-d.off)
	}
	return int(n), nil
}

func (d *decoder) lengthPrefixed() ([]byte, error) {
	n, err := d.count()
	if err != nil {
		return nil, err
	}
	return d.take(n)
}

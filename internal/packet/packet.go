// Package packet defines the typed Intermud-3 packet model: a closed set of
// packet variants, conversion to and from LPC arrays, and validation of the
// shared six-field header.
package packet

import (
	"errors"
	"fmt"

	"github.com/luminarimud/i3-gateway/internal/lpc"
)

// ============================================================================
// PACKET TYPES
// ============================================================================

// Wire type strings, the first element of every packet array.
const (
	TypeTell            = "tell"
	TypeEmoteto         = "emoteto"
	TypeChannelMessage  = "channel-m"
	TypeChannelEmote    = "channel-e"
	TypeChannelTargeted = "channel-t"
	TypeWhoReq          = "who-req"
	TypeWhoReply        = "who-reply"
	TypeFingerReq       = "finger-req"
	TypeFingerReply     = "finger-reply"
	TypeLocateReq       = "locate-req"
	TypeLocateReply     = "locate-reply"
	TypeChannelAdd      = "channel-add"
	TypeChannelRemove   = "channel-remove"
	TypeChannelListen   = "channel-listen"
	TypeChanWhoReq      = "chan-who-req"
	TypeChanWhoReply    = "chan-who-reply"
	TypeChanlistReply   = "chanlist-reply"
	TypeMudlist         = "mudlist"
	TypeStartupReq3     = "startup-req-3"
	TypeStartupReply    = "startup-reply"
	TypeShutdown        = "shutdown"
	TypeError           = "error"
)

const (
	// HeaderSize is the number of leading LPC fields shared by every
	// packet type.
	HeaderSize = 6

	// DefaultTTL is assigned to packets built by this gateway. Routers
	// decrement it; the gateway never does.
	DefaultTTL = 200

	// MaxTTL bounds inbound TTL values.
	MaxTTL = 200
)

// ErrBadPacket reports a structurally invalid packet: wrong field count,
// wrong element type, or TTL out of range.
var ErrBadPacket = errors.New("bad packet")

// ============================================================================
// HEADER
// ============================================================================

// Header holds the six fields every I3 packet starts with. Empty strings
// stand for wire nulls (integer 0) in the mud/user slots.
type Header struct {
	Type       string
	TTL        int
	OriginMud  string
	OriginUser string
	TargetMud  string
	TargetUser string
}

// Hdr returns the shared header. Promoted through embedding on every
// concrete packet type.
func (h *Header) Hdr() *Header { return h }

func (h *Header) String() string {
	return fmt.Sprintf("%s %s/%s -> %s/%s ttl=%d",
		h.Type, h.OriginMud, h.OriginUser, h.TargetMud, h.TargetUser, h.TTL)
}

// Packet is one Intermud-3 message. The payload method is unexported so
// the variant set stays closed to this package.
type Packet interface {
	Hdr() *Header
	payload() lpc.Array
}

// ============================================================================
// LPC CONVERSION
// ============================================================================

// ToLPC renders a packet as its wire-order LPC array. Empty header mud and
// user slots become integer 0.
func ToLPC(p Packet) lpc.Array {
	h := p.Hdr()
	body := p.payload()
	arr := make(lpc.Array, 0, HeaderSize+len(body))
	arr = append(arr, h.Type, h.TTL,
		nullable(h.OriginMud), nullable(h.OriginUser),
		nullable(h.TargetMud), nullable(h.TargetUser))
	return append(arr, body...)
}

// Encode serializes a packet to MudMode payload bytes.
func Encode(p Packet) ([]byte, error) {
	return lpc.Encode(ToLPC(p))
}

// FromLPC converts a decoded LPC value into a typed packet, validating
// the header and the per-type field layout.
func FromLPC(v lpc.Value) (Packet, error) {
	arr, ok := v.(lpc.Array)
	if !ok {
		return nil, fmt.Errorf("%w: not an array (%T)", ErrBadPacket, v)
	}
	if len(arr) < HeaderSize {
		return nil, fmt.Errorf("%w: %d fields, need at least %d", ErrBadPacket, len(arr), HeaderSize)
	}

	h, err := parseHeader(arr)
	if err != nil {
		return nil, err
	}

	parse, ok := parsers[h.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadPacket, h.Type)
	}
	return parse(arr, h)
}

// Decode parses a raw MudMode payload into a typed packet.
func Decode(raw []byte) (Packet, error) {
	v, err := lpc.Decode(raw)
	if err != nil {
		return nil, err
	}
	return FromLPC(v)
}

// Known reports whether t is a defined packet type string.
func Known(t string) bool {
	_, ok := parsers[t]
	return ok
}

func parseHeader(arr lpc.Array) (Header, error) {
	var h Header

	t, ok := arr[0].(string)
	if !ok || t == "" {
		return h, fmt.Errorf("%w: type slot is %T, want string", ErrBadPacket, arr[0])
	}
	h.Type = t

	ttl, ok := arr[1].(int)
	if !ok {
		return h, fmt.Errorf("%w: ttl slot is %T, want int", ErrBadPacket, arr[1])
	}
	if ttl < 1 || ttl > MaxTTL {
		return h, fmt.Errorf("%w: ttl %d out of range [1,%d]", ErrBadPacket, ttl, MaxTTL)
	}
	h.TTL = ttl

	slots := []*string{&h.OriginMud, &h.OriginUser, &h.TargetMud, &h.TargetUser}
	for i, dst := range slots {
		s, err := headerSlot(arr[2+i])
		if err != nil {
			return h, fmt.Errorf("%w at header slot %d", err, 2+i)
		}
		*dst = s
	}
	return h, nil
}

// headerSlot accepts a string or the integer 0 (wire null).
func headerSlot(v lpc.Value) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		if x == 0 {
			return "", nil
		}
	}
	return "", fmt.Errorf("%w: header slot is %v (%T), want string or 0", ErrBadPacket, v, v)
}

func nullable(s string) lpc.Value {
	if s == "" {
		return 0
	}
	return s
}

// ============================================================================
// FIELD PARSER
// ============================================================================

// fields walks a packet array slot by slot, remembering the first failure.
type fields struct {
	arr lpc.Array
	err error
}

func (f *fields) fail(slot int, want string, got lpc.Value) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: slot %d is %T, want %s", ErrBadPacket, slot, got, want)
	}
}

func (f *fields) stringAt(slot int) string {
	s, ok := f.arr[slot].(string)
	if !ok {
		f.fail(slot, "string", f.arr[slot])
		return ""
	}
	return s
}

// optStringAt accepts a string or the integer 0.
func (f *fields) optStringAt(slot int) string {
	s, err := headerSlot(f.arr[slot])
	if err != nil {
		f.fail(slot, "string or 0", f.arr[slot])
	}
	return s
}

func (f *fields) intAt(slot int) int {
	n, ok := f.arr[slot].(int)
	if !ok {
		f.fail(slot, "int", f.arr[slot])
		return 0
	}
	return n
}

func (f *fields) arrayAt(slot int) lpc.Array {
	a, ok := f.arr[slot].(lpc.Array)
	if !ok {
		f.fail(slot, "array", f.arr[slot])
		return nil
	}
	return a
}

// optArrayAt accepts an array or the integer 0.
func (f *fields) optArrayAt(slot int) lpc.Array {
	if n, ok := f.arr[slot].(int); ok && n == 0 {
		return nil
	}
	return f.arrayAt(slot)
}

func (f *fields) mappingAt(slot int) lpc.Mapping {
	m, ok := f.arr[slot].(lpc.Mapping)
	if !ok {
		f.fail(slot, "mapping", f.arr[slot])
		return nil
	}
	return m
}

// optMappingAt accepts a mapping or the integer 0.
func (f *fields) optMappingAt(slot int) lpc.Mapping {
	if n, ok := f.arr[slot].(int); ok && n == 0 {
		return nil
	}
	return f.mappingAt(slot)
}

// want enforces the exact field count for the packet type.
func (f *fields) want(n int) bool {
	if len(f.arr) != n {
		f.err = fmt.Errorf("%w: %s has %d fields, want %d",
			ErrBadPacket, f.arr[0], len(f.arr), n)
		return false
	}
	return true
}

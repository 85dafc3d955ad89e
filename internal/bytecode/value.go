package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the runtime shape of a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindI4
	KindI8
	KindR4
	KindR8
	KindBool
	KindChar
	KindU1
	KindString
	KindNull
	KindArray
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindI4:      "i4",
	KindI8:      "i8",
	KindR4:      "r4",
	KindR8:      "r8",
	KindBool:    "bool",
	KindChar:    "char",
	KindU1:      "u1",
	KindString:  "string",
	KindNull:    "null",
	KindArray:   "array",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindInvalid {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown kind %q", s)
}

// Size reports the encoded size in bytes of one element of kind k, or 0 if
// k cannot be an array element with a fixed-size encoding.
func (k Kind) Size() int {
	switch k {
	case KindU1, KindBool:
		return 1
	case KindI4, KindR4, KindChar:
		return 4
	case KindI8, KindR8:
		return 8
	}
	return 0
}

// Scalar reports whether k is a fixed-size primitive.
func (k Kind) Scalar() bool { return k.Size() > 0 }

// Array is a heap-allocated, mutable sequence of values of one element kind.
type Array struct {
	Elem  Kind    `cbor:"1,keyasint"`
	Items []Value `cbor:"2,keyasint"`
}

// NewArray allocates an array of n zero elements.
func NewArray(elem Kind, n int) *Array {
	a := &Array{Elem: elem, Items: make([]Value, n)}
	for i := range a.Items {
		a.Items[i] = Value{Kind: elem}
	}
	return a
}

// Value is a stack slot, a literal operand or an array element.
// Numbers, booleans and characters keep their raw bit pattern in Bits so that
// floats (NaN payloads, negative zero) round-trip exactly.
type Value struct {
	Kind Kind   `cbor:"1,keyasint"`
	Bits uint64 `cbor:"2,keyasint,omitempty"`
	Str  string `cbor:"3,keyasint,omitempty"`
	Arr  *Array `cbor:"4,keyasint,omitempty"`
}

func I4(v int32) Value { return Value{Kind: KindI4, Bits: uint64(uint32(v))} }
func I8(v int64) Value { return Value{Kind: KindI8, Bits: uint64(v)} }
func R4(v float32) Value { return Value{Kind: KindR4, Bits: uint64(math.Float32bits(v))} }
func R8(v float64) Value { return Value{Kind: KindR8, Bits: math.Float64bits(v)} }
func U1(v byte) Value { return Value{Kind: KindU1, Bits: uint64(v)} }
func Char(v rune) Value { return Value{Kind: KindChar, Bits: uint64(uint32(v))} }
func Str(v string) Value { return Value{Kind: KindString, Str: v} }
func ArrayOf(a *Array) Value { return Value{Kind: KindArray, Arr: a} }
func Null() Value { return Value{Kind: KindNull} }

func Bool(v bool) Value {
	if v {
		return Value{Kind: KindBool, Bits: 1}
	}
	return Value{Kind: KindBool}
}

// R4Bits and R8Bits build floats from an exact bit pattern.
func R4Bits(bits uint32) Value { return Value{Kind: KindR4, Bits: uint64(bits)} }
func R8Bits(bits uint64) Value { return Value{Kind: KindR8, Bits: bits} }

// Int returns the value widened to int64 for integer-like kinds.
func (v Value) Int() int64 {
	switch v.Kind {
	case KindI4, KindChar:
		return int64(int32(uint32(v.Bits)))
	case KindI8:
		return int64(v.Bits)
	case KindU1, KindBool:
		return int64(v.Bits & 0xff)
	}
	return 0
}

// Float returns the value as float64 for floating kinds.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindR4:
		return float64(math.Float32frombits(uint32(v.Bits)))
	case KindR8:
		return math.Float64frombits(v.Bits)
	}
	return float64(v.Int())
}

// Truthy implements the brtrue/brfalse test.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindString:
		return true
	case KindArray:
		return v.Arr != nil
	case KindNull, KindInvalid:
		return false
	case KindR4, KindR8:
		return v.Float() != 0
	}
	return v.Int() != 0
}

// Equal reports structural, bit-exact equality. Arrays compare element-wise.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindArray:
		if v.Arr == nil || o.Arr == nil {
			return v.Arr == o.Arr
		}
		if v.Arr.Elem != o.Arr.Elem || len(v.Arr.Items) != len(o.Arr.Items) {
			return false
		}
		for i := range v.Arr.Items {
			if !v.Arr.Items[i].Equal(o.Arr.Items[i]) {
				return false
			}
		}
		return true
	}
	return v.Bits == o.Bits
}

// Clone deep-copies arrays; other values are immutable.
func (v Value) Clone() Value {
	if v.Kind != KindArray || v.Arr == nil {
		return v
	}
	return ArrayOf(&Array{Elem: v.Arr.Elem, Items: append([]Value(nil), v.Arr.Items...)})
}

// String formats the value the way the print instruction does.
func (v Value) String() string {
	switch v.Kind {
	case KindI4, KindI8, KindU1:
		return strconv.FormatInt(v.Int(), 10)
	case KindR4:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case KindR8:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindBool:
		if v.Bits != 0 {
			return "True"
		}
		return "False"
	case KindChar:
		return string(rune(int32(uint32(v.Bits))))
	case KindString:
		return v.Str
	case KindNull:
		return ""
	case KindArray:
		if v.Arr == nil {
			return ""
		}
		return fmt.Sprintf("%s[%d]", v.Arr.Elem, len(v.Arr.Items))
	}
	return "<invalid>"
}

// Literal renders the value in assembly syntax.
func (v Value) Literal() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindChar:
		return strconv.QuoteRune(rune(int32(uint32(v.Bits))))
	case KindBool:
		return strconv.FormatBool(v.Bits != 0)
	case KindR4:
		f := math.Float32frombits(uint32(v.Bits))
		if exactFloat(float64(f)) && R4(f).Bits == v.Bits {
			return strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return fmt.Sprintf("bits:0x%08x", uint32(v.Bits))
	case KindR8:
		f := math.Float64frombits(v.Bits)
		if exactFloat(f) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return fmt.Sprintf("bits:0x%016x", v.Bits)
	case KindArray:
		if v.Arr == nil {
			return "null"
		}
		parts := make([]string, len(v.Arr.Items))
		for i, it := range v.Arr.Items {
			parts[i] = it.Literal()
		}
		return v.Arr.Elem.String() + "{" + strings.Join(parts, ",") + "}"
	case KindNull:
		return "null"
	}
	return strconv.FormatInt(v.Int(), 10)
}

// exactFloat reports whether the decimal form parses back to the same bits.
func exactFloat(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return !(f == 0 && math.Signbit(f))
}

// AppendBytes appends the little-endian encoding of a scalar value.
func (v Value) AppendBytes(b []byte) []byte {
	switch v.Kind.Size() {
	case 1:
		return append(b, byte(v.Bits))
	case 4:
		return binary.LittleEndian.AppendUint32(b, uint32(v.Bits))
	case 8:
		return binary.LittleEndian.AppendUint64(b, v.Bits)
	}
	panic(fmt.Sprintf("bytecode: %s has no byte encoding", v.Kind))
}

// FromBytes decodes a scalar of kind k from the first k.Size() bytes of b.
func FromBytes(k Kind, b []byte) Value {
	switch k.Size() {
	case 1:
		return Value{Kind: k, Bits: uint64(b[0])}
	case 4:
		return Value{Kind: k, Bits: uint64(binary.LittleEndian.Uint32(b))}
	case 8:
		return Value{Kind: k, Bits: binary.LittleEndian.Uint64(b)}
	}
	panic(fmt.Sprintf("bytecode: %s has no byte encoding", k))
}

// DecodeElems splits data into elements of kind k.
func DecodeElems(k Kind, data []byte) ([]Value, error) {
	size := k.Size()
	if size == 0 {
		return nil, fmt.Errorf("%s is not an element kind", k)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%d bytes do not hold whole %s elements", len(data), k)
	}
	items := make([]Value, len(data)/size)
	for i := range items {
		items[i] = FromBytes(k, data[i*size:])
	}
	return items, nil
}

// EncodeElems is the inverse of DecodeElems.
func EncodeElems(items []Value) []byte {
	var b []byte
	for _, it := range items {
		b = it.AppendBytes(b)
	}
	return b
}

package vm

import "fmt"

// Value represents a Taffy value as a single 64-bit word.
//
// Unlike NaN-boxing schemes, Taffy uses the low three bits as the kind
// tag. Heap pointers are 8-byte aligned arena offsets, so their low bits
// are naturally zero and need no masking. All other kinds pack their
// payload into the remaining bits.
//
// Encoding scheme:
//   - Pointer: tag 000 + arena byte offset (8-aligned, nonzero)
//   - Int:     tag 001 + 61-bit signed payload (sign-extended on decode)
//   - Builtin: tag 010 + builtin function index
//   - Symbol:  tag 011 + interned symbol ID
//   - Handle:  tag 100 + argument count (bits 4..32) + handle ID (bits 32..64)
//
// The zero word is never a valid value. The bit layout is normative:
// program images are exchanged across implementations, so it must be
// reproduced exactly.
type Value uint64

// Kind identifies the inline encoding of a Value.
type Kind uint8

const (
	KindPointer Kind = 0b000
	KindInt     Kind = 0b001
	KindBuiltin Kind = 0b010
	KindSymbol  Kind = 0b011
	KindHandle  Kind = 0b100
)

const (
	kindMask     uint64 = 0b111
	payloadShift        = 3

	// Handle sub-fields: argument count below bit 32, handle ID above.
	handleIDShift              = 32
	handleArgCountShift        = 4
	handleArgCountMask  uint64 = 0xFFFF_FFFF
)

// Int range representable without heap allocation (61-bit signed).
const (
	MaxInlineInt int64 = (1 << 60) - 1
	MinInlineInt int64 = -(1 << 60)
)

func (k Kind) String() string {
	switch k {
	case KindPointer:
		return "Pointer"
	case KindInt:
		return "Int"
	case KindBuiltin:
		return "Builtin"
	case KindSymbol:
		return "Symbol"
	case KindHandle:
		return "Handle"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Kind returns the inline kind of v. An unrecognized tag pattern means
// the word did not come from this codec; that is a fatal decode error.
func (v Value) Kind() Kind {
	k := Kind(uint64(v) & kindMask)
	switch k {
	case KindPointer, KindInt, KindBuiltin, KindSymbol, KindHandle:
		return k
	}
	fatalf("unknown inline value tag in word %016x", uint64(v))
	return 0
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsPointer returns true if v is a heap pointer.
func (v Value) IsPointer() bool {
	return uint64(v)&kindMask == uint64(KindPointer)
}

// IsInt returns true if v is an inline integer.
func (v Value) IsInt() bool {
	return uint64(v)&kindMask == uint64(KindInt)
}

// IsBuiltin returns true if v is a builtin-function marker.
func (v Value) IsBuiltin() bool {
	return uint64(v)&kindMask == uint64(KindBuiltin)
}

// IsSymbol returns true if v is an interned symbol.
func (v Value) IsSymbol() bool {
	return uint64(v)&kindMask == uint64(KindSymbol)
}

// IsHandle returns true if v is a function-call handle.
func (v Value) IsHandle() bool {
	return uint64(v)&kindMask == uint64(KindHandle)
}

// ---------------------------------------------------------------------------
// Pointer operations
// ---------------------------------------------------------------------------

// Address is a byte offset into a Heap's word arena. Valid addresses are
// nonzero multiples of the word size.
type Address uint64

// Pointer returns the heap address encoded in v.
// Panics if v is not a pointer.
func (v Value) Pointer() Address {
	if !v.IsPointer() {
		panic("Value.Pointer: not a pointer")
	}
	return Address(v)
}

// FromPointer creates a Value from a heap address.
func FromPointer(addr Address) Value {
	if addr == 0 || addr&Address(kindMask) != 0 {
		fatalf("misaligned or null heap address %#x", uint64(addr))
	}
	return Value(addr)
}

// ---------------------------------------------------------------------------
// Int operations
// ---------------------------------------------------------------------------

// FitsInt reports whether n is representable as an inline integer.
func FitsInt(n int64) bool {
	return n >= MinInlineInt && n <= MaxInlineInt
}

// Int returns v as an int64, sign-extending the 61-bit payload.
// Panics if v is not an inline integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	return int64(v) >> payloadShift
}

// FromInt creates a Value from an int64.
// Panics if n is outside the inline range.
func FromInt(n int64) Value {
	if !FitsInt(n) {
		panic("FromInt: value out of inline range")
	}
	return Value(uint64(n)<<payloadShift | uint64(KindInt))
}

// TryFromInt creates a Value from an int64, returning false if n needs
// the heap big-integer representation.
func TryFromInt(n int64) (Value, bool) {
	if !FitsInt(n) {
		return 0, false
	}
	return FromInt(n), true
}

// ---------------------------------------------------------------------------
// Builtin operations
// ---------------------------------------------------------------------------

// BuiltinIndex returns the builtin-function index encoded in v.
// Panics if v is not a builtin marker.
func (v Value) BuiltinIndex() int {
	if !v.IsBuiltin() {
		panic("Value.BuiltinIndex: not a builtin")
	}
	return int(uint64(v) >> payloadShift)
}

// FromBuiltinIndex creates a builtin-function marker.
func FromBuiltinIndex(index int) Value {
	return Value(uint64(index)<<payloadShift | uint64(KindBuiltin))
}

// ---------------------------------------------------------------------------
// Symbol operations
// ---------------------------------------------------------------------------

// SymbolID identifies an interned symbol in a SymbolTable.
type SymbolID uint32

// Symbol returns the symbol ID encoded in v.
// Panics if v is not a symbol.
func (v Value) Symbol() SymbolID {
	if !v.IsSymbol() {
		panic("Value.Symbol: not a symbol")
	}
	return SymbolID(uint64(v) >> payloadShift)
}

// FromSymbol creates a Value from a symbol ID.
func FromSymbol(id SymbolID) Value {
	return Value(uint64(id)<<payloadShift | uint64(KindSymbol))
}

// ---------------------------------------------------------------------------
// Handle operations
// ---------------------------------------------------------------------------

// HandleID identifies a host-provided call handle.
type HandleID uint32

// FromHandle creates a function-call handle accepting argCount arguments.
func FromHandle(id HandleID, argCount int) Value {
	if argCount < 0 || uint64(argCount) > handleArgCountMask>>handleArgCountShift {
		fatalf("handle accepts too many arguments: %d", argCount)
	}
	return Value(uint64(id)<<handleIDShift |
		uint64(argCount)<<handleArgCountShift |
		uint64(KindHandle))
}

// Handle returns the handle ID encoded in v.
// Panics if v is not a handle.
func (v Value) Handle() HandleID {
	if !v.IsHandle() {
		panic("Value.Handle: not a handle")
	}
	return HandleID(uint64(v) >> handleIDShift)
}

// HandleArgCount returns the argument count a handle was declared with.
func (v Value) HandleArgCount() int {
	if !v.IsHandle() {
		panic("Value.HandleArgCount: not a handle")
	}
	return int((uint64(v) & handleArgCountMask) >> handleArgCountShift)
}

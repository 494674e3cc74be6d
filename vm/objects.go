package vm

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/big"
	"strings"
)

// ---------------------------------------------------------------------------
// Heap object layouts
// ---------------------------------------------------------------------------
//
// Every kind stores its packed fields above the counted bit, starting at
// bit 4. Payload layouts:
//
//   Int       header: sign bit 4, magnitude word count bits 5..
//             payload: magnitude words, little-endian
//   Tag       header: symbol ID bits 4..
//             payload: attached value
//   Text      header: byte length bits 4..
//             payload: UTF-8 bytes, zero-padded to whole words
//   Function  header: argument count bits 4..32, captured count bits 32..
//             payload: code offset, then captured values
//   List      header: element count bits 4..
//             payload: element values
//   Struct    header: field count bits 4..
//             payload: field hashes, then keys, then values
//   Foreign   payload: one external ID word
//
// Hashes are stored first in a struct so membership probes can reject
// mismatches without touching keys.

const (
	heapFieldShift = 4

	intSignFlag       uint64 = 1 << heapFieldShift
	intWordCountShift        = 5

	functionCapturedShift        = 32
	functionArgCountMask  uint64 = 0xFFFF_FFFF
)

func heapHeader(kind HeapKind, counted bool, field uint64) uint64 {
	header := uint64(kind) | field<<heapFieldShift
	if counted {
		header |= refCountedFlag
	}
	if header>>heapFieldShift != field {
		fatalf("heap header field %d too large for kind %s", field, kind)
	}
	return header
}

func (h *Heap) headerField(addr Address) uint64 {
	return h.header(addr) >> heapFieldShift
}

// payloadWords returns the payload size of the object at addr, derived
// from its header alone.
func (h *Heap) payloadWords(addr Address) int {
	switch h.Kind(addr) {
	case HeapInt:
		return int(h.header(addr) >> intWordCountShift)
	case HeapTag, HeapForeign:
		return 1
	case HeapText:
		return wordsForBytes(h.TextLen(addr))
	case HeapFunction:
		return 1 + h.FunctionCapturedLen(addr)
	case HeapList:
		return h.ListLen(addr)
	case HeapStruct:
		return 3 * h.StructLen(addr)
	default:
		fatalf("invalid heap kind in header at %#x", uint64(addr))
		return 0
	}
}

func wordsForBytes(n int) int {
	return (n + WordSize - 1) / WordSize
}

// ---------------------------------------------------------------------------
// Int (arbitrary precision, used only beyond the inline range)
// ---------------------------------------------------------------------------

// NewBigInt allocates a heap integer holding v.
func (h *Heap) NewBigInt(counted bool, v *big.Int) Value {
	words := bigToWords(v)
	field := uint64(len(words))<<(intWordCountShift-heapFieldShift) | boolBit(v.Sign() < 0)
	addr := h.allocate(heapHeader(HeapInt, counted, field), len(words))
	for i, w := range words {
		h.setContentWord(addr, i, w)
	}
	return FromPointer(addr)
}

// BigIntValue reads the heap integer at addr.
func (h *Heap) BigIntValue(addr Address) *big.Int {
	h.requireKind(addr, HeapInt)
	n := int(h.header(addr) >> intWordCountShift)
	words := make([]uint64, n)
	for i := range n {
		words[i] = h.contentWord(addr, i)
	}
	v := wordsToBig(words)
	if h.header(addr)&intSignFlag != 0 {
		v.Neg(v)
	}
	return v
}

// MakeInt yields the canonical representation of n: inline when it fits,
// a counted heap integer otherwise.
func (h *Heap) MakeInt(n *big.Int) Value {
	if n.IsInt64() {
		if v, ok := TryFromInt(n.Int64()); ok {
			return v
		}
	}
	return h.NewBigInt(true, n)
}

// IntValue reads any integer value, inline or heap.
func (h *Heap) IntValue(v Value) *big.Int {
	if v.IsInt() {
		return big.NewInt(v.Int())
	}
	return h.BigIntValue(v.Pointer())
}

// IsAnyInt reports whether v is an integer in either representation.
func (h *Heap) IsAnyInt(v Value) bool {
	return v.IsInt() || (v.IsPointer() && h.Kind(v.Pointer()) == HeapInt)
}

// bigToWords converts the magnitude to little-endian 64-bit words. Byte
// based rather than big.Bits so images agree across word sizes.
func bigToWords(v *big.Int) []uint64 {
	bytes := v.Bytes() // big-endian magnitude
	words := make([]uint64, wordsForBytes(len(bytes)))
	for i, b := range bytes {
		pos := len(bytes) - 1 - i // little-endian byte position
		words[pos/WordSize] |= uint64(b) << (8 * (pos % WordSize))
	}
	return words
}

func wordsToBig(words []uint64) *big.Int {
	bytes := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(bytes[i*WordSize:], w)
	}
	// big.Int.SetBytes wants big-endian.
	for l, r := 0, len(bytes)-1; l < r; l, r = l+1, r-1 {
		bytes[l], bytes[r] = bytes[r], bytes[l]
	}
	return new(big.Int).SetBytes(bytes)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Tag (symbol with an attached value)
// ---------------------------------------------------------------------------
//
// A tag without a value is always the inline symbol encoding; heap tags
// always carry a value.

// NewTag allocates a tag, taking ownership of value.
func (h *Heap) NewTag(counted bool, symbol SymbolID, value Value) Value {
	addr := h.allocate(heapHeader(HeapTag, counted, uint64(symbol)), 1)
	h.setContentWord(addr, 0, uint64(value))
	return FromPointer(addr)
}

// TagSymbol returns the tag's symbol.
func (h *Heap) TagSymbol(addr Address) SymbolID {
	h.requireKind(addr, HeapTag)
	return SymbolID(h.headerField(addr))
}

// TagValue returns the tag's attached value.
func (h *Heap) TagValue(addr Address) Value {
	h.requireKind(addr, HeapTag)
	return Value(h.contentWord(addr, 0))
}

// ---------------------------------------------------------------------------
// Text
// ---------------------------------------------------------------------------

// NewText allocates a text object. Zero-length text is legal and
// occupies only header and count words.
func (h *Heap) NewText(counted bool, s string) Value {
	addr := h.allocate(heapHeader(HeapText, counted, uint64(len(s))), wordsForBytes(len(s)))
	for i := 0; i < len(s); i++ {
		word := h.contentWord(addr, i/WordSize)
		word |= uint64(s[i]) << (8 * (i % WordSize))
		h.setContentWord(addr, i/WordSize, word)
	}
	return FromPointer(addr)
}

// TextLen returns the byte length of the text at addr.
func (h *Heap) TextLen(addr Address) int {
	h.requireKind(addr, HeapText)
	return int(h.headerField(addr))
}

// TextString reads the text at addr.
func (h *Heap) TextString(addr Address) string {
	n := h.TextLen(addr)
	bytes := make([]byte, n)
	for i := range n {
		bytes[i] = byte(h.contentWord(addr, i/WordSize) >> (8 * (i % WordSize)))
	}
	return string(bytes)
}

// IsText reports whether v points to a text object.
func (h *Heap) IsText(v Value) bool {
	return v.IsPointer() && h.Kind(v.Pointer()) == HeapText
}

// ---------------------------------------------------------------------------
// Function (closure)
// ---------------------------------------------------------------------------

// NewFunction allocates a closure, taking ownership of the captured
// values. body is an absolute offset into the instruction array.
func (h *Heap) NewFunction(counted bool, argCount int, captured []Value, body int) Value {
	field := uint64(len(captured))<<(functionCapturedShift-heapFieldShift) | uint64(argCount)
	addr := h.allocate(heapHeader(HeapFunction, counted, field), 1+len(captured))
	h.setContentWord(addr, 0, uint64(body))
	for i, c := range captured {
		h.setContentWord(addr, 1+i, uint64(c))
	}
	return FromPointer(addr)
}

// FunctionArgCount returns the declared parameter count.
func (h *Heap) FunctionArgCount(addr Address) int {
	h.requireKind(addr, HeapFunction)
	return int((h.header(addr) & functionArgCountMask) >> heapFieldShift)
}

// FunctionCapturedLen returns the number of captured values.
func (h *Heap) FunctionCapturedLen(addr Address) int {
	h.requireKind(addr, HeapFunction)
	return int(h.header(addr) >> functionCapturedShift)
}

// FunctionBody returns the closure's code offset.
func (h *Heap) FunctionBody(addr Address) int {
	h.requireKind(addr, HeapFunction)
	return int(h.contentWord(addr, 0))
}

// FunctionCaptured returns the i-th captured value.
func (h *Heap) FunctionCaptured(addr Address, i int) Value {
	h.requireKind(addr, HeapFunction)
	return Value(h.contentWord(addr, 1+i))
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

// NewList allocates a list, taking ownership of the items. Zero-length
// lists are legal.
func (h *Heap) NewList(counted bool, items []Value) Value {
	addr := h.allocate(heapHeader(HeapList, counted, uint64(len(items))), len(items))
	for i, item := range items {
		h.setContentWord(addr, i, uint64(item))
	}
	return FromPointer(addr)
}

// ListLen returns the element count.
func (h *Heap) ListLen(addr Address) int {
	h.requireKind(addr, HeapList)
	return int(h.headerField(addr))
}

// ListItem returns the i-th element.
func (h *Heap) ListItem(addr Address, i int) Value {
	if i < 0 || i >= h.ListLen(addr) {
		fatalf("list index %d out of range", i)
	}
	return Value(h.contentWord(addr, i))
}

// ---------------------------------------------------------------------------
// Struct (record)
// ---------------------------------------------------------------------------

// NewStruct allocates a record from parallel key/value slices, taking
// ownership of both. Keys must be distinct under structural equality;
// the producer guarantees this.
func (h *Heap) NewStruct(counted bool, keys, values []Value) Value {
	if len(keys) != len(values) {
		fatalf("struct keys/values length mismatch: %d vs %d", len(keys), len(values))
	}
	n := len(keys)
	addr := h.allocate(heapHeader(HeapStruct, counted, uint64(n)), 3*n)
	for i, k := range keys {
		h.setContentWord(addr, i, h.ValueHash(k))
		h.setContentWord(addr, n+i, uint64(k))
		h.setContentWord(addr, 2*n+i, uint64(values[i]))
	}
	return FromPointer(addr)
}

// StructLen returns the field count.
func (h *Heap) StructLen(addr Address) int {
	h.requireKind(addr, HeapStruct)
	return int(h.headerField(addr))
}

// StructKey returns the i-th key.
func (h *Heap) StructKey(addr Address, i int) Value {
	n := h.StructLen(addr)
	return Value(h.contentWord(addr, n+i))
}

// StructValue returns the i-th value.
func (h *Heap) StructValue(addr Address, i int) Value {
	n := h.StructLen(addr)
	return Value(h.contentWord(addr, 2*n+i))
}

// StructFindKey scans for key, rejecting on the stored hash before
// comparing structurally. Keys are unique, so the first match wins.
func (h *Heap) StructFindKey(addr Address, key Value) (int, bool) {
	hash := h.ValueHash(key)
	for i := range h.StructLen(addr) {
		if h.contentWord(addr, i) != hash {
			continue
		}
		if h.Equals(h.StructKey(addr, i), key) {
			return i, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Foreign (external ID)
// ---------------------------------------------------------------------------

// NewForeign allocates an object holding an opaque external ID.
func (h *Heap) NewForeign(counted bool, id uint64) Value {
	addr := h.allocate(heapHeader(HeapForeign, counted, 0), 1)
	h.setContentWord(addr, 0, id)
	return FromPointer(addr)
}

// ForeignID returns the external ID.
func (h *Heap) ForeignID(addr Address) uint64 {
	h.requireKind(addr, HeapForeign)
	return h.contentWord(addr, 0)
}

func (h *Heap) requireKind(addr Address, kind HeapKind) {
	if h.Kind(addr) != kind {
		fatalf("heap object at %#x is %s, expected %s", uint64(addr), h.Kind(addr), kind)
	}
}

// ---------------------------------------------------------------------------
// Structural equality and hashing
// ---------------------------------------------------------------------------

// Equals implements structural equality: kinds must agree, then contents
// are compared per kind. Integers compare by value across the inline and
// heap representations; cross-kind comparisons are definitely unequal.
func (h *Heap) Equals(a, b Value) bool {
	if a == b {
		// Identical pointers short-circuit; identical inline words are
		// equal by construction.
		return true
	}
	if h.IsAnyInt(a) || h.IsAnyInt(b) {
		return h.IsAnyInt(a) && h.IsAnyInt(b) && h.IntValue(a).Cmp(h.IntValue(b)) == 0
	}
	if !a.IsPointer() || !b.IsPointer() {
		// Symbols, builtins, and handles compare by word identity.
		return false
	}
	ka, kb := h.Kind(a.Pointer()), h.Kind(b.Pointer())
	if ka != kb {
		return false
	}
	switch ka {
	case HeapText:
		return h.TextString(a.Pointer()) == h.TextString(b.Pointer())
	case HeapTag:
		return h.TagSymbol(a.Pointer()) == h.TagSymbol(b.Pointer()) &&
			h.Equals(h.TagValue(a.Pointer()), h.TagValue(b.Pointer()))
	case HeapList:
		n := h.ListLen(a.Pointer())
		if n != h.ListLen(b.Pointer()) {
			return false
		}
		for i := range n {
			if !h.Equals(h.ListItem(a.Pointer(), i), h.ListItem(b.Pointer(), i)) {
				return false
			}
		}
		return true
	case HeapStruct:
		n := h.StructLen(a.Pointer())
		if n != h.StructLen(b.Pointer()) {
			return false
		}
		for i := range n {
			j, ok := h.StructFindKey(b.Pointer(), h.StructKey(a.Pointer(), i))
			if !ok || !h.Equals(h.StructValue(a.Pointer(), i), h.StructValue(b.Pointer(), j)) {
				return false
			}
		}
		return true
	default:
		// Functions and foreign IDs compare by identity, which already
		// failed above.
		return false
	}
}

// ValueHash returns a structural hash consistent with Equals. Struct
// entries combine order-independently so field order never matters.
func (h *Heap) ValueHash(v Value) uint64 {
	hash := fnv.New64a()
	var buf [WordSize]byte
	writeWord := func(w uint64) {
		binary.LittleEndian.PutUint64(buf[:], w)
		hash.Write(buf[:])
	}

	if h.IsAnyInt(v) {
		n := h.IntValue(v)
		writeWord(uint64(HeapInt))
		writeWord(boolBit(n.Sign() < 0))
		hash.Write(n.Bytes())
		return hash.Sum64()
	}
	if !v.IsPointer() {
		writeWord(uint64(v))
		return hash.Sum64()
	}
	addr := v.Pointer()
	switch h.Kind(addr) {
	case HeapText:
		writeWord(uint64(HeapText))
		hash.Write([]byte(h.TextString(addr)))
	case HeapTag:
		writeWord(uint64(HeapTag))
		writeWord(uint64(h.TagSymbol(addr)))
		writeWord(h.ValueHash(h.TagValue(addr)))
	case HeapList:
		writeWord(uint64(HeapList))
		for i := range h.ListLen(addr) {
			writeWord(h.ValueHash(h.ListItem(addr, i)))
		}
	case HeapStruct:
		writeWord(uint64(HeapStruct))
		var sum uint64
		for i := range h.StructLen(addr) {
			sum += h.contentWord(addr, i) ^ h.ValueHash(h.StructValue(addr, i))
		}
		writeWord(sum)
	default:
		writeWord(uint64(addr))
	}
	return hash.Sum64()
}

// ---------------------------------------------------------------------------
// Debug formatting
// ---------------------------------------------------------------------------

// DebugText renders v for diagnostics and the toDebugText builtin.
func DebugText(h *Heap, symbols *SymbolTable, v Value) string {
	switch v.Kind() {
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindSymbol:
		return symbols.Name(v.Symbol())
	case KindBuiltin:
		return "builtin " + BuiltinName(v.BuiltinIndex())
	case KindHandle:
		return fmt.Sprintf("handle %d/%d", v.Handle(), v.HandleArgCount())
	}
	addr := v.Pointer()
	switch h.Kind(addr) {
	case HeapInt:
		return h.BigIntValue(addr).String()
	case HeapText:
		return fmt.Sprintf("%q", h.TextString(addr))
	case HeapTag:
		return fmt.Sprintf("%s (%s)", symbols.Name(h.TagSymbol(addr)),
			DebugText(h, symbols, h.TagValue(addr)))
	case HeapList:
		var parts []string
		for i := range h.ListLen(addr) {
			parts = append(parts, DebugText(h, symbols, h.ListItem(addr, i)))
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case HeapStruct:
		var parts []string
		for i := range h.StructLen(addr) {
			parts = append(parts, DebugText(h, symbols, h.StructKey(addr, i))+
				": "+DebugText(h, symbols, h.StructValue(addr, i)))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case HeapFunction:
		return fmt.Sprintf("{ %d args }", h.FunctionArgCount(addr))
	case HeapForeign:
		return fmt.Sprintf("foreign %d", h.ForeignID(addr))
	default:
		return "<invalid>"
	}
}

package vm

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// ---------------------------------------------------------------------------
// Builtin functions
// ---------------------------------------------------------------------------
//
// Builtins are addressed by a stable index; the table below is the ABI
// and is append-only. Arguments are borrowed from the machine, which
// releases them after the builtin returns; the result is owned by the
// caller, so a builtin returning (part of) an argument retains it first.
//
// Precondition violations (wrong type, out-of-range index) are contract
// panics attributed to the caller's innermost needs scope, never Go
// errors: user code observes them exactly like a failed needs.

// Builtin indices. The numbering is part of the image format.
const (
	BuiltinEquals = iota
	BuiltinFunctionRun
	BuiltinGetArgumentCount
	BuiltinIfElse
	BuiltinIntAdd
	BuiltinIntBitLength
	BuiltinIntBitwiseAnd
	BuiltinIntBitwiseOr
	BuiltinIntBitwiseXor
	BuiltinIntCompareTo
	BuiltinIntDivideTruncating
	BuiltinIntModulo
	BuiltinIntMultiply
	BuiltinIntParse
	BuiltinIntRemainder
	BuiltinIntShiftLeft
	BuiltinIntShiftRight
	BuiltinIntSubtract
	BuiltinListFilled
	BuiltinListGet
	BuiltinListInsert
	BuiltinListLength
	BuiltinListRemoveAt
	BuiltinListReplace
	BuiltinPrint
	BuiltinStructGet
	BuiltinStructGetKeys
	BuiltinStructHasKey
	BuiltinTagGetValue
	BuiltinTagHasValue
	BuiltinTagWithoutValue
	BuiltinTextCharacters
	BuiltinTextConcatenate
	BuiltinTextContains
	BuiltinTextEndsWith
	BuiltinTextGetRange
	BuiltinTextIsEmpty
	BuiltinTextLength
	BuiltinTextStartsWith
	BuiltinTextTrimEnd
	BuiltinTextTrimStart
	BuiltinToDebugText
	BuiltinTypeOf

	builtinCount
)

type builtinFunc func(m *Machine, args []Value) Value

type builtinEntry struct {
	name     string
	argCount int
	fn       builtinFunc
}

// builtinTable is populated in init rather than with a composite literal:
// several builtins can raise, and raise formats values via BuiltinName,
// which reads the table back — a package-level initializer would be an
// initialization cycle.
var builtinTable [builtinCount]builtinEntry

func init() {
	builtinTable = [builtinCount]builtinEntry{
		BuiltinEquals:              {"equals", 2, builtinEquals},
		BuiltinFunctionRun:         {"functionRun", 1, nil}, // control flow, dispatched directly
		BuiltinGetArgumentCount:    {"getArgumentCount", 1, builtinGetArgumentCount},
		BuiltinIfElse:              {"ifElse", 3, nil}, // control flow, dispatched directly
		BuiltinIntAdd:              {"intAdd", 2, builtinIntAdd},
		BuiltinIntBitLength:        {"intBitLength", 1, builtinIntBitLength},
		BuiltinIntBitwiseAnd:       {"intBitwiseAnd", 2, builtinIntBitwiseAnd},
		BuiltinIntBitwiseOr:        {"intBitwiseOr", 2, builtinIntBitwiseOr},
		BuiltinIntBitwiseXor:       {"intBitwiseXor", 2, builtinIntBitwiseXor},
		BuiltinIntCompareTo:        {"intCompareTo", 2, builtinIntCompareTo},
		BuiltinIntDivideTruncating: {"intDivideTruncating", 2, builtinIntDivideTruncating},
		BuiltinIntModulo:           {"intModulo", 2, builtinIntModulo},
		BuiltinIntMultiply:         {"intMultiply", 2, builtinIntMultiply},
		BuiltinIntParse:            {"intParse", 1, builtinIntParse},
		BuiltinIntRemainder:        {"intRemainder", 2, builtinIntRemainder},
		BuiltinIntShiftLeft:        {"intShiftLeft", 2, builtinIntShiftLeft},
		BuiltinIntShiftRight:       {"intShiftRight", 2, builtinIntShiftRight},
		BuiltinIntSubtract:         {"intSubtract", 2, builtinIntSubtract},
		BuiltinListFilled:          {"listFilled", 2, builtinListFilled},
		BuiltinListGet:             {"listGet", 2, builtinListGet},
		BuiltinListInsert:          {"listInsert", 3, builtinListInsert},
		BuiltinListLength:          {"listLength", 1, builtinListLength},
		BuiltinListRemoveAt:        {"listRemoveAt", 2, builtinListRemoveAt},
		BuiltinListReplace:         {"listReplace", 3, builtinListReplace},
		BuiltinPrint:               {"print", 1, builtinPrint},
		BuiltinStructGet:           {"structGet", 2, builtinStructGet},
		BuiltinStructGetKeys:       {"structGetKeys", 1, builtinStructGetKeys},
		BuiltinStructHasKey:        {"structHasKey", 2, builtinStructHasKey},
		BuiltinTagGetValue:         {"tagGetValue", 1, builtinTagGetValue},
		BuiltinTagHasValue:         {"tagHasValue", 1, builtinTagHasValue},
		BuiltinTagWithoutValue:     {"tagWithoutValue", 1, builtinTagWithoutValue},
		BuiltinTextCharacters:      {"textCharacters", 1, builtinTextCharacters},
		BuiltinTextConcatenate:     {"textConcatenate", 2, builtinTextConcatenate},
		BuiltinTextContains:        {"textContains", 2, builtinTextContains},
		BuiltinTextEndsWith:        {"textEndsWith", 2, builtinTextEndsWith},
		BuiltinTextGetRange:        {"textGetRange", 3, builtinTextGetRange},
		BuiltinTextIsEmpty:         {"textIsEmpty", 1, builtinTextIsEmpty},
		BuiltinTextLength:          {"textLength", 1, builtinTextLength},
		BuiltinTextStartsWith:      {"textStartsWith", 2, builtinTextStartsWith},
		BuiltinTextTrimEnd:         {"textTrimEnd", 1, builtinTextTrimEnd},
		BuiltinTextTrimStart:       {"textTrimStart", 1, builtinTextTrimStart},
		BuiltinToDebugText:         {"toDebugText", 1, builtinToDebugText},
		BuiltinTypeOf:              {"typeOf", 1, builtinTypeOf},
	}
	builtinsByName = make(map[string]int, builtinCount)
	for i, b := range builtinTable {
		builtinsByName[b.name] = i
	}
}

var builtinsByName map[string]int

// BuiltinName returns the canonical name of a builtin index.
func BuiltinName(index int) string {
	if index < 0 || index >= builtinCount {
		return fmt.Sprintf("invalid(%d)", index)
	}
	return builtinTable[index].name
}

// BuiltinByName returns the builtin value for a canonical name.
func BuiltinByName(name string) (Value, bool) {
	index, ok := builtinsByName[name]
	if !ok {
		return 0, false
	}
	return FromBuiltinIndex(index), true
}

// callBuiltin dispatches a builtin call. ifElse and functionRun transfer
// control instead of producing a value, so they go through the regular
// call path with the chosen callee.
func (m *Machine) callBuiltin(index int, args []Value, returnTo int64) {
	if index < 0 || index >= builtinCount {
		fatalf("builtin index %d out of range", index)
	}
	b := builtinTable[index]
	if len(args) != b.argCount {
		m.raise(fmt.Sprintf("builtin %s takes %d arguments, got %d",
			b.name, b.argCount, len(args)), FromBuiltinIndex(index))
	}

	switch index {
	case BuiltinIfElse:
		condition := args[0]
		if !condition.IsSymbol() ||
			(condition.Symbol() != SymbolTrue && condition.Symbol() != SymbolFalse) {
			m.raise("ifElse condition must be True or False", condition)
		}
		chosen := args[1]
		if condition.Symbol() == SymbolFalse {
			chosen = args[2]
		}
		m.heap.Retain(chosen, 1)
		m.releaseAll(args)
		m.call(chosen, nil, returnTo)
	case BuiltinFunctionRun:
		fn := args[0]
		m.heap.Retain(fn, 1)
		m.releaseAll(args)
		m.call(fn, nil, returnTo)
	default:
		result := b.fn(m, args)
		m.releaseAll(args)
		m.returnTo(returnTo, result)
	}
}

// ---------------------------------------------------------------------------
// Argument checking
// ---------------------------------------------------------------------------

func (m *Machine) wantInt(v Value) *big.Int {
	if !m.heap.IsAnyInt(v) {
		m.raise("expected an int", v)
	}
	return m.heap.IntValue(v)
}

func (m *Machine) wantText(v Value) string {
	if !m.heap.IsText(v) {
		m.raise("expected a text", v)
	}
	return m.heap.TextString(v.Pointer())
}

func (m *Machine) wantList(v Value) Address {
	if !v.IsPointer() || m.heap.Kind(v.Pointer()) != HeapList {
		m.raise("expected a list", v)
	}
	return v.Pointer()
}

func (m *Machine) wantStruct(v Value) Address {
	if !v.IsPointer() || m.heap.Kind(v.Pointer()) != HeapStruct {
		m.raise("expected a struct", v)
	}
	return v.Pointer()
}

// wantIndex checks an int argument against a container length.
func (m *Machine) wantIndex(v Value, length int) int {
	n := m.wantInt(v)
	if !n.IsInt64() || n.Int64() < 0 || n.Int64() >= int64(length) {
		m.raise(fmt.Sprintf("index %s out of range, length is %d", n, length), v)
	}
	return int(n.Int64())
}

// ---------------------------------------------------------------------------
// Generic
// ---------------------------------------------------------------------------

func builtinEquals(m *Machine, args []Value) Value {
	return FromBool(m.heap.Equals(args[0], args[1]))
}

func builtinGetArgumentCount(m *Machine, args []Value) Value {
	v := args[0]
	switch {
	case v.IsPointer() && m.heap.Kind(v.Pointer()) == HeapFunction:
		return FromInt(int64(m.heap.FunctionArgCount(v.Pointer())))
	case v.IsBuiltin():
		return FromInt(int64(builtinTable[v.BuiltinIndex()].argCount))
	case v.IsHandle():
		return FromInt(int64(v.HandleArgCount()))
	default:
		m.raise("expected a function", v)
		return 0
	}
}

func builtinToDebugText(m *Machine, args []Value) Value {
	return m.heap.NewText(true, DebugText(m.heap, m.prog.Symbols, args[0]))
}

func builtinTypeOf(m *Machine, args []Value) Value {
	v := args[0]
	switch v.Kind() {
	case KindInt:
		return FromSymbol(SymbolInt)
	case KindSymbol:
		return FromSymbol(SymbolTag)
	case KindBuiltin, KindHandle:
		return FromSymbol(SymbolFunction)
	}
	switch m.heap.Kind(v.Pointer()) {
	case HeapInt:
		return FromSymbol(SymbolInt)
	case HeapText:
		return FromSymbol(SymbolText)
	case HeapTag:
		return FromSymbol(SymbolTag)
	case HeapList:
		return FromSymbol(SymbolList)
	case HeapStruct:
		return FromSymbol(SymbolStruct)
	case HeapFunction:
		return FromSymbol(SymbolFunction)
	default:
		return FromSymbol(SymbolForeign)
	}
}

func builtinPrint(m *Machine, args []Value) Value {
	message := m.wantText(args[0])
	fmt.Fprintln(m.out, message)
	return Nothing()
}

// ---------------------------------------------------------------------------
// Int
// ---------------------------------------------------------------------------

func builtinIntAdd(m *Machine, args []Value) Value {
	a, b := args[0], args[1]
	if a.IsInt() && b.IsInt() {
		// Inline payloads are 61-bit, so the int64 sum cannot overflow.
		if v, ok := TryFromInt(a.Int() + b.Int()); ok {
			return v
		}
	}
	return m.heap.MakeInt(new(big.Int).Add(m.wantInt(a), m.wantInt(b)))
}

func builtinIntSubtract(m *Machine, args []Value) Value {
	a, b := args[0], args[1]
	if a.IsInt() && b.IsInt() {
		if v, ok := TryFromInt(a.Int() - b.Int()); ok {
			return v
		}
	}
	return m.heap.MakeInt(new(big.Int).Sub(m.wantInt(a), m.wantInt(b)))
}

func builtinIntMultiply(m *Machine, args []Value) Value {
	return m.heap.MakeInt(new(big.Int).Mul(m.wantInt(args[0]), m.wantInt(args[1])))
}

func builtinIntDivideTruncating(m *Machine, args []Value) Value {
	a, b := m.wantInt(args[0]), m.wantInt(args[1])
	if b.Sign() == 0 {
		m.raise("division by zero", args[1])
	}
	return m.heap.MakeInt(new(big.Int).Quo(a, b))
}

// intModulo is Euclidean: the result has the sign of the divisor's
// magnitude, never negative for a positive divisor.
func builtinIntModulo(m *Machine, args []Value) Value {
	a, b := m.wantInt(args[0]), m.wantInt(args[1])
	if b.Sign() == 0 {
		m.raise("modulo by zero", args[1])
	}
	return m.heap.MakeInt(new(big.Int).Mod(a, b))
}

// intRemainder truncates like the division builtin: the result has the
// sign of the dividend.
func builtinIntRemainder(m *Machine, args []Value) Value {
	a, b := m.wantInt(args[0]), m.wantInt(args[1])
	if b.Sign() == 0 {
		m.raise("remainder by zero", args[1])
	}
	return m.heap.MakeInt(new(big.Int).Rem(a, b))
}

func builtinIntCompareTo(m *Machine, args []Value) Value {
	switch m.wantInt(args[0]).Cmp(m.wantInt(args[1])) {
	case -1:
		return FromSymbol(SymbolLess)
	case 0:
		return FromSymbol(SymbolEqual)
	default:
		return FromSymbol(SymbolGreater)
	}
}

func builtinIntBitLength(m *Machine, args []Value) Value {
	return FromInt(int64(m.wantInt(args[0]).BitLen()))
}

func builtinIntBitwiseAnd(m *Machine, args []Value) Value {
	return m.heap.MakeInt(new(big.Int).And(m.wantInt(args[0]), m.wantInt(args[1])))
}

func builtinIntBitwiseOr(m *Machine, args []Value) Value {
	return m.heap.MakeInt(new(big.Int).Or(m.wantInt(args[0]), m.wantInt(args[1])))
}

func builtinIntBitwiseXor(m *Machine, args []Value) Value {
	return m.heap.MakeInt(new(big.Int).Xor(m.wantInt(args[0]), m.wantInt(args[1])))
}

// maxShift bounds shift amounts so a single instruction cannot allocate
// an absurd integer before the heap limit would catch it.
const maxShift = 1 << 20

func (m *Machine) wantShiftAmount(v Value) uint {
	n := m.wantInt(v)
	if n.Sign() < 0 {
		m.raise("shift amount must not be negative", v)
	}
	if !n.IsInt64() || n.Int64() > maxShift {
		m.raise("shift amount too large", v)
	}
	return uint(n.Int64())
}

func builtinIntShiftLeft(m *Machine, args []Value) Value {
	return m.heap.MakeInt(new(big.Int).Lsh(m.wantInt(args[0]), m.wantShiftAmount(args[1])))
}

func builtinIntShiftRight(m *Machine, args []Value) Value {
	return m.heap.MakeInt(new(big.Int).Rsh(m.wantInt(args[0]), m.wantShiftAmount(args[1])))
}

func builtinIntParse(m *Machine, args []Value) Value {
	text := m.wantText(args[0])
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		reason := m.heap.NewText(true, "not an integer")
		return m.heap.NewTag(true, SymbolError, reason)
	}
	return m.heap.NewTag(true, SymbolOk, m.heap.MakeInt(n))
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func builtinListFilled(m *Machine, args []Value) Value {
	n := m.wantInt(args[0])
	if n.Sign() < 0 || !n.IsInt64() {
		m.raise("list length must be a non-negative int", args[0])
	}
	length := int(n.Int64())
	// The heap limit must trip before the Go-side slice is built.
	if max := m.heap.maxWords; max > 0 && length > max-2 {
		limitExceeded("heap", max)
	}
	item := args[1]
	m.heap.Retain(item, length)
	items := make([]Value, length)
	for i := range items {
		items[i] = item
	}
	return m.heap.NewList(true, items)
}

func builtinListGet(m *Machine, args []Value) Value {
	list := m.wantList(args[0])
	i := m.wantIndex(args[1], m.heap.ListLen(list))
	item := m.heap.ListItem(list, i)
	m.heap.Retain(item, 1)
	return item
}

func builtinListLength(m *Machine, args []Value) Value {
	return FromInt(int64(m.heap.ListLen(m.wantList(args[0]))))
}

func builtinListInsert(m *Machine, args []Value) Value {
	list := m.wantList(args[0])
	length := m.heap.ListLen(list)
	// Insertion at the end is legal, so the bound is length, not length-1.
	n := m.wantInt(args[1])
	if !n.IsInt64() || n.Int64() < 0 || n.Int64() > int64(length) {
		m.raise(fmt.Sprintf("index %s out of range, length is %d", n, length), args[1])
	}
	at := int(n.Int64())
	item := args[2]

	items := make([]Value, 0, length+1)
	for i := range length {
		if i == at {
			items = append(items, item)
		}
		items = append(items, m.heap.ListItem(list, i))
	}
	if at == length {
		items = append(items, item)
	}
	for _, v := range items {
		m.heap.Retain(v, 1)
	}
	return m.heap.NewList(true, items)
}

func builtinListRemoveAt(m *Machine, args []Value) Value {
	list := m.wantList(args[0])
	length := m.heap.ListLen(list)
	at := m.wantIndex(args[1], length)

	items := make([]Value, 0, length-1)
	for i := range length {
		if i == at {
			continue
		}
		item := m.heap.ListItem(list, i)
		m.heap.Retain(item, 1)
		items = append(items, item)
	}
	return m.heap.NewList(true, items)
}

func builtinListReplace(m *Machine, args []Value) Value {
	list := m.wantList(args[0])
	length := m.heap.ListLen(list)
	at := m.wantIndex(args[1], length)

	items := make([]Value, length)
	for i := range length {
		if i == at {
			items[i] = args[2]
		} else {
			items[i] = m.heap.ListItem(list, i)
		}
		m.heap.Retain(items[i], 1)
	}
	return m.heap.NewList(true, items)
}

// ---------------------------------------------------------------------------
// Struct
// ---------------------------------------------------------------------------

func builtinStructGet(m *Machine, args []Value) Value {
	s := m.wantStruct(args[0])
	i, ok := m.heap.StructFindKey(s, args[1])
	if !ok {
		m.raise("struct does not contain key "+DebugText(m.heap, m.prog.Symbols, args[1]), args[1])
	}
	value := m.heap.StructValue(s, i)
	m.heap.Retain(value, 1)
	return value
}

func builtinStructGetKeys(m *Machine, args []Value) Value {
	s := m.wantStruct(args[0])
	n := m.heap.StructLen(s)
	keys := make([]Value, n)
	for i := range n {
		keys[i] = m.heap.StructKey(s, i)
		m.heap.Retain(keys[i], 1)
	}
	return m.heap.NewList(true, keys)
}

func builtinStructHasKey(m *Machine, args []Value) Value {
	_, ok := m.heap.StructFindKey(m.wantStruct(args[0]), args[1])
	return FromBool(ok)
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

func (m *Machine) wantTag(v Value) (SymbolID, Value, bool) {
	if v.IsSymbol() {
		return v.Symbol(), 0, false
	}
	if v.IsPointer() && m.heap.Kind(v.Pointer()) == HeapTag {
		return m.heap.TagSymbol(v.Pointer()), m.heap.TagValue(v.Pointer()), true
	}
	m.raise("expected a tag", v)
	return 0, 0, false
}

func builtinTagGetValue(m *Machine, args []Value) Value {
	_, value, hasValue := m.wantTag(args[0])
	if !hasValue {
		m.raise("tag has no value", args[0])
	}
	m.heap.Retain(value, 1)
	return value
}

func builtinTagHasValue(m *Machine, args []Value) Value {
	_, _, hasValue := m.wantTag(args[0])
	return FromBool(hasValue)
}

func builtinTagWithoutValue(m *Machine, args []Value) Value {
	symbol, _, _ := m.wantTag(args[0])
	return FromSymbol(symbol)
}

// ---------------------------------------------------------------------------
// Text
// ---------------------------------------------------------------------------
//
// Character-level builtins operate on Unicode code points.

func builtinTextCharacters(m *Machine, args []Value) Value {
	text := m.wantText(args[0])
	var chars []Value
	for _, r := range text {
		chars = append(chars, m.heap.NewText(true, string(r)))
	}
	return m.heap.NewList(true, chars)
}

func builtinTextConcatenate(m *Machine, args []Value) Value {
	return m.heap.NewText(true, m.wantText(args[0])+m.wantText(args[1]))
}

func builtinTextContains(m *Machine, args []Value) Value {
	return FromBool(strings.Contains(m.wantText(args[0]), m.wantText(args[1])))
}

func builtinTextStartsWith(m *Machine, args []Value) Value {
	return FromBool(strings.HasPrefix(m.wantText(args[0]), m.wantText(args[1])))
}

func builtinTextEndsWith(m *Machine, args []Value) Value {
	return FromBool(strings.HasSuffix(m.wantText(args[0]), m.wantText(args[1])))
}

func builtinTextGetRange(m *Machine, args []Value) Value {
	runes := []rune(m.wantText(args[0]))
	start := m.wantRangeBound(args[1], len(runes))
	end := m.wantRangeBound(args[2], len(runes))
	if start > end {
		m.raise(fmt.Sprintf("range start %d is after end %d", start, end), args[1])
	}
	return m.heap.NewText(true, string(runes[start:end]))
}

// wantRangeBound allows length itself, for the exclusive end.
func (m *Machine) wantRangeBound(v Value, length int) int {
	n := m.wantInt(v)
	if !n.IsInt64() || n.Int64() < 0 || n.Int64() > int64(length) {
		m.raise(fmt.Sprintf("range bound %s out of range, length is %d", n, length), v)
	}
	return int(n.Int64())
}

func builtinTextIsEmpty(m *Machine, args []Value) Value {
	return FromBool(m.wantText(args[0]) == "")
}

func builtinTextLength(m *Machine, args []Value) Value {
	return FromInt(int64(len([]rune(m.wantText(args[0])))))
}

func builtinTextTrimStart(m *Machine, args []Value) Value {
	return m.heap.NewText(true, strings.TrimLeftFunc(m.wantText(args[0]), unicode.IsSpace))
}

func builtinTextTrimEnd(m *Machine, args []Value) Value {
	return m.heap.NewText(true, strings.TrimRightFunc(m.wantText(args[0]), unicode.IsSpace))
}

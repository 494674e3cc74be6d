package vm

import (
	"math/big"
	"strings"
	"testing"
)

// testMachine builds a machine around an empty program, for driving
// builtins directly.
func testMachine(t *testing.T) *Machine {
	t.Helper()
	b := NewBuilder()
	b.Label("entry")
	b.Emit(OpCreateSymbol, int64(SymbolNothing))
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)
	return NewMachine(mustBuild(t, b))
}

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*Panic); !ok {
			t.Errorf("%s should raise a contract panic", what)
		}
	}()
	f()
}

// ---------------------------------------------------------------------------
// Table sanity
// ---------------------------------------------------------------------------

func TestBuiltinTableComplete(t *testing.T) {
	for i, b := range builtinTable {
		if b.name == "" {
			t.Errorf("builtin %d has no name", i)
		}
		if b.fn == nil && i != BuiltinIfElse && i != BuiltinFunctionRun {
			t.Errorf("builtin %s has no implementation", b.name)
		}
	}
	if BuiltinName(BuiltinIntAdd) != "intAdd" {
		t.Error("BuiltinName broken")
	}
	if v, ok := BuiltinByName("equals"); !ok || v.BuiltinIndex() != BuiltinEquals {
		t.Error("BuiltinByName broken")
	}
	if _, ok := BuiltinByName("noSuchBuiltin"); ok {
		t.Error("BuiltinByName accepted an unknown name")
	}
}

// ---------------------------------------------------------------------------
// Int builtins
// ---------------------------------------------------------------------------

func TestIntAddOverflowPromotes(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	sum := builtinIntAdd(m, []Value{FromInt(MaxInlineInt), FromInt(1)})
	if !sum.IsPointer() || h.Kind(sum.Pointer()) != HeapInt {
		t.Fatal("overflowing sum must promote to the heap")
	}
	back := builtinIntSubtract(m, []Value{sum, FromInt(1)})
	if back != FromInt(MaxInlineInt) {
		t.Error("shrinking result must re-inline")
	}
}

func TestIntArithmetic(t *testing.T) {
	m := testMachine(t)
	if builtinIntAdd(m, []Value{FromInt(2), FromInt(3)}) != FromInt(5) {
		t.Error("2+3")
	}
	if builtinIntMultiply(m, []Value{FromInt(-4), FromInt(6)}) != FromInt(-24) {
		t.Error("-4*6")
	}
	if builtinIntDivideTruncating(m, []Value{FromInt(-7), FromInt(2)}) != FromInt(-3) {
		t.Error("-7/2 should truncate toward zero")
	}
	if builtinIntRemainder(m, []Value{FromInt(-7), FromInt(2)}) != FromInt(-1) {
		t.Error("-7 rem 2 keeps the dividend's sign")
	}
	if builtinIntModulo(m, []Value{FromInt(-7), FromInt(2)}) != FromInt(1) {
		t.Error("-7 mod 2 is Euclidean")
	}
	expectPanic(t, "division by zero", func() {
		builtinIntDivideTruncating(m, []Value{FromInt(1), FromInt(0)})
	})
}

func TestIntBitwise(t *testing.T) {
	m := testMachine(t)
	if builtinIntBitwiseAnd(m, []Value{FromInt(0b1100), FromInt(0b1010)}) != FromInt(0b1000) {
		t.Error("and")
	}
	if builtinIntBitwiseOr(m, []Value{FromInt(0b1100), FromInt(0b1010)}) != FromInt(0b1110) {
		t.Error("or")
	}
	if builtinIntBitwiseXor(m, []Value{FromInt(0b1100), FromInt(0b1010)}) != FromInt(0b0110) {
		t.Error("xor")
	}
	if builtinIntBitLength(m, []Value{FromInt(255)}) != FromInt(8) {
		t.Error("bit length")
	}
}

func TestIntShifts(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	if builtinIntShiftLeft(m, []Value{FromInt(1), FromInt(4)}) != FromInt(16) {
		t.Error("1<<4")
	}
	wide := builtinIntShiftLeft(m, []Value{FromInt(1), FromInt(100)})
	want := new(big.Int).Lsh(big.NewInt(1), 100)
	if h.IntValue(wide).Cmp(want) != 0 {
		t.Error("1<<100 must promote")
	}
	if builtinIntShiftRight(m, []Value{wide, FromInt(100)}) != FromInt(1) {
		t.Error("shifting back must re-inline")
	}
	expectPanic(t, "negative shift", func() {
		builtinIntShiftLeft(m, []Value{FromInt(1), FromInt(-1)})
	})
}

func TestIntCompareTo(t *testing.T) {
	m := testMachine(t)
	if builtinIntCompareTo(m, []Value{FromInt(1), FromInt(2)}) != FromSymbol(SymbolLess) {
		t.Error("1 < 2")
	}
	if builtinIntCompareTo(m, []Value{FromInt(2), FromInt(2)}) != FromSymbol(SymbolEqual) {
		t.Error("2 = 2")
	}
	if builtinIntCompareTo(m, []Value{FromInt(3), FromInt(2)}) != FromSymbol(SymbolGreater) {
		t.Error("3 > 2")
	}
}

func TestIntParse(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	ok := builtinIntParse(m, []Value{h.NewText(true, "-123")})
	if h.TagSymbol(ok.Pointer()) != SymbolOk || h.TagValue(ok.Pointer()) != FromInt(-123) {
		t.Error("parsing -123 failed")
	}
	bad := builtinIntParse(m, []Value{h.NewText(true, "12x")})
	if h.TagSymbol(bad.Pointer()) != SymbolError {
		t.Error("garbage must parse to an Error tag")
	}
	huge := builtinIntParse(m, []Value{h.NewText(true, "340282366920938463463374607431768211456")})
	if h.TagSymbol(huge.Pointer()) != SymbolOk {
		t.Error("huge ints must still parse")
	}
	expectPanic(t, "non-text argument", func() {
		builtinIntParse(m, []Value{FromInt(1)})
	})
}

// ---------------------------------------------------------------------------
// List builtins
// ---------------------------------------------------------------------------

func TestListBuiltins(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	list := h.NewList(true, []Value{FromInt(10), FromInt(20), FromInt(30)})

	if builtinListLength(m, []Value{list}) != FromInt(3) {
		t.Error("length")
	}
	if builtinListGet(m, []Value{list, FromInt(1)}) != FromInt(20) {
		t.Error("get")
	}
	expectPanic(t, "out-of-range get", func() {
		builtinListGet(m, []Value{list, FromInt(3)})
	})

	inserted := builtinListInsert(m, []Value{list, FromInt(3), FromInt(40)})
	if h.ListLen(inserted.Pointer()) != 4 || h.ListItem(inserted.Pointer(), 3) != FromInt(40) {
		t.Error("insert at end")
	}
	front := builtinListInsert(m, []Value{list, FromInt(0), FromInt(5)})
	if h.ListItem(front.Pointer(), 0) != FromInt(5) || h.ListItem(front.Pointer(), 1) != FromInt(10) {
		t.Error("insert at front")
	}

	removed := builtinListRemoveAt(m, []Value{list, FromInt(1)})
	if h.ListLen(removed.Pointer()) != 2 || h.ListItem(removed.Pointer(), 1) != FromInt(30) {
		t.Error("removeAt")
	}

	replaced := builtinListReplace(m, []Value{list, FromInt(2), FromInt(99)})
	if h.ListItem(replaced.Pointer(), 2) != FromInt(99) {
		t.Error("replace")
	}
	// The source list is untouched.
	if h.ListItem(list.Pointer(), 2) != FromInt(30) {
		t.Error("source list mutated")
	}
}

func TestListFilledRetainsItem(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	item := h.NewText(true, "item")
	list := builtinListFilled(m, []Value{FromInt(3), item})
	if n, _ := h.RefCount(item.Pointer()); n != 4 {
		t.Errorf("item count = %d, want host reference plus 3 slots", n)
	}
	h.Release(list, 1)
	if n, _ := h.RefCount(item.Pointer()); n != 1 {
		t.Errorf("item count after list release = %d, want 1", n)
	}
}

func TestListFilledChecksLimitFirst(t *testing.T) {
	// A length far past the heap limit must trip it before any Go-side
	// slice of that size is built.
	m := testMachine(t)
	m.Heap().SetMaxWords(64)
	defer func() {
		if _, ok := recover().(*LimitError); !ok {
			t.Error("oversized listFilled should raise a LimitError")
		}
	}()
	builtinListFilled(m, []Value{FromInt(1 << 40), FromInt(0)})
}

// ---------------------------------------------------------------------------
// Struct builtins
// ---------------------------------------------------------------------------

func TestStructBuiltins(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	s := h.NewStruct(true,
		[]Value{h.NewText(true, "name"), h.NewText(true, "age")},
		[]Value{h.NewText(true, "ada"), FromInt(36)})

	name := h.NewText(true, "name")
	if builtinStructHasKey(m, []Value{s, name}) != FromBool(true) {
		t.Error("hasKey")
	}
	if builtinStructHasKey(m, []Value{s, h.NewText(true, "absent")}) != FromBool(false) {
		t.Error("hasKey for a missing key")
	}
	got := builtinStructGet(m, []Value{s, name})
	if h.TextString(got.Pointer()) != "ada" {
		t.Error("get")
	}
	h.Release(got, 1) // builtin result is owned

	keys := builtinStructGetKeys(m, []Value{s})
	if h.ListLen(keys.Pointer()) != 2 {
		t.Error("getKeys")
	}

	expectPanic(t, "missing key", func() {
		builtinStructGet(m, []Value{s, FromInt(0)})
	})
}

// ---------------------------------------------------------------------------
// Tag builtins
// ---------------------------------------------------------------------------

func TestTagBuiltins(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	bare := FromSymbol(SymbolOk)
	carrying := h.NewTag(true, SymbolOk, FromInt(1))

	if builtinTagHasValue(m, []Value{bare}) != FromBool(false) {
		t.Error("bare symbol has no value")
	}
	if builtinTagHasValue(m, []Value{carrying}) != FromBool(true) {
		t.Error("heap tag carries a value")
	}
	if builtinTagGetValue(m, []Value{carrying}) != FromInt(1) {
		t.Error("getValue")
	}
	if builtinTagWithoutValue(m, []Value{carrying}) != bare {
		t.Error("withoutValue strips to the symbol")
	}
	if builtinTagWithoutValue(m, []Value{bare}) != bare {
		t.Error("withoutValue of a symbol is itself")
	}
	expectPanic(t, "getValue on a bare symbol", func() {
		builtinTagGetValue(m, []Value{bare})
	})
}

// ---------------------------------------------------------------------------
// Text builtins
// ---------------------------------------------------------------------------

func TestTextBuiltins(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	text := func(s string) Value { return h.NewText(true, s) }
	str := func(v Value) string { return h.TextString(v.Pointer()) }

	if got := str(builtinTextConcatenate(m, []Value{text("foo"), text("bar")})); got != "foobar" {
		t.Errorf("concatenate = %q", got)
	}
	if builtinTextContains(m, []Value{text("hello"), text("ell")}) != FromBool(true) {
		t.Error("contains")
	}
	if builtinTextStartsWith(m, []Value{text("hello"), text("he")}) != FromBool(true) {
		t.Error("startsWith")
	}
	if builtinTextEndsWith(m, []Value{text("hello"), text("lo")}) != FromBool(true) {
		t.Error("endsWith")
	}
	if builtinTextIsEmpty(m, []Value{text("")}) != FromBool(true) {
		t.Error("isEmpty")
	}
	if got := str(builtinTextTrimStart(m, []Value{text("  x ")})); got != "x " {
		t.Errorf("trimStart = %q", got)
	}
	if got := str(builtinTextTrimEnd(m, []Value{text("  x ")})); got != "  x" {
		t.Errorf("trimEnd = %q", got)
	}
}

func TestTextCharacterBuiltins(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	text := h.NewText(true, "héllo")

	if builtinTextLength(m, []Value{text}) != FromInt(5) {
		t.Error("length counts code points, not bytes")
	}
	chars := builtinTextCharacters(m, []Value{text})
	if h.ListLen(chars.Pointer()) != 5 {
		t.Fatal("characters list length")
	}
	if h.TextString(h.ListItem(chars.Pointer(), 1).Pointer()) != "é" {
		t.Error("character 1")
	}
	got := builtinTextGetRange(m, []Value{text, FromInt(1), FromInt(3)})
	if h.TextString(got.Pointer()) != "él" {
		t.Error("getRange uses code point indices")
	}
	expectPanic(t, "inverted range", func() {
		builtinTextGetRange(m, []Value{text, FromInt(3), FromInt(1)})
	})
}

// ---------------------------------------------------------------------------
// Generic builtins
// ---------------------------------------------------------------------------

func TestTypeOf(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	tests := []struct {
		v    Value
		want SymbolID
	}{
		{FromInt(1), SymbolInt},
		{h.NewBigInt(true, big.NewInt(1)), SymbolInt},
		{h.NewText(true, "x"), SymbolText},
		{FromSymbol(SymbolOk), SymbolTag},
		{h.NewTag(true, SymbolOk, FromInt(1)), SymbolTag},
		{h.NewList(true, nil), SymbolList},
		{h.NewStruct(true, nil, nil), SymbolStruct},
		{h.NewFunction(true, 0, nil, 0), SymbolFunction},
		{FromBuiltinIndex(BuiltinEquals), SymbolFunction},
		{FromHandle(1, 0), SymbolFunction},
	}
	for _, tt := range tests {
		if got := builtinTypeOf(m, []Value{tt.v}); got != FromSymbol(tt.want) {
			t.Errorf("typeOf(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestGetArgumentCount(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	if builtinGetArgumentCount(m, []Value{h.NewFunction(true, 3, nil, 0)}) != FromInt(3) {
		t.Error("function arg count")
	}
	if builtinGetArgumentCount(m, []Value{FromBuiltinIndex(BuiltinIfElse)}) != FromInt(3) {
		t.Error("builtin arg count")
	}
	if builtinGetArgumentCount(m, []Value{FromHandle(1, 2)}) != FromInt(2) {
		t.Error("handle arg count")
	}
	expectPanic(t, "non-function", func() {
		builtinGetArgumentCount(m, []Value{FromInt(1)})
	})
}

func TestToDebugText(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	list := h.NewList(true, []Value{FromInt(1), h.NewText(true, "x"), FromSymbol(SymbolTrue)})
	got := h.TextString(builtinToDebugText(m, []Value{list}).Pointer())
	if got != `(1, "x", True)` {
		t.Errorf("debug text = %q", got)
	}
}

func TestPrintWritesOutput(t *testing.T) {
	var sb strings.Builder
	b := NewBuilder()
	b.Label("entry")
	b.Emit(OpCreateText, b.Text("hello from taffy"))
	b.Emit(OpPushConstant, int64(FromBuiltinIndex(BuiltinPrint)))
	b.Emit(OpCall, 1)
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)

	m := NewMachine(mustBuild(t, b), WithOutput(&sb))
	if got := mustRun(t, m); got != Nothing() {
		t.Errorf("print result = %v, want Nothing", got)
	}
	if sb.String() != "hello from taffy\n" {
		t.Errorf("output = %q", sb.String())
	}
}

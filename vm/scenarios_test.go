package vm

import (
	"errors"
	"testing"
)

// End-to-end programs exercising the instruction set the way compiled
// code uses it.

func TestScenarioListLength(t *testing.T) {
	b := NewBuilder()
	b.Label("entry")
	b.Emit(OpCreateInt, 1)
	b.Emit(OpCreateInt, 2)
	b.Emit(OpCreateList, 2)
	b.Emit(OpPushConstant, int64(FromBuiltinIndex(BuiltinListLength)))
	b.Emit(OpCall, 1)
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)

	m := NewMachine(mustBuild(t, b))
	if got := mustRun(t, m); got != FromInt(2) {
		t.Errorf("listLength (1, 2) = %v, want 2", got)
	}
	checkDrained(t, m)
}

// buildDouble assembles: double a = needs (typeOf a == Int) "a must be
// an int"; a * 2, wrapped in the "double (a)" needs scope. The entry
// function forwards its single argument to double.
func buildDouble(t *testing.T) *Program {
	t.Helper()
	b := NewBuilder()
	b.Label("entry")
	b.Emit(OpPushFromStack, 0)
	b.EmitCreateFunction("double", 1, 0)
	b.Emit(OpCall, 1)
	b.Emit(OpPopMultipleBelowTop, 1)
	b.Emit(OpReturn)

	b.Label("double")
	b.Emit(OpEnterNeedsScope, b.Scope("double (a)"), 1)
	b.Emit(OpPushFromStack, 0)
	b.Emit(OpDuplicate, 1) // the call will consume one reference
	b.Emit(OpPushConstant, int64(FromBuiltinIndex(BuiltinTypeOf)))
	b.Emit(OpCall, 1)
	b.Emit(OpCreateSymbol, int64(SymbolInt))
	b.Emit(OpPushConstant, int64(FromBuiltinIndex(BuiltinEquals)))
	b.Emit(OpCall, 2)
	b.Emit(OpCreateText, b.Text("a must be an int"))
	b.Emit(OpNeeds)
	b.Emit(OpPop) // the Nothing a passed check pushes
	b.Emit(OpPushFromStack, 0)
	b.Emit(OpCreateInt, 2)
	b.Emit(OpPushConstant, int64(FromBuiltinIndex(BuiltinIntMultiply)))
	b.Emit(OpCall, 2)
	b.Emit(OpExitNeedsScope)
	b.Emit(OpPopMultipleBelowTop, 1)
	b.Emit(OpReturn)

	b.SetEntry("entry", 1)
	return mustBuild(t, b)
}

func TestScenarioDoubleInt(t *testing.T) {
	m := NewMachine(buildDouble(t))
	if got := mustRun(t, m, FromInt(3)); got != FromInt(6) {
		t.Errorf("double 3 = %v, want 6", got)
	}
	checkDrained(t, m)
}

func TestScenarioDoubleNonIntPanics(t *testing.T) {
	m := NewMachine(buildDouble(t))
	_, err := m.Run(m.Heap().NewText(true, "three"))
	var p *Panic
	if !errors.As(err, &p) {
		t.Fatalf("Run = %v, want a *Panic", err)
	}
	if p.Reason != "a must be an int" {
		t.Errorf("Reason = %q", p.Reason)
	}
	if p.ScopeName != "double (a)" {
		t.Errorf("ScopeName = %q, want the double scope", p.ScopeName)
	}
	if len(p.ScopeArgs) != 1 || p.ScopeArgs[0] != `"three"` {
		t.Errorf("ScopeArgs = %v, want the snapshotted argument", p.ScopeArgs)
	}
}

func TestScenarioStructLookup(t *testing.T) {
	b := NewBuilder()
	b.Label("entry")
	b.Emit(OpCreateSymbol, int64(SymbolInt))
	b.Emit(OpCreateInt, 1)
	b.Emit(OpCreateStruct, 1)
	b.Emit(OpPushFromStack, 0)
	b.Emit(OpDuplicate, 1) // the call will consume one reference
	b.Emit(OpCreateSymbol, int64(SymbolInt))
	b.Emit(OpPushConstant, int64(FromBuiltinIndex(BuiltinStructGet)))
	b.Emit(OpCall, 2)
	// stack: struct, looked-up value; release and discard the struct
	b.Emit(OpPushFromStack, 1)
	b.Emit(OpDrop, 1)
	b.Emit(OpPopMultipleBelowTop, 1)
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)

	m := NewMachine(mustBuild(t, b))
	if got := mustRun(t, m); got != FromInt(1) {
		t.Errorf("structGet = %v, want 1", got)
	}
	checkDrained(t, m)
}

package vm

import (
	"math/big"
	"strings"
	"testing"
)

func TestBuilderResolvesLabels(t *testing.T) {
	b := NewBuilder()
	b.Label("entry")
	b.EmitCreateFunction("fn", 0, 0)
	b.Emit(OpCall, 0)
	b.Emit(OpReturn)
	b.Label("fn")
	b.Emit(OpCreateInt, 1)
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)

	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if p.Entry != 0 {
		t.Errorf("Entry = %d, want 0", p.Entry)
	}
	if got := p.Instructions[0].A; got != 3 {
		t.Errorf("CreateFunction offset = %d, want 3", got)
	}
}

func TestBuilderUndefinedLabel(t *testing.T) {
	b := NewBuilder()
	b.Label("entry")
	b.EmitCreateFunction("missing", 0, 0)
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)
	if _, err := b.Build(); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("Build() = %v, want undefined label error", err)
	}
}

func TestBuilderInternsPools(t *testing.T) {
	b := NewBuilder()
	if b.Text("x") != b.Text("x") {
		t.Error("equal texts must share a pool slot")
	}
	n := new(big.Int).Lsh(big.NewInt(1), 100)
	if b.BigInt(n) != b.BigInt(new(big.Int).Set(n)) {
		t.Error("equal big ints must share a pool slot")
	}
	if b.Scope("f (a)") != b.Scope("f (a)") {
		t.Error("equal scopes must share an ID")
	}
}

func TestValidateRejectsBadOperands(t *testing.T) {
	tests := []struct {
		name string
		in   Instruction
	}{
		{"unknown opcode", Instruction{Op: Opcode(0xEE)}},
		{"text index", Instruction{Op: OpCreateText, A: 5}},
		{"big-int index", Instruction{Op: OpCreateBigInt, A: 0}},
		{"symbol ID", Instruction{Op: OpCreateSymbol, A: 1 << 20}},
		{"negative count", Instruction{Op: OpCreateList, A: -1}},
		{"function offset", Instruction{Op: OpCreateFunction, A: 99}},
		{"pointer constant", Instruction{Op: OpPushConstant, A: 8}},
		{"scope ID", Instruction{Op: OpEnterNeedsScope, A: 3}},
		{"oversized immediate", Instruction{Op: OpCreateInt, A: MaxInlineInt + 1}},
	}
	for _, tt := range tests {
		p := &Program{
			Instructions: []Instruction{tt.in, {Op: OpReturn}},
			Symbols:      NewSymbolTable(),
		}
		if err := p.Validate(); err == nil {
			t.Errorf("%s: Validate() accepted a bad instruction", tt.name)
		}
	}
}

func TestValidateRejectsBadEntry(t *testing.T) {
	p := &Program{
		Instructions: []Instruction{{Op: OpReturn}},
		Symbols:      NewSymbolTable(),
		Entry:        7,
	}
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted an out-of-range entry")
	}
}

func TestDisassemble(t *testing.T) {
	b := NewBuilder()
	b.Label("entry")
	b.Emit(OpCreateInt, 42)
	b.Emit(OpReturn)
	b.SetEntry("entry", 0)
	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	out := p.Disassemble()
	if !strings.Contains(out, "CreateInt 42") || !strings.Contains(out, "Return") {
		t.Errorf("unexpected disassembly:\n%s", out)
	}
}

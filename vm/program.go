package vm

import (
	"fmt"
	"math/big"
	"strings"
)

// ---------------------------------------------------------------------------
// Program: the loaded form of a program image
// ---------------------------------------------------------------------------

// Program is an executable unit: a flat instruction array plus the
// constant pools and tables the instructions reference. It is produced
// by the external lowering pipeline and loaded from an image, or built
// in-process with a Builder. A Program is immutable once built and may
// be shared by any number of machines.
type Program struct {
	Instructions []Instruction

	// Constant pools referenced by index from instructions.
	Texts   []string
	BigInts []BigConstant

	Symbols *SymbolTable

	// Scopes maps needs-scope IDs to function identities for panic
	// reports, e.g. "double (a)".
	Scopes []string

	// Entry is the code offset of the entry function; EntryArgCount its
	// declared parameter count.
	Entry         int
	EntryArgCount int
}

// BigConstant is the portable form of a heap integer constant.
type BigConstant struct {
	Neg bool   `cbor:"neg"`
	Abs []byte `cbor:"abs"` // big-endian magnitude
}

// Value converts the constant to a big.Int.
func (c BigConstant) Value() *big.Int {
	v := new(big.Int).SetBytes(c.Abs)
	if c.Neg {
		v.Neg(v)
	}
	return v
}

// Validate checks every instruction against the program's tables so the
// interpreter can trust operands at run time. A validation failure means
// the image is corrupt or was produced for a different ABI.
func (p *Program) Validate() error {
	if p.Entry < 0 || p.Entry >= len(p.Instructions) {
		return fmt.Errorf("entry offset %d outside code (%d instructions)", p.Entry, len(p.Instructions))
	}
	for i, in := range p.Instructions {
		info, known := in.Op.Info()
		if !known {
			return fmt.Errorf("instruction %d: unknown opcode %02X", i, uint8(in.Op))
		}
		bad := func(why string) error {
			return fmt.Errorf("instruction %d (%s): %s", i, info.Name, why)
		}
		switch in.Op {
		case OpCreateInt:
			if !FitsInt(in.A) {
				return bad("immediate outside inline range")
			}
		case OpCreateBigInt:
			if in.A < 0 || int(in.A) >= len(p.BigInts) {
				return bad("big-int pool index out of range")
			}
		case OpCreateText:
			if in.A < 0 || int(in.A) >= len(p.Texts) {
				return bad("text pool index out of range")
			}
		case OpCreateSymbol, OpCreateTag:
			if in.A < 0 || int(in.A) >= p.Symbols.Len() {
				return bad("symbol ID out of range")
			}
		case OpCreateList, OpCreateStruct, OpPopMultipleBelowTop, OpDuplicate, OpDrop, OpCall:
			if in.A < 0 {
				return bad("negative count")
			}
		case OpCreateFunction:
			if in.A < 0 || int(in.A) >= len(p.Instructions) {
				return bad("code offset out of range")
			}
			if in.B < 0 || in.C < 0 {
				return bad("negative count")
			}
		case OpPushConstant:
			if Value(in.A).IsPointer() {
				return bad("pointer words are not position-independent constants")
			}
		case OpPushFromStack:
			if in.A < 0 {
				return bad("negative stack offset")
			}
		case OpTailCall:
			if in.A < 0 || in.B < 0 {
				return bad("negative count")
			}
		case OpEnterNeedsScope:
			if in.A < 0 || int(in.A) >= len(p.Scopes) {
				return bad("scope ID out of range")
			}
			if in.B < 0 {
				return bad("negative snapshot size")
			}
		}
	}
	return nil
}

// ScopeName resolves a needs-scope ID for panic reports.
func (p *Program) ScopeName(id int64) string {
	if id < 0 || int(id) >= len(p.Scopes) {
		return ""
	}
	return p.Scopes[id]
}

// Disassemble renders the instruction array for debugging.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	for i, in := range p.Instructions {
		fmt.Fprintf(&sb, "%4d  %s\n", i, in)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Builder: assembling programs with symbolic labels
// ---------------------------------------------------------------------------

// Builder assembles a Program. The lowering pipeline emits labels for
// function bodies; Build resolves them to absolute offsets so the
// interpreter never resolves names at run time.
type Builder struct {
	prog      Program
	labels    map[string]int
	fixups    []fixup
	texts     map[string]int
	bigs      map[string]int
	scopes    map[string]int
	entryName string
}

type fixup struct {
	instruction int
	label       string
}

// NewBuilder creates an empty builder with the well-known symbols.
func NewBuilder() *Builder {
	return &Builder{
		labels: make(map[string]int),
		texts:  make(map[string]int),
		bigs:   make(map[string]int),
		scopes: make(map[string]int),
		prog:   Program{Symbols: NewSymbolTable(), Entry: -1},
	}
}

// Label defines name at the current code offset.
func (b *Builder) Label(name string) {
	if _, exists := b.labels[name]; exists {
		panic(fmt.Sprintf("Builder.Label: %q defined twice", name))
	}
	b.labels[name] = len(b.prog.Instructions)
}

// Emit appends an instruction with up to three operands.
func (b *Builder) Emit(op Opcode, operands ...int64) {
	in := Instruction{Op: op}
	switch len(operands) {
	case 0:
	case 1:
		in.A = operands[0]
	case 2:
		in.A, in.B = operands[0], operands[1]
	case 3:
		in.A, in.B, in.C = operands[0], operands[1], operands[2]
	default:
		panic("Builder.Emit: too many operands")
	}
	b.prog.Instructions = append(b.prog.Instructions, in)
}

// EmitCreateFunction emits a closure creation targeting label, which may
// be defined later.
func (b *Builder) EmitCreateFunction(label string, argCount, capturedCount int) {
	b.fixups = append(b.fixups, fixup{len(b.prog.Instructions), label})
	b.Emit(OpCreateFunction, 0, int64(argCount), int64(capturedCount))
}

// Symbol interns a symbol and returns its ID.
func (b *Builder) Symbol(name string) SymbolID {
	return b.prog.Symbols.Intern(name)
}

// Text interns a text constant and returns its pool index.
func (b *Builder) Text(s string) int64 {
	if i, ok := b.texts[s]; ok {
		return int64(i)
	}
	i := len(b.prog.Texts)
	b.prog.Texts = append(b.prog.Texts, s)
	b.texts[s] = i
	return int64(i)
}

// BigInt interns a big integer constant and returns its pool index.
func (b *Builder) BigInt(v *big.Int) int64 {
	key := v.String()
	if i, ok := b.bigs[key]; ok {
		return int64(i)
	}
	i := len(b.prog.BigInts)
	b.prog.BigInts = append(b.prog.BigInts, BigConstant{Neg: v.Sign() < 0, Abs: v.Bytes()})
	b.bigs[key] = i
	return int64(i)
}

// Scope interns a needs-scope identity and returns its ID.
func (b *Builder) Scope(name string) int64 {
	if i, ok := b.scopes[name]; ok {
		return int64(i)
	}
	i := len(b.prog.Scopes)
	b.prog.Scopes = append(b.prog.Scopes, name)
	b.scopes[name] = i
	return int64(i)
}

// SetEntry marks the label of the entry function.
func (b *Builder) SetEntry(label string, argCount int) {
	b.entryName = label
	b.prog.EntryArgCount = argCount
}

// Build resolves labels and validates the program.
func (b *Builder) Build() (*Program, error) {
	for _, f := range b.fixups {
		offset, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		b.prog.Instructions[f.instruction].A = int64(offset)
	}
	if b.entryName == "" {
		return nil, fmt.Errorf("no entry label set")
	}
	entry, ok := b.labels[b.entryName]
	if !ok {
		return nil, fmt.Errorf("undefined entry label %q", b.entryName)
	}
	b.prog.Entry = entry
	if err := b.prog.Validate(); err != nil {
		return nil, err
	}
	return &b.prog, nil
}

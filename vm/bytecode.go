package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single bytecode instruction. Instructions are held
// decoded in a flat array; labels are resolved to absolute offsets when
// a program is built or loaded, so execution never sees symbolic names.
type Opcode uint8

// Construction: pop operands, allocate, push a pointer with count 1.
// CreateSymbol pushes an inline symbol and allocates nothing; CreateInt
// pushes inline and only big constants (CreateBigInt) touch the heap.
const (
	OpCreateInt      Opcode = 0x00 // push inline integer (A: immediate)
	OpCreateBigInt   Opcode = 0x01 // push big integer (A: big-int pool index)
	OpCreateText     Opcode = 0x02 // push text (A: text pool index)
	OpCreateSymbol   Opcode = 0x03 // push symbol (A: symbol ID)
	OpCreateTag      Opcode = 0x04 // pop value, push tag (A: symbol ID)
	OpCreateList     Opcode = 0x05 // pop A items, push list
	OpCreateStruct   Opcode = 0x06 // pop A key/value pairs, push struct
	OpCreateFunction Opcode = 0x07 // pop C captured, push closure (A: code offset, B: arg count)
	OpPushConstant   Opcode = 0x08 // push raw inline word (A: bit pattern)
)

// Stack shaping. These never touch reference counts; counting is always
// a separate, explicit instruction.
const (
	OpPop                 Opcode = 0x10 // discard top of stack
	OpPushFromStack       Opcode = 0x11 // duplicate slot at relative offset A, no retain
	OpPopMultipleBelowTop Opcode = 0x12 // discard A slots below the top value
)

// Reference counting.
const (
	OpDuplicate Opcode = 0x20 // retain top of stack A times, stack unchanged
	OpDrop      Opcode = 0x21 // pop value, release it A times
)

// Control transfer. Return addresses share the value stack, encoded as
// inline integers; returning to the sentinel address halts the machine.
const (
	OpCall     Opcode = 0x30 // pop callee, pop A args, push return address, jump
	OpTailCall Opcode = 0x31 // like Call but discards A locals and reuses the caller's return address (B: arg count)
	OpReturn   Opcode = 0x32 // pop result, pop return address, jump, re-push result
)

// Contract checks and debug scopes. Scope brackets are first-class
// instructions so optimizers can rearrange data flow without losing the
// call-context skeleton debuggers rely on.
const (
	OpEnterNeedsScope Opcode = 0x40 // push tracker entry (A: scope ID, B: argument snapshot size)
	OpExitNeedsScope  Opcode = 0x41 // pop tracker entry
	OpNeeds           Opcode = 0x42 // pop reason and condition; False panics, True pushes Nothing
	OpPanic           Opcode = 0x43 // pop reason, halt with a contract panic
)

// Instruction is one decoded bytecode instruction. Unused operand fields
// are zero.
type Instruction struct {
	Op Opcode
	A  int64
	B  int64
	C  int64
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds assembler/validator metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpCreateInt:           {"CreateInt", 1},
	OpCreateBigInt:        {"CreateBigInt", 1},
	OpCreateText:          {"CreateText", 1},
	OpCreateSymbol:        {"CreateSymbol", 1},
	OpCreateTag:           {"CreateTag", 1},
	OpCreateList:          {"CreateList", 1},
	OpCreateStruct:        {"CreateStruct", 1},
	OpCreateFunction:      {"CreateFunction", 3},
	OpPushConstant:        {"PushConstant", 1},
	OpPop:                 {"Pop", 0},
	OpPushFromStack:       {"PushFromStack", 1},
	OpPopMultipleBelowTop: {"PopMultipleBelowTop", 1},
	OpDuplicate:           {"Duplicate", 1},
	OpDrop:                {"Drop", 1},
	OpCall:                {"Call", 1},
	OpTailCall:            {"TailCall", 2},
	OpReturn:              {"Return", 0},
	OpEnterNeedsScope:     {"EnterNeedsScope", 2},
	OpExitNeedsScope:      {"ExitNeedsScope", 0},
	OpNeeds:               {"Needs", 0},
	OpPanic:               {"Panic", 0},
}

// Info returns metadata for op, or a placeholder for unknown opcodes.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("Opcode(%02X)", uint8(op))}, false
	}
	return info, true
}

func (op Opcode) String() string {
	info, _ := op.Info()
	return info.Name
}

// String renders one instruction in disassembly form.
func (in Instruction) String() string {
	info, _ := in.Op.Info()
	switch info.Operands {
	case 0:
		return info.Name
	case 1:
		return fmt.Sprintf("%s %d", info.Name, in.A)
	case 2:
		return fmt.Sprintf("%s %d %d", info.Name, in.A, in.B)
	default:
		return fmt.Sprintf("%s %d %d %d", info.Name, in.A, in.B, in.C)
	}
}

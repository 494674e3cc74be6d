package vm

import (
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// Machine: the bytecode interpreter
// ---------------------------------------------------------------------------
//
// A Machine executes one program on one heap. Calls and returns share the
// value stack with operands: Call pushes the return address as an inline
// integer below the callee's frame, Return pops it and jumps. The
// outermost frame uses a sentinel address, so returning to it halts the
// machine and yields the result.
//
// Machines are not safe for concurrent use. Several machines may share
// one Program; each owns its heap.

// sentinelReturn marks the outermost frame's return address.
const sentinelReturn int64 = -1

const defaultMaxStack = 1 << 20

// HandleFunc is the host callback behind handle values. Arguments are
// borrowed; the returned value must be owned by the machine (retain it
// if it aliases an argument). A failing handler raises by panicking with
// a *Panic.
type HandleFunc func(m *Machine, id HandleID, args []Value) Value

// needsScope is one open contract scope on the tracker stack.
type needsScope struct {
	id   int64
	args []Value // borrowed snapshot of the frame's arguments
}

// Machine interprets a Program.
type Machine struct {
	prog *Program
	heap *Heap

	stack  []Value
	ip     int
	halted bool
	result Value

	scopes []needsScope

	// Uncounted heap constants interned from the program pools, indexed
	// like the pools themselves.
	textPool []Value
	bigPool  []Value

	maxStack int
	out      io.Writer
	trace    io.Writer
	handler  HandleFunc
}

// Option configures a Machine.
type Option func(*Machine)

// WithOutput redirects the print builtin. The default is stdout.
func WithOutput(w io.Writer) Option {
	return func(m *Machine) { m.out = w }
}

// WithHandleFunc installs the host callback for handle values.
func WithHandleFunc(fn HandleFunc) Option {
	return func(m *Machine) { m.handler = fn }
}

// WithMaxStack limits the value stack to n slots.
func WithMaxStack(n int) Option {
	return func(m *Machine) { m.maxStack = n }
}

// WithMaxHeapWords bounds run-time heap growth to n words beyond the
// interned constant pools.
func WithMaxHeapWords(n int) Option {
	return func(m *Machine) { m.heap.SetMaxWords(len(m.heap.words) + n) }
}

// WithTrace writes one line per executed instruction to w.
func WithTrace(w io.Writer) Option {
	return func(m *Machine) { m.trace = w }
}

// NewMachine creates a machine for prog with a fresh heap. The program's
// text and big-integer pools are interned as uncounted constants up
// front, so executing a constant instruction never allocates. Options
// apply afterwards; a heap word limit bounds run-time allocation on top
// of the pools.
func NewMachine(prog *Program, opts ...Option) *Machine {
	m := &Machine{
		prog:     prog,
		heap:     NewHeap(0),
		maxStack: defaultMaxStack,
		out:      os.Stdout,
	}
	m.textPool = make([]Value, len(prog.Texts))
	for i, s := range prog.Texts {
		m.textPool[i] = m.heap.NewText(false, s)
	}
	m.bigPool = make([]Value, len(prog.BigInts))
	for i, c := range prog.BigInts {
		m.bigPool[i] = m.heap.NewBigInt(false, c.Value())
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Heap returns the machine's heap, mainly for hosts constructing
// argument values.
func (m *Machine) Heap() *Heap {
	return m.heap
}

// Program returns the program the machine executes.
func (m *Machine) Program() *Program {
	return m.prog
}

// Symbols returns the program's symbol table.
func (m *Machine) Symbols() *SymbolTable {
	return m.prog.Symbols
}

// StackDepth returns the current number of stack slots, for tests and
// conservation checks.
func (m *Machine) StackDepth() int {
	return len(m.stack)
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------

func (m *Machine) push(v Value) {
	if len(m.stack) >= m.maxStack {
		limitExceeded("stack", m.maxStack)
	}
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() Value {
	if len(m.stack) == 0 {
		fatalf("stack underflow at instruction %d", m.ip)
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

// popN removes the top n slots and returns them in push order.
func (m *Machine) popN(n int) []Value {
	if n > len(m.stack) {
		fatalf("stack underflow at instruction %d", m.ip)
	}
	values := make([]Value, n)
	copy(values, m.stack[len(m.stack)-n:])
	m.stack = m.stack[:len(m.stack)-n]
	return values
}

// peek returns the slot offset positions below the top without popping.
func (m *Machine) peek(offset int) Value {
	if offset < 0 || offset >= len(m.stack) {
		fatalf("stack offset %d out of range at instruction %d", offset, m.ip)
	}
	return m.stack[len(m.stack)-1-offset]
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// Run executes the program's entry function with args and returns its
// result. Ownership of args transfers to the machine; the caller owns
// the result. Contract failures come back as *Panic, corruption as
// *FatalError, and resource exhaustion as *LimitError.
func (m *Machine) Run(args ...Value) (Value, error) {
	if len(args) != m.prog.EntryArgCount {
		return 0, fmt.Errorf("entry function takes %d arguments, got %d",
			m.prog.EntryArgCount, len(args))
	}
	entry := m.heap.NewFunction(true, m.prog.EntryArgCount, nil, m.prog.Entry)
	return m.RunFunction(entry, args...)
}

// RunFunction executes an arbitrary callable from this machine's heap,
// consuming one reference to it. Hosts use it to re-enter the machine
// with closures a previous run produced.
func (m *Machine) RunFunction(fn Value, args ...Value) (result Value, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch e := r.(type) {
		case *Panic:
			e.ScopeName = m.prog.ScopeName(e.ScopeID)
			err = e
		case *FatalError:
			err = e
		case *LimitError:
			err = e
		default:
			panic(r)
		}
	}()

	m.stack = m.stack[:0]
	m.scopes = m.scopes[:0]
	m.halted = false
	m.call(fn, args, sentinelReturn)
	for !m.halted {
		m.step()
	}
	return m.result, nil
}

// step executes one instruction.
func (m *Machine) step() {
	if m.ip < 0 || m.ip >= len(m.prog.Instructions) {
		fatalf("instruction pointer %d outside code", m.ip)
	}
	in := m.prog.Instructions[m.ip]
	if m.trace != nil {
		fmt.Fprintf(m.trace, "%4d  %-32s depth=%d\n", m.ip, in.String(), len(m.stack))
	}
	m.ip++

	switch in.Op {
	case OpCreateInt:
		m.push(FromInt(in.A))
	case OpCreateBigInt:
		m.push(m.bigPool[in.A])
	case OpCreateText:
		m.push(m.textPool[in.A])
	case OpCreateSymbol:
		m.push(FromSymbol(SymbolID(in.A)))
	case OpCreateTag:
		value := m.pop()
		m.push(m.heap.NewTag(true, SymbolID(in.A), value))
	case OpCreateList:
		items := m.popN(int(in.A))
		m.push(m.heap.NewList(true, items))
	case OpCreateStruct:
		pairs := m.popN(2 * int(in.A))
		n := int(in.A)
		keys := make([]Value, n)
		values := make([]Value, n)
		for i := range n {
			keys[i] = pairs[2*i]
			values[i] = pairs[2*i+1]
		}
		m.push(m.heap.NewStruct(true, keys, values))
	case OpCreateFunction:
		captured := m.popN(int(in.C))
		m.push(m.heap.NewFunction(true, int(in.B), captured, int(in.A)))
	case OpPushConstant:
		m.push(Value(in.A))

	case OpPop:
		m.pop()
	case OpPushFromStack:
		m.push(m.peek(int(in.A)))
	case OpPopMultipleBelowTop:
		top := m.pop()
		m.popN(int(in.A))
		m.push(top)

	case OpDuplicate:
		m.heap.Retain(m.peek(0), int(in.A))
	case OpDrop:
		m.heap.Release(m.pop(), int(in.A))

	case OpCall:
		callee := m.pop()
		args := m.popN(int(in.A))
		m.call(callee, args, int64(m.ip))
	case OpTailCall:
		callee := m.pop()
		args := m.popN(int(in.B))
		m.popN(int(in.A)) // the frame's leftover slots
		returnTo := m.pop()
		if !returnTo.IsInt() {
			fatalf("tail call found no return address on the stack")
		}
		m.call(callee, args, returnTo.Int())
	case OpReturn:
		result := m.pop()
		returnTo := m.pop()
		if !returnTo.IsInt() {
			fatalf("return found no return address on the stack")
		}
		m.returnTo(returnTo.Int(), result)

	case OpEnterNeedsScope:
		args := make([]Value, in.B)
		for i := range int(in.B) {
			args[int(in.B)-1-i] = m.peek(i)
		}
		m.scopes = append(m.scopes, needsScope{id: in.A, args: args})
	case OpExitNeedsScope:
		if len(m.scopes) == 0 {
			fatalf("needs scope exited without a matching enter")
		}
		m.scopes = m.scopes[:len(m.scopes)-1]
	case OpNeeds:
		m.needs()
	case OpPanic:
		reason := m.pop()
		if !m.heap.IsText(reason) {
			m.raise("panic reason must be a text", reason)
		}
		m.raise(m.heap.TextString(reason.Pointer()), reason)

	default:
		fatalf("unknown opcode %02X at instruction %d", uint8(in.Op), m.ip-1)
	}
}

// needs checks a contract: pops the reason text, then the condition
// symbol. True yields Nothing, False panics with the reason.
func (m *Machine) needs() {
	reason := m.pop()
	condition := m.pop()
	if !m.heap.IsText(reason) {
		m.raise("needs reason must be a text", reason)
	}
	if !condition.IsSymbol() || (condition.Symbol() != SymbolTrue && condition.Symbol() != SymbolFalse) {
		m.raise("needs condition must be True or False", condition)
	}
	if condition.Symbol() == SymbolFalse {
		text := m.heap.TextString(reason.Pointer())
		m.raise(text, reason)
	}
	m.heap.Release(reason, 1)
	m.push(Nothing())
}

// raise aborts the run with a contract panic attributed to the innermost
// open needs scope. The scope's argument snapshot is rendered here, while
// the arguments are still live.
func (m *Machine) raise(reason string, value Value) {
	p := &Panic{Reason: reason, Value: value, ScopeID: -1}
	if len(m.scopes) > 0 {
		scope := m.scopes[len(m.scopes)-1]
		p.ScopeID = scope.id
		p.ScopeArgs = make([]string, len(scope.args))
		for i, a := range scope.args {
			p.ScopeArgs[i] = DebugText(m.heap, m.prog.Symbols, a)
		}
	}
	panic(p)
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call transfers control to callee with args. The callee reference is
// consumed; for closures the captured values are retained into the new
// frame before the closure is released, so a closure dropped elsewhere
// during its own call stays coherent.
func (m *Machine) call(callee Value, args []Value, returnTo int64) {
	switch {
	case callee.IsPointer() && m.heap.Kind(callee.Pointer()) == HeapFunction:
		m.callFunction(callee.Pointer(), callee, args, returnTo)
	case callee.IsBuiltin():
		m.callBuiltin(callee.BuiltinIndex(), args, returnTo)
	case callee.IsHandle():
		m.callHandle(callee, args, returnTo)
	case callee.IsSymbol():
		// Calling a symbol attaches a value, producing a tag.
		if len(args) != 1 {
			m.raise(fmt.Sprintf("a tag takes 1 value, got %d", len(args)), callee)
		}
		m.returnTo(returnTo, m.heap.NewTag(true, callee.Symbol(), args[0]))
	default:
		m.raise("tried to call a value that is not callable", callee)
	}
}

func (m *Machine) callFunction(addr Address, callee Value, args []Value, returnTo int64) {
	expected := m.heap.FunctionArgCount(addr)
	if len(args) != expected {
		m.raise(fmt.Sprintf("function takes %d arguments, got %d", expected, len(args)), callee)
	}
	body := m.heap.FunctionBody(addr)
	m.push(FromInt(returnTo))
	for i := range m.heap.FunctionCapturedLen(addr) {
		c := m.heap.FunctionCaptured(addr, i)
		m.heap.Retain(c, 1)
		m.push(c)
	}
	for _, a := range args {
		m.push(a)
	}
	m.heap.Release(callee, 1)
	m.ip = body
}

func (m *Machine) callHandle(callee Value, args []Value, returnTo int64) {
	if m.handler == nil {
		m.raise("no handle function is installed", callee)
	}
	if len(args) != callee.HandleArgCount() {
		m.raise(fmt.Sprintf("handle takes %d arguments, got %d",
			callee.HandleArgCount(), len(args)), callee)
	}
	result := m.handler(m, callee.Handle(), args)
	m.releaseAll(args)
	m.returnTo(returnTo, result)
}

// returnTo resumes the caller at offset with result on top of the stack,
// or halts when the sentinel frame is reached.
func (m *Machine) returnTo(offset int64, result Value) {
	if offset == sentinelReturn {
		if len(m.stack) != 0 {
			fatalf("stack not empty at halt: %d slots left", len(m.stack))
		}
		m.result = result
		m.halted = true
		return
	}
	m.ip = int(offset)
	m.push(result)
}

func (m *Machine) releaseAll(values []Value) {
	for _, v := range values {
		m.heap.Release(v, 1)
	}
}

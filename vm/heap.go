package vm

// ---------------------------------------------------------------------------
// Heap: word arena + reference counting
// ---------------------------------------------------------------------------
//
// The heap is a flat arena of 64-bit words owned by exactly one machine.
// A heap object is a contiguous run of words: a header, a reference
// count (only if the header's counted bit is set), and the payload.
// Addresses are byte offsets into the arena, so pointers satisfy the
// inline encoding for free and survive arena growth, unlike native Go
// pointers would.
//
// Objects are immutable after construction and freed exactly when their
// count reaches zero; counting is driven only by explicit Duplicate and
// Drop instructions, never inferred. Freed blocks go onto per-size free
// lists and are poisoned so a stale pointer trips a fatal error instead
// of reading recycled memory.

// HeapKind identifies the layout of a heap object, stored in the low
// three bits of the header word.
type HeapKind uint8

const (
	HeapInt      HeapKind = 0b000
	HeapTag      HeapKind = 0b001
	HeapText     HeapKind = 0b010
	HeapFunction HeapKind = 0b011
	HeapList     HeapKind = 0b100
	HeapStruct   HeapKind = 0b101
	HeapForeign  HeapKind = 0b110
)

const (
	// WordSize is the number of bytes per heap word.
	WordSize = 8

	heapKindMask uint64 = 0b111

	// Header bit 3 marks the object as reference-counted. Constants from
	// the program image leave it clear and are shareable across machines.
	refCountedFlag uint64 = 1 << 3

	// Freed blocks get this header so a dangling pointer is detected.
	poisonHeader uint64 = 0b111
	poisonWord   uint64 = 0xDEAD_DEAD_DEAD_DEAD
)

func (k HeapKind) String() string {
	switch k {
	case HeapInt:
		return "Int"
	case HeapTag:
		return "Tag"
	case HeapText:
		return "Text"
	case HeapFunction:
		return "Function"
	case HeapList:
		return "List"
	case HeapStruct:
		return "Struct"
	case HeapForeign:
		return "Foreign"
	default:
		return "Invalid"
	}
}

// Heap owns the word arena for one machine.
type Heap struct {
	words    []uint64
	free     map[int][]Address // freed blocks by total word count
	maxWords int               // 0 means unlimited

	// Conservation bookkeeping: counted allocations minus frees.
	liveObjects int
}

// NewHeap creates an empty heap. maxWords of 0 disables the limit.
func NewHeap(maxWords int) *Heap {
	return &Heap{
		words:    make([]uint64, 1), // word 0 reserved so address 0 is never valid
		free:     make(map[int][]Address),
		maxWords: maxWords,
	}
}

// SetMaxWords installs a host-enforced arena size limit.
func (h *Heap) SetMaxWords(maxWords int) {
	h.maxWords = maxWords
}

// LiveObjects returns the number of counted objects currently alive.
func (h *Heap) LiveObjects() int {
	return h.liveObjects
}

// allocate reserves a block for header plus payloadWords payload words,
// writes the header (and a count of 1 when counted), and returns the
// block's address. Payload words start out zero.
func (h *Heap) allocate(header uint64, payloadWords int) Address {
	counted := header&refCountedFlag != 0
	total := 1 + payloadWords
	if counted {
		total++
	}

	addr, ok := h.reuse(total)
	if !ok {
		if h.maxWords > 0 && len(h.words)+total > h.maxWords {
			limitExceeded("heap", h.maxWords)
		}
		addr = Address(len(h.words) * WordSize)
		h.words = append(h.words, make([]uint64, total)...)
	}

	base := h.wordIndex(addr)
	h.words[base] = header
	if counted {
		h.words[base+1] = 1
		h.liveObjects++
	}
	return addr
}

// reuse pops a previously freed block of exactly total words.
func (h *Heap) reuse(total int) (Address, bool) {
	blocks := h.free[total]
	if len(blocks) == 0 {
		return 0, false
	}
	addr := blocks[len(blocks)-1]
	h.free[total] = blocks[:len(blocks)-1]
	base := h.wordIndex(addr)
	for i := range total {
		h.words[base+i] = 0
	}
	return addr, true
}

// ---------------------------------------------------------------------------
// Word access
// ---------------------------------------------------------------------------

func (h *Heap) wordIndex(addr Address) int {
	if addr == 0 || addr%WordSize != 0 || int(addr/WordSize) >= len(h.words) {
		fatalf("invalid heap address %#x", uint64(addr))
	}
	return int(addr / WordSize)
}

func (h *Heap) header(addr Address) uint64 {
	header := h.words[h.wordIndex(addr)]
	if header&heapKindMask == poisonHeader {
		fatalf("use of freed heap object at %#x", uint64(addr))
	}
	return header
}

// Kind returns the heap kind of the object at addr.
func (h *Heap) Kind(addr Address) HeapKind {
	return HeapKind(h.header(addr) & heapKindMask)
}

// IsCounted reports whether the object at addr is reference-counted.
func (h *Heap) IsCounted(addr Address) bool {
	return h.header(addr)&refCountedFlag != 0
}

// RefCount returns the current count, or false for uncounted constants.
func (h *Heap) RefCount(addr Address) (int, bool) {
	if !h.IsCounted(addr) {
		return 0, false
	}
	return int(h.words[h.wordIndex(addr)+1]), true
}

func (h *Heap) setRefCount(addr Address, count int) {
	h.words[h.wordIndex(addr)+1] = uint64(count)
}

// contentIndex returns the arena index of the object's first payload word.
func (h *Heap) contentIndex(addr Address) int {
	base := h.wordIndex(addr) + 1
	if h.header(addr)&refCountedFlag != 0 {
		base++
	}
	return base
}

func (h *Heap) contentWord(addr Address, offset int) uint64 {
	return h.words[h.contentIndex(addr)+offset]
}

// setContentWord writes a payload slot. Fields are written only during
// construction; objects are immutable afterwards.
func (h *Heap) setContentWord(addr Address, offset int, word uint64) {
	h.words[h.contentIndex(addr)+offset] = word
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

// Retain increments the target's count n times. Non-pointer values and
// uncounted constants are left alone, so callers never need to check.
func (h *Heap) Retain(v Value, n int) {
	if !v.IsPointer() {
		return
	}
	addr := v.Pointer()
	count, counted := h.RefCount(addr)
	if !counted {
		return
	}
	h.setRefCount(addr, count+n)
}

// Release decrements the target's count n times. When the count reaches
// zero the object's owned children are released recursively and the
// block is returned to the free list. Releasing below zero means the
// compiler emitted an unbalanced protocol; that is fatal.
func (h *Heap) Release(v Value, n int) {
	if !v.IsPointer() {
		return
	}
	addr := v.Pointer()
	count, counted := h.RefCount(addr)
	if !counted {
		return
	}
	count -= n
	if count < 0 {
		fatalf("reference count of %#x dropped below zero", uint64(addr))
	}
	h.setRefCount(addr, count)
	if count == 0 {
		h.releaseChildren(addr)
		h.freeBlock(addr)
	}
}

// releaseChildren drops every owned reference in the payload before the
// object itself is deallocated.
func (h *Heap) releaseChildren(addr Address) {
	switch h.Kind(addr) {
	case HeapInt, HeapText, HeapForeign:
		// No owned references.
	case HeapTag:
		h.Release(h.TagValue(addr), 1)
	case HeapList:
		for i := range h.ListLen(addr) {
			h.Release(h.ListItem(addr, i), 1)
		}
	case HeapStruct:
		n := h.StructLen(addr)
		for i := range n {
			h.Release(h.StructKey(addr, i), 1)
			h.Release(h.StructValue(addr, i), 1)
		}
	case HeapFunction:
		for i := range h.FunctionCapturedLen(addr) {
			h.Release(h.FunctionCaptured(addr, i), 1)
		}
	default:
		fatalf("invalid heap kind in header at %#x", uint64(addr))
	}
}

// freeBlock poisons the words and pushes the block onto the free list.
func (h *Heap) freeBlock(addr Address) {
	total := 2 + h.payloadWords(addr) // header + count + payload
	base := h.wordIndex(addr)
	h.words[base] = poisonHeader
	for i := 1; i < total; i++ {
		h.words[base+i] = poisonWord
	}
	h.free[total] = append(h.free[total], addr)
	h.liveObjects--
}

package vm

import "fmt"

// SymbolTable interns symbol text and maps it to dense IDs. Symbols are
// immutable and never reference-counted, so a table (and the inline
// symbol words derived from it) can be shared read-only across machines
// running the same program image.
type SymbolTable struct {
	names []string
	ids   map[string]SymbolID
}

// Well-known symbols, interned at fixed IDs in every table. Program
// images rely on these IDs, so the list is append-only.
const (
	SymbolNothing SymbolID = iota
	SymbolTrue
	SymbolFalse
	SymbolLess
	SymbolEqual
	SymbolGreater
	SymbolOk
	SymbolError
	SymbolInt
	SymbolText
	SymbolTag
	SymbolList
	SymbolStruct
	SymbolFunction
	SymbolForeign
)

var wellKnownSymbols = []string{
	"Nothing",
	"True",
	"False",
	"Less",
	"Equal",
	"Greater",
	"Ok",
	"Error",
	"Int",
	"Text",
	"Tag",
	"List",
	"Struct",
	"Function",
	"Foreign",
}

// NewSymbolTable creates a table with the well-known symbols interned.
func NewSymbolTable() *SymbolTable {
	t := &SymbolTable{ids: make(map[string]SymbolID, len(wellKnownSymbols))}
	for _, name := range wellKnownSymbols {
		t.Intern(name)
	}
	return t
}

// Intern returns the ID for name, adding it to the table if needed.
func (t *SymbolTable) Intern(name string) SymbolID {
	if id, ok := t.ids[name]; ok {
		return id
	}
	id := SymbolID(len(t.names))
	t.names = append(t.names, name)
	t.ids[name] = id
	return id
}

// Name returns the text of an interned symbol.
func (t *SymbolTable) Name(id SymbolID) string {
	if int(id) >= len(t.names) {
		fatalf("symbol ID %d not in table (%d symbols)", id, len(t.names))
	}
	return t.names[id]
}

// Lookup returns the ID for name without interning it.
func (t *SymbolTable) Lookup(name string) (SymbolID, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int {
	return len(t.names)
}

// Names returns the interned symbol texts in ID order. The slice is the
// image serialization of the table; callers must not mutate it.
func (t *SymbolTable) Names() []string {
	return t.names
}

// symbolTableFromNames rebuilds a table from an image. The first entries
// must match the well-known list, otherwise the image targets an
// incompatible ABI.
func symbolTableFromNames(names []string) (*SymbolTable, error) {
	if len(names) < len(wellKnownSymbols) {
		return nil, fmt.Errorf("symbol table too short: %d entries", len(names))
	}
	t := &SymbolTable{ids: make(map[string]SymbolID, len(names))}
	for i, name := range names {
		if i < len(wellKnownSymbols) && name != wellKnownSymbols[i] {
			return nil, fmt.Errorf("symbol %d is %q, want %q", i, name, wellKnownSymbols[i])
		}
		if _, ok := t.ids[name]; ok {
			return nil, fmt.Errorf("duplicate symbol %q", name)
		}
		t.names = append(t.names, name)
		t.ids[name] = SymbolID(i)
	}
	return t, nil
}

// FromBool converts a Go bool to the True or False symbol.
func FromBool(b bool) Value {
	if b {
		return FromSymbol(SymbolTrue)
	}
	return FromSymbol(SymbolFalse)
}

// Nothing is pushed by operations that return no interesting value.
func Nothing() Value {
	return FromSymbol(SymbolNothing)
}

package vm

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Program images
// ---------------------------------------------------------------------------
//
// An image is the on-disk form of a Program: canonical CBOR, so the same
// program always serializes to the same bytes and images can be hashed
// and diffed. Loading re-validates everything; an image is untrusted
// input.

const (
	imageMagic   = "taffy-image"
	imageVersion = 1
)

type imageFile struct {
	Magic         string             `cbor:"magic"`
	Version       int                `cbor:"version"`
	Instructions  []imageInstruction `cbor:"instructions"`
	Texts         []string           `cbor:"texts"`
	BigInts       []BigConstant      `cbor:"bigInts"`
	Symbols       []string           `cbor:"symbols"`
	Scopes        []string           `cbor:"scopes"`
	Entry         int                `cbor:"entry"`
	EntryArgCount int                `cbor:"entryArgCount"`
}

type imageInstruction struct {
	_  struct{} `cbor:",toarray"`
	Op uint8
	A  int64
	B  int64
	C  int64
}

var imageEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

var imageDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		MaxArrayElements: 1 << 26,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// WriteImage serializes p to w in canonical form.
func WriteImage(w io.Writer, p *Program) error {
	file := imageFile{
		Magic:         imageMagic,
		Version:       imageVersion,
		Instructions:  make([]imageInstruction, len(p.Instructions)),
		Texts:         p.Texts,
		BigInts:       p.BigInts,
		Symbols:       p.Symbols.Names(),
		Scopes:        p.Scopes,
		Entry:         p.Entry,
		EntryArgCount: p.EntryArgCount,
	}
	for i, in := range p.Instructions {
		file.Instructions[i] = imageInstruction{Op: uint8(in.Op), A: in.A, B: in.B, C: in.C}
	}
	data, err := imageEncMode.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	return nil
}

// ReadImage deserializes and validates a program image.
func ReadImage(r io.Reader) (*Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	var file imageFile
	if err := imageDecMode.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	if file.Magic != imageMagic {
		return nil, fmt.Errorf("not a program image (magic %q)", file.Magic)
	}
	if file.Version != imageVersion {
		return nil, fmt.Errorf("unsupported image version %d, expected %d", file.Version, imageVersion)
	}
	symbols, err := symbolTableFromNames(file.Symbols)
	if err != nil {
		return nil, fmt.Errorf("invalid symbol table: %w", err)
	}
	p := &Program{
		Instructions:  make([]Instruction, len(file.Instructions)),
		Texts:         file.Texts,
		BigInts:       file.BigInts,
		Symbols:       symbols,
		Scopes:        file.Scopes,
		Entry:         file.Entry,
		EntryArgCount: file.EntryArgCount,
	}
	for i, in := range file.Instructions {
		p.Instructions[i] = Instruction{Op: Opcode(in.Op), A: in.A, B: in.B, C: in.C}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	return p, nil
}

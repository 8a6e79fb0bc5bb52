// Package line implements the DWARF 2 line-number program state
// machine, grounded on delve's
// pkg/dwarf/line/{line_parser,state_machine}.go but reworked around a
// central contract: the file table is populated incrementally by
// DW_LNE_define_file while the machine runs, so it must never be
// snapshotted ahead of time. Program.StateMachine returns a fresh,
// restartable iterator; FileEntryAt(n) always reflects exactly the
// opcodes executed so far, never more.
package line

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wcdbg/wcdbg/internal/dwarf/leb128"
)

// addrSize is fixed at 4 bytes: this debugger targets 32-bit x86 only.
const addrSize = 4

// FileEntry is one row of a line program's file table, whether it came
// from the header's initial file_names list or from a DW_LNE_define_file
// opcode executed later.
type FileEntry struct {
	Name     string
	DirIndex uint64
	Mtime    uint64
	Length   uint64
}

// Program is a parsed DWARF 2 line-number program header plus its
// unexecuted instruction stream. It is immutable once parsed; all
// mutable state (the growing file table, the running registers) lives in
// a StateMachine created from it.
type Program struct {
	Version           uint16
	MinInstrLen       uint8
	DefaultIsStmt     bool
	LineBase          int8
	LineRange         uint8
	OpcodeBase        uint8
	StdOpcodeLengths  []uint8
	InitialIncludeDir []string
	InitialFiles      []FileEntry
	Instructions      []byte
}

// Parse parses a single DWARF 2 line-number program beginning at the
// start of data (i.e. data is exactly one unit's contribution to
// .debug_line, as pointed to by a compilation unit's DW_AT_stmt_list).
func Parse(data []byte) (*Program, error) {
	buf := bytes.NewBuffer(data)

	var unitLength uint32
	if err := binary.Read(buf, binary.LittleEndian, &unitLength); err != nil {
		return nil, fmt.Errorf("line program: reading unit_length: %w", err)
	}
	if int(unitLength) > buf.Len() {
		return nil, fmt.Errorf("line program: unit_length %d exceeds available data", unitLength)
	}
	unitData := buf.Next(int(unitLength))
	ubuf := bytes.NewBuffer(unitData)

	p := &Program{}

	if err := binary.Read(ubuf, binary.LittleEndian, &p.Version); err != nil {
		return nil, fmt.Errorf("line program: reading version: %w", err)
	}
	if p.Version != 2 {
		return nil, fmt.Errorf("line program: unsupported DWARF line program version %d (only DWARF 2 is supported)", p.Version)
	}

	var prologueLength uint32
	if err := binary.Read(ubuf, binary.LittleEndian, &prologueLength); err != nil {
		return nil, fmt.Errorf("line program: reading prologue_length: %w", err)
	}
	if int(prologueLength) > ubuf.Len() {
		return nil, fmt.Errorf("line program: prologue_length %d exceeds available data", prologueLength)
	}
	prologueStart := ubuf.Len()
	prologueBuf := bytes.NewBuffer(ubuf.Next(int(prologueLength)))
	instrStart := prologueStart - int(prologueLength)
	_ = instrStart

	minInstrLen, err := prologueBuf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("line program: reading minimum_instruction_length: %w", err)
	}
	p.MinInstrLen = minInstrLen

	defaultIsStmt, err := prologueBuf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("line program: reading default_is_stmt: %w", err)
	}
	p.DefaultIsStmt = defaultIsStmt != 0

	lineBase, err := prologueBuf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("line program: reading line_base: %w", err)
	}
	p.LineBase = int8(lineBase)

	lineRange, err := prologueBuf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("line program: reading line_range: %w", err)
	}
	p.LineRange = lineRange
	if p.LineRange == 0 {
		return nil, fmt.Errorf("line program: line_range must not be zero")
	}

	opcodeBase, err := prologueBuf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("line program: reading opcode_base: %w", err)
	}
	p.OpcodeBase = opcodeBase

	p.StdOpcodeLengths = make([]uint8, 0, int(opcodeBase)-1)
	for i := 0; i < int(opcodeBase)-1; i++ {
		b, err := prologueBuf.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("line program: reading standard_opcode_lengths[%d]: %w", i, err)
		}
		p.StdOpcodeLengths = append(p.StdOpcodeLengths, b)
	}

	for {
		dir, err := leb128.ReadCString(prologueBuf)
		if err != nil {
			return nil, fmt.Errorf("line program: reading include_directories: %w", err)
		}
		if dir == "" {
			break
		}
		p.InitialIncludeDir = append(p.InitialIncludeDir, dir)
	}

	for {
		name, err := leb128.ReadCString(prologueBuf)
		if err != nil {
			return nil, fmt.Errorf("line program: reading file_names: %w", err)
		}
		if name == "" {
			break
		}
		dirIndex, err := leb128.DecodeUnsigned(prologueBuf)
		if err != nil {
			return nil, fmt.Errorf("line program: reading file_names[].dir_index: %w", err)
		}
		mtime, err := leb128.DecodeUnsigned(prologueBuf)
		if err != nil {
			return nil, fmt.Errorf("line program: reading file_names[].mtime: %w", err)
		}
		length, err := leb128.DecodeUnsigned(prologueBuf)
		if err != nil {
			return nil, fmt.Errorf("line program: reading file_names[].length: %w", err)
		}
		p.InitialFiles = append(p.InitialFiles, FileEntry{Name: name, DirIndex: dirIndex, Mtime: mtime, Length: length})
	}

	// Watcom producers commonly leave InitialFiles empty here and add
	// every entry later via DW_LNE_define_file as the program runs; that
	// is expected, not an error.

	p.Instructions = ubuf.Bytes()

	return p, nil
}

package line

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wcdbg/wcdbg/internal/dwarf/leb128"
)

// Row is one entry of the line-number matrix: a machine-state snapshot
// taken at a DW_LNS_copy, special or DW_LNE_end_sequence opcode.
type Row struct {
	Address     uint64
	File        int // 1-based index into the file table valid AT THIS ROW
	Line        int
	Column      uint64
	IsStmt      bool
	EndSequence bool
}

// StateMachine executes a Program's instruction stream one row at a
// time. Its file table starts as a copy of the program's header table
// and grows as DW_LNE_define_file opcodes are executed; callers must
// resolve a row's File index through FileEntryAt immediately, before
// calling Next again, to see the table exactly as it stood when that row
// was produced — this discipline avoids the "empty file table" bug
// lazy Watcom producers trigger.
type StateMachine struct {
	prog *Program
	buf  *bytes.Buffer

	address     uint64
	file        int
	line        int
	column      uint64
	isStmt      bool
	basicBlock  bool
	endSequence bool

	files       []FileEntry
	includeDirs []string

	exhausted bool
}

// StateMachine returns a fresh iterator over p's instructions. Each call
// returns an independent machine with its own copy of the initial file
// table, so a program can be re-walked from the start (e.g. once to
// build an index, again for diagnostics) without state leaking between
// runs.
func (p *Program) StateMachine() *StateMachine {
	sm := &StateMachine{
		prog:        p,
		buf:         bytes.NewBuffer(p.Instructions),
		file:        1,
		line:        1,
		isStmt:      p.DefaultIsStmt,
		files:       append([]FileEntry(nil), p.InitialFiles...),
		includeDirs: append([]string(nil), p.InitialIncludeDir...),
	}
	return sm
}

// FileEntryAt returns the file table entry at 1-based index idx as the
// table stands right now (after every opcode executed so far, including
// any DW_LNE_define_file rows). ok is false if idx is out of range,
// which callers must treat as "fall back to the compilation unit name".
func (sm *StateMachine) FileEntryAt(idx int) (FileEntry, bool) {
	if idx < 1 || idx > len(sm.files) {
		return FileEntry{}, false
	}
	return sm.files[idx-1], true
}

// IncludeDirAt returns the include-directory table entry at 1-based
// index idx as it stands right now. Index 0 conventionally means "the
// compilation directory" and is not stored in this table.
func (sm *StateMachine) IncludeDirAt(idx uint64) (string, bool) {
	if idx < 1 || idx > uint64(len(sm.includeDirs)) {
		return "", false
	}
	return sm.includeDirs[idx-1], true
}

// Next executes opcodes until a row is emitted (DW_LNS_copy, a special
// opcode or DW_LNE_end_sequence) or the instruction stream is exhausted. ok is
// false once there are no more rows.
func (sm *StateMachine) Next() (Row, bool, error) {
	if sm.exhausted {
		return Row{}, false, nil
	}
	for {
		if sm.buf.Len() == 0 {
			sm.exhausted = true
			return Row{}, false, nil
		}
		opcode, err := sm.buf.ReadByte()
		if err != nil {
			sm.exhausted = true
			return Row{}, false, nil
		}

		switch {
		case opcode == 0:
			row, emitted, err := sm.execExtended()
			if err != nil {
				return Row{}, false, err
			}
			if emitted {
				return row, true, nil
			}
		case int(opcode) < int(sm.prog.OpcodeBase):
			row, emitted, err := sm.execStandard(opcode)
			if err != nil {
				return Row{}, false, err
			}
			if emitted {
				return row, true, nil
			}
		default:
			row := sm.execSpecial(opcode)
			return row, true, nil
		}
	}
}

func (sm *StateMachine) emitRow(endSequence bool) Row {
	return Row{
		Address:     sm.address,
		File:        sm.file,
		Line:        sm.line,
		Column:      sm.column,
		IsStmt:      sm.isStmt,
		EndSequence: endSequence,
	}
}

func (sm *StateMachine) resetRegisters() {
	sm.address = 0
	sm.file = 1
	sm.line = 1
	sm.column = 0
	sm.isStmt = sm.prog.DefaultIsStmt
	sm.basicBlock = false
	sm.endSequence = false
}

// execSpecial handles opcodes >= OpcodeBase: the DWARF2 special-opcode
// encoding that advances address and line in one byte.
func (sm *StateMachine) execSpecial(opcode byte) Row {
	adjusted := int(opcode) - int(sm.prog.OpcodeBase)
	addrAdvance := adjusted / int(sm.prog.LineRange)
	lineAdvance := int(sm.prog.LineBase) + (adjusted % int(sm.prog.LineRange))

	sm.address += uint64(addrAdvance) * uint64(sm.prog.MinInstrLen)
	sm.line += lineAdvance
	sm.basicBlock = false

	return sm.emitRow(false)
}

// execStandard handles opcodes 1..OpcodeBase-1. Standard opcodes this
// package does not recognize (vendor or forward-DWARF-version
// extensions within the range declared by StdOpcodeLengths) are
// skipped by consuming exactly as many ULEB128 operands as the header
// declares.
func (sm *StateMachine) execStandard(opcode byte) (Row, bool, error) {
	switch opcode {
	case dwLnsCopy:
		row := sm.emitRow(false)
		sm.basicBlock = false
		return row, true, nil

	case dwLnsAdvancePC:
		v, err := leb128.DecodeUnsigned(sm.buf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNS_advance_pc: %w", err)
		}
		sm.address += v * uint64(sm.prog.MinInstrLen)

	case dwLnsAdvanceLine:
		v, err := leb128.DecodeSigned(sm.buf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNS_advance_line: %w", err)
		}
		sm.line += int(v)

	case dwLnsSetFile:
		v, err := leb128.DecodeUnsigned(sm.buf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNS_set_file: %w", err)
		}
		sm.file = int(v)

	case dwLnsSetColumn:
		v, err := leb128.DecodeUnsigned(sm.buf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNS_set_column: %w", err)
		}
		sm.column = v

	case dwLnsNegateStmt:
		sm.isStmt = !sm.isStmt

	case dwLnsSetBasicBlock:
		sm.basicBlock = true

	case dwLnsConstAddPC:
		adjusted := 255 - int(sm.prog.OpcodeBase)
		addrAdvance := adjusted / int(sm.prog.LineRange)
		sm.address += uint64(addrAdvance) * uint64(sm.prog.MinInstrLen)

	case dwLnsFixedAdvancePC:
		var v uint16
		if err := binary.Read(sm.buf, binary.LittleEndian, &v); err != nil {
			return Row{}, false, fmt.Errorf("DW_LNS_fixed_advance_pc: %w", err)
		}
		sm.address += uint64(v)

	default:
		// Opcode declared in the header but not one we implement
		// (DW_LNS_prologue_end/epilogue_begin/set_isa or a vendor
		// opcode): skip its declared operand count.
		if int(opcode)-1 < len(sm.prog.StdOpcodeLengths) {
			n := sm.prog.StdOpcodeLengths[opcode-1]
			for i := 0; i < int(n); i++ {
				if _, err := leb128.DecodeUnsigned(sm.buf); err != nil {
					return Row{}, false, fmt.Errorf("skipping unknown standard opcode %d: %w", opcode, err)
				}
			}
		}
	}
	return Row{}, false, nil
}

// execExtended handles opcode 0 (extended opcodes): a ULEB128 length
// prefix, a one-byte sub-opcode, then length-1 bytes of operands.
func (sm *StateMachine) execExtended() (Row, bool, error) {
	length, err := leb128.DecodeUnsigned(sm.buf)
	if err != nil {
		return Row{}, false, fmt.Errorf("extended opcode: reading length: %w", err)
	}
	if length == 0 {
		return Row{}, false, fmt.Errorf("extended opcode: zero length")
	}
	body := sm.buf.Next(int(length))
	if len(body) != int(length) {
		return Row{}, false, fmt.Errorf("extended opcode: truncated body")
	}
	bbuf := bytes.NewBuffer(body)

	sub, err := bbuf.ReadByte()
	if err != nil {
		return Row{}, false, fmt.Errorf("extended opcode: reading sub-opcode: %w", err)
	}

	switch sub {
	case dwLneEndSequence:
		sm.endSequence = true
		row := sm.emitRow(true)
		sm.resetRegisters()
		return row, true, nil

	case dwLneSetAddress:
		if bbuf.Len() < addrSize {
			return Row{}, false, fmt.Errorf("DW_LNE_set_address: truncated address")
		}
		var addr uint32
		if err := binary.Read(bbuf, binary.LittleEndian, &addr); err != nil {
			return Row{}, false, fmt.Errorf("DW_LNE_set_address: %w", err)
		}
		sm.address = uint64(addr)

	case dwLneDefineFile:
		name, err := leb128.ReadCString(bbuf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNE_define_file: reading name: %w", err)
		}
		dirIndex, err := leb128.DecodeUnsigned(bbuf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNE_define_file: reading dir_index: %w", err)
		}
		mtime, err := leb128.DecodeUnsigned(bbuf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNE_define_file: reading mtime: %w", err)
		}
		flen, err := leb128.DecodeUnsigned(bbuf)
		if err != nil {
			return Row{}, false, fmt.Errorf("DW_LNE_define_file: reading length: %w", err)
		}
		// The file table grows here, mid-program, and any row emitted
		// after this point may reference this new entry.
		sm.files = append(sm.files, FileEntry{Name: name, DirIndex: dirIndex, Mtime: mtime, Length: flen})

	default:
		// Unknown extended opcode within a vendor range: already fully
		// consumed via bbuf.Next(length) above, nothing further to do.
	}

	return Row{}, false, nil
}

// Opcode constants (DWARF 2, section 6.2).
const (
	dwLnsCopy            = 1
	dwLnsAdvancePC       = 2
	dwLnsAdvanceLine     = 3
	dwLnsSetFile         = 4
	dwLnsSetColumn       = 5
	dwLnsNegateStmt      = 6
	dwLnsSetBasicBlock   = 7
	dwLnsConstAddPC      = 8
	dwLnsFixedAdvancePC  = 9

	dwLneEndSequence = 1
	dwLneSetAddress  = 2
	dwLneDefineFile  = 3
)

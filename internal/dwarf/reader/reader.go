// Package reader parses compilation units, abbreviations, and line
// programs out of the DWARF 2 payload located by internal/pescan.
// Grounded on delve's treatment of DWARF 2 in pkg/proc/proc_windows.go
// (dwarfFromPE) and golang.org/x/debug/dwarf, but scoped to exactly
// what a source-line debugger needs: a compilation unit's own
// attributes plus a handle to its line program. Variable and type DIEs
// are never walked, since this debugger does no expression evaluation
// or variable inspection.
package reader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wcdbg/wcdbg/internal/dwarf/leb128"
	"github.com/wcdbg/wcdbg/internal/dwarf/line"
	"github.com/wcdbg/wcdbg/internal/pescan"
	"github.com/wcdbg/wcdbg/pkg/logflags"
	"github.com/wcdbg/wcdbg/pkg/wcerr"
)

// CompilationUnit is the subset of a DWARF 2 compile_unit DIE's
// attributes this debugger consumes.
type CompilationUnit struct {
	// Name is DW_AT_name, used as a fallback source-file name when the
	// line program's file table yields no entry for a row.
	Name string
	// CompDir is DW_AT_comp_dir, used to absolutize relative paths.
	CompDir string
	// HasLineProgram is false when the unit carries no DW_AT_stmt_list.
	HasLineProgram bool
	// LineProgram is parsed lazily; call Reader.LineProgram(cu).
	stmtListOffset uint32
}

// Reader parses the sections of one located debug container.
type Reader struct {
	debugInfo   []byte
	debugAbbrev []byte
	debugLine   []byte
	debugStr    []byte

	abbrevCache map[uint32]abbrevTable
}

// New builds a Reader from a located container's sections.
func New(c *pescan.Container) (*Reader, error) {
	info, ok := c.Section(".debug_info")
	if !ok {
		return nil, &wcerr.NoDebugInfo{Path: "<container>"}
	}
	abbrevSec, ok := c.Section(".debug_abbrev")
	if !ok {
		return nil, &wcerr.NoDebugInfo{Path: "<container>"}
	}
	lineSec, _ := c.Section(".debug_line")
	strSec, _ := c.Section(".debug_str")

	return &Reader{
		debugInfo:   info,
		debugAbbrev: abbrevSec,
		debugLine:   lineSec,
		debugStr:    strSec,
		abbrevCache: map[uint32]abbrevTable{},
	}, nil
}

// CompilationUnits parses every compilation unit in .debug_info. A unit
// whose own DIE cannot be decoded is skipped (and reported in errs) but
// does not abort parsing of the remaining units: malformed DWARF is
// recovered per compilation unit.
func (r *Reader) CompilationUnits() (cus []*CompilationUnit, errs []error) {
	log := logflags.DwarfLogger()
	buf := bytes.NewBuffer(r.debugInfo)
	offset := 0

	for buf.Len() > 0 {
		unitStart := offset

		var unitLength uint32
		if err := binary.Read(buf, binary.LittleEndian, &unitLength); err != nil {
			errs = append(errs, &wcerr.MalformedDwarf{Detail: fmt.Sprintf("reading unit_length at offset %d: %v", unitStart, err)})
			break
		}
		offset += 4

		if int(unitLength) > buf.Len() {
			errs = append(errs, &wcerr.MalformedDwarf{Detail: fmt.Sprintf("unit_length %d at offset %d exceeds remaining .debug_info", unitLength, unitStart)})
			break
		}
		unitData := buf.Next(int(unitLength))
		offset += int(unitLength)

		cu, err := r.parseCompileUnitHeader(unitData)
		if err != nil {
			errs = append(errs, &wcerr.MalformedDwarf{Detail: fmt.Sprintf("compilation unit at offset %d: %v", unitStart, err)})
			continue
		}
		log.WithField("name", cu.Name).WithField("comp_dir", cu.CompDir).Debug("parsed compilation unit")
		cus = append(cus, cu)
	}

	return cus, errs
}

func (r *Reader) parseCompileUnitHeader(unitData []byte) (*CompilationUnit, error) {
	ubuf := bytes.NewBuffer(unitData)

	var version uint16
	if err := binary.Read(ubuf, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != 2 {
		return nil, fmt.Errorf("unsupported DWARF version %d (only DWARF 2 is supported)", version)
	}

	var abbrevOffset uint32
	if err := binary.Read(ubuf, binary.LittleEndian, &abbrevOffset); err != nil {
		return nil, fmt.Errorf("reading debug_abbrev_offset: %w", err)
	}

	addrSize, err := ubuf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading address_size: %w", err)
	}
	_ = addrSize // 32-bit targets only; not otherwise consulted.

	table, ok := r.abbrevCache[abbrevOffset]
	if !ok {
		table, err = parseAbbrevTable(r.debugAbbrev, abbrevOffset)
		if err != nil {
			return nil, fmt.Errorf("parsing abbreviations at offset %d: %w", abbrevOffset, err)
		}
		r.abbrevCache[abbrevOffset] = table
	}

	code, err := leb128.DecodeUnsigned(ubuf)
	if err != nil {
		return nil, fmt.Errorf("reading first DIE abbrev code: %w", err)
	}
	if code == 0 {
		return nil, fmt.Errorf("compilation unit has no top-level DIE")
	}
	decl, ok := table[code]
	if !ok {
		return nil, fmt.Errorf("abbrev code %d not found in table at offset %d", code, abbrevOffset)
	}
	if decl.Tag != dwTagCompileUnit {
		return nil, fmt.Errorf("first DIE has tag %#x, expected DW_TAG_compile_unit", decl.Tag)
	}

	cu := &CompilationUnit{}
	for _, a := range decl.Attrs {
		val, err := r.readFormValue(ubuf, a.Form)
		if err != nil {
			return nil, fmt.Errorf("reading attribute %#x (form %#x): %w", a.Attr, a.Form, err)
		}
		switch a.Attr {
		case dwAtName:
			if s, ok := val.(string); ok {
				cu.Name = s
			}
		case dwAtCompDir:
			if s, ok := val.(string); ok {
				cu.CompDir = s
			}
		case dwAtStmtList:
			if n, ok := toUint32(val); ok {
				cu.stmtListOffset = n
				cu.HasLineProgram = true
			}
		}
	}

	return cu, nil
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint64:
		return uint32(n), true
	case int64:
		return uint32(n), true
	}
	return 0, false
}

// readFormValue decodes one attribute value per DWARF 2's form
// encodings (section 7.5.4), consuming exactly the bytes that form
// occupies from buf.
func (r *Reader) readFormValue(buf *bytes.Buffer, form uint64) (any, error) {
	switch form {
	case dwFormAddr:
		return readUintN(buf, 4)
	case dwFormBlock2:
		n, err := readUintN(buf, 2)
		if err != nil {
			return nil, err
		}
		return readBlock(buf, int(n))
	case dwFormBlock4:
		n, err := readUintN(buf, 4)
		if err != nil {
			return nil, err
		}
		return readBlock(buf, int(n))
	case dwFormData2:
		return readUintN(buf, 2)
	case dwFormData4:
		return readUintN(buf, 4)
	case dwFormData8:
		return readUintN(buf, 8)
	case dwFormString:
		return leb128.ReadCString(buf)
	case dwFormBlock:
		n, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return nil, err
		}
		return readBlock(buf, int(n))
	case dwFormBlock1:
		n, err := readUintN(buf, 1)
		if err != nil {
			return nil, err
		}
		return readBlock(buf, int(n))
	case dwFormData1:
		return readUintN(buf, 1)
	case dwFormFlag:
		return readUintN(buf, 1)
	case dwFormSdata:
		return leb128.DecodeSigned(buf)
	case dwFormStrp:
		off, err := readUintN(buf, 4)
		if err != nil {
			return nil, err
		}
		return r.stringAt(uint32(off))
	case dwFormUdata:
		return leb128.DecodeUnsigned(buf)
	case dwFormRefAddr:
		return readUintN(buf, 4)
	case dwFormRef1:
		return readUintN(buf, 1)
	case dwFormRef2:
		return readUintN(buf, 2)
	case dwFormRef4:
		return readUintN(buf, 4)
	case dwFormRef8:
		return readUintN(buf, 8)
	case dwFormRefUdata:
		return leb128.DecodeUnsigned(buf)
	case dwFormIndirect:
		actualForm, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return nil, err
		}
		return r.readFormValue(buf, actualForm)
	default:
		return nil, fmt.Errorf("unsupported DWARF form %#x", form)
	}
}

func readUintN(buf *bytes.Buffer, n int) (uint64, error) {
	b := buf.Next(n)
	if len(b) != n {
		return 0, fmt.Errorf("truncated while reading %d-byte value", n)
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func readBlock(buf *bytes.Buffer, n int) ([]byte, error) {
	b := buf.Next(n)
	if len(b) != n {
		return nil, fmt.Errorf("truncated block of length %d", n)
	}
	return b, nil
}

func (r *Reader) stringAt(offset uint32) (string, error) {
	if int(offset) >= len(r.debugStr) {
		return "", fmt.Errorf("strp offset %d beyond .debug_str (len %d)", offset, len(r.debugStr))
	}
	end := bytes.IndexByte(r.debugStr[offset:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at .debug_str offset %d", offset)
	}
	return string(r.debugStr[offset : int(offset)+end]), nil
}

// LineProgram parses and returns cu's line-number program. Callers get a
// fresh *line.Program each time (parsing is cheap relative to walking
// it); use Program.StateMachine for a restartable row iterator.
func (r *Reader) LineProgram(cu *CompilationUnit) (*line.Program, error) {
	if !cu.HasLineProgram {
		return nil, fmt.Errorf("compilation unit %q has no DW_AT_stmt_list", cu.Name)
	}
	if int(cu.stmtListOffset) >= len(r.debugLine) {
		return nil, fmt.Errorf("stmt_list offset %d beyond .debug_line (len %d)", cu.stmtListOffset, len(r.debugLine))
	}
	return line.Parse(r.debugLine[cu.stmtListOffset:])
}

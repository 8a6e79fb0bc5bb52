package lineindex

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/wcdbg/wcdbg/internal/dwarf/reader"
	"github.com/wcdbg/wcdbg/internal/pescan"
)

// The constants below duplicate internal/dwarf/reader's unexported DWARF
// tag/attribute/form codes; they can't be imported across the package
// boundary, so this fixture hand-encodes the same DWARF 2 byte layout
// internal/dwarf/reader's own tests use.
const (
	dwTagCompileUnit = 0x11
	dwAtName         = 0x03
	dwAtCompDir      = 0x1b
	dwAtStmtList     = 0x10
	dwFormString     = 0x08
	dwFormData4      = 0x06
)

func buildWatcomAbbrevTable() []byte {
	var b bytes.Buffer
	b.WriteByte(1)
	b.WriteByte(dwTagCompileUnit)
	b.WriteByte(0)
	b.WriteByte(dwAtName)
	b.WriteByte(dwFormString)
	b.WriteByte(dwAtCompDir)
	b.WriteByte(dwFormString)
	b.WriteByte(dwAtStmtList)
	b.WriteByte(dwFormData4)
	b.WriteByte(0)
	b.WriteByte(0)
	b.WriteByte(0)
	return b.Bytes()
}

func buildWatcomUnit(name, compDir string, stmtListOffset uint32) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint16(2))
	binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteByte(4)
	b.WriteByte(1)
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(compDir)
	b.WriteByte(0)
	binary.Write(&b, binary.LittleEndian, stmtListOffset)
	return b.Bytes()
}

func buildWatcomDebugInfo(name, compDir string, stmtListOffset uint32) []byte {
	unit := buildWatcomUnit(name, compDir, stmtListOffset)
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(len(unit)))
	b.Write(unit)
	return b.Bytes()
}

// buildWatcomLineProgram hand-encodes a DWARF 2 line-number program whose
// file table starts empty and is populated mid-sequence by
// DW_LNE_define_file, the same quirk internal/dwarf/line's state machine
// test exercises at the instruction level — here run through the whole
// reader -> line -> lineindex pipeline instead of a hand-built Program.
func buildWatcomLineProgram(fileName string, lineAfterDefine int) []byte {
	var prologue bytes.Buffer
	prologue.WriteByte(1)                                     // minimum_instruction_length
	prologue.WriteByte(1)                                     // default_is_stmt
	prologue.WriteByte(byte(-5 & 0xff))                        // line_base
	prologue.WriteByte(14)                                    // line_range
	prologue.WriteByte(13)                                    // opcode_base
	prologue.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}) // standard_opcode_lengths
	prologue.WriteByte(0)                                     // include_directories terminator (none)
	prologue.WriteByte(0)                                     // file_names terminator (none, Watcom-lazy)

	advance := byte(lineAfterDefine - 1)
	instructions := []byte{
		// DW_LNE_set_address 0x00001000
		0x00, 0x05, 0x02, 0x00, 0x10, 0x00, 0x00,
		// DW_LNS_copy: row 1, file table still empty
		0x01,
	}
	instructions = append(instructions, 0x00, byte(5+len(fileName)), 0x03)
	instructions = append(instructions, []byte(fileName)...)
	instructions = append(instructions, 0x00, 0x00, 0x00, 0x00) // dir_index, mtime, length
	instructions = append(instructions,
		0x02, 0x10, // DW_LNS_advance_pc 16
		0x03, advance, // DW_LNS_advance_line
		0x01,                   // DW_LNS_copy: row 2, file table now has fileName
		0x00, 0x01, 0x01, // DW_LNE_end_sequence
	)

	var unit bytes.Buffer
	binary.Write(&unit, binary.LittleEndian, uint16(2))
	binary.Write(&unit, binary.LittleEndian, uint32(prologue.Len()))
	unit.Write(prologue.Bytes())
	unit.Write(instructions)

	var full bytes.Buffer
	binary.Write(&full, binary.LittleEndian, uint32(unit.Len()))
	full.Write(unit.Bytes())
	return full.Bytes()
}

// buildPE32WithDebugSections hand-assembles a minimal 32-bit PE image
// carrying its DWARF payload as native .debug_* sections, the same
// layout internal/pescan's own fixtures use for the non-Watcom,
// PE-native case.
func buildPE32WithDebugSections(abbrev, info, line []byte) []byte {
	sections := []struct {
		name string
		data []byte
	}{
		{".debug_abbrev", abbrev},
		{".debug_info", info},
		{".debug_line", line},
	}

	var strtab bytes.Buffer
	names := make([][8]byte, len(sections))
	for i, s := range sections {
		if len(s.name) <= 8 {
			copy(names[i][:], s.name)
			continue
		}
		off := uint32(4 + strtab.Len())
		strtab.WriteString(s.name)
		strtab.WriteByte(0)
		names[i] = [8]byte{'/'}
		copy(names[i][1:], []byte(itoaWatcom(off)))
	}

	var buf bytes.Buffer
	dos := make([]byte, 96)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 96)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	headerEnd := 96 + 4 + binary.Size(pe.FileHeader{}) + binary.Size(pe.OptionalHeader32{}) + len(sections)*binary.Size(pe.SectionHeader32{})
	dataOffset := (headerEnd + 0xf) &^ 0xf

	sectionDataSize := 0
	for _, s := range sections {
		sectionDataSize += len(s.data)
	}
	symtabOffset := dataOffset + sectionDataSize

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      0x0102,
		PointerToSymbolTable: uint32(symtabOffset),
	}
	binary.Write(&buf, binary.LittleEndian, fh)

	oh := pe.OptionalHeader32{
		Magic:               0x10b,
		AddressOfEntryPoint: 0x1000,
		ImageBase:           0x400000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x10000,
		SizeOfHeaders:       0x400,
		Subsystem:           2,
		NumberOfRvaAndSizes: 16,
	}
	binary.Write(&buf, binary.LittleEndian, oh)

	off := dataOffset
	for i, s := range sections {
		hdr := pe.SectionHeader32{
			Name:             names[i],
			VirtualSize:      uint32(len(s.data)),
			VirtualAddress:   uint32(0x1000 * (i + 1)),
			SizeOfRawData:    uint32(len(s.data)),
			PointerToRawData: uint32(off),
		}
		binary.Write(&buf, binary.LittleEndian, hdr)
		off += len(s.data)
	}

	for buf.Len() < dataOffset {
		buf.WriteByte(0)
	}
	for _, s := range sections {
		buf.Write(s.data)
	}

	binary.Write(&buf, binary.LittleEndian, uint32(4+strtab.Len()))
	buf.Write(strtab.Bytes())

	return buf.Bytes()
}

func itoaWatcom(n uint32) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// TestBuildResolvesLazyWatcomFileTable runs a synthetic Watcom-shaped
// DWARF 2 container through the full reader -> line -> Build pipeline
// and checks that the row emitted after DW_LNE_define_file resolves to
// the real defined path rather than a placeholder.
func TestBuildResolvesLazyWatcomFileTable(t *testing.T) {
	abbrev := buildWatcomAbbrevTable()
	line := buildWatcomLineProgram("testdll.c", 10)
	info := buildWatcomDebugInfo("testdll.c", "", 0)

	raw := buildPE32WithDebugSections(abbrev, info, line)
	rdr, err := reader.New(&pescan.Container{Data: raw})
	if err != nil {
		t.Fatal(err)
	}

	idx, errs := Build(rdr)
	if len(errs) != 0 {
		t.Fatalf("unexpected build errors: %v", errs)
	}

	files := idx.Files()
	if len(files) != 1 {
		t.Fatalf("got %d resolved files, want 1: %v", len(files), files)
	}
	if files[0] == "unknown" || files[0] == "" {
		t.Fatalf("got placeholder file name %q, want the real defined path", files[0])
	}
	if files[0] != "testdll.c" {
		t.Fatalf("got file %q, want testdll.c", files[0])
	}

	addr, ok := idx.LineToAddress("testdll.c", 10)
	if !ok || addr != 0x1010 {
		t.Fatalf("got addr=%#x ok=%v, want 0x1010", addr, ok)
	}
}

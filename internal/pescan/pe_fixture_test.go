package pescan

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
)

// peSection is one named section to embed in a synthetic PE image.
type peSection struct {
	name string
	data []byte
}

// buildPE32 hand-assembles a minimal, well-formed 32-bit PE image with
// the given sections, file-offset aligned on 16 bytes for simplicity
// (no real section/file alignment requirements apply to debug/pe's
// reader). Used to exercise pescan's PE-native path without a real
// Watcom-produced binary on disk.
func buildPE32(sections []peSection) []byte {
	return buildPE32WithExportDir(sections, -1)
}

// buildPE32WithExportDir is buildPE32 plus a DataDirectory export entry
// pointing at sections[exportSectionIndex], or no export entry at all
// when exportSectionIndex is negative.
func buildPE32WithExportDir(sections []peSection, exportSectionIndex int) []byte {
	// Section names longer than 8 bytes (".debug_info" and friends)
	// don't fit IMAGE_SECTION_HEADER.Name, so the real PE format spills
	// them into the COFF string table and references them as "/offset".
	// Build that table's content up front so the file header's
	// PointerToSymbolTable can point at it.
	var strtab bytes.Buffer
	names := make([][8]byte, len(sections))
	strOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		if len(s.name) <= 8 {
			copy(names[i][:], s.name)
			continue
		}
		strOffsets[i] = uint32(4 + strtab.Len())
		strtab.WriteString(s.name)
		strtab.WriteByte(0)
		names[i] = [8]byte{'/'}
		copy(names[i][1:], []byte(itoa(strOffsets[i])))
	}

	var buf bytes.Buffer

	// DOS header: 96 bytes matching the minimum debug/pe.NewFile reads
	// directly, with e_lfanew (offset 0x3c) pointing past it.
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
		Characteristics:      0x0102, // executable, 32-bit machine
		PointerToSymbolTable: uint32(symtabOffset),
		NumberOfSymbols:      0,
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
	if exportSectionIndex >= 0 && exportSectionIndex < len(sections) {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{
			VirtualAddress: uint32(0x1000 * (exportSectionIndex + 1)),
			Size:           uint32(len(sections[exportSectionIndex].data)),
		}
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

	// COFF string table: a 4-byte total length (including itself)
	// followed by the NUL-terminated names referenced above.
	binary.Write(&buf, binary.LittleEndian, uint32(4+strtab.Len()))
	buf.Write(strtab.Bytes())

	return buf.Bytes()
}

func itoa(n uint32) string {
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

// buildELF32 hand-assembles a minimal, well-formed 32-bit ELF file with
// the given named sections plus a section header string table, the way
// the Watcom toolchain's appended debug container looks to
// scanAppendedELF.
func buildELF32(sections []peSection) []byte {
	const ehsize = 52
	const shentsize = 40

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0) // index 0 is the empty name
	nameOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffsets[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	dataOff := ehsize
	type placedSection struct {
		off  int
		size int
	}
	placements := make([]placedSection, len(sections))
	off := dataOff
	for i, s := range sections {
		placements[i] = placedSection{off: off, size: len(s.data)}
		off += len(s.data)
	}
	shstrtabOff := off
	off += shstrtab.Len()
	shoff := off

	var buf bytes.Buffer
	hdr := elf.Header32{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint32(shoff),
		Ehsize:    ehsize,
		Shentsize: shentsize,
		Shnum:     uint16(len(sections) + 2), // null + sections + shstrtab
		Shstrndx:  uint16(len(sections) + 1),
	}
	binary.Write(&buf, binary.LittleEndian, hdr)

	for _, s := range sections {
		buf.Write(s.data)
	}
	buf.Write(shstrtab.Bytes())

	// Section 0: the mandatory null section.
	binary.Write(&buf, binary.LittleEndian, elf.Section32{})
	for i, s := range sections {
		binary.Write(&buf, binary.LittleEndian, elf.Section32{
			Name: nameOffsets[i],
			Type: uint32(elf.SHT_PROGBITS),
			Off:  uint32(placements[i].off),
			Size: uint32(len(s.data)),
		})
	}
	binary.Write(&buf, binary.LittleEndian, elf.Section32{
		Name: shstrtabNameOff,
		Type: uint32(elf.SHT_STRTAB),
		Off:  uint32(shstrtabOff),
		Size: uint32(shstrtab.Len()),
	})

	return buf.Bytes()
}

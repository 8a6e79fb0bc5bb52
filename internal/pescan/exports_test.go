package pescan

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildExportSectionData lays out an IMAGE_EXPORT_DIRECTORY plus its
// names/ordinals/functions arrays and name strings, all relative to
// sectionVA, for Exports to walk.
func buildExportSectionData(sectionVA uint32) []byte {
	const hdrSize = 40
	const namesOff = hdrSize
	const ordOff = namesOff + 2*4
	const funcsOff = ordOff + 2*2
	const strOff = funcsOff + 2*4

	hdr := imageExportDirectory{
		Base:                 1,
		NumberOfFunctions:    2,
		NumberOfNames:        2,
		AddressOfFunctions:   sectionVA + funcsOff,
		AddressOfNames:       sectionVA + namesOff,
		AddressOfNameOrdinal: sectionVA + ordOff,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)

	fooOff := strOff
	barOff := strOff + 4 // len("Foo\x00")
	binary.Write(&buf, binary.LittleEndian, uint32(sectionVA+uint32(fooOff)))
	binary.Write(&buf, binary.LittleEndian, uint32(sectionVA+uint32(barOff)))

	binary.Write(&buf, binary.LittleEndian, uint16(0)) // Foo -> ordinal 0 -> Base+0 = function index 0
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // Bar -> ordinal 1 -> function index 1

	binary.Write(&buf, binary.LittleEndian, uint32(0x1111))
	binary.Write(&buf, binary.LittleEndian, uint32(0x2222))

	buf.WriteString("Foo\x00")
	buf.WriteString("Bar\x00")

	return buf.Bytes()
}

func TestExportsParsesNameTable(t *testing.T) {
	const sectionVA = 0x2000
	edata := buildExportSectionData(sectionVA)

	raw := buildPE32WithExportDir([]peSection{
		{name: ".text", data: []byte{0x90}},
		{name: ".edata", data: edata},
	}, 1)

	path := writeTempFile(t, raw)

	exports, err := Exports(path)
	if err != nil {
		t.Fatal(err)
	}
	if exports["Foo"] != 0x1111 || exports["Bar"] != 0x2222 {
		t.Fatalf("got %v, want Foo=0x1111 Bar=0x2222", exports)
	}
}

func TestExportsReturnsEmptyMapWithoutExportDirectory(t *testing.T) {
	raw := buildPE32([]peSection{{name: ".text", data: []byte{0x90}}})
	path := writeTempFile(t, raw)

	exports, err := Exports(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(exports) != 0 {
		t.Fatalf("expected an empty map, got %v", exports)
	}
}

package pescan

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// imageExportDirectory mirrors IMAGE_EXPORT_DIRECTORY (winnt.h), the
// handful of fields needed to walk the name/ordinal tables.
type imageExportDirectory struct {
	_                    uint32 // Characteristics
	_                    uint32 // TimeDateStamp
	_                    uint16 // MajorVersion
	_                    uint16 // MinorVersion
	_                    uint32 // Name
	Base                 uint32
	NumberOfFunctions    uint32
	NumberOfNames        uint32
	AddressOfFunctions   uint32
	AddressOfNames       uint32
	AddressOfNameOrdinal uint32
}

// Exports parses a PE image's export directory (if any) into a
// name -> RVA map. Returns an empty map, not an error, when the image
// carries no export table; a module's export table is an optional
// attribute, not every DLL exposes one.
func Exports(path string) (map[string]uint32, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid PE image: %w", path, err)
	}
	defer f.Close()

	oh32, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	if !ok {
		// 64-bit optional headers never occur for a 32-bit target.
		return map[string]uint32{}, nil
	}
	if len(oh32.DataDirectory) == 0 {
		return map[string]uint32{}, nil
	}
	dir := oh32.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return map[string]uint32{}, nil
	}

	sec := sectionContaining(f, dir.VirtualAddress)
	if sec == nil {
		return map[string]uint32{}, nil
	}
	secData, err := sec.Data()
	if err != nil {
		return map[string]uint32{}, nil
	}

	rvaToOffset := func(rva uint32) (int, bool) {
		off := int64(rva) - int64(sec.VirtualAddress)
		if off < 0 || off >= int64(len(secData)) {
			return 0, false
		}
		return int(off), true
	}

	hdrOff, ok := rvaToOffset(dir.VirtualAddress)
	if !ok || hdrOff+40 > len(secData) {
		return map[string]uint32{}, nil
	}
	var hdr imageExportDirectory
	if err := binary.Read(bytes.NewReader(secData[hdrOff:hdrOff+40]), binary.LittleEndian, &hdr); err != nil {
		return map[string]uint32{}, nil
	}

	exports := make(map[string]uint32, hdr.NumberOfNames)

	namesOff, ok := rvaToOffset(hdr.AddressOfNames)
	if !ok {
		return exports, nil
	}
	ordOff, ok := rvaToOffset(hdr.AddressOfNameOrdinal)
	if !ok {
		return exports, nil
	}
	funcsOff, ok := rvaToOffset(hdr.AddressOfFunctions)
	if !ok {
		return exports, nil
	}

	for i := uint32(0); i < hdr.NumberOfNames; i++ {
		nameRVAOff := namesOff + int(i)*4
		if nameRVAOff+4 > len(secData) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(secData[nameRVAOff : nameRVAOff+4])
		nOff, ok := rvaToOffset(nameRVA)
		if !ok {
			continue
		}
		end := bytes.IndexByte(secData[nOff:], 0)
		if end < 0 {
			continue
		}
		name := string(secData[nOff : nOff+end])

		ordOffI := ordOff + int(i)*2
		if ordOffI+2 > len(secData) {
			continue
		}
		ordinal := binary.LittleEndian.Uint16(secData[ordOffI : ordOffI+2])

		fnOff := funcsOff + int(ordinal)*4
		if fnOff+4 > len(secData) {
			continue
		}
		exports[name] = binary.LittleEndian.Uint32(secData[fnOff : fnOff+4])
	}

	return exports, nil
}

func sectionContaining(f *pe.File, rva uint32) *pe.Section {
	for _, s := range f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s
		}
	}
	return nil
}

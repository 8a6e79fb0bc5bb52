package reader

import (
	"bytes"
	"fmt"

	"github.com/wcdbg/wcdbg/internal/dwarf/leb128"
)

// Well-known DWARF 2 tags and attribute/form codes this package needs.
// Only the handful required to read a compilation unit's own attributes
// are named; everything else is treated opaquely by form.
const (
	dwTagCompileUnit = 0x11

	dwAtName     = 0x03
	dwAtCompDir  = 0x1b
	dwAtStmtList = 0x10

	dwFormAddr     = 0x01
	dwFormBlock2   = 0x03
	dwFormBlock4   = 0x04
	dwFormData2    = 0x05
	dwFormData4    = 0x06
	dwFormData8    = 0x07
	dwFormString   = 0x08
	dwFormBlock    = 0x09
	dwFormBlock1   = 0x0a
	dwFormData1    = 0x0b
	dwFormFlag     = 0x0c
	dwFormSdata    = 0x0d
	dwFormStrp     = 0x0e
	dwFormUdata    = 0x0f
	dwFormRefAddr  = 0x10
	dwFormRef1     = 0x11
	dwFormRef2     = 0x12
	dwFormRef4     = 0x13
	dwFormRef8     = 0x14
	dwFormRefUdata = 0x15
	dwFormIndirect = 0x16
)

// abbrevAttr is one (attribute, form) pair in an abbreviation declaration.
type abbrevAttr struct {
	Attr uint64
	Form uint64
}

// abbrev is one declaration in a .debug_abbrev table.
type abbrev struct {
	Tag         uint64
	HasChildren bool
	Attrs       []abbrevAttr
}

// abbrevTable maps abbreviation code -> declaration, scoped to one
// compilation unit's debug_abbrev_offset.
type abbrevTable map[uint64]abbrev

// parseAbbrevTable parses the abbreviation declarations starting at
// offset within data, stopping at the terminating (code=0) entry.
func parseAbbrevTable(data []byte, offset uint32) (abbrevTable, error) {
	if int(offset) > len(data) {
		return nil, fmt.Errorf("abbrev offset %d beyond .debug_abbrev (len %d)", offset, len(data))
	}
	buf := bytes.NewBuffer(data[offset:])
	table := abbrevTable{}

	for {
		code, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return nil, fmt.Errorf("reading abbrev code: %w", err)
		}
		if code == 0 {
			break
		}

		tag, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return nil, fmt.Errorf("reading abbrev tag: %w", err)
		}
		hasChildren, err := buf.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading abbrev has_children: %w", err)
		}

		var attrs []abbrevAttr
		for {
			attr, err := leb128.DecodeUnsigned(buf)
			if err != nil {
				return nil, fmt.Errorf("reading abbrev attr: %w", err)
			}
			form, err := leb128.DecodeUnsigned(buf)
			if err != nil {
				return nil, fmt.Errorf("reading abbrev form: %w", err)
			}
			if attr == 0 && form == 0 {
				break
			}
			attrs = append(attrs, abbrevAttr{Attr: attr, Form: form})
		}

		table[code] = abbrev{Tag: tag, HasChildren: hasChildren != 0, Attrs: attrs}
	}

	return table, nil
}

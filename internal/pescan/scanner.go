// Package pescan locates the DWARF 2 payload the Watcom toolchain
// appends to a PE image, either as native .debug_* sections or as an
// embedded ELF container.
//
// Grounded on delve's pkg/proc/proc_windows.go (openExecutablePath,
// dwarfFromPE, which read a *pe.File's own .debug_* sections) generalized
// to also cover the Watcom-specific case where the debug info is not a PE
// section at all but a whole ELF blob concatenated after the image.
package pescan

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"fmt"
	"os"

	"github.com/wcdbg/wcdbg/pkg/logflags"
	"github.com/wcdbg/wcdbg/pkg/wcerr"
)

var elfMagic = []byte{0x7F, 'E', 'L', 'F'}

// Container is a located debug-info payload: either a set of standard PE
// debug sections, or a raw byte range holding an appended ELF file.
type Container struct {
	// Elf is non-nil when the payload is an appended ELF container found
	// by tail scanning.
	Elf *elf.File
	// Offset is the byte offset of Elf within the original PE file.
	Offset int64
	// Data is the raw slice from Offset to end of file, kept so callers
	// can re-derive section data without reopening the file.
	Data []byte
}

// Scan opens path, validates the PE signature, and returns the embedded
// debug container. It first tries the image's own DWARF-bearing sections
// (the common case for e.g. mingw-produced binaries); if none contain
// recognizable DWARF it falls back to scanning the raw file for an
// appended ELF blob, preferring the last (tail-most) occurrence whose
// header validates.
//
// Returns *wcerr.NoDebugInfo when no candidate validates.
func Scan(path string) (*Container, error) {
	log := logflags.DwarfLogger()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	peFile, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid PE image: %w", path, err)
	}
	defer peFile.Close()

	if hasStandardDwarfSections(peFile) {
		log.WithField("path", path).Debug("using PE-native debug sections")
		return &Container{Data: raw}, nil
	}

	c, err := scanAppendedELF(raw)
	if err != nil {
		return nil, &wcerr.NoDebugInfo{Path: path}
	}
	log.WithField("path", path).WithField("offset", c.Offset).Debug("found appended ELF debug container")
	return c, nil
}

func hasStandardDwarfSections(f *pe.File) bool {
	for _, name := range []string{".debug_info", ".debug_line", ".debug_abbrev"} {
		if f.Section(name) == nil {
			return false
		}
	}
	return true
}

// scanAppendedELF scans raw for occurrences of the ELF magic sequence and
// returns the last one whose header parses as a well-formed ELF file: a
// linker that appends more than one debug blob leaves the freshest one
// closest to the tail.
func scanAppendedELF(raw []byte) (*Container, error) {
	var best *Container

	start := 0
	for {
		idx := bytes.Index(raw[start:], elfMagic)
		if idx < 0 {
			break
		}
		offset := int64(start + idx)
		candidate := raw[offset:]

		if ef, err := elf.NewFile(bytes.NewReader(candidate)); err == nil {
			best = &Container{Elf: ef, Offset: offset, Data: candidate}
		}
		start += idx + 1
	}

	if best == nil {
		return nil, fmt.Errorf("no valid appended ELF container found")
	}
	return best, nil
}

// Section returns the named section's bytes from the container, whether
// it came from PE-native sections or an appended ELF file.
func (c *Container) Section(name string) ([]byte, bool) {
	if c.Elf != nil {
		sec := c.Elf.Section(name)
		if sec == nil {
			return nil, false
		}
		data, err := sec.Data()
		if err != nil {
			return nil, false
		}
		return data, true
	}

	peFile, err := pe.NewFile(bytes.NewReader(c.Data))
	if err != nil {
		return nil, false
	}
	defer peFile.Close()
	sec := peFile.Section(name)
	if sec == nil {
		return nil, false
	}
	data, err := sec.Data()
	if err != nil {
		return nil, false
	}
	return data, true
}

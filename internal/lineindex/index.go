// Package lineindex implements a per-module bidirectional mapping
// between module-relative addresses and source (file, line, column)
// locations, built from a Reader's compilation units while honoring
// the lazy file-table discipline DWARF line programs from the Watcom
// toolchain require.
package lineindex

import (
	"fmt"
	"sort"

	"github.com/wcdbg/wcdbg/internal/dwarf/reader"
	"github.com/wcdbg/wcdbg/pkg/logflags"
)

// Row is one emitted line-program row, module-relative, with its file
// index already resolved to an absolute path.
type Row struct {
	Address     uint64
	Path        string
	Line        int
	Column      uint64
	IsStmt      bool
	EndSequence bool
}

// Location is the result of an address-to-line lookup.
type Location struct {
	Path   string
	Line   int
	Column uint64
}

type inverseKey struct {
	normPath string
	line     int
}

// Index is the per-module line index.
type Index struct {
	rows    []Row
	inverse map[inverseKey]uint64
	files   map[string]struct{} // set of absolute paths this module resolved at least one row to
}

// Build walks every compilation unit r exposes and constructs an Index.
// Per-unit parse failures are collected in errs and do not prevent the
// remaining units from contributing rows: one malformed unit never
// takes down the whole module's line information.
func Build(r *reader.Reader) (*Index, []error) {
	log := logflags.LineIndexLogger()
	idx := &Index{files: map[string]struct{}{}}

	cus, cuErrs := r.CompilationUnits()
	errs := append([]error(nil), cuErrs...)

	for _, cu := range cus {
		if !cu.HasLineProgram {
			continue
		}
		prog, err := r.LineProgram(cu)
		if err != nil {
			errs = append(errs, fmt.Errorf("line program for %q: %w", cu.Name, err))
			continue
		}

		sm := prog.StateMachine()
		// This cache is scoped to one compilation unit and discarded
		// when the unit ends: a fresh map per CU, never reused or
		// pre-populated across units.
		resolved := map[int]string{}

		for {
			row, ok, err := sm.Next()
			if err != nil {
				errs = append(errs, fmt.Errorf("line program for %q: %w", cu.Name, err))
				break
			}
			if !ok {
				break
			}

			path, cached := resolved[row.File]
			if !cached {
				// Resolve against the file table exactly as it stands
				// after every opcode executed up to and including this
				// row — never a table snapshotted before the state
				// machine ran, since Watcom populates it lazily.
				if entry, found := sm.FileEntryAt(row.File); found {
					dir, _ := sm.IncludeDirAt(entry.DirIndex)
					path = absolutize(dir, entry.Name, cu.CompDir)
					resolved[row.File] = path
				} else {
					path = absolutize("", cu.Name, cu.CompDir)
				}
			}

			idx.rows = append(idx.rows, Row{
				Address:     row.Address,
				Path:        path,
				Line:        row.Line,
				Column:      row.Column,
				IsStmt:      row.IsStmt,
				EndSequence: row.EndSequence,
			})
			if !row.EndSequence {
				idx.files[path] = struct{}{}
			}
		}
	}

	sort.SliceStable(idx.rows, func(i, j int) bool { return idx.rows[i].Address < idx.rows[j].Address })
	idx.buildInverse()

	log.WithField("rows", len(idx.rows)).WithField("files", len(idx.files)).Debug("built line index")
	return idx, errs
}

// FromRows builds an Index directly from a pre-computed row set,
// skipping compilation-unit parsing. Used by tests in packages that
// depend on lineindex (e.g. internal/breakpoint) to exercise pending
// resolution without a real DWARF container.
func FromRows(rows []Row) *Index {
	idx := &Index{rows: append([]Row(nil), rows...), files: map[string]struct{}{}}
	sort.SliceStable(idx.rows, func(i, j int) bool { return idx.rows[i].Address < idx.rows[j].Address })
	for _, r := range idx.rows {
		if !r.EndSequence {
			idx.files[r.Path] = struct{}{}
		}
	}
	idx.buildInverse()
	return idx
}

func (idx *Index) buildInverse() {
	idx.inverse = map[inverseKey]uint64{}
	type candidate struct {
		addr   uint64
		isStmt bool
	}
	best := map[inverseKey]candidate{}

	for _, row := range idx.rows {
		if row.EndSequence {
			continue
		}
		key := inverseKey{normPath: NormalizePath(row.Path), line: row.Line}
		c, ok := best[key]
		if !ok {
			best[key] = candidate{addr: row.Address, isStmt: row.IsStmt}
			continue
		}
		// Ties broken by is_stmt preferred, then lower address.
		switch {
		case row.IsStmt && !c.isStmt:
			best[key] = candidate{addr: row.Address, isStmt: row.IsStmt}
		case row.IsStmt == c.isStmt && row.Address < c.addr:
			best[key] = candidate{addr: row.Address, isStmt: row.IsStmt}
		}
	}

	for key, c := range best {
		idx.inverse[key] = c.addr
	}
}

// AddressToLine resolves a module-relative address to its source
// location: a binary search for the greatest row with address <=
// addrRel whose sequence has not ended.
func (idx *Index) AddressToLine(addrRel uint64) (Location, bool) {
	rows := idx.rows
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Address > addrRel }) - 1
	if i < 0 {
		return Location{}, false
	}
	row := rows[i]
	if row.EndSequence {
		return Location{}, false
	}
	return Location{Path: row.Path, Line: row.Line, Column: row.Column}, true
}

// LineToAddress resolves a source location to a module-relative address
// that implements it: an is_stmt row is preferred, then the lowest
// address.
func (idx *Index) LineToAddress(path string, line int) (uint64, bool) {
	addr, ok := idx.inverse[inverseKey{normPath: NormalizePath(path), line: line}]
	return addr, ok
}

// Files returns the set of absolute source paths this index resolved at
// least one non-end-sequence row to. Used by tests asserting the lazy
// file table was actually consulted rather than falling back to a
// placeholder name.
func (idx *Index) Files() []string {
	out := make([]string, 0, len(idx.files))
	for f := range idx.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// RowCount returns the number of rows in the index, for diagnostics.
func (idx *Index) RowCount() int { return len(idx.rows) }

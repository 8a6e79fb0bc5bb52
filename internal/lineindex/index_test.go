package lineindex

import "testing"

func sampleIndex() *Index {
	return FromRows([]Row{
		{Address: 0x1000, Path: `C:\src\main.c`, Line: 10, IsStmt: true},
		// Two rows both implement line 11: a non-statement row at the
		// lower address and the statement row at the higher one. The
		// tie-break must prefer is_stmt over address.
		{Address: 0x1008, Path: `C:\src\main.c`, Line: 11, IsStmt: false},
		{Address: 0x1010, Path: `C:\src\main.c`, Line: 11, IsStmt: true},
		{Address: 0x1020, Path: `C:\src\main.c`, Line: 20, IsStmt: true},
		{Address: 0x1030, EndSequence: true},
	})
}

func TestAddressToLineExactAndBetween(t *testing.T) {
	idx := sampleIndex()

	if loc, ok := idx.AddressToLine(0x1000); !ok || loc.Line != 10 {
		t.Fatalf("got %+v ok=%v, want line 10", loc, ok)
	}
	// 0x1018 falls between rows 0x1010 and 0x1020: resolves to the
	// greatest row address <= it.
	if loc, ok := idx.AddressToLine(0x1018); !ok || loc.Line != 11 {
		t.Fatalf("got %+v ok=%v, want line 11 (last row <= addr)", loc, ok)
	}
}

func TestAddressToLineEndSequenceYieldsNone(t *testing.T) {
	idx := sampleIndex()
	if _, ok := idx.AddressToLine(0x1030); ok {
		t.Fatalf("expected no resolution for an end_sequence address")
	}
}

func TestAddressToLineBeforeFirstRow(t *testing.T) {
	idx := sampleIndex()
	if _, ok := idx.AddressToLine(0x0fff); ok {
		t.Fatalf("expected no resolution before the first row")
	}
}

func TestLineToAddressPrefersIsStmt(t *testing.T) {
	idx := sampleIndex()
	// Line 11 has two candidate rows: a lower, non-statement address
	// and a higher, is_stmt address. is_stmt wins the tie regardless of
	// address.
	addr, ok := idx.LineToAddress(`c:\src\main.c`, 11)
	if !ok || addr != 0x1010 {
		t.Fatalf("got addr=%#x ok=%v, want 0x1010", addr, ok)
	}
}

func TestLineToAddressNormalizesPath(t *testing.T) {
	idx := sampleIndex()
	addr, ok := idx.LineToAddress("C:/SRC/MAIN.C", 20)
	if !ok || addr != 0x1020 {
		t.Fatalf("got addr=%#x ok=%v, want 0x1020", addr, ok)
	}
}

func TestLineToAddressUnknownLineFails(t *testing.T) {
	idx := sampleIndex()
	if _, ok := idx.LineToAddress(`C:\src\main.c`, 999); ok {
		t.Fatalf("expected no match for unindexed line")
	}
}

func TestFilesExcludesEndSequenceOnly(t *testing.T) {
	idx := sampleIndex()
	files := idx.Files()
	if len(files) != 1 || files[0] != `C:\src\main.c` {
		t.Fatalf("got %v, want exactly one resolved file", files)
	}
}

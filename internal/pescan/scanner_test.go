package pescan

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanFindsPENativeDwarfSections(t *testing.T) {
	raw := buildPE32([]peSection{
		{name: ".text", data: []byte{0x90, 0x90}},
		{name: ".debug_info", data: []byte("info")},
		{name: ".debug_line", data: []byte("line")},
		{name: ".debug_abbrev", data: []byte("abbr")},
	})
	path := writeTempFile(t, raw)

	c, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Elf != nil {
		t.Fatalf("expected the PE-native path, got an appended ELF container")
	}
	data, ok := c.Section(".debug_info")
	if !ok || string(data) != "info" {
		t.Fatalf("got %q ok=%v, want info/true", data, ok)
	}
}

func TestScanFallsBackToAppendedELF(t *testing.T) {
	pe := buildPE32([]peSection{{name: ".text", data: []byte{0x90}}})
	elfBlob := buildELF32([]peSection{
		{name: ".debug_info", data: []byte("elf-info")},
		{name: ".debug_line", data: []byte("elf-line")},
	})
	raw := append(append([]byte{}, pe...), elfBlob...)
	path := writeTempFile(t, raw)

	c, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Elf == nil {
		t.Fatalf("expected the appended-ELF path to be used")
	}
	data, ok := c.Section(".debug_info")
	if !ok || string(data) != "elf-info" {
		t.Fatalf("got %q ok=%v, want elf-info/true", data, ok)
	}
}

func TestScanPrefersTailmostELFOccurrence(t *testing.T) {
	pe := buildPE32([]peSection{{name: ".text", data: []byte{0x90}}})
	first := buildELF32([]peSection{{name: ".debug_info", data: []byte("stale")}})
	second := buildELF32([]peSection{{name: ".debug_info", data: []byte("fresh")}})
	raw := append(append(append([]byte{}, pe...), first...), second...)
	path := writeTempFile(t, raw)

	c, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := c.Section(".debug_info")
	if string(data) != "fresh" {
		t.Fatalf("got %q, want the tail-most container's data", data)
	}
}

func TestScanReturnsNoDebugInfoWhenNothingValidates(t *testing.T) {
	raw := buildPE32([]peSection{{name: ".text", data: []byte{0x90}}})
	path := writeTempFile(t, raw)

	if _, err := Scan(path); err == nil {
		t.Fatalf("expected an error when no debug container is found")
	}
}

func TestScanRejectsNonPEFile(t *testing.T) {
	path := writeTempFile(t, []byte("not a PE file at all"))
	if _, err := Scan(path); err == nil {
		t.Fatalf("expected an error for a non-PE file")
	}
}

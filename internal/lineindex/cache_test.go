package lineindex

import (
	"os"
	"testing"
)

func TestCacheGetMissesUntilPut(t *testing.T) {
	f, err := os.CreateTemp("", "wcdbg-cache-*.exe")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	c, err := NewCache(4)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(f.Name()); ok {
		t.Fatalf("expected miss before any Put")
	}

	idx := FromRows([]Row{{Address: 0x1000, Path: "main.c", Line: 1}})
	c.Put(f.Name(), idx)

	got, ok := c.Get(f.Name())
	if !ok || got != idx {
		t.Fatalf("expected cached index to be returned, got %+v ok=%v", got, ok)
	}
}

func TestCacheGetMissesForNonexistentPath(t *testing.T) {
	c, err := NewCache(4)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(`C:\does\not\exist.exe`); ok {
		t.Fatalf("expected miss for a path that cannot be stat'd")
	}
}

func TestCacheInvalidatesOnModification(t *testing.T) {
	f, err := os.CreateTemp("", "wcdbg-cache-*.exe")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	c, err := NewCache(4)
	if err != nil {
		t.Fatal(err)
	}

	idx := FromRows([]Row{{Address: 0x1000, Path: "main.c", Line: 1}})
	c.Put(f.Name(), idx)

	if _, err := f.WriteString("changed size, changed key"); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(f.Name()); ok {
		t.Fatalf("expected cache miss after the underlying file changed size")
	}
}

func TestNewCacheRejectsNonPositiveSize(t *testing.T) {
	if _, err := NewCache(0); err == nil {
		t.Fatalf("expected an error constructing a zero-size cache")
	}
}

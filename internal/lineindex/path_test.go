package lineindex

import "testing"

func TestAbsolutizeAlreadyAbsolute(t *testing.T) {
	got := absolutize("", `C:\src\main.c`, `C:\build`)
	if got != `C:\src\main.c` {
		t.Fatalf("got %q, want unchanged absolute path", got)
	}
}

func TestAbsolutizeRelativeWithDir(t *testing.T) {
	got := absolutize("src", "main.c", `C:\project`)
	if got != `C:\project\src\main.c` {
		t.Fatalf("got %q", got)
	}
}

func TestAbsolutizeFallsBackToCompDir(t *testing.T) {
	got := absolutize("", "main.c", `C:\project`)
	if got != `C:\project\main.c` {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePath(t *testing.T) {
	got := NormalizePath(`C:\Project\Src\Main.C`)
	want := "c:/project/src/main.c"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizePathAlreadyForwardSlash(t *testing.T) {
	got := NormalizePath("C:/Project/Main.C")
	if got != "c:/project/main.c" {
		t.Fatalf("got %q", got)
	}
}

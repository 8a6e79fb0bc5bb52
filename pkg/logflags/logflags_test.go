package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// resetFlags restores every subsystem flag to its zero value so tests
// don't leak state into each other through this package's globals.
func resetFlags() {
	dwarf, lineIndex, breakpoint, eventLoop, session, rpc = false, false, false, false, false, false
}

func TestSetupDisabledIsNoop(t *testing.T) {
	resetFlags()
	defer resetFlags()

	if err := Setup(false, "dwarf"); err != nil {
		t.Fatal(err)
	}
	if dwarf {
		t.Fatalf("expected Setup(false, ...) to leave every flag unset")
	}
}

func TestSetupEmptyFieldsEnablesEverything(t *testing.T) {
	resetFlags()
	defer resetFlags()

	if err := Setup(true, ""); err != nil {
		t.Fatal(err)
	}
	if !dwarf || !lineIndex || !breakpoint || !eventLoop || !session || !rpc {
		t.Fatalf("expected every subsystem enabled by an empty field list")
	}
}

func TestSetupSelectsNamedSubsystems(t *testing.T) {
	resetFlags()
	defer resetFlags()

	if err := Setup(true, "dwarf, session"); err != nil {
		t.Fatal(err)
	}
	if !dwarf || !session {
		t.Fatalf("expected dwarf and session enabled")
	}
	if lineIndex || breakpoint || eventLoop || rpc {
		t.Fatalf("expected every other subsystem to stay disabled")
	}
}

func TestSetupAllKeywordEnablesEverything(t *testing.T) {
	resetFlags()
	defer resetFlags()

	if err := Setup(true, "all"); err != nil {
		t.Fatal(err)
	}
	if !dwarf || !lineIndex || !breakpoint || !eventLoop || !session || !rpc {
		t.Fatalf("expected every subsystem enabled by the all keyword")
	}
}

func TestSetupRejectsUnknownSubsystem(t *testing.T) {
	resetFlags()
	defer resetFlags()

	if err := Setup(true, "nonsense"); err == nil {
		t.Fatalf("expected an error for an unknown subsystem name")
	}
}

func TestLoggerLevelFollowsFlag(t *testing.T) {
	resetFlags()
	defer resetFlags()

	if got := DwarfLogger().Logger.Level; got != logrus.ErrorLevel {
		t.Fatalf("got level %v, want ErrorLevel while dwarf logging is disabled", got)
	}

	Setup(true, "dwarf")
	if got := DwarfLogger().Logger.Level; got != logrus.DebugLevel {
		t.Fatalf("got level %v, want DebugLevel once dwarf logging is enabled", got)
	}
}

func TestLoggerCarriesLayerField(t *testing.T) {
	resetFlags()
	defer resetFlags()

	entry := SessionLogger()
	if entry.Data["layer"] != "session" {
		t.Fatalf("got fields %#v, want layer=session", entry.Data)
	}
}

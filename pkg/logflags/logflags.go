// Package logflags provides logging configuration for wcdbg, grounded on
// delve's pkg/logflags: one boolean per subsystem, gated by raising the
// logrus level instead of guarding every call site.
package logflags

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	dwarf      = false
	lineIndex  = false
	breakpoint = false
	eventLoop  = false
	session    = false
	rpc        = false

	out io.Writer = os.Stderr
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.ErrorLevel
	}
	return logger.WithFields(fields)
}

// DwarfLogger returns a logger for the DWARF reader.
func DwarfLogger() *logrus.Entry { return makeLogger(dwarf, logrus.Fields{"layer": "dwarf"}) }

// LineIndexLogger returns a logger for the line index.
func LineIndexLogger() *logrus.Entry {
	return makeLogger(lineIndex, logrus.Fields{"layer": "lineindex"})
}

// BreakpointLogger returns a logger for the breakpoint manager.
func BreakpointLogger() *logrus.Entry {
	return makeLogger(breakpoint, logrus.Fields{"layer": "breakpoint"})
}

// EventLoopLogger returns a logger for the debug-event loop.
func EventLoopLogger() *logrus.Entry {
	return makeLogger(eventLoop, logrus.Fields{"layer": "eventloop"})
}

// SessionLogger returns a logger for the session conductor.
func SessionLogger() *logrus.Entry { return makeLogger(session, logrus.Fields{"layer": "session"}) }

// RPCLogger returns a logger for the JSON-RPC transport.
func RPCLogger() *logrus.Entry { return makeLogger(rpc, logrus.Fields{"layer": "rpc"}) }

// Setup parses a comma-separated list of subsystem names (as accepted by
// the --log-fields CLI flag) and enables logging for each. "all" enables
// every subsystem, matching delve's --log flag semantics of "turn
// everything on" when no finer selection is given.
func Setup(logFlag bool, fields string) error {
	if !logFlag {
		return nil
	}
	if fields == "" {
		dwarf, lineIndex, breakpoint, eventLoop, session, rpc = true, true, true, true, true, true
		return nil
	}
	for _, f := range strings.Split(fields, ",") {
		switch strings.TrimSpace(f) {
		case "all":
			dwarf, lineIndex, breakpoint, eventLoop, session, rpc = true, true, true, true, true, true
		case "dwarf":
			dwarf = true
		case "lineindex":
			lineIndex = true
		case "breakpoint":
			breakpoint = true
		case "eventloop":
			eventLoop = true
		case "session":
			session = true
		case "rpc":
			rpc = true
		default:
			return fmt.Errorf("unknown log subsystem %q", f)
		}
	}
	return nil
}

// WriteTo redirects every subsystem's default stream for loggers created
// after the call; used by tests to silence expected-noisy logging paths.
func WriteTo(w io.Writer) {
	logrus.SetOutput(w)
	out = w
}

// Package logging routes the standard logger for the meallens commands.
//
// Output goes to stderr or to a per-day file; stdout is left alone so the
// one-shot command owns it for its JSON line.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

var debug atomic.Bool

// Options selects the log destination.
type Options struct {
	ToFile bool
	Debug  bool
	// Dir holds the daily files; empty means ~/.meallens/logs.
	Dir string
}

// Session is the active destination. Close ends it.
type Session struct {
	file *os.File
}

// Start points the standard logger at the destination opts describes. If the
// log file cannot be opened the session stays on stderr and the error is
// returned alongside it, so the caller can warn and carry on.
func Start(opts Options) (*Session, error) {
	SetDebug(opts.Debug)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lshortfile)
	if !opts.ToFile {
		return &Session{}, nil
	}

	dir := opts.Dir
	if dir == "" {
		dir = defaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Session{}, fmt.Errorf("logging: create %s: %w", dir, err)
	}
	name := filepath.Join(dir, "meallens-"+time.Now().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &Session{}, fmt.Errorf("logging: %w", err)
	}

	log.SetOutput(f)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Printf("session started (pid %d)", os.Getpid())
	return &Session{file: f}, nil
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".meallens", "logs")
}

// Path is the log file in use, or "" when logging to stderr.
func (s *Session) Path() string {
	if s == nil || s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Close restores stderr and closes the log file, if any.
func (s *Session) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	log.Printf("session ended")
	log.SetOutput(os.Stderr)
	err := s.file.Close()
	s.file = nil
	return err
}

// SetDebug toggles Debugf output.
func SetDebug(enabled bool) { debug.Store(enabled) }

// DebugEnabled reports whether Debugf writes anything.
func DebugEnabled() bool { return debug.Load() }

// Debugf logs through the standard logger when debug output is enabled.
func Debugf(format string, args ...any) {
	if !debug.Load() {
		return
	}
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

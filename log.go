package lagoon

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/op/go-logging.v1"
)

// LogBackend hands out per-module loggers that share one formatted,
// level-filtered output.
type LogBackend struct {
	w       io.Writer
	f       *os.File
	backend logging.LeveledBackend
}

// Close releases the log file if the backend writes to one.
func (b *LogBackend) Close() error {
	if b.f == nil {
		return nil
	}
	return b.f.Close()
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *LogBackend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// NewLogBackend initializes a logging backend.  An empty file name logs
// to stdout; disable discards everything.
func NewLogBackend(file string, level string, disable bool) (*LogBackend, error) {
	b := new(LogBackend)

	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("lagoon.log: invalid log level %q: %v", level, err)
	}

	switch {
	case disable:
		b.w = io.Discard
	case file == "":
		b.w = os.Stdout
	default:
		const fileMode = 0600
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.f, err = os.OpenFile(file, flags, fileMode)
		if err != nil {
			return nil, fmt.Errorf("lagoon.log: failed to create log file: %v", err)
		}
		b.w = b.f
	}

	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logFmt)
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")
	return b, nil
}

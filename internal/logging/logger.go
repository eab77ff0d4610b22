package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

const flags = log.LstdFlags | log.Lmicroseconds

// Sink is the process-wide log destination.
type Sink struct {
	io.Writer
	Debug bool
	file  io.Closer
}

// Open builds a sink writing to stdout and, when path is set, to a rotating
// file. level "debug" enables Debugf output.
func Open(path, level string, maxBytes int64, maxBackups int) (*Sink, error) {
	s := &Sink{Writer: os.Stdout, Debug: strings.EqualFold(strings.TrimSpace(level), "debug")}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	rw, err := NewRotatingWriter(path, maxBytes, maxBackups)
	if err != nil {
		return nil, err
	}
	s.Writer = io.MultiWriter(os.Stdout, rw)
	s.file = rw
	return s, nil
}

// Close releases the log file.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Logger returns a logger prefixed with the component name, e.g.
// "[gatewayd/http] ". An empty component yields "[gatewayd] ".
func (s *Sink) Logger(component string) *log.Logger {
	prefix := "[gatewayd] "
	if component != "" {
		prefix = "[gatewayd/" + component + "] "
	}
	return log.New(s.Writer, prefix, flags)
}

// Leveled wraps a logger with an optional debug level.
type Leveled struct {
	*log.Logger
	debug bool
}

// Leveled returns a levelled logger for component.
func (s *Sink) Leveled(component string) *Leveled {
	return &Leveled{Logger: s.Logger(component), debug: s.Debug}
}

// NewLeveled wraps an existing logger.
func NewLeveled(l *log.Logger, debug bool) *Leveled {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	return &Leveled{Logger: l, debug: debug}
}

// IsDebug reports whether debug output is enabled.
func (l *Leveled) IsDebug() bool { return l != nil && l.debug }

// Debugf logs only at debug level.
func (l *Leveled) Debugf(format string, args ...any) {
	if l.IsDebug() {
		l.Printf("DEBUG "+format, args...)
	}
}

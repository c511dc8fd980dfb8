package logging

import "log"

// Logger is the logging interface used across the protocol engine.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger writes through the standard library logger with a fixed prefix,
// typically the local peer identity.
type StdLogger struct {
	prefix string
	debug  bool
}

// NewStdLogger creates a StdLogger. Debug output is suppressed unless debug
// is set.
func NewStdLogger(prefix string, debug bool) *StdLogger {
	return &StdLogger{prefix: prefix, debug: debug}
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	log.Printf("[%s] DEBUG: "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *StdLogger) Infof(format string, args ...interface{}) {
	log.Printf("[%s] INFO: "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *StdLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[%s] WARN: "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *StdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[%s] ERROR: "+format, append([]interface{}{l.prefix}, args...)...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}

package utils

import (
	"log"
	"os"
)

// Logger is the process-wide leveled logger. Components receive it by
// pointer; a nil receiver is safe and silently drops output so tests
// can pass nil without ceremony.
type Logger struct {
	info *log.Logger
	err  *log.Logger
}

func NewLogger() *Logger {
	return &Logger{
		info: log.New(os.Stdout, "", log.LstdFlags),
		err:  log.New(os.Stderr, "ERROR ", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.info == nil {
		return
	}
	l.info.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.err == nil {
		return
	}
	l.err.Printf(format, args...)
}

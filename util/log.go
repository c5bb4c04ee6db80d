// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"github.com/sirupsen/logrus"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync/atomic"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are routed through logrus so that the output destination and
// level can be controlled in one place.
//
// A nil *Logger is valid; it reports warnings and errors to stderr and
// drops verbose and debug output.
type Logger struct {
	nErrors int64
	l       *logrus.Logger
}

func NewLogger(verbose, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(sourceFormatter{})
	switch {
	case debug:
		l.SetLevel(logrus.DebugLevel)
	case verbose:
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}
	return &Logger{l: l}
}

var fallback = NewLogger(false, false)

func (l *Logger) get() *Logger {
	if l == nil {
		return fallback
	}
	return l
}

// SetOutput redirects all subsequent log messages to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.get().l.SetOutput(w)
}

// NErrors returns the number of messages logged via Error and friends.
func (l *Logger) NErrors() int {
	return int(atomic.LoadInt64(&l.get().nErrors))
}

// Print writes the message to stdout, with no source location prefix.
func (l *Logger) Print(f string, args ...interface{}) {
	s := fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	fmt.Print(s)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	l.get().emit(logrus.DebugLevel, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	l.get().emit(logrus.InfoLevel, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.get().emit(logrus.WarnLevel, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	l = l.get()
	atomic.AddInt64(&l.nErrors, 1)
	l.emit(logrus.ErrorLevel, f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	l = l.get()
	atomic.AddInt64(&l.nErrors, 1)
	l.emit(logrus.ErrorLevel, f, args...)
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	l = l.get()
	atomic.AddInt64(&l.nErrors, 1)
	if len(msg) == 0 {
		l.emit(logrus.ErrorLevel, "Check failed")
	} else {
		f := msg[0].(string)
		l.emit(logrus.ErrorLevel, f, msg[1:]...)
	}
	os.Exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	l = l.get()
	atomic.AddInt64(&l.nErrors, 1)
	if len(msg) == 0 {
		l.emit(logrus.ErrorLevel, "Error: %+v", err)
	} else {
		f := msg[0].(string)
		l.emit(logrus.ErrorLevel, f, msg[1:]...)
	}
	os.Exit(1)
}

const sourceField = "src"

func (l *Logger) emit(level logrus.Level, f string, args ...interface{}) {
	if !l.l.IsLevelEnabled(level) {
		return
	}
	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	l.l.WithField(sourceField, fnline).Log(level, strings.TrimSuffix(fmt.Sprintf(f, args...), "\n"))
}

// sourceFormatter produces "dir/file.go:NN           : message" lines.
type sourceFormatter struct{}

func (sourceFormatter) Format(e *logrus.Entry) ([]byte, error) {
	src, _ := e.Data[sourceField].(string)
	s := fmt.Sprintf("%-25s: %s", src, e.Message)
	if e.Level <= logrus.WarnLevel {
		s = fmt.Sprintf("%-25s: %s: %s", src, strings.ToUpper(e.Level.String()), e.Message)
	}
	return []byte(s + "\n"), nil
}

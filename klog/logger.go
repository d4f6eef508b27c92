// Package klog is the leveled kernel log. Every record is written to the
// console logger of its level and kept in a ring buffer readable via Dmesg.
package klog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	// LogLevelNone disables all logging
	LogLevelNone LogLevel = iota
	// LogLevelFatal enables fatal and panic logging
	LogLevelFatal
	// LogLevelError enables error logging
	LogLevelError
	// LogLevelWarn enables warnings
	LogLevelWarn
	// LogLevelInfo enables info, warning and error logging
	LogLevelInfo
	// LogLevelDebug enables all logging
	LogLevelDebug
)

var levelNames = map[string]LogLevel{
	"none":  LogLevelNone,
	"fatal": LogLevelFatal,
	"error": LogLevelError,
	"warn":  LogLevelWarn,
	"info":  LogLevelInfo,
	"debug": LogLevelDebug,
}

// ParseLevel maps a level name from configuration to a LogLevel
func ParseLevel(name string) (LogLevel, error) {
	l, ok := levelNames[name]
	if !ok {
		return LogLevelNone, fmt.Errorf("klog: unknown log level %q", name)
	}
	return l, nil
}

var currentLogLevel atomic.Int32

var (
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	fatalLogger *log.Logger
)

const logFlags = log.Ldate | log.Ltime | log.Lshortfile

func init() {
	currentLogLevel.Store(int32(LogLevelInfo))
	debugLogger = log.New(os.Stdout, "[DEBUG] ", logFlags)
	infoLogger = log.New(os.Stdout, "[Info] ", logFlags)
	warnLogger = log.New(os.Stderr, "[WARN] ", logFlags)
	errorLogger = log.New(os.Stderr, "[ERROR] ", logFlags)
	fatalLogger = log.New(os.Stderr, "[FATAL] ", logFlags)
}

// SetLevel changes the console and ring buffer threshold
func SetLevel(l LogLevel) {
	currentLogLevel.Store(int32(l))
}

// Level returns the current threshold
func Level() LogLevel {
	return LogLevel(currentLogLevel.Load())
}

// SetOutput redirects every level to w
func SetOutput(w io.Writer) {
	for _, l := range []*log.Logger{debugLogger, infoLogger, warnLogger, errorLogger, fatalLogger} {
		l.SetOutput(w)
	}
}

func enabled(l LogLevel) bool {
	return LogLevel(currentLogLevel.Load()) >= l
}

func emit(l *log.Logger, prefix, msg string) {
	logbuf.append(prefix + msg)
	l.Output(3, msg)
}

// Debug logs debug information
func Debug(format string, v ...interface{}) {
	if enabled(LogLevelDebug) {
		emit(debugLogger, "<7>", fmt.Sprintf(format, v...))
	}
}

// Info logs informational messages
func Info(format string, v ...interface{}) {
	if enabled(LogLevelInfo) {
		emit(infoLogger, "<6>", fmt.Sprintf(format, v...))
	}
}

// Warn logs recoverable anomalies
func Warn(format string, v ...interface{}) {
	if enabled(LogLevelWarn) {
		emit(warnLogger, "<4>", fmt.Sprintf(format, v...))
	}
}

// Error logs error information
func Error(format string, v ...interface{}) {
	if enabled(LogLevelError) {
		emit(errorLogger, "<3>", fmt.Sprintf(format, v...))
	}
}

// Fatal logs fatal information and exits
func Fatal(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	if enabled(LogLevelFatal) {
		emit(fatalLogger, "<0>", msg)
	}
	os.Exit(1)
}

// Panic logs the message and panics with it
func Panic(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	if enabled(LogLevelFatal) {
		emit(fatalLogger, "<0>", msg)
	}
	panic(msg)
}

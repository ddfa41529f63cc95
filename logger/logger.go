// Package logger provides leveled logging for the rfbview library and its
// commands. It is a thin wrapper over the standard library logger so that
// applications embedding the library do not inherit a heavyweight logging
// dependency.
package logger

import (
	"fmt"
	glog "log"
	"os"
	"path"
	"runtime"
	"sync/atomic"
)

// Level controls which messages are emitted.
type Level int

const (
	// LevelDebug emits everything, including per-frame tracing.
	LevelDebug Level = iota
	// LevelInfo emits informational messages and above.
	LevelInfo
	// LevelWarn emits warnings and errors only.
	LevelWarn
	// LevelError emits errors only.
	LevelError
)

// current is read on every log call, often from several goroutines at once,
// while SetLevel may run at any time; the level is atomic for that reason.
var current atomic.Int32

func init() { current.Store(int32(LevelInfo)) }

var (
	debugLogger = glog.New(os.Stderr, "DEBUG: ", glog.Ldate|glog.Ltime)
	infoLogger  = glog.New(os.Stderr, "INFO: ", glog.Ldate|glog.Ltime)
	warnLogger  = glog.New(os.Stderr, "WARNING: ", glog.Ldate|glog.Ltime)
	errorLogger = glog.New(os.Stderr, "ERROR: ", glog.Ldate|glog.Ltime)
)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) { current.Store(int32(l)) }

func enabled(l Level) bool { return Level(current.Load()) <= l }

func formatNormal(args ...interface{}) string {
	_, file, line, _ := runtime.Caller(2)
	out := fmt.Sprintf("%s:%d: ", path.Base(file), line)
	out += fmt.Sprint(args...)
	return out
}

func formatFormat(fstr string, args ...interface{}) string {
	_, file, line, _ := runtime.Caller(2)
	out := fmt.Sprintf("%s:%d: ", path.Base(file), line)
	out += fmt.Sprintf(fstr, args...)
	return out
}

// Debug logs at debug level.
func Debug(args ...interface{}) {
	if enabled(LevelDebug) {
		debugLogger.Println(formatNormal(args...))
	}
}

// Debugf logs a formatted message at debug level.
func Debugf(f string, args ...interface{}) {
	if enabled(LevelDebug) {
		debugLogger.Println(formatFormat(f, args...))
	}
}

// Info logs at info level.
func Info(args ...interface{}) {
	if enabled(LevelInfo) {
		infoLogger.Println(formatNormal(args...))
	}
}

// Infof logs a formatted message at info level.
func Infof(f string, args ...interface{}) {
	if enabled(LevelInfo) {
		infoLogger.Println(formatFormat(f, args...))
	}
}

// Warn logs at warning level.
func Warn(args ...interface{}) {
	if enabled(LevelWarn) {
		warnLogger.Println(formatNormal(args...))
	}
}

// Warnf logs a formatted message at warning level.
func Warnf(f string, args ...interface{}) {
	if enabled(LevelWarn) {
		warnLogger.Println(formatFormat(f, args...))
	}
}

// Error logs at error level.
func Error(args ...interface{}) {
	if enabled(LevelError) {
		errorLogger.Println(formatNormal(args...))
	}
}

// Errorf logs a formatted message at error level.
func Errorf(f string, args ...interface{}) {
	if enabled(LevelError) {
		errorLogger.Println(formatFormat(f, args...))
	}
}

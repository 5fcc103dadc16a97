// Package jlog implements the leveled logger used across the jail module.
// Message format and level semantics follow the same conventions the
// jail-construction engine uses everywhere else: a short colorized prefix
// for ordinary levels, and a "[U=uid,P=pid] funcName()" prefix once the
// level reaches Debug.
package jlog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Level is the severity of a log message, ordered from least to most
// verbose; the jail CLI's -v/-t flags raise the active level to
// VerboseLevel.
type Level int

const (
	FatalLevel Level = iota - 4
	ErrorLevel
	WarnLevel
	LogLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

func (l Level) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	}
	return "UNKNOWN"
}

var messageColors = map[Level]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

const noColorLevel Level = 90

var (
	loggerLevel = InfoLevel
	logWriter   = (io.Writer)(os.Stderr)
)

func init() {
	if l, err := strconv.Atoi(os.Getenv("JAIL_MESSAGELEVEL")); err == nil {
		loggerLevel = Level(l)
	}
}

func effectiveLevel() Level {
	if loggerLevel <= -noColorLevel {
		return loggerLevel + noColorLevel
	} else if loggerLevel >= noColorLevel {
		return loggerLevel - noColorLevel
	}
	return loggerLevel
}

func colored() bool {
	return loggerLevel > -noColorLevel && loggerLevel < noColorLevel
}

func prefix(msgLevel Level) string {
	color, reset := "", ""
	if c, ok := messageColors[msgLevel]; ok && colored() {
		color, reset = c, "\x1b[0m"
	}

	level := effectiveLevel()
	if level < DebugLevel {
		return fmt.Sprintf("%s%-8s%s ", color, msgLevel.String()+":", reset)
	}

	pc, _, _, ok := runtime.Caller(3)
	details := runtime.FuncForPC(pc)
	funcName := "????()"
	if ok && details != nil {
		parts := strings.Split(details.Name(), ".")
		funcName = parts[len(parts)-1] + "()"
	}

	uidPid := fmt.Sprintf("[U=%d,P=%d]", os.Geteuid(), os.Getpid())
	return fmt.Sprintf("%s%-8s%s%-19s%-30s", color, msgLevel, reset, uidPid, funcName)
}

func writef(msgLevel Level, format string, a ...interface{}) {
	if effectiveLevel() < msgLevel {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(logWriter, "%s%s\n", prefix(msgLevel), msg)
}

// Fatalf logs at FatalLevel then exits the process with code 255.
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(255)
}

// Errorf logs at ErrorLevel. It does not abort the process; callers are
// expected to propagate a *jailerr.Error and let the command loop decide.
func Errorf(format string, a ...interface{}) { writef(ErrorLevel, format, a...) }

// Warningf logs at WarnLevel, used for --try-absorbed failures.
func Warningf(format string, a ...interface{}) { writef(WarnLevel, format, a...) }

// Infof logs at InfoLevel, the default visible level.
func Infof(format string, a ...interface{}) { writef(InfoLevel, format, a...) }

// Verbosef logs at VerboseLevel; this is what PathPolicy's verbose mode
// uses to echo gated commands as comments.
func Verbosef(format string, a ...interface{}) { writef(VerboseLevel, format, a...) }

// Debugf logs at DebugLevel, including the caller-function prefix.
func Debugf(format string, a ...interface{}) { writef(DebugLevel, format, a...) }

// SetLevel sets the active log level; color is disabled by biasing the
// level past noColorLevel, which effectiveLevel() then unwinds transparently.
func SetLevel(l Level, color bool) {
	loggerLevel = l
	if !color {
		if loggerLevel >= InfoLevel {
			loggerLevel += noColorLevel
		} else if loggerLevel <= LogLevel {
			loggerLevel -= noColorLevel
		}
	}
}

// GetLevel returns the currently active (color-unwound) level.
func GetLevel() Level { return effectiveLevel() }

// GetEnvVar returns a JAIL_MESSAGELEVEL assignment that restores the
// current level (color bias included) in a child process, since init reads
// that variable at start-up.
func GetEnvVar() string {
	return fmt.Sprintf("JAIL_MESSAGELEVEL=%d", loggerLevel)
}

// Writer returns the underlying writer, or io.Discard when the active
// level is LogLevel or lower (Info and more verbose messages are then
// silent), for handing to code that wants an io.Writer sink.
func Writer() io.Writer {
	if effectiveLevel() <= LogLevel {
		return io.Discard
	}
	return logWriter
}

// SetWriter overrides the log sink (used by tests to capture output) and
// returns the previous writer so it can be restored.
func SetWriter(w io.Writer) io.Writer {
	old := logWriter
	if w != nil {
		logWriter = w
	}
	return old
}

// Logger adapts jlog to the github.com/go-log/log Logger interface so it
// can be handed to subprocess-wrapping libraries that want their own
// logging sink rather than an io.Writer.
type Logger struct{}

func (Logger) Log(v ...interface{})                 { writef(DebugLevel, "%s", fmt.Sprint(v...)) }
func (Logger) Logf(format string, v ...interface{}) { writef(DebugLevel, format, v...) }

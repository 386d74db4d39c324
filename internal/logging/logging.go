package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// Log levels constants.
const (
	None = iota
	Error
	Warning
	Info
	Debug
)

var currentLevel atomic.Int32
var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func init() {
	currentLevel.Store(Info)
}

// SetLevel atomically sets the global logging level, clamped to [None, Debug].
func SetLevel(level int) {
	if level < None {
		level = None
	} else if level > Debug {
		level = Debug
	}
	currentLevel.Store(int32(level))
}

// GetLevel atomically retrieves the current logging level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// ParseLevel converts a log level string (case-insensitive) to its integer
// representation. Returns Info and an error if the string is invalid.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(levelStr) {
	case "none":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// SetupLogging configures the logging level from an input string. An invalid
// string logs a warning and falls back to Info. Returns the level that was set.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		Logf(Warning, "Invalid log level '%s' provided, defaulting to 'info'. Error: %v", levelStr, err)
	}
	SetLevel(level)
	return level
}

// SetOutput changes the output destination of the global logger.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func levelPrefix(level int) string {
	switch level {
	case Error:
		return "[ERROR] "
	case Warning:
		return "[WARN] "
	case Info:
		return "[INFO] "
	case Debug:
		return "[DEBUG] "
	default:
		return "[UNKN] "
	}
}

// logf formats and writes one log line if the level is enabled. The tag, when
// non-empty, is inserted between the level prefix and the message so that
// lines from concurrent pipelines stay attributable.
func logf(level int, tag, format string, v ...interface{}) {
	if int32(level) > currentLevel.Load() {
		return
	}

	prefix := levelPrefix(level)

	// At debug level, prepend caller information: file:line:func of the
	// caller of the public Logf wrapper.
	if level == Debug {
		pc, file, line, ok := runtime.Caller(2)
		if ok {
			funcName := "???"
			if f := runtime.FuncForPC(pc); f != nil {
				funcName = filepath.Base(f.Name())
			}
			prefix = fmt.Sprintf("%s%s:%d:%s ", prefix, filepath.Base(file), line, funcName)
		}
	}

	if tag != "" {
		prefix = prefix + tag + " "
	}

	logger.Println(prefix + fmt.Sprintf(format, v...))
}

// Logf logs a formatted message if the specified level is enabled.
func Logf(level int, format string, v ...interface{}) {
	logf(level, "", format, v...)
}

// Tagged is a logger that stamps every line with a fixed tag. Pipelines use
// one per run ("file=<name> run=<id>") so interleaved output can be read.
type Tagged struct {
	tag string
}

// WithTag builds a Tagged logger from a formatted tag string.
func WithTag(format string, v ...interface{}) *Tagged {
	return &Tagged{tag: fmt.Sprintf(format, v...)}
}

// Logf logs a formatted message under the receiver's tag.
func (t *Tagged) Logf(level int, format string, v ...interface{}) {
	if t == nil {
		logf(level, "", format, v...)
		return
	}
	logf(level, t.tag, format, v...)
}

// Package klog is the kernel-wide logger: Debug/Info/Warning/Error
// levels, printed through the UART sink in production and to stdout
// in this hosted build.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Severity is one of Debug, Info, Warning, Error.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
)

func (s Severity) tag() string {
	switch s {
	case Debug:
		return "[DEBUG]"
	case Info:
		return "[INFO]"
	case Warning:
		return "[WARN]"
	case Error:
		return "[ERROR]"
	default:
		return "[?]"
	}
}

// sink is the write destination for all log output. Swappable with
// SetOutput so tests can capture it.
var (
	mu   sync.Mutex
	sink io.Writer = os.Stdout
	min  Severity   = Debug
)

// SetOutput redirects log output. Not safe to call concurrently with
// logging from other goroutines; intended for test setup only.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
}

// SetMinSeverity suppresses messages below the given severity.
func SetMinSeverity(s Severity) {
	mu.Lock()
	defer mu.Unlock()
	min = s
}

// Log writes a single line at the given severity.
func Log(sev Severity, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if sev < min {
		return
	}
	fmt.Fprintf(sink, "%s %s\n", sev.tag(), fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{})   { Log(Debug, format, args...) }
func Infof(format string, args ...interface{})    { Log(Info, format, args...) }
func Warningf(format string, args ...interface{}) { Log(Warning, format, args...) }
func Errorf(format string, args ...interface{})   { Log(Error, format, args...) }

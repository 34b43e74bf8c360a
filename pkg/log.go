package pkg

import (
	"fmt"
	"io"
	"sync"

	"github.com/antongulenko/golib"
	"github.com/sirupsen/logrus"
)

// Component identifies a subsystem for log filtering.
type Component string

// Component identifiers.
const (
	ComponentDevice Component = "device"
	ComponentStack  Component = "stack"
	ComponentHAL    Component = "hal"
	ComponentDriver Component = "usbfs"
	ComponentCDC    Component = "cdc"
	ComponentSysInt Component = "sysint"
	ComponentBoard  Component = "board"
	ComponentApp    Component = "app"
	ComponentHost   Component = "host"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the logger used by every package in this module.
	// It starts out as the logrus standard logger so that flag-driven
	// configuration of the standard logger applies here too.
	DefaultLogger = logrus.StandardLogger()

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	applyBuildLevel(DebugEnabled)
}

// ConfigureLogging applies golib's log flags to the standard logger. The
// debug build tag still wins over the flags' default level.
func ConfigureLogging() {
	golib.ConfigureLogging()
	applyBuildLevel(DebugEnabled)
}

// applyBuildLevel raises the level to debug if debug is set. A more
// verbose level is left alone.
func applyBuildLevel(debug bool) {
	if debug && GetLogLevel() < logrus.DebugLevel {
		SetLogLevel(logrus.DebugLevel)
	}
}

// SetLogLevel sets the minimum log level.
func SetLogLevel(level logrus.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger.SetLevel(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() logrus.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger.GetLevel()
}

// SetLogger replaces the default logger.
func SetLogger(logger *logrus.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat switches the default logger between text and JSON output.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger.SetFormatter(formatter(format))
}

// NewLogger creates a logger writing to w in the given format at the
// current default level.
func NewLogger(w io.Writer, format LogFormat) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(formatter(format))
	logger.SetLevel(GetLogLevel())
	return logger
}

func formatter(format LogFormat) logrus.Formatter {
	if format == LogFormatJSON {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{DisableColors: true}
}

// entry builds a log entry tagged with the component and the key/value
// pairs in args. A trailing key without a value is logged under "!BADKEY".
func entry(component Component, args []any) *logrus.Entry {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()

	fields := make(logrus.Fields, len(args)/2+1)
	fields["component"] = string(component)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	return logger.WithFields(fields)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	entry(component, args).Debug(msg)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	entry(component, args).Info(msg)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	entry(component, args).Warn(msg)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	entry(component, args).Error(msg)
}

package pkg

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// swapLogger installs a logger writing to a buffer for the duration of the test.
func swapLogger(t *testing.T, format LogFormat, level logrus.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := DefaultLogger
	t.Cleanup(func() { SetLogger(original) })

	logger := NewLogger(&buf, format)
	logger.SetLevel(level)
	SetLogger(logger)
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			assert.Equal(t, tt.level, GetLogLevel())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LogFormatText)
	require.NotNil(t, logger)

	logger.Warn("test message")
	assert.Contains(t, buf.String(), "test message")
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LogFormatJSON)
	require.NotNil(t, logger)

	logger.Warn("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestLogDebug(t *testing.T) {
	buf := swapLogger(t, LogFormatText, logrus.DebugLevel)

	LogDebug(ComponentDevice, "debug message", "key", "value")
	output := buf.String()
	assert.Contains(t, output, "debug message")
	assert.Contains(t, output, "component=device")
	assert.Contains(t, output, "key=value")
}

func TestLogDebugFiltered(t *testing.T) {
	buf := swapLogger(t, LogFormatText, logrus.InfoLevel)

	LogDebug(ComponentDevice, "hidden")
	assert.Empty(t, buf.String())
}

func TestLogInfo(t *testing.T) {
	buf := swapLogger(t, LogFormatText, logrus.InfoLevel)

	LogInfo(ComponentHost, "info message")
	output := buf.String()
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "component=host")
}

func TestLogWarn(t *testing.T) {
	buf := swapLogger(t, LogFormatText, logrus.InfoLevel)

	LogWarn(ComponentStack, "warn message")
	assert.Contains(t, buf.String(), "warn message")
}

func TestLogError(t *testing.T) {
	buf := swapLogger(t, LogFormatJSON, logrus.InfoLevel)

	LogError(ComponentHAL, "error message", "address", 0x81)
	output := buf.String()
	assert.Contains(t, output, `"msg":"error message"`)
	assert.Contains(t, output, `"component":"hal"`)
	assert.Contains(t, output, `"address":129`)
}

func TestLogOddArgs(t *testing.T) {
	buf := swapLogger(t, LogFormatText, logrus.InfoLevel)

	LogInfo(ComponentApp, "odd", "dangling")
	assert.Contains(t, buf.String(), "!BADKEY=dangling")
}

func TestApplyBuildLevel(t *testing.T) {
	original := GetLogLevel()
	t.Cleanup(func() { SetLogLevel(original) })

	tests := []struct {
		name  string
		level logrus.Level
		debug bool
		want  logrus.Level
	}{
		{"release keeps info", logrus.InfoLevel, false, logrus.InfoLevel},
		{"debug raises info", logrus.InfoLevel, true, logrus.DebugLevel},
		{"debug raises warn", logrus.WarnLevel, true, logrus.DebugLevel},
		{"debug keeps trace", logrus.TraceLevel, true, logrus.TraceLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			applyBuildLevel(tt.debug)
			assert.Equal(t, tt.want, GetLogLevel())
		})
	}
}

func TestConfigureLoggingKeepsDebugTag(t *testing.T) {
	original := GetLogLevel()
	t.Cleanup(func() { SetLogLevel(original) })

	ConfigureLogging()
	if DebugEnabled {
		assert.Equal(t, logrus.DebugLevel, GetLogLevel())
	} else {
		assert.LessOrEqual(t, GetLogLevel(), logrus.InfoLevel)
	}
}

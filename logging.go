package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logFormatter renders entries as
// [2026-01-02 15:04:05] [request-id] [level] message key=value
type logFormatter struct{}

// logFieldOrder lists the fields printed after the message, in order.
var logFieldOrder = []string{"component", "method", "url", "status", "flight", "shared", "reason", "error"}

func (f *logFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields []string
	for _, k := range logFieldOrder {
		if v, ok := entry.Data[k]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", k, v))
		}
	}
	fieldsStr := ""
	if len(fields) > 0 {
		fieldsStr = " " + strings.Join(fields, " ")
	}

	fmt.Fprintf(buffer, "[%s] [%s] [%-5s] %s%s\n",
		entry.Time.Format("2006-01-02 15:04:05"),
		reqID,
		level,
		strings.TrimRight(entry.Message, "\r\n"),
		fieldsStr,
	)
	return buffer.Bytes(), nil
}

// setupLogger builds the CLI logger. With a log file, output goes to a
// rotating file; otherwise to console, or nowhere when the TUI owns the
// terminal. The returned func closes the file.
func setupLogger(cfg *Config, console io.Writer) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	logger.SetFormatter(&logFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	if cfg.LogFile == "" {
		if console == nil {
			console = io.Discard
		}
		logger.SetOutput(console)
		return logger, func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	logger.SetOutput(writer)
	return logger, func() { _ = writer.Close() }, nil
}

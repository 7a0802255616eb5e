// Package logging builds the process logger from the log section of
// salesline.yml.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"salesline/internal/config"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// FromEnv overlays SALESLINE_LOG_* variables on cfg.
func FromEnv(cfg config.LogConfig) config.LogConfig {
	if v := os.Getenv("SALESLINE_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("SALESLINE_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("SALESLINE_LOG_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("SALESLINE_LOG_FILE"); v != "" {
		cfg.File = v
	}
	return cfg
}

// New returns a logger writing where cfg says. Relative log files resolve
// against workspace. The returned closer releases the rotating file, if any.
func New(cfg config.LogConfig, workspace string) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}

	var writers []io.Writer
	var closer io.Closer = nopCloser{}
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "file" || output == "both" {
		file := cfg.File
		if file == "" {
			file = filepath.Join(".salesline", "logs", "salesline.log")
		}
		if !filepath.IsAbs(file) && workspace != "" {
			file = filepath.Join(workspace, file)
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotating)
		closer = rotating
	}
	if output == "" || output == "stdout" || output == "both" {
		writers = append(writers, os.Stderr)
	}
	logger.SetOutput(io.MultiWriter(writers...))
	return logger, closer, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

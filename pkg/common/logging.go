// Package common provides shared utilities for the endpoint bot-detection agent.
package common

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger                 *zap.Logger
	logConfig              LogConfig
	sensitiveDataPatterns  []string
	loggerMutex            sync.RWMutex
)

// LogConfig configures the agent's rotating file + console logger.
type LogConfig struct {
	Level                 string
	Environment           string
	OutputPath            string
	MaxSize               int // megabytes
	MaxBackups            int
	MaxAge                int // days
	Compress              bool
	SensitiveDataPatterns []string
}

// NewLogConfig returns sane defaults matching the agent's on-disk layout.
func NewLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Environment: "production",
		OutputPath:  "logs/agent.log",
		MaxSize:     50,
		MaxBackups:  5,
		MaxAge:      14,
		Compress:    true,
		SensitiveDataPatterns: []string{
			`password=\S+`,
			`token=\S+`,
			`secret=\S+`,
		},
	}
}

func (c *LogConfig) Validate() error {
	if c.Level == "" {
		return NewError("ERR_INTERNAL", "log level must be specified", nil)
	}
	dir := filepath.Dir(c.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError(err, "failed to create log directory", nil)
	}
	if c.MaxSize <= 0 || c.MaxBackups < 0 || c.MaxAge < 0 {
		return NewError("ERR_INTERNAL", "invalid log rotation settings", nil)
	}
	for _, pattern := range c.SensitiveDataPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return WrapError(err, "invalid sensitive data pattern", map[string]interface{}{"pattern": pattern})
		}
	}
	return nil
}

// InitLogger initializes the process-wide logger. Safe to call once at startup.
func InitLogger(config LogConfig) error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if err := config.Validate(); err != nil {
		return err
	}

	rotator := &lumberjack.Logger{
		Filename:   config.OutputPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return WrapError(err, "invalid log level", nil)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level),
	)

	logger = zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("environment", config.Environment),
			zap.Time("startup_time", time.Now().UTC()),
		),
	)

	logConfig = config
	sensitiveDataPatterns = config.SensitiveDataPatterns
	return nil
}

// Sync flushes any buffered log entries; call before process exit.
func Sync() {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}

// Info logs an informational message.
func Info(message string, fields ...zap.Field) {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	if logger == nil {
		return
	}
	logger.Info(sanitizeLogMessage(message), sanitizeFields(fields)...)
}

// Warn logs a warning message.
func Warn(message string, fields ...zap.Field) {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	if logger == nil {
		return
	}
	logger.Warn(sanitizeLogMessage(message), sanitizeFields(fields)...)
}

// Error logs an error, tagging it with the wrapped AgentError code when present.
func Error(message string, err error, fields ...zap.Field) {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	if logger == nil {
		return
	}

	var aerr *AgentError
	errorCode := "ERR_INTERNAL"
	if errors.As(err, &aerr) {
		errorCode = aerr.Code
	}

	fields = append(fields, zap.String("error_code", errorCode), zap.Error(err))
	logger.Error(sanitizeLogMessage(message), sanitizeFields(fields)...)
}

func sanitizeLogMessage(message string) string {
	for _, pattern := range sensitiveDataPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		message = re.ReplaceAllString(message, "[REDACTED]")
	}
	return message
}

func sanitizeFields(fields []zap.Field) []zap.Field {
	sanitized := make([]zap.Field, len(fields))
	for i, field := range fields {
		if field.Type == zapcore.StringType {
			field.String = sanitizeLogMessage(field.String)
		}
		sanitized[i] = field
	}
	return sanitized
}

// Package common provides shared utilities and error handling for the endpoint bot-detection agent.
package common

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorSeverity represents the severity level of an error.
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// ErrorCodeInfo contains metadata about error codes.
type ErrorCodeInfo struct {
	Severity    ErrorSeverity
	Category    string
	Description string
}

var (
	errorMetricsMu sync.Mutex
	errorMetrics   = make(map[string]*atomic.Uint64)
)

// Predefined error codes, grouped by the subsystem that raises them.
var errorCodes = map[string]ErrorCodeInfo{
	"ERR_BUS_REENTRANT":  {SeverityError, "EventBus", "listener attempted to emit while holding the bus lock"},
	"ERR_BUS_LISTENER":   {SeverityWarning, "EventBus", "listener callback panicked or returned an error"},
	"ERR_CFG_FETCH":      {SeverityWarning, "Config", "dashboard config fetch failed"},
	"ERR_CFG_BACKOFF":    {SeverityInfo, "Config", "config fetch skipped during backoff window"},
	"ERR_CFG_DECRYPT":    {SeverityError, "Config", "encrypted cache could not be decrypted"},
	"ERR_CFG_CHECKSUM":   {SeverityWarning, "Config", "cache checksum mismatch, treated as miss"},
	"ERR_FWD_HTTP":       {SeverityWarning, "Forwarder", "HTTP forwarder delivery failed"},
	"ERR_FWD_REDIS":      {SeverityWarning, "Forwarder", "Redis forwarder write failed"},
	"ERR_CMD_FETCH":      {SeverityWarning, "Command", "command poll failed"},
	"ERR_CMD_EXEC":       {SeverityError, "Command", "command execution failed"},
	"ERR_CMD_ADMIN":      {SeverityInfo, "Command", "command requires elevation the process does not have"},
	"ERR_SUP_LOCK":       {SeverityCritical, "Supervisor", "singleton lock could not be acquired"},
	"ERR_SUP_SINGLETON":  {SeverityCritical, "Supervisor", "another agent instance already holds the lock"},
	"ERR_SUP_DETECT":     {SeverityWarning, "Supervisor", "target-process detection failed"},
	"ERR_SEGMENT_TICK":   {SeverityWarning, "Segment", "segment tick panicked or returned an error"},
	"ERR_INTERNAL":       {SeverityError, "System", "internal error"},
}

// AgentError is the coded, severity-tagged error type carried through every subsystem.
type AgentError struct {
	Code      string
	Message   string
	Err       error
	Severity  ErrorSeverity
	Metadata  map[string]interface{}
	Timestamp time.Time
}

func (e *AgentError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.sanitizeMessage(e.Message))
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

func (e *AgentError) sanitizeMessage(message string) string {
	return sanitizeMessage(message)
}

// NewError creates a new AgentError, defaulting to ERR_INTERNAL for unknown codes.
func NewError(code string, message string, metadata map[string]interface{}) *AgentError {
	codeInfo, exists := errorCodes[code]
	if !exists {
		code = "ERR_INTERNAL"
		codeInfo = errorCodes[code]
	}

	errorMetricsMu.Lock()
	counter, exists := errorMetrics[code]
	if !exists {
		counter = &atomic.Uint64{}
		errorMetrics[code] = counter
	}
	errorMetricsMu.Unlock()
	counter.Add(1)

	return &AgentError{
		Code:      code,
		Message:   message,
		Severity:  codeInfo.Severity,
		Metadata:  sanitizeMetadata(metadata),
		Timestamp: time.Now().UTC(),
	}
}

// WrapError wraps an existing error, preserving its code/severity when it is already an AgentError.
func WrapError(err error, message string, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	var aerr *AgentError
	if errors.As(err, &aerr) {
		return &AgentError{
			Code:      aerr.Code,
			Message:   message,
			Err:       err,
			Severity:  aerr.Severity,
			Metadata:  mergeMaps(aerr.Metadata, sanitizeMetadata(context)),
			Timestamp: time.Now().UTC(),
		}
	}

	return &AgentError{
		Code:      "ERR_INTERNAL",
		Message:   message,
		Err:       err,
		Severity:  SeverityError,
		Metadata:  sanitizeMetadata(context),
		Timestamp: time.Now().UTC(),
	}
}

// IsErrorCode reports whether err carries the given code (and, if set, category).
func IsErrorCode(err error, code string, category string) bool {
	if err == nil {
		return false
	}
	var aerr *AgentError
	if !errors.As(err, &aerr) {
		return false
	}
	codeInfo, exists := errorCodes[code]
	if !exists {
		return false
	}
	return aerr.Code == code && (category == "" || codeInfo.Category == category)
}

// ErrorMetrics is a point-in-time snapshot of error counters by code.
type ErrorMetrics struct {
	Counts    map[string]uint64
	Timestamp time.Time
}

// GetErrorMetrics returns the current error counters.
func GetErrorMetrics() ErrorMetrics {
	m := ErrorMetrics{Counts: make(map[string]uint64), Timestamp: time.Now().UTC()}
	errorMetricsMu.Lock()
	defer errorMetricsMu.Unlock()
	for code, counter := range errorMetrics {
		m.Counts[code] = counter.Load()
	}
	return m
}

var sensitiveKeyPatterns = []string{"password", "key", "token", "secret"}

func sanitizeMessage(message string) string {
	for _, pattern := range sensitiveKeyPatterns {
		needle := pattern + "="
		from := 0
		for {
			idx := strings.Index(strings.ToLower(message[from:]), needle)
			if idx < 0 {
				break
			}
			idx += from
			end := idx + len(needle)
			for end < len(message) && message[end] != ' ' {
				end++
			}
			replacement := pattern + "=[REDACTED]"
			message = message[:idx] + replacement + message[end:]
			from = idx + len(replacement)
		}
	}
	return message
}

func sanitizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	sanitized := make(map[string]interface{}, len(metadata))
	sensitive := map[string]bool{"password": true, "key": true, "token": true, "secret": true}
	for k, v := range metadata {
		if sensitive[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}

func mergeMaps(m1, m2 map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range m1 {
		result[k] = v
	}
	for k, v := range m2 {
		result[k] = v
	}
	return sanitizeMetadata(result)
}

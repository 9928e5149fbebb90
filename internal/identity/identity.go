// Package identity resolves a human-readable device name from the candidate
// sources available at batch-assembly time, mirroring the dashboard's own
// resolution order so both sides agree on a name.
package identity

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/coinpoker/endpoint-agent/pkg/common"
)

// DefaultPriority is the fixed fallback order when no override file is present.
var DefaultPriority = []string{
	"batch.nickname",
	"batch.device",
	"batch.system.host",
	"batch.device.hostname",
	"batch.meta.hostname",
	"signal.device_name",
	"device_id",
}

// Sources carries every candidate value resolution may draw from, keyed by
// the same priority-list tokens used in DefaultPriority.
type Sources struct {
	BatchNickname       string
	BatchDevice         string
	BatchSystemHost     string
	BatchDeviceHostname string
	BatchMetaHostname   string
	SignalDeviceName    string
}

func (s Sources) lookup(key string) string {
	switch key {
	case "batch.nickname":
		return s.BatchNickname
	case "batch.device":
		return s.BatchDevice
	case "batch.system.host":
		return s.BatchSystemHost
	case "batch.device.hostname":
		return s.BatchDeviceHostname
	case "batch.meta.hostname":
		return s.BatchMetaHostname
	case "signal.device_name":
		return s.SignalDeviceName
	default:
		return ""
	}
}

// priorityFile mirrors the dashboard-configurable name_priority override.
type priorityFile struct {
	NamePriority []string `json:"name_priority"`
}

// LoadPriority reads the override priority list from path (env var
// IDENTITY_PRIORITY_PATH in the composed runtime), falling back to
// DefaultPriority on any read/parse error or empty file.
func LoadPriority(path string) []string {
	if path == "" {
		return DefaultPriority
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPriority
	}
	var pf priorityFile
	if err := json.Unmarshal(data, &pf); err != nil {
		common.Error("identity priority file unreadable, using defaults", common.WrapError(err, "parse identity_priority.json", nil))
		return DefaultPriority
	}
	if len(pf.NamePriority) == 0 {
		return DefaultPriority
	}
	return pf.NamePriority
}

// looksLikeDeviceID reports whether value has the shape of a device id rather
// than a human name: a 32+ char hex string, or two 16+ char hex halves joined by "_".
func looksLikeDeviceID(value string) bool {
	if value == "" {
		return false
	}
	trimmed := strings.TrimSpace(value)
	if len(trimmed) >= 32 && isHex(trimmed) {
		return true
	}
	if strings.Contains(trimmed, "_") {
		parts := strings.Split(trimmed, "_")
		if len(parts) == 2 && len(parts[0]) >= 16 && len(parts[1]) >= 16 && isHex(parts[0]) && isHex(parts[1]) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func sanitize(candidate, deviceID string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" || trimmed == deviceID {
		return ""
	}
	if looksLikeDeviceID(trimmed) {
		return ""
	}
	return trimmed
}

// ResolveDeviceName walks priority in order, returning the first candidate
// from sources that is non-empty, distinct from deviceID, and not itself
// device-ID-shaped. Falls back to deviceID when nothing qualifies.
func ResolveDeviceName(deviceID string, sources Sources, priority []string) string {
	if priority == nil {
		priority = DefaultPriority
	}
	for _, key := range priority {
		var candidate string
		if key == "device_id" {
			candidate = deviceID
		} else {
			candidate = sources.lookup(key)
		}
		if sanitized := sanitize(candidate, deviceID); sanitized != "" {
			return sanitized
		}
	}
	return deviceID
}

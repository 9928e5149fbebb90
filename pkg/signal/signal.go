// Package signal defines the wire-level value types shared by every stage of the
// detection pipeline: the raw Signal emitted by a segment, and the aggregated
// ActiveThreat the threat manager derives from a stream of Signals.
package signal

import "strings"

// Category is the closed set of detection domains a Signal may belong to.
type Category string

const (
	CategoryPrograms  Category = "programs"
	CategoryNetwork   Category = "network"
	CategoryBehaviour Category = "behaviour"
	CategoryAuto      Category = "auto"
	CategoryVM        Category = "vm"
	CategoryScreen    Category = "screen"
	CategorySecurity  Category = "security"
	CategorySystem    Category = "system"
)

// Status is the ordered severity enum: OK < INFO < WARN < ALERT < CRITICAL.
type Status string

const (
	StatusOK       Status = "OK"
	StatusInfo     Status = "INFO"
	StatusWarn     Status = "WARN"
	StatusAlert    Status = "ALERT"
	StatusCritical Status = "CRITICAL"
)

// Points maps a Status to its contribution to bot_probability.
func (s Status) Points() int {
	switch s {
	case StatusCritical:
		return 15
	case StatusAlert:
		return 10
	case StatusWarn:
		return 5
	default:
		return 0
	}
}

// GreaterThan reports whether s represents strictly higher severity than other,
// by point value (status names with equal points are considered equal).
func (s Status) GreaterThan(other Status) bool {
	return s.Points() > other.Points()
}

// Signal is an immutable detection event as emitted by a segment or the core pipeline.
type Signal struct {
	Timestamp   float64  `json:"timestamp"`
	Category    Category `json:"category"`
	Name        string   `json:"name"`
	Status      Status   `json:"status"`
	Details     string   `json:"details"`
	DeviceID    string   `json:"device_id,omitempty"`
	DeviceName  string   `json:"device_name,omitempty"`
	DeviceIP    string   `json:"device_ip,omitempty"`
	SegmentName string   `json:"segment_name,omitempty"`
}

// Source returns the "{category}/{name}" detection-source tag used by ActiveThreat.DetectionSources.
func (s Signal) Source() string {
	return string(s.Category) + "/" + s.Name
}

// ActiveThreat is the mutable, persistent aggregate the Threat Manager maintains
// for every distinct ThreatID it has derived from incoming Signals.
type ActiveThreat struct {
	ThreatID         string
	Category         Category
	Name             string
	Status           Status
	Details          string
	FirstSeen        float64
	LastSeen         float64
	DetectionCount   int
	ThreatScore      int
	DetectionSources []string
	sourceSet        map[string]struct{}
}

// AddSource appends src to DetectionSources if not already present, keeping insertion order.
func (t *ActiveThreat) AddSource(src string) {
	if t.sourceSet == nil {
		t.sourceSet = make(map[string]struct{}, len(t.DetectionSources))
		for _, s := range t.DetectionSources {
			t.sourceSet[s] = struct{}{}
		}
	}
	if _, ok := t.sourceSet[src]; ok {
		return
	}
	t.sourceSet[src] = struct{}{}
	t.DetectionSources = append(t.DetectionSources, src)
}

// ConfidenceScore is the number of distinct detection sources that have contributed to this threat.
func (t *ActiveThreat) ConfidenceScore() int {
	return len(t.DetectionSources)
}

// IsMoreSpecificName reports whether candidate is a strictly more specific replacement for current:
// contains an executable token the prior name lacked, or is strictly longer among equally specific names.
func IsMoreSpecificName(current, candidate string) bool {
	if candidate == current {
		return false
	}
	hadExe := strings.Contains(strings.ToLower(current), ".exe")
	hasExe := strings.Contains(strings.ToLower(candidate), ".exe")
	if hasExe && !hadExe {
		return true
	}
	if hasExe == hadExe && len(candidate) > len(current) {
		return true
	}
	return false
}

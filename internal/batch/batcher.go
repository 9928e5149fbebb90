// Package batch implements the report batcher: it accumulates
// every Signal emitted during a window, folds it against the Threat Manager's
// current view, and emits one "Unified Scan Report" system Signal per window
// regardless of whether anything was detected (the empty batch is the
// heartbeat the dashboard uses to know the device is still online).
package batch

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coinpoker/endpoint-agent/internal/bus"
	"github.com/coinpoker/endpoint-agent/internal/identity"
	"github.com/coinpoker/endpoint-agent/internal/threat"
	"github.com/coinpoker/endpoint-agent/pkg/common"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// DefaultInterval is the unified batch window.
const DefaultInterval = 92 * time.Second

// maxLogBackups bounds the rotated batch-log files kept on disk when batch
// logging is enabled.
const maxLogBackups = 20

// SystemInfo carries the point-in-time host metrics the batcher folds into
// every report's "system" block. The caller (the composed runtime) refreshes
// this once per tick; the batcher never reaches into hostos itself.
type SystemInfo struct {
	CPUPercent      float64
	MemUsedPercent  float64
	SegmentsRunning int
	Env             string
	Host            string
	DeviceName      string
	DeviceIP        string
}

// SegmentInfo is the subset of a running segment's state the metadata block
// reports when testing-JSON mode is enabled.
type SegmentInfo struct {
	Name     string
	Category signal.Category
	Interval time.Duration
	Running  bool
}

// Config controls the batcher's optional on-disk batch log and metadata block.
type Config struct {
	Interval    time.Duration
	LogBatches  bool
	LogDir      string
	TestingJSON bool
	// IdentityPriorityPath optionally points at an identity_priority.json
	// override for the device-name resolution order.
	IdentityPriorityPath string
}

// DefaultConfig returns the batcher's defaults: 92s window, no disk logging.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// detectionKey groups raw signals for display dedup the same way the
// dashboard expects: same category, name, details and guessed segment count
// once, with occurrences tracked instead of duplicated rows.
type detectionKey struct {
	category signal.Category
	name     string
	details  string
	segment  string
}

type detectionRow struct {
	Name             string   `json:"name"`
	Segment          string   `json:"segment"`
	Category         string   `json:"category"`
	Status           string   `json:"status"`
	Points           int      `json:"points"`
	FirstDetected    float64  `json:"first_detected"`
	Details          string   `json:"details"`
	Occurrences      int      `json:"occurrences"`
	ThreatID         string   `json:"threat_id,omitempty"`
	ThreatSources    []string `json:"threat_sources,omitempty"`
	ThreatConfidence int      `json:"threat_confidence,omitempty"`
	ThreatScore      int      `json:"threat_score,omitempty"`
}

// UnifiedBatchReport is the JSON payload carried in the "Unified Scan Report"
// system signal's Details field.
type UnifiedBatchReport struct {
	ReportID          string                 `json:"report_id"`
	ScanType          string                 `json:"scan_type"`
	BatchNumber       int                    `json:"batch_number"`
	BotProbability    float64                `json:"bot_probability"`
	Nickname          string                 `json:"nickname,omitempty"`
	DeviceID          string                 `json:"device_id"`
	DeviceName        string                 `json:"device_name"`
	DeviceIP          string                 `json:"device_ip"`
	Device            deviceBlock            `json:"device"`
	Timestamp         float64                `json:"timestamp"`
	BatchSentAt       float64                `json:"batch_sent_at"`
	Summary           summaryBlock           `json:"summary"`
	Categories        map[string]int         `json:"categories"`
	ActiveThreats     int                    `json:"active_threats"`
	AggregatedThreats []threat.ThreatDetail  `json:"aggregated_threats"`
	VMProbability     float64                `json:"vm_probability"`
	FileAnalysisCount int                    `json:"file_analysis_count"`
	System            systemBlock            `json:"system"`
	Metadata          *metadataBlock         `json:"metadata,omitempty"`
}

type deviceBlock struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

type summaryBlock struct {
	Critical          int     `json:"critical"`
	Alert             int     `json:"alert"`
	Warn              int     `json:"warn"`
	Info              int     `json:"info"`
	TotalDetections   int     `json:"total_detections"`
	TotalThreats      int     `json:"total_threats"`
	ThreatScore       float64 `json:"threat_score"`
	RawDetectionScore int     `json:"raw_detection_score"`
}

type systemBlock struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	SegmentsRunning int     `json:"segments_running"`
	Env             string  `json:"env"`
	Host            string  `json:"host"`
}

type metadataBlock struct {
	Flow          flowBlock        `json:"flow"`
	Segments      []segmentSummary `json:"segments"`
	Timing        timingBlock      `json:"timing"`
	Configuration configBlock      `json:"configuration"`
	SystemState   systemState      `json:"system_state"`
}

type flowBlock struct {
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

type segmentSummary struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Interval float64 `json:"interval"`
	Status   string  `json:"status"`
}

type timingBlock struct {
	BatchInterval    float64            `json:"batch_interval"`
	SyncSegments     bool               `json:"sync_segments"`
	SegmentIntervals map[string]float64 `json:"segment_intervals"`
}

type configBlock struct {
	Env         string `json:"env"`
	WebEnabled  bool   `json:"web_enabled"`
	TestingJSON bool   `json:"testing_json"`
}

type systemState struct {
	SegmentsRunning int     `json:"segments_running"`
	BatchCount      int     `json:"batch_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	Host            string  `json:"host"`
}

// Batcher is the single writer of its own detection buffer; it is the one
// component in the pipeline allowed to call EventBus.Emit from outside a
// segment's Tick, since the batch signal it produces has no upstream segment.
type Batcher struct {
	mu sync.Mutex

	cfg        Config
	detections []signal.Signal
	lastBatch  time.Time
	batchCount int

	bus          *bus.EventBus
	webEnabled   bool
	identityPrio []string
	batchLog     io.WriteCloser
}

// New constructs a Batcher that emits onto b when its window elapses.
func New(cfg Config, eventBus *bus.EventBus) *Batcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	b := &Batcher{
		cfg:          cfg,
		lastBatch:    time.Now(),
		bus:          eventBus,
		identityPrio: identity.LoadPriority(cfg.IdentityPriorityPath),
	}
	if cfg.LogBatches && cfg.LogDir != "" {
		b.batchLog = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "batches.log"),
			MaxSize:    10, // megabytes
			MaxBackups: maxLogBackups,
		}
	}
	return b
}

// SetWebForwarderEnabled records whether the HTTP forwarder is currently
// enabled, surfaced in the metadata block's configuration section.
func (b *Batcher) SetWebForwarderEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.webEnabled = enabled
}

// AddSignal buffers sig for the next window. Safe to call concurrently with MaybeSendBatches.
func (b *Batcher) AddSignal(sig signal.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detections = append(b.detections, sig)
}

// MaybeSendBatches sends the unified batch report once the configured
// interval has elapsed since the last one, then resets the window. It is a
// no-op (cheap to call on every tick) until the window elapses.
func (b *Batcher) MaybeSendBatches(now time.Time, tm *threat.Manager, sysInfo SystemInfo, segments []SegmentInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastBatch) < b.cfg.Interval {
		return
	}
	windowStart := b.lastBatch
	b.batchCount++
	b.sendBatch(now, tm, sysInfo, segments, windowStart)
	b.lastBatch = now
}

// Cleanup discards any buffered signals, resets the batch counter, and
// closes the batch log. Intended for shutdown and test isolation.
func (b *Batcher) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detections = nil
	b.batchCount = 0
	if b.batchLog != nil {
		_ = b.batchLog.Close()
		b.batchLog = nil
	}
}

func (b *Batcher) sendBatch(now time.Time, tm *threat.Manager, sysInfo SystemInfo, segments []SegmentInfo, windowStart time.Time) {
	summary := tm.GetThreatSummary(&windowStart)

	threatDetailByID := make(map[string]threat.ThreatDetail, len(summary.ThreatDetails))
	for _, d := range summary.ThreatDetails {
		if d.ThreatID != "" {
			threatDetailByID[d.ThreatID] = d
		}
	}

	var nickname string
	rows := make(map[detectionKey]*detectionRow)
	order := make([]detectionKey, 0)
	threatCounts := map[string]int{"critical": 0, "alert": 0, "warn": 0, "info": 0}

	for _, sig := range b.detections {
		if sig.Category == signal.CategorySystem && sig.Name == "Player Name Detected" && sig.Details != "" && nickname == "" {
			var details struct {
				PlayerName string `json:"player_name"`
			}
			if err := json.Unmarshal([]byte(sig.Details), &details); err == nil && details.PlayerName != "" {
				nickname = details.PlayerName
			}
		}
	}

	for _, sig := range b.detections {
		if sig.Category == signal.CategorySystem {
			continue
		}
		points := sig.Status.Points()
		if points == 0 {
			continue
		}

		segName := guessSegmentName(sig)
		threatID := threat.DeriveThreatID(sig)
		key := detectionKey{category: sig.Category, name: sig.Name, details: sig.Details, segment: segName}

		if row, ok := rows[key]; ok {
			row.Occurrences++
			if sig.Timestamp != 0 && sig.Timestamp < row.FirstDetected {
				row.FirstDetected = sig.Timestamp
			}
			if threatID != "" && row.ThreatID == "" {
				row.ThreatID = threatID
				if detail, ok := threatDetailByID[threatID]; ok {
					row.ThreatSources = detail.Sources
					row.ThreatConfidence = detail.Confidence
					row.ThreatScore = detail.Score
				}
			}
			continue
		}

		firstDetected := sig.Timestamp
		if firstDetected == 0 {
			firstDetected = float64(now.Unix())
		}
		row := &detectionRow{
			Name:          common.SanitizeString(sig.Name, common.SanitizationOptions{MaxLength: 300, TrimSpace: true, StripHTML: true}),
			Segment:       segName,
			Category:      string(sig.Category),
			Status:        string(sig.Status),
			Points:        points,
			FirstDetected: firstDetected,
			Details:       sig.Details,
			Occurrences:   1,
			ThreatID:      threatID,
		}
		if threatID != "" {
			if detail, ok := threatDetailByID[threatID]; ok {
				row.ThreatSources = detail.Sources
				row.ThreatConfidence = detail.Confidence
				row.ThreatScore = detail.Score
			}
		}
		rows[key] = row
		order = append(order, key)
	}

	categories := make(map[string]int)
	rawScore := 0
	fileAnalysisCount := 0
	for _, key := range order {
		row := rows[key]
		rawScore += row.Points
		levelKey := strings.ToLower(row.Status)
		if _, ok := threatCounts[levelKey]; ok {
			threatCounts[levelKey]++
		}
		categories[row.Category]++
		nameLower := strings.ToLower(row.Name)
		if strings.Contains(nameLower, "hash") || strings.Contains(nameLower, "file") {
			fileAnalysisCount++
		}
	}

	deviceID, deviceName, deviceIP, sysInfo := b.resolveDevice(sysInfo, nickname)

	reportID, err := common.GenerateUUID()
	if err != nil {
		reportID = ""
	}

	report := UnifiedBatchReport{
		ReportID:          reportID,
		ScanType:          "unified",
		BatchNumber:       b.batchCount,
		BotProbability:    summary.BotProbability,
		Nickname:          nickname,
		DeviceID:          deviceID,
		DeviceName:        deviceName,
		DeviceIP:          deviceIP,
		Device:            deviceBlock{Hostname: sysInfo.Host, IP: deviceIP},
		Timestamp:         float64(now.UnixNano()) / 1e9,
		BatchSentAt:       float64(now.UnixNano()) / 1e9,
		Summary: summaryBlock{
			Critical:          threatCounts["critical"],
			Alert:             threatCounts["alert"],
			Warn:              threatCounts["warn"],
			Info:              threatCounts["info"],
			TotalDetections:   len(order),
			TotalThreats:      summary.TotalActiveThreats,
			ThreatScore:       summary.BotProbability,
			RawDetectionScore: rawScore,
		},
		Categories:        categories,
		ActiveThreats:     summary.TotalActiveThreats,
		AggregatedThreats: summary.ThreatDetails,
		VMProbability:     0,
		FileAnalysisCount: fileAnalysisCount,
		System: systemBlock{
			CPUPercent:      sysInfo.CPUPercent,
			MemUsedPercent:  sysInfo.MemUsedPercent,
			SegmentsRunning: sysInfo.SegmentsRunning,
			Env:             sysInfo.Env,
			Host:            sysInfo.Host,
		},
	}

	if b.cfg.TestingJSON {
		report.Metadata = b.buildMetadata(segments, sysInfo)
	}

	b.logBatch(report)

	payload, err := json.Marshal(report)
	if err != nil {
		common.Error("batch report marshal failed", common.WrapError(err, "marshal unified batch report", nil))
		return
	}

	batchSignal := signal.Signal{
		Timestamp:  report.Timestamp,
		Category:   signal.CategorySystem,
		Name:       "Unified Scan Report",
		Status:     signal.StatusInfo,
		Details:    string(payload),
		DeviceID:   deviceID,
		DeviceName: deviceName,
		DeviceIP:   deviceIP,
	}

	if b.bus != nil {
		b.bus.Emit("detection", batchSignal)
	}
	b.detections = nil
}

// resolveDevice derives device_id/device_name/device_ip the same way the
// original client does: prefer whatever the first buffered signal already
// carries, fall back to system info, and finally to a hash of the local
// hostname. DEV environments always present as "Test" regardless of source.
func (b *Batcher) resolveDevice(sysInfo SystemInfo, nickname string) (deviceID, deviceName, deviceIP string, out SystemInfo) {
	out = sysInfo

	if len(b.detections) > 0 {
		first := b.detections[0]
		deviceID = first.DeviceID
		deviceName = first.DeviceName
		deviceIP = first.DeviceIP
	}

	if deviceName == "" && sysInfo.DeviceName != "" {
		deviceName = sysInfo.DeviceName
	}
	if deviceName == "" && sysInfo.Host != "" && sysInfo.Host != "unknown" {
		deviceName = sysInfo.Host
		if deviceID == "" {
			deviceID = md5Hex(deviceName)
		}
	}
	if deviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		deviceName = host
		if deviceID == "" {
			deviceID = md5Hex(deviceName)
		}
	}

	if deviceIP == "" {
		deviceIP = sysInfo.DeviceIP
	}
	if deviceIP == "" {
		deviceIP = localOutboundIP()
	}

	if deviceID == "" {
		deviceID = md5Hex("unknown")
		if deviceName == "" {
			deviceName = "Unknown Device"
		}
	}

	sources := identity.Sources{
		BatchNickname:       nickname,
		BatchDevice:         sysInfo.DeviceName,
		BatchSystemHost:     sysInfo.Host,
		BatchDeviceHostname: sysInfo.Host,
		SignalDeviceName:    deviceName,
	}
	deviceName = identity.ResolveDeviceName(deviceID, sources, b.identityPrio)

	if strings.EqualFold(sysInfo.Env, "DEV") {
		deviceName = "Test"
	}

	return deviceID, deviceName, deviceIP, out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// localOutboundIP mirrors the classic "connect a UDP socket, never send"
// trick for discovering the interface that would carry outbound traffic,
// without it ever leaving the host.
func localOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// guessSegmentName recovers a display segment name from a signal that did
// not carry one explicitly, pattern-matching the same way the dashboard's
// legend does.
func guessSegmentName(sig signal.Signal) string {
	if sig.SegmentName != "" {
		return sig.SegmentName
	}

	nameLower := strings.ToLower(sig.Name)
	switch {
	case strings.Contains(nameLower, "python"), strings.Contains(nameLower, "autohotkey"), strings.Contains(nameLower, "macro"):
		return "AutomationDetector"
	case strings.Contains(nameLower, "rename"), strings.Contains(nameLower, "protected site"), strings.Contains(nameLower, "coinpoker"):
		return "ProcessScanner"
	case (strings.Contains(nameLower, "overlay") || strings.Contains(nameLower, "window")) && sig.Category == signal.CategoryScreen:
		return "ScreenDetector"
	case strings.Contains(nameLower, "gto"), strings.Contains(nameLower, "rta site"), strings.Contains(nameLower, "dns"):
		return "WebMonitor"
	case strings.Contains(nameLower, "telegram"), strings.Contains(nameLower, "bot token"):
		return "TelegramDetector"
	case strings.Contains(nameLower, "connection"), strings.Contains(nameLower, "rdp"), strings.Contains(nameLower, "vnc"):
		return "TrafficMonitor"
	case sig.Category == signal.CategoryBehaviour, strings.Contains(nameLower, "mouse"), strings.Contains(nameLower, "keyboard"):
		return "BehaviourDetector"
	case sig.Category == signal.CategoryVM, strings.Contains(nameLower, "virtual"):
		return "VMDetector"
	case strings.Contains(nameLower, "hash"), strings.Contains(nameLower, "virustotal"), strings.Contains(nameLower, "sha256"):
		return "HashAndSignatureScanner"
	case strings.Contains(nameLower, "entropy"), strings.Contains(nameLower, "packer"), strings.Contains(nameLower, "path hint"):
		return "ContentAnalyzer"
	case strings.Contains(nameLower, "obfuscation"):
		return "ObfuscationDetector"
	}

	category := string(sig.Category)
	if category == "" {
		return "UnknownDetector"
	}
	return strings.ToUpper(category[:1]) + category[1:] + "Detector"
}

func (b *Batcher) buildMetadata(segments []SegmentInfo, sysInfo SystemInfo) *metadataBlock {
	segList := make([]segmentSummary, 0, len(segments))
	intervals := make(map[string]float64, len(segments))
	for _, seg := range segments {
		status := "stopped"
		if seg.Running {
			status = "running"
		}
		segList = append(segList, segmentSummary{
			Name:     seg.Name,
			Category: string(seg.Category),
			Interval: seg.Interval.Seconds(),
			Status:   status,
		})
		intervals[string(seg.Category)] = seg.Interval.Seconds()
	}
	sort.Slice(segList, func(i, j int) bool { return segList[i].Name < segList[j].Name })

	return &metadataBlock{
		Flow: flowBlock{
			Description: "Signal flow through the bot detection system",
			Steps: []string{
				"Segments detect threats and call AddSignal()",
				"Signals are emitted to the EventBus",
				"the Report Batcher collects signals in memory",
				fmt.Sprintf("Every %s, the Report Batcher creates a unified batch report", b.cfg.Interval),
				"The batch report is forwarded to the dashboard",
			},
		},
		Segments: segList,
		Timing: timingBlock{
			BatchInterval:    b.cfg.Interval.Seconds(),
			SyncSegments:     syncSegmentsEnabled(),
			SegmentIntervals: intervals,
		},
		Configuration: configBlock{
			Env:         sysInfo.Env,
			WebEnabled:  b.webEnabled,
			TestingJSON: b.cfg.TestingJSON,
		},
		SystemState: systemState{
			SegmentsRunning: len(segList),
			BatchCount:      b.batchCount,
			CPUPercent:      sysInfo.CPUPercent,
			MemUsedPercent:  sysInfo.MemUsedPercent,
			Host:            sysInfo.Host,
		},
	}
}

func syncSegmentsEnabled() bool {
	return strings.EqualFold(os.Getenv("SYNC_SEGMENTS"), "true") || os.Getenv("SYNC_SEGMENTS") == "1"
}

func (b *Batcher) logBatch(report UnifiedBatchReport) {
	if b.batchLog == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		common.Error("batch log marshal failed", common.WrapError(err, "marshal batch log entry", nil))
		return
	}
	if _, err := b.batchLog.Write(append(data, '\n')); err != nil {
		common.Error("batch log write failed", common.WrapError(err, "write batch log entry", nil))
	}
}

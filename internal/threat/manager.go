// Package threat implements the threat manager: it groups Signals
// into persistent ActiveThreats by a derived ThreatID, escalates severity,
// expires stale threats on a per-category heartbeat timeout, and computes the
// clamped, linear-sum bot probability the rest of the pipeline reports.
package threat

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// messagingKeyword is the single messaging-client keyword special-cased for
// cross-segment grouping: signals mentioning it in name or
// details are merged into one threat per PID regardless of which segment saw it.
const messagingKeyword = "telegram"

// CategoryTimeouts holds the per-category heartbeat expiry window, keyed by
// lowercase category name. Defaults are 3x the scan interval the
// category's segment family runs at.
type CategoryTimeouts map[signal.Category]time.Duration

// DefaultCategoryTimeouts returns the fallback timeouts used when no config override is present.
func DefaultCategoryTimeouts() CategoryTimeouts {
	return CategoryTimeouts{
		signal.CategoryPrograms:  360 * time.Second,
		signal.CategoryAuto:      95 * time.Second,
		signal.CategoryNetwork:   95 * time.Second,
		signal.CategoryBehaviour: 95 * time.Second,
		signal.CategoryVM:        360 * time.Second,
		signal.CategoryScreen:    95 * time.Second,
		signal.CategorySystem:    300 * time.Second,
	}
}

// timeoutKeys maps the config-file override key for each category's
// heartbeat timeout to the category it tunes.
var timeoutKeys = map[string]signal.Category{
	"PROGRAMS":  signal.CategoryPrograms,
	"AUTO":      signal.CategoryAuto,
	"NETWORK":   signal.CategoryNetwork,
	"BEHAVIOUR": signal.CategoryBehaviour,
	"VM":        signal.CategoryVM,
	"SCREEN":    signal.CategoryScreen,
	"SYSTEM":    signal.CategorySystem,
}

// TimeoutsFrom builds the per-category expiry table from the shared config
// section: per-category seconds under "heartbeat_timeouts", defaulting to
// 3x scanInterval with a floor of one scanInterval, scaled by multiplier.
func TimeoutsFrom(shared map[string]interface{}, scanInterval time.Duration, multiplier int) CategoryTimeouts {
	if scanInterval <= 0 {
		scanInterval = 92 * time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}

	var overrides map[string]interface{}
	if shared != nil {
		overrides, _ = shared["heartbeat_timeouts"].(map[string]interface{})
	}

	out := make(CategoryTimeouts, len(timeoutKeys))
	for key, cat := range timeoutKeys {
		d := 3 * scanInterval
		if v, ok := overrides[key]; ok {
			switch secs := v.(type) {
			case float64:
				d = time.Duration(secs) * time.Second
			case int:
				d = time.Duration(secs) * time.Second
			}
		}
		if d < scanInterval {
			d = scanInterval
		}
		out[cat] = d * time.Duration(multiplier)
	}
	return out
}

// Summary is the snapshot the report batcher consumes each window.
type Summary struct {
	BotProbability     float64                 `json:"bot_probability"`
	TotalActiveThreats int                     `json:"total_active_threats"`
	AlertThreats       int                     `json:"alert_threats"`
	WarnThreats        int                     `json:"warn_threats"`
	CriticalThreats    int                     `json:"critical_threats"`
	CategoryBreakdown  map[signal.Category]int `json:"category_breakdown"`
	ThreatDetails      []ThreatDetail          `json:"threat_details"`
}

// ThreatDetail is one row of the top-10-by-score threat listing in Summary.
type ThreatDetail struct {
	ThreatID   string          `json:"threat_id"`
	Name       string          `json:"name"`
	Category   signal.Category `json:"category"`
	Status     signal.Status   `json:"status"`
	Score      int             `json:"score"`
	AgeSeconds int             `json:"age_seconds"`
	Confidence int             `json:"confidence"`
	Sources    []string        `json:"sources"`
	Detections int             `json:"detections"`
}

// Manager is the single writer of the active-threat map; all reads and writes
// go through its mutex and never block on I/O while holding it.
type Manager struct {
	mu               sync.Mutex
	threats          map[string]*signal.ActiveThreat
	lastCleanup      time.Time
	categoryTimeouts CategoryTimeouts
}

// New constructs a Manager with the given per-category timeouts (zero value uses defaults).
func New(timeouts CategoryTimeouts) *Manager {
	if timeouts == nil {
		timeouts = DefaultCategoryTimeouts()
	}
	return &Manager{
		threats:          make(map[string]*signal.ActiveThreat),
		lastCleanup:      time.Now(),
		categoryTimeouts: timeouts,
	}
}

// Process merges sig into the active-threat map (creating, updating, or
// escalating as needed) and returns the updated bot probability.
// Signals identified as false positives never create or update a threat.
func (m *Manager) Process(sig signal.Signal, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupExpired(now)

	if isFalsePositive(sig) {
		return m.botProbability(nil)
	}

	threatID := DeriveThreatID(sig)
	nowSec := float64(now.Unix())

	if t, ok := m.threats[threatID]; ok {
		t.LastSeen = nowSec
		t.DetectionCount++
		t.AddSource(sig.Source())

		newLevel := threatLevel(sig)
		newPoints := newLevel.Points()
		if newPoints > t.Status.Points() {
			t.Status = newLevel
			t.ThreatScore = newPoints
		}

		if len(sig.Details) > len(t.Details) {
			t.Details = sig.Details
		}
		if signal.IsMoreSpecificName(t.Name, sig.Name) {
			t.Name = sig.Name
		}
	} else {
		// A brand-new threat starts at the signal's own severity; the
		// rule-chain escalation in threatLevel only kicks in once a second
		// signal merges into it.
		score := sig.Status.Points()
		if score > 0 {
			t := &signal.ActiveThreat{
				ThreatID:       threatID,
				Category:       sig.Category,
				Name:           sig.Name,
				Status:         sig.Status,
				Details:        sig.Details,
				FirstSeen:      nowSec,
				LastSeen:       nowSec,
				DetectionCount: 1,
				ThreatScore:    score,
			}
			t.AddSource(sig.Source())
			m.threats[threatID] = t
		}
	}

	return m.botProbability(nil)
}

// Suppress reports whether sig should be withheld from the live detection
// feed because an active threat with the same id already sits at a strictly
// higher severity; the aggregated threat carries the worst view, so the
// lower-severity repeat would only add noise downstream.
func (m *Manager) Suppress(sig signal.Signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isFalsePositive(sig) {
		return false
	}
	t, ok := m.threats[DeriveThreatID(sig)]
	return ok && t.Status.Points() > sig.Status.Points()
}

// GetActiveThreats returns a snapshot slice of all currently active threats.
func (m *Manager) GetActiveThreats() []signal.ActiveThreat {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupExpired(time.Now())
	out := make([]signal.ActiveThreat, 0, len(m.threats))
	for _, t := range m.threats {
		out = append(out, *t)
	}
	return out
}

// BotProbability returns the current clamped linear-sum bot probability.
func (m *Manager) BotProbability() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupExpired(time.Now())
	return m.botProbability(nil)
}

// Cleanup clears all active threats. Intended for shutdown and test isolation.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threats = make(map[string]*signal.ActiveThreat)
	m.lastCleanup = time.Time{}
}

// GetThreatSummary returns a dashboard-ready snapshot, optionally restricted to
// threats whose LastSeen is at or after windowStart.
func (m *Manager) GetThreatSummary(windowStart *time.Time) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupExpired(time.Now())

	var threats []*signal.ActiveThreat
	for _, t := range m.threats {
		if windowStart != nil && t.LastSeen < float64(windowStart.Unix()) {
			continue
		}
		threats = append(threats, t)
	}

	summary := Summary{
		CategoryBreakdown: make(map[signal.Category]int),
	}
	summary.TotalActiveThreats = len(threats)
	for _, t := range threats {
		switch t.Status {
		case signal.StatusAlert:
			summary.AlertThreats++
		case signal.StatusWarn:
			summary.WarnThreats++
		case signal.StatusCritical:
			summary.CriticalThreats++
		}
		summary.CategoryBreakdown[t.Category]++
	}
	summary.BotProbability = round1(m.botProbability(threats))

	sort.SliceStable(threats, func(i, j int) bool { return threats[i].ThreatScore > threats[j].ThreatScore })
	now := time.Now()
	limit := len(threats)
	if limit > 10 {
		limit = 10
	}
	for _, t := range threats[:limit] {
		summary.ThreatDetails = append(summary.ThreatDetails, ThreatDetail{
			ThreatID:   t.ThreatID,
			Name:       t.Name,
			Category:   t.Category,
			Status:     t.Status,
			Score:      t.ThreatScore,
			AgeSeconds: int(now.Sub(time.Unix(int64(t.LastSeen), 0)).Seconds()),
			Confidence: t.ConfidenceScore(),
			Sources:    t.DetectionSources,
			Detections: t.DetectionCount,
		})
	}
	return summary
}

func (m *Manager) botProbability(threats []*signal.ActiveThreat) float64 {
	if threats == nil {
		threats = make([]*signal.ActiveThreat, 0, len(m.threats))
		for _, t := range m.threats {
			threats = append(threats, t)
		}
	}
	total := 0
	for _, t := range threats {
		total += t.ThreatScore
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return float64(total)
}

// cleanupExpired removes threats whose age exceeds their category's heartbeat
// timeout. Runs at most once every 10s of wall time.
func (m *Manager) cleanupExpired(now time.Time) {
	if now.Sub(m.lastCleanup) < 10*time.Second {
		return
	}
	m.lastCleanup = now

	for id, t := range m.threats {
		timeout, ok := m.categoryTimeouts[t.Category]
		if !ok {
			timeout = 60 * time.Second
		}
		age := now.Sub(time.Unix(int64(t.LastSeen), 0))
		if age > timeout {
			delete(m.threats, id)
		}
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// threatLevel maps a raw Signal to its unified CRITICAL/ALERT/WARN/INFO level
// per the rule chain below, first match wins.
func threatLevel(sig signal.Signal) signal.Status {
	nameLower := strings.ToLower(sig.Name)
	status := sig.Status

	if status == signal.StatusCritical {
		return signal.StatusCritical
	}

	for _, bot := range []string{"warbot", "holdembot", "shanky", "openholdem", "pokerbotai"} {
		if status == signal.StatusAlert && strings.Contains(nameLower, bot) {
			return signal.StatusCritical
		}
	}
	for _, rta := range []string{"gto wizard", "gtowizard", "rta.poker"} {
		if status == signal.StatusAlert && strings.Contains(nameLower, rta) {
			return signal.StatusCritical
		}
	}
	if strings.Contains(nameLower, "bot token") && (status == signal.StatusAlert || status == signal.StatusCritical) {
		return signal.StatusCritical
	}

	if status == signal.StatusAlert {
		return signal.StatusAlert
	}

	if status == signal.StatusWarn && (sig.Category == signal.CategoryAuto || strings.Contains(nameLower, "python") || strings.Contains(nameLower, "autohotkey")) {
		return signal.StatusAlert
	}
	if status == signal.StatusWarn && sig.Category == signal.CategoryVM {
		return signal.StatusAlert
	}
	if status == signal.StatusWarn {
		return signal.StatusWarn
	}
	return signal.StatusInfo
}

var systemProcessNames = []string{
	"svchost.exe", "conhost.exe", "taskhostw.exe", "audiodg.exe",
	"phoneexperiencehost.exe", "runtimebroker.exe",
}

// isFalsePositive applies the closed set of known-benign indicators that
// must never create or refresh a threat.
func isFalsePositive(sig signal.Signal) bool {
	nameLower := strings.ToLower(sig.Name)
	detailsLower := strings.ToLower(sig.Details)

	for _, proc := range systemProcessNames {
		if strings.Contains(nameLower, proc) {
			return true
		}
	}
	if strings.Contains(nameLower, "slack.exe") && strings.Contains(detailsLower, "app") {
		return true
	}
	if strings.Contains(nameLower, "teams.exe") && strings.Contains(detailsLower, "appdata") {
		return true
	}
	if strings.Contains(nameLower, "discord.exe") && strings.Contains(detailsLower, "local") {
		return true
	}
	if strings.Contains(detailsLower, ".mui") {
		for _, win := range []string{"svchost", "conhost", "taskhostw"} {
			if strings.Contains(nameLower, win) {
				return true
			}
		}
	}
	if strings.Contains(nameLower, "protected site:") {
		return true
	}
	if strings.Contains(detailsLower, "running normally") {
		return true
	}
	if sig.Status == signal.StatusInfo && strings.Contains(nameLower, "other poker site:") {
		return true
	}
	if sig.Status == signal.StatusInfo && strings.Contains(nameLower, "input source:") {
		return true
	}
	if sig.Status == signal.StatusOK {
		return true
	}
	if strings.Contains(nameLower, "threat summary") {
		return true
	}
	if sig.Category == signal.CategorySystem && sig.Status == signal.StatusInfo {
		return true
	}
	return false
}

var pidPattern = regexp.MustCompile(`pid[=:]\s*(\d+)`)

var exePatterns = []*regexp.Regexp{
	regexp.MustCompile(`:\s*([a-zA-Z0-9_\-]+\.exe)`),
	regexp.MustCompile(`^([a-zA-Z0-9_\-]+\.exe)`),
	regexp.MustCompile(`\b([a-zA-Z0-9_\-]+\.exe)\b`),
	regexp.MustCompile(`proc[=:]\s*(\w+)`),
	regexp.MustCompile(`process[=:]\s*(\w+)`),
	regexp.MustCompile(`pid[=:]\s*\d+.*?([a-zA-Z0-9_\-]+\.exe)`),
}

var knownTools = map[string]string{
	"openholdem":     "openholdem",
	"warbot":         "warbot",
	"shankybot":      "shankybot",
	"pokerbotai":     "pokerbotai",
	"gto wizard":     "gtowizard",
	"holdem manager": "holdemmanager",
	"pokertracker":   "pokertracker",
}

var genericPrefixes = []string{"suspicious", "compiled", "unsigned", "obfuscated", "protected"}

// DeriveThreatID applies a closed rule chain to collapse a
// signal's name/details into a stable, canonicalized identifier for merging.
func DeriveThreatID(sig signal.Signal) string {
	nameLower := strings.ToLower(sig.Name)
	detailsLower := strings.ToLower(sig.Details)

	if strings.Contains(nameLower, messagingKeyword) || strings.Contains(detailsLower, messagingKeyword) {
		if m := pidPattern.FindStringSubmatch(detailsLower); m != nil {
			return messagingKeyword + ":" + m[1]
		}
		return messagingKeyword
	}

	if strings.Contains(nameLower, "node.exe") || strings.Contains(nameLower, "node.js") ||
		strings.HasPrefix(nameLower, "node") || strings.Contains(detailsLower, "node.exe") {
		return "node"
	}

	if idx := strings.Index(nameLower, ":"); idx >= 0 {
		potentialExe := strings.TrimSpace(nameLower[idx+1:])
		if strings.HasSuffix(potentialExe, ".exe") {
			return strings.TrimSuffix(potentialExe, ".exe")
		}
	}

	for _, pattern := range exePatterns {
		for _, src := range []string{nameLower, detailsLower} {
			if m := pattern.FindStringSubmatch(src); m != nil {
				exe := strings.TrimSuffix(m[1], ".exe")
				switch exe {
				case "python", "pythonw", "python3":
					return "python"
				case "autohotkey", "ahk":
					return "autohotkey"
				case "autoit3":
					return "autoit"
				}
				return exe
			}
		}
	}

	for tool, id := range knownTools {
		if strings.Contains(nameLower, tool) {
			return id
		}
	}

	switch {
	case strings.Contains(nameLower, "python"):
		return "python"
	case strings.Contains(nameLower, "autohotkey"), strings.Contains(nameLower, "ahk"):
		return "autohotkey"
	case strings.Contains(nameLower, "autoit"):
		return "autoit"
	case strings.Contains(nameLower, "powershell"):
		return "powershell"
	case strings.Contains(nameLower, "discord"):
		return "discord"
	}

	words := strings.Fields(nameLower)
	if len(words) == 0 {
		return "unknown"
	}
	firstWord := words[0]
	for _, prefix := range genericPrefixes {
		if firstWord == prefix && len(words) > 1 {
			firstWord = words[1]
			break
		}
	}
	return firstWord
}

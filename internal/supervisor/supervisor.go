// Package supervisor owns the poker client's lifecycle from the agent's
// point of view: deciding whether it's running (multi-factor confidence
// scoring over the process table), waiting for its lobby window so the
// nickname detector gets a window to read from, guarding against a second
// agent instance starting on the same machine, and carrying out the two
// commands the dashboard can remotely queue (kill the client, snapshot its
// tables).
package supervisor

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/coinpoker/endpoint-agent/internal/hostos"
	"github.com/coinpoker/endpoint-agent/pkg/common"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// Target is the set of fingerprints a running poker client process and
// window are expected to match; DefaultTarget is CoinPoker's, but it's
// data so tests can substitute a synthetic target.
type Target struct {
	ProcessName    string
	PathToken      string
	WindowClass    string
	TitlePatterns  []string
	ChildProcesses []string
}

// DefaultTarget is the fingerprint for the poker client this agent watches.
func DefaultTarget() Target {
	return Target{
		ProcessName:    "game.exe",
		PathToken:      "coinpoker",
		WindowClass:    "Qt673QWindowIcon",
		TitlePatterns:  []string{"coinpoker", "lobby", "nl ", "hold'em", "plo ", "ante"},
		ChildProcesses: []string{"crashpad_handler.exe", "qtwebengineprocess.exe"},
	}
}

var uuidPattern = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// Indicators is the per-process scoring breakdown; HasWindowMatch is filled
// in separately by MatchWindows once FindWindows results are available,
// since GUI lookups happen once for all candidate PIDs rather than per process.
type Indicators struct {
	NameMatch            bool
	PathToken            bool
	CwdToken             bool
	ParentPathToken      bool
	CmdlineUUID          bool
	ChildProcessesMatch  bool
	WindowClassMatch     bool
	WindowTitleMatch     bool
	Confidence           float64
}

// ScoreProcess applies the weighted indicator table to proc, excluding the
// window-based indicators (added later via AddWindowMatch once the caller
// has enumerated windows for the candidate PID).
func ScoreProcess(proc hostos.ProcessInfo, target Target) Indicators {
	var ind Indicators

	if strings.EqualFold(proc.Name, target.ProcessName) {
		ind.NameMatch = true
		ind.Confidence += 0.10
	}
	if target.PathToken != "" && strings.Contains(proc.Exe, target.PathToken) {
		ind.PathToken = true
		ind.Confidence += 0.30
	}
	if target.PathToken != "" && strings.Contains(proc.Cwd, target.PathToken) {
		ind.CwdToken = true
		ind.Confidence += 0.20
	}
	if target.PathToken != "" && strings.Contains(proc.ParentExe, target.PathToken) {
		ind.ParentPathToken = true
		ind.Confidence += 0.15
	}
	if len(proc.Cmdline) > 0 && uuidPattern.MatchString(strings.ToLower(strings.Join(proc.Cmdline, " "))) {
		ind.CmdlineUUID = true
		ind.Confidence += 0.15
	}

	matched := 0
	childSet := make(map[string]struct{}, len(target.ChildProcesses))
	for _, c := range target.ChildProcesses {
		childSet[strings.ToLower(c)] = struct{}{}
	}
	for _, name := range proc.ChildNames {
		if _, ok := childSet[strings.ToLower(name)]; ok {
			matched++
		}
	}
	switch {
	case matched >= 2:
		ind.ChildProcessesMatch = true
		ind.Confidence += 0.20
	case matched == 1:
		ind.Confidence += 0.10
	}

	return ind
}

// AddWindowMatch folds in the two window-based indicators once the caller
// has checked whether any enumerated window for this PID matched the
// target's class and title patterns.
func (ind Indicators) AddWindowMatch(classMatched, titleMatched bool) Indicators {
	if classMatched {
		ind.WindowClassMatch = true
		ind.Confidence += 0.20
		if titleMatched {
			ind.WindowTitleMatch = true
			ind.Confidence += 0.10
		}
	}
	return ind
}

// Classify applies a three-way threshold: high confidence alone, or a
// path-token match paired with moderate confidence, both count as a
// positive identification.
func Classify(ind Indicators) bool {
	if ind.Confidence >= 0.6 {
		return true
	}
	if ind.PathToken && ind.Confidence >= 0.4 {
		return true
	}
	return ind.Confidence >= 0.4
}

// Detection is one process the scan positively identified as the target.
type Detection struct {
	PID        int32
	Name       string
	Confidence float64
	Indicators Indicators
}

// Supervisor drives detection, lobby-window waiting, the on-disk singleton
// lock, and remote-command execution against a single Target.
type Supervisor struct {
	target   Target
	host     hostos.HostOS
	emit     func(signal.Signal)
	deviceID string

	lockPath string

	mu               sync.Mutex
	active           bool
	lastStartAttempt time.Time
	lastStopAttempt  time.Time
	lockFile         *os.File

	startDebounce time.Duration
	stopDebounce  time.Duration
	lobbyTimeout  time.Duration
}

// Config is the construction-time wiring for a Supervisor.
type Config struct {
	Target       Target
	Host         hostos.HostOS
	Emit         func(signal.Signal)
	DeviceID     string
	LockPath     string
	LobbyTimeout time.Duration
}

// New builds a Supervisor. LockPath defaults to "scanner.lock" in the
// working directory; LobbyTimeout defaults to 30s.
func New(cfg Config) *Supervisor {
	lockPath := cfg.LockPath
	if lockPath == "" {
		lockPath = "scanner.lock"
	}
	lobbyTimeout := cfg.LobbyTimeout
	if lobbyTimeout <= 0 {
		lobbyTimeout = 30 * time.Second
	}
	return &Supervisor{
		target:        cfg.Target,
		host:          cfg.Host,
		emit:          cfg.Emit,
		deviceID:      cfg.DeviceID,
		lockPath:      lockPath,
		startDebounce: time.Second,
		stopDebounce:  time.Second,
		lobbyTimeout:  lobbyTimeout,
	}
}

// DetectProcesses scans the process table and returns every process scoring
// as a positive identification of the target, highest confidence first.
func (s *Supervisor) DetectProcesses(ctx context.Context) ([]Detection, error) {
	procs, err := s.host.ProcessSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: snapshot processes: %w", err)
	}

	// Class match alone earns the window indicator; a title match is a
	// bonus on top of it, so enumerate by class only and test titles
	// against the class-matched set ourselves.
	windows, err := s.host.FindWindows(s.target.WindowClass, nil)
	windowsByPID := map[int32]bool{}
	titleByPID := map[int32]bool{}
	if err == nil {
		for _, w := range windows {
			windowsByPID[w.PID] = true
			if titleMatchesAny(w.Title, s.target.TitlePatterns) {
				titleByPID[w.PID] = true
			}
		}
	}

	var out []Detection
	for _, p := range procs {
		if !processMatches(p, s.target) {
			continue
		}
		ind := ScoreProcess(p, s.target)
		ind = ind.AddWindowMatch(windowsByPID[p.PID], titleByPID[p.PID])
		if !Classify(ind) {
			continue
		}
		out = append(out, Detection{PID: p.PID, Name: p.Name, Confidence: ind.Confidence, Indicators: ind})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func titleMatchesAny(title string, patterns []string) bool {
	lower := strings.ToLower(title)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// processMatches is a cheap pre-filter (name or path token) run before the
// full weighted scoring, so the scan doesn't bother scoring every unrelated
// process on the box.
func processMatches(p hostos.ProcessInfo, target Target) bool {
	if strings.EqualFold(p.Name, target.ProcessName) {
		return true
	}
	return target.PathToken != "" && (strings.Contains(p.Exe, target.PathToken) || strings.Contains(p.Cwd, target.PathToken))
}

// WaitForLobbyWindow polls FindWindows until a lobby window appears or
// timeout elapses, giving the nickname detector a window to read the
// player's name from before segments start scanning.
func (s *Supervisor) WaitForLobbyWindow(ctx context.Context, timeout time.Duration) (hostos.WindowInfo, bool) {
	if timeout <= 0 {
		timeout = s.lobbyTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		windows, err := s.host.FindWindows(s.target.WindowClass, []string{"lobby"})
		if err == hostos.ErrUnsupported {
			return hostos.WindowInfo{}, false
		}
		if err == nil {
			for _, w := range windows {
				if strings.Contains(strings.ToLower(w.Title), "coinpoker") {
					return w, true
				}
			}
		}
		if time.Now().After(deadline) {
			return hostos.WindowInfo{}, false
		}
		select {
		case <-ctx.Done():
			return hostos.WindowInfo{}, false
		case <-ticker.C:
		}
	}
}

// AcquireSingleton takes the file-based process lock, failing when another
// live agent instance already holds it. Called once at startup; a conflict is
// fatal for the whole process, not something to retry around.
func (s *Supervisor) AcquireSingleton() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acquired, err := s.acquireLock()
	if err != nil {
		return fmt.Errorf("supervisor: acquire lock: %w", err)
	}
	if !acquired {
		return common.NewError("ERR_SUP_SINGLETON",
			fmt.Sprintf("another agent instance is already running (lock: %s)", s.lockPath), nil)
	}
	return nil
}

// ReleaseSingleton drops the process lock. Called once at shutdown, after the
// pipeline has been deactivated.
func (s *Supervisor) ReleaseSingleton() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLock()
}

// Active reports whether the pipeline is currently activated.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Activate marks the pipeline active and emits the startup signal, debounced
// by one second against repeated calls. It first waits (bounded) for the
// client's lobby window so nickname extraction has something to read from;
// on hosts without window enumeration the wait returns immediately.
// Returns true when this call performed the inactive-to-active transition.
func (s *Supervisor) Activate(ctx context.Context) bool {
	s.mu.Lock()
	now := time.Now()
	if s.active || now.Sub(s.lastStartAttempt) < s.startDebounce {
		s.mu.Unlock()
		return false
	}
	s.lastStartAttempt = now
	s.mu.Unlock()

	if w, ok := s.WaitForLobbyWindow(ctx, s.lobbyTimeout); ok {
		common.Info("lobby window found", zap.String("title", w.Title))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	common.Info("scanner pipeline starting", zap.Bool("elevated", s.host.IsElevated()))
	s.emitSignal("Scanner Started")
	return true
}

// Deactivate marks the pipeline inactive and emits the shutdown signal,
// debounced the same way Activate is. Returns true when this call performed
// the active-to-inactive transition.
func (s *Supervisor) Deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastStopAttempt) < s.stopDebounce {
		return false
	}
	s.lastStopAttempt = now

	if !s.active {
		return false
	}
	s.emitSignal("Scanner Stopping")
	s.active = false
	return true
}

// Run is the monitor loop: every interval it rescans the process table and
// drives the activate/deactivate transitions, invoking onActivate and
// onDeactivate so the caller can start and stop the segment pipeline in step.
// Blocks until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration, onActivate, onDeactivate func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		detections, err := s.DetectProcesses(ctx)
		if err != nil {
			common.Error("target process scan failed", err)
			return
		}
		switch {
		case len(detections) > 0 && !s.Active():
			common.Info("target client detected",
				zap.Int("processes", len(detections)),
				zap.Float64("confidence", detections[0].Confidence),
			)
			if s.Activate(ctx) && onActivate != nil {
				onActivate()
			}
		case len(detections) == 0 && s.Active():
			if s.Deactivate() && onDeactivate != nil {
				onDeactivate()
			}
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (s *Supervisor) emitSignal(name string) {
	if s.emit == nil {
		return
	}
	s.emit(signal.Signal{
		Timestamp: float64(time.Now().Unix()),
		Category:  signal.CategorySystem,
		Name:      name,
		Status:    signal.StatusInfo,
		DeviceID:  s.deviceID,
	})
}

// acquireLock implements the file-based singleton guard: a stale lock (one
// whose PID no longer belongs to a live supervisor process) is reclaimed
// rather than treated as a conflict.
func (s *Supervisor) acquireLock() (bool, error) {
	if raw, err := os.ReadFile(s.lockPath); err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw))); convErr == nil {
			if processAlive(pid) {
				return false, nil
			}
		}
		_ = os.Remove(s.lockPath)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(s.lockPath)
		return false, err
	}
	s.lockFile = f
	return true, nil
}

func (s *Supervisor) releaseLock() {
	if s.lockFile != nil {
		s.lockFile.Close()
		s.lockFile = nil
	}
	os.Remove(s.lockPath)
}

func processAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// KillCoinPoker implements command.Executor: it detects every process
// matching the target and kills each one, reporting the PIDs it terminated.
func (s *Supervisor) KillCoinPoker(ctx context.Context) (map[string]interface{}, error) {
	detections, err := s.DetectProcesses(ctx)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return map[string]interface{}{"killed_pids": []int32{}, "message": "no matching process found"}, nil
	}

	var killed []int32
	var lastErr error
	for _, d := range detections {
		if err := s.host.KillProcess(ctx, d.PID, d.Name); err != nil {
			lastErr = err
			continue
		}
		killed = append(killed, d.PID)
	}
	if len(killed) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return map[string]interface{}{"killed_pids": killed}, nil
}

// TakeSnapshot implements command.Executor: it finds every window matching
// the target's table title patterns and captures each one, base64-encoding
// the PNG bytes for transport back to the dashboard.
func (s *Supervisor) TakeSnapshot(ctx context.Context) (map[string]interface{}, error) {
	windows, err := s.host.FindWindows(s.target.WindowClass, s.target.TitlePatterns)
	if err != nil {
		return nil, fmt.Errorf("supervisor: find table windows: %w", err)
	}
	if len(windows) == 0 {
		return map[string]interface{}{"tables": []interface{}{}, "message": "no table windows found"}, nil
	}

	tables := make([]map[string]interface{}, 0, len(windows))
	for _, w := range windows {
		capture, err := s.host.CaptureWindow(w.Handle)
		if err != nil {
			common.Error("table snapshot capture failed", err, zap.String("title", w.Title))
			continue
		}
		tables = append(tables, map[string]interface{}{
			"title":     w.Title,
			"width":     capture.Width,
			"height":    capture.Height,
			"image_b64": base64.StdEncoding.EncodeToString(capture.PNG),
		})
	}
	return map[string]interface{}{"tables": tables}, nil
}

// IsElevated implements command.Executor.
func (s *Supervisor) IsElevated() bool {
	return s.host.IsElevated()
}

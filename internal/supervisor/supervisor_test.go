package supervisor

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/internal/hostos"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// fakeHost is the HostOS test double: canned process and window state, with
// the same class/title filtering semantics as the native backend.
type fakeHost struct {
	mu       sync.Mutex
	procs    []hostos.ProcessInfo
	windows  []hostos.WindowInfo
	winErr   error
	elevated bool
	killed   []int32
	capture  *hostos.Capture
	capErr   error
}

func (f *fakeHost) ProcessSnapshot(ctx context.Context) ([]hostos.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hostos.ProcessInfo(nil), f.procs...), nil
}

func (f *fakeHost) FindWindows(classHint string, titlePatterns []string) ([]hostos.WindowInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.winErr != nil {
		return nil, f.winErr
	}
	var out []hostos.WindowInfo
	for _, w := range f.windows {
		if classHint != "" && !strings.Contains(strings.ToLower(w.ClassName), strings.ToLower(classHint)) {
			continue
		}
		if len(titlePatterns) > 0 && !titleMatchesAny(w.Title, titlePatterns) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeHost) IsElevated() bool     { return f.elevated }
func (f *fakeHost) ComputerName() string { return "fakebox" }

func (f *fakeHost) CaptureWindow(handle uintptr) (*hostos.Capture, error) {
	if f.capErr != nil {
		return nil, f.capErr
	}
	return f.capture, nil
}

func (f *fakeHost) KillProcess(ctx context.Context, pid int32, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeHost) setProcs(procs []hostos.ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func targetProc() hostos.ProcessInfo {
	return hostos.ProcessInfo{
		PID:  4242,
		Name: "game.exe",
		Exe:  `c:\coinpoker\game.exe`,
		Cwd:  `c:\coinpoker`,
	}
}

func TestScoreProcess_PathTokenAloneIsNotEnoughToClassify(t *testing.T) {
	target := DefaultTarget()
	proc := hostos.ProcessInfo{Name: "notgame.exe", Exe: `c:\coinpoker\notgame.exe`}

	ind := ScoreProcess(proc, target)

	assert.True(t, ind.PathToken)
	assert.InDelta(t, 0.30, ind.Confidence, 0.001)
	assert.False(t, Classify(ind))
}

func TestScoreProcess_NameAndPathTogetherClassify(t *testing.T) {
	target := DefaultTarget()
	proc := hostos.ProcessInfo{
		Name: "game.exe",
		Exe:  `c:\coinpoker\game.exe`,
		Cwd:  `c:\coinpoker`,
	}

	ind := ScoreProcess(proc, target)

	assert.InDelta(t, 0.60, ind.Confidence, 0.001)
	assert.True(t, Classify(ind))
}

func TestScoreProcess_WindowMatchRaisesConfidence(t *testing.T) {
	target := DefaultTarget()
	proc := hostos.ProcessInfo{Name: "unrelated.exe"}

	ind := ScoreProcess(proc, target)
	require.False(t, Classify(ind))

	ind2 := ind.AddWindowMatch(true, true)
	assert.True(t, ind2.WindowClassMatch)
	assert.True(t, ind2.WindowTitleMatch)
	assert.InDelta(t, 0.30, ind2.Confidence, 0.001)
	assert.False(t, Classify(ind2))
}

func TestDetectProcesses_ClassMatchCountsWithoutTitleMatch(t *testing.T) {
	host := &fakeHost{
		procs: []hostos.ProcessInfo{{PID: 4242, Name: "game.exe", Cwd: `c:\coinpoker`}},
		windows: []hostos.WindowInfo{{
			PID:       4242,
			ClassName: "Qt673QWindowIcon",
			Title:     "Tournament #8812",
		}},
	}
	s := New(Config{Target: DefaultTarget(), Host: host})

	detections, err := s.DetectProcesses(context.Background())

	require.NoError(t, err)
	require.Len(t, detections, 1)
	// name 0.10 + cwd 0.20 + class 0.20, no title bonus
	assert.InDelta(t, 0.50, detections[0].Confidence, 0.001)
	assert.True(t, detections[0].Indicators.WindowClassMatch)
	assert.False(t, detections[0].Indicators.WindowTitleMatch)
}

func TestDetectProcesses_TitleMatchIsABonusOnTopOfClass(t *testing.T) {
	host := &fakeHost{
		procs: []hostos.ProcessInfo{{PID: 4242, Name: "game.exe", Cwd: `c:\coinpoker`}},
		windows: []hostos.WindowInfo{{
			PID:       4242,
			ClassName: "Qt673QWindowIcon",
			Title:     "CoinPoker Lobby",
		}},
	}
	s := New(Config{Target: DefaultTarget(), Host: host})

	detections, err := s.DetectProcesses(context.Background())

	require.NoError(t, err)
	require.Len(t, detections, 1)
	// name 0.10 + cwd 0.20 + class 0.20 + title 0.10
	assert.InDelta(t, 0.60, detections[0].Confidence, 0.001)
	assert.True(t, detections[0].Indicators.WindowClassMatch)
	assert.True(t, detections[0].Indicators.WindowTitleMatch)
}

func TestKillCoinPoker_KillsEveryDetectedProcess(t *testing.T) {
	host := &fakeHost{procs: []hostos.ProcessInfo{targetProc()}}
	s := New(Config{Target: DefaultTarget(), Host: host})

	output, err := s.KillCoinPoker(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int32{4242}, host.killed)
	assert.Equal(t, []int32{4242}, output["killed_pids"])
}

func TestTakeSnapshot_ReturnsBase64PNGPerTableWindow(t *testing.T) {
	host := &fakeHost{
		windows: []hostos.WindowInfo{{
			PID:       4242,
			ClassName: "Qt673QWindowIcon",
			Title:     "NL Hold'em 100/200",
		}},
		capture: &hostos.Capture{Width: 800, Height: 600, PNG: []byte("png-bytes")},
	}
	s := New(Config{Target: DefaultTarget(), Host: host})

	output, err := s.TakeSnapshot(context.Background())

	require.NoError(t, err)
	tables := output["tables"].([]map[string]interface{})
	require.Len(t, tables, 1)
	assert.Equal(t, 800, tables[0]["width"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), tables[0]["image_b64"])
}

func TestRun_ActivatesOnTargetAndDeactivatesWhenGone(t *testing.T) {
	host := &fakeHost{
		procs: []hostos.ProcessInfo{targetProc()},
		windows: []hostos.WindowInfo{{
			PID:       4242,
			ClassName: "Qt673QWindowIcon",
			Title:     "CoinPoker Lobby",
		}},
	}
	s := New(Config{Target: DefaultTarget(), Host: host, LobbyTimeout: 50 * time.Millisecond})

	var activated, deactivated atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 10*time.Millisecond,
		func() { activated.Store(true) },
		func() { deactivated.Store(true) },
	)

	require.Eventually(t, func() bool { return activated.Load() }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Active())

	host.setProcs(nil)
	require.Eventually(t, func() bool { return deactivated.Load() }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Active())
}

func TestAcquireLock_ReclaimsStaleLockFile(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "scanner.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("999999999"), 0o644))

	s := New(Config{Target: DefaultTarget(), Host: hostos.New(), LockPath: lockPath})
	acquired, err := s.acquireLock()

	require.NoError(t, err)
	assert.True(t, acquired)
	s.releaseLock()
}

func TestAcquireLock_FailsWhenLiveProcessHoldsIt(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "scanner.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("1"), 0o644))

	s := New(Config{Target: DefaultTarget(), Host: hostos.New(), LockPath: lockPath})
	acquired, err := s.acquireLock()

	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestActivateDeactivate_EmitsLifecycleSignals(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "scanner.lock")

	var names []string
	s := New(Config{
		Target:   DefaultTarget(),
		Host:     hostos.New(),
		LockPath: lockPath,
		Emit:     func(sig signal.Signal) { names = append(names, sig.Name) },
	})

	require.NoError(t, s.AcquireSingleton())
	_, err := os.Stat(lockPath)
	require.NoError(t, err)

	assert.True(t, s.Activate(context.Background()))
	assert.Contains(t, names, "Scanner Started")
	assert.True(t, s.Active())

	assert.False(t, s.Activate(context.Background()), "second activate is debounced")

	assert.True(t, s.Deactivate())
	assert.Contains(t, names, "Scanner Stopping")
	assert.False(t, s.Active())

	s.ReleaseSingleton()
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

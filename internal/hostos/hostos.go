// Package hostos is the agent's one seam onto the operating system: process
// enumeration, window lookup for the poker client's lobby/table windows,
// screen capture for snapshot commands, and the elevation check the startup
// log and admin-gated commands both need. HostOS exposes the same method set
// on every platform; window enumeration and capture are no-ops off Windows,
// decided at call time rather than compiled out, so a single binary behaves
// correctly regardless of target.
package hostos

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnsupported is returned by FindWindows and CaptureWindow on platforms
// that don't have a GUI shell to enumerate.
var ErrUnsupported = fmt.Errorf("hostos: not supported on %s", runtime.GOOS)

// ProcessInfo is the subset of a running process's attributes the lifecycle
// supervisor's confidence scoring looks at.
type ProcessInfo struct {
	PID        int32
	Name       string
	Exe        string
	Cwd        string
	Cmdline    []string
	ParentExe  string
	ChildNames []string
}

// WindowInfo is one top-level window surfaced by FindWindows.
type WindowInfo struct {
	Handle    uintptr
	PID       int32
	Title     string
	ClassName string
}

// Capture is the result of a CaptureWindow call: a PNG-encoded screenshot of
// the window's client area at the time of capture.
type Capture struct {
	Title         string
	Width, Height int
	PNG           []byte
}

// HostOS is the seam the core pipeline depends on; the supervisor and
// command executors take this interface so tests can substitute a fake with
// canned process/window state.
type HostOS interface {
	ProcessSnapshot(ctx context.Context) ([]ProcessInfo, error)
	FindWindows(classHint string, titlePatterns []string) ([]WindowInfo, error)
	IsElevated() bool
	ComputerName() string
	CaptureWindow(handle uintptr) (*Capture, error)
	KillProcess(ctx context.Context, pid int32, name string) error
}

// Native is the real OS-facing implementation; its zero value is ready to use.
type Native struct{}

var _ HostOS = (*Native)(nil)

// New constructs the native HostOS backend.
func New() *Native { return &Native{} }

// ProcessSnapshot lists every running process with the fields the
// supervisor's indicator scoring inspects. Per-process errors (permission
// denied, process exited mid-scan) are skipped rather than failing the scan.
func (Native) ProcessSnapshot(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("hostos: list processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		cwd, _ := p.CwdWithContext(ctx)
		cmdline, _ := p.CmdlineSliceWithContext(ctx)

		var parentExe string
		if parent, err := p.ParentWithContext(ctx); err == nil && parent != nil {
			parentExe, _ = parent.ExeWithContext(ctx)
		}

		var childNames []string
		if children, err := p.ChildrenWithContext(ctx); err == nil {
			for _, c := range children {
				if n, err := c.NameWithContext(ctx); err == nil {
					childNames = append(childNames, n)
				}
			}
		}

		out = append(out, ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			Exe:        strings.ToLower(exe),
			Cwd:        strings.ToLower(cwd),
			Cmdline:    cmdline,
			ParentExe:  strings.ToLower(parentExe),
			ChildNames: childNames,
		})
	}
	return out, nil
}

// IsElevated reports whether the current process has administrator
// privileges. Always false on non-Windows targets.
func (Native) IsElevated() bool {
	return isElevated()
}

// ComputerName returns the machine's hostname, falling back to "unknown"
// rather than erroring: device identity resolution treats a missing
// hostname as just another tier to fall through, not a fatal condition.
func (Native) ComputerName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// FindWindows enumerates top-level windows whose class name contains
// classHint (case-insensitive) and, when titlePatterns is non-empty, whose
// title matches at least one pattern substring.
func (Native) FindWindows(classHint string, titlePatterns []string) ([]WindowInfo, error) {
	if runtime.GOOS != "windows" {
		return nil, ErrUnsupported
	}
	return findWindows(classHint, titlePatterns)
}

// CaptureWindow grabs the current contents of the window identified by
// handle (as returned by FindWindows) and encodes it as PNG.
func (Native) CaptureWindow(handle uintptr) (*Capture, error) {
	if runtime.GOOS != "windows" {
		return nil, ErrUnsupported
	}
	return captureWindow(handle)
}

// KillProcess terminates pid, asking politely first: Terminate, a bounded
// wait for exit, then Kill. name is used only to build a descriptive error;
// callers are expected to have already confirmed the PID belongs to the
// process they intend to kill.
func (Native) KillProcess(ctx context.Context, pid int32, name string) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("hostos: kill %s (pid %d): %w", name, pid, err)
	}

	if err := p.TerminateWithContext(ctx); err == nil {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			alive, err := process.PidExistsWithContext(ctx, pid)
			if err == nil && !alive {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}

	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("hostos: kill %s (pid %d): %w", name, pid, err)
	}
	return nil
}

// DeviceIDFromComputerName derives the stable device identifier the rest of
// the agent keys everything on: the MD5 hex digest of the machine's
// hostname, matching the hash the dashboard and Redis schema both expect.
func DeviceIDFromComputerName(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

package command

import "context"

// Executor runs the concrete side effect a Command names. The lifecycle
// supervisor implements this against the host OS abstraction; tests can
// stub it directly.
type Executor interface {
	KillCoinPoker(ctx context.Context) (map[string]interface{}, error)
	TakeSnapshot(ctx context.Context) (map[string]interface{}, error)
	IsElevated() bool
}

// Names of the two commands the dashboard is allowed to queue. Anything else
// comes back as an unknown-command failure rather than being silently dropped.
const (
	KillCoinPoker = "kill_coinpoker"
	TakeSnapshot  = "take_snapshot"
)

// Dispatch runs cmd against exec, enforcing the RequireAdmin gate before
// anything executes: a command flagged RequireAdmin on a non-elevated
// process fails fast with AdminRequired set rather than attempting and
// failing partway through.
func Dispatch(ctx context.Context, cmd Command, exec Executor) Result {
	if cmd.RequireAdmin && !exec.IsElevated() {
		return Result{CommandID: cmd.ID, Success: false, AdminRequired: true, Error: "command requires administrator privileges"}
	}

	var (
		output map[string]interface{}
		err    error
	)
	switch cmd.Name {
	case KillCoinPoker:
		output, err = exec.KillCoinPoker(ctx)
	case TakeSnapshot:
		output, err = exec.TakeSnapshot(ctx)
	default:
		return Result{CommandID: cmd.ID, Success: false, Error: "unknown command: " + cmd.Name}
	}

	if err != nil {
		return Result{CommandID: cmd.ID, Success: false, Error: err.Error()}
	}
	return Result{CommandID: cmd.ID, Success: true, Output: output}
}

package command

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coinpoker/endpoint-agent/pkg/common"
)

// pollTick is how often the run loop wakes up to ask the Client whether a
// fetch is due; the Client's own poll interval and, for HTTPClient, backoff
// decide whether that fetch actually hits the network.
const pollTick = 500 * time.Millisecond

// Poller runs Client.FetchCommands on a steady tick, dispatches whatever
// comes back to Executor, and reports results, until Stop is called.
type Poller struct {
	client Client
	exec   Executor

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller wires a Client to an Executor.
func NewPoller(client Client, exec Executor) *Poller {
	return &Poller{client: client, exec: exec}
}

// Start launches the poll loop in the background. Start is a no-op if
// already running.
func (p *Poller) Start(ctx context.Context) {
	if p.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(pollTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.poll(runCtx)
			}
		}
	}()
}

func (p *Poller) poll(ctx context.Context) {
	commands, err := p.client.FetchCommands(ctx)
	if err != nil {
		common.Error("command fetch failed", err)
		return
	}
	for _, cmd := range commands {
		result := Dispatch(ctx, cmd, p.exec)
		if err := p.client.SendResult(ctx, cmd, result); err != nil {
			common.Error("command result send failed", err, zap.String("command_id", cmd.ID))
		}
	}
}

// Stop cancels the run loop and waits up to timeout for it to exit, then
// closes the underlying Client regardless.
func (p *Poller) Stop(timeout time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(timeout):
		common.Warn("command poller shutdown timed out")
	}
	if err := p.client.Close(); err != nil {
		common.Error("command client close failed", err)
	}
}

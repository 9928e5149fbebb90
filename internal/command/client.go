// Package command implements the remote command channel: the dashboard
// queues work (kill the poker client, grab a table snapshot) and the agent
// polls for it, executes it locally, and reports the result back. Two wire
// variants exist — HTTP against the dashboard's REST API, and Redis against
// its command queue — chosen at startup by FORWARDER_MODE the same way the
// report forwarders are.
package command

import (
	"context"
	"time"
)

// Command is one queued unit of work. Raw carries the full decoded payload
// so a client can echo fields back in its result that the typed fields here
// don't capture.
type Command struct {
	ID           string
	Name         string
	RequireAdmin bool
	Raw          map[string]interface{}
}

// Result is what gets reported back once a Command has run.
type Result struct {
	CommandID     string
	Success       bool
	Output        interface{}
	Error         string
	AdminRequired bool
}

// Client is the transport-agnostic command channel contract; HTTPClient and
// RedisClient are the two implementations.
type Client interface {
	// FetchCommands returns newly available commands, or an empty slice if
	// none are due (either none are queued, or the poll interval/backoff
	// window hasn't elapsed). It never blocks on network retry.
	FetchCommands(ctx context.Context) ([]Command, error)
	SendResult(ctx context.Context, cmd Command, result Result) error
	Close() error
}

// DefaultPollInterval is how often FetchCommands is allowed to hit the
// network; callers typically call it on a faster ticker and rely on this
// gate to throttle.
const DefaultPollInterval = 2 * time.Second

// backoffBase and backoffCap bound the exponential backoff applied after
// consecutive 503/429 responses from the dashboard's HTTP command endpoint.
const (
	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// backoff tracks consecutive-overload state shared by the HTTP client; the
// Redis client has no equivalent failure mode so it doesn't use this.
type backoff struct {
	until             time.Time
	seconds           time.Duration
	consecutiveErrors int
	lastLog           time.Time
}

func (b *backoff) active(now time.Time) bool {
	return now.Before(b.until)
}

func (b *backoff) fail(now time.Time) time.Duration {
	b.consecutiveErrors++
	d := backoffBase * time.Duration(1<<uint(b.consecutiveErrors-1))
	if d > backoffCap {
		d = backoffCap
	}
	b.seconds = d
	b.until = now.Add(d)
	b.lastLog = now
	return d
}

func (b *backoff) reset() {
	b.consecutiveErrors = 0
	b.seconds = 0
	b.until = time.Time{}
}

func (b *backoff) shouldLog(now time.Time) bool {
	if now.Sub(b.lastLog) < time.Minute {
		return false
	}
	b.lastLog = now
	return true
}

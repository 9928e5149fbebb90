// Package httpfwd forwards batch-report Signals to the dashboard's HTTP
// ingest endpoint. It keeps a bounded, drop-oldest buffer drained on its own
// interval by one background goroutine, bearer-token authenticated, with no
// retry on failure: a failed send's signals are gone, the next unified batch
// report supersedes them.
package httpfwd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coinpoker/endpoint-agent/pkg/common"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// bufferCap is the maximum number of buffered signals; the oldest is dropped
// once exceeded, dropping the oldest entry first.
const bufferCap = 200

// Config configures the HTTP forwarder.
type Config struct {
	URL     string
	Token   string
	Enabled bool
	// Interval is how often the buffer is drained, default 1s.
	Interval time.Duration
	// Timeout bounds each POST, default 10s.
	Timeout time.Duration
}

// wirePayload is the per-signal shape the dashboard's /api/signal endpoint expects.
type wirePayload struct {
	Timestamp   int64  `json:"timestamp"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Details     string `json:"details"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	DeviceIP    string `json:"device_ip,omitempty"`
	SegmentName string `json:"segment_name,omitempty"`
}

// Forwarder is the single writer of its own buffer; Enqueue and the drain
// loop contend on mu, never on the HTTP round trip itself.
type Forwarder struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	buffer []signal.Signal

	deviceID   string
	deviceName string

	connErrorShown bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a disabled-by-default Forwarder; call Start to begin draining.
func New(cfg Config, fallbackDeviceID, fallbackDeviceName string) *Forwarder {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Forwarder{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		deviceID:   fallbackDeviceID,
		deviceName: fallbackDeviceName,
	}
}

// Enabled reports whether this forwarder was configured to run, surfaced in
// the report batcher's metadata block.
func (f *Forwarder) Enabled() bool { return f.cfg.Enabled }

// DeviceIdentity returns the forwarder's fallback device_id/device_name,
// used by the report batcher when no signal carries its own.
func (f *Forwarder) DeviceIdentity() (string, string) { return f.deviceID, f.deviceName }

// Enqueue buffers sig for the next drain. A full buffer drops the oldest
// entry, never the newest — recent signals matter more than old ones.
func (f *Forwarder) Enqueue(sig signal.Signal) {
	if !f.cfg.Enabled {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = append(f.buffer, sig)
	if len(f.buffer) > bufferCap {
		f.buffer = f.buffer[1:]
	}
}

// OnBatchSignal is the EventBus listener this forwarder subscribes with: it
// only forwards "system"/"*Scan Report*" signals.
func (f *Forwarder) OnBatchSignal(sig signal.Signal) {
	if sig.Category != signal.CategorySystem {
		return
	}
	if !strings.Contains(sig.Name, "Scan Report") {
		return
	}
	f.Enqueue(sig)
}

// Start launches the drain loop. A no-op when the forwarder is disabled.
func (f *Forwarder) Start(ctx context.Context) {
	if !f.cfg.Enabled {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.loop(runCtx)
}

// Stop signals the drain loop to exit and waits up to 1s for it to finish.
func (f *Forwarder) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(time.Second):
	}
}

func (f *Forwarder) loop(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	f.mu.Lock()
	if len(f.buffer) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.buffer
	f.buffer = nil
	f.mu.Unlock()

	payload := make([]wirePayload, 0, len(batch))
	for _, sig := range batch {
		deviceID := sig.DeviceID
		if deviceID == "" {
			deviceID = f.deviceID
		}
		deviceName := sig.DeviceName
		if deviceName == "" {
			deviceName = f.deviceName
		}
		payload = append(payload, wirePayload{
			Timestamp:   int64(sig.Timestamp),
			Category:    string(sig.Category),
			Name:        sig.Name,
			Status:      string(sig.Status),
			Details:     sig.Details,
			DeviceID:    deviceID,
			DeviceName:  deviceName,
			DeviceIP:    sig.DeviceIP,
			SegmentName: sig.SegmentName,
		})
	}

	if err := f.send(ctx, payload); err != nil {
		common.Error("http forwarder delivery failed", err)
		return
	}
	f.connErrorShown = false
}

func (f *Forwarder) send(ctx context.Context, payload []wirePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return common.WrapError(err, "marshal forwarder payload", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return common.WrapError(err, "build forwarder request", nil)
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if !f.connErrorShown {
			common.Error("dashboard unreachable", err)
			f.connErrorShown = true
		}
		return common.NewError("ERR_FWD_HTTP", "http forwarder request failed", nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return common.NewError("ERR_FWD_HTTP", fmt.Sprintf("dashboard returned status %d", resp.StatusCode), nil)
	}
	return nil
}

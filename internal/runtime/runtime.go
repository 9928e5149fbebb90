// Package runtime composes every subsystem the agent needs into one
// object: the event bus, threat manager, report batcher, segment
// scheduler, forwarders, config loader, remote command channel, and the
// lifecycle supervisor. It owns the single sync.WaitGroup every background
// goroutine registers against, so Shutdown can wait for all of them to
// drain within a bounded timeout.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/coinpoker/endpoint-agent/internal/batch"
	"github.com/coinpoker/endpoint-agent/internal/bus"
	"github.com/coinpoker/endpoint-agent/internal/command"
	"github.com/coinpoker/endpoint-agent/internal/config"
	"github.com/coinpoker/endpoint-agent/internal/diagmetrics"
	"github.com/coinpoker/endpoint-agent/internal/forwarder/httpfwd"
	"github.com/coinpoker/endpoint-agent/internal/forwarder/redisfwd"
	"github.com/coinpoker/endpoint-agent/internal/hostos"
	"github.com/coinpoker/endpoint-agent/internal/segment"
	"github.com/coinpoker/endpoint-agent/internal/supervisor"
	"github.com/coinpoker/endpoint-agent/internal/threat"
	"github.com/coinpoker/endpoint-agent/pkg/common"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

// systemTick is how often the runtime refreshes CPU/memory usage and gives
// the batcher a chance to emit, independent of any one segment's interval.
const systemTick = 5 * time.Second

// superviseTick is how often the lifecycle supervisor rescans the process
// table for the protected client.
const superviseTick = 10 * time.Second

// Config is the construction-time wiring for a Runtime, normally filled in
// from flags and environment by cmd/agent.
type Config struct {
	Env string

	DashboardURL   string
	DashboardToken string
	RedisURL       string
	// ForwarderMode selects which report transport(s) run: "http", "redis",
	// "both", or "auto" (redis if RedisURL is set, otherwise http).
	ForwarderMode string

	DiagAddr string
	LockPath string

	ConfigCacheFile      string
	ConfigSearchPaths    []string
	ConfigRAMOnly        bool
	ConfigEmbedded       config.EmbeddedFallback
	IdentityPriorityPath string

	LogBatches  bool
	LogDir      string
	TestingJSON bool
}

// Runtime holds every long-lived component and the WaitGroup their
// background goroutines register against.
type Runtime struct {
	cfg Config

	host       hostos.HostOS
	deviceID   string
	deviceName string

	diag *diagmetrics.Registry

	configLoader *config.Loader
	settings     config.RuntimeSettings

	bus           *bus.EventBus
	threatManager *threat.Manager
	batcher       *batch.Batcher
	scheduler     *segment.Scheduler
	supervisor    *supervisor.Supervisor

	httpForwarder  *httpfwd.Forwarder
	redisForwarder *redisfwd.Forwarder

	cmdClient Client
	poller    *command.Poller

	diagServer *diagmetrics.Server

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Client is the subset of command.Client the runtime shuts down explicitly
// outside the poller (closing it twice is harmless but redundant).
type Client = command.Client

// New constructs every subsystem and wires them together. It does not start
// any goroutines; call Start for that.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	host := hostos.New()
	deviceID := hostos.DeviceIDFromComputerName(host.ComputerName())

	diag := diagmetrics.New()

	loader := config.New(config.Config{
		BaseURL:     cfg.DashboardURL,
		RAMOnly:     cfg.ConfigRAMOnly,
		CacheFile:   cfg.ConfigCacheFile,
		SearchPaths: cfg.ConfigSearchPaths,
		Embedded:    cfg.ConfigEmbedded,
	})
	configs := loader.Load(ctx, false)
	settings, err := config.RuntimeSettingsFrom(configs)
	if err != nil {
		common.Warn("runtime settings invalid, using defaults", zap.Error(err))
		settings = config.DefaultRuntimeSettings()
	}
	settings.ApplyEnvOverrides()

	sharedConfig, _ := configs["shared_config"].(map[string]interface{})

	eventBus := bus.New()
	threatManager := threat.New(threat.TimeoutsFrom(sharedConfig, settings.BatchInterval(), settings.CooldownMultiplier))
	batcher := batch.New(batch.Config{
		Interval:             settings.BatchInterval(),
		LogBatches:           cfg.LogBatches,
		LogDir:               cfg.LogDir,
		TestingJSON:          cfg.TestingJSON,
		IdentityPriorityPath: cfg.IdentityPriorityPath,
	}, eventBus)

	r := &Runtime{
		cfg:           cfg,
		host:          host,
		deviceID:      deviceID,
		diag:          diag,
		configLoader:  loader,
		settings:      settings,
		bus:           eventBus,
		threatManager: threatManager,
		batcher:       batcher,
	}
	r.deviceName = host.ComputerName()

	r.supervisor = supervisor.New(supervisor.Config{
		Target:   supervisor.DefaultTarget(),
		Host:     host,
		Emit:     r.emit,
		DeviceID: deviceID,
		LockPath: cfg.LockPath,
	})

	r.scheduler = segment.NewScheduler(segment.Instantiate(), r.emit)

	if err := r.wireForwarders(ctx); err != nil {
		return nil, err
	}
	if err := r.wireCommandChannel(ctx); err != nil {
		return nil, err
	}

	r.diagServer = diagmetrics.NewServer(cfg.DiagAddr, diag, r.healthy)

	return r, nil
}

func (r *Runtime) wireForwarders(ctx context.Context) error {
	mode := strings.ToLower(strings.TrimSpace(r.cfg.ForwarderMode))
	if mode == "" || mode == "auto" {
		if r.cfg.RedisURL != "" {
			mode = "redis"
		} else {
			mode = "http"
		}
	}

	if mode == "http" || mode == "both" {
		r.httpForwarder = httpfwd.New(httpfwd.Config{
			URL:     r.cfg.DashboardURL + "/signal",
			Token:   r.cfg.DashboardToken,
			Enabled: r.cfg.DashboardURL != "",
		}, r.deviceID, r.deviceName)
		r.bus.Subscribe("detection", r.httpForwarder.OnBatchSignal)
		r.batcher.SetWebForwarderEnabled(r.httpForwarder.Enabled())
	}

	if mode == "redis" || mode == "both" {
		fwd, err := redisfwd.New(ctx, redisfwd.Config{URL: r.cfg.RedisURL}, r.deviceID, r.deviceName)
		if err != nil {
			return fmt.Errorf("runtime: redis forwarder: %w", err)
		}
		if fwd != nil {
			r.redisForwarder = fwd
			r.bus.Subscribe("detection", r.redisForwarder.OnSignal)
		}
	}

	return nil
}

func (r *Runtime) wireCommandChannel(ctx context.Context) error {
	mode := strings.ToLower(strings.TrimSpace(r.cfg.ForwarderMode))
	useRedis := mode == "redis" || (mode == "" || mode == "auto") && r.cfg.RedisURL != ""

	var client command.Client
	if useRedis && r.cfg.RedisURL != "" {
		redisClient, err := command.NewRedisClient(ctx, r.cfg.RedisURL, r.deviceID, r.settings.CommandPollInterval())
		if err != nil {
			return fmt.Errorf("runtime: command redis client: %w", err)
		}
		client = redisClient
	} else {
		client = command.NewHTTPClient(r.cfg.DashboardURL, r.deviceID, r.cfg.DashboardToken, r.settings.CommandPollInterval())
	}

	r.cmdClient = client
	r.poller = command.NewPoller(client, r.supervisor)
	return nil
}

// emit is the composite signal sink every segment, the scheduler, and the
// supervisor share: it folds the signal into the threat manager, buffers it
// for the next batch window, records it in diagnostics, and rebroadcasts it
// on the event bus under the same "detection" topic the batcher's own
// unified report uses.
func (r *Runtime) emit(sig signal.Signal) {
	if sig.DeviceID == "" {
		sig.DeviceID = r.deviceID
	}
	if sig.Timestamp == 0 {
		sig.Timestamp = float64(time.Now().Unix())
	}
	r.threatManager.Process(sig, time.Now())
	r.batcher.AddSignal(sig)
	r.diag.SignalsEmitted.WithLabelValues(string(sig.Category), string(sig.Status)).Inc()
	if r.threatManager.Suppress(sig) {
		return
	}
	r.bus.Emit("detection", sig)
}

// healthy backs the diagnostics server's /healthz: degraded once the bot
// probability has pinned at its maximum, since that usually means the
// threat manager is stuck rather than genuinely swamped.
func (r *Runtime) healthy() bool {
	return r.threatManager.BotProbability() < 100
}

// Start launches every background goroutine: the supervisor's monitor loop
// (which in turn starts and stops the segment scheduler as the protected
// client comes and goes), both forwarders (if wired), the command poller,
// the diagnostics server, and the runtime's own system-metrics/batch tick
// loop. Start also acquires the supervisor's singleton lock; a second agent
// instance on the same machine fails here.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.supervisor.AcquireSingleton(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.supervisor.Run(runCtx, superviseTick,
			func() { r.scheduler.Start(runCtx) },
			func() { r.scheduler.Stop(5 * time.Second) },
		)
	}()

	if r.httpForwarder != nil {
		r.httpForwarder.Start(runCtx)
	}
	if r.redisForwarder != nil {
		r.redisForwarder.Start(runCtx)
	}
	r.poller.Start(runCtx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.tickLoop(runCtx)
	}()

	errCh := r.diagServer.Start()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := <-errCh; err != nil {
			common.Error("diagnostics server stopped unexpectedly", err)
		}
	}()

	common.Info("runtime started",
		zap.String("device_id", r.deviceID),
		zap.Duration("batch_interval", r.settings.BatchInterval()),
		zap.Duration("command_poll_interval", r.settings.CommandPollInterval()),
	)
	return nil
}

func (r *Runtime) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(systemTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runtime) tick() {
	sysInfo := r.collectSystemInfo()
	r.diag.ActiveThreats.Set(float64(len(r.threatManager.GetActiveThreats())))
	r.diag.BotProbability.Set(r.threatManager.BotProbability())

	start := time.Now()
	r.batcher.MaybeSendBatches(time.Now(), r.threatManager, sysInfo, r.segmentInfos())
	r.diag.BatchLatency.Observe(time.Since(start).Seconds())
}

func (r *Runtime) collectSystemInfo() batch.SystemInfo {
	info := batch.SystemInfo{
		Env:        r.cfg.Env,
		Host:       r.deviceName,
		DeviceName: r.deviceName,
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsedPercent = vm.UsedPercent
	}
	info.SegmentsRunning = r.runningSegmentCount()
	return info
}

func (r *Runtime) runningSegmentCount() int {
	count := 0
	for _, name := range segment.RegisteredNames() {
		if r.scheduler.Running(name) {
			count++
		}
	}
	return count
}

func (r *Runtime) segmentInfos() []batch.SegmentInfo {
	segments := segment.Instantiate()
	out := make([]batch.SegmentInfo, 0, len(segments))
	for _, seg := range segments {
		out = append(out, batch.SegmentInfo{
			Name:     seg.Name(),
			Category: seg.Category(),
			Interval: seg.Interval(),
			Running:  r.scheduler.Running(seg.Name()),
		})
	}
	return out
}

// Shutdown stops every background goroutine, bounded by ctx's deadline, and
// releases the supervisor's singleton lock last so a restart racing the
// shutdown can't see a false "already running".
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	r.scheduler.Stop(5 * time.Second)
	if r.httpForwarder != nil {
		r.httpForwarder.Stop()
	}
	if r.redisForwarder != nil {
		r.redisForwarder.Stop()
	}
	if r.poller != nil {
		r.poller.Stop(5 * time.Second)
	}

	shutdownErr := r.diagServer.Shutdown(ctx)

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		common.Warn("runtime shutdown timed out waiting for background goroutines")
	}

	r.supervisor.Deactivate()
	r.configLoader.Cleanup()
	r.bus.Cleanup()
	r.threatManager.Cleanup()
	r.batcher.Cleanup()
	r.supervisor.ReleaseSingleton()

	return shutdownErr
}

// DeviceID returns the stable device identifier this runtime resolved at
// construction time.
func (r *Runtime) DeviceID() string { return r.deviceID }

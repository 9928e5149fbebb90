// Package main provides the entry point for the CoinPoker endpoint
// bot-detection agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coinpoker/endpoint-agent/internal/config"
	"github.com/coinpoker/endpoint-agent/internal/runtime"
	"github.com/coinpoker/endpoint-agent/pkg/common"
)

var (
	version   = "1.0.0"
	buildTime string
)

var (
	env              = flag.String("env", "PROD", "Runtime environment (DEV, STAGING, PROD)")
	logLevel         = flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	logDir           = flag.String("log-dir", "logs", "Directory for the agent's rotating log file")
	dashboardURL     = flag.String("dashboard-url", "", "Dashboard API root, e.g. https://dashboard.example.com/api")
	dashboardToken   = flag.String("dashboard-token", "", "Bearer token for the dashboard API")
	redisURL         = flag.String("redis-url", "", "Redis URL for the report/command channel")
	forwarderMode    = flag.String("forwarder-mode", "auto", "Report transport: http, redis, both, or auto")
	diagAddr         = flag.String("diag-addr", "127.0.0.1:9469", "Loopback address for /healthz and /metrics")
	lockPath         = flag.String("lock-path", "", "Path to the singleton lock file (default: OS temp dir)")
	configCacheFile  = flag.String("config-cache", "", "Path to the encrypted on-disk config cache")
	configSearchPath = flag.String("config-search-path", "", "Comma-separated directories searched for legacy JSON configs")
	ramConfig        = flag.Bool("ram-config", false, "RAM-only mode: no disk config cache, embedded configs as fallback")
	identityPriority = flag.String("identity-priority-file", "", "Path to the identity field priority override file")
	logBatches       = flag.Bool("log-batches", false, "Write every outgoing batch report to disk alongside sending it")
)

func main() {
	flag.Parse()
	applyEnvDefaults()

	logConfig := common.NewLogConfig()
	logConfig.Level = *logLevel
	logConfig.Environment = strings.ToLower(*env)
	logConfig.OutputPath = *logDir + "/agent.log"
	if err := common.InitLogger(logConfig); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer common.Sync()

	common.Info("starting endpoint bot-detection agent",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("env", *env),
	)

	ctx, cancel := setupSignalHandler()
	defer cancel()

	startedAt := time.Now()

	rt, err := runtime.New(ctx, runtime.Config{
		Env:                  strings.ToUpper(*env),
		DashboardURL:         *dashboardURL,
		DashboardToken:       *dashboardToken,
		RedisURL:             *redisURL,
		ForwarderMode:        *forwarderMode,
		DiagAddr:             *diagAddr,
		LockPath:             resolveLockPath(*lockPath),
		ConfigCacheFile:      *configCacheFile,
		ConfigSearchPaths:    splitSearchPath(*configSearchPath),
		ConfigRAMOnly:        *ramConfig,
		ConfigEmbedded:       config.DefaultEmbedded,
		IdentityPriorityPath: *identityPriority,
		LogBatches:           *logBatches,
		LogDir:               *logDir,
	})
	if err != nil {
		common.Error("failed to construct runtime", err)
		os.Exit(1)
	}

	if err := rt.Start(ctx); err != nil {
		common.Error("failed to start runtime", err)
		os.Exit(1)
	}

	<-ctx.Done()
	common.Info("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := rt.Shutdown(shutdownCtx); err != nil {
		common.Error("error during runtime shutdown", err)
	}

	common.Info("agent shutdown complete",
		zap.String("device_id", rt.DeviceID()),
		zap.Duration("uptime", time.Since(startedAt)),
	)
}

// setupSignalHandler creates a context canceled on SIGTERM or SIGINT.
func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		common.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return ctx, cancel
}

// applyEnvDefaults fills in flags the operator did not set from the
// environment variables the deployment docs use; an explicit flag always
// wins over its environment counterpart.
func applyEnvDefaults() {
	setIfEmpty := func(f *string, envKeys ...string) {
		if *f != "" {
			return
		}
		for _, k := range envKeys {
			if v := os.Getenv(k); v != "" {
				*f = v
				return
			}
		}
	}

	if v := os.Getenv("ENV"); v != "" && !flagWasSet("env") {
		*env = v
	}
	setIfEmpty(redisURL, "REDIS_URL")
	setIfEmpty(dashboardToken, "SIGNAL_TOKEN")
	if strings.EqualFold(*env, "DEV") {
		setIfEmpty(dashboardURL, "WEB_URL_DEV", "WEB_URL_PROD")
	} else {
		setIfEmpty(dashboardURL, "WEB_URL_PROD", "WEB_URL_DEV")
	}
	setIfEmpty(identityPriority, "IDENTITY_PRIORITY_PATH")
	if v := os.Getenv("METRICS_ADDR"); v != "" && !flagWasSet("diag-addr") {
		*diagAddr = v
	}
	if v := os.Getenv("FORWARDER_MODE"); v != "" && !flagWasSet("forwarder-mode") {
		*forwarderMode = v
	}
	if v := os.Getenv("RAM_CONFIG"); v != "" && !flagWasSet("ram-config") {
		if b, err := strconv.ParseBool(v); err == nil {
			*ramConfig = b
		}
	}
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func resolveLockPath(path string) string {
	if path != "" {
		return path
	}
	return os.TempDir() + "/coinpoker-agent.lock"
}

func splitSearchPath(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

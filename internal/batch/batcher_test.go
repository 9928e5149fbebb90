package batch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/internal/bus"
	"github.com/coinpoker/endpoint-agent/internal/threat"
	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

func TestMaybeSendBatches_EmitsHeartbeatWhenEmpty(t *testing.T) {
	eb := bus.New()
	var captured signal.Signal
	got := false
	eb.Subscribe("detection", func(s signal.Signal) {
		captured = s
		got = true
	})

	b := New(Config{Interval: time.Second}, eb)
	tm := threat.New(nil)
	now := time.Now()

	b.MaybeSendBatches(now, tm, SystemInfo{Host: "box1", Env: "PROD"}, nil)
	assert.False(t, got, "batch should not send before the interval elapses")

	b.MaybeSendBatches(now.Add(2*time.Second), tm, SystemInfo{Host: "box1", Env: "PROD"}, nil)
	require.True(t, got)
	assert.Equal(t, signal.CategorySystem, captured.Category)
	assert.Equal(t, "Unified Scan Report", captured.Name)

	var report UnifiedBatchReport
	require.NoError(t, json.Unmarshal([]byte(captured.Details), &report))
	assert.Equal(t, "unified", report.ScanType)
	assert.Equal(t, 0.0, report.BotProbability)
}

func TestAddSignal_DedupsRepeatedDetectionsAndKeepsThreatLink(t *testing.T) {
	eb := bus.New()
	var captured signal.Signal
	eb.Subscribe("detection", func(s signal.Signal) { captured = s })

	b := New(Config{Interval: time.Millisecond}, eb)
	tm := threat.New(nil)
	now := time.Now()

	sig := signal.Signal{Category: signal.CategoryPrograms, Name: "Suspicious Code: shanky.exe", Status: signal.StatusWarn, Details: "binary flagged"}
	tm.Process(sig, now)
	b.AddSignal(sig)
	b.AddSignal(sig)

	b.MaybeSendBatches(now.Add(time.Second), tm, SystemInfo{Host: "box1"}, nil)

	var report UnifiedBatchReport
	require.NoError(t, json.Unmarshal([]byte(captured.Details), &report))
	assert.Equal(t, 1, report.Summary.TotalDetections, "identical detections dedup into one row")
	require.Len(t, report.AggregatedThreats, 1)
	assert.Equal(t, "shanky", report.AggregatedThreats[0].ThreatID)
}

func TestResolveDevice_DevEnvironmentForcesTestName(t *testing.T) {
	b := New(DefaultConfig(), bus.New())
	id, name, _, _ := b.resolveDevice(SystemInfo{Host: "anyhost", Env: "dev"}, "")
	assert.NotEmpty(t, id)
	assert.Equal(t, "Test", name)
}

func TestGuessSegmentName_FallsBackToCapitalizedCategory(t *testing.T) {
	name := guessSegmentName(signal.Signal{Category: signal.CategoryNetwork, Name: "Outbound connection to 1.2.3.4"})
	assert.Equal(t, "TrafficMonitor", name)

	name = guessSegmentName(signal.Signal{Category: signal.CategorySecurity, Name: "Unrecognized indicator"})
	assert.Equal(t, "SecurityDetector", name)
}

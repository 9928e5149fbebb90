package redisfwd

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

func newTestForwarder(t *testing.T) (*Forwarder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	fwd, err := New(context.Background(), Config{URL: "redis://" + mr.Addr(), TTLSeconds: 60, Interval: 10 * time.Millisecond}, "fallback-id", "fallback-name")
	require.NoError(t, err)
	require.NotNil(t, fwd)
	return fwd, mr
}

func TestHandlePlayerName_PersistsNicknameImmediately(t *testing.T) {
	fwd, mr := newTestForwarder(t)
	defer fwd.Stop()

	fwd.OnSignal(signal.Signal{
		Category: signal.CategorySystem,
		Name:     "Player Name Detected",
		Status:   signal.StatusInfo,
		Details:  `{"player_name":"HeroPlayer","confidence_percent":92}`,
		DeviceID: "dev-1",
	})

	require.Equal(t, "HeroPlayer", mr.HGet("device:dev-1", "player_nickname"))
}

func TestStoreBatchReport_WritesDeviceAndIndexes(t *testing.T) {
	fwd, mr := newTestForwarder(t)
	defer fwd.Stop()

	report := map[string]interface{}{
		"bot_probability": 45.0,
		"nickname":        "HeroPlayer",
		"device_name":     "Box1",
		"device_ip":       "10.0.0.5",
		"summary": map[string]interface{}{
			"critical": 1.0, "alert": 0.0, "warn": 2.0, "info": 0.0, "raw_detection_score": 15.0,
		},
		"aggregated_threats": []interface{}{},
		"device":             map[string]interface{}{"hostname": "Box1"},
		"system":             map[string]interface{}{"host": "Box1"},
	}

	ts := time.Now().Unix()
	err := fwd.storeBatchReport(context.Background(), "dev-2", "Box1", report, ts)
	require.NoError(t, err)

	require.True(t, mr.Exists("device:dev-2"))

	threatLevel, err := mr.Get("device:dev-2:threat")
	require.NoError(t, err)
	require.Equal(t, "45", threatLevel)

	critical, err := mr.Get("device:dev-2:detections:CRITICAL")
	require.NoError(t, err)
	require.Equal(t, "1", critical)
}

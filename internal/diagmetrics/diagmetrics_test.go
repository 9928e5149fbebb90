package diagmetrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HealthzAndMetrics(t *testing.T) {
	reg := New()
	reg.ActiveThreats.Set(3)

	srv := NewServer("127.0.0.1:0", reg, func() bool { return true })
	_ = srv.Start()
	// httpServer.Addr with port 0 won't be resolvable for a direct client in
	// this unit test; exercise the handler construction path instead.
	assert.NotNil(t, srv.httpServer.Handler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestNewServer_MetricsEndpointServesPrometheusText(t *testing.T) {
	reg := New()
	reg.BotProbability.Set(72.5)

	srv := NewServer("127.0.0.1:19469", reg, nil)
	errCh := srv.Start()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19469/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "agent_bot_probability 72.5")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	select {
	case <-errCh:
	case <-time.After(time.Second):
	}
}

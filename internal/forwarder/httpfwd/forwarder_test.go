package httpfwd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

func TestOnBatchSignal_ForwardsOnlyScanReports(t *testing.T) {
	f := New(Config{URL: "http://127.0.0.1:0", Enabled: true}, "dev-1", "box1")

	f.OnBatchSignal(signal.Signal{Category: signal.CategoryPrograms, Name: "Unified Scan Report"})
	f.OnBatchSignal(signal.Signal{Category: signal.CategorySystem, Name: "Scanner Started"})
	f.OnBatchSignal(signal.Signal{Category: signal.CategorySystem, Name: "Unified Scan Report"})

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.buffer, 1)
	assert.Equal(t, "Unified Scan Report", f.buffer[0].Name)
}

func TestEnqueue_DropsOldestAtCapacity(t *testing.T) {
	f := New(Config{URL: "http://127.0.0.1:0", Enabled: true}, "dev-1", "box1")

	for i := 0; i < bufferCap+10; i++ {
		f.Enqueue(signal.Signal{Category: signal.CategorySystem, Name: "Unified Scan Report", Timestamp: float64(i)})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.buffer, bufferCap)
	assert.Equal(t, float64(10), f.buffer[0].Timestamp)
}

func TestDrain_PostsWireFormatWithBearerToken(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	var gotBody []wirePayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	f := New(Config{URL: srv.URL, Token: "tok-1", Enabled: true, Interval: 10 * time.Millisecond}, "dev-1", "box1")
	f.Enqueue(signal.Signal{
		Timestamp: 1700000000,
		Category:  signal.CategorySystem,
		Name:      "Unified Scan Report",
		Status:    signal.StatusInfo,
		Details:   `{"scan_type":"unified"}`,
	})
	f.drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok-1", gotAuth)
	require.Len(t, gotBody, 1)
	assert.Equal(t, int64(1700000000), gotBody[0].Timestamp)
	assert.Equal(t, "dev-1", gotBody[0].DeviceID, "fallback identity fills a signal without one")
	assert.Equal(t, "system", gotBody[0].Category)
}

func TestDrain_FailedSendDropsBatchWithoutRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Config{URL: srv.URL, Enabled: true}, "dev-1", "box1")
	f.Enqueue(signal.Signal{Category: signal.CategorySystem, Name: "Unified Scan Report"})
	f.drain(context.Background())
	f.drain(context.Background())

	assert.Equal(t, 1, calls, "a failed batch is not retried; the buffer was flushed")
}

package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_PrefersDashboardWhenReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{"shared_config":{"batch_interval_seconds":60}}}`))
	}))
	defer srv.Close()

	l := New(Config{BaseURL: srv.URL, RAMOnly: true})
	configs := l.Load(context.Background(), false)

	meta := configs["_meta"].(map[string]interface{})
	assert.Equal(t, "dashboard", meta["source"])
}

func TestLoad_FallsBackToEmbeddedWhenDashboardUnreachableAndRAMOnly(t *testing.T) {
	l := New(Config{
		BaseURL: "http://127.0.0.1:0",
		RAMOnly: true,
		Embedded: func() map[string]interface{} {
			return map[string]interface{}{"shared_config": map[string]interface{}{"batch_interval_seconds": 92.0}}
		},
	})
	configs := l.Load(context.Background(), false)

	meta := configs["_meta"].(map[string]interface{})
	assert.Equal(t, "embedded", meta["source"])
}

func TestLoad_FallsBackToLegacyJSONFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "network_config.json"), []byte(`{"max_connections":50}`), 0o644))

	l := New(Config{
		BaseURL:     "http://127.0.0.1:0",
		RAMOnly:     true,
		SearchPaths: []string{dir},
	})
	configs := l.Load(context.Background(), false)

	meta := configs["_meta"].(map[string]interface{})
	assert.Equal(t, "local_files", meta["source"])
	network := configs["network_config"].(map[string]interface{})
	assert.EqualValues(t, 50, network["max_connections"])
}

func TestSaveAndLoadCache_RoundTripsThroughEncryption(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "master_config.enc")

	l := New(Config{BaseURL: "http://127.0.0.1:0", CacheFile: cacheFile})
	data := map[string]interface{}{"shared_config": map[string]interface{}{"batch_interval_seconds": 92.0}}
	l.saveCache(data)

	loaded := l.loadCache()
	require.NotNil(t, loaded)
	shared := loaded["shared_config"].(map[string]interface{})
	assert.EqualValues(t, 92, shared["batch_interval_seconds"])
}

func TestLoadCache_ChecksumMismatchIsTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "master_config.enc")

	l := New(Config{BaseURL: "http://127.0.0.1:0", CacheFile: cacheFile})
	l.saveCache(map[string]interface{}{"shared_config": map[string]interface{}{"x": 1.0}})

	raw, err := os.ReadFile(cacheFile)
	require.NoError(t, err)
	plain, err := decrypt(raw, deriveKey(time.Now()))
	require.NoError(t, err)

	tampered := append([]byte{}, plain...)
	tampered[0] = 'X'
	reencrypted, err := encrypt(tampered, deriveKey(time.Now()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cacheFile, reencrypted, 0o600))

	assert.Nil(t, l.loadCache())
}

func TestFetchFromDashboard_BacksOffOn503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := New(Config{BaseURL: srv.URL})
	got := l.fetchFromDashboard(context.Background())
	assert.Nil(t, got)
	assert.Equal(t, 1, l.consecutiveErrors)
	assert.Equal(t, 30*time.Second, l.backoffSeconds)

	l.consecutiveErrors = 3
	l.backoffUntil = time.Time{}
	got2 := l.fetchFromDashboard(context.Background())
	assert.Nil(t, got2)
	assert.Equal(t, 4, l.consecutiveErrors)
	assert.Equal(t, 240*time.Second, l.backoffSeconds)
}

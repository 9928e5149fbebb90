package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAndStartStop_WiresEverythingInRAMOnlyMode(t *testing.T) {
	dir := t.TempDir()

	r, err := New(context.Background(), Config{
		Env:           "DEV",
		ForwarderMode: "http",
		DiagAddr:      "127.0.0.1:0",
		LockPath:      filepath.Join(dir, "scanner.lock"),
		ConfigRAMOnly: true,
		ConfigEmbedded: func() map[string]interface{} {
			return map[string]interface{}{"shared_config": map[string]interface{}{}}
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.DeviceID())

	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

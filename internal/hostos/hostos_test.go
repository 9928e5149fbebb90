package hostos

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSnapshot_ReturnsCurrentProcess(t *testing.T) {
	h := New()
	procs, err := h.ProcessSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, procs)
}

func TestFindWindows_UnsupportedOffWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("only exercises the non-windows stub")
	}
	h := New()
	_, err := h.FindWindows("Qt673QWindowIcon", nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDeviceIDFromComputerName_IsStableMD5(t *testing.T) {
	assert.Equal(t, DeviceIDFromComputerName("box1"), DeviceIDFromComputerName("box1"))
	assert.NotEqual(t, DeviceIDFromComputerName("box1"), DeviceIDFromComputerName("box2"))
	assert.Len(t, DeviceIDFromComputerName("box1"), 32)
}

func TestComputerName_NeverEmpty(t *testing.T) {
	h := New()
	assert.NotEmpty(t, h.ComputerName())
}

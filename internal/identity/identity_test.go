package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeviceName_SystemHostWinsOverIDShapedName(t *testing.T) {
	deviceID := "0123456789abcdef0123456789abcdef"
	got := ResolveDeviceName(deviceID, Sources{
		BatchSystemHost:  "DESKTOP-AB",
		SignalDeviceName: deviceID,
	}, nil)

	assert.Equal(t, "DESKTOP-AB", got)
}

func TestResolveDeviceName_NicknameHasHighestPriority(t *testing.T) {
	got := ResolveDeviceName("id-1", Sources{
		BatchNickname:   "HeroPlayer",
		BatchSystemHost: "DESKTOP-AB",
	}, nil)

	assert.Equal(t, "HeroPlayer", got)
}

func TestResolveDeviceName_FallsBackToDeviceID(t *testing.T) {
	assert.Equal(t, "id-2", ResolveDeviceName("id-2", Sources{}, nil))
}

func TestLooksLikeDeviceID(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"0123456789abcdef0123456789abcdef", true},
		{"0123456789abcdef_0123456789abcdef", true},
		{"DESKTOP-AB", false},
		{"HeroPlayer", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			assert.Equal(t, tc.want, looksLikeDeviceID(tc.value))
		})
	}
}

func TestLoadPriority_OverrideFileReordersResolution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity_priority.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name_priority":["batch.system.host","batch.nickname"]}`), 0o644))

	priority := LoadPriority(path)
	require.Equal(t, []string{"batch.system.host", "batch.nickname"}, priority)

	got := ResolveDeviceName("id-3", Sources{
		BatchNickname:   "HeroPlayer",
		BatchSystemHost: "DESKTOP-AB",
	}, priority)
	assert.Equal(t, "DESKTOP-AB", got)
}

func TestLoadPriority_MissingOrBadFileFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultPriority, LoadPriority(""))
	assert.Equal(t, DefaultPriority, LoadPriority("/nonexistent/identity_priority.json"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "am43.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 5*time.Second, cfg.RescueScanTimeout)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.IdleGrace)
	assert.Equal(t, 200*time.Millisecond, cfg.CommandSpacing)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.TrackInterval)
	assert.Equal(t, 2*time.Minute, cfg.StalePositionAfter)
	assert.Equal(t, "am43-state.yaml", cfg.StateFile)
	assert.Empty(t, cfg.AllowedDevices)
	assert.False(t, cfg.AllowAll, "default MUST deny all")
	require.NoError(t, cfg.Validate())
}

func TestLoadAllowList(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		allowAll bool
		ids      []string
	}{
		{"absent denies all", "log_level: debug\n", false, nil},
		{"empty denies all", "allowed_devices: []\n", false, []string{}},
		{"null allows all", "allowed_devices: null\n", true, nil},
		{"tilde allows all", "allowed_devices: ~\n", true, nil},
		{"bare key allows all", "allowed_devices:\n", true, nil},
		{"explicit list", "allowed_devices: [aa:bb, Kitchen-ID]\n", false, []string{"aa:bb", "Kitchen-ID"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			require.NoError(t, err)

			assert.Equal(t, tt.allowAll, cfg.AllowAll)
			if len(tt.ids) == 0 {
				assert.Empty(t, cfg.AllowedDevices)
			} else {
				assert.Equal(t, tt.ids, cfg.AllowedDevices)
			}
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "idle_timeout: 90s\npoll_interval: 0s\nscan_timeout: 3s\n"))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, time.Duration(0), cfg.PollInterval, "explicit zero MUST be honored")
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout, "unset keys MUST keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "scan_timeout: -1s\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "scan_timeout: [\n"))
	assert.Error(t, err)
}

func TestSaveRoundTripsAllowAll(t *testing.T) {
	path := writeConfig(t, "allowed_devices: null\nidle_timeout: 1m\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Save())
	reloaded, err := Load(path)
	require.NoError(t, err)

	assert.True(t, reloaded.AllowAll, "null allow-list MUST survive a save")
	assert.Equal(t, time.Minute, reloaded.IdleTimeout)
}

func TestAllowDisallowPersist(t *testing.T) {
	path := writeConfig(t, "allowed_devices: []\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Allow("AA:BB"))
	assert.False(t, cfg.Allow("aa:bb"), "duplicates MUST be folded case-insensitively")
	assert.True(t, cfg.Allow("kitchen"))
	require.NoError(t, cfg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:BB", "kitchen"}, reloaded.AllowedDevices)

	assert.True(t, reloaded.Disallow("aa:bb"))
	assert.False(t, reloaded.Disallow("nope"))
	assert.Equal(t, []string{"kitchen"}, reloaded.AllowedDevices)
}

func TestSaveWithoutPath(t *testing.T) {
	assert.Error(t, DefaultConfig().Save())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug", "debug", logrus.DebugLevel},
		{"warn", "warn", logrus.WarnLevel},
		{"invalid falls back to info", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := (&Config{LogLevel: tt.level}).NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	store, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())

	store.Put(DeviceState{ID: "blind-1", Address: "aa:bb", LastPosition: 40, LastBattery: 77})
	require.NoError(t, store.Save())

	reloaded, err := LoadState(path)
	require.NoError(t, err)
	st, ok := reloaded.Get("blind-1")
	require.True(t, ok)
	assert.Equal(t, 40, st.LastPosition)
	assert.Equal(t, 77, st.LastBattery)
	assert.Equal(t, "aa:bb", st.Address)
	assert.False(t, st.UpdatedAt.IsZero())

	_, ok = reloaded.Get("other")
	assert.False(t, ok)

	reloaded.Put(DeviceState{ID: "blind-0"})
	all := reloaded.All()
	require.Len(t, all, 2)
	assert.Equal(t, "blind-0", all[0].ID, "All MUST be ordered by id")
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointsminer/core/internal/domain"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesPresetsAndWatchPriority(t *testing.T) {
	path := writeTempConfig(t, `
analytics_enabled: true
watch_priority: ["alice", "bob"]
presets:
  conservative:
    strategy:
      default:
        min_percentage: 35
        max_percentage: 50
        points:
          percent: 3
          max_value: 10000
streamers:
  - channel_name: alice
    config:
      preset_name: conservative
`)

	cfg, err := load(path)
	require.NoError(t, err)

	assert.True(t, cfg.AnalyticsEnabled())
	assert.Equal(t, []string{"alice", "bob"}, cfg.WatchPriority())

	preset, ok := cfg.Preset("conservative")
	require.True(t, ok)
	assert.Equal(t, 35.0, preset.Strategy.Default.MinPercentage)

	streamers := cfg.Streamers()
	require.Len(t, streamers, 1)
	assert.Equal(t, "alice", streamers[0].ChannelName)
	assert.Equal(t, "conservative", streamers[0].Config.PresetName)
}

func TestLoadFallsBackToDefaultPresetsWhenNoneConfigured(t *testing.T) {
	path := writeTempConfig(t, `watch_priority: []`)

	cfg, err := load(path)
	require.NoError(t, err)

	presets := cfg.Presets()
	assert.Contains(t, presets, "conservative")
	assert.Contains(t, presets, "aggressive")
}

func TestUpsertAndDeletePreset(t *testing.T) {
	cfg := &Config{presets: map[string]domain.Specific{}}

	cfg.UpsertPreset("custom", domain.Specific{FollowRaid: true})
	preset, ok := cfg.Preset("custom")
	require.True(t, ok)
	assert.True(t, preset.FollowRaid)

	cfg.DeletePreset("custom")
	_, ok = cfg.Preset("custom")
	assert.False(t, ok)
}

func TestRenamePresetFailsIfTargetExists(t *testing.T) {
	cfg := &Config{presets: map[string]domain.Specific{
		"a": {FollowRaid: true},
		"b": {FollowRaid: false},
	}}

	err := cfg.RenamePreset("a", "b")
	assert.Error(t, err)
}

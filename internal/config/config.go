// Package config loads the miner's YAML configuration file (presets, watch
// priority, per-streamer configs). The entrypoint reads it once at startup
// to seed the State Store; the control plane edits the State Store, not
// this package.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pointsminer/core/internal/domain"
)

// StreamerEntry is one row of the configured streamer set, as loaded from
// YAML or added later through the control plane.
type StreamerEntry struct {
	ChannelName string               `yaml:"channel_name"`
	Config      domain.StreamerConfig `yaml:"config"`
}

// File is the on-disk shape of the YAML config (spec §6 "--config <path>").
type File struct {
	AnalyticsEnabled bool                       `yaml:"analytics_enabled"`
	WatchPriority    []string                   `yaml:"watch_priority"`
	Presets          map[string]domain.Specific `yaml:"presets"`
	Streamers        []StreamerEntry            `yaml:"streamers"`
}

// Config is the process-wide configuration loaded from YAML. It guards its
// own fields with a mutex so its accessors and mutators are safe for
// concurrent use.
type Config struct {
	mu            sync.RWMutex
	watchPriority []string
	presets       map[string]domain.Specific
	analyticsOn   bool
	streamers     []StreamerEntry
}

var (
	instance *Config
	once     sync.Once
	initMu   sync.Mutex
)

// Get returns the process-wide Config instance, loading it from path on
// first call. Subsequent calls ignore path and return the same instance —
// mirrors the teacher's config.Get() singleton shape.
func Get(path string) (*Config, error) {
	initMu.Lock()
	defer initMu.Unlock()

	var loadErr error
	once.Do(func() {
		instance, loadErr = load(path)
	})
	return instance, loadErr
}

// SetForTest installs cfg as the singleton, bypassing file loading. Tests
// construct an isolated instance per spec §9's "Global state... tests
// construct an isolated instance."
func SetForTest(cfg *Config) {
	initMu.Lock()
	defer initMu.Unlock()
	instance = cfg
	once.Do(func() {})
}

func load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	presets := f.Presets
	if presets == nil {
		presets = DefaultPresets()
	}

	return &Config{
		watchPriority: f.WatchPriority,
		presets:       presets,
		analyticsOn:   f.AnalyticsEnabled,
		streamers:     f.Streamers,
	}, nil
}

// Streamers returns the streamer set as loaded from the YAML file. The
// control plane mutates the live State Store rather than this slice, so
// this is only ever consulted once, at startup.
func (c *Config) Streamers() []StreamerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]StreamerEntry(nil), c.streamers...)
}

// DefaultPresets seeds a fresh install with working strategies, the way
// original_source/src/default_config.rs gives main.rs something to fall
// back on before the operator edits anything.
func DefaultPresets() map[string]domain.Specific {
	return map[string]domain.Specific{
		"conservative": {
			Strategy: domain.Strategy{
				Default: domain.DefaultPrediction{
					MinPercentage: 35,
					MaxPercentage: 50,
					Points:        domain.PointsSpec{Percent: 3, MaxValue: 10000},
				},
			},
		},
		"aggressive": {
			Strategy: domain.Strategy{
				Default: domain.DefaultPrediction{
					MinPercentage: 5,
					MaxPercentage: 50,
					Points:        domain.PointsSpec{Percent: 15, MaxValue: 50000},
				},
			},
		},
	}
}

// AnalyticsEnabled reports the file's analytics_enabled setting. The
// entrypoint does not consult it: the Analytics Writer runs whenever
// --analytics-db is set.
func (c *Config) AnalyticsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.analyticsOn
}

// WatchPriority returns a copy of the configured channel-name ordering.
func (c *Config) WatchPriority() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.watchPriority))
	copy(out, c.watchPriority)
	return out
}

// SetWatchPriority replaces the ordered preference list held by this Config.
func (c *Config) SetWatchPriority(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchPriority = append([]string(nil), names...)
}

// Preset looks up a preset body by name.
func (c *Config) Preset(name string) (domain.Specific, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	body, ok := c.presets[name]
	return body, ok
}

// Presets returns a copy of the full presets map; the entrypoint copies it
// into the State Store at startup.
func (c *Config) Presets() map[string]domain.Specific {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.Specific, len(c.presets))
	for k, v := range c.presets {
		out[k] = v
	}
	return out
}

// UpsertPreset creates or replaces a named preset.
func (c *Config) UpsertPreset(name string, body domain.Specific) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presets[name] = body
}

// DeletePreset removes a named preset from this Config. The State Store
// keeps its own preset table, seeded once at startup, so streamers tracked
// there are not affected.
func (c *Config) DeletePreset(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presets, name)
}

// RenamePreset renames a preset in place, preserving its body, and fails if
// newName is already taken. Streamers
// referencing the old name keep pointing at a now-missing preset (treated as
// no bets) unless the caller also updates their configs — matches spec
// §4.3's "Configs... mutated by control plane" contract, which does not
// specify cascading renames.
func (c *Config) RenamePreset(oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.presets[newName]; exists {
		return fmt.Errorf("preset %q already exists", newName)
	}
	body, ok := c.presets[oldName]
	if !ok {
		return fmt.Errorf("preset %q not found", oldName)
	}
	delete(c.presets, oldName)
	c.presets[newName] = body
	return nil
}

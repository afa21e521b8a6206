// Package config loads the YAML configuration a groundstation or rover
// launcher reads at startup, grounded on the site-config loading pattern in
// the retrieved ccapp launcher.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/groundcrew/missionlink/internal/missionlink"
	"github.com/groundcrew/missionlink/internal/netkernel"
)

// Default network addresses (spec §9).
const (
	DefaultMLPort  = 8080
	DefaultTSPort  = 8081
	DefaultObsPort = 8082
)

// Config is the full on-disk configuration for either launcher.
type Config struct {
	MLListenAddr string `yaml:"ml_listen_addr"`
	TSListenAddr string `yaml:"ts_listen_addr"`
	ObsAddr      string `yaml:"obs_addr"`

	StoreDir string `yaml:"store_dir"`

	BufferSize        int  `yaml:"buffer_size"`
	BaseTimeoutMillis int  `yaml:"base_timeout_millis"`
	DataRetxCap       int  `yaml:"data_retx_cap"`
	HandshakeRetxCap  int  `yaml:"handshake_retx_cap"`
	ReorderBufferSize int  `yaml:"reorder_buffer_size"`
	RandomizeISN      bool `yaml:"randomize_isn"`

	SocketTuning netkernel.Tuning `yaml:"socket_tuning"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with every field at its spec-default value.
func Default() Config {
	return Config{
		MLListenAddr:      fmt.Sprintf(":%d", DefaultMLPort),
		TSListenAddr:      fmt.Sprintf(":%d", DefaultTSPort),
		ObsAddr:           fmt.Sprintf(":%d", DefaultObsPort),
		StoreDir:          "./data",
		BufferSize:        missionlink.DefaultBufferSize,
		BaseTimeoutMillis: int(missionlink.DefaultBaseTimeout / time.Millisecond),
		DataRetxCap:       missionlink.DefaultDataRetxCap,
		HandshakeRetxCap:  missionlink.DefaultHandshakeRetxCap,
		ReorderBufferSize: missionlink.DefaultReorderBufferSize,
		SocketTuning:      netkernel.DefaultTuning,
		LogLevel:          "info",
	}
}

// Load reads and parses the YAML file at path, applying spec defaults to
// any field the file leaves at its zero value. A missing file is not an
// error: Load returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults fills any field the YAML document left zero with its
// spec-mandated default, so a partial config file is still usable.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.MLListenAddr == "" {
		cfg.MLListenAddr = d.MLListenAddr
	}
	if cfg.TSListenAddr == "" {
		cfg.TSListenAddr = d.TSListenAddr
	}
	if cfg.ObsAddr == "" {
		cfg.ObsAddr = d.ObsAddr
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = d.StoreDir
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.BaseTimeoutMillis == 0 {
		cfg.BaseTimeoutMillis = d.BaseTimeoutMillis
	}
	if cfg.DataRetxCap == 0 {
		cfg.DataRetxCap = d.DataRetxCap
	}
	if cfg.HandshakeRetxCap == 0 {
		cfg.HandshakeRetxCap = d.HandshakeRetxCap
	}
	if cfg.ReorderBufferSize == 0 {
		cfg.ReorderBufferSize = d.ReorderBufferSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
}

// MissionLinkConfig builds a missionlink.Config from the loaded values.
func (c Config) MissionLinkConfig() missionlink.Config {
	mc := missionlink.DefaultConfig()
	mc.BufferSize = c.BufferSize
	mc.BaseTimeout = time.Duration(c.BaseTimeoutMillis) * time.Millisecond
	mc.DataRetxCap = c.DataRetxCap
	mc.HandshakeRetxCap = c.HandshakeRetxCap
	mc.ReorderBufferSize = c.ReorderBufferSize
	mc.RandomizeISN = c.RandomizeISN
	return mc
}

/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


/*
Package config loads KayDB configuration from defaults, a config file,
environment variables and command-line flags.

Precedence, lowest first:
 1. Default values
 2. Configuration file
 3. Environment variables
 4. Command-line flags (applied by the caller after Load)

Configuration File Format:
The file uses a flat TOML subset: one key = value per line, # comments.

	# KayDB Configuration
	data_dir = "/var/lib/kaydb"
	sync_mode = "always"
	wal_segment_size = 67108864
	flush_interval_ms = 5000
	compression = "lz4"
	replication_mode = "consensus"
	node_id = "n1"
	peers = "n2,n3"
	log_level = "info"

Environment Variables:
  - KAYDB_DATA_DIR: Data directory
  - KAYDB_REPLICATION_MODE: none, log_shipping or consensus
  - KAYDB_NODE_ID: This node's ID in a replicated setup
  - KAYDB_PEERS: Comma-separated peer IDs
  - KAYDB_LOG_LEVEL: Log level (debug, info, warn, error)
  - KAYDB_LOG_JSON: Enable JSON logging (true/false)
  - KAYDB_CONFIG: Path to configuration file
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"kaydb/internal/compression"
	"kaydb/internal/logging"
	"kaydb/internal/replication"
	"kaydb/internal/storage"
)

// Environment variable names for configuration.
const (
	EnvDataDir         = "KAYDB_DATA_DIR"
	EnvReplicationMode = "KAYDB_REPLICATION_MODE"
	EnvNodeID          = "KAYDB_NODE_ID"
	EnvPeers           = "KAYDB_PEERS"
	EnvLogLevel        = "KAYDB_LOG_LEVEL"
	EnvLogJSON         = "KAYDB_LOG_JSON"
	EnvConfigFile      = "KAYDB_CONFIG"
)

// Replication modes.
const (
	ReplicationNone        = "none"
	ReplicationLogShipping = "log_shipping"
	ReplicationConsensus   = "consensus"
)

// Default configuration file paths (searched in order).
var DefaultConfigPaths = []string{
	"/etc/kaydb/kaydb.conf",
	"$HOME/.config/kaydb/kaydb.conf",
	"./kaydb.conf",
}

// Config holds all configuration values for KayDB.
type Config struct {
	// Storage
	DataDir           string        `toml:"data_dir" json:"data_dir"`
	SyncMode          string        `toml:"sync_mode" json:"sync_mode"`
	SegmentSize       int64         `toml:"wal_segment_size" json:"wal_segment_size"`
	WALRetainSegments int           `toml:"wal_retain_segments" json:"wal_retain_segments"`
	FlushInterval     time.Duration `toml:"flush_interval_ms" json:"flush_interval_ms"`
	CacheCapacity     int           `toml:"cache_capacity" json:"cache_capacity"`
	CacheShards       int           `toml:"cache_shards" json:"cache_shards"`
	BloomFPRate       float64       `toml:"bloom_fp_rate" json:"bloom_fp_rate"`
	Compression       string        `toml:"compression" json:"compression"`

	// Compaction
	CompactionInterval time.Duration `toml:"compaction_interval_ms" json:"compaction_interval_ms"`
	TierMinPartitions  int           `toml:"tier_min_partitions" json:"tier_min_partitions"`
	TombstoneRatio     float64       `toml:"tombstone_ratio" json:"tombstone_ratio"`
	MaxPartitionSize   int64         `toml:"max_partition_size" json:"max_partition_size"`

	// Replication
	ReplicationMode   string        `toml:"replication_mode" json:"replication_mode"`
	NodeID            string        `toml:"node_id" json:"node_id"`
	Peers             []string      `toml:"peers" json:"peers"`
	QuorumTimeout     time.Duration `toml:"quorum_timeout_ms" json:"quorum_timeout_ms"`
	ElectionTimeout   time.Duration `toml:"election_timeout_ms" json:"election_timeout_ms"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`

	// Logging
	SlowOpThreshold time.Duration `toml:"slow_op_ms" json:"slow_op_ms"`
	LogLevel        string        `toml:"log_level" json:"log_level"`
	LogJSON         bool          `toml:"log_json" json:"log_json"`

	// Metadata
	ConfigFile string `toml:"-" json:"-"` // Path to loaded config file
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            "./data",
		SyncMode:           "always",
		SegmentSize:        64 << 20,
		WALRetainSegments:  4,
		FlushInterval:      5 * time.Second,
		CacheCapacity:      10000,
		CacheShards:        16,
		BloomFPRate:        0.01,
		Compression:        "none",
		CompactionInterval: 30 * time.Second,
		TierMinPartitions:  4,
		TombstoneRatio:     0.7,
		MaxPartitionSize:   1 << 30,
		ReplicationMode:    ReplicationNone,
		QuorumTimeout:      2 * time.Second,
		ElectionTimeout:    300 * time.Millisecond,
		HeartbeatInterval:  100 * time.Millisecond,
		SlowOpThreshold:    100 * time.Millisecond,
		LogLevel:           "info",
		LogJSON:            false,
	}
}

// Manager handles configuration loading, validation, and access.
type Manager struct {
	config *Config
	mu     sync.RWMutex

	// Callbacks for configuration changes (for hot-reload support)
	onReload []func(*Config)
}

// NewManager creates a new configuration manager with default values.
func NewManager() *Manager {
	return &Manager{
		config:   DefaultConfig(),
		onReload: make([]func(*Config), 0),
	}
}

// Global manager instance for convenience.
var globalManager = NewManager()

// Global returns the global configuration manager.
func Global() *Manager {
	return globalManager
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.Peers = append([]string(nil), m.config.Peers...)
	return &cfg
}

// Set updates the configuration.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// OnReload registers a callback to be called when configuration is reloaded.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// notifyReload calls all registered reload callbacks.
func (m *Manager) notifyReload() {
	m.mu.RLock()
	callbacks := make([]func(*Config), len(m.onReload))
	copy(callbacks, m.onReload)
	m.mu.RUnlock()

	cfg := m.Get()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir cannot be empty")
	}
	if _, err := storage.ParseSyncMode(c.SyncMode); err != nil {
		errs = append(errs, fmt.Sprintf("invalid sync_mode: %s (must be always or none)", c.SyncMode))
	}
	if c.SegmentSize < 4096 {
		errs = append(errs, fmt.Sprintf("invalid wal_segment_size: %d (must be at least 4096)", c.SegmentSize))
	}
	if c.WALRetainSegments < 0 {
		errs = append(errs, fmt.Sprintf("invalid wal_retain_segments: %d (must not be negative)", c.WALRetainSegments))
	}
	if c.FlushInterval < 0 || c.CompactionInterval < 0 {
		errs = append(errs, "flush_interval_ms and compaction_interval_ms must not be negative")
	}
	if c.CacheCapacity < 0 {
		errs = append(errs, fmt.Sprintf("invalid cache_capacity: %d (0 disables the cache)", c.CacheCapacity))
	}
	if c.CacheShards < 1 {
		errs = append(errs, fmt.Sprintf("invalid cache_shards: %d (must be at least 1)", c.CacheShards))
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		errs = append(errs, fmt.Sprintf("invalid bloom_fp_rate: %g (must be between 0 and 1)", c.BloomFPRate))
	}
	if _, err := compression.ParseAlgorithm(c.Compression); err != nil {
		errs = append(errs, fmt.Sprintf("invalid compression: %s (must be none, gzip, or lz4)", c.Compression))
	}
	if c.TierMinPartitions < 2 {
		errs = append(errs, fmt.Sprintf("invalid tier_min_partitions: %d (must be at least 2)", c.TierMinPartitions))
	}
	if c.TombstoneRatio <= 0 || c.TombstoneRatio > 1 {
		errs = append(errs, fmt.Sprintf("invalid tombstone_ratio: %g (must be in (0, 1])", c.TombstoneRatio))
	}
	if c.MaxPartitionSize <= 0 {
		errs = append(errs, fmt.Sprintf("invalid max_partition_size: %d", c.MaxPartitionSize))
	}

	switch c.ReplicationMode {
	case ReplicationNone:
	case ReplicationLogShipping, ReplicationConsensus:
		if c.NodeID == "" {
			errs = append(errs, fmt.Sprintf("node_id is required for replication_mode %s", c.ReplicationMode))
		}
		for _, p := range c.Peers {
			if p == c.NodeID {
				errs = append(errs, fmt.Sprintf("peers must not include this node (%s)", p))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid replication_mode: %s (must be none, log_shipping, or consensus)", c.ReplicationMode))
	}
	if c.QuorumTimeout <= 0 || c.ElectionTimeout <= 0 || c.HeartbeatInterval <= 0 {
		errs = append(errs, "quorum_timeout_ms, election_timeout_ms and heartbeat_interval_ms must be positive")
	} else if c.HeartbeatInterval >= c.ElectionTimeout {
		errs = append(errs, "heartbeat_interval_ms must be shorter than election_timeout_ms")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "off", "none":
	default:
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LoadFromFile loads configuration from a TOML file on top of the defaults.
func (m *Manager) LoadFromFile(path string) error {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := parseTOML(string(data), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// LoadFromEnv merges environment variables into the configuration.
func (m *Manager) LoadFromEnv() {
	cfg := m.Get()

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvReplicationMode); v != "" {
		cfg.ReplicationMode = v
	}
	if v := os.Getenv(EnvNodeID); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv(EnvPeers); v != "" {
		cfg.Peers = splitList(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = parseBool(v)
	}

	m.Set(cfg)
}

// FindConfigFile searches for a configuration file in default locations.
// Returns the path to the first file found, or empty string if none found.
func FindConfigFile() string {
	if envPath := os.Getenv(EnvConfigFile); envPath != "" {
		if _, err := os.Stat(os.ExpandEnv(envPath)); err == nil {
			return os.ExpandEnv(envPath)
		}
	}

	for _, path := range DefaultConfigPaths {
		expandedPath := os.ExpandEnv(path)
		if _, err := os.Stat(expandedPath); err == nil {
			return expandedPath
		}
	}

	return ""
}

// Load loads configuration from all sources with proper precedence.
// Order: defaults -> config file -> environment variables
// Command-line flags should be applied after calling this function.
func (m *Manager) Load() error {
	if configPath := FindConfigFile(); configPath != "" {
		if err := m.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	m.LoadFromEnv()
	return nil
}

// Reload reloads configuration from file and environment and notifies
// the registered callbacks.
func (m *Manager) Reload() error {
	configPath := m.Get().ConfigFile
	if configPath == "" {
		configPath = FindConfigFile()
	}

	m.Set(DefaultConfig())
	if configPath != "" {
		if err := m.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	m.LoadFromEnv()

	m.notifyReload()
	return nil
}

// parseTOML is a simple TOML parser for our configuration format.
// It handles the subset of TOML we need without external dependencies.
func parseTOML(data string, cfg *Config) error {
	lines := strings.Split(data, "\n")

	for lineNum, line := range lines {
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: invalid syntax: %s", lineNum+1, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := applyConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum+1, err)
		}
	}

	return nil
}

func parseInt(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s", key, value)
	}
	return n, nil
}

func parseFloat(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s", key, value)
	}
	return f, nil
}

func parseMillis(key, value string) (time.Duration, error) {
	n, err := parseInt(key, value)
	return time.Duration(n) * time.Millisecond, err
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

// splitList splits a comma-separated list, dropping empty items. A TOML
// array literal is accepted as well.
func splitList(value string) []string {
	value = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(value), "["), "]")
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.Trim(strings.TrimSpace(item), `"'`)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// applyConfigValue applies a key-value pair to the configuration.
func applyConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "data_dir":
		cfg.DataDir = value
	case "sync_mode":
		cfg.SyncMode = value
	case "wal_segment_size":
		cfg.SegmentSize, err = parseInt(key, value)
	case "wal_retain_segments":
		var n int64
		n, err = parseInt(key, value)
		cfg.WALRetainSegments = int(n)
	case "flush_interval_ms":
		cfg.FlushInterval, err = parseMillis(key, value)
	case "cache_capacity":
		var n int64
		n, err = parseInt(key, value)
		cfg.CacheCapacity = int(n)
	case "cache_shards":
		var n int64
		n, err = parseInt(key, value)
		cfg.CacheShards = int(n)
	case "bloom_fp_rate":
		cfg.BloomFPRate, err = parseFloat(key, value)
	case "compression":
		cfg.Compression = value
	case "compaction_interval_ms":
		cfg.CompactionInterval, err = parseMillis(key, value)
	case "tier_min_partitions":
		var n int64
		n, err = parseInt(key, value)
		cfg.TierMinPartitions = int(n)
	case "tombstone_ratio":
		cfg.TombstoneRatio, err = parseFloat(key, value)
	case "max_partition_size":
		cfg.MaxPartitionSize, err = parseInt(key, value)
	case "replication_mode":
		cfg.ReplicationMode = value
	case "node_id":
		cfg.NodeID = value
	case "peers":
		cfg.Peers = splitList(value)
	case "quorum_timeout_ms":
		cfg.QuorumTimeout, err = parseMillis(key, value)
	case "election_timeout_ms":
		cfg.ElectionTimeout, err = parseMillis(key, value)
	case "heartbeat_interval_ms":
		cfg.HeartbeatInterval, err = parseMillis(key, value)
	case "slow_op_ms":
		cfg.SlowOpThreshold, err = parseMillis(key, value)
	case "log_level":
		cfg.LogLevel = value
	case "log_json":
		cfg.LogJSON = parseBool(value)
	default:
		// Ignore unknown keys for forward compatibility
	}
	return err
}

// ToStorageOptions converts the configuration to engine options. The
// configuration must have passed Validate.
func (c *Config) ToStorageOptions() storage.Options {
	opts := storage.DefaultOptions(c.DataDir)
	opts.SyncMode, _ = storage.ParseSyncMode(c.SyncMode)
	opts.SegmentSize = c.SegmentSize
	opts.WALRetainSegments = c.WALRetainSegments
	opts.FlushInterval = c.FlushInterval
	opts.CacheCapacity = c.CacheCapacity
	opts.CacheShards = c.CacheShards
	opts.BloomFPRate = c.BloomFPRate
	opts.Compression.Algorithm, _ = compression.ParseAlgorithm(c.Compression)
	opts.CompactionInterval = c.CompactionInterval
	opts.Compaction.TierMinPartitions = c.TierMinPartitions
	opts.Compaction.TombstoneRatio = c.TombstoneRatio
	opts.Compaction.MaxPartitionSize = c.MaxPartitionSize
	opts.SlowOpThreshold = c.SlowOpThreshold
	return opts
}

// ToNodeConfig converts the replication settings to a consensus node
// configuration. Term and vote are kept in the data directory.
func (c *Config) ToNodeConfig() replication.NodeConfig {
	cfg := replication.DefaultNodeConfig(c.NodeID)
	cfg.Peers = append([]string(nil), c.Peers...)
	cfg.StateDir = c.DataDir
	cfg.ElectionTimeout = c.ElectionTimeout
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.QuorumTimeout = c.QuorumTimeout
	return cfg
}

// ApplyLogging configures the global logger from the log settings.
func (c *Config) ApplyLogging() {
	logging.SetGlobalLevel(logging.ParseLevel(c.LogLevel))
	logging.SetJSONMode(c.LogJSON)
}

// String returns a human-readable summary of the configuration.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("KayDB Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Data Dir:         %s\n", c.DataDir))
	sb.WriteString(fmt.Sprintf("  Sync Mode:        %s\n", c.SyncMode))
	sb.WriteString(fmt.Sprintf("  WAL Segment Size: %d\n", c.SegmentSize))
	sb.WriteString(fmt.Sprintf("  Flush Interval:   %s\n", c.FlushInterval))
	sb.WriteString(fmt.Sprintf("  Cache Capacity:   %d\n", c.CacheCapacity))
	sb.WriteString(fmt.Sprintf("  Compression:      %s\n", c.Compression))
	sb.WriteString(fmt.Sprintf("  Replication:      %s\n", c.ReplicationMode))
	if c.NodeID != "" {
		sb.WriteString(fmt.Sprintf("  Node ID:          %s\n", c.NodeID))
	}
	if len(c.Peers) > 0 {
		sb.WriteString(fmt.Sprintf("  Peers:            %s\n", strings.Join(c.Peers, ", ")))
	}
	sb.WriteString(fmt.Sprintf("  Log Level:        %s\n", c.LogLevel))
	sb.WriteString(fmt.Sprintf("  Log JSON:         %v\n", c.LogJSON))
	if c.ConfigFile != "" {
		sb.WriteString(fmt.Sprintf("  Config File:      %s\n", c.ConfigFile))
	}
	return sb.String()
}

// ToTOML returns the configuration as a TOML string.
func (c *Config) ToTOML() string {
	var sb strings.Builder
	sb.WriteString("# KayDB Configuration File\n\n")
	sb.WriteString("# Storage\n")
	sb.WriteString(fmt.Sprintf("data_dir = %q\n", c.DataDir))
	sb.WriteString(fmt.Sprintf("sync_mode = %q\n", c.SyncMode))
	sb.WriteString(fmt.Sprintf("wal_segment_size = %d\n", c.SegmentSize))
	sb.WriteString(fmt.Sprintf("wal_retain_segments = %d\n", c.WALRetainSegments))
	sb.WriteString(fmt.Sprintf("flush_interval_ms = %d\n", c.FlushInterval.Milliseconds()))
	sb.WriteString(fmt.Sprintf("cache_capacity = %d\n", c.CacheCapacity))
	sb.WriteString(fmt.Sprintf("cache_shards = %d\n", c.CacheShards))
	sb.WriteString(fmt.Sprintf("bloom_fp_rate = %g\n", c.BloomFPRate))
	sb.WriteString(fmt.Sprintf("compression = %q\n\n", c.Compression))
	sb.WriteString("# Compaction\n")
	sb.WriteString(fmt.Sprintf("compaction_interval_ms = %d\n", c.CompactionInterval.Milliseconds()))
	sb.WriteString(fmt.Sprintf("tier_min_partitions = %d\n", c.TierMinPartitions))
	sb.WriteString(fmt.Sprintf("tombstone_ratio = %g\n", c.TombstoneRatio))
	sb.WriteString(fmt.Sprintf("max_partition_size = %d\n\n", c.MaxPartitionSize))
	sb.WriteString("# Replication: none, log_shipping, or consensus\n")
	sb.WriteString(fmt.Sprintf("replication_mode = %q\n", c.ReplicationMode))
	if c.NodeID != "" {
		sb.WriteString(fmt.Sprintf("node_id = %q\n", c.NodeID))
	}
	if len(c.Peers) > 0 {
		sb.WriteString(fmt.Sprintf("peers = %q\n", strings.Join(c.Peers, ",")))
	}
	sb.WriteString(fmt.Sprintf("quorum_timeout_ms = %d\n", c.QuorumTimeout.Milliseconds()))
	sb.WriteString(fmt.Sprintf("election_timeout_ms = %d\n", c.ElectionTimeout.Milliseconds()))
	sb.WriteString(fmt.Sprintf("heartbeat_interval_ms = %d\n\n", c.HeartbeatInterval.Milliseconds()))
	sb.WriteString("# Logging\n")
	sb.WriteString(fmt.Sprintf("slow_op_ms = %d\n", c.SlowOpThreshold.Milliseconds()))
	sb.WriteString(fmt.Sprintf("log_level = %q\n", c.LogLevel))
	sb.WriteString(fmt.Sprintf("log_json = %v\n", c.LogJSON))
	return sb.String()
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	path = os.ExpandEnv(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(c.ToTOML()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

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


package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kaydb/internal/compression"
	"kaydb/internal/logging"
	"kaydb/internal/storage"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir != "./data" {
		t.Errorf("Expected default data_dir './data', got '%s'", cfg.DataDir)
	}
	if cfg.SyncMode != "always" {
		t.Errorf("Expected default sync_mode 'always', got '%s'", cfg.SyncMode)
	}
	if cfg.SegmentSize != 64<<20 {
		t.Errorf("Expected default wal_segment_size 64MiB, got %d", cfg.SegmentSize)
	}
	if cfg.ReplicationMode != ReplicationNone {
		t.Errorf("Expected default replication_mode 'none', got '%s'", cfg.ReplicationMode)
	}
	if cfg.QuorumTimeout != 2*time.Second {
		t.Errorf("Expected default quorum timeout 2s, got %s", cfg.QuorumTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != false {
		t.Errorf("Expected default log_json false, got %v", cfg.LogJSON)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid standalone config", func(c *Config) {}, false},
		{"empty data_dir", func(c *Config) { c.DataDir = "" }, true},
		{"invalid sync mode", func(c *Config) { c.SyncMode = "sometimes" }, true},
		{"tiny segment", func(c *Config) { c.SegmentSize = 100 }, true},
		{"negative retention", func(c *Config) { c.WALRetainSegments = -1 }, true},
		{"disabled cache", func(c *Config) { c.CacheCapacity = 0 }, false},
		{"zero shards", func(c *Config) { c.CacheShards = 0 }, true},
		{"bloom rate out of range", func(c *Config) { c.BloomFPRate = 1.5 }, true},
		{"unknown compression", func(c *Config) { c.Compression = "zstd" }, true},
		{"single partition tier", func(c *Config) { c.TierMinPartitions = 1 }, true},
		{"zero tombstone ratio", func(c *Config) { c.TombstoneRatio = 0 }, true},
		{"invalid log level", func(c *Config) { c.LogLevel = "invalid" }, true},
		{"invalid replication mode", func(c *Config) { c.ReplicationMode = "invalid" }, true},
		{"consensus without node id", func(c *Config) { c.ReplicationMode = ReplicationConsensus }, true},
		{
			name: "valid consensus config",
			mutate: func(c *Config) {
				c.ReplicationMode = ReplicationConsensus
				c.NodeID = "n1"
				c.Peers = []string{"n2", "n3"}
			},
		},
		{
			name: "peers include self",
			mutate: func(c *Config) {
				c.ReplicationMode = ReplicationLogShipping
				c.NodeID = "n1"
				c.Peers = []string{"n1", "n2"}
			},
			wantErr: true,
		},
		{
			name: "heartbeat slower than election",
			mutate: func(c *Config) {
				c.HeartbeatInterval = time.Second
				c.ElectionTimeout = 500 * time.Millisecond
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncMode = "bogus"
	cfg.Compression = "bogus"
	cfg.ReplicationMode = "bogus"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"sync_mode", "compression", "replication_mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got: %v", want, err)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `# Test configuration
data_dir = "/tmp/kaydb-test"
sync_mode = "none"
wal_segment_size = 1048576
flush_interval_ms = 250
compression = 'lz4'
tombstone_ratio = 0.5
replication_mode = "consensus"
node_id = "n1"
peers = "n2, n3"
quorum_timeout_ms = 750
log_level = "debug"  # verbose
log_json = true
unknown_key = 42
`

	configPath := filepath.Join(tmpDir, "kaydb.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	cfg := mgr.Get()

	if cfg.DataDir != "/tmp/kaydb-test" {
		t.Errorf("Expected data_dir '/tmp/kaydb-test', got '%s'", cfg.DataDir)
	}
	if cfg.SyncMode != "none" {
		t.Errorf("Expected sync_mode 'none', got '%s'", cfg.SyncMode)
	}
	if cfg.SegmentSize != 1048576 {
		t.Errorf("Expected wal_segment_size 1048576, got %d", cfg.SegmentSize)
	}
	if cfg.FlushInterval != 250*time.Millisecond {
		t.Errorf("Expected flush interval 250ms, got %s", cfg.FlushInterval)
	}
	if cfg.Compression != "lz4" {
		t.Errorf("Expected compression 'lz4', got '%s'", cfg.Compression)
	}
	if cfg.TombstoneRatio != 0.5 {
		t.Errorf("Expected tombstone_ratio 0.5, got %g", cfg.TombstoneRatio)
	}
	if cfg.NodeID != "n1" || len(cfg.Peers) != 2 || cfg.Peers[1] != "n3" {
		t.Errorf("Unexpected node settings: id=%q peers=%v", cfg.NodeID, cfg.Peers)
	}
	if cfg.QuorumTimeout != 750*time.Millisecond {
		t.Errorf("Expected quorum timeout 750ms, got %s", cfg.QuorumTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != true {
		t.Errorf("Expected log_json true, got %v", cfg.LogJSON)
	}
	if cfg.ConfigFile != configPath {
		t.Errorf("Expected ConfigFile '%s', got '%s'", configPath, cfg.ConfigFile)
	}
	// Untouched keys keep their defaults.
	if cfg.CacheShards != 16 {
		t.Errorf("Expected default cache_shards 16, got %d", cfg.CacheShards)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing equals", "data_dir\n"},
		{"bad integer", "wal_segment_size = big\n"},
		{"bad float", "bloom_fp_rate = low\n"},
		{"bad millis", "quorum_timeout_ms = 2s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "kaydb.conf")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}
			mgr := NewManager()
			err := mgr.LoadFromFile(path)
			if err == nil {
				t.Fatal("Expected parse error")
			}
			if !strings.Contains(err.Error(), "line 1") {
				t.Errorf("Expected error to name the line, got: %v", err)
			}
		})
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/kaydb")
	t.Setenv(EnvReplicationMode, ReplicationLogShipping)
	t.Setenv(EnvNodeID, "leader-1")
	t.Setenv(EnvPeers, "f1,f2")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogJSON, "true")

	mgr := NewManager()
	mgr.LoadFromEnv()

	cfg := mgr.Get()

	if cfg.DataDir != "/srv/kaydb" {
		t.Errorf("Expected data_dir from env, got '%s'", cfg.DataDir)
	}
	if cfg.ReplicationMode != ReplicationLogShipping {
		t.Errorf("Expected replication_mode from env, got '%s'", cfg.ReplicationMode)
	}
	if cfg.NodeID != "leader-1" {
		t.Errorf("Expected node_id from env, got '%s'", cfg.NodeID)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0] != "f1" {
		t.Errorf("Expected peers from env, got %v", cfg.Peers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug' from env, got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != true {
		t.Errorf("Expected log_json true from env, got %v", cfg.LogJSON)
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `data_dir = "/from/file"
log_level = "warn"
`
	configPath := filepath.Join(tmpDir, "kaydb.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv(EnvDataDir, "/from/env")
	t.Setenv(EnvLogLevel, "")

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	mgr.LoadFromEnv()

	cfg := mgr.Get()

	// Env var should override file value
	if cfg.DataDir != "/from/env" {
		t.Errorf("Expected data_dir '/from/env' (env override), got '%s'", cfg.DataDir)
	}
	// An empty env var leaves the file value in place
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected log_level 'warn' from file, got '%s'", cfg.LogLevel)
	}
}

func TestFindConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.conf")
	if err := os.WriteFile(path, []byte("log_level = \"error\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvLogLevel, "")

	if got := FindConfigFile(); got != path {
		t.Fatalf("FindConfigFile() = %q, want %q", got, path)
	}

	mgr := NewManager()
	if err := mgr.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg := mgr.Get(); cfg.LogLevel != "error" || cfg.ConfigFile != path {
		t.Errorf("Expected config from %s, got level=%s file=%s", path, cfg.LogLevel, cfg.ConfigFile)
	}
}

func TestToTOML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/kaydb"
	cfg.ReplicationMode = ReplicationConsensus
	cfg.NodeID = "n1"
	cfg.Peers = []string{"n2", "n3"}

	toml := cfg.ToTOML()

	for _, want := range []string{
		`data_dir = "/var/lib/kaydb"`,
		`replication_mode = "consensus"`,
		`peers = "n2,n3"`,
		"flush_interval_ms = 5000",
		"max_partition_size = 1073741824",
	} {
		if !strings.Contains(toml, want) {
			t.Errorf("TOML output missing %s", want)
		}
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = "/srv/data"
	cfg.Compression = "gzip"
	cfg.BloomFPRate = 0.001
	cfg.ReplicationMode = ReplicationConsensus
	cfg.NodeID = "n1"
	cfg.Peers = []string{"n2", "n3"}
	cfg.ElectionTimeout = 450 * time.Millisecond

	configPath := filepath.Join(tmpDir, "subdir", "kaydb.conf")
	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	loaded := mgr.Get()
	loaded.ConfigFile = ""
	if loaded.String() != cfg.String() {
		t.Errorf("Round trip mismatch:\n%s\nvs\n%s", loaded, cfg)
	}
	if loaded.BloomFPRate != 0.001 || loaded.ElectionTimeout != 450*time.Millisecond {
		t.Errorf("Unexpected values after reload: fp=%g election=%s", loaded.BloomFPRate, loaded.ElectionTimeout)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Saved config should validate: %v", err)
	}
}

func TestReload(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(EnvLogLevel, "")

	configPath := filepath.Join(tmpDir, "kaydb.conf")
	if err := os.WriteFile(configPath, []byte("cache_capacity = 500\nlog_level = \"info\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg := mgr.Get(); cfg.CacheCapacity != 500 {
		t.Errorf("Expected initial cache_capacity 500, got %d", cfg.CacheCapacity)
	}

	var reloaded *Config
	mgr.OnReload(func(c *Config) {
		reloaded = c
	})

	if err := os.WriteFile(configPath, []byte("cache_capacity = 800\nlog_level = \"debug\"\n"), 0644); err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg.CacheCapacity != 800 {
		t.Errorf("Expected reloaded cache_capacity 800, got %d", cfg.CacheCapacity)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected reloaded log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if reloaded == nil || reloaded.CacheCapacity != 800 {
		t.Error("Reload callback was not called with the new config")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	mgr := NewManager()
	cfg := mgr.Get()
	cfg.Peers = append(cfg.Peers, "x")
	cfg.DataDir = "/elsewhere"

	if again := mgr.Get(); again.DataDir != "./data" || len(again.Peers) != 0 {
		t.Errorf("Mutating a copy changed the managed config: %+v", again)
	}
}

func TestGlobalManager(t *testing.T) {
	mgr := Global()
	if mgr == nil {
		t.Error("Global() returned nil")
	}

	// Should return the same instance
	mgr2 := Global()
	if mgr != mgr2 {
		t.Error("Global() returned different instances")
	}
}

func TestToStorageOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.SyncMode = "none"
	cfg.Compression = "lz4"
	cfg.CacheCapacity = 42
	cfg.TierMinPartitions = 6
	cfg.MaxPartitionSize = 1 << 20
	cfg.FlushInterval = time.Second

	opts := cfg.ToStorageOptions()

	if opts.Dir != "/data" || opts.SyncMode != storage.SyncNone {
		t.Errorf("Unexpected dir or sync mode: %q %v", opts.Dir, opts.SyncMode)
	}
	if opts.Compression.Algorithm != compression.AlgorithmLZ4 {
		t.Errorf("Expected lz4, got %s", opts.Compression.Algorithm)
	}
	if opts.CacheCapacity != 42 || opts.FlushInterval != time.Second {
		t.Errorf("Unexpected cache or flush settings: %d %s", opts.CacheCapacity, opts.FlushInterval)
	}
	if opts.Compaction.TierMinPartitions != 6 || opts.Compaction.MaxPartitionSize != 1<<20 {
		t.Errorf("Unexpected compaction policy: %+v", opts.Compaction)
	}
	// Fields without a config key keep the engine defaults.
	def := storage.DefaultCompactionPolicy()
	if opts.Compaction.TierLow != def.TierLow || opts.Compaction.TierHigh != def.TierHigh {
		t.Errorf("Expected default tier bounds, got %+v", opts.Compaction)
	}
}

func TestToNodeConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.NodeID = "n1"
	cfg.Peers = []string{"n2", "n3"}
	cfg.QuorumTimeout = 3 * time.Second

	nc := cfg.ToNodeConfig()
	if nc.ID != "n1" || len(nc.Peers) != 2 || nc.StateDir != "/data" {
		t.Errorf("Unexpected node config: %+v", nc)
	}
	if nc.QuorumTimeout != 3*time.Second || nc.ElectionTimeout != 300*time.Millisecond {
		t.Errorf("Unexpected timeouts: %+v", nc)
	}
	if nc.BatchSize == 0 {
		t.Errorf("Expected a default batch size")
	}
}

func TestApplyLogging(t *testing.T) {
	prev := logging.GlobalLevel()
	defer logging.SetGlobalLevel(prev)
	defer logging.SetJSONMode(false)

	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	cfg.ApplyLogging()
	if logging.GlobalLevel() != logging.ERROR {
		t.Errorf("Expected ERROR level, got %s", logging.GlobalLevel())
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "n1"
	str := cfg.String()

	for _, want := range []string{"Data Dir:", "./data", "Replication:", "none", "Node ID:"} {
		if !strings.Contains(str, want) {
			t.Errorf("String() missing %q", want)
		}
	}
}

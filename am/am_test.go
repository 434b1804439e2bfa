package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

func TestLoad_Defaults(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "thsync-hub.db" {
		t.Errorf("expected default database path 'thsync-hub.db', got %q", cfg.Database.Path)
	}
	if cfg.Hub.ChunkSize != chunk.DefaultChunkSize {
		t.Errorf("expected default chunk size %d, got %d", chunk.DefaultChunkSize, cfg.Hub.ChunkSize)
	}
	if cfg.Hub.SessionTTLSeconds != 3600 {
		t.Errorf("expected default session TTL 3600, got %d", cfg.Hub.SessionTTLSeconds)
	}
	if cfg.Bloom.Bits != 8388608 || cfg.Bloom.Hashes != 7 {
		t.Errorf("expected 8388608 bits / 7 hashes, got %d / %d", cfg.Bloom.Bits, cfg.Bloom.Hashes)
	}
	if cfg.Client.PayloadBatchSize != 500 {
		t.Errorf("expected default payload batch 500, got %d", cfg.Client.PayloadBatchSize)
	}
	assert.Equal(t, []string{sync.CapSnappy, sync.CapHubBloom}, cfg.Hub.Capabilities)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "zero values fall back to defaults",
			config: Config{},
		},
		{
			name:    "negative session ttl",
			config:  Config{Hub: HubConfig{SessionTTLSeconds: -1}},
			wantErr: "hub.session_ttl_seconds",
		},
		{
			name:    "chunk size over the maximum",
			config:  Config{Hub: HubConfig{ChunkSize: 32 << 20}},
			wantErr: "hub.chunk_size",
		},
		{
			name:    "chunk size above configured max",
			config:  Config{Hub: HubConfig{ChunkSize: 4 << 20, MaxChunkSize: 2 << 20}},
			wantErr: "exceeds hub.max_chunk_size",
		},
		{
			name:    "bad protocol constraint",
			config:  Config{Hub: HubConfig{ProtocolConstraint: "one-ish"}},
			wantErr: "hub.protocol_constraint",
		},
		{
			name:    "unknown merge policy",
			config:  Config{Hub: HubConfig{MergePolicy: "coin_flip"}},
			wantErr: "hub.merge_policy",
		},
		{
			name:    "unknown capability",
			config:  Config{Hub: HubConfig{Capabilities: []string{"zstd"}}},
			wantErr: "unknown capability",
		},
		{
			name:    "http hub url",
			config:  Config{Client: ClientConfig{HubURL: "http://hub.local:8877/sync"}},
			wantErr: "ws:// or wss://",
		},
		{
			name:   "websocket hub url",
			config: Config{Client: ClientConfig{HubURL: "wss://hub.local/sync"}},
		},
		{
			name:    "unknown client strategy",
			config:  Config{Client: ClientConfig{MergeStrategy: "rebase"}},
			wantErr: "client.merge_strategy",
		},
		{
			name:    "false positive rate of one",
			config:  Config{Bloom: BloomConfig{FalsePositiveRate: 1}},
			wantErr: "bloom.false_positive_rate",
		},
		{
			name:    "bits above cap",
			config:  Config{Bloom: BloomConfig{Bits: 1024, MaxBits: 512}},
			wantErr: "bloom.max_bits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireClient(t *testing.T) {
	cfg := &Config{}
	assert.ErrorContains(t, cfg.RequireClient(), "client.id")
	cfg.Client.ID = "scanner-1"
	assert.ErrorContains(t, cfg.RequireClient(), "client.hub_url")
	cfg.Client.HubURL = "ws://localhost:8877/sync"
	assert.NoError(t, cfg.RequireClient())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[hub]
listen_addr = ":9900"
session_ttl_seconds = 120
merge_policy = "take_remote"

[client]
id = "scanner-7"
hub_url = "ws://hub.local:9900/sync"
workspace = "/var/lib/thsync"
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9900", cfg.Hub.ListenAddr)
	assert.Equal(t, 120, cfg.Hub.SessionTTLSeconds)
	assert.Equal(t, "scanner-7", cfg.Client.ID)
	// untouched keys keep their defaults
	assert.Equal(t, 32, cfg.Hub.MaxActiveSessions)

	assert.Equal(t, "/var/lib/thsync/client.db", cfg.WorkspaceDBPath())
	assert.Equal(t, "/var/lib/thsync/objects", cfg.WorkspaceObjectsPath())
	assert.Equal(t, "/var/lib/thsync/sync.lock", cfg.WorkspaceLockPath())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestSyncConfigs(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	cfg.Client.ID = "scanner-1"
	cfg.Hub.MergePolicy = string(merge.PolicyTakeLocal)

	hub := cfg.SyncHubConfig()
	assert.Equal(t, time.Hour, hub.SessionTTL)
	assert.Equal(t, 30*time.Second, hub.SweepInterval)
	assert.Equal(t, 10*time.Minute, hub.CompactionInterval)
	assert.Equal(t, 168*time.Hour, hub.Retention)
	assert.Equal(t, merge.PolicyTakeLocal, hub.MergePolicy)
	assert.Equal(t, 0.01, hub.BloomFalsePositiveRate)

	srv := cfg.ServerConfig()
	assert.Equal(t, DefaultSyncPath, srv.SyncPath)
	assert.Equal(t, DefaultMetricsPath, srv.MetricsPath)
	assert.Equal(t, []string{"http://localhost", "https://localhost"}, srv.AllowedOrigins)

	client := cfg.SyncClientConfig()
	assert.Equal(t, "scanner-1", client.ClientID)
	assert.Equal(t, 500, client.PayloadBatchSize)
	assert.True(t, client.Compress)
	assert.Equal(t, filepath.Join(DefaultWorkspacePath, WorkspaceLockFile), client.LockPath)
	assert.Equal(t, merge.StrategyThreeWay, client.MergeStrategy)
}

func TestLoad_ProjectAndEnvironment(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	home := t.TempDir()
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".thsync"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".thsync", "am.toml"), []byte(`
[hub]
max_active_sessions = 8
sweep_interval_seconds = 5
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte(`
[hub]
max_active_sessions = 16
`), 0644))

	nested := filepath.Join(project, "mods", "create")
	require.NoError(t, os.MkdirAll(nested, 0755))
	t.Chdir(nested)
	t.Setenv("HOME", home)
	t.Setenv("THSYNC_CLIENT_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Hub.MaxActiveSessions, "project file wins over user file")
	assert.Equal(t, 5, cfg.Hub.SweepIntervalSeconds, "user file still applies")
	assert.Equal(t, "from-env", cfg.Client.ID)

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again)
}

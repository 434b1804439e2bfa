package am

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/SakenW/TH-Suite-sub005/bloom"
	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/server"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "thsync-hub.db")

	// Hub defaults
	v.SetDefault("hub.listen_addr", DefaultListenAddr)
	v.SetDefault("hub.path", DefaultSyncPath)
	v.SetDefault("hub.allowed_origins", []string{"http://localhost", "https://localhost"})
	v.SetDefault("hub.protocol_constraint", sync.DefaultProtocolConstraint)
	v.SetDefault("hub.chunk_size", chunk.DefaultChunkSize)  // 2 MiB
	v.SetDefault("hub.max_chunk_size", chunk.MaxChunkSize)  // 16 MiB
	v.SetDefault("hub.max_object_size", chunk.DefaultMaxObjectSize)
	v.SetDefault("hub.max_concurrent_chunks", 4)
	v.SetDefault("hub.session_ttl_seconds", 3600)
	v.SetDefault("hub.session_queue_depth", 64)
	v.SetDefault("hub.max_active_sessions", 32)
	v.SetDefault("hub.max_missing_per_handshake", 10000)
	v.SetDefault("hub.commit_retries", sync.DefaultCommitRetries)
	v.SetDefault("hub.merge_strategy", string(merge.StrategyThreeWay))
	v.SetDefault("hub.merge_policy", string(merge.PolicyMarkForReview))
	v.SetDefault("hub.sweep_interval_seconds", 30)
	v.SetDefault("hub.compaction_interval_seconds", 600)
	v.SetDefault("hub.retention_hours", 168) // one week
	v.SetDefault("hub.object_cache_size", 256)
	v.SetDefault("hub.capabilities", []string{sync.CapSnappy, sync.CapHubBloom})
	v.SetDefault("hub.verify_uida", true)

	// Client defaults
	v.SetDefault("client.workspace", DefaultWorkspacePath)
	v.SetDefault("client.payload_batch_size", 500)
	v.SetDefault("client.chunk_retries", 3)
	v.SetDefault("client.commit_retries", sync.DefaultCommitRetries)
	v.SetDefault("client.compress", true)
	v.SetDefault("client.merge_strategy", string(merge.StrategyThreeWay))
	v.SetDefault("client.merge_policy", string(merge.PolicyMarkForReview))

	// Bloom defaults
	v.SetDefault("bloom.bits", bloom.DefaultBits)        // 8 Mi bits
	v.SetDefault("bloom.hashes", bloom.DefaultHashes)    // 7
	v.SetDefault("bloom.max_bits", bloom.DefaultMaxBits) // 64 Mi bits
	v.SetDefault("bloom.false_positive_rate", 0.01)

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", DefaultMetricsPath)
	v.SetDefault("metrics.namespace", "thsync")
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly
// injected by the environment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "THSYNC_DATABASE_PATH")
	v.BindEnv("client.id", "THSYNC_CLIENT_ID")
	v.BindEnv("client.hub_url", "THSYNC_CLIENT_HUB_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "thsync-hub.db" // Fallback default
	}
	return c.Database.Path
}

// GetListenAddr returns the hub listen address
func (c *Config) GetListenAddr() string {
	if c.Hub.ListenAddr == "" {
		return DefaultListenAddr
	}
	return c.Hub.ListenAddr
}

// GetSyncPath returns the WebSocket endpoint path
func (c *Config) GetSyncPath() string {
	if c.Hub.Path == "" {
		return DefaultSyncPath
	}
	return c.Hub.Path
}

// GetMetricsPath returns the Prometheus endpoint path
func (c *Config) GetMetricsPath() string {
	if c.Metrics.Path == "" {
		return DefaultMetricsPath
	}
	return c.Metrics.Path
}

// GetWorkspace returns the client workspace directory
func (c *Config) GetWorkspace() string {
	if c.Client.Workspace == "" {
		return DefaultWorkspacePath
	}
	return c.Client.Workspace
}

// WorkspaceDBPath returns the client SQLite file
func (c *Config) WorkspaceDBPath() string {
	return filepath.Join(c.GetWorkspace(), WorkspaceDBFile)
}

// WorkspaceObjectsPath returns the client LevelDB object store directory
func (c *Config) WorkspaceObjectsPath() string {
	return filepath.Join(c.GetWorkspace(), WorkspaceObjectsDir)
}

// WorkspaceLockPath returns the file locked while a sync runs
func (c *Config) WorkspaceLockPath() string {
	return filepath.Join(c.GetWorkspace(), WorkspaceLockFile)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// SyncHubConfig converts the hub section into sync.HubConfig. Zero values
// fall through to sync.DefaultHubConfig.
func (c *Config) SyncHubConfig() sync.HubConfig {
	h := c.Hub
	return sync.HubConfig{
		ProtocolConstraint:     h.ProtocolConstraint,
		ChunkSize:              h.ChunkSize,
		MaxChunkSize:           h.MaxChunkSize,
		MaxConcurrentChunks:    h.MaxConcurrentChunks,
		MaxObjectSize:          h.MaxObjectSize,
		SessionTTL:             seconds(h.SessionTTLSeconds),
		SessionQueueDepth:      h.SessionQueueDepth,
		MaxActiveSessions:      h.MaxActiveSessions,
		BloomMaxBits:           c.Bloom.MaxBits,
		BloomFalsePositiveRate: c.Bloom.FalsePositiveRate,
		MaxMissingPerHandshake: h.MaxMissingPerHandshake,
		CommitRetries:          h.CommitRetries,
		MergeStrategy:          merge.Strategy(h.MergeStrategy),
		MergePolicy:            merge.Policy(h.MergePolicy),
		SweepInterval:          seconds(h.SweepIntervalSeconds),
		CompactionInterval:     seconds(h.CompactionIntervalSeconds),
		Retention:              time.Duration(h.RetentionHours) * time.Hour,
		Capabilities:           h.Capabilities,
		InstanceID:             h.InstanceID,
	}
}

// ServerConfig converts the hub and metrics sections into server.Config
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		SyncPath:       c.GetSyncPath(),
		MetricsPath:    c.GetMetricsPath(),
		HealthPath:     DefaultHealthPath,
		MaxChunkSize:   c.Hub.MaxChunkSize,
		AllowedOrigins: c.Hub.AllowedOrigins,
	}
}

// SyncClientConfig converts the client section into sync.ClientConfig
func (c *Config) SyncClientConfig() sync.ClientConfig {
	cl := c.Client
	cfg := sync.DefaultClientConfig(cl.ID)
	cfg.ChunkSize = cl.ChunkSize
	cfg.Compress = cl.Compress
	cfg.BloomFalsePositiveRate = c.Bloom.FalsePositiveRate
	cfg.PayloadBatchSize = cl.PayloadBatchSize
	cfg.UploadBytesPerSecond = cl.UploadBytesPerSecond
	cfg.ChunkRetries = cl.ChunkRetries
	cfg.CommitRetries = cl.CommitRetries
	cfg.LockPath = c.WorkspaceLockPath()
	if cl.MergeStrategy != "" {
		cfg.MergeStrategy = merge.Strategy(cl.MergeStrategy)
	}
	if cl.MergePolicy != "" {
		cfg.MergePolicy = merge.Policy(cl.MergePolicy)
	}
	return cfg
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Hub: {ListenAddr: %s}, Client: {ID: %s, HubURL: %s}}",
		c.Database.Path, c.Hub.ListenAddr, c.Client.ID, c.Client.HubURL)
}

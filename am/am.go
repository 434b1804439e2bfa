package am

// Config represents the thsync configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Hub      HubConfig      `mapstructure:"hub"`
	Client   ClientConfig   `mapstructure:"client"`
	Bloom    BloomConfig    `mapstructure:"bloom"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig configures the hub's SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// HubConfig configures the sync hub
type HubConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // HTTP listen address (default: ":8877")
	Path       string `mapstructure:"path"`        // WebSocket endpoint path (default: "/sync")

	// AllowedOrigins are Origin prefixes accepted from browsers; clients
	// sending no Origin header are always accepted
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// InstanceID identifies this hub when holding maintenance leases (empty = generated)
	InstanceID         string `mapstructure:"instance_id"`
	ProtocolConstraint string `mapstructure:"protocol_constraint"` // semver constraint on client versions (default: "^1")

	ChunkSize           int `mapstructure:"chunk_size"`            // bytes (default: 2 MiB)
	MaxChunkSize        int `mapstructure:"max_chunk_size"`        // largest chunk a client may negotiate (default: 16 MiB)
	MaxConcurrentChunks int `mapstructure:"max_concurrent_chunks"` // advertised per session (default: 4)
	MaxObjectSize       int `mapstructure:"max_object_size"`       // largest reassembled object

	SessionTTLSeconds      int `mapstructure:"session_ttl_seconds"` // default: 3600
	SessionQueueDepth      int `mapstructure:"session_queue_depth"`
	MaxActiveSessions      int `mapstructure:"max_active_sessions"`
	MaxMissingPerHandshake int `mapstructure:"max_missing_per_handshake"`

	CommitRetries int    `mapstructure:"commit_retries"` // optimistic commit retries per payload (default: 3)
	MergeStrategy string `mapstructure:"merge_strategy"` // three_way, overwrite, skip
	MergePolicy   string `mapstructure:"merge_policy"`   // mark_for_review, take_remote, take_local

	SweepIntervalSeconds      int `mapstructure:"sweep_interval_seconds"`      // expiry sweep (default: 30)
	CompactionIntervalSeconds int `mapstructure:"compaction_interval_seconds"` // default: 600
	RetentionHours            int `mapstructure:"retention_hours"`             // archived sessions and revisions (default: 168)

	ObjectCacheSize int      `mapstructure:"object_cache_size"` // LRU entries for hot objects
	Capabilities    []string `mapstructure:"capabilities"`
	VerifyUIDA      bool     `mapstructure:"verify_uida"` // check incoming UIDA hashes against the namespace registry
}

// ClientConfig configures a sync client
type ClientConfig struct {
	ID        string `mapstructure:"id"`        // stable client identity (required for sync)
	HubURL    string `mapstructure:"hub_url"`   // e.g. "ws://hub.local:8877/sync"
	Workspace string `mapstructure:"workspace"` // directory holding entries, outbox and objects

	ChunkSize            int  `mapstructure:"chunk_size"` // 0 = hub default
	PayloadBatchSize     int  `mapstructure:"payload_batch_size"`
	UploadBytesPerSecond int  `mapstructure:"upload_bytes_per_second"` // 0 = unlimited
	ChunkRetries         int  `mapstructure:"chunk_retries"`
	CommitRetries        int  `mapstructure:"commit_retries"`
	Compress             bool `mapstructure:"compress"`

	MergeStrategy string `mapstructure:"merge_strategy"`
	MergePolicy   string `mapstructure:"merge_policy"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"` // whole sync round (0 = none)
}

// BloomConfig sizes the handshake filters
type BloomConfig struct {
	Bits              uint64  `mapstructure:"bits"`
	Hashes            int     `mapstructure:"hashes"`
	MaxBits           uint64  `mapstructure:"max_bits"` // hub cap on accepted filters
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"` // same scale as -v counts
}

// MetricsConfig configures the Prometheus endpoint on the hub
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// Hub server defaults
const (
	DefaultListenAddr  = ":8877"
	DefaultSyncPath    = "/sync"
	DefaultMetricsPath = "/metrics"
	DefaultHealthPath  = "/healthz"
)

// Workspace file names, relative to client.workspace
const (
	WorkspaceDBFile      = "client.db"
	WorkspaceObjectsDir  = "objects"
	WorkspaceLockFile    = "sync.lock"
	DefaultWorkspacePath = ".thsync"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

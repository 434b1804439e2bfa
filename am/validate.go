package am

import (
	"net/url"
	"slices"

	"github.com/Masterminds/semver/v3"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateHub(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}

	// Bloom: zero falls back to defaults, negative or >= 1 rates are invalid
	if c.Bloom.FalsePositiveRate < 0 || c.Bloom.FalsePositiveRate >= 1 {
		return errors.Newf("bloom.false_positive_rate must be in (0, 1), got %f", c.Bloom.FalsePositiveRate)
	}
	if c.Bloom.Hashes < 0 {
		return errors.Newf("bloom.hashes must be >= 0, got %d", c.Bloom.Hashes)
	}
	if c.Bloom.MaxBits > 0 && c.Bloom.Bits > c.Bloom.MaxBits {
		return errors.Newf("bloom.bits (%d) exceeds bloom.max_bits (%d)", c.Bloom.Bits, c.Bloom.MaxBits)
	}

	if c.Log.Verbosity < 0 {
		return errors.Newf("log.verbosity must be >= 0, got %d", c.Log.Verbosity)
	}
	return nil
}

func (c *Config) validateHub() error {
	h := c.Hub
	if h.ChunkSize != 0 {
		if err := chunk.ValidateChunkSize(h.ChunkSize); err != nil {
			return errors.Wrap(err, "hub.chunk_size")
		}
	}
	if h.MaxChunkSize != 0 && h.ChunkSize > h.MaxChunkSize {
		return errors.Newf("hub.chunk_size (%d) exceeds hub.max_chunk_size (%d)", h.ChunkSize, h.MaxChunkSize)
	}
	if h.ProtocolConstraint != "" {
		if _, err := semver.NewConstraint(h.ProtocolConstraint); err != nil {
			return errors.Wrapf(err, "hub.protocol_constraint %q", h.ProtocolConstraint)
		}
	}

	// zero means "use the default", negative is invalid
	for name, n := range map[string]int{
		"hub.max_concurrent_chunks":       h.MaxConcurrentChunks,
		"hub.max_object_size":             h.MaxObjectSize,
		"hub.session_ttl_seconds":         h.SessionTTLSeconds,
		"hub.session_queue_depth":         h.SessionQueueDepth,
		"hub.max_active_sessions":         h.MaxActiveSessions,
		"hub.max_missing_per_handshake":   h.MaxMissingPerHandshake,
		"hub.commit_retries":              h.CommitRetries,
		"hub.sweep_interval_seconds":      h.SweepIntervalSeconds,
		"hub.compaction_interval_seconds": h.CompactionIntervalSeconds,
		"hub.retention_hours":             h.RetentionHours,
		"hub.object_cache_size":           h.ObjectCacheSize,
	} {
		if n < 0 {
			return errors.Newf("%s must be >= 0, got %d", name, n)
		}
	}

	if err := validateMerge("hub", h.MergeStrategy, h.MergePolicy); err != nil {
		return err
	}
	for _, capability := range h.Capabilities {
		if !slices.Contains([]string{sync.CapSnappy, sync.CapHubBloom}, capability) {
			return errors.Newf("hub.capabilities: unknown capability %q", capability)
		}
	}
	return nil
}

func (c *Config) validateClient() error {
	cl := c.Client
	if cl.HubURL != "" {
		u, err := url.Parse(cl.HubURL)
		if err != nil {
			return errors.Wrapf(err, "client.hub_url %q", cl.HubURL)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.Newf("client.hub_url must use ws:// or wss://, got %q", cl.HubURL)
		}
	}
	if cl.ChunkSize != 0 {
		if err := chunk.ValidateChunkSize(cl.ChunkSize); err != nil {
			return errors.Wrap(err, "client.chunk_size")
		}
	}
	if cl.PayloadBatchSize < 0 {
		return errors.Newf("client.payload_batch_size must be >= 0, got %d", cl.PayloadBatchSize)
	}
	if cl.UploadBytesPerSecond < 0 {
		return errors.Newf("client.upload_bytes_per_second must be >= 0, got %d", cl.UploadBytesPerSecond)
	}
	if cl.ChunkRetries < 0 {
		return errors.Newf("client.chunk_retries must be >= 0, got %d", cl.ChunkRetries)
	}
	if cl.CommitRetries < 0 {
		return errors.Newf("client.commit_retries must be >= 0, got %d", cl.CommitRetries)
	}
	if cl.TimeoutSeconds < 0 {
		return errors.Newf("client.timeout_seconds must be >= 0, got %d", cl.TimeoutSeconds)
	}
	return validateMerge("client", cl.MergeStrategy, cl.MergePolicy)
}

func validateMerge(section, strategy, policy string) error {
	if strategy != "" && !merge.Strategy(strategy).Valid() {
		return errors.Newf("%s.merge_strategy: unknown strategy %q", section, strategy)
	}
	if policy != "" && !merge.Policy(policy).Valid() {
		return errors.Newf("%s.merge_policy: unknown policy %q", section, policy)
	}
	return nil
}

// RequireClient checks the settings a sync round cannot run without
func (c *Config) RequireClient() error {
	if c.Client.ID == "" {
		return errors.WithHint(errors.New("client.id is not set"),
			"set client.id in am.toml or THSYNC_CLIENT_ID")
	}
	if c.Client.HubURL == "" {
		return errors.WithHint(errors.New("client.hub_url is not set"),
			"set client.hub_url in am.toml or THSYNC_CLIENT_HUB_URL")
	}
	return nil
}

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", BuildTime: "2026-10-01", Version: "v1.2.0", ProtocolVersion: "1.0.0"}
	assert.Equal(t, "thsync v1.2.0 (protocol 1.0.0, commit 0123456, built 2026-10-01)", info.String())

	info.Version = "dev"
	info.CommitHash = "dev"
	assert.Equal(t, "thsync dev (protocol 1.0.0, commit dev, built 2026-10-01)", info.String())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.ProtocolVersion)
	assert.Contains(t, info.Platform, "/")
}

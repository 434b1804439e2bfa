package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

func cids(n int, prefix string) []content.ID {
	out := make([]content.ID, n)
	for i := range out {
		out[i] = content.Sum([]byte(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return out
}

func TestNoFalseNegatives(t *testing.T) {
	f, err := New(1<<14, 5)
	require.NoError(t, err)

	inserted := cids(1000, "held")
	for _, id := range inserted {
		f.Add(id)
	}
	for _, id := range inserted {
		require.True(t, f.MightContain(id), "inserted %s reported absent", id)
	}

	back, err := FromBytes(f.ToBytes(), 0)
	require.NoError(t, err)
	for _, id := range inserted {
		require.True(t, back.MightContain(id), "round trip lost %s", id)
	}
	assert.Equal(t, f.Count(), back.Count())
	assert.Equal(t, f.Bits(), back.Bits())
	assert.Equal(t, f.Hashes(), back.Hashes())
}

func TestFalsePositiveRateWithinBound(t *testing.T) {
	const n = 10000
	const target = 0.01

	bits, hashes := OptimalParameters(n, target)
	f, err := New(bits, hashes)
	require.NoError(t, err)
	for _, id := range cids(n, "in") {
		f.Add(id)
	}

	var fp int
	probes := cids(n, "out")
	for _, id := range probes {
		if f.MightContain(id) {
			fp++
		}
	}
	rate := float64(fp) / float64(len(probes))
	assert.Less(t, rate, 3*target, "observed FP rate %.4f", rate)
	assert.InDelta(t, target, f.EstimatedFalsePositiveRate(), 0.005)
}

func TestEmptyFilterContainsNothing(t *testing.T) {
	f, err := New(DefaultBits, DefaultHashes)
	require.NoError(t, err)
	assert.False(t, f.MightContain(content.Sum([]byte("x"))))
	assert.Zero(t, f.FillRatio())
}

func TestNewValidatesParameters(t *testing.T) {
	_, err := New(4, 3)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = New(64, 0)
	assert.Error(t, err)
	_, err = New(64, MaxHashes+1)
	assert.Error(t, err)

	f, err := New(13, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), f.Bits(), "bit count rounds up to whole bytes")
}

func TestFromBytesRejectsMalformed(t *testing.T) {
	f, err := New(1024, 3)
	require.NoError(t, err)
	f.AddString("a")
	good := f.ToBytes()

	tests := []struct {
		name  string
		input []byte
		max   uint64
	}{
		{"empty", nil, 0},
		{"bad magic", append([]byte("XXXX"), good[4:]...), 0},
		{"bad version", append(append([]byte{}, good[:4]...), append([]byte{9}, good[5:]...)...), 0},
		{"truncated bit array", good[:len(good)-1], 0},
		{"trailing bytes", append(append([]byte{}, good...), 0), 0},
		{"over limit", good, 512},
		{"truncated header", good[:6], 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.input, tt.max)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestUnmarshalBinary(t *testing.T) {
	f, err := New(256, 4)
	require.NoError(t, err)
	f.AddString("item.create.brass_ingot")

	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var back Filter
	require.NoError(t, back.UnmarshalBinary(raw))
	assert.True(t, back.MightContainString("item.create.brass_ingot"))
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1_000_000, 0.01)
	// ~9.59 bits per element, k ~= 7
	assert.InDelta(t, 9_585_059, float64(bits), 16)
	assert.Equal(t, 7, hashes)

	bits, hashes = OptimalParameters(0, 5)
	assert.GreaterOrEqual(t, bits, uint64(8))
	assert.GreaterOrEqual(t, hashes, 1)
}

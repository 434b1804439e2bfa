// Package bloom implements the Bloom filter exchanged during the sync
// handshake. Each peer inserts the CIDs it holds; the other side tests its
// own inventory against the filter to find what is missing.
//
// There are no false negatives. False positives only hide a gap until the
// next full resync.
package bloom

import (
	"encoding/binary"
	"math"
	"math/bits"
	"strconv"

	"github.com/multiformats/go-varint"
	"golang.org/x/crypto/blake2b"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

const (
	DefaultBits   = 8 * 1024 * 1024
	DefaultHashes = 7

	// MaxHashes bounds the per-element cost of Add and MightContain.
	MaxHashes = 32

	// DefaultMaxBits caps filters decoded without an explicit limit (8 MiB of bits).
	DefaultMaxBits = 64 * 1024 * 1024
)

const (
	magic         = "THBF"
	formatVersion = 1
)

// Filter is a fixed-size Bloom filter. It is not safe for concurrent writes.
type Filter struct {
	bits   uint64
	hashes int
	set    []byte
	count  uint64
}

// New allocates a filter of at least bits bits (rounded up to a whole byte)
// probed by hashes hash functions.
func New(bitCount uint64, hashes int) (*Filter, error) {
	if bitCount < 8 {
		return nil, errors.NewInvalidRequestError("bloom filter needs at least 8 bits, got %d", bitCount)
	}
	if hashes < 1 || hashes > MaxHashes {
		return nil, errors.NewInvalidRequestError("bloom hash count must be in [1,%d], got %d", MaxHashes, hashes)
	}
	bitCount = (bitCount + 7) &^ 7
	return &Filter{
		bits:   bitCount,
		hashes: hashes,
		set:    make([]byte, bitCount/8),
	}, nil
}

// Add inserts a CID.
func (f *Filter) Add(id content.ID) {
	f.AddString(id.String())
}

// AddString inserts an arbitrary key.
func (f *Filter) AddString(s string) {
	for i := 0; i < f.hashes; i++ {
		pos := f.position(s, i)
		f.set[pos/8] |= 1 << (pos % 8)
	}
	f.count++
}

// MightContain reports whether id may have been added.
// A false result is definitive.
func (f *Filter) MightContain(id content.ID) bool {
	return f.MightContainString(id.String())
}

// MightContainString is MightContain for an arbitrary key.
func (f *Filter) MightContainString(s string) bool {
	for i := 0; i < f.hashes; i++ {
		pos := f.position(s, i)
		if f.set[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// position derives the i-th bit index: keyed BLAKE2b ("hash<i>") with an
// 8-byte digest, read big-endian, modulo the bit count.
func (f *Filter) position(s string, i int) uint64 {
	h, err := blake2b.New(8, []byte("hash"+strconv.Itoa(i)))
	if err != nil {
		// only possible for an out-of-range size or key length
		panic(err)
	}
	h.Write([]byte(s))
	return binary.BigEndian.Uint64(h.Sum(nil)) % f.bits
}

// Bits returns the filter size in bits.
func (f *Filter) Bits() uint64 { return f.bits }

// Hashes returns the number of hash functions.
func (f *Filter) Hashes() int { return f.hashes }

// Count returns how many insertions were made.
func (f *Filter) Count() uint64 { return f.count }

// FillRatio returns the fraction of bits set.
func (f *Filter) FillRatio() float64 {
	var ones int
	for _, b := range f.set {
		ones += bits.OnesCount8(b)
	}
	return float64(ones) / float64(f.bits)
}

// EstimatedFalsePositiveRate is the expected FP rate at the current count.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	return EstimatedFalsePositiveRate(f.bits, f.hashes, f.count)
}

// MarshalBinary encodes the filter:
//
//	"THBF" | version | uvarint bits | uvarint hashes | uvarint count | bit array
func (f *Filter) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, len(magic)+1+3*varint.MaxLenUvarint63+len(f.set))
	out = append(out, magic...)
	out = append(out, formatVersion)
	out = append(out, varint.ToUvarint(f.bits)...)
	out = append(out, varint.ToUvarint(uint64(f.hashes))...)
	out = append(out, varint.ToUvarint(f.count)...)
	out = append(out, f.set...)
	return out, nil
}

// ToBytes is MarshalBinary without the error.
func (f *Filter) ToBytes() []byte {
	b, _ := f.MarshalBinary()
	return b
}

// UnmarshalBinary decodes a filter with the DefaultMaxBits cap.
func (f *Filter) UnmarshalBinary(b []byte) error {
	decoded, err := FromBytes(b, DefaultMaxBits)
	if err != nil {
		return err
	}
	*f = *decoded
	return nil
}

// FromBytes decodes a filter, rejecting anything larger than maxBits.
func FromBytes(b []byte, maxBits uint64) (*Filter, error) {
	if len(b) < len(magic)+1 || string(b[:len(magic)]) != magic {
		return nil, errors.NewInvalidRequestError("bloom filter: bad magic")
	}
	if b[len(magic)] != formatVersion {
		return nil, errors.NewInvalidRequestError("bloom filter: unsupported version %d", b[len(magic)])
	}
	rest := b[len(magic)+1:]

	var header [3]uint64
	for i := range header {
		v, n, err := varint.FromUvarint(rest)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "bloom filter: bad header"), errors.ErrInvalidRequest)
		}
		header[i] = v
		rest = rest[n:]
	}
	bitCount, hashes, count := header[0], header[1], header[2]

	if bitCount == 0 || bitCount%8 != 0 {
		return nil, errors.NewInvalidRequestError("bloom filter: bit count %d is not a positive multiple of 8", bitCount)
	}
	if maxBits > 0 && bitCount > maxBits {
		return nil, errors.NewInvalidRequestError("bloom filter: %d bits exceeds limit %d", bitCount, maxBits)
	}
	if hashes < 1 || hashes > MaxHashes {
		return nil, errors.NewInvalidRequestError("bloom filter: hash count %d out of range", hashes)
	}
	if uint64(len(rest)) != bitCount/8 {
		return nil, errors.NewInvalidRequestError("bloom filter: bit array is %d bytes, want %d", len(rest), bitCount/8)
	}

	set := make([]byte, len(rest))
	copy(set, rest)
	return &Filter{bits: bitCount, hashes: int(hashes), set: set, count: count}, nil
}

// OptimalParameters returns the bit count and hash count for n expected
// elements at false-positive rate p: m = -n ln p / (ln 2)^2, k = m/n ln 2.
func OptimalParameters(n uint64, p float64) (uint64, int) {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	k := int(math.Round(m / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > MaxHashes {
		k = MaxHashes
	}
	bitCount := uint64(m)
	if bitCount < 8 {
		bitCount = 8
	}
	return (bitCount + 7) &^ 7, k
}

// EstimatedFalsePositiveRate returns (1 - e^(-kn/m))^k.
func EstimatedFalsePositiveRate(bitCount uint64, hashes int, n uint64) float64 {
	if bitCount == 0 {
		return 1
	}
	k := float64(hashes)
	return math.Pow(1-math.Exp(-k*float64(n)/float64(bitCount)), k)
}

// Package content computes content identifiers (CIDs) for byte payloads.
//
// A CID is a tagged value: the digest algorithm plus a 256-bit digest.
// Identical bytes always produce the same CID under one algorithm, which is
// what makes object storage deduplicated and chunk transfer verifiable.
// BLAKE3 is the default; SHA-256 is accepted for interop.
package content

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/SakenW/TH-Suite-sub005/errors"
)

// Algorithm names a digest function.
type Algorithm string

const (
	BLAKE3 Algorithm = "blake3"
	SHA256 Algorithm = "sha256"

	// DefaultAlgorithm is used by Sum and everywhere a caller does not choose.
	DefaultAlgorithm = BLAKE3
)

// DigestSize is the digest length in bytes for every supported algorithm.
const DigestSize = 32

// ID is a content identifier. The zero value is "no content".
type ID struct {
	Algorithm Algorithm
	Digest    [DigestSize]byte
}

// Supported reports whether alg can be computed.
func (a Algorithm) Supported() bool {
	return a == BLAKE3 || a == SHA256
}

// NewHasher returns a streaming hash for alg.
func NewHasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case BLAKE3:
		return blake3.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, errors.NewInvalidRequestError("unsupported content algorithm %q", alg)
	}
}

// Compute returns the CID of data under alg. The whole input is hashed.
func Compute(data []byte, alg Algorithm) (ID, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return ID{}, err
	}
	h.Write(data)

	id := ID{Algorithm: alg}
	h.Sum(id.Digest[:0])
	return id, nil
}

// Sum returns the CID of data under the default algorithm.
func Sum(data []byte) ID {
	id, _ := Compute(data, DefaultAlgorithm)
	return id
}

// Parse reads the "<algorithm>:<hex digest>" text form.
func Parse(s string) (ID, error) {
	alg, digest, ok := strings.Cut(s, ":")
	if !ok {
		return ID{}, errors.NewInvalidRequestError("cid %q: missing algorithm prefix", s)
	}
	a := Algorithm(alg)
	if !a.Supported() {
		return ID{}, errors.NewInvalidRequestError("cid %q: unsupported algorithm %q", s, alg)
	}
	if len(digest) != hex.EncodedLen(DigestSize) {
		return ID{}, errors.NewInvalidRequestError("cid %q: digest must be %d hex chars", s, hex.EncodedLen(DigestSize))
	}

	id := ID{Algorithm: a}
	if _, err := hex.Decode(id.Digest[:], []byte(digest)); err != nil {
		return ID{}, errors.Mark(errors.Wrapf(err, "cid %q", s), errors.ErrInvalidRequest)
	}
	return id, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the "<algorithm>:<hex digest>" form, or "" for the zero ID.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.Algorithm) + ":" + id.Hex()
}

// Hex returns the digest as lowercase hex.
func (id ID) Hex() string {
	return hex.EncodeToString(id.Digest[:])
}

// IsZero reports whether id is unset.
func (id ID) IsZero() bool {
	return id.Algorithm == ""
}

// Equal compares algorithm and digest.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Verify recomputes the CID of data with id's algorithm and fails with an
// ErrIntegrity-marked error on mismatch.
func (id ID) Verify(data []byte) error {
	if id.IsZero() {
		return errors.NewInvalidRequestError("cannot verify against an empty cid")
	}
	got, err := Compute(data, id.Algorithm)
	if err != nil {
		return err
	}
	if got != id {
		return errors.Mark(
			errors.Newf("content mismatch: expected %s, computed %s", id, got),
			errors.ErrIntegrity,
		)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler (JSON strings and map keys).
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text is the zero ID.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer; CIDs are stored as TEXT.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
		return nil
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	default:
		return errors.Newf("cannot scan %T into content.ID", src)
	}
}

// Sort orders ids by their text form, in place.
func Sort(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

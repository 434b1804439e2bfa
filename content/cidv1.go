package content

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/SakenW/TH-Suite-sub005/errors"
)

var multihashCodes = map[Algorithm]uint64{
	BLAKE3: multihash.BLAKE3,
	SHA256: multihash.SHA2_256,
}

// ToCIDv1 renders id as a multiformats CIDv1 with the raw codec, so objects
// can be cross-referenced with IPFS-style tooling.
func (id ID) ToCIDv1() (string, error) {
	code, ok := multihashCodes[id.Algorithm]
	if !ok {
		return "", errors.NewInvalidRequestError("no multihash code for algorithm %q", id.Algorithm)
	}
	mh, err := multihash.Encode(id.Digest[:], code)
	if err != nil {
		return "", errors.Wrap(err, "encode multihash")
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// FromCIDv1 parses a CIDv1 string whose multihash is one of the supported algorithms.
func FromCIDv1(s string) (ID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return ID{}, errors.Mark(errors.Wrapf(err, "decode cid %q", s), errors.ErrInvalidRequest)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return ID{}, errors.Mark(errors.Wrapf(err, "decode multihash of %q", s), errors.ErrInvalidRequest)
	}

	for alg, code := range multihashCodes {
		if code != decoded.Code {
			continue
		}
		if len(decoded.Digest) != DigestSize {
			return ID{}, errors.NewInvalidRequestError("cid %q: digest is %d bytes, want %d", s, len(decoded.Digest), DigestSize)
		}
		id := ID{Algorithm: alg}
		copy(id.Digest[:], decoded.Digest)
		return id, nil
	}
	return ID{}, errors.NewInvalidRequestError("cid %q: unsupported multihash %s", s, decoded.Name)
}

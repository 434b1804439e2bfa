package delta

import (
	"bytes"
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/multiformats/go-varint"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

const (
	payloadMagic   = "THDP"
	payloadVersion = 1

	flagSnappy byte = 1 << 0
	knownFlags      = flagSnappy
)

const (
	// MaxPayloadEntries bounds the manifest count accepted by DecodePayload.
	MaxPayloadEntries = 100_000

	// MaxPayloadBytes bounds the uncompressed body size.
	MaxPayloadBytes = 64 << 20
)

// EncodeOptions controls payload encoding.
type EncodeOptions struct {
	// Compress snappy-compresses the body.
	Compress bool
}

// EncodePayload bundles deltas into one payload:
//
//	"THDP" | version | flags | uvarint count | count x uvarint end offset | body
//
// The body is the concatenated JSON records; offsets index the uncompressed
// body. Equal input and options give equal bytes.
func EncodePayload(deltas []Delta, opts EncodeOptions) ([]byte, error) {
	if len(deltas) == 0 {
		return nil, errors.NewInvalidRequestError("payload needs at least one delta")
	}
	if len(deltas) > MaxPayloadEntries {
		return nil, errors.NewInvalidRequestError("payload has %d deltas, limit %d", len(deltas), MaxPayloadEntries)
	}

	var body bytes.Buffer
	offsets := make([]uint64, len(deltas))
	for i, d := range deltas {
		if err := d.Validate(); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "delta %d", i), errors.ErrInvalidRequest)
		}
		rec, err := marshalRecord(d)
		if err != nil {
			return nil, errors.Wrapf(err, "encode delta %d", i)
		}
		body.Write(rec)
		offsets[i] = uint64(body.Len())
	}
	if body.Len() > MaxPayloadBytes {
		return nil, errors.NewInvalidRequestError("payload body is %d bytes, limit %d", body.Len(), MaxPayloadBytes)
	}

	var flags byte
	bodyBytes := body.Bytes()
	if opts.Compress {
		flags |= flagSnappy
		bodyBytes = snappy.Encode(nil, bodyBytes)
	}

	out := make([]byte, 0, len(payloadMagic)+2+(len(offsets)+1)*varint.MaxLenUvarint63+len(bodyBytes))
	out = append(out, payloadMagic...)
	out = append(out, payloadVersion, flags)
	out = append(out, varint.ToUvarint(uint64(len(deltas)))...)
	for _, off := range offsets {
		out = append(out, varint.ToUvarint(off)...)
	}
	out = append(out, bodyBytes...)
	return out, nil
}

// DecodePayload parses a payload. Any framing or record fault rejects the
// whole payload with an error marked ErrMalformedPayload.
func DecodePayload(b []byte) ([]Delta, error) {
	if len(b) < len(payloadMagic)+2 || string(b[:len(payloadMagic)]) != payloadMagic {
		return nil, malformed("payload: bad magic")
	}
	version, flags := b[len(payloadMagic)], b[len(payloadMagic)+1]
	if version != payloadVersion {
		return nil, malformed("payload: unsupported version %d", version)
	}
	if flags&^knownFlags != 0 {
		return nil, malformed("payload: unknown flags %#x", flags)
	}
	rest := b[len(payloadMagic)+2:]

	count, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "payload: bad entry count"), errors.ErrMalformedPayload)
	}
	rest = rest[n:]
	if count == 0 || count > MaxPayloadEntries {
		return nil, malformed("payload: entry count %d out of range", count)
	}

	offsets := make([]uint64, count)
	var prev uint64
	for i := range offsets {
		off, n, err := varint.FromUvarint(rest)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "payload: bad offset %d", i), errors.ErrMalformedPayload)
		}
		rest = rest[n:]
		if off <= prev || off > MaxPayloadBytes {
			return nil, malformed("payload: offset %d (%d) not increasing", i, off)
		}
		offsets[i], prev = off, off
	}
	bodyLen := offsets[count-1]

	body := rest
	if flags&flagSnappy != 0 {
		n, err := snappy.DecodedLen(rest)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "payload: corrupt compressed body"), errors.ErrMalformedPayload)
		}
		if uint64(n) != bodyLen {
			return nil, malformed("payload: compressed body decodes to %d bytes, manifest says %d", n, bodyLen)
		}
		body, err = snappy.Decode(nil, rest)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "payload: corrupt compressed body"), errors.ErrMalformedPayload)
		}
	}
	if uint64(len(body)) != bodyLen {
		return nil, malformed("payload: body is %d bytes, manifest says %d", len(body), bodyLen)
	}

	deltas := make([]Delta, count)
	var start uint64
	for i, end := range offsets {
		var d Delta
		if err := json.Unmarshal(body[start:end], &d); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "payload: record %d", i), errors.ErrMalformedPayload)
		}
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "payload: record %d", i)
		}
		deltas[i] = d
		start = end
	}
	return deltas, nil
}

// PayloadCID is the content address of encoded payload bytes.
func PayloadCID(b []byte) content.ID {
	return content.Sum(b)
}

func marshalRecord(d Delta) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

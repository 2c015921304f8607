package metadb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	replaybridge "github.com/wolfeidau/replay-bridge"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 4 * 1024 * 1024

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1
)

// ContentEncoding identifies how an envelope payload is encoded.
type ContentEncoding uint64

const (
	EncodingIdentity ContentEncoding = 0
	EncodingZstd     ContentEncoding = 1
)

// envelope field numbers
const (
	fieldVersion  protowire.Number = 1
	fieldEncoding protowire.Number = 2
	fieldPayload  protowire.Number = 3
	fieldDigest   protowire.Number = 4
	fieldSize     protowire.Number = 5
	fieldStoredAt protowire.Number = 6
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when the envelope or its payload digest is invalid.
	ErrCorrupted = errors.New("envelope corrupted")
)

// Envelope wraps a stored value with its encoding, digest and timestamps.
// It is serialised with the protobuf wire format.
type Envelope struct {
	Version  uint64
	Encoding ContentEncoding
	Payload  []byte
	Digest   replaybridge.Hash
	Size     uint64
	StoredAt time.Time
}

// EnvelopeCodec handles envelope encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type EnvelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewEnvelopeCodec creates a new codec with pooled zstd encoder/decoder.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EnvelopeCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *EnvelopeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Seal wraps data in an envelope, compressing it when that saves space,
// and returns the wire bytes.
func (c *EnvelopeCodec) Seal(data []byte, storedAt time.Time) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := Envelope{
		Version:  CurrentEnvelopeVersion,
		Encoding: EncodingIdentity,
		Payload:  data,
		Digest:   replaybridge.HashBytes(data),
		Size:     uint64(len(data)),
		StoredAt: storedAt,
	}

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				env.Payload = compressed
				env.Encoding = EncodingZstd
			}
		}
	}

	return env.Marshal(), nil
}

// Open decodes wire bytes produced by Seal, verifying the payload digest.
func (c *EnvelopeCodec) Open(raw []byte) ([]byte, *Envelope, error) {
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return nil, nil, err
	}

	data := env.Payload
	switch env.Encoding {
	case EncodingIdentity:
	case EncodingZstd:
		if env.Size > MaxPayloadSize {
			return nil, nil, ErrDecompressionBomb
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, nil, errors.New("decoder not initialized")
		}
		data, err = dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing payload: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported encoding: %d", env.Encoding)
	}

	if replaybridge.HashBytes(data) != env.Digest {
		return nil, nil, ErrCorrupted
	}
	return data, env, nil
}

// Marshal encodes the envelope with the protobuf wire format.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+64)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Encoding))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Digest[:])
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Size)
	if !e.StoredAt.IsZero() {
		b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.StoredAt.UnixMilli()))
	}
	return b
}

// UnmarshalEnvelope decodes protobuf wire bytes. Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupted(n)
		}
		b = b[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType,
			num == fieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupted(n)
			}
			b = b[n:]
			if num == fieldPayload {
				env.Payload = append([]byte(nil), v...)
				continue
			}
			if len(v) != replaybridge.HashSize {
				return nil, fmt.Errorf("%w: digest length %d", ErrCorrupted, len(v))
			}
			copy(env.Digest[:], v)

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupted(n)
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				env.Version = v
			case fieldEncoding:
				env.Encoding = ContentEncoding(v)
			case fieldSize:
				env.Size = v
			case fieldStoredAt:
				env.StoredAt = time.UnixMilli(int64(v)).UTC()
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupted(n)
			}
			b = b[n:]
		}
	}

	if env.Version == 0 || env.Version > CurrentEnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, env.Version)
	}
	return env, nil
}

func corrupted(n int) error {
	return fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
}

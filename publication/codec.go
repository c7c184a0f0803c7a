package publication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/clusterd/statepub/cfg"
	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/encoding"
	"github.com/clusterd/statepub/telemetry"
)

// PayloadType is the first byte of every publish payload. The three variants
// are a closed set: a new variant requires updating every switch over it.
type PayloadType byte

const (
	// PayloadDiff carries a compressed state diff.
	PayloadDiff PayloadType = 0

	// PayloadFull carries a compressed full cluster state.
	PayloadFull PayloadType = 1

	// PayloadLocal carries only the origin state's UUID; the state itself is
	// handed over in-process on the coordinator.
	PayloadLocal PayloadType = 2
)

func (t PayloadType) String() string {
	switch t {
	case PayloadDiff:
		return "diff"
	case PayloadFull:
		return "full"
	case PayloadLocal:
		return "local"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// checksumSize is the xxhash64 of the compressed body, written after the type
// byte so receive-side corruption is detected before decompression.
const checksumSize = 8

// SerializationStats are the running serialization size aggregates, kept
// separately for full states and diffs.
type SerializationStats struct {
	FullCount             uint64
	FullUncompressedBytes uint64
	FullCompressedBytes   uint64
	DiffCount             uint64
	DiffUncompressedBytes uint64
	DiffCompressedBytes   uint64
}

// Codec turns cluster states and diffs into self-describing, compressed,
// checksummed wire payloads and parses them back. Safe for concurrent use.
type Codec struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool

	// statsMu guards all six counters together so snapshots are mutually
	// consistent across concurrent serializations.
	statsMu sync.Mutex
	stats   SerializationStats
}

// NewCodec creates a codec with the configured compression level.
func NewCodec() *Codec {
	return NewCodecWithLevel(configLevelToZstd(cfg.Config.Publication.CompressionLevel))
}

// NewCodecWithLevel creates a codec with an explicit zstd level.
func NewCodecWithLevel(level zstd.EncoderLevel) *Codec {
	return &Codec{level: level}
}

// configLevelToZstd maps config levels (0-4) to zstd.EncoderLevel. Level 0
// (compression "disabled") still compresses state payloads at the fastest
// setting; the flag only disables transport-level compression.
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// SerializeFullState encodes a full state for the destination's wire version.
func (c *Codec) SerializeFullState(state *cluster.ClusterState, destination *cluster.Node) (*Payload, error) {
	payload, uncompressed, err := c.serialize(PayloadFull, destination.WireVersion, func(w io.Writer) error {
		return state.WriteTo(w, destination.WireVersion)
	})
	if err != nil {
		return nil, fmt.Errorf("serializing full cluster state for %s: %w", destination, err)
	}

	c.recordFull(uint64(uncompressed), uint64(payload.Len()))
	return payload, nil
}

// SerializeDiff encodes a diff for the destination's wire version.
func (c *Codec) SerializeDiff(diff *cluster.StateDiff, destination *cluster.Node) (*Payload, error) {
	payload, uncompressed, err := c.serialize(PayloadDiff, destination.WireVersion, func(w io.Writer) error {
		return diff.WriteTo(w, destination.WireVersion)
	})
	if err != nil {
		return nil, fmt.Errorf("serializing cluster state diff for %s: %w", destination, err)
	}

	c.recordDiff(uint64(uncompressed), uint64(payload.Len()))
	return payload, nil
}

// SerializeLocal encodes the minimal self-publish payload: just the origin
// state's UUID, uncompressed.
func (c *Codec) SerializeLocal(stateUUID string) (*Payload, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(PayloadLocal))
	if err := encoding.MarshalTo(&buf, stateUUID); err != nil {
		return nil, fmt.Errorf("serializing local publish payload: %w", err)
	}
	return NewPayload(buf.Bytes(), PayloadLocal, nil), nil
}

// serialize writes [type byte][checksum][zstd([wire version][body])] and
// returns the payload plus the uncompressed body size. The wire version is a
// fixed 4-byte big-endian prefix of the compressed stream so the decoder can
// split it from the msgpack body without read-ahead.
func (c *Codec) serialize(t PayloadType, dest cluster.WireVersion, writeBody func(io.Writer) error) (*Payload, int64, error) {
	start := time.Now()

	var buf bytes.Buffer
	buf.WriteByte(byte(t))
	buf.Write(make([]byte, checksumSize)) // checksum backfilled below

	enc := c.getEncoder(&buf)
	counting := &countingWriter{w: enc}

	var versionTag [4]byte
	binary.BigEndian.PutUint32(versionTag[:], uint32(dest))
	_, err := counting.Write(versionTag[:])
	if err == nil {
		err = writeBody(counting)
	}
	closeErr := enc.Close()
	c.encoderPool.Put(enc)
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, 0, err
	}

	data := buf.Bytes()
	sum := xxhash.Sum64(data[1+checksumSize:])
	binary.LittleEndian.PutUint64(data[1:1+checksumSize], sum)

	telemetry.SerializeSeconds.Observe(time.Since(start).Seconds())
	return NewPayload(data, t, nil), counting.n, nil
}

// DecodePayload validates and opens an incoming publish payload. For FULL and
// DIFF the returned reader is positioned at the body, after the wire version
// tag has been read and checked. For LOCAL the reader yields the raw
// msgpack-encoded UUID.
func (c *Codec) DecodePayload(data []byte) (PayloadType, io.Reader, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("empty publish payload")
	}

	t := PayloadType(data[0])
	switch t {
	case PayloadLocal:
		return t, bytes.NewReader(data[1:]), nil

	case PayloadFull, PayloadDiff:
		if len(data) < 1+checksumSize {
			return 0, nil, fmt.Errorf("truncated %s payload: %d bytes", t, len(data))
		}
		body := data[1+checksumSize:]
		expected := binary.LittleEndian.Uint64(data[1 : 1+checksumSize])
		if actual := xxhash.Sum64(body); actual != expected {
			return 0, nil, fmt.Errorf("%s payload checksum mismatch: got %x want %x", t, actual, expected)
		}

		uncompressed, err := c.decompress(body)
		if err != nil {
			return 0, nil, fmt.Errorf("decompressing %s payload: %w", t, err)
		}
		if len(uncompressed) < 4 {
			return 0, nil, fmt.Errorf("truncated %s payload body: %d bytes", t, len(uncompressed))
		}

		version := cluster.WireVersion(binary.BigEndian.Uint32(uncompressed[:4]))
		if !version.Compatible() {
			return 0, nil, fmt.Errorf("unsupported wire version %d in %s payload", version, t)
		}
		return t, bytes.NewReader(uncompressed[4:]), nil

	default:
		return 0, nil, fmt.Errorf("unknown payload type %d", byte(t))
	}
}

// ReadLocalUUID reads the UUID from a LOCAL payload body.
func ReadLocalUUID(body io.Reader) (string, error) {
	var uuid string
	if err := encoding.UnmarshalFrom(body, &uuid); err != nil {
		return "", fmt.Errorf("reading local publish uuid: %w", err)
	}
	return uuid, nil
}

// Stats returns a consistent snapshot of the serialization aggregates.
func (c *Codec) Stats() SerializationStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Codec) recordFull(uncompressed, compressed uint64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.FullCount++
	c.stats.FullUncompressedBytes += uncompressed
	c.stats.FullCompressedBytes += compressed
}

func (c *Codec) recordDiff(uncompressed, compressed uint64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.DiffCount++
	c.stats.DiffUncompressedBytes += uncompressed
	c.stats.DiffCompressedBytes += compressed
}

func (c *Codec) getEncoder(w io.Writer) *zstd.Encoder {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return enc
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		// zstd.NewWriter only fails on invalid options
		panic(fmt.Sprintf("creating zstd encoder: %v", err))
	}
	return enc
}

// decompress inflates a payload body with a pooled decoder.
func (c *Codec) decompress(body []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok {
		var err error
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer c.decoderPool.Put(dec)

	return dec.DecodeAll(body, nil)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(data []byte) (int, error) {
	n, err := cw.w.Write(data)
	cw.n += int64(n)
	return n, err
}

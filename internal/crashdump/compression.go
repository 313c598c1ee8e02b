package crashdump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression of a dump body.
type Compression uint8

const (
	// CompressionNone stores blocks as-is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression (better ratio; reference
	// count tables are mostly zeros and ones, so this is the default).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a name produced by String back to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("crashdump: unknown compression %q", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(defaultBlockSize))
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Block format: [UncompressedSize uint32][CompressedSize uint32][Data...]
// CompressedSize == 0 means Data is stored uncompressed.
const blockHeaderSize = 8

// defaultBlockSize bounds the memory a reader needs per block.
const defaultBlockSize = 256 * 1024

// maxCompressedBlock is the largest payload a writer can emit for one block.
var maxCompressedBlock = lz4.CompressBlockBound(defaultBlockSize)

var (
	errShortBlock   = errors.New("crashdump: block too small for header")
	errSizeMismatch = errors.New("crashdump: decompressed size mismatch")
)

func compressBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	var err error

	switch c {
	case CompressionLZ4:
		compressed, err = compressBlockLZ4(data)
	case CompressionZSTD:
		compressed = compressBlockZSTD(data)
	}
	if err != nil {
		return nil, err
	}

	// Store uncompressed if compression is off or does not pay for itself.
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		result := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(result[4:], 0)
		copy(result[blockHeaderSize:], data)
		return result, nil
	}

	result := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[4:], uint32(len(compressed)))
	copy(result[blockHeaderSize:], compressed)
	return result, nil
}

func compressBlockLZ4(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return compressed[:n], nil
}

func compressBlockZSTD(data []byte) []byte {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)

	return enc.EncodeAll(data, nil)
}

func decompressBlock(payload []byte, uncompressedSize uint32, c Compression) ([]byte, error) {
	result := make([]byte, uncompressedSize)

	switch c {
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		decoded, err := dec.DecodeAll(payload, result[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, errSizeMismatch
		}
		return decoded, nil

	case CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, result)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, errSizeMismatch
		}
		return result, nil

	default:
		return nil, fmt.Errorf("crashdump: compressed block with %s", c)
	}
}

// blockWriter buffers writes and emits one compressed block per blockSize bytes.
type blockWriter struct {
	w           io.Writer
	compression Compression
	blockSize   int
	buffer      *bytes.Buffer
	written     int64
}

func newBlockWriter(w io.Writer, c Compression, blockSize int) *blockWriter {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &blockWriter{
		w:           w,
		compression: c,
		blockSize:   blockSize,
		buffer:      bytes.NewBuffer(make([]byte, 0, blockSize)),
	}
}

func (bw *blockWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := bw.blockSize - bw.buffer.Len()
		if space <= 0 {
			if err := bw.flushBlock(); err != nil {
				return total, err
			}
			space = bw.blockSize
		}

		n, _ := bw.buffer.Write(p[:min(len(p), space)])
		total += n
		p = p[n:]
	}
	return total, nil
}

func (bw *blockWriter) flushBlock() error {
	if bw.buffer.Len() == 0 {
		return nil
	}

	block, err := compressBlock(bw.buffer.Bytes(), bw.compression)
	if err != nil {
		return err
	}

	n, err := bw.w.Write(block)
	bw.written += int64(n)
	if err != nil {
		return err
	}
	bw.buffer.Reset()
	return nil
}

func (bw *blockWriter) Flush() error {
	return bw.flushBlock()
}

// readBlocks decodes blocks from r until want bytes have been produced.
// want comes from an untrusted header, so out grows only as blocks arrive.
func readBlocks(r io.Reader, want uint64, c Compression) ([]byte, error) {
	out := make([]byte, 0, min(want, defaultBlockSize))
	var hdr [blockHeaderSize]byte

	for uint64(len(out)) < want {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errShortBlock
			}
			return nil, err
		}
		uncompressedSize := binary.LittleEndian.Uint32(hdr[0:])
		compressedSize := binary.LittleEndian.Uint32(hdr[4:])

		if uncompressedSize == 0 || uncompressedSize > defaultBlockSize {
			return nil, fmt.Errorf("%w: block of %d bytes", ErrCorrupt, uncompressedSize)
		}
		if uint64(uncompressedSize) > want-uint64(len(out)) {
			return nil, fmt.Errorf("%w: block of %d bytes overruns body", ErrCorrupt, uncompressedSize)
		}
		if int64(compressedSize) > int64(maxCompressedBlock) {
			return nil, fmt.Errorf("%w: compressed block of %d bytes", ErrCorrupt, compressedSize)
		}

		if compressedSize == 0 {
			start := len(out)
			out = slices.Grow(out, int(uncompressedSize))[:start+int(uncompressedSize)]
			if _, err := io.ReadFull(r, out[start:]); err != nil {
				return nil, fmt.Errorf("crashdump: read stored block: %w", err)
			}
			continue
		}

		payload := make([]byte, compressedSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("crashdump: read compressed block: %w", err)
		}
		block, err := decompressBlock(payload, uncompressedSize, c)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}

	return out, nil
}

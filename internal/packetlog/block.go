package packetlog

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// syncMarker is the tail of every deflate sync flush. Writers strip it from
// each block and readers put it back before inflating.
var syncMarker = [4]byte{0x00, 0x00, 0xFF, 0xFF}

// DefaultStagingSize is the uncompressed staging capacity of a block encoder.
const DefaultStagingSize = 64 * 1024

// BlockEncoder frames serialized records into compressed blocks. Bytes are
// staged uncompressed and emitted as one block once staging reaches half its
// capacity.
type BlockEncoder struct {
	codec    Compression
	capacity int
	staging  []byte
	scratch  bytes.Buffer
	deflater *flate.Writer
}

// NewBlockEncoder returns an encoder for a compressed codec.
func NewBlockEncoder(codec Compression, capacity int) (*BlockEncoder, error) {
	if capacity <= 0 {
		capacity = DefaultStagingSize
	}
	e := &BlockEncoder{
		codec:    codec,
		capacity: capacity,
		staging:  make([]byte, 0, capacity),
	}
	switch codec {
	case CompressionDeflate:
		fw, err := flate.NewWriter(&e.scratch, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("create deflater: %w", err)
		}
		e.deflater = fw
	case CompressionSnappy:
	default:
		return nil, fmt.Errorf("no block codec for %s", codec)
	}
	return e, nil
}

// Staged is the number of uncompressed bytes waiting for the next block.
func (e *BlockEncoder) Staged() int { return len(e.staging) }

// Write stages p and flushes a block to w when the threshold is reached. It
// returns the number of bytes written to w.
func (e *BlockEncoder) Write(w io.Writer, p []byte) (int, error) {
	e.staging = append(e.staging, p...)
	if len(e.staging) < e.capacity/2 {
		return 0, nil
	}
	return e.Flush(w)
}

// Flush emits everything staged as one block. Nothing is written when the
// staging buffer is empty.
func (e *BlockEncoder) Flush(w io.Writer) (int, error) {
	if len(e.staging) == 0 {
		return 0, nil
	}
	block, err := e.compress()
	if err != nil {
		return 0, err
	}
	e.staging = e.staging[:0]

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(block)))
	n, err := w.Write(prefix[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(block)
	return n + m, err
}

// Close flushes the final block and writes the section terminator.
func (e *BlockEncoder) Close(w io.Writer) (int, error) {
	n, err := e.Flush(w)
	if err != nil {
		return n, err
	}
	var term [4]byte
	binary.LittleEndian.PutUint32(term[:], blockTerminator)
	m, err := w.Write(term[:])
	return n + m, err
}

func (e *BlockEncoder) compress() ([]byte, error) {
	if e.codec == CompressionSnappy {
		return snappy.Encode(nil, e.staging), nil
	}

	e.scratch.Reset()
	if _, err := e.deflater.Write(e.staging); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := e.deflater.Flush(); err != nil {
		return nil, fmt.Errorf("deflate sync flush: %w", err)
	}
	out := e.scratch.Bytes()
	if !bytes.HasSuffix(out, syncMarker[:]) {
		return nil, fmt.Errorf("deflate sync flush did not end on a sync marker")
	}
	return out[:len(out)-len(syncMarker)], nil
}

// blockSource exposes the compressed bytes of a block section as one deflate
// stream: block payloads in order, each followed by the sync marker. It
// reports io.EOF once the terminator has been read.
type blockSource struct {
	r          io.Reader
	remaining  uint32
	marker     []byte
	terminated bool
	lenBuf     [4]byte
}

func (s *blockSource) nextBlock() error {
	if _, err := io.ReadFull(s.r, s.lenBuf[:]); err != nil {
		return unexpected(err)
	}
	n := binary.LittleEndian.Uint32(s.lenBuf[:])
	if n == blockTerminator {
		s.terminated = true
		return io.EOF
	}
	s.remaining = n
	s.marker = syncMarker[:]
	return nil
}

func (s *blockSource) Read(p []byte) (int, error) {
	for {
		if s.terminated {
			return 0, io.EOF
		}
		if s.remaining > 0 {
			if uint32(len(p)) > s.remaining {
				p = p[:s.remaining]
			}
			n, err := s.r.Read(p)
			s.remaining -= uint32(n)
			if err == io.EOF && s.remaining > 0 {
				err = io.ErrUnexpectedEOF
			} else if err == io.EOF {
				err = nil
			}
			return n, err
		}
		if len(s.marker) > 0 {
			n := copy(p, s.marker)
			s.marker = s.marker[n:]
			return n, nil
		}
		if err := s.nextBlock(); err != nil {
			return 0, err
		}
	}
}

func (s *blockSource) ReadByte() (byte, error) {
	var b [1]byte
	for {
		n, err := s.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// blockDecoder turns a block section back into the serialized record stream.
type blockDecoder struct {
	codec    Compression
	src      *blockSource
	inflater io.ReadCloser
	inflated bytes.Buffer
	done     bool
}

func newBlockDecoder(r io.Reader, codec Compression) (*blockDecoder, error) {
	d := &blockDecoder{codec: codec, src: &blockSource{r: r}}
	switch codec {
	case CompressionDeflate:
		d.inflater = flate.NewReader(d.src)
	case CompressionSnappy:
	default:
		return nil, fmt.Errorf("no block codec for %s", codec)
	}
	return d, nil
}

// fill inflates until at least n bytes are buffered or the section ends.
func (d *blockDecoder) fill(n int) error {
	for d.inflated.Len() < n && !d.done {
		if err := d.step(); err != nil {
			return err
		}
	}
	return nil
}

func (d *blockDecoder) step() error {
	if d.codec == CompressionSnappy {
		if err := d.src.nextBlock(); err != nil {
			if err == io.EOF {
				d.done = true
				return nil
			}
			return err
		}
		compressed := make([]byte, d.src.remaining)
		if _, err := io.ReadFull(d.src.r, compressed); err != nil {
			return unexpected(err)
		}
		d.src.remaining = 0
		decoded, err := snappy.Decode(nil, compressed)
		if err != nil {
			return fmt.Errorf("snappy block: %w", err)
		}
		d.inflated.Write(decoded)
		return nil
	}

	var chunk [4096]byte
	n, err := d.inflater.Read(chunk[:])
	d.inflated.Write(chunk[:n])
	switch {
	case err == nil:
		return nil
	case d.src.terminated && (err == io.EOF || err == io.ErrUnexpectedEOF):
		// A sync-flushed stream never carries a final block, so the
		// inflater sees the terminator as an unexpected end.
		d.done = true
		return nil
	default:
		return fmt.Errorf("inflate: %w", err)
	}
}

// Read implements io.Reader over the decompressed record stream.
func (d *blockDecoder) Read(p []byte) (int, error) {
	if err := d.fill(len(p)); err != nil {
		return 0, err
	}
	if d.inflated.Len() == 0 {
		return 0, io.EOF
	}
	return d.inflated.Read(p)
}

// buffered reports whether at least n decompressed bytes are available,
// inflating more as needed.
func (d *blockDecoder) buffered(n int) (bool, error) {
	if err := d.fill(n); err != nil {
		return false, err
	}
	return d.inflated.Len() >= n, nil
}

func (d *blockDecoder) Close() error {
	if d.inflater != nil {
		return d.inflater.Close()
	}
	return nil
}

package packetlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// ReaderOptions describe a packet section that is read without a Header.
type ReaderOptions struct {
	Version     uint8
	Compression Compression
	// Length is the number of bytes between the current position of the
	// stream and the start of the footer.
	Length int64
}

// Reader is a single-pass, forward-only sequence of the records of a log.
// A Reader is not safe for concurrent use; after it has returned an error it
// keeps returning that error.
type Reader struct {
	name   string
	layout Layout
	codec  Compression

	raw       io.Reader
	remaining int64

	dec    *blockDecoder
	closer io.Closer
	err    error
}

// Open returns a Reader over the packets of a validated log.
func Open(h *Header) (*Reader, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, &IterationError{File: h.Path, Err: err}
	}
	length := h.FooterStart - int64(h.HeaderSize)
	section := io.NewSectionReader(f, int64(h.HeaderSize), length)
	r, err := NewReader(bufio.NewReaderSize(section, 64*1024), h.Path, ReaderOptions{
		Version:     h.Version,
		Compression: h.Compression,
		Length:      length,
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader returns a Reader over a stream already positioned at the first
// record. name only labels errors.
func NewReader(r io.Reader, name string, opts ReaderOptions) (*Reader, error) {
	l, err := LayoutFor(opts.Version)
	if err != nil {
		return nil, &IterationError{File: name, Err: err}
	}
	if opts.Length < 0 {
		return nil, &IterationError{File: name, Err: fmt.Errorf("negative section length %d", opts.Length)}
	}
	if _, ok := compressionNames[opts.Compression]; !ok {
		return nil, &IterationError{File: name, Err: fmt.Errorf("unknown %s", opts.Compression)}
	}
	return &Reader{
		name:      name,
		layout:    l,
		codec:     opts.Compression,
		raw:       io.LimitReader(r, opts.Length),
		remaining: opts.Length,
	}, nil
}

func (r *Reader) fail(err error) error {
	var ie *IterationError
	if !errors.As(err, &ie) {
		err = &IterationError{File: r.name, Err: err}
	}
	r.err = err
	return err
}

// Err returns the error that stopped the reader, if any.
func (r *Reader) Err() error { return r.err }

// HasNext reports whether another record is available. It returns false
// both at the end of the log and on failure; Err tells them apart.
func (r *Reader) HasNext() bool {
	if r.err != nil {
		return false
	}
	if r.codec == CompressionNone {
		return r.remaining >= int64(r.layout.MinRecordSize())
	}
	if r.dec == nil {
		dec, err := newBlockDecoder(r.raw, r.codec)
		if err != nil {
			r.fail(err)
			return false
		}
		r.dec = dec
	}
	ok, err := r.dec.buffered(r.layout.MinRecordSize())
	if err != nil {
		r.fail(err)
		return false
	}
	return ok
}

// Next returns the next record, or io.EOF once the log is exhausted.
func (r *Reader) Next() (Record, error) {
	if r.err != nil {
		return Record{}, r.err
	}
	if !r.HasNext() {
		if r.err != nil {
			return Record{}, r.err
		}
		return Record{}, io.EOF
	}

	var src io.Reader = r.dec
	if r.codec == CompressionNone {
		src = r.raw
	}
	rec, err := readRecord(src, r.layout)
	if err != nil {
		return Record{}, r.fail(unexpected(err))
	}
	if r.codec == CompressionNone {
		r.remaining -= int64(r.layout.MinRecordSize() + len(rec.Body))
	}
	return rec, nil
}

// All yields every remaining record. Iteration stops at the first error,
// which is yielded with a zero Record; cancellation of ctx is checked before
// each record and yields ctx.Err().
func (r *Reader) All(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for r.HasNext() {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			rec, err := r.Next()
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if r.err != nil {
			yield(Record{}, r.err)
		}
	}
}

// Close releases the file opened by Open.
func (r *Reader) Close() error {
	var err error
	if r.dec != nil {
		err = r.dec.Close()
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	if r.err == nil {
		r.err = &IterationError{File: r.name, Err: os.ErrClosed}
	}
	return err
}

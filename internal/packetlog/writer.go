package packetlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// File is the storage a Writer records into. *os.File satisfies it.
type File interface {
	io.Writer
	io.WriterAt
	Sync() error
	Close() error
}

// WriterOptions control the header of a new log.
type WriterOptions struct {
	Created     time.Time
	Service     ServiceType
	Compression Compression
	// StagingSize is the block encoder staging capacity; zero selects
	// DefaultStagingSize.
	StagingSize int
}

// Session carries what is only known once a connection is over.
type Session struct {
	ProtocolVersion int32
	AltModes        []string
}

// ErrWriterClosed is returned by Write after Finalize or Abort.
var ErrWriterClosed = errors.New("packet log writer is closed")

// Writer records packets of one connection into one log file. It is not safe
// for concurrent use.
type Writer struct {
	f      File
	bw     *bufio.Writer
	name   string
	layout Layout
	enc    *BlockEncoder

	pos     int64
	packets uint32
	bytes   uint64
	client  Histogram
	server  Histogram
	scratch []byte

	closed bool
}

// Create creates path, which must not exist yet, and writes an incomplete header.
func Create(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create packet log: %w", err)
	}
	w, err := NewWriter(f, path, opts)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return w, nil
}

// NewWriter starts a log on f, which must be empty, by writing a header
// tagged MagicIncomplete.
func NewWriter(f File, name string, opts WriterOptions) (*Writer, error) {
	w := &Writer{
		f:      f,
		bw:     bufio.NewWriterSize(f, 64*1024),
		name:   name,
		layout: CurrentLayout(),
		client: Histogram{},
		server: Histogram{},
	}
	if opts.Compression != CompressionNone {
		enc, err := NewBlockEncoder(opts.Compression, opts.StagingSize)
		if err != nil {
			return nil, err
		}
		w.enc = enc
	}

	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	hdr := appendHeader(nil, w.layout, rawHeader{
		Magic:           MagicIncomplete,
		Version:         w.layout.Version,
		HeaderSize:      w.layout.HeaderSize,
		FooterSize:      0,
		FooterStart:     -1,
		Created:         toMillis(created),
		IsLogin:         opts.Service == ServiceLogin,
		ProtocolVersion: UnknownProtocolVersion,
		Compression:     opts.Compression,
	})
	if err := w.write(hdr); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	// The header must reach the file even if no packet ever follows.
	if err := w.bw.Flush(); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// Name is the file name given at creation.
func (w *Writer) Name() string { return w.name }

// Packets is the number of packets recorded so far.
func (w *Writer) Packets() uint32 { return w.packets }

// PacketBytes is the total body size recorded so far.
func (w *Writer) PacketBytes() uint64 { return w.bytes }

// Opcodes returns the running histogram of an endpoint.
func (w *Writer) Opcodes(e Endpoint) Histogram {
	if e == Client {
		return w.client
	}
	return w.server
}

func (w *Writer) write(p []byte) error {
	n, err := w.bw.Write(p)
	w.pos += int64(n)
	return err
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.packets == math.MaxUint32 {
		return fmt.Errorf("packet log %s is full", w.name)
	}
	var err error
	w.scratch, err = AppendRecord(w.scratch[:0], w.layout, rec)
	if err != nil {
		return err
	}
	if w.enc != nil {
		n, err := w.enc.Write(w.bw, w.scratch)
		w.pos += int64(n)
		if err != nil {
			return err
		}
	} else if err := w.write(w.scratch); err != nil {
		return err
	}

	w.packets++
	w.bytes += uint64(len(rec.Body))
	w.Opcodes(rec.Endpoint).Observe(rec.Endpoint, rec.Body)
	return nil
}

// Finalize completes the log and closes the file. The magic value is flipped
// to MagicValid as the very last write, so a crash at any earlier point
// leaves the file recognisably incomplete. Calling Finalize again is a no-op.
func (w *Writer) Finalize(s Session) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.finalize(s); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("finalize %s: %w", w.name, err)
	}
	return nil
}

func (w *Writer) finalize(s Session) error {
	if w.enc != nil {
		n, err := w.enc.Close(w.bw)
		w.pos += int64(n)
		if err != nil {
			return fmt.Errorf("flush final block: %w", err)
		}
	}

	footerStart := w.pos
	ftr, err := appendFooter(nil, w.layout, footer{
		TotalPackets: w.packets,
		Client:       w.client,
		Server:       w.server,
		AltModes:     normalizeAltModes(s.AltModes),
	})
	if err != nil {
		return err
	}
	if err := w.write(ftr); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}

	var sizes [12]byte
	binary.LittleEndian.PutUint32(sizes[0:], uint32(len(ftr)))
	binary.LittleEndian.PutUint64(sizes[4:], uint64(footerStart))
	if _, err := w.f.WriteAt(sizes[:], offFooterSize); err != nil {
		return fmt.Errorf("patch footer location: %w", err)
	}

	var totals [12]byte
	binary.LittleEndian.PutUint32(totals[0:], uint32(s.ProtocolVersion))
	binary.LittleEndian.PutUint64(totals[4:], w.bytes)
	if _, err := w.f.WriteAt(totals[:], offProtocolVersion); err != nil {
		return fmt.Errorf("patch totals: %w", err)
	}

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], MagicValid)
	if _, err := w.f.WriteAt(magic[:], offMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return w.f.Close()
}

// Abort closes the file without finalizing it. The log stays tagged
// MagicIncomplete.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

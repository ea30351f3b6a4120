package packetlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// ReadHeader validates the log at path and returns its description.
//
// Failures are *MetadataError values wrapping one of the Err* sentinels.
// Cancellation of ctx is checked between steps and returned as ctx.Err().
func ReadHeader(ctx context.Context, path string) (*Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, metaErr(path, ErrFilesizeMeasure, err, "")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, metaErr(path, ErrFilesizeMeasure, err, "")
	}
	size := info.Size()
	if size < minLeadSize {
		return nil, metaErr(path, ErrInsufficientlyLargeFile, nil, "%d bytes", size)
	}

	var lead [minLeadSize]byte
	if _, err := f.ReadAt(lead[:], 0); err != nil {
		return nil, metaErr(path, ErrTruncatedLog, err, "reading magic")
	}
	switch binary.LittleEndian.Uint64(lead[offMagic:]) {
	case MagicValid:
	case MagicIncomplete:
		return nil, metaErr(path, ErrIncompleteLog, nil, "")
	default:
		return nil, metaErr(path, ErrUnknownFileType, nil, "")
	}
	version := lead[offVersion]
	if version < 1 {
		return nil, metaErr(path, ErrDamagedFile, nil, "format version %d", version)
	}
	l, err := LayoutFor(version)
	if err != nil {
		return nil, metaErr(path, ErrDamagedFile, err, "")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < int64(l.HeaderSize) {
		return nil, metaErr(path, ErrTruncatedLog, nil, "%d bytes, header needs %d", size, l.HeaderSize)
	}
	buf := make([]byte, l.HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, metaErr(path, ErrTruncatedLog, err, "reading header")
	}
	raw := parseHeader(buf, l)
	if err := checkSizes(path, l, raw, size); err != nil {
		return nil, err
	}
	if _, ok := compressionNames[raw.Compression]; !ok {
		return nil, metaErr(path, ErrDamagedFile, nil, "unknown compression type %d", raw.Compression)
	}

	h := &Header{
		Path:             path,
		Size:             size,
		Version:          version,
		HeaderSize:       raw.HeaderSize,
		FooterSize:       raw.FooterSize,
		FooterStart:      raw.FooterStart,
		Created:          fromMillis(raw.Created),
		Service:          ServiceGame,
		ProtocolVersion:  raw.ProtocolVersion,
		Compression:      raw.Compression,
		TotalPacketBytes: raw.TotalPacketBytes,
	}
	if raw.IsLogin {
		h.Service = ServiceLogin
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var recovered []string
	wantVersion := h.ProtocolVersion == UnknownProtocolVersion
	if wantVersion || !l.AltModes {
		bodyLen := h.FooterStart - int64(h.HeaderSize)
		body := io.NewSectionReader(f, int64(h.HeaderSize), bodyLen)
		r, err := NewReader(bufio.NewReader(body), path, ReaderOptions{
			Version:     version,
			Compression: h.Compression,
			Length:      bodyLen,
		})
		if err != nil {
			return nil, metaErr(path, ErrDamagedFile, err, "")
		}
		v, modes, err := recoverSession(ctx, r, h.Service, wantVersion, !l.AltModes)
		_ = r.Close()
		if err != nil {
			return nil, err
		}
		if wantVersion {
			h.ProtocolVersion = v
		}
		recovered = modes
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	section := io.NewSectionReader(f, h.FooterStart, int64(h.FooterSize))
	ftr, err := readFooter(bufio.NewReader(section), l, int(h.FooterSize)/8)
	switch {
	case errors.Is(err, ErrDamagedFile):
		return nil, metaErr(path, ErrDamagedFile, err, "footer")
	case err != nil:
		return nil, metaErr(path, ErrTruncatedLog, err, "footer")
	}
	if ftr.TotalPackets == 0 {
		return nil, metaErr(path, ErrEmptyLog, nil, "")
	}
	h.TotalPackets = ftr.TotalPackets
	h.ClientOpcodes = ftr.Client
	h.ServerOpcodes = ftr.Server
	h.AltModes = ftr.AltModes
	if !l.AltModes {
		h.AltModes = recovered
	}
	return h, nil
}

func checkSizes(path string, l Layout, raw rawHeader, size int64) error {
	switch {
	case raw.HeaderSize < l.HeaderSize:
		return metaErr(path, ErrDamagedFile, nil, "header size %d below %d", raw.HeaderSize, l.HeaderSize)
	case int64(raw.HeaderSize) > size:
		return metaErr(path, ErrDamagedFile, nil, "header size %d beyond end of file", raw.HeaderSize)
	case raw.FooterStart < int64(raw.HeaderSize):
		return metaErr(path, ErrDamagedFile, nil, "footer start %d", raw.FooterStart)
	case int64(raw.FooterSize) < int64(l.MinFooterSize()):
		return metaErr(path, ErrDamagedFile, nil, "footer size %d", raw.FooterSize)
	case raw.FooterStart+int64(raw.FooterSize) > size:
		return metaErr(path, ErrTruncatedLog, nil, "footer ends at %d, file has %d bytes", raw.FooterStart+int64(raw.FooterSize), size)
	case raw.FooterStart+int64(raw.FooterSize) < size:
		return metaErr(path, ErrDamagedFile, nil, "%d bytes after the footer", size-raw.FooterStart-int64(raw.FooterSize))
	}
	return nil
}

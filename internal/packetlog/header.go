package packetlog

import (
	"encoding/binary"
	"slices"
	"time"
)

// UnknownProtocolVersion is stored when the protocol version was never negotiated.
const UnknownProtocolVersion int32 = -1

// Header is the validated description of a finalized log file, built by
// ReadHeader. It must be treated as read-only.
type Header struct {
	Path        string
	Size        int64
	Version     uint8
	HeaderSize  uint32
	FooterSize  uint32
	FooterStart int64

	Created          time.Time
	Service          ServiceType
	ProtocolVersion  int32
	Compression      Compression
	TotalPacketBytes uint64
	TotalPackets     uint32

	ClientOpcodes Histogram
	ServerOpcodes Histogram
	// AltModes is sorted and free of duplicates.
	AltModes []string
}

// Layout returns the layout of the header's format version.
func (h *Header) Layout() Layout { return layouts[h.Version] }

// Opcodes returns the histogram of the given endpoint.
func (h *Header) Opcodes(e Endpoint) Histogram {
	if e == Client {
		return h.ClientOpcodes
	}
	return h.ServerOpcodes
}

// HasAltMode reports whether the session ran with the named alt-mode.
func (h *Header) HasAltMode(name string) bool {
	_, found := slices.BinarySearch(h.AltModes, name)
	return found
}

// rawHeader is the fixed part of the header exactly as stored.
type rawHeader struct {
	Magic            uint64
	Version          uint8
	HeaderSize       uint32
	FooterSize       uint32
	FooterStart      int64
	Created          int64
	IsLogin          bool
	ProtocolVersion  int32
	TotalPacketBytes uint64
	Compression      Compression
}

func appendHeader(dst []byte, l Layout, h rawHeader) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Magic)
	dst = append(dst, h.Version)
	dst = binary.LittleEndian.AppendUint32(dst, h.HeaderSize)
	dst = binary.LittleEndian.AppendUint32(dst, h.FooterSize)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.FooterStart))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.Created))
	dst = appendBool(dst, h.IsLogin)
	if l.ProtocolVersion {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(h.ProtocolVersion))
	}
	if l.TotalPacketBytes {
		dst = binary.LittleEndian.AppendUint64(dst, h.TotalPacketBytes)
	}
	if l.CompressionType {
		dst = append(dst, byte(h.Compression))
	}
	return dst
}

// parseHeader decodes the fixed header of layout l; b holds at least
// l.HeaderSize bytes.
func parseHeader(b []byte, l Layout) rawHeader {
	h := rawHeader{
		Magic:           binary.LittleEndian.Uint64(b[offMagic:]),
		Version:         b[offVersion],
		HeaderSize:      binary.LittleEndian.Uint32(b[offHeaderSize:]),
		FooterSize:      binary.LittleEndian.Uint32(b[offFooterSize:]),
		FooterStart:     int64(binary.LittleEndian.Uint64(b[offFooterStart:])),
		Created:         int64(binary.LittleEndian.Uint64(b[offCreationTime:])),
		IsLogin:         b[offIsLogin] != 0,
		ProtocolVersion: UnknownProtocolVersion,
		Compression:     CompressionNone,
	}
	if l.ProtocolVersion {
		h.ProtocolVersion = int32(binary.LittleEndian.Uint32(b[offProtocolVersion:]))
	}
	if l.TotalPacketBytes {
		h.TotalPacketBytes = binary.LittleEndian.Uint64(b[offTotalPacketBytes:])
	}
	if l.CompressionType {
		h.Compression = Compression(b[offCompressionType])
	}
	return h
}

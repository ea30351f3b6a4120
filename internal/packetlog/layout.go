package packetlog

import "fmt"

// CurrentVersion is the format version written by this package.
const CurrentVersion uint8 = 10

// Layout describes which fields a given format version stores.
//
// Every version-dependent decision in the codec is taken from a Layout rather
// than by comparing version numbers inline.
type Layout struct {
	Version uint8

	// HeaderSize is the fixed header size written by this version. Readers
	// trust the headerSize field of the file, which may be larger.
	HeaderSize uint32

	ProtocolVersion  bool
	TotalPacketBytes bool
	CompressionType  bool
	Histograms       bool
	AltModes         bool
	RecordFlags      bool
}

// header field offsets shared by every version.
const (
	offMagic        = 0
	offVersion      = 8
	offHeaderSize   = 9
	offFooterSize   = 13
	offFooterStart  = 17
	offCreationTime = 25
	offIsLogin      = 33
	// present from version 6
	offProtocolVersion = 34
	// present from version 7
	offTotalPacketBytes = 38
	// present from version 8
	offCompressionType = 46
)

var layouts = func() map[uint8]Layout {
	m := make(map[uint8]Layout)
	for v := uint8(1); v <= 5; v++ {
		m[v] = Layout{Version: v, HeaderSize: 34}
	}
	m[6] = Layout{Version: 6, HeaderSize: 38, ProtocolVersion: true, Histograms: true}
	m[7] = Layout{Version: 7, HeaderSize: 46, ProtocolVersion: true, TotalPacketBytes: true, Histograms: true}
	m[8] = Layout{Version: 8, HeaderSize: 47, ProtocolVersion: true, TotalPacketBytes: true, CompressionType: true, Histograms: true}
	m[9] = Layout{Version: 9, HeaderSize: 47, ProtocolVersion: true, TotalPacketBytes: true, CompressionType: true, Histograms: true, AltModes: true}
	m[10] = Layout{Version: 10, HeaderSize: 47, ProtocolVersion: true, TotalPacketBytes: true, CompressionType: true, Histograms: true, AltModes: true, RecordFlags: true}
	return m
}()

// LayoutFor returns the layout of the given format version.
func LayoutFor(version uint8) (Layout, error) {
	l, ok := layouts[version]
	if !ok {
		return Layout{}, fmt.Errorf("unsupported format version %d", version)
	}
	return l, nil
}

// CurrentLayout is the layout written by the recorder.
func CurrentLayout() Layout { return layouts[CurrentVersion] }

// MinRecordSize is the size of a record with an empty body.
func (l Layout) MinRecordSize() int {
	n := 1 + 2 + 8
	if l.RecordFlags {
		n++
	}
	return n
}

// MinFooterSize is the size of a footer with empty histograms and no alt-modes.
func (l Layout) MinFooterSize() int {
	n := 4
	if l.Histograms {
		n += 1 + 2*(1+4)
	}
	if l.AltModes {
		n++
	}
	return n
}

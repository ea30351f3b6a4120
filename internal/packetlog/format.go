// Package packetlog implements the on-disk packet log format: header,
// packet records, block-compressed sections and the footer, together with
// the reader and the metadata scanner used to turn a file back into packets.
package packetlog

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MagicValid marks a finalized log ("NPROLOG!" little-endian).
	MagicValid uint64 = 0x21474F4C4F52504E
	// MagicIncomplete marks a log that is still open or was never finalized ("NPROLOG?").
	MagicIncomplete uint64 = 0x3F474F4C4F52504E

	// FileExt is the extension of packet log files.
	FileExt = ".psl"

	// MaxBodyLength is the largest body a record can carry.
	MaxBodyLength = 0xFFFF

	// minLeadSize is magic + version, the smallest prefix worth inspecting.
	minLeadSize = 9

	blockTerminator uint32 = 0xFFFFFFFF
)

// Endpoint identifies which side of a connection sent a packet.
type Endpoint bool

const (
	Client Endpoint = true
	Server Endpoint = false
)

func (e Endpoint) String() string {
	if e == Client {
		return "client"
	}
	return "server"
}

// ServiceType is the category of a captured connection.
type ServiceType uint8

const (
	ServiceLogin ServiceType = iota
	ServiceGame
)

func (s ServiceType) String() string {
	if s == ServiceLogin {
		return "login"
	}
	return "game"
}

// Compression is the compression applied to the packet section of a log.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionDeflate
	CompressionSnappy
)

var compressionNames = map[Compression]string{
	CompressionNone:    "none",
	CompressionDeflate: "deflate",
	CompressionSnappy:  "snappy",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	for c, n := range compressionNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q (must be none/deflate/snappy)", name)
}

// Flags is the set of markers attached to a record.
type Flags uint8

const (
	// FlagSynthetic marks packets injected by the proxy rather than received.
	FlagSynthetic Flags = 1 << iota
	// FlagHidden marks packets the capture-suppression rules chose to hide.
	FlagHidden
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagSynthetic) {
		parts = append(parts, "synthetic")
	}
	if f.Has(FlagHidden) {
		parts = append(parts, "hidden")
	}
	if rest := f &^ (FlagSynthetic | FlagHidden); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Record is a single captured packet.
type Record struct {
	Endpoint Endpoint
	Body     []byte
	Received time.Time
	Flags    Flags
}

// toMillis and fromMillis convert between time.Time and the on-disk unix
// millisecond representation.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

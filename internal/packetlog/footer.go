package packetlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"golang.org/x/text/encoding/unicode"
)

const footerEndpointCount = 2

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// footer holds the aggregate counts written once a log is finalized.
type footer struct {
	TotalPackets uint32
	Client       Histogram
	Server       Histogram
	AltModes     []string
}

func appendFooter(dst []byte, l Layout, f footer) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, f.TotalPackets)
	if l.Histograms {
		dst = append(dst, footerEndpointCount)
		dst = appendHistogram(dst, true, f.Client)
		dst = appendHistogram(dst, false, f.Server)
	}
	if !l.AltModes {
		return dst, nil
	}
	if len(f.AltModes) > math.MaxUint8 {
		return dst, fmt.Errorf("%d alt-modes exceed the footer limit", len(f.AltModes))
	}
	dst = append(dst, uint8(len(f.AltModes)))
	for _, mode := range f.AltModes {
		encoded, err := utf16le.NewEncoder().Bytes([]byte(mode))
		if err != nil {
			return dst, fmt.Errorf("encode alt-mode %q: %w", mode, err)
		}
		units := len(encoded) / 2
		if units > math.MaxUint8 {
			return dst, fmt.Errorf("alt-mode %q is too long", mode)
		}
		dst = append(dst, uint8(units))
		dst = append(dst, encoded...)
	}
	return dst, nil
}

func appendHistogram(dst []byte, isClient bool, h Histogram) []byte {
	dst = appendBool(dst, isClient)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(h)))
	for _, key := range h.Keys() {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(key))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(h[key]))
	}
	return dst
}

// footerReader decodes footer fields, remembering the first error.
type footerReader struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (fr *footerReader) read(n int) []byte {
	if fr.err != nil {
		return fr.buf[:n]
	}
	if _, err := io.ReadFull(fr.r, fr.buf[:n]); err != nil {
		fr.err = unexpected(err)
	}
	return fr.buf[:n]
}

func (fr *footerReader) u8() uint8   { return fr.read(1)[0] }
func (fr *footerReader) u32() uint32 { return binary.LittleEndian.Uint32(fr.read(4)) }

// readFooter decodes a footer. Structural inconsistencies are reported as
// ErrDamagedFile, short reads as io.ErrUnexpectedEOF.
func readFooter(r io.Reader, l Layout, maxEntries int) (footer, error) {
	fr := &footerReader{r: r}
	f := footer{
		TotalPackets: fr.u32(),
		Client:       Histogram{},
		Server:       Histogram{},
	}
	if l.Histograms {
		count := fr.u8()
		for i := 0; i < int(count) && fr.err == nil; i++ {
			isClient := fr.u8() != 0
			size := fr.u32()
			if fr.err != nil {
				break
			}
			if int64(size) > int64(maxEntries) {
				return f, fmt.Errorf("%w: histogram declares %d entries", ErrDamagedFile, size)
			}
			h := f.Server
			if isClient {
				h = f.Client
			}
			for j := uint32(0); j < size && fr.err == nil; j++ {
				key := int32(fr.u32())
				h[key] = int32(fr.u32())
			}
		}
	}
	if l.AltModes && fr.err == nil {
		count := fr.u8()
		for i := 0; i < int(count) && fr.err == nil; i++ {
			units := int(fr.u8())
			raw := make([]byte, 2*units)
			if fr.err != nil {
				break
			}
			if _, err := io.ReadFull(fr.r, raw); err != nil {
				fr.err = unexpected(err)
				break
			}
			decoded, err := utf16le.NewDecoder().Bytes(raw)
			if err != nil {
				return f, fmt.Errorf("%w: alt-mode name: %v", ErrDamagedFile, err)
			}
			f.AltModes = append(f.AltModes, string(decoded))
		}
	}
	if fr.err != nil {
		return f, fr.err
	}
	f.AltModes = normalizeAltModes(f.AltModes)
	return f, nil
}

// normalizeAltModes sorts and de-duplicates alt-mode names.
func normalizeAltModes(modes []string) []string {
	if len(modes) == 0 {
		return nil
	}
	out := slices.Clone(modes)
	slices.Sort(out)
	return slices.Compact(out)
}

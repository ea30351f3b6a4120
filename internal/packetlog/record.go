package packetlog

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AppendRecord appends the serialized form of rec to dst.
func AppendRecord(dst []byte, l Layout, rec Record) ([]byte, error) {
	if len(rec.Body) > MaxBodyLength {
		return dst, fmt.Errorf("packet body of %d bytes exceeds %d", len(rec.Body), MaxBodyLength)
	}
	dst = appendBool(dst, bool(rec.Endpoint))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(rec.Body)))
	dst = append(dst, rec.Body...)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(toMillis(rec.Received)))
	if l.RecordFlags {
		dst = append(dst, byte(rec.Flags))
	}
	return dst, nil
}

// readRecord decodes one record from r. An io.EOF before the first byte is
// returned as is; any later shortfall is io.ErrUnexpectedEOF.
func readRecord(r io.Reader, l Layout) (Record, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}
	rec := Record{Endpoint: Endpoint(hdr[0] != 0)}
	n := binary.LittleEndian.Uint16(hdr[1:])
	rec.Body = make([]byte, n)
	if _, err := io.ReadFull(r, rec.Body); err != nil {
		return Record{}, unexpected(err)
	}

	var tail [9]byte
	tailLen := 8
	if l.RecordFlags {
		tailLen++
	}
	if _, err := io.ReadFull(r, tail[:tailLen]); err != nil {
		return Record{}, unexpected(err)
	}
	rec.Received = fromMillis(int64(binary.LittleEndian.Uint64(tail[:8])))
	if l.RecordFlags {
		rec.Flags = Flags(tail[8])
	}
	return rec, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

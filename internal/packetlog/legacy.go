package packetlog

import (
	"bytes"
	"context"
	"encoding/binary"
)

// Older logs did not store the protocol version (before version 6) or the
// alt-modes (before version 9). Both are recovered best-effort from the first
// packets of the session. The tables below are a compatibility contract with
// those files: offsets and patterns must not change.

// protocolAnnouncement is a first client packet that carries the protocol
// version as a little-endian int32.
type protocolAnnouncement struct {
	service   ServiceType
	opcode    byte
	offset    int
	minLength int
}

var protocolAnnouncements = []protocolAnnouncement{
	{service: ServiceGame, opcode: 0x0E, offset: 1, minLength: 5},
	{service: ServiceGame, opcode: 0x00, offset: 1, minLength: 5},
	{service: ServiceLogin, opcode: 0x0E, offset: 1, minLength: 5},
}

// altModeSignature identifies an alt-mode from a byte pattern in the n-th
// packet of a session.
type altModeSignature struct {
	index    int
	endpoint Endpoint
	offset   int
	pattern  []byte
	mode     string
}

var altModeSignatures = []altModeSignature{
	{index: 1, endpoint: Server, offset: 0, pattern: []byte{0x2E, 0x01}, mode: "opcode-obfuscation"},
	{index: 1, endpoint: Server, offset: 0, pattern: []byte{0x00, 0x01}, mode: "opcode-obfuscation"},
	{index: 2, endpoint: Client, offset: 0, pattern: []byte{0x2B, 0x00, 0x00}, mode: "classic-auth"},
	{index: 2, endpoint: Server, offset: 0, pattern: []byte{0x73, 0x01}, mode: "classic-client"},
}

// legacyPeekPackets is how many leading packets the recovery looks at.
const legacyPeekPackets = 3

func announcedProtocol(service ServiceType, rec Record) (int32, bool) {
	if rec.Endpoint != Client || len(rec.Body) == 0 {
		return 0, false
	}
	for _, a := range protocolAnnouncements {
		if a.service != service || rec.Body[0] != a.opcode || len(rec.Body) < a.minLength {
			continue
		}
		return int32(binary.LittleEndian.Uint32(rec.Body[a.offset:])), true
	}
	return 0, false
}

func (s altModeSignature) matches(index int, rec Record) bool {
	if s.index != index || s.endpoint != rec.Endpoint {
		return false
	}
	end := s.offset + len(s.pattern)
	return len(rec.Body) >= end && bytes.Equal(rec.Body[s.offset:end], s.pattern)
}

// recoverSession inspects the first packets of r. Read errors end the
// inspection silently; only cancellation is returned.
func recoverSession(ctx context.Context, r *Reader, service ServiceType, wantVersion, wantModes bool) (int32, []string, error) {
	version := UnknownProtocolVersion
	var modes []string
	for i := 0; i < legacyPeekPackets && r.HasNext(); i++ {
		if err := ctx.Err(); err != nil {
			return version, modes, err
		}
		rec, err := r.Next()
		if err != nil {
			break
		}
		if i == 0 && wantVersion {
			if v, ok := announcedProtocol(service, rec); ok {
				version = v
			}
		}
		if !wantModes {
			if i == 0 {
				break
			}
			continue
		}
		for _, sig := range altModeSignatures {
			if sig.matches(i, rec) {
				modes = append(modes, sig.mode)
			}
		}
	}
	return version, normalizeAltModes(modes), nil
}

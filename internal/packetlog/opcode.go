package packetlog

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Extended opcode markers. A body starting with its endpoint's marker carries
// a 2-byte sub-opcode right after it.
const (
	ClientExtendedOpcode byte = 0xD0
	ServerExtendedOpcode byte = 0xFE
)

func extendedMarker(e Endpoint) byte {
	if e == Client {
		return ClientExtendedOpcode
	}
	return ServerExtendedOpcode
}

// OpcodeKey returns the histogram key of a packet body. Single-byte opcodes map
// to 0..255 and extended opcodes to marker<<16 | sub-opcode, so the two
// spaces never collide. ok is false for an empty body.
func OpcodeKey(e Endpoint, body []byte) (key int32, ok bool) {
	if len(body) == 0 {
		return 0, false
	}
	if body[0] == extendedMarker(e) && len(body) >= 3 {
		return int32(body[0])<<16 | int32(binary.LittleEndian.Uint16(body[1:3])), true
	}
	return int32(body[0]), true
}

// FormatOpcode renders a histogram key the way packet tables show it.
func FormatOpcode(key int32) string {
	if key > 0xFF {
		return fmt.Sprintf("%02X:%04X", key>>16, key&0xFFFF)
	}
	return fmt.Sprintf("%02X", key)
}

// Histogram counts packets per opcode key.
type Histogram map[int32]int32

// Observe tallies body under its opcode key.
func (h Histogram) Observe(e Endpoint, body []byte) {
	if key, ok := OpcodeKey(e, body); ok {
		h[key]++
	}
}

// Keys returns the opcode keys in ascending order.
func (h Histogram) Keys() []int32 {
	keys := make([]int32, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Total is the number of tallied packets.
func (h Histogram) Total() int64 {
	var n int64
	for _, c := range h {
		n += int64(c)
	}
	return n
}

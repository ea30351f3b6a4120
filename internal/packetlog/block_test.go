package packetlog

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockEncoder_FlushesExactlyAtHalfCapacity(t *testing.T) {
	enc, err := NewBlockEncoder(CompressionDeflate, 64)
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := enc.Write(&out, bytes.Repeat([]byte{0xAB}, 31))
	require.NoError(t, err)
	assert.Zero(t, n, "below threshold must stay staged")
	assert.Equal(t, 31, enc.Staged())

	n, err = enc.Write(&out, []byte{0xCD})
	require.NoError(t, err)
	assert.Equal(t, out.Len(), n)
	assert.Zero(t, enc.Staged())

	// exactly one block: length prefix + payload, nothing else
	declared := binary.LittleEndian.Uint32(out.Bytes()[:4])
	assert.Equal(t, int(declared), out.Len()-4)
}

func TestBlockEncoder_DeclaredLengthMatchesPayload(t *testing.T) {
	enc, err := NewBlockEncoder(CompressionDeflate, 1024)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog, again and again and again")
	var out bytes.Buffer
	_, err = enc.Write(&out, payload)
	require.NoError(t, err)
	_, err = enc.Close(&out)
	require.NoError(t, err)

	b := out.Bytes()
	declared := binary.LittleEndian.Uint32(b[:4])
	require.Equal(t, int(declared)+8, len(b))
	assert.Equal(t, blockTerminator, binary.LittleEndian.Uint32(b[4+declared:]))

	// Inflating the block with the sync marker appended restores the input.
	block := append(append([]byte{}, b[4:4+declared]...), syncMarker[:]...)
	fr := flate.NewReader(bytes.NewReader(block))
	got := make([]byte, len(payload))
	_, err = io.ReadFull(fr, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBlockEncoder_RejectsUncompressed(t *testing.T) {
	_, err := NewBlockEncoder(CompressionNone, 0)
	assert.Error(t, err)
}

func TestBlockStream_RoundTrip(t *testing.T) {
	for _, codec := range []Compression{CompressionDeflate, CompressionSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			enc, err := NewBlockEncoder(codec, 128)
			require.NoError(t, err)

			var want []byte
			var out bytes.Buffer
			for i := 0; i < 50; i++ {
				chunk := bytes.Repeat([]byte{byte(i)}, i%17)
				want = append(want, chunk...)
				_, err := enc.Write(&out, chunk)
				require.NoError(t, err)
			}
			_, err = enc.Close(&out)
			require.NoError(t, err)

			dec, err := newBlockDecoder(&out, codec)
			require.NoError(t, err)
			got, err := io.ReadAll(dec)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestBlockStream_TruncatedSectionFails(t *testing.T) {
	enc, err := NewBlockEncoder(CompressionDeflate, 64)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = enc.Write(&out, bytes.Repeat([]byte("abc"), 40))
	require.NoError(t, err)
	_, err = enc.Close(&out)
	require.NoError(t, err)

	// drop the terminator and the tail of the last block
	cut := out.Bytes()[:out.Len()-6]
	dec, err := newBlockDecoder(bytes.NewReader(cut), CompressionDeflate)
	require.NoError(t, err)
	_, err = io.ReadAll(dec)
	assert.Error(t, err)
}

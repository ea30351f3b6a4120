package packetlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_StreamWithoutHeader(t *testing.T) {
	l := CurrentLayout()
	var body []byte
	recs := randomRecords(3, 25)
	for _, rec := range recs {
		var err error
		body, err = AppendRecord(body, l, rec)
		require.NoError(t, err)
	}
	// bytes after Length belong to the footer and must not be read
	stream := append(bytes.Clone(body), 0xEE, 0xEE, 0xEE)

	r, err := NewReader(bytes.NewReader(stream), "stream", ReaderOptions{
		Version: CurrentVersion,
		Length:  int64(len(body)),
	})
	require.NoError(t, err)

	n := 0
	for r.HasNext() {
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, recs[n].Body, rec.Body)
		n++
	}
	assert.Equal(t, len(recs), n)
	assert.NoError(t, r.Err())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_CorruptRecordIsTerminal(t *testing.T) {
	l := CurrentLayout()
	body, err := AppendRecord(nil, l, Record{Body: []byte{1, 2, 3}})
	require.NoError(t, err)
	// declare a body far longer than the section
	body[1], body[2] = 0xFF, 0x00

	r, err := NewReader(bytes.NewReader(body), "broken.psl", ReaderOptions{Version: CurrentVersion, Length: int64(len(body))})
	require.NoError(t, err)
	require.True(t, r.HasNext())

	_, err = r.Next()
	var ie *IterationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "broken.psl", ie.File)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.False(t, r.HasNext())
	_, again := r.Next()
	assert.Equal(t, err, again)
}

func TestReader_CorruptBlockIsTerminal(t *testing.T) {
	path := writeLog(t, WriterOptions{Compression: CompressionDeflate}, Session{ProtocolVersion: 1}, randomRecords(5, 40))
	h, err := ReadHeader(context.Background(), path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// the first block now claims to run past the end of the section
	binary.LittleEndian.PutUint32(data[h.HeaderSize:], 0x7FFFFFFF)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := Open(h)
	require.NoError(t, err)
	defer r.Close()

	var last error
	for _, err := range r.All(context.Background()) {
		last = err
	}
	var ie *IterationError
	require.True(t, errors.As(last, &ie))
	assert.Equal(t, path, ie.File)
	assert.False(t, r.HasNext())
}

func TestReader_AllStopsOnCancel(t *testing.T) {
	path := writeLog(t, WriterOptions{}, Session{}, randomRecords(9, 10))
	h, err := ReadHeader(context.Background(), path)
	require.NoError(t, err)
	r, err := Open(h)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	var last error
	for _, err := range r.All(ctx) {
		if err != nil {
			last = err
			break
		}
		seen++
		if seen == 3 {
			cancel()
		}
	}
	assert.Equal(t, 3, seen)
	assert.ErrorIs(t, last, context.Canceled)
}

func TestReader_RejectsUnknownVersion(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil), "x", ReaderOptions{Version: 0})
	assert.Error(t, err)
}

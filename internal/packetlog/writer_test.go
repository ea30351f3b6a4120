package packetlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_RoundTrip(t *testing.T) {
	for _, codec := range []Compression{CompressionNone, CompressionDeflate, CompressionSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			want := randomRecords(uint64(codec)+1, 300)
			path := writeLog(t,
				WriterOptions{Created: baseTime, Service: ServiceGame, Compression: codec, StagingSize: 4096},
				Session{ProtocolVersion: 746, AltModes: []string{"b", "a", "b"}},
				want)

			h, got := readAll(t, path)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].Endpoint, got[i].Endpoint, "record %d", i)
				assert.Equal(t, len(want[i].Body), len(got[i].Body), "record %d", i)
				assert.True(t, bytes.Equal(want[i].Body, got[i].Body), "record %d body", i)
				assert.Equal(t, want[i].Received.UnixMilli(), got[i].Received.UnixMilli(), "record %d", i)
				assert.Equal(t, want[i].Flags, got[i].Flags, "record %d", i)
			}

			client, server := Histogram{}, Histogram{}
			var total uint64
			for _, rec := range want {
				if rec.Endpoint == Client {
					client.Observe(Client, rec.Body)
				} else {
					server.Observe(Server, rec.Body)
				}
				total += uint64(len(rec.Body))
			}
			assert.Equal(t, uint32(len(want)), h.TotalPackets)
			assert.Equal(t, client, h.ClientOpcodes)
			assert.Equal(t, server, h.ServerOpcodes)
			assert.Equal(t, total, h.TotalPacketBytes)
			assert.Equal(t, int32(746), h.ProtocolVersion)
			assert.Equal(t, []string{"a", "b"}, h.AltModes)
			assert.Equal(t, codec, h.Compression)
			assert.Equal(t, CurrentVersion, h.Version)
			assert.Equal(t, h.Size, h.FooterStart+int64(h.FooterSize))
			assert.Equal(t, baseTime.UnixMilli(), h.Created.UnixMilli())
		})
	}
}

func TestWriter_OpcodeScenario(t *testing.T) {
	var recs []Record
	for _, op := range []byte{0x01, 0x02, 0x01} {
		recs = append(recs, Record{Endpoint: Client, Body: []byte{op, 0xAA}, Received: baseTime})
	}
	for range 2 {
		recs = append(recs, Record{Endpoint: Server, Body: []byte{0x10}, Received: baseTime})
	}
	path := writeLog(t, WriterOptions{Service: ServiceLogin}, Session{ProtocolVersion: UnknownProtocolVersion}, recs)

	h, err := ReadHeader(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), h.TotalPackets)
	assert.Equal(t, Histogram{0x01: 2, 0x02: 1}, h.ClientOpcodes)
	assert.Equal(t, Histogram{0x10: 2}, h.ServerOpcodes)
	assert.Equal(t, ServiceLogin, h.Service)
}

func TestWriter_ExtendedOpcodesKeptApart(t *testing.T) {
	recs := []Record{
		{Endpoint: Client, Body: []byte{0xD0, 0x01, 0x00, 0x55}},
		{Endpoint: Client, Body: []byte{0xD0}},
		{Endpoint: Server, Body: []byte{0xFE, 0x34, 0x12}},
		{Endpoint: Server, Body: []byte{0xD0, 0x01, 0x00}},
		{Endpoint: Server, Body: nil},
	}
	path := writeLog(t, WriterOptions{}, Session{}, recs)
	h, err := ReadHeader(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Histogram{0xD00001: 1, 0xD0: 1}, h.ClientOpcodes)
	assert.Equal(t, Histogram{0xFE1234: 1, 0xD0: 1}, h.ServerOpcodes)
	assert.Equal(t, "FE:1234", FormatOpcode(0xFE1234))
	assert.Equal(t, "D0", FormatOpcode(0xD0))
}

func TestWriter_FinalizeTwiceKeepsFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice"+FileExt)
	w, err := Create(path, WriterOptions{Compression: CompressionDeflate})
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{Endpoint: Client, Body: []byte{1, 2, 3}, Received: baseTime}))
	require.NoError(t, w.Finalize(Session{ProtocolVersion: 1}))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, w.Finalize(Session{ProtocolVersion: 2}))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.ErrorIs(t, w.Write(Record{}), ErrWriterClosed)
}

func TestWriter_RejectsOversizedBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big"+FileExt)
	w, err := Create(path, WriterOptions{})
	require.NoError(t, err)
	defer w.Abort()
	assert.Error(t, w.Write(Record{Body: make([]byte, MaxBodyLength+1)}))
}

func TestWriter_CreateRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exists"+FileExt)
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))
	_, err := Create(path, WriterOptions{})
	require.Error(t, err)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "keep", string(data))
}

// recordingFile captures every write so a crash can be simulated at any
// point of the finalize sequence.
type recordingFile struct {
	data   []byte
	states [][]byte
	failAt int
	writes int
}

var errDiskFull = errors.New("disk full")

func (f *recordingFile) step() error {
	f.writes++
	if f.failAt > 0 && f.writes >= f.failAt {
		return errDiskFull
	}
	return nil
}

func (f *recordingFile) Write(p []byte) (int, error) {
	if err := f.step(); err != nil {
		return 0, err
	}
	f.data = append(f.data, p...)
	f.states = append(f.states, bytes.Clone(f.data))
	return len(p), nil
}

func (f *recordingFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.step(); err != nil {
		return 0, err
	}
	copy(f.data[off:], p)
	f.states = append(f.states, bytes.Clone(f.data))
	return len(p), nil
}

func (f *recordingFile) Sync() error  { return nil }
func (f *recordingFile) Close() error { return nil }

func TestWriter_MagicFlipsLast(t *testing.T) {
	f := &recordingFile{}
	w, err := NewWriter(f, "mem", WriterOptions{Compression: CompressionDeflate})
	require.NoError(t, err)
	for _, rec := range randomRecords(7, 20) {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Finalize(Session{ProtocolVersion: 3}))

	require.NotEmpty(t, f.states)
	for i, state := range f.states {
		magic := binary.LittleEndian.Uint64(state)
		if i == len(f.states)-1 {
			assert.Equal(t, MagicValid, magic)
		} else {
			assert.Equal(t, MagicIncomplete, magic, "state %d", i)
		}
	}
}

func TestWriter_CrashBeforeFlipIsIncomplete(t *testing.T) {
	f := &recordingFile{}
	w, err := NewWriter(f, "mem", WriterOptions{})
	require.NoError(t, err)
	for _, rec := range randomRecords(11, 10) {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Finalize(Session{}))

	dir := t.TempDir()
	check := func(name string, data []byte) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		_, err := ReadHeader(context.Background(), path)
		require.Error(t, err, name)
		if len(data) < minLeadSize {
			assert.ErrorIs(t, err, ErrInsufficientlyLargeFile, name)
		} else {
			assert.ErrorIs(t, err, ErrIncompleteLog, name)
		}
	}

	// every intermediate state the disk went through before the flip
	for i, state := range f.states[:len(f.states)-1] {
		check("state"+string(rune('a'+i%26))+FileExt, state)
	}
	// every truncation of the pre-flip image
	preFlip := f.states[len(f.states)-2]
	for n := range len(preFlip) {
		check("cut"+FileExt, preFlip[:n])
	}
}

func TestWriter_FailedWriteSurfaces(t *testing.T) {
	f := &recordingFile{failAt: 2}
	w, err := NewWriter(f, "mem", WriterOptions{})
	require.NoError(t, err)
	// the bufio layer defers the failure until it flushes
	big := Record{Body: make([]byte, MaxBodyLength)}
	err = w.Write(big)
	require.ErrorIs(t, err, errDiskFull)
	assert.NoError(t, w.Abort())
}

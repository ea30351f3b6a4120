package packetlog

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

func randomRecords(seed uint64, n int) []Record {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	recs := make([]Record, n)
	for i := range recs {
		size := rng.IntN(512)
		switch rng.IntN(20) {
		case 0:
			size = 0
		case 1:
			size = MaxBodyLength
		}
		body := make([]byte, size)
		for j := range body {
			body[j] = byte(rng.UintN(256))
		}
		recs[i] = Record{
			Endpoint: Endpoint(rng.IntN(2) == 0),
			Body:     body,
			Received: baseTime.Add(time.Duration(i*7) * time.Millisecond),
			Flags:    Flags(rng.UintN(4)),
		}
	}
	return recs
}

// writeLog records recs into a new file under t.TempDir and finalizes it.
func writeLog(t *testing.T, opts WriterOptions, s Session, recs []Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture"+FileExt)
	w, err := Create(path, opts)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Finalize(s))
	return path
}

// readAll validates path and returns its header and records.
func readAll(t *testing.T, path string) (*Header, []Record) {
	t.Helper()
	h, err := ReadHeader(context.Background(), path)
	require.NoError(t, err)
	r, err := Open(h)
	require.NoError(t, err)
	defer r.Close()

	var recs []Record
	for rec, err := range r.All(context.Background()) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return h, recs
}

// legacyLog builds a finalized log of an older format version by hand.
func legacyLog(t *testing.T, version uint8, service ServiceType, protocol int32, recs []Record, modes []string) string {
	t.Helper()
	l, err := LayoutFor(version)
	require.NoError(t, err)

	var body []byte
	client, server := Histogram{}, Histogram{}
	var total uint64
	for _, rec := range recs {
		body, err = AppendRecord(body, l, rec)
		require.NoError(t, err)
		if rec.Endpoint == Client {
			client.Observe(Client, rec.Body)
		} else {
			server.Observe(Server, rec.Body)
		}
		total += uint64(len(rec.Body))
	}
	ftr, err := appendFooter(nil, l, footer{
		TotalPackets: uint32(len(recs)),
		Client:       client,
		Server:       server,
		AltModes:     modes,
	})
	require.NoError(t, err)

	hdr := appendHeader(nil, l, rawHeader{
		Magic:            MagicValid,
		Version:          version,
		HeaderSize:       l.HeaderSize,
		FooterSize:       uint32(len(ftr)),
		FooterStart:      int64(l.HeaderSize) + int64(len(body)),
		Created:          baseTime.UnixMilli(),
		IsLogin:          service == ServiceLogin,
		ProtocolVersion:  protocol,
		TotalPacketBytes: total,
	})
	require.Len(t, hdr, int(l.HeaderSize))

	path := filepath.Join(t.TempDir(), "legacy"+FileExt)
	data := append(append(hdr, body...), ftr...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

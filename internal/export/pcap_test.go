package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpro/netpro/internal/packetlog"
)

var created = time.UnixMilli(1_710_000_000_000)

func sampleLog(t *testing.T, recs []packetlog.Record) *packetlog.Header {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample"+packetlog.FileExt)
	w, err := packetlog.Create(path, packetlog.WriterOptions{
		Created:     created,
		Service:     packetlog.ServiceGame,
		Compression: packetlog.CompressionDeflate,
	})
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Finalize(packetlog.Session{ProtocolVersion: 1}))

	h, err := packetlog.ReadHeader(context.Background(), path)
	require.NoError(t, err)
	return h
}

func TestWritePcap(t *testing.T) {
	big := bytes.Repeat([]byte{0xAB}, 2*MaxSegment+10)
	recs := []packetlog.Record{
		{Endpoint: packetlog.Client, Body: []byte{0x01, 0x02, 0x03}, Received: created.Add(time.Millisecond)},
		{Endpoint: packetlog.Server, Body: big, Received: created.Add(2 * time.Millisecond)},
		{Endpoint: packetlog.Server, Body: nil, Received: created.Add(3 * time.Millisecond)},
		{Endpoint: packetlog.Client, Body: []byte{0x04}, Received: created.Add(4 * time.Millisecond)},
	}
	h := sampleLog(t, recs)

	var out bytes.Buffer
	n, err := WritePcap(context.Background(), h, &out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	type frame struct {
		tcp *layers.TCP
		ip  *layers.IPv4
		ts  time.Time
	}
	var frames []frame
	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			break
		}
		p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		require.Nil(t, p.ErrorLayer())
		tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(t, ok)
		ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		frames = append(frames, frame{tcp: tcp, ip: ip, ts: ci.Timestamp})
	}
	// handshake + 1 client + 3 server segments + 1 client
	require.Len(t, frames, 8)

	assert.True(t, frames[0].tcp.SYN)
	assert.False(t, frames[0].tcp.ACK)
	assert.True(t, frames[1].tcp.SYN && frames[1].tcp.ACK)
	assert.Equal(t, frames[0].tcp.Seq+1, frames[1].tcp.Ack)
	assert.True(t, frames[0].ts.Equal(created))

	var client, server []byte
	var lastClientSeq, lastServerSeq uint32
	for _, f := range frames[3:] {
		if f.ip.SrcIP.Equal(ClientIP) {
			assert.Equal(t, layers.TCPPort(ClientPort), f.tcp.SrcPort)
			assert.Equal(t, layers.TCPPort(7777), f.tcp.DstPort)
			assert.Greater(t, f.tcp.Seq, lastClientSeq)
			lastClientSeq = f.tcp.Seq
			client = append(client, f.tcp.Payload...)
		} else {
			assert.Equal(t, layers.TCPPort(7777), f.tcp.SrcPort)
			assert.Greater(t, f.tcp.Seq, lastServerSeq)
			lastServerSeq = f.tcp.Seq
			server = append(server, f.tcp.Payload...)
		}
	}
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, client)
	assert.Equal(t, big, server)

	// Sequence numbers continue exactly after the previous payload.
	assert.Equal(t, frames[4].tcp.Seq+MaxSegment, frames[5].tcp.Seq)
	assert.False(t, frames[4].tcp.PSH)
	assert.True(t, frames[6].tcp.PSH)
	assert.True(t, frames[7].ts.Equal(created.Add(4*time.Millisecond)))
}

func TestWritePcapCancelled(t *testing.T) {
	h := sampleLog(t, []packetlog.Record{{Endpoint: packetlog.Client, Body: []byte{1}, Received: created}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := WritePcap(ctx, h, &out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServerPort(t *testing.T) {
	assert.Equal(t, uint16(2106), ServerPort(packetlog.ServiceLogin))
	assert.Equal(t, uint16(7777), ServerPort(packetlog.ServiceGame))
}

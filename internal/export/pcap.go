// Package export converts packet logs into formats understood by generic
// network tooling.
package export

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/netpro/netpro/internal/packetlog"
)

// Addresses of the synthetic TCP stream. Real addresses are not stored in
// packet logs.
var (
	ClientIP  = net.IPv4(10, 0, 0, 1).To4()
	ServerIP  = net.IPv4(10, 0, 0, 2).To4()
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

const (
	ClientPort = 50000
	// MaxSegment is the largest TCP payload per frame; longer bodies are
	// split across consecutive segments.
	MaxSegment = 1460
	snapLen    = 65536

	clientISN uint32 = 1000
	serverISN uint32 = 5000
)

// ServerPort is the well-known port used for a service.
func ServerPort(s packetlog.ServiceType) uint16 {
	if s == packetlog.ServiceLogin {
		return 2106
	}
	return 7777
}

// stream synthesizes the frames of one TCP connection.
type stream struct {
	w          *pcapgo.Writer
	buf        gopacket.SerializeBuffer
	serverPort layers.TCPPort
	// next sequence number of each side
	clientSeq, serverSeq uint32
}

func (s *stream) frame(ts time.Time, from packetlog.Endpoint, syn, ack, psh bool, payload []byte) error {
	eth := &layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, Flags: layers.IPv4DontFragment}
	tcp := &layers.TCP{SYN: syn, ACK: ack, PSH: psh, Window: 65535}

	if from == packetlog.Client {
		eth.SrcMAC, eth.DstMAC = clientMAC, serverMAC
		ip.SrcIP, ip.DstIP = ClientIP, ServerIP
		tcp.SrcPort, tcp.DstPort = ClientPort, s.serverPort
		tcp.Seq = s.clientSeq
		if ack {
			tcp.Ack = s.serverSeq
		}
	} else {
		eth.SrcMAC, eth.DstMAC = serverMAC, clientMAC
		ip.SrcIP, ip.DstIP = ServerIP, ClientIP
		tcp.SrcPort, tcp.DstPort = s.serverPort, ClientPort
		tcp.Seq = s.serverSeq
		if ack {
			tcp.Ack = s.clientSeq
		}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("failed to set network layer for checksum: %w", err)
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(s.buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	data := s.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := s.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	advance := uint32(len(payload))
	if syn {
		advance++
	}
	if from == packetlog.Client {
		s.clientSeq += advance
	} else {
		s.serverSeq += advance
	}
	return nil
}

func (s *stream) handshake(ts time.Time) error {
	if err := s.frame(ts, packetlog.Client, true, false, false, nil); err != nil {
		return err
	}
	if err := s.frame(ts, packetlog.Server, true, true, false, nil); err != nil {
		return err
	}
	return s.frame(ts, packetlog.Client, false, true, false, nil)
}

func (s *stream) record(rec packetlog.Record) error {
	body := rec.Body
	for len(body) > 0 {
		n := min(len(body), MaxSegment)
		if err := s.frame(rec.Received, rec.Endpoint, false, true, n == len(body), body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}

// WritePcap writes the packets of the log described by h to w as a pcap
// capture of a single synthetic TCP connection, opened by a handshake at the
// log creation time. Empty bodies produce no frame. It returns the number of
// records exported.
func WritePcap(ctx context.Context, h *packetlog.Header, w io.Writer) (int, error) {
	r, err := packetlog.Open(h)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return 0, fmt.Errorf("failed to write pcap header: %w", err)
	}
	s := &stream{
		w:          pw,
		buf:        gopacket.NewSerializeBuffer(),
		serverPort: layers.TCPPort(ServerPort(h.Service)),
		clientSeq:  clientISN,
		serverSeq:  serverISN,
	}
	if err := s.handshake(h.Created); err != nil {
		return 0, err
	}

	n := 0
	for rec, err := range r.All(ctx) {
		if err != nil {
			return n, err
		}
		if rec.Received.IsZero() {
			rec.Received = h.Created
		}
		if err := s.record(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

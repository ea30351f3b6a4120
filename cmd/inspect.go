package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/netpro/netpro/internal/packetlog"
)

var inspectFormat = "text"

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the header and footer of a packet log",
	Long: `Validate a packet log and print its metadata: format version, service,
protocol version, compression, packet totals, alt-modes and opcode histograms.

Examples:
  netpro inspect captures/game/10.0.0.5/20240309_170405_1a2b3.psl
  netpro inspect -o yaml capture.psl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.Context(), args[0], inspectFormat, cmd.OutOrStdout())
	},
}

func init() {
	inspectCmd.Flags().VarP(formatValue{f: &inspectFormat, allowed: []string{"text", "json", "yaml"}},
		"output", "o", "output format: text, json or yaml")
}

type opcodeCount struct {
	Opcode string `json:"opcode" yaml:"opcode"`
	Count  int32  `json:"count" yaml:"count"`
}

// headerView is the printable form of a Header.
type headerView struct {
	Path             string        `json:"path" yaml:"path"`
	Size             int64         `json:"size" yaml:"size"`
	Version          uint8         `json:"version" yaml:"version"`
	Created          time.Time     `json:"created" yaml:"created"`
	Service          string        `json:"service" yaml:"service"`
	ProtocolVersion  int32         `json:"protocol_version" yaml:"protocol_version"`
	Compression      string        `json:"compression" yaml:"compression"`
	TotalPackets     uint32        `json:"total_packets" yaml:"total_packets"`
	TotalPacketBytes uint64        `json:"total_packet_bytes" yaml:"total_packet_bytes"`
	AltModes         []string      `json:"alt_modes" yaml:"alt_modes"`
	ClientOpcodes    []opcodeCount `json:"client_opcodes" yaml:"client_opcodes"`
	ServerOpcodes    []opcodeCount `json:"server_opcodes" yaml:"server_opcodes"`
}

func opcodeCounts(h packetlog.Histogram) []opcodeCount {
	out := make([]opcodeCount, 0, len(h))
	for _, k := range h.Keys() {
		out = append(out, opcodeCount{Opcode: packetlog.FormatOpcode(k), Count: h[k]})
	}
	return out
}

func newHeaderView(h *packetlog.Header) headerView {
	modes := h.AltModes
	if modes == nil {
		modes = []string{}
	}
	return headerView{
		Path:             h.Path,
		Size:             h.Size,
		Version:          h.Version,
		Created:          h.Created.UTC(),
		Service:          h.Service.String(),
		ProtocolVersion:  h.ProtocolVersion,
		Compression:      h.Compression.String(),
		TotalPackets:     h.TotalPackets,
		TotalPacketBytes: h.TotalPacketBytes,
		AltModes:         modes,
		ClientOpcodes:    opcodeCounts(h.ClientOpcodes),
		ServerOpcodes:    opcodeCounts(h.ServerOpcodes),
	}
}

func runInspect(ctx context.Context, path, format string, out io.Writer) error {
	h, err := packetlog.ReadHeader(ctx, path)
	if err != nil {
		return err
	}
	v := newHeaderView(h)

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	protocol := "unknown"
	if v.ProtocolVersion != packetlog.UnknownProtocolVersion {
		protocol = fmt.Sprintf("%d (0x%X)", v.ProtocolVersion, v.ProtocolVersion)
	}
	modes := "-"
	if len(v.AltModes) > 0 {
		modes = strings.Join(v.AltModes, ", ")
	}
	fmt.Fprintf(tw, "Path:\t%s\n", v.Path)
	fmt.Fprintf(tw, "Size:\t%d bytes\n", v.Size)
	fmt.Fprintf(tw, "Version:\t%d\n", v.Version)
	fmt.Fprintf(tw, "Created:\t%s\n", v.Created.Format(time.RFC3339Nano))
	fmt.Fprintf(tw, "Service:\t%s\n", v.Service)
	fmt.Fprintf(tw, "Protocol:\t%s\n", protocol)
	fmt.Fprintf(tw, "Compression:\t%s\n", v.Compression)
	fmt.Fprintf(tw, "Packets:\t%d\n", v.TotalPackets)
	fmt.Fprintf(tw, "Packet bytes:\t%d\n", v.TotalPacketBytes)
	fmt.Fprintf(tw, "Alt-modes:\t%s\n", modes)
	for _, side := range []struct {
		name   string
		counts []opcodeCount
	}{{"Client opcodes", v.ClientOpcodes}, {"Server opcodes", v.ServerOpcodes}} {
		fmt.Fprintf(tw, "%s:\t%d distinct\n", side.name, len(side.counts))
		for _, c := range side.counts {
			fmt.Fprintf(tw, "  %s\t%d\n", c.Opcode, c.Count)
		}
	}
	return tw.Flush()
}

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/netpro/netpro/internal/packetlog"
)

var (
	dumpLimit      int
	dumpBytes      int
	dumpSkipHidden bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print the packets of a packet log",
	Long: `Print one line per packet: index, receival time, direction, length,
opcode, flags and a hex preview of the body.

Examples:
  netpro dump capture.psl
  netpro dump --limit 20 --bytes 64 capture.psl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(cmd.Context(), args[0], dumpOptions{
			limit:      dumpLimit,
			bytes:      dumpBytes,
			skipHidden: dumpSkipHidden,
		}, cmd.OutOrStdout())
	},
}

func init() {
	dumpCmd.Flags().IntVarP(&dumpLimit, "limit", "n", 0, "stop after this many packets (0 = all)")
	dumpCmd.Flags().IntVar(&dumpBytes, "bytes", 16, "body bytes shown per packet")
	dumpCmd.Flags().BoolVar(&dumpSkipHidden, "skip-hidden", false, "omit packets flagged hidden")
}

type dumpOptions struct {
	limit      int
	bytes      int
	skipHidden bool
}

func runDump(ctx context.Context, path string, opts dumpOptions, out io.Writer) error {
	h, err := packetlog.ReadHeader(ctx, path)
	if err != nil {
		return err
	}
	r, err := packetlog.Open(h)
	if err != nil {
		return err
	}
	defer r.Close()

	shown := 0
	index := -1
	for rec, err := range r.All(ctx) {
		if err != nil {
			return err
		}
		index++
		if opts.skipHidden && rec.Flags.Has(packetlog.FlagHidden) {
			continue
		}
		if opts.limit > 0 && shown >= opts.limit {
			break
		}
		shown++

		dir := "C->S"
		if rec.Endpoint == packetlog.Server {
			dir = "S->C"
		}
		opcode := "--"
		if key, ok := packetlog.OpcodeKey(rec.Endpoint, rec.Body); ok {
			opcode = packetlog.FormatOpcode(key)
		}
		preview := rec.Body
		if opts.bytes >= 0 && len(preview) > opts.bytes {
			preview = preview[:opts.bytes]
		}
		flags := rec.Flags.String()
		if flags == "" {
			flags = "-"
		}
		fmt.Fprintf(out, "%6d %s %s %5d %-7s %-16s %s\n",
			index, rec.Received.UTC().Format(time.StampMilli), dir, len(rec.Body), opcode, flags,
			hex.EncodeToString(preview))
	}
	fmt.Fprintf(out, "%d of %d packets shown\n", shown, h.TotalPackets)
	return nil
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/netpro/netpro/internal/export"
	"github.com/netpro/netpro/internal/packetlog"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export a packet log as a pcap capture",
	Long: `Write the packets of a log as a single synthetic TCP connection
(client 10.0.0.1:50000, server 10.0.0.2 on the service port) in pcap format,
readable by Wireshark and tcpdump.

Examples:
  netpro export capture.psl                 # writes capture.pcap
  netpro export -w out.pcap capture.psl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd.Context(), args[0], exportOutput, cmd.OutOrStdout())
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "write", "w", "", "output pcap path (default: <file>.pcap)")
}

func runExport(ctx context.Context, path, output string, out io.Writer) (err error) {
	h, err := packetlog.ReadHeader(ctx, path)
	if err != nil {
		return err
	}
	if output == "" {
		output = strings.TrimSuffix(path, packetlog.FileExt) + ".pcap"
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	bw := bufio.NewWriter(f)
	n, err := export.WritePcap(ctx, h, bw)
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Fprintf(out, "exported %d packet(s) to %s\n", n, output)
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/netpro/netpro/internal/catalog"
	"github.com/netpro/netpro/internal/packetlog"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate packet logs",
	Long: `Validate packet logs and explain why a log is rejected.

The exit status is 1 when any file fails. An interrupted recording is
reported distinctly from a damaged or foreign file.

Examples:
  netpro validate capture.psl
  netpro validate captures/game/*/*.psl`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.Context(), args, cmd.OutOrStdout())
	},
}

// reason explains a rejected log in one phrase.
func reason(err error) string {
	switch catalog.Classify(err) {
	case catalog.StatusIncomplete:
		return "recording was interrupted"
	case catalog.StatusUnknown:
		return "not a packet log"
	case catalog.StatusDamaged:
		return "damaged"
	case catalog.StatusTruncated:
		return "truncated"
	case catalog.StatusEmpty:
		return "contains no packets"
	default:
		return "unreadable"
	}
}

func runValidate(ctx context.Context, paths []string, out io.Writer) error {
	failed := 0
	for _, path := range paths {
		h, err := packetlog.ReadHeader(ctx, path)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "INVALID: %s: %s (%v)\n", path, reason(err), err)
			continue
		}
		fmt.Fprintf(out, "VALID: %s: v%d %s, %d packet(s), %s\n",
			path, h.Version, h.Service, h.TotalPackets, h.Compression)
	}
	if failed > 0 {
		fmt.Fprintf(out, "%d of %d file(s) invalid\n", failed, len(paths))
		return errSilent
	}
	return nil
}

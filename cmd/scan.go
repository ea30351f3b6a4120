package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netpro/netpro/internal/catalog"
)

var scanFormat = "text"

var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Classify every packet log of a capture tree",
	Long: `Walk a capture tree (capture.base_dir when no directory is given),
validate every .psl file concurrently and print its classification:
valid, incomplete, unknown, damaged, truncated, empty or unreadable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Capture.BaseDir
		if len(args) == 1 {
			dir = args[0]
		}
		c := catalog.New(catalog.Options{Workers: cfg.Catalog.Workers, CacheTTL: cfg.Catalog.CacheTTL})
		return runScan(cmd.Context(), c, dir, scanFormat, cmd.OutOrStdout())
	},
}

func init() {
	scanCmd.Flags().VarP(formatValue{f: &scanFormat, allowed: []string{"text", "json"}},
		"output", "o", "output format: text or json")
}

type scanEntry struct {
	Path    string         `json:"path"`
	Service string         `json:"service,omitempty"`
	Host    string         `json:"host,omitempty"`
	Size    int64          `json:"size"`
	Status  catalog.Status `json:"status"`
	Packets uint32         `json:"packets,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func runScan(ctx context.Context, c *catalog.Catalog, dir, format string, out io.Writer) error {
	entries, err := c.Scan(ctx, dir)
	if err != nil {
		return err
	}

	view := make([]scanEntry, 0, len(entries))
	for _, e := range entries {
		se := scanEntry{Path: e.Path, Service: e.Service, Host: e.Host, Size: e.Size, Status: e.Status}
		if e.Header != nil {
			se.Packets = e.Header.TotalPackets
		}
		if e.Err != nil {
			se.Error = e.Err.Error()
		}
		view = append(view, se)
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tPACKETS\tSIZE\tPATH")
	for _, e := range view {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", e.Status, e.Packets, e.Size, e.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	summary := catalog.Summary(entries)
	fmt.Fprintf(out, "%d files", len(entries))
	for _, s := range []catalog.Status{
		catalog.StatusValid, catalog.StatusIncomplete, catalog.StatusEmpty, catalog.StatusTruncated,
		catalog.StatusDamaged, catalog.StatusUnknown, catalog.StatusUnreadable,
	} {
		if n := summary[s]; n > 0 {
			fmt.Fprintf(out, ", %d %s", n, s)
		}
	}
	fmt.Fprintln(out)
	return nil
}

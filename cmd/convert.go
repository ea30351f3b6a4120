package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/netpro/netpro/internal/metrics"
	"github.com/netpro/netpro/internal/packetlog"
	"github.com/netpro/netpro/internal/recorder"
)

var (
	convertOutDir      string
	convertHost        string
	convertCompression packetlog.Compression
)

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Re-record a packet log in the current format",
	Long: `Replay a packet log through the capture writer into a new log under
<out>/<service>/<host>/, using the current format version and the chosen
compression. The source file is never modified.

Examples:
  netpro convert --compression snappy -o converted old.psl
  netpro convert --host 10.0.0.5 -o captures legacy.psl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := convertOptions{
			outDir:          convertOutDir,
			host:            convertHost,
			compression:     cfg.Capture.Compression,
			stagingSize:     cfg.Capture.StagingBufferSize,
			retryInterval:   cfg.Capture.RetryInterval,
			shutdownTimeout: cfg.Capture.ShutdownTimeout,
		}
		if opts.outDir == "" {
			opts.outDir = cfg.Capture.BaseDir
		}
		if cmd.Flags().Changed("compression") {
			opts.compression = convertCompression
		}

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			defer srv.Stop(context.Background())
		}

		_, err := runConvert(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertOutDir, "out", "o", "", "capture tree to write into (default: capture.base_dir)")
	convertCmd.Flags().StringVar(&convertHost, "host", "", "remote host directory (default: parent directory of the source)")
	convertCmd.Flags().Var(compressionValue{c: &convertCompression}, "compression",
		"block compression: none, deflate or snappy (default: capture.compression)")
}

type convertOptions struct {
	outDir          string
	host            string
	compression     packetlog.Compression
	stagingSize     int
	retryInterval   time.Duration
	shutdownTimeout time.Duration
}

// runConvert replays the log at path through a recorder and returns the
// path of the new log.
func runConvert(ctx context.Context, path string, opts convertOptions, out io.Writer) (string, error) {
	h, err := packetlog.ReadHeader(ctx, path)
	if err != nil {
		return "", err
	}
	host := opts.host
	if host == "" {
		host = filepath.Base(filepath.Dir(path))
	}

	dir := recorder.LogDir(opts.outDir, h.Service, host)
	before, _ := filepath.Glob(filepath.Join(dir, "*"+packetlog.FileExt))

	rec := recorder.New(recorder.Config{
		BaseDir:       opts.outDir,
		Compression:   opts.compression,
		StagingSize:   opts.stagingSize,
		RetryInterval: opts.retryInterval,
	})
	rec.Start()

	conn := recorder.NewStaticConnection(h.Service, &recorder.Target{Host: host},
		recorder.Protocol{Version: h.ProtocolVersion, AltModes: h.AltModes})
	rec.OnConnectionEstablished(conn, h.Created)

	replayErr := replay(ctx, h, conn.ID(), rec)
	conn.MarkDisconnected()
	rec.OnDisconnected(conn.ID())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := multierr.Combine(replayErr, rec.Shutdown(shutdownCtx)); err != nil {
		return "", err
	}

	st := rec.Stats()
	if st.Finalized != 1 || st.Packets != int64(h.TotalPackets) {
		return "", fmt.Errorf("conversion incomplete: %d of %d packet(s) written, %d dropped",
			st.Packets, h.TotalPackets, st.Dropped)
	}

	after, _ := filepath.Glob(filepath.Join(dir, "*"+packetlog.FileExt))
	var created string
	for _, p := range after {
		if !slices.Contains(before, p) {
			created = p
		}
	}
	fmt.Fprintf(out, "converted %d packet(s): %s (v%d, %s) -> %s (v%d, %s)\n",
		st.Packets, path, h.Version, h.Compression, created, packetlog.CurrentVersion, opts.compression)
	return created, nil
}

func replay(ctx context.Context, h *packetlog.Header, id recorder.ConnectionID, rec *recorder.Recorder) error {
	r, err := packetlog.Open(h)
	if err != nil {
		return err
	}
	defer r.Close()
	for p, err := range r.All(ctx) {
		if err != nil {
			return err
		}
		rec.OnPacket(id, p, 0)
	}
	return nil
}

// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netpro/netpro/internal/config"
	"github.com/netpro/netpro/internal/log"
)

var (
	// Global flags
	configFile string
	logLevel   string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

// errSilent marks failures whose explanation was already printed.
var errSilent = errors.New("command failed")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netpro",
	Short: "NetPro - packet log toolkit",
	Long: `NetPro records proxied game connections into packet logs (.psl).

This tool inspects, validates, dumps, converts and exports those logs:
  - inspect:  show the header and footer of a log
  - dump:     print the packets of a log
  - scan:     classify every log of a capture tree
  - validate: check logs and explain why a log is rejected
  - export:   write a log as a pcap capture
  - convert:  re-record a log with another compression`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { _ = log.Close() },
}

// Execute adds all child commands to the root command and runs it with a
// context cancelled on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errSilent) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and NETPRO_* env vars when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(convertCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if err := log.Init(loaded.Log); err != nil {
		return err
	}
	cfg = loaded
	return nil
}

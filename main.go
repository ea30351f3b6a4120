// Package main is the entry point for the netpro packet log tool.
package main

import (
	"os"

	"github.com/netpro/netpro/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/netpro/netpro/internal/packetlog"
)

// compressionValue is a pflag.Value accepting compression names.
type compressionValue struct {
	c *packetlog.Compression
}

var _ pflag.Value = compressionValue{}

func (v compressionValue) String() string {
	if v.c == nil {
		return ""
	}
	return v.c.String()
}

func (v compressionValue) Set(s string) error {
	c, err := packetlog.ParseCompression(s)
	if err != nil {
		return err
	}
	*v.c = c
	return nil
}

func (compressionValue) Type() string { return "compression" }

// formatValue restricts an output format flag to a fixed set.
type formatValue struct {
	f       *string
	allowed []string
}

func (v formatValue) String() string {
	if v.f == nil {
		return ""
	}
	return *v.f
}

func (v formatValue) Set(s string) error {
	for _, a := range v.allowed {
		if s == a {
			*v.f = s
			return nil
		}
	}
	return fmt.Errorf("must be one of %v", v.allowed)
}

func (formatValue) Type() string { return "format" }

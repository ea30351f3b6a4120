package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netpro/netpro/internal/packetlog"
)

const (
	fileTimeLayout = "20060102_150405"
	suffixLen      = 5
	createAttempts = 5
)

// LogDir is the directory holding the logs of one remote host:
// <base>/<login|game>/<host>.
func LogDir(base string, service packetlog.ServiceType, host string) string {
	return filepath.Join(base, service.String(), sanitizeHost(host))
}

// sanitizeHost keeps host names usable as a single path element.
func sanitizeHost(host string) string {
	if host == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, host)
}

func logFileName(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return at.Format(fileTimeLayout) + "_" + suffix + packetlog.FileExt
}

// createFunc creates a log file that must not exist yet.
type createFunc func(path string, opts packetlog.WriterOptions) (*packetlog.Writer, error)

// createLog creates the directories and a fresh log file for a connection.
func createLog(cfg Config, create createFunc, service packetlog.ServiceType, host string, at time.Time) (*packetlog.Writer, string, error) {
	dir := LogDir(cfg.BaseDir, service, host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create capture directory %s: %w", dir, err)
	}
	opts := packetlog.WriterOptions{
		Created:     at,
		Service:     service,
		Compression: cfg.Compression,
		StagingSize: cfg.StagingSize,
	}
	var lastErr error
	for range createAttempts {
		path := filepath.Join(dir, logFileName(at))
		w, err := create(path, opts)
		if err == nil {
			return w, path, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	return nil, "", lastErr
}

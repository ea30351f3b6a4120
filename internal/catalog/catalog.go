// Package catalog indexes a capture tree of packet logs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc/pool"

	"github.com/netpro/netpro/internal/metrics"
	"github.com/netpro/netpro/internal/packetlog"
)

// Status classifies a file found in the capture tree.
type Status string

const (
	StatusValid      Status = "valid"
	StatusIncomplete Status = "incomplete"
	StatusUnknown    Status = "unknown"
	StatusDamaged    Status = "damaged"
	StatusTruncated  Status = "truncated"
	StatusEmpty      Status = "empty"
	// StatusUnreadable covers files that could not be opened or measured.
	StatusUnreadable Status = "unreadable"
)

// Classify maps a ReadHeader error to a Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusValid
	case errors.Is(err, packetlog.ErrIncompleteLog):
		return StatusIncomplete
	case errors.Is(err, packetlog.ErrUnknownFileType), errors.Is(err, packetlog.ErrInsufficientlyLargeFile):
		return StatusUnknown
	case errors.Is(err, packetlog.ErrDamagedFile):
		return StatusDamaged
	case errors.Is(err, packetlog.ErrTruncatedLog):
		return StatusTruncated
	case errors.Is(err, packetlog.ErrEmptyLog):
		return StatusEmpty
	default:
		return StatusUnreadable
	}
}

// Entry describes one packet log of the tree.
type Entry struct {
	Path    string
	Service string
	Host    string
	Size    int64
	ModTime time.Time
	Status  Status
	// Header is set for valid logs only.
	Header *packetlog.Header
	Err    error
}

// Options configure a Catalog.
type Options struct {
	Workers int
	// CacheTTL bounds how long a scanned header is reused; zero disables
	// caching.
	CacheTTL time.Duration
}

// Catalog scans capture trees. Entries of files whose size and modification
// time did not change are served from cache.
type Catalog struct {
	workers int
	cache   *cache.Cache
}

// New creates a Catalog.
func New(opts Options) *Catalog {
	c := &Catalog{workers: opts.Workers}
	if c.workers <= 0 {
		c.workers = runtime.GOMAXPROCS(0)
	}
	if opts.CacheTTL > 0 {
		c.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return c
}

type candidate struct {
	path    string
	rel     string
	size    int64
	modTime time.Time
}

// Scan walks dir, validates every packet log concurrently and returns the
// entries sorted by path. Only cancellation and walk failures are returned
// as errors; per-file problems are reported through Entry.Status.
func (c *Catalog) Scan(ctx context.Context, dir string) ([]Entry, error) {
	files, err := collect(ctx, dir)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[Entry]().WithContext(ctx).WithMaxGoroutines(c.workers)
	for _, f := range files {
		p.Go(func(ctx context.Context) (Entry, error) {
			return c.scanFile(ctx, f)
		})
	}
	entries, err := p.Wait()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	return entries, nil
}

func collect(ctx context.Context, dir string) ([]candidate, error) {
	var files []candidate
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), packetlog.FileExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, candidate{path: path, rel: rel, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

func (c *Catalog) scanFile(ctx context.Context, f candidate) (Entry, error) {
	key := fmt.Sprintf("%s|%d|%d", f.path, f.size, f.modTime.UnixNano())
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.(Entry), nil
		}
	}

	e := Entry{Path: f.path, Size: f.size, ModTime: f.modTime}
	if parts := strings.Split(filepath.ToSlash(f.rel), "/"); len(parts) == 3 {
		e.Service, e.Host = parts[0], parts[1]
	}

	h, err := packetlog.ReadHeader(ctx, f.path)
	if ctx.Err() != nil {
		return Entry{}, ctx.Err()
	}
	e.Header, e.Err, e.Status = h, err, Classify(err)
	metrics.ScanResultsTotal.WithLabelValues(string(e.Status)).Inc()
	if e.Status != StatusValid {
		slog.Debug("packet log rejected", "path", f.path, "status", e.Status, "error", err)
	}

	// Incomplete logs may still be recording; never cache them.
	if c.cache != nil && e.Status != StatusIncomplete {
		c.cache.Set(key, e, cache.DefaultExpiration)
	}
	return e, nil
}

// Summary counts entries per status.
func Summary(entries []Entry) map[Status]int {
	out := make(map[Status]int)
	for _, e := range entries {
		out[e.Status]++
	}
	return out
}

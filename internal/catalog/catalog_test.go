package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpro/netpro/internal/packetlog"
)

var created = time.UnixMilli(1_710_000_000_000)

func writeLog(t *testing.T, path string, n int, finalize bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	w, err := packetlog.Create(path, packetlog.WriterOptions{Created: created, Service: packetlog.ServiceGame})
	require.NoError(t, err)
	for i := range n {
		rec := packetlog.Record{Endpoint: i%2 == 0, Body: []byte{byte(i), 0x01}, Received: created}
		require.NoError(t, w.Write(rec))
	}
	if finalize {
		require.NoError(t, w.Finalize(packetlog.Session{ProtocolVersion: 3}))
	} else {
		require.NoError(t, w.Abort())
	}
}

func buildTree(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	game := filepath.Join(base, "game", "10.0.0.5")

	writeLog(t, filepath.Join(game, "a_valid.psl"), 4, true)
	writeLog(t, filepath.Join(game, "b_incomplete.psl"), 2, false)
	writeLog(t, filepath.Join(base, "login", "auth.example", "c_empty.psl"), 0, true)

	truncated := filepath.Join(game, "d_truncated.psl")
	writeLog(t, truncated, 3, true)
	info, err := os.Stat(truncated)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(truncated, info.Size()-2))

	damaged := filepath.Join(game, "e_damaged.psl")
	writeLog(t, damaged, 3, true)
	f, err := os.OpenFile(damaged, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(filepath.Join(game, "f_unknown.psl"), []byte("definitely not a log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(game, "notes.txt"), []byte("ignored"), 0o644))
	return base
}

func TestScanClassifiesFiles(t *testing.T) {
	base := buildTree(t)
	entries, err := New(Options{Workers: 2}).Scan(context.Background(), base)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[filepath.Base(e.Path)] = e
	}
	want := map[string]Status{
		"a_valid.psl":      StatusValid,
		"b_incomplete.psl": StatusIncomplete,
		"c_empty.psl":      StatusEmpty,
		"d_truncated.psl":  StatusTruncated,
		"e_damaged.psl":    StatusDamaged,
		"f_unknown.psl":    StatusUnknown,
	}
	for name, status := range want {
		assert.Equal(t, status, byName[name].Status, name)
	}

	valid := byName["a_valid.psl"]
	require.NotNil(t, valid.Header)
	assert.Equal(t, uint32(4), valid.Header.TotalPackets)
	assert.Equal(t, "game", valid.Service)
	assert.Equal(t, "10.0.0.5", valid.Host)
	assert.NoError(t, valid.Err)

	assert.Equal(t, "login", byName["c_empty.psl"].Service)
	assert.ErrorIs(t, byName["b_incomplete.psl"].Err, packetlog.ErrIncompleteLog)

	assert.Equal(t, map[Status]int{
		StatusValid: 1, StatusIncomplete: 1, StatusEmpty: 1,
		StatusTruncated: 1, StatusDamaged: 1, StatusUnknown: 1,
	}, Summary(entries))

	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Path, entries[i].Path)
	}
}

func TestScanCacheFollowsFileChanges(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "game", "h", "log.psl")
	writeLog(t, path, 2, true)

	c := New(Options{Workers: 1, CacheTTL: time.Minute})
	first, err := c.Scan(context.Background(), base)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, StatusValid, first[0].Status)

	again, err := c.Scan(context.Background(), base)
	require.NoError(t, err)
	assert.Same(t, first[0].Header, again[0].Header)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	changed, err := c.Scan(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, StatusDamaged, changed[0].Status)
}

func TestScanCancelled(t *testing.T) {
	base := buildTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Scan(ctx, base)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanMissingDir(t *testing.T) {
	_, err := New(Options{}).Scan(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusValid, Classify(nil))
	assert.Equal(t, StatusUnreadable, Classify(os.ErrPermission))
	assert.Equal(t, StatusUnknown, Classify(&packetlog.MetadataError{Kind: packetlog.ErrInsufficientlyLargeFile}))
}

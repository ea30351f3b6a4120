package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpro/netpro/internal/metrics"
	"github.com/netpro/netpro/internal/packetlog"
)

// Config contains recorder settings.
type Config struct {
	// BaseDir is the root of the capture tree.
	BaseDir     string
	Compression packetlog.Compression
	// StagingSize is the uncompressed block staging capacity.
	StagingSize int
	// RetryInterval is how long the worker idles before re-checking
	// connections whose target is not resolved yet.
	RetryInterval time.Duration
}

// SuppressFunc reports whether a packet should be tagged hidden.
type SuppressFunc func(id ConnectionID, rec packetlog.Record) bool

// Option customises a Recorder.
type Option func(*Recorder)

// WithSuppression tags packets matching fn with packetlog.FlagHidden. It
// never drops them.
func WithSuppression(fn SuppressFunc) Option {
	return func(r *Recorder) { r.suppress = fn }
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Opened    int64
	Finalized int64
	Failed    int64
	Packets   int64
	Dropped   int64
}

// Recorder turns connection and packet events into packet logs. The On*
// methods are safe for concurrent use and never block on I/O.
type Recorder struct {
	cfg      Config
	suppress SuppressFunc
	create   createFunc
	mb       *mailbox

	startOnce sync.Once
	started   atomic.Bool
	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}
	finishErr error

	// Owned by the worker goroutine.
	files     map[ConnectionID]*fileState
	deferred  map[ConnectionID]message
	order     []ConnectionID
	delayed   map[ConnectionID][]packetlog.Record
	abandoned map[ConnectionID]struct{}
	// remaining counts the messages of the current batch not handled yet.
	remaining int

	opened    atomic.Int64
	finalized atomic.Int64
	failed    atomic.Int64
	packets   atomic.Int64
	dropped   atomic.Int64
}

// New creates a Recorder. Call Start to begin processing.
func New(cfg Config, opts ...Option) *Recorder {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	r := &Recorder{
		cfg:       cfg,
		create:    packetlog.Create,
		mb:        newMailbox(),
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
		files:     make(map[ConnectionID]*fileState),
		deferred:  make(map[ConnectionID]message),
		delayed:   make(map[ConnectionID][]packetlog.Record),
		abandoned: make(map[ConnectionID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker goroutine.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		slog.Info("recorder starting", "base_dir", r.cfg.BaseDir, "compression", r.cfg.Compression.String())
		go r.run()
	})
}

func (r *Recorder) enqueue(msg message) {
	if !r.mb.push(msg) {
		if msg.kind == msgPacket {
			r.drop(1, metrics.DropShutdown)
		}
		return
	}
	metrics.CaptureQueueDepth.Set(float64(r.mb.len()))
}

// OnConnectionEstablished announces a new connection at time at.
func (r *Recorder) OnConnectionEstablished(conn Connection, at time.Time) {
	r.enqueue(message{kind: msgEstablished, id: conn.ID(), conn: conn, at: at})
}

// OnPacket records rec for connection id, adding flags to the record's own.
func (r *Recorder) OnPacket(id ConnectionID, rec packetlog.Record, flags packetlog.Flags) {
	rec.Flags |= flags
	if r.suppress != nil && r.suppress(id, rec) {
		rec.Flags |= packetlog.FlagHidden
	}
	r.enqueue(message{kind: msgPacket, id: id, rec: rec})
}

// OnDisconnected finalizes the log of connection id.
func (r *Recorder) OnDisconnected(id ConnectionID) {
	r.enqueue(message{kind: msgDisconnected, id: id})
}

// Shutdown stops accepting events and waits for the worker to process the
// backlog. When ctx ends first, the remaining events are dropped. Every open
// log is finalized in both cases; finalization errors are returned.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mb.close()
	if !r.started.Load() {
		return nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.abortOnce.Do(func() { close(r.abort) })
		<-r.done
	}
	return r.finishErr
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Opened:    r.opened.Load(),
		Finalized: r.finalized.Load(),
		Failed:    r.failed.Load(),
		Packets:   r.packets.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Recorder) drop(n int, reason string) {
	if n == 0 {
		return
	}
	r.dropped.Add(int64(n))
	metrics.CaptureDropsTotal.WithLabelValues(reason).Add(float64(n))
}

package recorder

import (
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/netpro/netpro/internal/metrics"
	"github.com/netpro/netpro/internal/packetlog"
)

// fileState is the open log of one connection.
type fileState struct {
	conn Connection
	w    *packetlog.Writer
	path string
}

func (r *Recorder) aborted() bool {
	select {
	case <-r.abort:
		return true
	default:
		return false
	}
}

// run is the worker loop. Messages are handled in arrival order; opens that
// wait for a target are parked in r.deferred and re-checked after every
// batch, so they never hold up unrelated work.
func (r *Recorder) run() {
	defer close(r.done)

	var retry *time.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		batch, closed := r.mb.take()
		for i, msg := range batch {
			if r.aborted() {
				r.dropMessages(batch[i:])
				batch = nil
				break
			}
			r.remaining = len(batch) - i - 1
			r.handle(msg)
		}
		r.remaining = 0
		metrics.CaptureQueueDepth.Set(float64(r.mb.len()))
		r.retryDeferred()

		if r.aborted() || (closed && r.mb.len() == 0) {
			break
		}
		if len(batch) > 0 {
			continue
		}

		var tick <-chan time.Time
		if len(r.order) > 0 {
			if retry == nil {
				retry = time.NewTimer(r.cfg.RetryInterval)
			} else {
				retry.Reset(r.cfg.RetryInterval)
			}
			tick = retry.C
		}
		select {
		case <-r.mb.signal:
		case <-tick:
		case <-r.abort:
		}
	}
	r.finish()
}

func (r *Recorder) handle(msg message) {
	switch msg.kind {
	case msgEstablished:
		r.established(msg)
	case msgPacket:
		r.packet(msg)
	case msgDisconnected:
		r.disconnected(msg.id)
	}
}

func (r *Recorder) established(msg message) {
	if _, ok := r.files[msg.id]; ok {
		slog.Warn("connection already has an open packet log, ignoring", "conn", msg.id)
		return
	}
	if _, ok := r.deferred[msg.id]; ok {
		slog.Warn("connection is already waiting for its target, ignoring", "conn", msg.id)
		return
	}
	if msg.conn.Target() == nil {
		r.deferred[msg.id] = msg
		r.order = append(r.order, msg.id)
		return
	}
	r.open(msg)
}

// retryDeferred opens every parked connection whose target has resolved and
// abandons those that disconnected first.
func (r *Recorder) retryDeferred() {
	if len(r.order) == 0 {
		return
	}
	waiting := r.order[:0]
	for _, id := range r.order {
		msg, ok := r.deferred[id]
		if !ok {
			continue
		}
		switch {
		case msg.conn.Target() != nil:
			delete(r.deferred, id)
			r.open(msg)
		case msg.conn.Disconnected():
			delete(r.deferred, id)
			r.discardDelayed(id, "connection closed before its target was resolved")
		default:
			waiting = append(waiting, id)
		}
	}
	r.order = waiting
}

func (r *Recorder) open(msg message) {
	target := msg.conn.Target()
	service := msg.conn.Service()
	w, path, err := createLog(r.cfg, r.create, service, target.Host, msg.at)
	if err != nil {
		slog.Error("cannot create packet log, connection will not be captured",
			"conn", msg.id, "host", target.Host, "error", err)
		r.failed.Add(1)
		metrics.CaptureFilesTotal.WithLabelValues(metrics.FileFailed).Inc()
		r.discardDelayed(msg.id, "packet log could not be created")
		return
	}

	st := &fileState{conn: msg.conn, w: w, path: path}
	r.files[msg.id] = st
	r.opened.Add(1)
	metrics.CaptureFilesTotal.WithLabelValues(metrics.FileOpened).Inc()
	metrics.CaptureOpenFiles.Inc()
	slog.Info("packet log opened", "conn", msg.id, "service", service.String(), "path", path)

	pending := r.delayed[msg.id]
	delete(r.delayed, msg.id)
	for i, rec := range pending {
		if !r.write(msg.id, st, rec) {
			r.drop(len(pending)-i-1, metrics.DropAbandon)
			return
		}
	}
}

// packet writes rec to the connection's log. Without a log, the packet is
// buffered while an open may still be pending: the connection waits for its
// target, or more events are queued behind this one.
func (r *Recorder) packet(msg message) {
	if st, ok := r.files[msg.id]; ok {
		r.write(msg.id, st, msg.rec)
		return
	}
	if _, ok := r.abandoned[msg.id]; ok {
		r.drop(1, metrics.DropAbandon)
		return
	}
	_, waiting := r.deferred[msg.id]
	if waiting || r.remaining > 0 || r.mb.len() > 0 {
		r.delayed[msg.id] = append(r.delayed[msg.id], msg.rec)
		return
	}
	r.discardDelayed(msg.id, "no packet log was opened for the connection")
	slog.Warn("packet for a connection without a packet log will not be logged", "conn", msg.id)
	r.drop(1, metrics.DropNoLog)
}

// write appends rec and reports whether the log is still usable. On failure
// the log is abandoned for good.
func (r *Recorder) write(id ConnectionID, st *fileState, rec packetlog.Record) bool {
	if err := st.w.Write(rec); err != nil {
		delete(r.files, id)
		r.abandoned[id] = struct{}{}
		_ = st.w.Abort()
		r.failed.Add(1)
		r.drop(1, metrics.DropAbandon)
		metrics.CaptureFilesTotal.WithLabelValues(metrics.FileFailed).Inc()
		metrics.CaptureOpenFiles.Dec()
		slog.Error("packet log write failed, no further packets will be logged for this connection",
			"conn", id, "path", st.path, "error", err)
		return false
	}
	service := st.conn.Service().String()
	r.packets.Add(1)
	metrics.CapturePacketsTotal.WithLabelValues(service, rec.Endpoint.String()).Inc()
	metrics.CaptureBytesTotal.WithLabelValues(service).Add(float64(len(rec.Body)))
	return true
}

func (r *Recorder) disconnected(id ConnectionID) {
	delete(r.abandoned, id)
	if st, ok := r.files[id]; ok {
		delete(r.files, id)
		_ = r.finalize(id, st)
		return
	}
	msg, ok := r.deferred[id]
	if !ok {
		r.discardDelayed(id, "connection closed without a packet log")
		return
	}
	delete(r.deferred, id)
	if msg.conn.Target() == nil {
		r.discardDelayed(id, "connection closed before its target was resolved")
		return
	}
	// Resolved since the last retry: persist what was buffered.
	r.open(msg)
	if st, ok := r.files[id]; ok {
		delete(r.files, id)
		_ = r.finalize(id, st)
	}
}

func (r *Recorder) finalize(id ConnectionID, st *fileState) error {
	start := time.Now()
	p := st.conn.Protocol()
	err := st.w.Finalize(packetlog.Session{ProtocolVersion: p.Version, AltModes: p.AltModes})
	metrics.CaptureOpenFiles.Dec()
	if err != nil {
		r.failed.Add(1)
		metrics.CaptureFilesTotal.WithLabelValues(metrics.FileFailed).Inc()
		slog.Error("packet log finalize failed", "conn", id, "path", st.path, "error", err)
		return err
	}
	r.finalized.Add(1)
	metrics.CaptureFilesTotal.WithLabelValues(metrics.FileFinalized).Inc()
	metrics.CaptureFinalizeSeconds.Observe(time.Since(start).Seconds())
	slog.Info("packet log finalized", "conn", id, "path", st.path,
		"packets", st.w.Packets(), "bytes", st.w.PacketBytes())
	return nil
}

func (r *Recorder) discardDelayed(id ConnectionID, why string) {
	pending := r.delayed[id]
	delete(r.delayed, id)
	if len(pending) == 0 {
		return
	}
	slog.Warn("discarding buffered packets", "conn", id, "count", len(pending), "reason", why)
	r.drop(len(pending), metrics.DropNoLog)
}

func (r *Recorder) dropMessages(msgs []message) {
	n := 0
	for _, msg := range msgs {
		if msg.kind == msgPacket {
			n++
		}
	}
	r.drop(n, metrics.DropShutdown)
}

// finish runs once the worker stops: open logs are finalized, everything
// still queued, parked or buffered is dropped.
func (r *Recorder) finish() {
	var errs error
	for id, st := range r.files {
		delete(r.files, id)
		errs = multierr.Append(errs, r.finalize(id, st))
	}

	rest, _ := r.mb.take()
	r.dropMessages(rest)
	buffered := 0
	for id, pending := range r.delayed {
		buffered += len(pending)
		delete(r.delayed, id)
	}
	r.drop(buffered, metrics.DropShutdown)
	if len(rest) > 0 || buffered > 0 || len(r.deferred) > 0 {
		slog.Warn("recorder stopped with unprocessed events",
			"queued", len(rest), "buffered_packets", buffered, "pending_opens", len(r.deferred))
	}
	clear(r.deferred)
	clear(r.abandoned)
	r.order = nil
	metrics.CaptureQueueDepth.Set(0)

	r.finishErr = errs
	slog.Info("recorder stopped", "opened", r.opened.Load(), "finalized", r.finalized.Load(),
		"failed", r.failed.Load(), "dropped", r.dropped.Load())
}

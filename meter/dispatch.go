package meter

import (
	"context"
	"strings"
	"time"
)

const (
	defaultWorkerTimeout = 5 * time.Minute
	// Extra wait beyond the worker deadline before an overrunning worker
	// is abandoned, covering a send already in flight.
	workerJoinGrace = 30 * time.Second
)

// flushAlternates delivers the records that named a different probe or site
// than this run's session. Each destination gets a fresh transport session
// in its own worker; the parent's session is closed first and is not used
// again within the run.
func (r *Runner) flushAlternates() {
	if r.batch.Len() == 0 {
		return
	}
	if err := r.transport.Disconnect(); err != nil {
		logf(0, "disconnecting before alternate delivery: %v", err)
	}
	for _, dest := range r.batch.Destinations() {
		r.deliverAlternates(dest, r.batch.Records(dest))
		r.batch.Remove(dest)
	}
}

// deliverAlternates runs one delivery worker and waits for it, but never
// longer than the worker timeout plus a short grace. A worker that overruns
// is abandoned rather than joined so one stuck destination cannot stall the
// rest of the batch.
func (r *Runner) deliverAlternates(dest Destination, records []*UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WorkerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				logf(0, "alternate delivery to %s panicked: %v", dest, p)
			}
		}()
		r.runAlternateWorker(ctx, dest, records)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.WorkerTimeout + workerJoinGrace):
		logf(0, "alternate delivery to %s overran its deadline, abandoning it", dest)
	}
}

func (r *Runner) runAlternateWorker(ctx context.Context, dest Destination, records []*UsageRecord) {
	transport, err := r.factory(dest)
	if err != nil {
		logf(0, "cannot open a session for %s: %v", dest, err)
		return
	}
	defer transport.Disconnect()

	if err := transport.Handshake(); err != nil {
		logf(0, "handshake with %s failed: %v", dest, err)
	}
	if err := transport.ReconcileOutstanding(); err != nil {
		logf(0, "resending outstanding records for %s failed: %v", dest, err)
	}

	logf(2, "sending alternate records for %s", dest)
	submitted := 0
	for i, rec := range records {
		if ctx.Err() != nil {
			logf(0, "delivery to %s stopped after %d of %d records: %v", dest, i, len(records), ctx.Err())
			return
		}
		rec.SetDestination(dest)
		status, err := transport.Send(rec)
		if err != nil || !strings.HasPrefix(status, "OK") {
			logf(1, "sending record %s to %s failed: status=%q err=%v", rec.GlobalJobID, dest, status, err)
			continue
		}
		submitted++
	}
	logf(2, "alternate destination %s: submitted %d of %d records", dest, submitted, len(records))
}

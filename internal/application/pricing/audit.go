package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklend/borrowdesk/internal/metrics"
	"github.com/stocklend/borrowdesk/internal/models"
)

// AuditSink persists audit records; the postgres AuditRepo satisfies it.
type AuditSink interface {
	Insert(ctx context.Context, rec models.AuditRecord) error
}

// AuditQueue decouples audit emission from the response path: a bounded
// channel drained by one worker. When the queue is full the oldest record
// is dropped and counted; enqueue never blocks a calculation.
type AuditQueue struct {
	sink         AuditSink
	ch           chan models.AuditRecord
	writeTimeout time.Duration
	log          zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	closing   chan struct{}
	done      chan struct{}
}

func NewAuditQueue(sink AuditSink, size int, writeTimeout time.Duration, log zerolog.Logger) *AuditQueue {
	if size <= 0 {
		size = 1
	}
	return &AuditQueue{
		sink:         sink,
		ch:           make(chan models.AuditRecord, size),
		writeTimeout: writeTimeout,
		log:          log.With().Str("component", "audit").Logger(),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the drain worker.
func (q *AuditQueue) Start() {
	q.startOnce.Do(func() {
		go q.drain()
	})
}

// Enqueue submits a record without blocking. Overflow drops the oldest
// queued record and increments the drop counter. Records arriving after
// Close are dropped; the record channel is never closed, so a handler
// still in flight during shutdown cannot panic here.
func (q *AuditQueue) Enqueue(rec models.AuditRecord) {
	for {
		select {
		case <-q.closing:
			metrics.AuditDropped.Inc()
			return
		case q.ch <- rec:
			return
		default:
		}
		// Queue full: discard the oldest and retry. The loop resolves the
		// race with the drainer taking an element between our two selects.
		select {
		case <-q.ch:
			metrics.AuditDropped.Inc()
		default:
		}
	}
}

// Close stops accepting records and drains what is queued, bounded by the
// given context.
func (q *AuditQueue) Close(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.closing) })
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AuditQueue) drain() {
	defer close(q.done)
	for {
		select {
		case rec := <-q.ch:
			q.write(rec)
		case <-q.closing:
			for {
				select {
				case rec := <-q.ch:
					q.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (q *AuditQueue) write(rec models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
	defer cancel()
	if err := q.sink.Insert(ctx, rec); err != nil {
		// Audit failure never fails the calculation; it is surfaced
		// through the failure counter and the log.
		metrics.AuditWriteFailures.Inc()
		q.log.Error().Err(err).Str("fingerprint", rec.Fingerprint).Msg("audit write failed")
	}
}

package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklend/borrowdesk/internal/models"
)

func TestAuditQueueDrainsOnClose(t *testing.T) {
	sink := &captureSink{}
	q := NewAuditQueue(sink, 8, time.Second, zerolog.Nop())
	q.Start()

	for _, fp := range []string{"a", "b", "c"} {
		q.Enqueue(models.AuditRecord{Fingerprint: fp})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	recs := sink.records()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Fingerprint)
	assert.Equal(t, "c", recs[2].Fingerprint)
}

func TestAuditQueueEnqueueAfterClose(t *testing.T) {
	sink := &captureSink{}
	q := NewAuditQueue(sink, 8, time.Second, zerolog.Nop())
	q.Start()
	q.Enqueue(models.AuditRecord{Fingerprint: "before"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	// A handler finishing after shutdown began must not panic; its record
	// is dropped.
	require.NotPanics(t, func() {
		q.Enqueue(models.AuditRecord{Fingerprint: "late"})
	})

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "before", recs[0].Fingerprint)
}

func TestAuditQueueDropsOldestWhenFull(t *testing.T) {
	sink := &captureSink{}
	q := NewAuditQueue(sink, 2, time.Second, zerolog.Nop())
	// Not started: the channel fills and overflow evicts from the front.

	q.Enqueue(models.AuditRecord{Fingerprint: "a"})
	q.Enqueue(models.AuditRecord{Fingerprint: "b"})
	q.Enqueue(models.AuditRecord{Fingerprint: "c"})

	q.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	recs := sink.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].Fingerprint)
	assert.Equal(t, "c", recs[1].Fingerprint)
}

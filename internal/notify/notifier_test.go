package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	bodies       [][]byte
	contentTypes []string
	err          error
}

func (p *recordingPublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	p.contentTypes = append(p.contentTypes, contentType)
	return nil
}

func newTestNotifier(pub Publisher) *Notifier {
	n := New(pub, "host-1a2b3c4d", slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.now = func() time.Time {
		return time.Date(2025, 3, 4, 14, 5, 6, 0, time.FixedZone("KST", 9*3600))
	}
	return n
}

func TestJobFinished(t *testing.T) {
	pub := &recordingPublisher{}
	n := newTestNotifier(pub)

	require.NoError(t, n.JobFinished(context.Background(), "42", "done"))

	require.Len(t, pub.bodies, 1)
	assert.Equal(t, "application/json", pub.contentTypes[0])
	assert.JSONEq(t,
		`{"id":"42","status":"done","worker_id":"host-1a2b3c4d","finished_at":"2025-03-04T05:05:06Z"}`,
		string(pub.bodies[0]),
	)
}

func TestJobFinished_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	n := newTestNotifier(pub)

	err := n.JobFinished(context.Background(), "7", "failed")
	require.Error(t, err)
	assert.ErrorIs(t, err, pub.err)
	assert.Contains(t, err.Error(), "job 7")
}

package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "dlq.jsonl"))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func waitForSize(t *testing.T, q *Queue, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Size() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, want, q.Size())
}

func TestEnqueueAndSize(t *testing.T) {
	q := newQueue(t)

	q.Enqueue(Record{Subject: "chat.say.arkham.001", Payload: []byte(`{"body":"hi"}`), LastError: "broker unavailable", AttemptCount: 5})
	q.Enqueue(Record{Subject: "chat.global", Payload: []byte(`{}`), LastError: "circuit open", AttemptCount: 1})

	waitForSize(t, q, 2)
}

func TestDrain_RemovesAcceptedRecords(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 3; i++ {
		q.Enqueue(Record{Subject: "chat.global", Payload: []byte(`{}`), AttemptCount: i})
	}
	waitForSize(t, q, 3)

	var seen []Record
	n, err := q.Drain(context.Background(), func(rec Record) error {
		seen = append(seen, rec)
		return nil
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, seen, 3)
	assert.Equal(t, int64(0), q.Size())
}

func TestDrain_KeepsRejectedRecords(t *testing.T) {
	q := newQueue(t)
	q.Enqueue(Record{Subject: "combat.arkham.001", Payload: []byte(`{}`)})
	q.Enqueue(Record{Subject: "chat.global", Payload: []byte(`{}`)})
	waitForSize(t, q, 2)

	n, err := q.Drain(context.Background(), func(rec Record) error {
		if rec.Subject == "combat.arkham.001" {
			return errors.New("still failing")
		}
		return nil
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), q.Size())
}

func TestDrain_RespectsMax(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 5; i++ {
		q.Enqueue(Record{Subject: "chat.global", Payload: []byte(`{}`)})
	}
	waitForSize(t, q, 5)

	n, err := q.Drain(context.Background(), func(Record) error { return nil }, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), q.Size())
}

func TestReopen_CountsExistingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")

	q, err := Open(path)
	require.NoError(t, err)
	q.Enqueue(Record{Subject: "chat.global", Payload: []byte(`{"x":1}`), LastError: "down"})
	waitForSize(t, q, 1)
	q.Close()

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()
	assert.Equal(t, int64(1), q2.Size())

	var got Record
	n, err := q2.Drain(context.Background(), func(rec Record) error {
		got = rec
		return nil
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "chat.global", got.Subject)
	assert.Equal(t, "down", got.LastError)
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))
}

func TestEnqueue_FirstAttemptStamped(t *testing.T) {
	q := newQueue(t)
	q.Enqueue(Record{Subject: "chat.global"})
	waitForSize(t, q, 1)

	_, err := q.Drain(context.Background(), func(rec Record) error {
		assert.False(t, rec.FirstAttemptAt.IsZero())
		return nil
	}, 1)
	require.NoError(t, err)
}

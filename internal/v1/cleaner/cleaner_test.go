package cleaner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arkhamlabs/mudcore/internal/v1/dlq"
	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct {
	mu       sync.Mutex
	deadRuns int
	ghostRun int
	orphans  int
}

func (f *fakeRegistry) SweepDeadConns(context.Context) []types.ConnectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadRuns++
	return nil
}

func (f *fakeRegistry) SweepGhosts(context.Context) []types.PlayerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ghostRun++
	return []types.PlayerID{"ghost"}
}

func (f *fakeRegistry) SweepOrphans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans++
	return 1
}

type fakeBroker struct {
	mu        sync.Mutex
	healthy   bool
	failWith  error
	published []string
}

func (f *fakeBroker) Publish(_ context.Context, subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, subject)
	return nil
}

func (f *fakeBroker) Subscribe(string, func(string, []byte)) (types.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) QueueSubscribe(string, string, func(string, []byte)) (types.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeBroker) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newQueue(t *testing.T, records int) *dlq.Queue {
	t.Helper()
	q, err := dlq.Open(filepath.Join(t.TempDir(), "dlq.jsonl"))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	for i := 0; i < records; i++ {
		q.Enqueue(dlq.Record{Subject: "chat.global", Payload: []byte(`{}`), LastError: "down"})
	}
	require.Eventually(t, func() bool {
		return q.Size() == int64(records)
	}, 2*time.Second, 5*time.Millisecond)
	return q
}

func TestSweep_RunsAllStages(t *testing.T) {
	reg := &fakeRegistry{}
	c := New(reg, &fakeBroker{healthy: true}, newQueue(t, 0), Config{Interval: time.Minute})

	c.Sweep(context.Background())

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, 1, reg.deadRuns)
	assert.Equal(t, 1, reg.ghostRun)
	assert.Equal(t, 1, reg.orphans)
}

func TestSweep_DrainsDeadLettersWhenBrokerHealthy(t *testing.T) {
	broker := &fakeBroker{healthy: true}
	q := newQueue(t, 3)
	c := New(&fakeRegistry{}, broker, q, Config{Interval: time.Minute, DrainMax: 10})

	c.Sweep(context.Background())

	assert.Equal(t, 3, broker.publishedCount())
	assert.Equal(t, int64(0), q.Size())
}

func TestSweep_SkipsDrainWhenBrokerUnhealthy(t *testing.T) {
	broker := &fakeBroker{healthy: false}
	q := newQueue(t, 2)
	c := New(&fakeRegistry{}, broker, q, Config{Interval: time.Minute})

	c.Sweep(context.Background())

	assert.Zero(t, broker.publishedCount())
	assert.Equal(t, int64(2), q.Size())
}

func TestSweep_FailedReplaysStayQueued(t *testing.T) {
	broker := &fakeBroker{healthy: true, failWith: errors.New("still down")}
	q := newQueue(t, 2)
	c := New(&fakeRegistry{}, broker, q, Config{Interval: time.Minute})

	c.Sweep(context.Background())

	assert.Equal(t, int64(2), q.Size())
}

func TestSweep_DrainRespectsMax(t *testing.T) {
	broker := &fakeBroker{healthy: true}
	q := newQueue(t, 5)
	c := New(&fakeRegistry{}, broker, q, Config{Interval: time.Minute, DrainMax: 2})

	c.Sweep(context.Background())

	assert.Equal(t, 2, broker.publishedCount())
	assert.Equal(t, int64(3), q.Size())
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := New(&fakeRegistry{}, &fakeBroker{}, newQueue(t, 0), Config{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}

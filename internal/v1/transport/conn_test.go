package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSocket is an in-memory wsConn for pump tests.
type fakeSocket struct {
	inbound chan []byte
	done    chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	controls []int
	closed   bool

	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errors.New("socket closed")
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, errors.New("socket closed")
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("socket closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error      { return nil }
func (f *fakeSocket) SetReadDeadline(time.Time) error       { return nil }
func (f *fakeSocket) SetReadLimit(int64)                    {}
func (f *fakeSocket) SetPongHandler(func(string) error)     {}

func (f *fakeSocket) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// recordingHandler captures routed commands.
type recordingHandler struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *recordingHandler) HandleCommand(_ context.Context, _ *Connection, cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recordingHandler) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.cmds))
	copy(out, r.cmds)
	return out
}

func testClaims(player string) types.TokenClaims {
	return types.TokenClaims{PlayerID: types.PlayerID(player), DisplayName: player}
}

func startConn(t *testing.T, queueSize int) (*Connection, *fakeSocket, *recordingHandler) {
	t.Helper()
	ws := newFakeSocket()
	handler := &recordingHandler{}
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, handler, nil, Options{
		QueueSize:    queueSize,
		PingInterval: time.Hour, // pings not under test
	})
	conn.Start()
	t.Cleanup(func() {
		conn.Close(websocket.CloseNormalClosure, "test done")
		ws.Close()
		conn.Wait()
	})
	return conn, ws, handler
}

func TestSend_DeliversFrames(t *testing.T) {
	conn, ws, _ := startConn(t, 8)

	require.NoError(t, conn.Send([]byte(`{"a":1}`), false, 0))
	require.NoError(t, conn.Send([]byte(`{"a":2}`), false, 0))

	require.Eventually(t, func() bool {
		return len(ws.written()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"a":1}`, string(ws.written()[0]))
	assert.JSONEq(t, `{"a":2}`, string(ws.written()[1]))
}

func TestSend_NonCriticalNeverBlocks(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    2,
		PingInterval: time.Hour,
	})
	// Pumps not started: the queue fills and stays full.
	defer close(conn.done)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = conn.Send([]byte{byte(i)}, false, 0)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("non-critical send blocked on a full queue")
	}
	// Oldest frames were evicted; the last two remain.
	assert.Equal(t, 2, conn.QueueDepth())
	assert.Equal(t, []byte{8}, (<-conn.outbound).data)
	assert.Equal(t, []byte{9}, (<-conn.outbound).data)
}

func TestSend_EvictionSparesCriticalFrames(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    2,
		PingInterval: time.Hour,
	})
	defer close(conn.done)

	require.NoError(t, conn.Send([]byte("hp-update"), true, 10*time.Millisecond))
	require.NoError(t, conn.Send([]byte("tick-1"), false, 0))

	// Queue is full; the non-critical frame must be the one shed.
	require.NoError(t, conn.Send([]byte("tick-2"), false, 0))

	require.Equal(t, 2, conn.QueueDepth())
	first := <-conn.outbound
	second := <-conn.outbound
	assert.Equal(t, []byte("hp-update"), first.data)
	assert.True(t, first.critical)
	assert.Equal(t, []byte("tick-2"), second.data)
}

func TestSend_AllCriticalQueueShedsIncomingInstead(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    1,
		PingInterval: time.Hour,
	})
	defer close(conn.done)

	require.NoError(t, conn.Send([]byte("combat"), true, 10*time.Millisecond))
	require.NoError(t, conn.Send([]byte("tick"), false, 0))

	require.Equal(t, 1, conn.QueueDepth())
	assert.Equal(t, []byte("combat"), (<-conn.outbound).data)
}

func TestSend_CriticalTimesOutOnFullQueue(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    1,
		PingInterval: time.Hour,
	})
	defer close(conn.done)

	require.NoError(t, conn.Send([]byte("first"), true, 10*time.Millisecond))
	err := conn.Send([]byte("second"), true, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrBackpressureTimeout))
}

func TestSend_ClosedConnectionRejects(t *testing.T) {
	conn, ws, _ := startConn(t, 8)
	conn.Close(websocket.CloseNormalClosure, "bye")
	ws.Close()
	conn.Wait()

	err := conn.Send([]byte("late"), false, 0)
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))
}

func TestPongRecordsRoundTripTime(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    8,
		PingInterval: time.Hour,
	})
	defer close(conn.done)

	conn.AddStrike()
	conn.lastPing.Store(time.Now().Add(-50 * time.Millisecond).UnixMilli())

	rtt := conn.pongReceived()

	assert.GreaterOrEqual(t, rtt, 50*time.Millisecond)
	assert.Zero(t, conn.Strikes())
	assert.WithinDuration(t, time.Now(), conn.LastPong(), time.Second)
}

func TestWritePump_PingStampsSendTime(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    8,
		PingInterval: 10 * time.Millisecond,
	})
	conn.Start()
	t.Cleanup(func() {
		conn.Close(websocket.CloseNormalClosure, "test done")
		ws.Close()
		conn.Wait()
	})

	require.Eventually(t, func() bool {
		return conn.lastPing.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNextSeq_Monotonic(t *testing.T) {
	conn, _, _ := startConn(t, 8)
	assert.Equal(t, uint64(1), conn.NextSeq())
	assert.Equal(t, uint64(2), conn.NextSeq())
	assert.Equal(t, uint64(3), conn.NextSeq())
}

func TestReadPump_RoutesCommands(t *testing.T) {
	_, ws, handler := startConn(t, 8)

	ws.inbound <- []byte(`{"command":"say","args":{"body":"hello"}}`)

	require.Eventually(t, func() bool {
		return len(handler.commands()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cmd := handler.commands()[0]
	assert.Equal(t, "say", cmd.Name)
	assert.JSONEq(t, `{"body":"hello"}`, string(cmd.Args))
}

func TestReadPump_MalformedFrameAnsweredWithError(t *testing.T) {
	_, ws, handler := startConn(t, 8)

	ws.inbound <- []byte(`{not json`)
	ws.inbound <- []byte(`{"command":"say"}`)

	require.Eventually(t, func() bool {
		return len(handler.commands()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The malformed frame produced an error frame, not a dropped connection.
	require.Eventually(t, func() bool {
		for _, w := range ws.written() {
			var frame map[string]interface{}
			if json.Unmarshal(w, &frame) == nil && frame["event_type"] == "error" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReadPump_SocketErrorDetaches(t *testing.T) {
	var detachedMu sync.Mutex
	var detached []string

	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, func(id types.ConnectionID, reason string) {
		detachedMu.Lock()
		detached = append(detached, reason)
		detachedMu.Unlock()
	}, Options{QueueSize: 8, PingInterval: time.Hour})
	conn.Start()

	ws.Close()
	conn.Wait()

	detachedMu.Lock()
	defer detachedMu.Unlock()
	require.Len(t, detached, 1)
	assert.Equal(t, "client_close", detached[0])
	assert.False(t, conn.Alive())
}

func TestClose_DrainsQueuedFramesBeforeCloseFrame(t *testing.T) {
	ws := newFakeSocket()
	conn := NewConnection("c1", testClaims("alice"), "tok", ws, &recordingHandler{}, nil, Options{
		QueueSize:    8,
		PingInterval: time.Hour,
	})

	require.NoError(t, conn.Send([]byte("queued"), false, 0))
	conn.Close(websocket.CloseGoingAway, "shutdown")
	conn.Start()
	ws.Close()
	conn.Wait()

	writes := ws.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, "queued", string(writes[0]))
}

// Package dlq holds messages that exhausted retries or were rejected by an
// open circuit breaker. Records are appended to a JSONL file and retained
// until explicitly drained.
//
// The queue never blocks the delivery path: Enqueue hands the record to a
// buffered channel and a single writer goroutine does the file I/O. If the
// buffer is full or the disk write fails, the record is dropped and counted.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkhamlabs/mudcore/internal/v1/logging"
	"github.com/arkhamlabs/mudcore/internal/v1/metrics"
	"go.uber.org/zap"
)

// Record carries enough context to replay a failed message.
type Record struct {
	Subject        string    `json:"original_subject"`
	Payload        []byte    `json:"payload"`
	FirstAttemptAt time.Time `json:"first_attempt_at"`
	LastError      string    `json:"last_error"`
	AttemptCount   int       `json:"attempt_count"`
}

// Queue is a durable dead-letter hold backed by an append-only file.
type Queue struct {
	path string

	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex // serializes file access between writer loop and Drain
	size atomic.Int64
}

const enqueueBuffer = 1024

// Open creates or reopens a queue at path and counts existing records.
func Open(path string) (*Queue, error) {
	q := &Queue{
		path: path,
		ch:   make(chan Record, enqueueBuffer),
		done: make(chan struct{}),
	}

	existing, err := q.readAll()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	q.size.Store(int64(len(existing)))
	metrics.DLQSize.Set(float64(len(existing)))

	q.wg.Add(1)
	go q.writeLoop()
	return q, nil
}

// Enqueue records a failed message. It never blocks: on buffer overflow the
// record is dropped and the drop counted.
func (q *Queue) Enqueue(rec Record) {
	if rec.FirstAttemptAt.IsZero() {
		rec.FirstAttemptAt = time.Now().UTC()
	}
	select {
	case q.ch <- rec:
	case <-q.done:
		metrics.DLQDropped.Inc()
	default:
		metrics.DLQDropped.Inc()
		logging.Warn(context.Background(), "dead-letter buffer full, dropping record",
			zap.String("subject", rec.Subject))
	}
}

// Size returns the number of records currently held, including buffered
// records not yet flushed to disk.
func (q *Queue) Size() int64 {
	return q.size.Load() + int64(len(q.ch))
}

// Drain replays up to max records through handler. Records the handler
// accepts (nil error) are removed; the rest are kept for a later drain.
// Returns the number of records removed.
func (q *Queue) Drain(ctx context.Context, handler func(Record) error, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.readAll()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var kept []Record
	drained := 0
	for i, rec := range records {
		if drained >= max || ctx.Err() != nil {
			kept = append(kept, records[i:]...)
			break
		}
		if herr := handler(rec); herr != nil {
			kept = append(kept, rec)
			continue
		}
		drained++
	}

	if drained > 0 {
		if err := q.rewrite(kept); err != nil {
			return drained, err
		}
	}
	q.size.Store(int64(len(kept)))
	metrics.DLQSize.Set(float64(len(kept)))
	return drained, nil
}

// Close stops the writer loop after flushing buffered records.
func (q *Queue) Close() {
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) writeLoop() {
	defer q.wg.Done()
	for {
		select {
		case rec := <-q.ch:
			q.append(rec)
		case <-q.done:
			// Flush what is still buffered before exiting.
			for {
				select {
				case rec := <-q.ch:
					q.append(rec)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) append(rec Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		metrics.DLQDropped.Inc()
		logging.Error(context.Background(), "dead-letter open failed", zap.Error(err))
		return
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		metrics.DLQDropped.Inc()
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		metrics.DLQDropped.Inc()
		logging.Error(context.Background(), "dead-letter write failed", zap.Error(err))
		return
	}
	q.size.Add(1)
	metrics.DLQSize.Set(float64(q.size.Load()))
}

func (q *Queue) readAll() ([]Record, error) {
	f, err := os.Open(q.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// Corrupt line: skip rather than wedge the whole queue.
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

func (q *Queue) rewrite(records []Record) error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcushq/marcus/internal/bus"
)

const (
	// DefaultBufferSize is the pending-line ring capacity.
	DefaultBufferSize = 256

	// DefaultFlushInterval is how often the background goroutine flushes.
	DefaultFlushInterval = 100 * time.Millisecond

	// flushThresholdPercent is the fill level that forces an early flush.
	flushThresholdPercent = 75
)

// Log is the append-only JSONL event log. Writes buffer in memory and a
// background goroutine lands them on disk, so tool handlers never block
// on the event file. Every appended event also fans out on the broker
// for live subscribers.
type Log struct {
	file *os.File

	buffer         [][]byte
	bufferSize     int
	flushThreshold int
	flushInterval  time.Duration

	mu sync.Mutex

	writeErrors atomic.Int64
	lastError   atomic.Value

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	broker *bus.Broker[Event]
}

// Option configures a Log.
type Option func(*Log)

// WithBufferSize overrides the pending-line ring capacity.
func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithFlushInterval overrides the background flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// Open opens (or creates) the event log at path and starts the flush
// goroutine. Parent directories are created as needed.
func Open(path string, opts ...Option) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	l := &Log{
		file:          file,
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		done:          make(chan struct{}),
		broker:        bus.New[Event](),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.buffer = make([][]byte, 0, l.bufferSize)
	l.flushThreshold = (l.bufferSize * flushThresholdPercent) / 100

	l.wg.Add(1)
	go l.flushLoop()

	return l, nil
}

// Broker returns the live event broker. Subscribers receive every event
// appended after they subscribe; slow subscribers drop, they never block
// the log.
func (l *Log) Broker() *bus.Broker[Event] {
	return l.broker
}

// Append queues one event line and publishes it to live subscribers.
// Crossing the fill threshold flushes synchronously.
func (l *Log) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	l.broker.Publish(ev)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return os.ErrClosed
	}

	l.buffer = append(l.buffer, data)
	if len(l.buffer) >= l.flushThreshold {
		return l.flushLocked()
	}
	return nil
}

// Flush writes all pending lines to disk.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return os.ErrClosed
	}
	return l.flushLocked()
}

// flushLocked drains the buffer to the file. Caller holds l.mu. A write
// failure is counted and the remaining lines still get their chance.
func (l *Log) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	var writeErr error
	for _, line := range l.buffer {
		if _, err := l.file.Write(line); err != nil {
			writeErr = err
			l.writeErrors.Add(1)
			l.lastError.Store(err)
		}
	}

	l.buffer = l.buffer[:0]
	return writeErr
}

// flushLoop flushes on the configured interval until Close.
func (l *Log) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_ = l.Flush() // errors tracked via counters
		}
	}
}

// Close stops the flush goroutine, drains the buffer, closes the broker
// and the file. Further appends return os.ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return os.ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	flushErr := l.flushLocked()
	l.mu.Unlock()

	l.broker.Close()
	closeErr := l.file.Close()

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ErrorCount returns the total write failures since open.
func (l *Log) ErrorCount() int64 {
	return l.writeErrors.Load()
}

// LastError returns the most recent write failure, or nil.
func (l *Log) LastError() error {
	if err := l.lastError.Load(); err != nil {
		return err.(error)
	}
	return nil
}

// Pending returns the number of buffered, unflushed lines.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

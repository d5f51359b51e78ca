package logging

import (
	"container/ring"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RingSize is the number of recent log lines kept in memory for tailing.
const RingSize = 1000

var (
	ringInstance *LogRing
	ringOnce     sync.Once
)

// LogRing captures log writes into a fixed-size ring buffer and fans them
// out to live subscribers. The admin API reads it for log tailing.
type LogRing struct {
	mu          sync.RWMutex
	buffer      *ring.Ring
	subscribers map[string]chan string
	closed      bool
}

// Ring returns the process-wide log ring.
func Ring() *LogRing {
	ringOnce.Do(func() {
		ringInstance = &LogRing{
			buffer:      ring.New(RingSize),
			subscribers: make(map[string]chan string),
		}
	})
	return ringInstance
}

// Write implements io.Writer for use as a zerolog sink.
func (r *LogRing) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return len(p), nil
	}

	r.buffer.Value = msg
	r.buffer = r.buffer.Next()

	// Slow subscribers miss lines rather than stalling the logger.
	for _, ch := range r.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}

	return len(p), nil
}

// Subscribe registers a live log consumer. It returns the subscriber ID, a
// channel of new lines, and a snapshot of the buffered history.
func (r *LogRing) Subscribe() (string, chan string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan string, 256)
	r.subscribers[id] = ch

	return id, ch, r.snapshotLocked()
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *LogRing) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

// Tail returns up to n of the most recent log lines, oldest first.
func (r *LogRing) Tail(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.snapshotLocked()
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	return history
}

// Shutdown closes all subscriber channels and stops accepting writes.
func (r *LogRing) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
}

func (r *LogRing) snapshotLocked() []string {
	history := make([]string, 0, RingSize)
	r.buffer.Do(func(v interface{}) {
		if v != nil {
			history = append(history, v.(string))
		}
	})
	return history
}

// SetGlobalLevel updates the global zerolog level at runtime.
func SetGlobalLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// GetGlobalLevel returns the current global level string.
func GetGlobalLevel() string {
	return zerolog.GlobalLevel().String()
}

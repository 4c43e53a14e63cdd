package obslog

import (
	"container/ring"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// broadcastWarnLogger reports dropped lines on a writer independent of
// the global logger: the global logger's output fans through this very
// broadcaster, so warning via log.Logger would re-enter Write and could
// recurse whenever the warning itself gets dropped.
var broadcastWarnLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// DefaultBufferSize is how many recent log lines the broadcaster keeps
// for a subscriber that joins after they were written.
const DefaultBufferSize = 200

// LogBroadcaster is an io.Writer that fans every write out to a set of
// subscriber channels while keeping the last size lines (as passed to
// NewBroadcaster) in a container/ring buffer for newly-joining
// subscribers. A subscriber that isn't draining its channel has its line
// dropped rather than blocking the write path, logged at warn via
// broadcastWarnLogger.
type LogBroadcaster struct {
	mu          sync.Mutex
	buffer      *ring.Ring
	subscribers map[string]chan string
}

// NewBroadcaster constructs a LogBroadcaster retaining size recent lines.
func NewBroadcaster(size int) *LogBroadcaster {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBroadcaster{
		buffer:      ring.New(size),
		subscribers: make(map[string]chan string),
	}
}

// Write implements io.Writer, appending line to the ring buffer and
// fanning it out to every subscriber. Always succeeds from the caller's
// perspective: a slow subscriber loses lines, it never blocks logging.
func (b *LogBroadcaster) Write(p []byte) (int, error) {
	line := string(p)

	b.mu.Lock()
	b.buffer.Value = line
	b.buffer = b.buffer.Next()
	subs := make(map[string]chan string, len(b.subscribers))
	for id, ch := range b.subscribers {
		subs[id] = ch
	}
	b.mu.Unlock()

	for id, ch := range subs {
		select {
		case ch <- line:
		default:
			broadcastWarnLogger.Warn().Str("subscriber_id", id).Str("reason", "subscriber_blocked").Str("action", "drop_message").Msg("dropping log line for slow subscriber")
		}
	}
	return len(p), nil
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is buffered so a brief stall doesn't
// immediately start dropping lines.
func (b *LogBroadcaster) Subscribe(id string) (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(ch)
	}
}

// Recent returns up to the buffer's size of recently-written lines in
// chronological order, for seeding a newly-connected dashboard client.
func (b *LogBroadcaster) Recent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, b.buffer.Len())
	b.buffer.Do(func(v interface{}) {
		if v == nil {
			return
		}
		out = append(out, v.(string))
	})
	return out
}

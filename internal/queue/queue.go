// Package queue implements the deferred request queue of spec §4.8: a
// per-upstream min-heap ordered by (scheduled_time, seq), drained by a
// single reaper goroutine that respects upstream readiness, expiry, and
// FIFO fairness.
//
// Completion is a single-shot channel-based Handle rather than a
// framework future (DESIGN NOTES §9), and the monotonic seq tiebreaker
// is an oklog/ulid rather than a bare counter so it doubles as an opaque,
// sortable entry ID for dashboard diagnostics.
package queue

import (
	"container/heap"
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/Nya-Foundation/nyaproxy-go/internal/clock"
	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
)

// Outcome is what a Handle eventually resolves to: either a domain
// result produced by Processor, or an error. The queue package never
// looks inside Value; it's opaque to everything but the orchestrator
// that supplied the Processor.
type Outcome struct {
	Value interface{}
	Err   error
}

// Handle is a single-shot completion primitive: the queue owns the send
// side (via resolve), the orchestrator awaits the receive side.
type Handle struct {
	ch   chan Outcome
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{ch: make(chan Outcome, 1)}
}

// resolve is safe to call at most meaningfully once; subsequent calls
// are no-ops, satisfying spec §8's "resolved exactly once" invariant.
func (h *Handle) resolve(o Outcome) {
	h.once.Do(func() {
		h.ch <- o
		close(h.ch)
	})
}

// Wait blocks until the handle resolves or ctx is cancelled. Cancelling
// ctx does not resolve the handle itself — the entry may still be served
// later by the reaper, whose result is then discarded by the caller.
func (h *Handle) Wait(ctx context.Context) Outcome {
	select {
	case o := <-h.ch:
		return o
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

// Entry is one parked request: (scheduled_time, seq, request) per
// spec §3. seq breaks ties between entries scheduled for the same time,
// preserving FIFO order.
type Entry struct {
	ScheduledTime time.Time
	ArrivalTime   time.Time
	Seq           ulid.ULID
	Upstream      string
	Payload       interface{}
	Handle        *Handle
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].ScheduledTime.Equal(h[j].ScheduledTime) {
		return h[i].ScheduledTime.Before(h[j].ScheduledTime)
	}
	return h[i].Seq.Compare(h[j].Seq) < 0
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type upstreamQueue struct {
	entries entryHeap
}

// Readiness reports whether an upstream currently has capacity: endpoint
// limiter not blocked and some credential admitting (spec §4.8
// "ready(upstream)").
type Readiness interface {
	Ready(upstream string) bool
}

// Acquirer hands out a credential for a dequeued entry, applying the
// same rate-limit check as a direct request.
type Acquirer interface {
	Acquire(upstream string) (credential string, err error)
}

// Processor runs the orchestrator's dequeued-request path (spec §4.9
// steps 5-8) for one entry and returns the outcome that resolves its
// Handle. It runs on its own goroutine, spawned by the reaper.
type Processor func(ctx context.Context, payload interface{}, credential string) Outcome

// Config configures a Manager.
type Config struct {
	MaxSizePerUpstream int
	DefaultExpiry      time.Duration
	TickInterval       time.Duration
	Clock              clock.Clock
	Readiness          Readiness
	Acquirer           Acquirer
	Processor          Processor
}

// Manager owns one deferred-request heap per upstream and the single
// reaper goroutine that drains them.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	heaps  map[string]*upstreamQueue
	seqMu  sync.Mutex
	seqSrc *ulid.MonotonicEntropy

	enqueued  int64
	processed int64
	expired   int64
	failed    int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. Call Start to launch the reaper goroutine.
func New(cfg Config) *Manager {
	if cfg.MaxSizePerUpstream <= 0 {
		cfg.MaxSizePerUpstream = 1000
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 5 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Manager{
		cfg:    cfg,
		heaps:  make(map[string]*upstreamQueue),
		seqSrc: ulid.Monotonic(rand.Reader, 0),
		done:   make(chan struct{}),
	}
}

// SetProcessor installs the dequeued-request processor after
// construction, letting the orchestrator close over its own queue
// Manager reference without a construction-order cycle. Must be called
// before Start; cfg is otherwise treated as immutable for the Manager's
// lifetime.
func (m *Manager) SetProcessor(p Processor) {
	m.cfg.Processor = p
}

func (m *Manager) nextSeq() ulid.ULID {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(m.cfg.Clock.Now()), m.seqSrc)
}

// Enqueue parks payload for upstream until resetIn elapses and the
// upstream becomes ready, returning a Handle the caller awaits. Fails
// with errs.QueueFull if the upstream's heap is already at capacity.
func (m *Manager) Enqueue(upstream string, payload interface{}, resetIn time.Duration) (*Handle, error) {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	uq, ok := m.heaps[upstream]
	if !ok {
		uq = &upstreamQueue{}
		m.heaps[upstream] = uq
	}
	if uq.entries.Len() >= m.cfg.MaxSizePerUpstream {
		m.mu.Unlock()
		return nil, &errs.QueueFull{Upstream: upstream}
	}

	handle := newHandle()
	entry := &Entry{
		ScheduledTime: now.Add(resetIn),
		ArrivalTime:   now,
		Seq:           m.nextSeq(),
		Upstream:      upstream,
		Payload:       payload,
		Handle:        handle,
	}
	heap.Push(&uq.entries, entry)
	m.mu.Unlock()

	atomic.AddInt64(&m.enqueued, 1)
	return handle, nil
}

// Start launches the reaper goroutine on a child of ctx. Calling Start
// more than once is a programmer error; callers own lifecycle via the
// returned stop function.
func (m *Manager) Start(ctx context.Context) (stop func()) {
	reaperCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	ticker := time.NewTicker(m.cfg.TickInterval)
	go func() {
		defer ticker.Stop()
		defer close(m.done)
		for {
			select {
			case <-reaperCtx.Done():
				m.ClearAll(&errs.QueueCleared{Upstream: "*"})
				return
			case <-ticker.C:
				m.tick(reaperCtx)
			}
		}
	}()

	return func() {
		cancel()
		<-m.done
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.heaps))
	for name := range m.heaps {
		names = append(names, name)
	}
	m.mu.Unlock()

	// Visiting every upstream every tick is the fairness guarantee
	// across upstreams (spec §4.8): none is starved because none is
	// skipped.
	for _, name := range names {
		for m.drainOne(ctx, name) {
		}
	}
}

// drainOne attempts to dequeue and dispatch a single ready entry for
// upstream, returning true if it did (so the caller should try again
// immediately) or false if the upstream's earliest entry isn't due,
// isn't ready, or the heap is empty.
func (m *Manager) drainOne(ctx context.Context, upstream string) bool {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	uq, ok := m.heaps[upstream]
	if !ok || uq.entries.Len() == 0 {
		m.mu.Unlock()
		return false
	}
	top := uq.entries[0]
	if top.ScheduledTime.After(now) {
		m.mu.Unlock()
		return false
	}
	if !m.cfg.Readiness.Ready(upstream) {
		m.mu.Unlock()
		return false
	}
	entry := heap.Pop(&uq.entries).(*Entry)
	m.mu.Unlock()

	if now.Sub(entry.ArrivalTime) > 2*m.cfg.DefaultExpiry {
		entry.Handle.resolve(Outcome{Err: &errs.RequestExpired{
			Upstream: upstream,
			Waited:   now.Sub(entry.ArrivalTime).String(),
		}})
		atomic.AddInt64(&m.expired, 1)
		log.Warn().Str("component", "queue").Str("upstream", upstream).Msg("deferred request expired")
		return true
	}

	cred, err := m.cfg.Acquirer.Acquire(upstream)
	if err != nil {
		// Readiness said yes but acquisition lost a race; put the entry
		// back at the head and stop draining this upstream for this
		// tick rather than busy-looping.
		m.mu.Lock()
		heap.Push(&uq.entries, entry)
		m.mu.Unlock()
		return false
	}

	atomic.AddInt64(&m.processed, 1)
	go func() {
		outcome := m.cfg.Processor(ctx, entry.Payload, cred)
		entry.Handle.resolve(outcome)
	}()
	return true
}

// Clear pops every entry for upstream and resolves each with a cleared
// error, incrementing the failed counter per entry.
func (m *Manager) Clear(upstream string, reason error) int {
	m.mu.Lock()
	uq, ok := m.heaps[upstream]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	entries := []*Entry(uq.entries)
	uq.entries = nil
	m.mu.Unlock()

	for _, e := range entries {
		e.Handle.resolve(Outcome{Err: reason})
	}
	atomic.AddInt64(&m.failed, int64(len(entries)))
	return len(entries)
}

// ClearAll clears every upstream's queue.
func (m *Manager) ClearAll(reason error) int {
	m.mu.Lock()
	names := make([]string, 0, len(m.heaps))
	for name := range m.heaps {
		names = append(names, name)
	}
	m.mu.Unlock()

	total := 0
	for _, name := range names {
		total += m.Clear(name, reason)
	}
	return total
}

// EstimatedWait is a rough drain-time estimate for upstream's current
// backlog, used by the orchestrator's queue-or-reject decision (spec
// §4.9 step 3's "queue_estimated_wait" term): one tick per parked entry,
// since the reaper drains at most its readiness allows per tick.
func (m *Manager) EstimatedWait(upstream string) time.Duration {
	return time.Duration(m.Size(upstream)) * m.cfg.TickInterval
}

// Size returns the current number of parked entries for upstream.
func (m *Manager) Size(upstream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	uq, ok := m.heaps[upstream]
	if !ok {
		return 0
	}
	return uq.entries.Len()
}

// GetAllQueueSizes returns a snapshot of every upstream's queue size,
// exposed to the dashboard collaborator (spec §6).
func (m *Manager) GetAllQueueSizes() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[string]int, len(m.heaps))
	for name, uq := range m.heaps {
		sizes[name] = uq.entries.Len()
	}
	return sizes
}

// Stats is the global counter snapshot from spec §3 ("Global metrics").
type Stats struct {
	Enqueued  int64
	Processed int64
	Expired   int64
	Failed    int64
}

// Stats returns the current global counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Enqueued:  atomic.LoadInt64(&m.enqueued),
		Processed: atomic.LoadInt64(&m.processed),
		Expired:   atomic.LoadInt64(&m.expired),
		Failed:    atomic.LoadInt64(&m.failed),
	}
}

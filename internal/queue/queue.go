// Package queue implements the Message Queue Manager: a priority retry
// queue that re-attempts delivery of AT_LEAST_ONCE / EXACTLY_ONCE messages
// until they succeed, exhaust their retry budget, or expire, invoking a
// delivery callback exactly once per message.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
)

// Sender delivers a single message attempt. It returns an error if the
// attempt failed (e.g. not connected, write error).
type Sender func(ctx context.Context, msg *message.Message) error

// DeliveryCallback is invoked exactly once per enqueued message, reporting
// whether delivery ultimately succeeded.
type DeliveryCallback func(messageID string, success bool, err error)

const (
	DefaultMaxRetries      = 3
	DefaultRetryInterval   = 1 * time.Second
	DefaultExpiry          = 24 * time.Hour
	sweepInterval          = 100 * time.Millisecond
)

type entry struct {
	msg         *message.Message
	seq         uint64
	priority    message.Priority
	attempts    int
	maxRetries  int
	retryEvery  time.Duration
	expireAt    time.Time
	nextAttempt time.Time
	queued      bool
	callback    DeliveryCallback
	finished    bool
}

// priorityHeap orders ready entries by (priority desc, seq asc) so that
// within a priority class, FIFO order is preserved.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Manager is the retry/priority queue.
type Manager struct {
	sender Sender

	pendingMu sync.Mutex
	pending   map[string]*entry

	queueMu sync.Mutex
	ready   priorityHeap

	nextSeq uint64

	defaultMaxRetries int
	defaultRetryEvery time.Duration
	defaultExpiry     time.Duration

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool

	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// New builds a Manager. Call Start to begin the scheduler goroutine.
func New(sender Sender, logger zerolog.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		sender:            sender,
		pending:           make(map[string]*entry),
		notify:            make(chan struct{}, 1),
		defaultMaxRetries: DefaultMaxRetries,
		defaultRetryEvery: DefaultRetryInterval,
		defaultExpiry:     DefaultExpiry,
		log:               logger.With().Str("component", "queue").Logger(),
		metrics:           metrics,
	}
}

// SetRetryParams overrides the default retry count and interval used for
// newly enqueued messages.
func (m *Manager) SetRetryParams(maxRetries int, retryInterval time.Duration) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.defaultMaxRetries = maxRetries
	m.defaultRetryEvery = retryInterval
}

// Start launches the scheduler goroutine. It is idempotent: a Start on an
// already-running Manager (e.g. a reconnect re-notifying "connected") is a
// no-op, so repeated calls never leak a scheduler goroutine or orphan a
// cancel func that Stop can no longer reach.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.wg.Add(1)
	go m.run()
}

// Stop halts the scheduler and fails every still-pending message with a
// shutdown error, invoking each callback exactly once. Safe to call when
// not running.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.pendingMu.Lock()
	remaining := make([]*entry, 0, len(m.pending))
	for id, e := range m.pending {
		remaining = append(remaining, e)
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	for _, e := range remaining {
		m.finish(e, false, fmt.Errorf("queue: shutdown before delivery"))
	}
}

// Enqueue schedules msg for delivery. AT_MOST_ONCE messages are attempted
// once with no retry; AT_LEAST_ONCE and EXACTLY_ONCE use the configured
// retry budget. cb is invoked exactly once with the final outcome.
func (m *Manager) Enqueue(msg *message.Message, cb DeliveryCallback) {
	m.pendingMu.Lock()
	m.nextSeq++
	seq := m.nextSeq

	maxRetries := m.defaultMaxRetries
	if msg.QoSLevel == message.AtMostOnce {
		maxRetries = 0
	}
	retryEvery := m.defaultRetryEvery
	expiry := m.defaultExpiry
	if msg.ExpireAfterSeconds > 0 {
		expiry = time.Duration(msg.ExpireAfterSeconds) * time.Second
	}

	e := &entry{
		msg:         msg,
		seq:         seq,
		priority:    msg.PriorityLevel,
		maxRetries:  maxRetries,
		retryEvery:  retryEvery,
		expireAt:    msg.Timestamp.Add(expiry),
		nextAttempt: time.Time{},
		callback:    cb,
	}
	m.pending[msg.ID] = e
	m.pendingMu.Unlock()

	if m.metrics != nil {
		m.metrics.QueueDepth.Inc()
	}
	m.wake()
}

// Depth returns the number of messages currently pending delivery or retry.
func (m *Manager) Depth() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		case <-m.notify:
			m.sweep()
		}
	}
}

// sweep promotes due entries from pendingMessages into the ready heap, then
// drains the heap by attempting delivery. Lock order: pendingMu before
// queueMu, matching the rest of the client.
func (m *Manager) sweep() {
	now := time.Now()

	m.pendingMu.Lock()
	var expired []*entry
	var due []*entry
	for id, e := range m.pending {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(m.pending, id)
			expired = append(expired, e)
			continue
		}
		if e.queued {
			continue
		}
		if e.nextAttempt.IsZero() || !now.Before(e.nextAttempt) {
			e.queued = true
			due = append(due, e)
		}
	}
	if len(due) > 0 {
		m.queueMu.Lock()
		for _, e := range due {
			heap.Push(&m.ready, e)
		}
		m.queueMu.Unlock()
	}
	m.pendingMu.Unlock()

	for _, e := range expired {
		if m.metrics != nil {
			m.metrics.MessagesExpired.Inc()
		}
		m.finish(e, false, fmt.Errorf("queue: message %s expired before delivery", e.msg.ID))
	}

	m.drainReady()
}

func (m *Manager) drainReady() {
	for {
		m.queueMu.Lock()
		if m.ready.Len() == 0 {
			m.queueMu.Unlock()
			return
		}
		e := heap.Pop(&m.ready).(*entry)
		m.queueMu.Unlock()

		m.attempt(e)
	}
}

func (m *Manager) attempt(e *entry) {
	e.attempts++
	if e.attempts > 1 && m.metrics != nil {
		m.metrics.MessagesRetried.Inc()
	}

	ctx, cancel := context.WithTimeout(m.ctx, writeDeadline)
	err := m.sender(ctx, e.msg)
	cancel()

	if err == nil {
		m.removePending(e.msg.ID)
		m.finish(e, true, nil)
		return
	}

	if e.attempts > e.maxRetries {
		m.removePending(e.msg.ID)
		m.finish(e, false, fmt.Errorf("queue: delivery of message %s failed after %d attempts: %w", e.msg.ID, e.attempts, err))
		return
	}

	m.log.Debug().Str("messageId", e.msg.ID).Int("attempt", e.attempts).Err(err).Msg("delivery attempt failed, will retry")

	m.pendingMu.Lock()
	e.queued = false
	e.nextAttempt = time.Now().Add(e.retryEvery)
	m.pendingMu.Unlock()
}

const writeDeadline = 5 * time.Second

func (m *Manager) removePending(id string) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
	if m.metrics != nil {
		m.metrics.QueueDepth.Dec()
	}
}

// finish invokes the message's callback exactly once.
func (m *Manager) finish(e *entry, success bool, err error) {
	if e.finished {
		return
	}
	e.finished = true
	if e.callback != nil {
		e.callback(e.msg.ID, success, err)
	}
}

package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailprobe/metrics"
)

var (
	ErrQueueTimeout = errors.New("timed out waiting for an admission slot")
	ErrQueueFull    = errors.New("admission queue is full")
	ErrClosed       = errors.New("admission manager is closed")
)

type Config struct {
	// MaxConcurrentRequests bounds Active tickets system-wide.
	MaxConcurrentRequests int
	MaxPerRequester       int
	QueueTimeout          time.Duration
	// MaxConnectionTime is how long a slot may be held before Sweep
	// reclaims it.
	MaxConnectionTime time.Duration
	// MaxQueueLength of zero leaves the queue unbounded.
	MaxQueueLength int
	// DefaultOperationDuration seeds the wait estimate until real
	// durations have been observed.
	DefaultOperationDuration time.Duration
	Logger                   *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 15
	}
	if c.MaxPerRequester <= 0 {
		c.MaxPerRequester = 3
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 60 * time.Second
	}
	if c.MaxConnectionTime <= 0 {
		c.MaxConnectionTime = 10 * time.Minute
	}
	if c.MaxQueueLength < 0 {
		c.MaxQueueLength = 0
	}
	if c.DefaultOperationDuration <= 0 {
		c.DefaultOperationDuration = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

type State int

const (
	StatePending State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	default:
		return "expired"
	}
}

// Ticket is one admission request. A ticket that was not granted
// immediately must be waited on.
type Ticket struct {
	RequesterID   string
	RequestID     string
	EstimatedWait time.Duration
	EnqueuedAt    time.Time

	m           *Manager
	granted     bool
	position    int
	state       State
	activatedAt time.Time
	ready       chan struct{}
}

func (t *Ticket) State() State {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.state
}

// Granted reports whether the slot was handed out without queueing.
func (t *Ticket) Granted() bool { return t.granted }

// Position is the ticket's current 1-based place in the queue, or 0 once
// it has left the queue.
func (t *Ticket) Position() int {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.position
}

// Wait blocks until the ticket is activated. It gives up with
// ErrQueueTimeout once the ticket has been queued for the configured
// timeout, or with ctx's error; in both cases the ticket leaves the queue.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}

	timer := time.NewTimer(t.m.cfg.QueueTimeout - t.m.now().Sub(t.EnqueuedAt))
	defer timer.Stop()

	select {
	case <-t.ready:
		return nil
	case <-t.m.done:
		if t.State() == StateActive {
			return nil
		}
		return ErrClosed
	case <-timer.C:
		switch t.m.abandon(t) {
		case StatePending:
			metrics.AdmissionRejections.WithLabelValues("timeout").Inc()
			return ErrQueueTimeout
		case StateActive:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		if t.m.abandon(t) == StateActive {
			t.m.Release(t)
		}
		return ctx.Err()
	}
}

func (t *Ticket) Release() { t.m.Release(t) }

type Stats struct {
	Active           int           `json:"active"`
	Queued           int           `json:"queued"`
	Requesters       int           `json:"requesters"`
	MaxConcurrent    int           `json:"max_concurrent"`
	MaxPerRequester  int           `json:"max_per_requester"`
	AverageOperation time.Duration `json:"average_operation_ns"`
}

// Manager bounds active tickets globally and per requester, queueing the
// rest in FIFO order.
type Manager struct {
	cfg    Config
	logger *logrus.Entry
	now    func() time.Time

	mu           sync.Mutex
	active       map[string]*Ticket
	perRequester map[string]int
	queue        []*Ticket
	avg          time.Duration
	samples      int
	closed       bool
	done         chan struct{}
}

func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:          cfg,
		logger:       cfg.Logger.WithField("component", "admission"),
		now:          time.Now,
		active:       make(map[string]*Ticket),
		perRequester: make(map[string]int),
		avg:          cfg.DefaultOperationDuration,
		done:         make(chan struct{}),
	}
}

// RequestSlot grants a slot when both ceilings allow, or queues the
// request. ErrQueueFull is returned when the queue is at capacity.
func (m *Manager) RequestSlot(requesterID string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	t := &Ticket{
		RequesterID: requesterID,
		RequestID:   uuid.NewString(),
		EnqueuedAt:  m.now(),
		m:           m,
		ready:       make(chan struct{}),
	}

	if m.eligible(requesterID) {
		t.granted = true
		m.activate(t)
		m.updateGauges()
		return t, nil
	}

	if m.cfg.MaxQueueLength > 0 && len(m.queue) >= m.cfg.MaxQueueLength {
		metrics.AdmissionRejections.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}

	m.queue = append(m.queue, t)
	t.position = len(m.queue)
	t.EstimatedWait = m.estimate(t.position)
	m.updateGauges()

	m.logger.WithFields(logrus.Fields{
		"requester": requesterID,
		"position":  t.position,
		"wait":      t.EstimatedWait,
	}).Debug("request queued")
	return t, nil
}

// Release frees t's slot and admits waiters. Releasing a queued ticket
// withdraws it; releasing twice is a no-op.
func (m *Manager) Release(t *Ticket) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch t.state {
	case StatePending:
		m.removeQueued(t)
	case StateActive:
		m.deactivate(t)
		m.observe(m.now().Sub(t.activatedAt))
	default:
		return
	}
	t.state = StateExpired
	m.processQueue()
	m.updateGauges()
}

// Sweep force-releases slots held longer than MaxConnectionTime and
// returns how many were reclaimed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for _, t := range m.active {
		if now.Sub(t.activatedAt) <= m.cfg.MaxConnectionTime {
			continue
		}
		m.deactivate(t)
		t.state = StateExpired
		reclaimed++
		m.logger.WithFields(logrus.Fields{
			"requester":  t.RequesterID,
			"request_id": t.RequestID,
			"held":       now.Sub(t.activatedAt).Round(time.Second),
		}).Warn("reclaimed stale admission slot")
	}
	if reclaimed > 0 {
		m.processQueue()
		m.updateGauges()
	}
	return reclaimed
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:           len(m.active),
		Queued:           len(m.queue),
		Requesters:       len(m.perRequester),
		MaxConcurrent:    m.cfg.MaxConcurrentRequests,
		MaxPerRequester:  m.cfg.MaxPerRequester,
		AverageOperation: m.avg,
	}
}

// Close rejects further requests. Queued tickets expire; active ones may
// still be released.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
	for _, t := range m.queue {
		t.state = StateExpired
		t.position = 0
	}
	m.queue = nil
	m.updateGauges()
}

func (m *Manager) eligible(requesterID string) bool {
	return len(m.active) < m.cfg.MaxConcurrentRequests &&
		m.perRequester[requesterID] < m.cfg.MaxPerRequester
}

func (m *Manager) activate(t *Ticket) {
	t.state = StateActive
	t.position = 0
	t.activatedAt = m.now()
	m.active[t.RequestID] = t
	m.perRequester[t.RequesterID]++
	close(t.ready)
}

func (m *Manager) deactivate(t *Ticket) {
	delete(m.active, t.RequestID)
	if m.perRequester[t.RequesterID]--; m.perRequester[t.RequesterID] <= 0 {
		delete(m.perRequester, t.RequesterID)
	}
}

// processQueue admits waiters from the head of the queue. A waiter whose
// requester is at its own ceiling keeps its place without blocking the
// ones behind it.
func (m *Manager) processQueue() {
	if len(m.queue) == 0 {
		return
	}
	kept := m.queue[:0]
	for _, t := range m.queue {
		if len(m.active) < m.cfg.MaxConcurrentRequests && m.perRequester[t.RequesterID] < m.cfg.MaxPerRequester {
			m.activate(t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	m.renumber()
}

// abandon withdraws t if it is still queued and returns the state it was
// in.
func (m *Manager) abandon(t *Ticket) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := t.state
	if prev != StatePending {
		return prev
	}
	m.removeQueued(t)
	t.state = StateExpired
	m.updateGauges()
	return prev
}

func (m *Manager) removeQueued(t *Ticket) {
	for i, q := range m.queue {
		if q == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			t.position = 0
			break
		}
	}
	m.renumber()
}

func (m *Manager) renumber() {
	for i, t := range m.queue {
		t.position = i + 1
	}
}

// observe folds d into the running average of operation durations.
func (m *Manager) observe(d time.Duration) {
	m.samples++
	if m.samples == 1 {
		m.avg = d
		return
	}
	m.avg += (d - m.avg) / time.Duration(m.samples)
}

func (m *Manager) estimate(position int) time.Duration {
	waves := (position + m.cfg.MaxConcurrentRequests - 1) / m.cfg.MaxConcurrentRequests
	return m.avg * time.Duration(waves)
}

func (m *Manager) updateGauges() {
	metrics.AdmissionActive.Set(float64(len(m.active)))
	metrics.AdmissionQueued.Set(float64(len(m.queue)))
}

package telesession

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Action is a unit of deferred work run by the Scheduler.
type Action func(ctx context.Context) error

// Handle addresses one scheduled event.
type Handle struct {
	id       uuid.UUID
	at       time.Time
	interval time.Duration
	cron     string
	seq      uint64
	index    int
	action   Action

	owner    SessionTag
	hasOwner bool

	// sched is the scheduler the event was pushed to.
	sched *Scheduler

	cancelled atomic.Bool
}

// ID returns the event identifier.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Owner returns the tag of the session that scheduled the event, if any.
// The owner is recorded by value; it does not keep the session registered.
func (h *Handle) Owner() (SessionTag, bool) {
	return h.owner, h.hasOwner
}

// Cancelled reports whether the event was cancelled.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Scheduler is a registry of deferred and repeating actions. It does not run
// a timer of its own: due events fire when RunDue is called, which the
// Dispatcher does on its own goroutine.
type Scheduler struct {
	mu     sync.Mutex
	queue  eventQueue
	seq    uint64
	wake   chan struct{}
	now    func() time.Time
	logger *slog.Logger

	onError func(error)
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logger,
	}
}

// After schedules action to run once, d after now.
func (s *Scheduler) After(d time.Duration, action Action) *Handle {
	return s.push(&Handle{at: s.now().Add(d), action: action})
}

// At schedules action to run once at t.
func (s *Scheduler) At(t time.Time, action Action) *Handle {
	return s.push(&Handle{at: t, action: action})
}

// Repeating schedules action every interval, starting one interval from now.
func (s *Scheduler) Repeating(interval time.Duration, action Action) *Handle {
	if interval <= 0 {
		interval = time.Second
	}
	return s.push(&Handle{at: s.now().Add(interval), interval: interval, action: action})
}

// Cron schedules action on a cron expression such as "*/5 * * * *".
func (s *Scheduler) Cron(expr string, action Action) (*Handle, error) {
	next, err := gronx.NextTickAfter(expr, s.now(), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return s.push(&Handle{at: next, cron: expr, action: action}), nil
}

// Cancel prevents the event from firing. It returns false if the event had
// already fired (one-shot), was cancelled before, or belongs to another
// Scheduler.
func (s *Scheduler) Cancel(h *Handle) bool {
	if h == nil || h.sched != s {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h.cancelled.Swap(true) {
		return false
	}
	if h.index < 0 || h.index >= s.queue.Len() || s.queue[h.index] != h {
		return false
	}
	heap.Remove(&s.queue, h.index)
	return true
}

// Pending returns the number of events waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Next returns the fire time of the earliest pending event.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].at, true
}

// Wake is signalled whenever an event is added.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}

// RunDue fires every event due at now in (fire time, insertion) order and
// returns the number of actions that ran. Events added while RunDue is
// running wait for the next call.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	limit := s.seq
	s.mu.Unlock()

	fired := 0
	for {
		h := s.popDue(now, limit)
		if h == nil {
			return fired
		}
		if h.cancelled.Load() {
			continue
		}
		fired++
		s.fire(ctx, h)
	}
}

func (s *Scheduler) popDue(now time.Time, limit uint64) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil
	}
	top := s.queue[0]
	if top.at.After(now) || top.seq > limit {
		return nil
	}
	heap.Pop(&s.queue)

	switch {
	case top.interval > 0:
		next := top.at.Add(top.interval)
		if !next.After(now) {
			next = now.Add(top.interval)
		}
		s.requeue(top, next)
	case top.cron != "":
		next, err := gronx.NextTickAfter(top.cron, now, false)
		if err != nil {
			s.logger.Error("cron reschedule failed", "event", top.id, "expr", top.cron, "error", err)
			break
		}
		s.requeue(top, next)
	}
	return top
}

// requeue must be called with s.mu held.
func (s *Scheduler) requeue(h *Handle, at time.Time) {
	s.seq++
	h.at = at
	h.seq = s.seq
	heap.Push(&s.queue, h)
}

func (s *Scheduler) fire(ctx context.Context, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: event %s: %v", ErrActionPanicked, h.id, r)
			s.logger.Error("scheduled action panicked", "event", h.id, "panic", r)
			s.report(err)
		}
	}()

	if err := h.action(ctx); err != nil {
		s.logger.Error("scheduled action failed", "event", h.id, "error", err)
		s.report(fmt.Errorf("%w: event %s: %w", ErrActionFailed, h.id, err))
	}
}

func (s *Scheduler) report(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Scheduler) push(h *Handle) *Handle {
	s.mu.Lock()
	s.seq++
	h.id = uuid.New()
	h.seq = s.seq
	h.sched = s
	heap.Push(&s.queue, h)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return h
}

// eventQueue is a min-heap ordered by fire time, then insertion order.
type eventQueue []*Handle

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	h := x.(*Handle)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}

// SessionSchedule schedules actions on behalf of one session. Actions run
// under the session's serialization boundary, never concurrently with its
// update handling.
type SessionSchedule struct {
	sched   *Scheduler
	session *Session

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

func newSessionSchedule(sched *Scheduler, s *Session) *SessionSchedule {
	return &SessionSchedule{
		sched:   sched,
		session: s,
		handles: make(map[uuid.UUID]*Handle),
	}
}

// Scheduler returns the process-wide scheduler.
func (ss *SessionSchedule) Scheduler() *Scheduler {
	return ss.sched
}

// After runs action once after d.
func (ss *SessionSchedule) After(d time.Duration, action Action) *Handle {
	return ss.track(ss.sched.now().Add(d), 0, "", action)
}

// At runs action once at t.
func (ss *SessionSchedule) At(t time.Time, action Action) *Handle {
	return ss.track(t, 0, "", action)
}

// Repeating runs action every interval until cancelled.
func (ss *SessionSchedule) Repeating(interval time.Duration, action Action) *Handle {
	if interval <= 0 {
		interval = time.Second
	}
	return ss.track(ss.sched.now().Add(interval), interval, "", action)
}

// Cron runs action on a cron expression until cancelled.
func (ss *SessionSchedule) Cron(expr string, action Action) (*Handle, error) {
	next, err := gronx.NextTickAfter(expr, ss.sched.now(), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return ss.track(next, 0, expr, action), nil
}

// Cancel cancels one event scheduled through this session.
func (ss *SessionSchedule) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	ss.mu.Lock()
	delete(ss.handles, h.id)
	ss.mu.Unlock()
	return ss.sched.Cancel(h)
}

// CancelAll cancels every outstanding event scheduled through this session
// and returns how many were cancelled.
func (ss *SessionSchedule) CancelAll() int {
	ss.mu.Lock()
	handles := ss.handles
	ss.handles = make(map[uuid.UUID]*Handle)
	ss.mu.Unlock()

	n := 0
	for _, h := range handles {
		if ss.sched.Cancel(h) {
			n++
		}
	}
	return n
}

// Outstanding returns the number of tracked events that have not fired or
// been cancelled, including events cancelled through the Scheduler.
func (ss *SessionSchedule) Outstanding() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for id, h := range ss.handles {
		if h.Cancelled() {
			delete(ss.handles, id)
		}
	}
	return len(ss.handles)
}

func (ss *SessionSchedule) track(at time.Time, interval time.Duration, cron string, action Action) *Handle {
	h := &Handle{
		at:       at,
		interval: interval,
		cron:     cron,
		owner:    ss.session.Tag(),
		hasOwner: true,
	}
	h.action = func(ctx context.Context) error {
		if interval == 0 && cron == "" {
			ss.mu.Lock()
			delete(ss.handles, h.id)
			ss.mu.Unlock()
		}
		return ss.session.do(func() error { return action(ctx) })
	}

	// Hold ss.mu across push so a fast RunDue cannot untrack before tracking.
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sched.push(h)
	ss.handles[h.id] = h
	return h
}

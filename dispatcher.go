package telesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DispatchResult describes one dispatch cycle.
type DispatchResult struct {
	Seq int64

	// Blocked is set when the sender or chat is on the blacklist.
	Blocked bool

	Created   []SessionTag
	Forwarded []SessionTag
	Removed   []SessionTag

	// Routed counts the forwarded sessions in which a route matched.
	Routed int

	Errors []error
}

// Err joins all errors reported during the cycle.
func (r DispatchResult) Err() error {
	return errors.Join(r.Errors...)
}

// Dispatcher turns updates into calls on the sessions they belong to,
// creating and removing sessions as needed. Updates are processed one at a
// time; Dispatch may be called from any goroutine.
type Dispatcher struct {
	cfg    EngineConfig
	logger *slog.Logger
	sched  *Scheduler
	index  *identityIndex

	bmu      sync.RWMutex
	builders []*Builder
	ids      map[string]struct{}

	// cycle serializes dispatch cycles, sweeps and scheduler runs.
	cycle sync.Mutex

	rmu     sync.Mutex
	pending []*Session
}

// NewDispatcher creates a Dispatcher with its own Scheduler.
func NewDispatcher(cfg EngineConfig) *Dispatcher {
	cfg.setDefaults()

	d := &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		index:  newIdentityIndex(),
		ids:    make(map[string]struct{}),
	}
	d.sched = NewScheduler(cfg.Logger)
	d.sched.now = cfg.Now
	d.sched.onError = d.report
	return d
}

// Scheduler returns the scheduler shared by all sessions of this Dispatcher.
func (d *Dispatcher) Scheduler() *Scheduler {
	return d.sched
}

// Permissions returns the permission store.
func (d *Dispatcher) Permissions() PermissionStore {
	return d.cfg.Permissions
}

// Register adds a session builder. Builders are evaluated in registration
// order. The builder is copied; later changes to b have no effect.
func (d *Dispatcher) Register(b Builder) error {
	if err := b.validate(); err != nil {
		return err
	}

	d.bmu.Lock()
	defer d.bmu.Unlock()

	if _, exists := d.ids[b.ID]; exists {
		return fmt.Errorf("%w: %q", ErrBuilderExists, b.ID)
	}
	d.ids[b.ID] = struct{}{}
	d.builders = append(d.builders, &b)
	return nil
}

// Lookup returns the live session a builder holds for key.
func (d *Dispatcher) Lookup(builderID string, key int64) (*Session, bool) {
	return d.index.get(builderID, key)
}

// Sessions returns all live sessions in creation order.
func (d *Dispatcher) Sessions() []*Session {
	return d.index.all()
}

// Len returns the number of live sessions.
func (d *Dispatcher) Len() int {
	return d.index.len()
}

// Remove asks for the session identified by tag to be removed. Removal is
// deferred to the end of the current dispatch cycle, or to the start of the
// next one if no cycle is running.
func (d *Dispatcher) Remove(tag SessionTag) bool {
	s, ok := d.index.get(tag.BuilderID, tag.ID)
	if !ok {
		return false
	}
	d.requestRemoval(s)
	return true
}

// Dispatch delivers one update to every session it belongs to, creating
// sessions whose builders match, then removes expired sessions and fires
// due scheduled events.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) DispatchResult {
	d.cycle.Lock()
	defer d.cycle.Unlock()

	res := DispatchResult{Seq: u.Seq}

	// Removals requested between cycles apply before anything is delivered.
	d.drain(&res)

	if d.blocked(ctx, u) {
		res.Blocked = true
		d.logger.Debug("update blocked", "seq", u.Seq)
		d.finish(ctx, &res)
		return res
	}

	existing := make(map[string]*Session)
	if chatID, ok := u.ChatID(); ok {
		for _, s := range d.index.lookup(ScopeChat, chatID) {
			existing[s.tag.BuilderID] = s
		}
	}
	if userID, ok := u.UserID(); ok {
		for _, s := range d.index.lookup(ScopeUser, userID) {
			existing[s.tag.BuilderID] = s
		}
	}

	var targets []*Session
	for _, b := range d.snapshotBuilders() {
		key, ok := u.key(b.Scope)
		if !ok {
			continue
		}

		if s, found := existing[b.ID]; found {
			switch b.Collision {
			case CollisionSkip:
				targets = append(targets, s)
				continue
			case CollisionReplace:
				if !b.Matches(u) {
					targets = append(targets, s)
					continue
				}
				d.removeNow(s, RemovedReplaced, &res)
			case CollisionError:
				if !b.Matches(u) {
					targets = append(targets, s)
					continue
				}
				err := fmt.Errorf("%w: builder %q key %d", ErrSessionCollision, b.ID, key)
				d.fail(&res, err)
				continue
			}
		} else if !b.Matches(u) {
			continue
		}

		s, err := d.build(ctx, b, key, u)
		if err != nil {
			d.fail(&res, err)
			continue
		}
		targets = append(targets, s)
		res.Created = append(res.Created, s.tag)
	}

	sortBySeq(targets)
	d.forward(ctx, u, targets, &res)
	d.finish(ctx, &res)
	return res
}

// Sweep removes sessions that asked for removal or have been inactive for
// longer than their timeout, and returns their tags.
func (d *Dispatcher) Sweep(ctx context.Context) []SessionTag {
	d.cycle.Lock()
	defer d.cycle.Unlock()

	var res DispatchResult
	d.drain(&res)
	d.sweep(d.now(), &res)
	return res.Removed
}

// RunScheduled fires due scheduled events and returns how many ran.
func (d *Dispatcher) RunScheduled(ctx context.Context) int {
	d.cycle.Lock()
	defer d.cycle.Unlock()

	n := d.sched.RunDue(ctx, d.now())
	var res DispatchResult
	d.drain(&res)
	return n
}

// Run dispatches updates from the channel until it is closed or ctx is
// done. Between updates it sweeps expired sessions every SweepInterval and
// fires scheduled events when they fall due, all on the calling goroutine.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan Update) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	d.logger.Info("dispatcher started", "builders", len(d.snapshotBuilders()))

	for {
		var due <-chan time.Time
		if next, ok := d.sched.Next(); ok {
			timer.Reset(max(next.Sub(d.now()), 0))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			res := d.Dispatch(ctx, u)
			if err := res.Err(); err != nil {
				d.logger.Debug("dispatch finished with errors", "seq", u.Seq, "error", err)
			}
		case <-ticker.C:
			d.Sweep(ctx)
		case <-due:
			d.RunScheduled(ctx)
		case <-d.sched.Wake():
		}
	}
}

func (d *Dispatcher) now() time.Time {
	return d.cfg.Now()
}

func (d *Dispatcher) snapshotBuilders() []*Builder {
	d.bmu.RLock()
	defer d.bmu.RUnlock()
	return d.builders
}

func (d *Dispatcher) blocked(ctx context.Context, u Update) bool {
	for _, id := range blacklistKeys(u) {
		perms, err := d.cfg.Permissions.GetPermissions(ctx, id)
		if err != nil {
			d.logger.Warn("blacklist check failed", "id", id, "error", err)
			continue
		}
		if perms.Has(d.cfg.BlacklistList) {
			return true
		}
	}
	return false
}

// blacklistKeys returns the sender and chat ids. Group and channel ids are
// negative, so a chat never matches a user entry by accident.
func blacklistKeys(u Update) []int64 {
	var keys []int64
	if id, ok := u.UserID(); ok {
		keys = append(keys, id)
	}
	if id, ok := u.ChatID(); ok && !slices.Contains(keys, id) {
		keys = append(keys, id)
	}
	return keys
}

func (d *Dispatcher) build(ctx context.Context, b *Builder, key int64, u Update) (s *Session, err error) {
	perms, err := d.cfg.Permissions.GetPermissions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: builder %q key %d: permissions: %w", ErrFactoryFailed, b.ID, key, err)
	}

	now := d.now()
	tag := SessionTag{
		ID:        key,
		BuilderID: b.ID,
		Scope:     b.Scope,
		request:   d.cfg.Requester,
		event:     d.handleEvent,
	}
	s = &Session{
		tag:         tag,
		builder:     b,
		index:       d.index,
		remove:      d.requestRemoval,
		logger:      d.logger.With("session", tag.String()),
		routes:      NewRouteController(d.logger.With("session", tag.String())),
		permissions: perms,
		flood:       NewFloodLimiter(b.Flood),
		Chat:        u.Chat,
		User:        u.From,
		timeStarted: now,
		links:       make(map[int64]struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	s.timeout.Store(int64(b.Timeout))
	s.schedule = newSessionSchedule(d.sched, s)

	if b.Factory != nil {
		if err := d.runFactory(ctx, b, s, u); err != nil {
			return nil, err
		}
	}

	d.index.insert(s)
	if b.PostInit != nil {
		b.PostInit(s)
	}
	if d.cfg.OnSessionCreated != nil {
		d.cfg.OnSessionCreated(s)
	}

	s.logger.Debug("session created", "seq", u.Seq)
	return s, nil
}

func (d *Dispatcher) runFactory(ctx context.Context, b *Builder, s *Session, u Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: builder %q key %d: panic: %v", ErrFactoryFailed, b.ID, s.tag.ID, r)
		}
	}()

	if err := b.Factory(ctx, s, u); err != nil {
		return fmt.Errorf("%w: builder %q key %d: %w", ErrFactoryFailed, b.ID, s.tag.ID, err)
	}
	return nil
}

func (d *Dispatcher) forward(ctx context.Context, u Update, targets []*Session, res *DispatchResult) {
	for _, s := range targets {
		res.Forwarded = append(res.Forwarded, s.tag)
	}

	if !d.cfg.ParallelForward || len(targets) < 2 {
		for _, s := range targets {
			routed, err := s.handle(ctx, d, u)
			if err != nil {
				d.fail(res, err)
			}
			if routed {
				res.Routed++
			}
		}
		return
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		routed atomic.Int64
	)
	if d.cfg.MaxParallel > 0 {
		g.SetLimit(d.cfg.MaxParallel)
	}
	for _, s := range targets {
		g.Go(func() error {
			ok, err := s.handle(ctx, d, u)
			if ok {
				routed.Add(1)
			}
			if err != nil {
				mu.Lock()
				d.fail(res, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Routed += int(routed.Load())
}

// finish closes a dispatch cycle: pending removals, timeout sweep and due
// scheduled events, then removals requested by those events.
func (d *Dispatcher) finish(ctx context.Context, res *DispatchResult) {
	now := d.now()
	d.drain(res)
	d.sweep(now, res)
	d.sched.RunDue(ctx, now)
	d.drain(res)
}

func (d *Dispatcher) requestRemoval(s *Session) {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if !slices.Contains(d.pending, s) {
		d.pending = append(d.pending, s)
	}
}

func (d *Dispatcher) drain(res *DispatchResult) {
	d.rmu.Lock()
	pending := d.pending
	d.pending = nil
	d.rmu.Unlock()

	for _, s := range pending {
		d.removeNow(s, RemovedRequested, res)
	}
}

func (d *Dispatcher) sweep(now time.Time, res *DispatchResult) {
	for _, s := range d.index.all() {
		timeout := s.Timeout()
		if timeout <= 0 {
			continue
		}
		if now.Sub(s.TimeLastActive()) > timeout {
			d.removeNow(s, RemovedTimeout, res)
		}
	}
}

func (d *Dispatcher) removeNow(s *Session, reason RemovalReason, res *DispatchResult) {
	if !d.index.remove(s) {
		return
	}
	s.teardown(reason)
	res.Removed = append(res.Removed, s.tag)
	if d.cfg.OnSessionRemoved != nil {
		d.cfg.OnSessionRemoved(s, reason)
	}
}

func (d *Dispatcher) handleEvent(ev Event) {
	switch ev.Type {
	case EventRemoveSession:
		d.Remove(ev.Tag)
	default:
		if d.cfg.OnEvent != nil {
			d.cfg.OnEvent(ev)
			return
		}
		d.logger.Debug("unhandled session event", "session", ev.Tag.String(), "name", ev.Name)
	}
}

func (d *Dispatcher) floodCrossed(s *Session) {
	breaches := s.flood.Breaches()
	s.logger.Warn("flood limit crossed", "breaches", breaches)
	if d.cfg.OnFlood != nil {
		d.cfg.OnFlood(s, breaches)
	}
}

func (d *Dispatcher) fail(res *DispatchResult, err error) {
	res.Errors = append(res.Errors, err)
	d.report(err)
}

func (d *Dispatcher) report(err error) {
	d.logger.Error("dispatch error", "error", err)
	if d.cfg.OnError != nil {
		d.cfg.OnError(err)
	}
}

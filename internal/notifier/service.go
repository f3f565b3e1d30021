package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

// Options wires the engine's collaborators. Only Config is required.
type Options struct {
	Config   Config
	Channels []Channel
	Bus      eventbus.Bus
	Log      logx.Logger
	Settings SettingsStore
	Archive  Archive
	// Now overrides the wall clock used for DND and history timestamps.
	Now func() time.Time
}

// Service is the notification engine: DND gate, priority queue, dispatcher,
// active set, and history ledger behind one facade.
//
// It is safe for concurrent use. One dispatch goroutine pops requests while
// fewer than MaxConcurrent are active, fans each one out to its channels in
// parallel, and only then pops the next.
type Service struct {
	mu sync.Mutex

	cfg      Config
	gate     Gate
	queue    queue
	active   map[string]struct{}
	ledger   *Ledger
	channels map[Method]Channel
	perms    map[Method]Permission

	// timers holds pending backoff and auto-close timers so Stop can drop them.
	timers   map[uint64]*time.Timer
	timerSeq uint64

	wake chan struct{}

	log      logx.Logger
	bus      eventbus.Bus
	settings SettingsStore
	archive  Archive
	now      func() time.Time

	sup       *rtsup.Supervisor
	archiveCh chan Record
	stopped   bool
}

func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gate, _ := NewGate(cfg.DoNotDisturb)

	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		cfg:      cfg,
		gate:     gate,
		active:   map[string]struct{}{},
		ledger:   NewLedger(cfg.HistorySize),
		channels: map[Method]Channel{},
		perms:    map[Method]Permission{},
		timers:   map[uint64]*time.Timer{},
		wake:     make(chan struct{}, 1),
		log:      log.With(logx.String("comp", "notifier")),
		bus:      opts.Bus,
		settings: opts.Settings,
		archive:  opts.Archive,
		now:      now,
	}
	for _, ch := range opts.Channels {
		if ch == nil {
			continue
		}
		m := ch.Method()
		if !m.valid() {
			return nil, fmt.Errorf("%w: channel method %q", ErrUnknownMethod, m)
		}
		s.channels[m] = ch
	}
	return s, nil
}

// Start launches the dispatch loop (and the archive loop when an Archive is set).
// Start is idempotent; a stopped engine cannot be restarted.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.sup != nil {
		return nil
	}

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("dispatch", s.dispatchLoop, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	if s.archive != nil {
		s.archiveCh = make(chan Record, 256)
		ch := s.archiveCh
		s.sup.GoRestart("archive", func(c context.Context) error {
			s.archiveLoop(c, ch)
			return nil
		})
	}
	s.signal()
	s.log.Info("notifier started", logx.Int("max_concurrent", s.cfg.MaxConcurrent), logx.Int("channels", len(s.channels)))
	return nil
}

// Stop halts dispatch, drops pending timers, and waits for loops until ctx expires.
// Queued and in-flight requests are not persisted.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	s.log.Info("notifier stopped")
	return nil
}

// Show validates and enqueues req. It returns the request id. Requests that
// arrive inside the do-not-disturb window are dropped without error.
func (s *Service) Show(ctx context.Context, req Request) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	r := req.Clone()
	if err := r.normalize(); err != nil {
		return "", err
	}
	now := s.now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.gate.Blocked(now) {
		s.mu.Unlock()
		s.log.Debug("notification suppressed (do not disturb)", logx.String("id", r.ID))
		s.publish(EventSuppressed, NotificationEvent{ID: r.ID, Type: r.Type, Priority: r.Priority, At: now})
		return r.ID, nil
	}

	// A live request with the same id is retired before its replacement
	// is recorded.
	prev, superseded := s.ledger.transition(r.ID, 0, StatusDismissed, now, func(rec *Record) { rec.Error = "superseded" })
	var chans []Channel
	if superseded {
		s.queue.remove(r.ID)
		delete(s.active, r.ID)
		if !prev.ShownAt.IsZero() {
			chans = s.enabledChannelsLocked()
		}
	}
	rec := s.ledger.add(r, now)
	s.queue.push(&entry{req: r, gen: rec.gen, enqueuedAt: now})
	evicted := s.evictLocked(now)
	s.mu.Unlock()

	if superseded {
		s.log.Debug("live request replaced by same id", logx.String("id", r.ID), logx.Bool("was_shown", !prev.ShownAt.IsZero()))
		for _, ch := range chans {
			safeCancel(ch, r.ID, s.log)
		}
		s.publishRecord(EventDismissed, prev)
		s.archiveRecord(prev)
	}

	s.publish(EventCreated, NotificationEvent{ID: r.ID, Type: r.Type, Priority: r.Priority, Status: StatusPending, At: now})
	for _, rec := range evicted {
		s.log.Debug("queue over soft cap; evicted", logx.String("id", rec.ID), logx.String("priority", rec.Priority.String()))
		s.publishRecord(EventDropped, rec)
		s.archiveRecord(rec)
	}
	s.signal()
	return r.ID, nil
}

// evictLocked enforces the soft queue cap of 2 x MaxConcurrent.
func (s *Service) evictLocked(now time.Time) []Record {
	var out []Record
	for s.queue.len() > 2*s.cfg.MaxConcurrent {
		e, ok := s.queue.evict()
		if !ok {
			break
		}
		if rec, ok := s.ledger.transition(e.req.ID, e.gen, StatusDismissed, now, func(r *Record) { r.Error = "evicted" }); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Dismiss ends a request manually. Unknown or already-terminal ids are a no-op.
func (s *Service) Dismiss(id string) {
	s.finish(id, 0, StatusDismissed, "")
}

// Click records a user interaction with a shown notification.
func (s *Service) Click(id, action string) bool {
	return s.finish(id, 0, StatusClicked, action)
}

// expire is the auto-close path for instance gen of id. It may fire after a
// manual dismiss or after the id was reused; both make it a no-op.
func (s *Service) expire(id string, gen uint64) {
	s.finish(id, gen, StatusClosed, "")
}

// finish ends instance gen of id (0 = current instance).
func (s *Service) finish(id string, gen uint64, to Status, action string) bool {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.ledger.transition(id, gen, to, now, func(r *Record) {
		if to == StatusClicked {
			r.Read = true
			r.Action = action
		}
	})
	if !ok {
		if _, known := s.ledger.status(id, 0); !known && gen == 0 {
			// No record left to transition; still release whatever the id holds.
			_, queued := s.queue.remove(id)
			_, active := s.active[id]
			delete(s.active, id)
			s.mu.Unlock()
			if queued || active {
				s.log.Warn("released request without history record", logx.String("id", id))
				s.signal()
			}
			return false
		}
		s.mu.Unlock()
		return false
	}
	s.queue.remove(id)
	delete(s.active, id)
	chans := s.enabledChannelsLocked()
	s.mu.Unlock()

	for _, ch := range chans {
		safeCancel(ch, id, s.log)
	}
	s.publishRecord(eventFor(to), rec)
	s.archiveRecord(rec)
	s.signal()
	return true
}

// DismissAll clears the queue and dismisses every active request.
func (s *Service) DismissAll() {
	now := s.now()

	s.mu.Lock()
	drained := s.queue.clear()
	var recs []Record
	for _, e := range drained {
		if rec, ok := s.ledger.transition(e.req.ID, e.gen, StatusDismissed, now, nil); ok {
			recs = append(recs, rec)
		}
	}
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	chans := s.enabledChannelsLocked()
	s.mu.Unlock()

	for _, rec := range recs {
		s.publishRecord(EventDismissed, rec)
		s.archiveRecord(rec)
	}
	for _, id := range ids {
		s.Dismiss(id)
	}
	for _, ch := range chans {
		safeCancelAll(ch, s.log)
	}
	s.log.Debug("dismissed all", logx.Int("queued", len(drained)), logx.Int("active", len(ids)))
}

func (s *Service) MarkRead(id string) bool { return s.ledger.MarkRead(id) }

func (s *Service) MarkAllRead() int { return s.ledger.MarkAllRead() }

// ClearHistory drops terminal records.
func (s *Service) ClearHistory() int { return s.ledger.Clear() }

// UpdateConfig applies a partial update, persists it best-effort, and
// publishes EventConfig.
func (s *Service) UpdateConfig(ctx context.Context, p Patch) error {
	next, err := s.swapConfig(func(cur Config) Config { return cur.Apply(p) })
	if err != nil {
		return err
	}
	if s.settings != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		if err := s.settings.SaveSettings(ctx, next); err != nil {
			s.log.Warn("persist settings failed", logx.Err(err))
		}
	}
	return nil
}

// ApplyConfig replaces the whole config without persisting it (hot reload).
// Lowering MaxConcurrent never evicts active requests.
func (s *Service) ApplyConfig(cfg Config) error {
	_, err := s.swapConfig(func(Config) Config { return cfg })
	return err
}

func (s *Service) swapConfig(fn func(cur Config) Config) (Config, error) {
	s.mu.Lock()
	next := fn(s.cfg)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Config{}, err
	}
	gate, _ := NewGate(next.DoNotDisturb)
	s.cfg = next
	s.gate = gate
	s.ledger.Resize(next.HistorySize)
	s.mu.Unlock()

	s.log.Debug("config applied", logx.Int("max_concurrent", next.MaxConcurrent), logx.Bool("dnd", next.DoNotDisturb.Enabled))
	s.publish(EventConfig, next)
	s.signal()
	return next, nil
}

// LoadSettings applies persisted settings, if any.
func (s *Service) LoadSettings(ctx context.Context) (bool, error) {
	if s.settings == nil {
		return false, nil
	}
	cfg, ok, err := s.settings.LoadSettings(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := s.ApplyConfig(cfg); err != nil {
		return false, fmt.Errorf("persisted settings: %w", err)
	}
	return true, nil
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// DoNotDisturbActive reports whether a Show right now would be suppressed.
func (s *Service) DoNotDisturbActive() bool {
	s.mu.Lock()
	g := s.gate
	s.mu.Unlock()
	return g.Blocked(s.now())
}

func (s *Service) Stats() Stats { return s.ledger.Stats(s.now()) }

func (s *Service) History(f Filter) Page { return s.ledger.Query(f) }

func (s *Service) Record(id string) (Record, bool) { return s.ledger.Get(id) }

func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Supervisor exposes the internal supervisor (nil before Start) for /debug output.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// CheckPermissions polls channels that implement PermissionChecker and
// publishes EventPermission on every change.
func (s *Service) CheckPermissions(ctx context.Context) map[Method]Permission {
	s.mu.Lock()
	chans := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	out := map[Method]Permission{}
	for _, ch := range chans {
		pc, ok := ch.(PermissionChecker)
		if !ok {
			continue
		}
		m := ch.Method()
		p := pc.Permission(ctx)
		out[m] = p

		s.mu.Lock()
		prev, seen := s.perms[m]
		s.perms[m] = p
		s.mu.Unlock()
		if !seen || prev != p {
			s.publish(EventPermission, PermissionEvent{Method: m, State: p, At: s.now()})
		}
	}
	return out
}

func (s *Service) enabledChannelsLocked() []Channel {
	out := make([]Channel, 0, len(s.channels))
	for m, ch := range s.channels {
		if s.cfg.MethodEnabled(m) {
			out = append(out, ch)
		}
	}
	return out
}

// afterLocked schedules fn and tracks the timer until it fires.
func (s *Service) afterLocked(d time.Duration, fn func()) {
	if s.stopped {
		return
	}
	s.timerSeq++
	id := s.timerSeq
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
}

// signal wakes the dispatch loop without blocking.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) publishRecord(typ string, r Record) {
	s.publish(typ, NotificationEvent{
		ID:       r.ID,
		Type:     r.Type,
		Priority: r.Priority,
		Status:   r.Status,
		Retries:  r.Retries,
		Action:   r.Action,
		Error:    r.Error,
		At:       r.UpdatedAt,
	})
}

func eventFor(st Status) string {
	switch st {
	case StatusShown:
		return EventShown
	case StatusClicked:
		return EventClicked
	case StatusClosed:
		return EventClosed
	case StatusFailed:
		return EventFailed
	default:
		return EventDismissed
	}
}

package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "notifyd/pkg/logx"
)

func (s *Service) dispatchLoop(ctx context.Context) error {
	for {
		e, ok := s.next(ctx)
		if !ok {
			return ctx.Err()
		}
		s.dispatch(ctx, e)
	}
}

// next blocks until a slot is free and the queue has an entry, then claims
// the slot for it. Waiting is driven by the wake channel, not polling.
func (s *Service) next(ctx context.Context) (*entry, bool) {
	for {
		s.mu.Lock()
		for len(s.active) < s.cfg.MaxConcurrent {
			e, ok := s.queue.pop()
			if !ok {
				break
			}
			if st, ok := s.ledger.status(e.req.ID, e.gen); !ok || st != StatusPending {
				// Dismissed, evicted or replaced; each path already reported it.
				continue
			}
			s.active[e.req.ID] = struct{}{}
			s.mu.Unlock()
			return e, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

func (s *Service) dispatch(ctx context.Context, e *entry) {
	s.mu.Lock()
	cfg := s.cfg
	targets := make([]Channel, 0, len(e.req.Methods))
	for _, m := range e.req.Methods {
		ch, ok := s.channels[m]
		if ok && cfg.MethodEnabled(m) {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	req := e.req.Clone()
	req.Sound.Volume = effectiveVolume(req.Sound.Volume, cfg.GlobalVolume)

	delivered, err := s.fanout(ctx, req, targets)
	if ctx.Err() != nil {
		// Shutting down; the request is lost with the process.
		return
	}
	if delivered == 0 {
		s.retryOrFail(e, err, cfg)
		return
	}
	if err != nil {
		s.log.Warn("channel delivery failed", logx.String("id", req.ID), logx.Int("delivered", delivered), logx.Err(err))
	}
	s.markShown(e, cfg)
}

// fanout delivers req on every target concurrently and waits for all of
// them. A failing or panicking channel never affects its siblings.
func (s *Service) fanout(ctx context.Context, req Request, targets []Channel) (int, error) {
	if len(targets) == 0 {
		return 0, ErrNoDeliverableChannel
	}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, ch := range targets {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			errs[i] = safeDeliver(ctx, ch, req)
		}(i, ch)
	}
	wg.Wait()

	delivered := 0
	for i, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		errs[i] = fmt.Errorf("%s: %w", targets[i].Method(), err)
	}
	return delivered, errors.Join(errs...)
}

func (s *Service) retryOrFail(e *entry, cause error, cfg Config) {
	now := s.now()
	id := e.req.ID

	s.mu.Lock()
	delete(s.active, id)
	e.retries++
	if !s.ledger.update(id, e.gen, now, func(r *Record) {
		r.Retries = e.retries
		r.Error = cause.Error()
	}) {
		// Dismissed or replaced while delivering.
		s.mu.Unlock()
		s.signal()
		return
	}

	if e.retries < cfg.MaxRetries {
		delay := cfg.RetryBackoff * time.Duration(e.retries)
		s.afterLocked(delay, func() { s.requeue(e) })
		s.mu.Unlock()
		s.log.Warn("dispatch failed; retrying",
			logx.String("id", id),
			logx.Int("retry", e.retries),
			logx.Duration("backoff", delay),
			logx.Err(cause),
		)
		s.signal()
		return
	}

	rec, ok := s.ledger.transition(id, e.gen, StatusFailed, now, nil)
	s.mu.Unlock()
	s.signal()
	if !ok {
		return
	}
	s.log.Error("dispatch failed; giving up", logx.String("id", id), logx.Int("retries", e.retries), logx.Err(cause))
	s.publishRecord(EventFailed, rec)
	s.archiveRecord(rec)
}

// requeue puts a retried entry back at the head unless it was dismissed
// while backing off.
func (s *Service) requeue(e *entry) {
	s.mu.Lock()
	if st, ok := s.ledger.status(e.req.ID, e.gen); !ok || st != StatusPending || s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue.pushFront(e)
	s.mu.Unlock()
	s.signal()
}

func (s *Service) markShown(e *entry, cfg Config) {
	now := s.now()
	id := e.req.ID

	s.mu.Lock()
	rec, ok := s.ledger.transition(id, e.gen, StatusShown, now, func(r *Record) { r.Retries = e.retries; r.Error = "" })
	if !ok {
		// Dismissed or replaced while delivering; the slot is already
		// released, but channels may have rendered after the cancel went out.
		chans := s.enabledChannelsLocked()
		s.mu.Unlock()
		for _, ch := range chans {
			safeCancel(ch, id, s.log)
		}
		return
	}
	if d := autoCloseFor(e.req, cfg); d > 0 {
		gen := e.gen
		s.afterLocked(d, func() { s.expire(id, gen) })
	}
	s.mu.Unlock()

	s.log.Debug("notification shown",
		logx.String("id", id),
		logx.String("priority", e.req.Priority.String()),
		logx.Int("retries", e.retries),
		logx.Duration("waited", now.Sub(e.enqueuedAt)),
	)
	s.publishRecord(EventShown, rec)
}

func autoCloseFor(req Request, cfg Config) time.Duration {
	if req.Persistent || req.AutoClose < 0 {
		return 0
	}
	if req.AutoClose > 0 {
		return req.AutoClose
	}
	return cfg.DefaultAutoClose
}

func effectiveVolume(req, global float64) float64 {
	if req <= 0 {
		req = 1
	}
	return req * global
}

func safeDeliver(ctx context.Context, ch Channel, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Deliver(ctx, req)
}

func safeCancel(ch Channel, id string, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("channel cancel panicked", logx.String("method", string(ch.Method())), logx.Any("panic", r))
		}
	}()
	ch.Cancel(id)
}

func safeCancelAll(ch Channel, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("channel cancel-all panicked", logx.String("method", string(ch.Method())), logx.Any("panic", r))
		}
	}()
	ch.CancelAll()
}

// archiveRecord hands a terminal record to the archive loop (best-effort).
func (s *Service) archiveRecord(r Record) {
	s.mu.Lock()
	ch := s.archiveCh
	stopped := s.stopped
	s.mu.Unlock()
	if ch == nil || stopped {
		return
	}
	select {
	case ch <- r:
	default:
		s.log.Debug("archive queue full; record dropped", logx.String("id", r.ID))
	}
}

func (s *Service) archiveLoop(ctx context.Context, ch <-chan Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-ch:
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := s.archive.ArchiveRecord(cctx, r); err != nil {
				s.log.Debug("archive record failed", logx.String("id", r.ID), logx.Err(err))
			}
			cancel()
		}
	}
}

// Package reminder raises recurring notifications on cron schedules.
//
// Every firing submits a fresh copy of the job's request template to the
// engine under a new id; the engine owns everything after that.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

const sourceModule = "reminder"

var ErrUnknownJob = errors.New("unknown reminder")

// Shower is the engine surface reminders need.
type Shower interface {
	Show(ctx context.Context, req notifier.Request) (string, error)
}

type Config struct {
	Enabled bool
	// Timezone is an IANA name; empty means local time.
	Timezone string
	Jobs     []Job
}

// Job fires Request on Schedule (five-field cron or a descriptor such as
// "@daily" or "@every 30m"). Request.ID is ignored.
type Job struct {
	Name     string
	Schedule string
	Request  notifier.Request
}

// Entry describes a scheduled job.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitzero"`
	Fired    uint64    `json:"fired"`
	LastID   string    `json:"last_id,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
}

type jobState struct {
	job     Job
	entryID cron.EntryID
	fired   uint64
	lastID  string
	lastErr string
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	engine Shower
	parser cron.Parser
	newID  func() string

	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*jobState
}

func New(cfg Config, engine Shower, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		engine: engine,
		log:    log.With(logx.String("comp", "reminder")),
		parser: newParser(),
		newID:  func() string { return sourceModule + "-" + uuid.NewString() },
		jobs:   map[string]*jobState{},
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Validate checks schedules, names and the timezone without scheduling.
func Validate(cfg Config) error {
	var errs []error
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	p := newParser()
	seen := map[string]bool{}
	for _, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, errors.New("reminder name is required"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("reminder %q: duplicate name", name))
		}
		seen[name] = true
		if _, err := p.Parse(strings.TrimSpace(j.Schedule)); err != nil {
			errs = append(errs, fmt.Errorf("reminder %q: schedule %q: %w", name, j.Schedule, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start schedules all jobs. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if err := Validate(s.cfg); err != nil {
		return err
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	prev := s.jobs
	s.jobs = make(map[string]*jobState, len(s.cfg.Jobs))
	for _, j := range s.cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		st := &jobState{job: j}
		if old, ok := prev[name]; ok {
			st.fired, st.lastID, st.lastErr = old.fired, old.lastID, old.lastErr
		}
		id, err := c.AddFunc(strings.TrimSpace(j.Schedule), func() { s.fire(name) })
		if err != nil {
			return fmt.Errorf("reminder %q: %w", name, err)
		}
		st.entryID = id
		s.jobs[name] = st
	}
	c.Start()
	s.c = c
	s.log.Info("reminders started", logx.Int("jobs", len(s.jobs)), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the configuration, rescheduling when running. Firing counters
// survive for jobs that keep their name.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Enabled {
		if err := Validate(cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return s.Start(ctx)
	}

	// Running firings take s.mu, so the old scheduler drains unlocked.
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

// Stop halts scheduling and waits for running firings, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("reminders stopped")
}

// Fire runs a job immediately, outside its schedule.
func (s *Service) Fire(name string) (string, error) {
	s.mu.Lock()
	_, ok := s.jobs[name]
	if !ok {
		for _, j := range s.cfg.Jobs {
			if strings.TrimSpace(j.Name) == name {
				s.jobs[name] = &jobState{job: j}
				ok = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.fire(name)
}

func (s *Service) fire(name string) (string, error) {
	s.mu.Lock()
	st, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req := st.job.Request.Clone()
	req.ID = s.newID()
	req.Source = &notifier.Source{Module: sourceModule, ID: name}
	if req.Type == "" {
		req.Type = notifier.TypeReminder
	}

	id, err := s.engine.Show(ctx, req)

	s.mu.Lock()
	st.fired++
	st.lastID = id
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("reminder not shown", logx.String("name", name), logx.Err(err))
		return "", err
	}
	s.log.Debug("reminder fired", logx.String("name", name), logx.String("id", id))
	return id, nil
}

// Entries lists scheduled jobs by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for name, st := range s.jobs {
		e := Entry{
			Name:     name,
			Schedule: st.job.Schedule,
			Fired:    st.fired,
			LastID:   st.lastID,
			LastErr:  st.lastErr,
		}
		if s.c != nil && st.entryID != 0 {
			ce := s.c.Entry(st.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

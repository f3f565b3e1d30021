package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	mu   sync.Mutex
	reqs []notifier.Request
	err  error
}

func (f *fakeEngine) Show(ctx context.Context, req notifier.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return req.ID, nil
}

func (f *fakeEngine) shown() []notifier.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Request(nil), f.reqs...)
}

func job(name, schedule string) Job {
	return Job{
		Name:     name,
		Schedule: schedule,
		Request: notifier.Request{
			Title:    "Stretch",
			Message:  "stand up",
			Priority: notifier.PriorityHigh,
			Methods:  []notifier.Method{notifier.MethodDesktop},
			Data:     map[string]string{"k": "v"},
		},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Config{Jobs: []Job{job("a", "*/5 * * * *"), job("b", "@every 30m"), job("c", "@daily")}}))

	cases := map[string]Config{
		"bad schedule": {Jobs: []Job{job("a", "not a schedule")}},
		"seconds":      {Jobs: []Job{job("a", "0 */5 * * * *")}},
		"empty name":   {Jobs: []Job{job(" ", "@daily")}},
		"duplicate":    {Jobs: []Job{job("a", "@daily"), job("a", "@hourly")}},
		"bad timezone": {Timezone: "Mars/Olympus", Jobs: []Job{job("a", "@daily")}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestFireSubmitsFreshCopies(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{Enabled: true, Jobs: []Job{job("stretch", "@daily")}}, eng, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	id1, err := s.Fire("stretch")
	require.NoError(t, err)
	id2, err := s.Fire("stretch")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Contains(t, id1, "reminder-")

	got := eng.shown()
	require.Len(t, got, 2)
	r := got[0]
	assert.Equal(t, id1, r.ID)
	assert.Equal(t, notifier.TypeReminder, r.Type)
	assert.Equal(t, &notifier.Source{Module: "reminder", ID: "stretch"}, r.Source)
	assert.Equal(t, notifier.PriorityHigh, r.Priority)

	// Templates are not shared between firings.
	got[0].Data["k"] = "changed"
	assert.Equal(t, "v", got[1].Data["k"])

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Fired)
	assert.Equal(t, id2, entries[0].LastID)
	assert.False(t, entries[0].Next.IsZero())

	_, err = s.Fire("missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestFireRecordsEngineError(t *testing.T) {
	eng := &fakeEngine{err: errors.New("engine stopped")}
	s := New(Config{Enabled: true, Jobs: []Job{job("a", "@hourly")}}, eng, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	_, err := s.Fire("a")
	require.Error(t, err)
	assert.Equal(t, "engine stopped", s.Entries()[0].LastErr)
}

func TestScheduleFires(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{Enabled: true, Timezone: "UTC", Jobs: []Job{job("tick", "@every 1s")}}, eng, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return len(eng.shown()) >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestApplyReschedules(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{}, eng, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Empty(t, s.Entries())

	require.NoError(t, s.Apply(ctx, Config{Enabled: true, Jobs: []Job{job("a", "@daily")}}))
	_, err := s.Fire("a")
	require.NoError(t, err)

	require.NoError(t, s.Apply(ctx, Config{Enabled: true, Jobs: []Job{job("a", "@hourly"), job("b", "@daily")}}))
	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, uint64(1), entries[0].Fired)
	assert.Equal(t, "@hourly", entries[0].Schedule)

	assert.Error(t, s.Apply(ctx, Config{Enabled: true, Jobs: []Job{job("x", "bogus")}}))
	assert.Len(t, s.Entries(), 2)

	require.NoError(t, s.Apply(ctx, Config{Enabled: false}))
	assert.False(t, s.Enabled())
}

func TestDisabledStartIsNoop(t *testing.T) {
	s := New(Config{Enabled: false, Jobs: []Job{job("a", "bogus")}}, &fakeEngine{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}

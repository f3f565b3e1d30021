package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/eventbus"
)

func TestShowValidation(t *testing.T) {
	s := newService(t, Options{Config: testConfig()})
	ctx := context.Background()

	_, err := s.Show(ctx, Request{Title: "t", Message: "m", Methods: []Method{MethodDesktop}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Show(ctx, Request{ID: "x", Title: "t", Message: "m"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Show(ctx, Request{ID: "x", Title: "t", Message: "m", Methods: []Method{"carrier-pigeon"}})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = s.Show(ctx, Request{ID: "x", Title: "t", Message: "m", Priority: Priority(9), Methods: []Method{MethodDesktop}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, s.Stats().Total, "rejected requests leave no record")

	id, err := s.Show(ctx, Request{ID: " x ", Title: "t", Message: "m", Methods: []Method{"Desktop", MethodDesktop}})
	require.NoError(t, err)
	assert.Equal(t, "x", id)
	rec, ok := s.Record("x")
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, rec.Priority)
	assert.Equal(t, TypeInfo, rec.Type)
	assert.Equal(t, []Method{MethodDesktop}, rec.Methods)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestPriorityOrdering(t *testing.T) {
	desk := newFake(MethodDesktop)
	cfg := testConfig()
	cfg.MaxConcurrent = 5
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})

	ctx := context.Background()
	for _, r := range []Request{
		req("low", PriorityLow),
		req("urgent-1", PriorityUrgent),
		req("normal", PriorityNormal),
		req("high", PriorityHigh),
		req("urgent-2", PriorityUrgent),
	} {
		_, err := s.Show(ctx, r)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.QueueLen())
	start(t, s)

	require.Eventually(t, func() bool { return len(desk.deliveredIDs()) == 5 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"urgent-1", "urgent-2", "high", "normal", "low"}, desk.deliveredIDs())
}

func TestConcurrencyBound(t *testing.T) {
	desk := newFake(MethodDesktop)
	desk.delay = 5 * time.Millisecond
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})

	var maxSeen atomic.Int64
	observe := func() {
		n := int64(s.ActiveCount())
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				return
			}
		}
	}
	desk.onDeliver = func(Request) { observe() }

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				observe()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	start(t, s)
	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	for _, id := range ids {
		r := req(id, PriorityNormal)
		r.AutoClose = 30 * time.Millisecond
		_, err := s.Show(context.Background(), r)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.ByStatus[StatusPending] == 0 && st.ByStatus[StatusShown] == 0
	}, 3*time.Second, 5*time.Millisecond)
	close(done)
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
	assert.Zero(t, s.ActiveCount())
	assert.Zero(t, s.QueueLen())
	for _, id := range ids {
		rec, ok := s.Record(id)
		require.True(t, ok)
		assert.True(t, rec.Status.Terminal(), "%s is %s", id, rec.Status)
	}
}

func TestRetryWithLinearBackoff(t *testing.T) {
	desk := newFake(MethodDesktop)
	desk.failFirst = 2
	cfg := testConfig()
	cfg.RetryBackoff = 40 * time.Millisecond
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})
	start(t, s)

	_, err := s.Show(context.Background(), req("flaky", PriorityHigh))
	require.NoError(t, err)
	waitStatus(t, s, "flaky", StatusShown)

	calls := desk.callTimes()
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 80*time.Millisecond)

	rec, _ := s.Record("flaky")
	assert.Equal(t, 2, rec.Retries)
	assert.Empty(t, rec.Error)
}

func TestRetryExhaustion(t *testing.T) {
	desk := newFake(MethodDesktop)
	desk.failFirst = -1
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, EventFailed)
	defer unsub()

	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}, Bus: bus})
	start(t, s)

	_, err := s.Show(context.Background(), req("doomed", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "doomed", StatusFailed)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, desk.callTimes(), 3)
	got := drain(events)
	require.Len(t, got, 1)
	ev := got[0].Data.(NotificationEvent)
	assert.Equal(t, "doomed", ev.ID)
	assert.Equal(t, 3, ev.Retries)
	assert.Contains(t, ev.Error, errDeliver.Error())
	assert.Zero(t, s.ActiveCount())
}

func TestDisabledChannelCountsAsFailure(t *testing.T) {
	desk := newFake(MethodDesktop)
	cfg := testConfig()
	cfg.DesktopEnabled = false
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})
	start(t, s)

	_, err := s.Show(context.Background(), req("muted", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "muted", StatusFailed)
	assert.Empty(t, desk.callTimes())
	rec, _ := s.Record("muted")
	assert.Contains(t, rec.Error, ErrNoDeliverableChannel.Error())
}

func TestChannelIsolation(t *testing.T) {
	desk := newFake(MethodDesktop)
	desk.panics = true
	sound := newFake(MethodSound)
	push := newFake(MethodPush)
	push.failFirst = -1
	cfg := testConfig()
	cfg.PushEnabled = true
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk, sound, push}})
	start(t, s)

	_, err := s.Show(context.Background(), req("mixed", PriorityNormal, MethodDesktop, MethodSound, MethodPush))
	require.NoError(t, err)
	waitStatus(t, s, "mixed", StatusShown)

	assert.Len(t, desk.callTimes(), 1)
	assert.Equal(t, []string{"mixed"}, sound.deliveredIDs())
	assert.Len(t, push.callTimes(), 1)
	rec, _ := s.Record("mixed")
	assert.Zero(t, rec.Retries)
}

func TestEffectiveVolume(t *testing.T) {
	sound := newFake(MethodSound)
	cfg := testConfig()
	cfg.GlobalVolume = 0.5
	s := newService(t, Options{Config: cfg, Channels: []Channel{sound}})
	start(t, s)

	quiet := req("quiet", PriorityNormal, MethodSound)
	quiet.Sound.Volume = 0.5
	_, err := s.Show(context.Background(), quiet)
	require.NoError(t, err)
	_, err = s.Show(context.Background(), req("default", PriorityNormal, MethodSound))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sound.deliveredIDs()) == 2 }, 2*time.Second, 2*time.Millisecond)
	sound.mu.Lock()
	defer sound.mu.Unlock()
	vols := map[string]float64{}
	for _, r := range sound.delivered {
		vols[r.ID] = r.Sound.Volume
	}
	assert.InDelta(t, 0.25, vols["quiet"], 1e-9)
	assert.InDelta(t, 0.5, vols["default"], 1e-9)
}

func TestShowCopiesRequest(t *testing.T) {
	desk := newFake(MethodDesktop)
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}})

	r := req("copy", PriorityNormal)
	r.Data = map[string]string{"k": "v"}
	_, err := s.Show(context.Background(), r)
	require.NoError(t, err)
	r.Data["k"] = "mutated"
	r.Methods[0] = MethodPush

	start(t, s)
	waitStatus(t, s, "copy", StatusShown)
	desk.mu.Lock()
	defer desk.mu.Unlock()
	require.Len(t, desk.delivered, 1)
	assert.Equal(t, "v", desk.delivered[0].Data["k"])
}

func TestDoNotDisturb(t *testing.T) {
	desk := newFake(MethodDesktop)
	clock := &fakeClock{now: time.Date(2024, 3, 10, 23, 30, 0, 0, time.Local)}
	bus := eventbus.New()
	suppressed, unsub := bus.Subscribe(8, EventSuppressed)
	defer unsub()

	cfg := testConfig()
	cfg.DoNotDisturb = DNDConfig{Enabled: true, Start: "22:00", End: "08:00"}
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}, Bus: bus, Now: clock.Now})
	start(t, s)

	assert.True(t, s.DoNotDisturbActive())
	id, err := s.Show(context.Background(), req("night", PriorityUrgent))
	require.NoError(t, err)
	assert.Equal(t, "night", id)
	_, ok := s.Record("night")
	assert.False(t, ok, "suppressed requests are not recorded")
	require.Eventually(t, func() bool { return len(drain(suppressed)) == 1 }, time.Second, 2*time.Millisecond)

	clock.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local))
	assert.False(t, s.DoNotDisturbActive())
	_, err = s.Show(context.Background(), req("noon", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "noon", StatusShown)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"noon"}, desk.deliveredIDs())
}

func TestAutoCloseAfterDismissIsNoop(t *testing.T) {
	desk := newFake(MethodDesktop)
	bus := eventbus.New()
	terminal, unsub := bus.Subscribe(16, EventClosed, EventDismissed, EventClicked)
	defer unsub()

	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}, Bus: bus})
	start(t, s)

	r := req("brief", PriorityNormal)
	r.AutoClose = 200 * time.Millisecond
	_, err := s.Show(context.Background(), r)
	require.NoError(t, err)
	waitStatus(t, s, "brief", StatusShown)

	time.Sleep(50 * time.Millisecond)
	s.Dismiss("brief")
	s.Dismiss("brief")
	assert.False(t, s.Click("brief", "open"))

	time.Sleep(300 * time.Millisecond)
	rec, _ := s.Record("brief")
	assert.Equal(t, StatusDismissed, rec.Status)
	got := drain(terminal)
	require.Len(t, got, 1)
	assert.Equal(t, EventDismissed, got[0].Type)
	assert.Equal(t, []string{"brief"}, desk.cancelledIDs())
	assert.Zero(t, s.ActiveCount())
}

func TestAutoClose(t *testing.T) {
	desk := newFake(MethodDesktop)
	cfg := testConfig()
	cfg.DefaultAutoClose = 20 * time.Millisecond
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})
	start(t, s)

	_, err := s.Show(context.Background(), req("auto", PriorityNormal))
	require.NoError(t, err)
	sticky := req("sticky", PriorityNormal)
	sticky.Persistent = true
	_, err = s.Show(context.Background(), sticky)
	require.NoError(t, err)

	waitStatus(t, s, "auto", StatusClosed)
	waitStatus(t, s, "sticky", StatusShown)
	time.Sleep(50 * time.Millisecond)
	rec, _ := s.Record("sticky")
	assert.Equal(t, StatusShown, rec.Status)
	assert.Equal(t, 1, s.ActiveCount())
}

func TestHistoryCapKeepsLiveRequests(t *testing.T) {
	desk := newFake(MethodDesktop)
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.HistorySize = 5
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})
	start(t, s)

	sticky := req("sticky", PriorityNormal)
	sticky.Persistent = true
	_, err := s.Show(context.Background(), sticky)
	require.NoError(t, err)
	waitStatus(t, s, "sticky", StatusShown)

	for i := 0; i < 6; i++ {
		_, err := s.Show(context.Background(), req(fmt.Sprintf("q%d", i), PriorityNormal))
		require.NoError(t, err)
	}
	rec, ok := s.Record("sticky")
	require.True(t, ok, "shown record outlives the history cap")
	assert.Equal(t, StatusShown, rec.Status)

	s.Dismiss("sticky")
	s.DismissAll()
	assert.Zero(t, s.ActiveCount())
	assert.Zero(t, s.QueueLen())

	_, err = s.Show(context.Background(), req("late", PriorityUrgent))
	require.NoError(t, err)
	waitStatus(t, s, "late", StatusShown)
}

func TestStaleAutoCloseSparesReusedID(t *testing.T) {
	desk := newFake(MethodDesktop)
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}})
	start(t, s)

	brief := req("dup", PriorityNormal)
	brief.AutoClose = 100 * time.Millisecond
	_, err := s.Show(context.Background(), brief)
	require.NoError(t, err)
	waitStatus(t, s, "dup", StatusShown)
	s.Dismiss("dup")

	again := req("dup", PriorityNormal)
	again.Persistent = true
	_, err = s.Show(context.Background(), again)
	require.NoError(t, err)
	waitStatus(t, s, "dup", StatusShown)

	time.Sleep(200 * time.Millisecond)
	rec, _ := s.Record("dup")
	assert.Equal(t, StatusShown, rec.Status)
	assert.Equal(t, 1, s.ActiveCount())
}

func TestReusedIDReplacesLiveRequest(t *testing.T) {
	desk := newFake(MethodDesktop)
	bus := eventbus.New()
	dismissed, unsub := bus.Subscribe(8, EventDismissed)
	defer unsub()
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}, Bus: bus})

	first := req("dup", PriorityNormal)
	first.Title = "first"
	second := req("dup", PriorityNormal)
	second.Title = "second"
	_, err := s.Show(context.Background(), first)
	require.NoError(t, err)
	_, err = s.Show(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 1, s.QueueLen())

	var events []eventbus.Event
	require.Eventually(t, func() bool {
		events = append(events, drain(dismissed)...)
		return len(events) == 1
	}, time.Second, 2*time.Millisecond)
	ev := events[0].Data.(NotificationEvent)
	assert.Equal(t, "superseded", ev.Error)

	start(t, s)
	waitStatus(t, s, "dup", StatusShown)
	time.Sleep(20 * time.Millisecond)

	desk.mu.Lock()
	var titles []string
	for _, r := range desk.delivered {
		titles = append(titles, r.Title)
	}
	desk.mu.Unlock()
	assert.Equal(t, []string{"second"}, titles)
	rec, _ := s.Record("dup")
	assert.Equal(t, "second", rec.Title)
	assert.Equal(t, 1, s.History(Filter{}).Total)
}

func TestReusedIDCancelsShownInstance(t *testing.T) {
	desk := newFake(MethodDesktop)
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}})
	start(t, s)

	_, err := s.Show(context.Background(), req("dup", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "dup", StatusShown)

	_, err = s.Show(context.Background(), req("dup", PriorityHigh))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(desk.deliveredIDs()) == 2 }, time.Second, 2*time.Millisecond)
	waitStatus(t, s, "dup", StatusShown)
	assert.Equal(t, []string{"dup"}, desk.cancelledIDs())
	assert.Equal(t, 1, s.ActiveCount())
}

func TestClickMarksRead(t *testing.T) {
	desk := newFake(MethodDesktop)
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}})
	start(t, s)

	_, err := s.Show(context.Background(), req("tap", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "tap", StatusShown)
	assert.Equal(t, 1, s.Stats().Unread)

	require.True(t, s.Click("tap", "snooze"))
	rec, _ := s.Record("tap")
	assert.Equal(t, StatusClicked, rec.Status)
	assert.Equal(t, "snooze", rec.Action)
	assert.True(t, rec.Read)
	assert.Zero(t, s.Stats().Unread)
	assert.Equal(t, 1, s.ClearHistory())
}

func TestDismissAll(t *testing.T) {
	desk := newFake(MethodDesktop)
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := newService(t, Options{Config: cfg, Channels: []Channel{desk}})
	start(t, s)

	_, err := s.Show(context.Background(), req("first", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "first", StatusShown)
	for _, id := range []string{"q1", "q2"} {
		_, err := s.Show(context.Background(), req(id, PriorityNormal))
		require.NoError(t, err)
	}

	s.DismissAll()
	for _, id := range []string{"first", "q1", "q2"} {
		rec, ok := s.Record(id)
		require.True(t, ok)
		assert.Equal(t, StatusDismissed, rec.Status, id)
	}
	assert.Zero(t, s.ActiveCount())
	assert.Zero(t, s.QueueLen())
	desk.mu.Lock()
	assert.Equal(t, 1, desk.cancelAll)
	desk.mu.Unlock()
}

func TestQueueSoftCapEvictsLowest(t *testing.T) {
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(8, EventDropped)
	defer unsub()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := newService(t, Options{Config: cfg, Bus: bus})

	for _, r := range []Request{req("low", PriorityLow), req("normal", PriorityNormal), req("high", PriorityHigh)} {
		_, err := s.Show(context.Background(), r)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.QueueLen())
	rec, _ := s.Record("low")
	assert.Equal(t, StatusDismissed, rec.Status)
	assert.Equal(t, "evicted", rec.Error)
	require.Eventually(t, func() bool { return len(drain(dropped)) == 1 }, time.Second, 2*time.Millisecond)
}

func TestStatsConsistency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 100
	s := newService(t, Options{Config: cfg})

	rng := rand.New(rand.NewSource(42))
	seen := map[string]bool{}
	for i := 0; i < 400; i++ {
		id := fmt.Sprintf("n-%d", rng.Intn(80))
		if rng.Intn(4) == 0 {
			s.Dismiss(id)
			continue
		}
		p := Priorities[rng.Intn(len(Priorities))]
		_, err := s.Show(context.Background(), req(id, p))
		require.NoError(t, err)
		seen[id] = true
	}

	st := s.Stats()
	assert.Equal(t, len(seen), st.Total)
	sum := 0
	for _, n := range st.ByPriority {
		sum += n
	}
	assert.Equal(t, st.Total, sum)
	sum = 0
	for _, n := range st.ByStatus {
		sum += n
	}
	assert.Equal(t, st.Total, sum)
	assert.Equal(t, st.Total, s.History(Filter{Limit: maxPageLimit}).Total)
}

func TestUpdateConfig(t *testing.T) {
	settings := &memSettings{}
	bus := eventbus.New()
	cfgEvents, unsub := bus.Subscribe(4, EventConfig)
	defer unsub()
	s := newService(t, Options{Config: testConfig(), Settings: settings, Bus: bus})

	bad := 0
	err := s.UpdateConfig(context.Background(), Patch{MaxConcurrent: &bad})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 3, s.Config().MaxConcurrent)

	five, vol := 5, 0.2
	require.NoError(t, s.UpdateConfig(context.Background(), Patch{MaxConcurrent: &five, GlobalVolume: &vol}))
	assert.Equal(t, 5, s.Config().MaxConcurrent)
	assert.Equal(t, 1, settings.saved)
	assert.InDelta(t, 0.2, settings.cfg.GlobalVolume, 1e-9)
	require.Eventually(t, func() bool { return len(drain(cfgEvents)) == 1 }, time.Second, 2*time.Millisecond)

	settings.err = errors.New("disk full")
	one := 1
	require.NoError(t, s.UpdateConfig(context.Background(), Patch{MaxConcurrent: &one}), "persist failure is not fatal")
	assert.Equal(t, 1, s.Config().MaxConcurrent)
}

func TestLoadSettings(t *testing.T) {
	stored := testConfig()
	stored.MaxConcurrent = 7
	settings := &memSettings{cfg: stored, saved: 1}
	s := newService(t, Options{Config: testConfig(), Settings: settings})

	ok, err := s.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, s.Config().MaxConcurrent)

	empty := newService(t, Options{Config: testConfig(), Settings: &memSettings{}})
	ok, err = empty.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckPermissions(t *testing.T) {
	desk := newFake(MethodDesktop)
	bus := eventbus.New()
	perms, unsub := bus.Subscribe(8, EventPermission)
	defer unsub()
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}, Bus: bus})

	got := s.CheckPermissions(context.Background())
	assert.Equal(t, PermissionGranted, got[MethodDesktop])
	s.CheckPermissions(context.Background())
	desk.setPermission(PermissionDenied)
	got = s.CheckPermissions(context.Background())
	assert.Equal(t, PermissionDenied, got[MethodDesktop])

	require.Eventually(t, func() bool { return len(drain(perms)) == 2 }, time.Second, 2*time.Millisecond)
}

func TestArchiveReceivesTerminalRecords(t *testing.T) {
	desk := newFake(MethodDesktop)
	arch := &memArchive{}
	s := newService(t, Options{Config: testConfig(), Channels: []Channel{desk}, Archive: arch})
	start(t, s)

	_, err := s.Show(context.Background(), req("kept", PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, s, "kept", StatusShown)
	s.Dismiss("kept")
	require.Eventually(t, func() bool { return arch.len() == 1 }, time.Second, 2*time.Millisecond)
	arch.mu.Lock()
	assert.Equal(t, StatusDismissed, arch.records[0].Status)
	arch.mu.Unlock()
}

func TestStopRejectsShowAndRestart(t *testing.T) {
	s := newService(t, Options{Config: testConfig()})
	start(t, s)
	require.NoError(t, s.Start(context.Background()), "start is idempotent")
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(nil)) //nolint:staticcheck

	_, err := s.Show(context.Background(), req("late", PriorityNormal))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

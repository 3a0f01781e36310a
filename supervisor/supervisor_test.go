package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/internal/testclock"
	"github.com/projectint/paliproxy-core/model"
	"github.com/projectint/paliproxy-core/registry"
	"github.com/projectint/paliproxy-core/scheduler"
)

type fakeDriver struct {
	mu        sync.Mutex
	attachErr map[string]error
	detachErr error
	attached  []string
	detached  []string
}

func (f *fakeDriver) Attach(_ context.Context, t model.TunnelDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, t.Name)
	if f.attachErr != nil {
		if err, ok := f.attachErr[t.Name]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeDriver) Detach(_ context.Context, t model.TunnelDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, t.Name)
	return f.detachErr
}

func (f *fakeDriver) setAttachErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr == nil {
		f.attachErr = make(map[string]error)
	}
	f.attachErr[name] = err
}

func (f *fakeDriver) attachedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attached))
	copy(out, f.attached)
	return out
}

type fakeProber struct {
	mu      sync.Mutex
	healthy bool
}

func (f *fakeProber) Verdict(_ context.Context, _ model.TunnelDescriptor) model.HealthVerdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.HealthVerdict{Healthy: f.healthy, Reason: "probe"}
}

func (f *fakeProber) setHealthy(h bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = h
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingSink) Handle(e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recordingSink) count(kind model.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// relaySink records events and forwards dispatched switches back to the
// Supervisor, standing in for the event bus wiring of the composition
// root.
type relaySink struct {
	recordingSink
	sv *Supervisor
}

func (r *relaySink) Handle(e model.Event) {
	r.recordingSink.Handle(e)
	if r.sv != nil {
		r.sv.Handle(e)
	}
}

// markRunning flips the run flag without arming the health-check loop, so
// tests can drive checkHealth directly with a deterministic clock.
func markRunning(sv *Supervisor) {
	_ = sv.stateLock.RunWithLock(func() error {
		sv.running = true
		return nil
	})
}

func newRegistry(t *testing.T) *registry.Registry {
	r, err := registry.New([]model.TunnelDescriptor{
		{Name: "primary", Priority: 1},
		{Name: "secondary", Priority: 2},
	})
	require.NoError(t, err)
	return r
}

func TestSupervisor_ConnectToBest_PicksLowestPriority(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))

	require.NoError(t, sv.ConnectToBest(context.Background()))
	cur, ok := reg.Current()
	require.True(t, ok)
	require.Equal(t, "primary", cur.Name)
	require.Contains(t, sink.kinds(), model.EventConnected)
}

func TestSupervisor_ConnectToBest_FallsThroughOnAttachFailure(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{attachErr: map[string]error{"primary": errors.New("boom")}}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))

	require.NoError(t, sv.ConnectToBest(context.Background()))
	cur, ok := reg.Current()
	require.True(t, ok)
	require.Equal(t, "secondary", cur.Name)
}

func TestSupervisor_ConnectToBest_EmptyRegistry(t *testing.T) {
	reg, err := registry.New(nil)
	require.NoError(t, err)
	sv := New(reg, &fakeDriver{}, &fakeProber{}, testclock.New(time.Now()), &recordingSink{}, config.WithDefaults(nil))
	require.ErrorIs(t, sv.ConnectToBest(context.Background()), model.ErrEmptyRegistry)
}

func TestSupervisor_Disconnect_ClearsActiveEvenOnDetachError(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{detachErr: errors.New("detach boom")}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	require.Error(t, sv.Disconnect())
	_, ok := reg.Current()
	require.False(t, ok)
	require.Contains(t, sink.kinds(), model.EventDisconnected)
}

func TestSupervisor_SwitchTo_AbortsWhenDisconnectFails(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{detachErr: errors.New("detach boom")}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	require.Error(t, sv.SwitchTo(context.Background(), "secondary"))

	// The failed disconnect leg aborts the switch: no connect attempt on
	// the target, no switched event, system left disconnected.
	require.NotContains(t, driver.attachedNames(), "secondary")
	require.NotContains(t, sink.kinds(), model.EventSwitched)
	_, ok := reg.Current()
	require.False(t, ok)
}

func TestSupervisor_SwitchTo_EmitsSwitchedOnSuccess(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))
	require.NoError(t, sv.SwitchTo(context.Background(), "secondary"))

	cur, ok := reg.Current()
	require.True(t, ok)
	require.Equal(t, "secondary", cur.Name)
	require.Contains(t, sink.kinds(), model.EventSwitched)
}

func TestSupervisor_RequestSwitch_NoSchedulerPerformsImmediately(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	target, _ := reg.Get("secondary")
	require.NoError(t, sv.RequestSwitch(context.Background(), target, model.ReasonUserRequest, model.PriorityNormal, 0))

	cur, ok := reg.Current()
	require.True(t, ok)
	require.Equal(t, "secondary", cur.Name)
	require.Contains(t, sink.kinds(), model.EventSwitched)
}

func TestSupervisor_StartStop_IdempotentAndEventful(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))

	require.NoError(t, sv.Start(context.Background()))
	require.NoError(t, sv.Start(context.Background()), "double start must be a no-op")
	require.Equal(t, 1, sink.count(model.EventStarted))

	status := sv.GetStatus()
	require.True(t, status.Running)
	require.NotNil(t, status.Current)
	require.Equal(t, "primary", status.Current.Name)

	require.NoError(t, sv.Stop())
	require.NoError(t, sv.Stop(), "double stop must be a no-op")
	require.Equal(t, 1, sink.count(model.EventStopped))

	status = sv.GetStatus()
	require.False(t, status.Running)
	require.Nil(t, status.Current)
	require.Zero(t, status.ReconnectAttempts)

	// start → stop → start returns to a valid connected state.
	require.NoError(t, sv.Start(context.Background()))
	status = sv.GetStatus()
	require.True(t, status.Running)
	require.NotNil(t, status.Current)
	require.NoError(t, sv.Stop())
}

func TestSupervisor_CheckHealth_RecoversThenFailsOver(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: false}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	cfg := config.WithDefaults(nil)
	cfg.MaxReconnectAttempts = 1

	sv := New(reg, driver, prober, clock, sink, cfg)
	markRunning(sv)
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	// The recovery cycle will reconnect, but primary now refuses to
	// attach, so the delegated failover (no Scheduler wired) falls back to
	// ConnectToBest and lands on secondary.
	driver.setAttachErr("primary", errors.New("attach boom"))

	runCheckHealth(t, sv, clock)

	cur, ok := reg.Current()
	require.True(t, ok)
	require.Equal(t, "secondary", cur.Name)
	require.Zero(t, sv.GetStatus().ReconnectAttempts)

	verdict, ok := sv.GetStatus().LastVerdicts["primary"]
	require.True(t, ok)
	require.False(t, verdict.Healthy)
}

// runCheckHealth drives one checkHealth call to completion, advancing the
// fake clock so the recovery cycle's backoff sleep fires.
func runCheckHealth(t *testing.T, sv *Supervisor, clock *testclock.Fake) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sv.checkHealth(context.Background())
	}()
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_CheckHealth_CounterAccumulatesAcrossVerdicts(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: false}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	cfg := config.WithDefaults(nil)
	cfg.MaxReconnectAttempts = 3

	sv := New(reg, driver, prober, clock, sink, cfg)
	markRunning(sv)
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	// Each unhealthy verdict runs one recovery cycle; a successful
	// reconnect must not reset the counter, or a tunnel that re-attaches
	// fine but stays unhealthy would never hit the failover cap.
	runCheckHealth(t, sv, clock)
	require.Equal(t, 1, sv.GetStatus().ReconnectAttempts)

	runCheckHealth(t, sv, clock)
	require.Equal(t, 2, sv.GetStatus().ReconnectAttempts)
}

func TestSupervisor_CheckHealth_HealthyResetsCounter(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	sv.checkHealth(context.Background())
	require.Zero(t, sv.GetStatus().ReconnectAttempts)
	require.Len(t, driver.attachedNames(), 1, "healthy verdict must not trigger a reconnect")
}

func TestSupervisor_HealthFailover_DelegatesThroughScheduler(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: false}
	clock := testclock.New(time.Now())

	cfg := config.WithDefaults(nil)
	cfg.MaxReconnectAttempts = 1

	relay := &relaySink{}
	sched := scheduler.New(cfg.DelayedSwitch, clock, relay)
	sv := New(reg, driver, prober, clock, relay, cfg, WithScheduler(sched))
	relay.sv = sv
	markRunning(sv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, sv.Connect(ctx, "primary"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sv.checkHealth(ctx)
	}()

	// With an empty operation set, the delegated high-priority request
	// lands on the 1000ms priority baseline, dispatching on a later tick.
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		cur, ok := reg.Current()
		return ok && cur.Name == "secondary"
	}, 2*time.Second, 5*time.Millisecond)

	<-done
	require.Contains(t, relay.kinds(), model.EventSwitchScheduled)
	require.Contains(t, relay.kinds(), model.EventSwitchDispatched)
	require.Contains(t, relay.kinds(), model.EventSwitched)
}

func TestSupervisor_GetStatus(t *testing.T) {
	reg := newRegistry(t)
	driver := &fakeDriver{}
	prober := &fakeProber{healthy: true}
	sink := &recordingSink{}
	clock := testclock.New(time.Now())

	sv := New(reg, driver, prober, clock, sink, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	status := sv.GetStatus()
	require.NotNil(t, status.Current)
	require.Equal(t, "primary", status.Current.Name)
	require.Len(t, status.Tunnels, 2)
	for _, tn := range status.Tunnels {
		require.Equal(t, tn.Name == "primary", tn.Active)
	}
}

package facade

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/internal/testclock"
	"github.com/projectint/paliproxy-core/model"
	"github.com/projectint/paliproxy-core/registry"
	"github.com/projectint/paliproxy-core/supervisor"
)

type fakeDriver struct {
	mu       sync.Mutex
	attached []string
}

func (f *fakeDriver) Attach(_ context.Context, t model.TunnelDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, t.Name)
	return nil
}

func (f *fakeDriver) Detach(_ context.Context, _ model.TunnelDescriptor) error { return nil }

type fakeProber struct{}

func (fakeProber) Verdict(_ context.Context, _ model.TunnelDescriptor) model.HealthVerdict {
	return model.HealthVerdict{Healthy: true}
}

type nopSink struct{}

func (nopSink) Handle(model.Event) {}

type fakeDoer struct {
	mu       sync.Mutex
	fails    int32
	calls    int32
	response func(*http.Request) (*http.Response, error)
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&d.calls, 1)
	if atomic.LoadInt32(&d.fails) > 0 {
		atomic.AddInt32(&d.fails, -1)
		return nil, &timeoutErr{}
	}
	if d.response != nil {
		return d.response(req)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

// timeoutErr satisfies net.Error so isNetworkClass treats it as retryable.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func newSupervisor(t *testing.T) (*supervisor.Supervisor, *testclock.Fake) {
	reg, err := registry.New([]model.TunnelDescriptor{{Name: "primary", Priority: 1}})
	require.NoError(t, err)
	clock := testclock.New(time.Now())
	sv := supervisor.New(reg, &fakeDriver{}, fakeProber{}, clock, nopSink{}, config.WithDefaults(nil))
	return sv, clock
}

func TestFacade_Request_ExecutesDirectlyWhenConnected(t *testing.T) {
	sv, clock := newSupervisor(t)
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	doer := &fakeDoer{}
	cfg := config.WithDefaults(nil)
	f := New(cfg, sv, doer, clock)

	resp, err := f.Get(context.Background(), "http://example.invalid/", nil, model.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, doer.calls)
}

func TestFacade_Request_RetriesNetworkClassErrors(t *testing.T) {
	sv, clock := newSupervisor(t)
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	doer := &fakeDoer{fails: 2}
	cfg := config.WithDefaults(nil)
	f := New(cfg, sv, doer, clock)

	done := make(chan struct{})
	var resp *http.Response
	var err error
	go func() {
		resp, err = f.Get(context.Background(), "http://example.invalid/", nil, model.PriorityNormal)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	<-done
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, doer.calls)
}

func TestFacade_Request_BuffersWhileDisconnected(t *testing.T) {
	sv, clock := newSupervisor(t)
	// sv starts disconnected: no Connect call.

	doer := &fakeDoer{}
	cfg := config.WithDefaults(nil)
	cfg.Buffer.ProcessingInterval = 10 * time.Millisecond
	f := New(cfg, sv, doer, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	reqDone := make(chan struct{})
	var err error
	go func() {
		_, err = f.Request(ctx, RequestConfig{Method: http.MethodGet, URL: "http://example.invalid/", Priority: model.PriorityHigh})
		close(reqDone)
	}()

	require.Eventually(t, func() bool { return f.buf.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, sv.Connect(context.Background(), "primary"))
	f.Handle(model.Event{Kind: model.EventConnected})

	select {
	case <-reqDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for buffered request to drain")
	}
	require.NoError(t, err)
	require.EqualValues(t, 1, doer.calls)
}

func TestFacade_Fallback_TriesCandidatesInOrder(t *testing.T) {
	reg, err := registry.New([]model.TunnelDescriptor{
		{Name: "primary", Priority: 1},
		{Name: "secondary", Priority: 2},
	})
	require.NoError(t, err)
	clock := testclock.New(time.Now())
	driver := &fakeDriver{}
	sv := supervisor.New(reg, driver, fakeProber{}, clock, nopSink{}, config.WithDefaults(nil))
	require.NoError(t, sv.Connect(context.Background(), "primary"))

	var callCount int32
	doer := &fakeDoer{response: func(*http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&callCount, 1)
		if n == 1 {
			return nil, errors.New("permanent failure")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	}}

	f := New(config.WithDefaults(nil), sv, doer, clock)

	secondary, ok := reg.Get("secondary")
	require.True(t, ok)
	primary, ok := reg.Get("primary")
	require.True(t, ok)

	resp, err := f.Fallback(context.Background(), RequestConfig{Method: http.MethodGet, URL: "http://example.invalid/"}, []model.TunnelDescriptor{primary, secondary})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The initial Connect attached primary; Fallback then switched to the
	// first candidate (primary again), succeeded, and never tried secondary.
	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Equal(t, []string{"primary", "primary"}, driver.attached)
}

// Package facade implements the coordination core's HTTP façade:
// the per-verb convenience API applications call instead of
// talking to net/http directly, so every outbound request is subject to
// the core's concurrency limit, priority-based buffering while
// disconnected, network-error retry with backoff, and multi-tunnel
// fallback.
package facade

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/projectint/paliproxy-core/buffer"
	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/internal/corelog"
	"github.com/projectint/paliproxy-core/internal/syncutil"
	"github.com/projectint/paliproxy-core/model"
	"github.com/projectint/paliproxy-core/supervisor"
)

// Doer performs a single HTTP round trip. *http.Client satisfies this
// directly; tests substitute a fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestConfig describes a single façade call.
type RequestConfig struct {
	Method   string
	URL      string
	Header   http.Header
	Body     io.Reader
	Priority model.Priority
}

const (
	defaultNetworkRetries = 3
	baseBackoff           = 200 * time.Millisecond
	maxBackoff            = 5 * time.Second
)

type job struct {
	cfg    RequestConfig
	result chan result
}

type result struct {
	resp *http.Response
	err  error
}

// Facade is the coordination core's HTTP entry point.
type Facade struct {
	sv       *supervisor.Supervisor
	doer     Doer
	clock    model.Clock
	log      corelog.For
	permit   *syncutil.Semaphore
	buf      *buffer.Buffer[*job]
	fallback *syncutil.Mutex
}

// Option configures optional Facade dependencies.
type Option func(*Facade)

// WithLogger wires a structured logger.
func WithLogger(l corelog.Logger) Option {
	return func(f *Facade) { f.log = corelog.Component(l, "facade") }
}

// New constructs a Facade. sv supplies the active tunnel and switch
// execution; doer performs the actual HTTP call, routed (by the
// embedding program's http.Transport) over whichever tunnel sv currently
// has active.
func New(cfg config.Config, sv *supervisor.Supervisor, doer Doer, clock model.Clock, opts ...Option) *Facade {
	f := &Facade{
		sv:       sv,
		doer:     doer,
		clock:    clock,
		log:      corelog.Component(corelog.NewNoop(), "facade"),
		permit:   syncutil.NewSemaphore(cfg.RequestConcurrency),
		fallback: syncutil.NewMutex(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.buf = buffer.New[*job](cfg.Buffer, clock, f.execute,
		buffer.WithFailureHandler[*job](func(j *job, err error) {
			if j.result != nil {
				j.result <- result{err: err}
			}
		}),
	)
	// The supervisor may already be disconnected at construction; seed the
	// buffer with the matching state so nothing drains before the first
	// connected event.
	if sv.GetStatus().Current == nil {
		f.buf.Handle(model.Event{Kind: model.EventDisconnected})
	}
	return f
}

// Run starts the façade's buffer auto-drainer, draining requests that
// queued up while no tunnel was connected. It blocks until ctx is
// cancelled.
func (f *Facade) Run(ctx context.Context) { f.buf.Run(ctx) }

// Handle implements model.EventSink, forwarding connectivity transitions
// to the façade's own Request Buffer instance so it can enable/disable
// draining.
func (f *Facade) Handle(e model.Event) { f.buf.Handle(e) }

func (f *Facade) Get(ctx context.Context, url string, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodGet, URL: url, Header: header, Priority: priority})
}

func (f *Facade) Post(ctx context.Context, url string, body io.Reader, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodPost, URL: url, Body: body, Header: header, Priority: priority})
}

func (f *Facade) Put(ctx context.Context, url string, body io.Reader, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodPut, URL: url, Body: body, Header: header, Priority: priority})
}

func (f *Facade) Delete(ctx context.Context, url string, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodDelete, URL: url, Header: header, Priority: priority})
}

func (f *Facade) Patch(ctx context.Context, url string, body io.Reader, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodPatch, URL: url, Body: body, Header: header, Priority: priority})
}

func (f *Facade) Head(ctx context.Context, url string, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodHead, URL: url, Header: header, Priority: priority})
}

func (f *Facade) Options(ctx context.Context, url string, header http.Header, priority model.Priority) (*http.Response, error) {
	return f.Request(ctx, RequestConfig{Method: http.MethodOptions, URL: url, Header: header, Priority: priority})
}

// Request is the generic entry point every verb helper calls. Without a
// priority, the request executes directly, subject to the concurrency
// permit and retry-with-backoff. With one, it is routed through the
// Request Buffer whenever no tunnel is connected, or when the direct
// attempt itself failed on a network-class error.
func (f *Facade) Request(ctx context.Context, cfg RequestConfig) (*http.Response, error) {
	_, connected := f.currentTunnel()
	if cfg.Priority == "" {
		return f.doWithRetry(ctx, cfg)
	}

	if connected {
		resp, err := f.doWithRetry(ctx, cfg)
		if err == nil || !isNetworkClass(err) {
			return resp, err
		}
	}

	j := &job{cfg: cfg, result: make(chan result, 1)}
	req, err := f.buf.Enqueue(cfg.Priority, j)
	if err != nil {
		return nil, err
	}
	f.log.With(map[string]any{"request_id": req.ID, "priority": cfg.Priority}).Debug("facade: request buffered")

	select {
	case r := <-j.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Facade) currentTunnel() (model.TunnelDescriptor, bool) {
	status := f.sv.GetStatus()
	if status.Current == nil {
		return model.TunnelDescriptor{}, false
	}
	return *status.Current, true
}

// execute is the Facade's buffer.Buffer process callback. It resolves the
// job only on success; a failure is returned to the Buffer, which retries
// and, once the budget is spent, resolves the job through the failure
// handler instead.
func (f *Facade) execute(ctx context.Context, j *job) error {
	resp, err := f.doWithRetry(ctx, j.cfg)
	if err != nil {
		return err
	}
	if j.result != nil {
		j.result <- result{resp: resp}
	}
	return nil
}

// doWithRetry performs the round trip, retrying network-class errors with
// exponential backoff up to defaultNetworkRetries times. The
// concurrency permit is held for the duration of a single attempt, not
// across the whole retry sequence, so a slow backoff doesn't starve other
// callers of their permit.
func (f *Facade) doWithRetry(ctx context.Context, cfg RequestConfig) (*http.Response, error) {
	var lastErr error
	backoff := baseBackoff

	for attempt := 0; attempt <= defaultNetworkRetries; attempt++ {
		var resp *http.Response
		err := f.permit.RunWithPermit(func() error {
			req, buildErr := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, cfg.Body)
			if buildErr != nil {
				return buildErr
			}
			if cfg.Header != nil {
				req.Header = cfg.Header.Clone()
			}
			var doErr error
			resp, doErr = f.doer.Do(req)
			return doErr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isNetworkClass(err) || attempt == defaultNetworkRetries {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.clock.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, lastErr
}

// isNetworkClass reports whether err looks like a transient transport
// failure worth retrying, as opposed to a caller-side mistake (bad URL,
// cancelled context) that would just fail identically again.
func isNetworkClass(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	// *url.Error itself satisfies net.Error, including for a malformed URL,
	// so judge the error it wraps instead.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *net.OpError
	return errors.As(err, &urlErr)
}

// Fallback tries the request on the current tunnel first, then switches
// the Supervisor through up to three candidate tunnels in the given
// order, re-attempting after each switch until one succeeds.
// It holds its own mutex so two concurrent Fallback calls don't
// interleave their tunnel-switching attempts and oscillate the active
// tunnel.
func (f *Facade) Fallback(ctx context.Context, cfg RequestConfig, candidates []model.TunnelDescriptor) (*http.Response, error) {
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	var resp *http.Response
	err := f.fallback.RunWithLock(func() error {
		var lastErr error
		if _, connected := f.currentTunnel(); connected {
			r, execErr := f.doWithRetry(ctx, cfg)
			if execErr == nil {
				resp = r
				return nil
			}
			lastErr = execErr
		}

		for _, t := range candidates {
			if switchErr := f.sv.SwitchTo(ctx, t.Name); switchErr != nil {
				lastErr = switchErr
				continue
			}
			r, execErr := f.doWithRetry(ctx, cfg)
			if execErr == nil {
				resp = r
				return nil
			}
			lastErr = execErr
		}
		return lastErr
	})
	return resp, err
}

var _ model.EventSink = (*Facade)(nil)

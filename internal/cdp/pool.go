package cdp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// leaseTimeout bounds how long Render waits to obtain an idle page
// before giving up.
const leaseTimeout = 10 * time.Second

// attachTimeout bounds how long a leased page has to open its WebSocket
// debugger connection.
const attachTimeout = 5 * time.Second

// replacementSettleDelay is how long the pool waits after opening a
// replacement page before it's offered for lease, giving the browser a
// moment to finish constructing the target.
const replacementSettleDelay = 100 * time.Millisecond

// defaultMaxIterations caps how many renders a single Chrome page
// serves before the pool retires it — Chrome tabs leak memory across
// navigations, so a bounded lifetime keeps steady-state memory flat.
const defaultMaxIterations = 100

// defaultRenderTimeout bounds a single render's wall-clock budget.
const defaultRenderTimeout = 30 * time.Second

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size          int
	MaxIterations int
	UserAgent     string
	RenderTimeout time.Duration
}

// Pool maintains a fixed-size set of pages, lazily attaching each one's
// WebSocket debugger connection only for the duration of a lease: a page
// sits idle unattached between renders, attaches when leased, and
// detaches again before returning to idle (or is replaced outright if
// the lease left it in a bad state or past its iteration cap).
type Pool struct {
	debugger      *Debugger
	size          int
	maxIterations int
	userAgent     string
	renderTimeout time.Duration
	log           *slog.Logger

	mu    sync.Mutex
	idle  []*Page
	live  map[*Page]struct{}
	avail chan struct{}
}

// NewPool creates a pool bound to debugger; call Bootstrap to populate
// its initial set of pages before leasing.
func NewPool(debugger *Debugger, opts PoolOptions) *Pool {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	size := opts.Size
	if size <= 0 {
		size = 1
	}
	renderTimeout := opts.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = defaultRenderTimeout
	}
	return &Pool{
		debugger:      debugger,
		size:          size,
		maxIterations: maxIter,
		userAgent:     opts.UserAgent,
		renderTimeout: renderTimeout,
		log:           slog.With("component", "cdp.pool"),
		live:          make(map[*Page]struct{}, size),
		avail:         make(chan struct{}, size),
	}
}

// Bootstrap creates CONCURRENCY fresh pages, enqueues each into the idle
// queue, and registers them in the live set.
func (p *Pool) Bootstrap(ctx context.Context) error {
	for i := 0; i < p.size; i++ {
		page, err := p.newPage(ctx)
		if err != nil {
			return err
		}
		p.enqueueIdle(page)
	}
	return nil
}

func (p *Pool) newPage(ctx context.Context) (*Page, error) {
	info, err := p.debugger.NewPage(ctx, "")
	if err != nil {
		return nil, err
	}
	page := NewPage(p.debugger, *info)
	if p.userAgent != "" {
		page.pendingUserAgent = p.userAgent
	}
	return page, nil
}

func (p *Pool) enqueueIdle(page *Page) {
	p.mu.Lock()
	p.idle = append(p.idle, page)
	p.live[page] = struct{}{}
	p.mu.Unlock()
	p.avail <- struct{}{}
}

// Pages passes through to the debugger's page listing.
func (p *Pool) Pages(ctx context.Context) ([]PageInfo, error) {
	return p.debugger.Pages(ctx)
}

// Version passes through to the debugger's version endpoint.
func (p *Pool) Version(ctx context.Context) (map[string]any, error) {
	return p.debugger.Version(ctx)
}

// Shutdown closes every live page and leaves the pool empty.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	live := make([]*Page, 0, len(p.live))
	for page := range p.live {
		live = append(live, page)
	}
	p.idle = nil
	p.live = make(map[*Page]struct{})
	p.mu.Unlock()

	for _, page := range live {
		page.Detach()
		_ = page.Close(ctx)
	}
}

func (p *Pool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// lease takes a page from the idle queue, waiting up to leaseTimeout.
func (p *Pool) lease(ctx context.Context) (*Page, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, leaseTimeout)
	defer cancel()

	select {
	case <-p.avail:
	case <-leaseCtx.Done():
		return nil, &TemporaryBrowserFailure{Reason: "no chrome page available in 10s"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	page := p.idle[0]
	p.idle = p.idle[1:]
	return page, nil
}

// Render leases a page, attaches it, renders url in the given format
// under the page's own readiness/success-rate handling, and always runs
// the recycle path — shielded from the caller's context so a cancelled
// render still detaches or replaces its page cleanly. Callers that want
// the one-retry-after-TemporaryBrowserFailure policy from the error
// taxonomy should use RenderWithRetry instead.
func (p *Pool) Render(ctx context.Context, url string, format Format) ([]byte, int, error) {
	if p.liveCount() == 0 {
		return nil, 0, ErrNoBrowserAvailable
	}

	page, err := p.lease(ctx)
	if err != nil {
		return nil, 0, err
	}

	reopen := false
	attachCtx, cancel := context.WithTimeout(ctx, attachTimeout)
	attachErr := page.Attach(attachCtx)
	cancel()
	if attachErr != nil {
		reopen = true
		p.recycle(context.Background(), page, reopen)
		return nil, 0, &TemporaryBrowserFailure{Reason: "attach: " + attachErr.Error()}
	}

	renderCtx, renderCancel := context.WithTimeout(ctx, p.renderTimeout)
	artifact, status, renderErr := page.Render(renderCtx, url, format)
	renderCancel()
	if isTransportFailure(renderErr) {
		reopen = true
		renderErr = &TemporaryBrowserFailure{Reason: renderErr.Error()}
	}

	p.recycle(context.Background(), page, reopen)
	return artifact, status, renderErr
}

// RenderWithRetry applies the error taxonomy's retry policy: a
// TemporaryBrowserFailure is retried once, after a 1 second back-off,
// before being surfaced to the caller.
func (p *Pool) RenderWithRetry(ctx context.Context, url string, format Format) ([]byte, int, error) {
	artifact, status, err := p.Render(ctx, url, format)
	if err == nil || !IsTemporary(err) {
		return artifact, status, err
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	return p.Render(ctx, url, format)
}

// isTransportFailure reports whether err represents a connection-level
// fault the pool should treat as grounds to reopen the page, as opposed
// to a render-semantic failure (too-many-responses, plain context
// cancellation) that leaves the page itself healthy.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	return err == ErrConnectionClosed || IsTemporary(err)
}

// recycle implements _manage_page: detach (navigating to about:blank
// first unless the page is being reopened), then either return it to
// idle or close it and enqueue a freshly created replacement.
func (p *Pool) recycle(ctx context.Context, page *Page, reopen bool) {
	if page.attached() {
		if !reopen {
			_ = page.Navigate(ctx, "about:blank")
		}
		page.Detach()
	}

	if !reopen && page.iteration < p.maxIterations {
		p.enqueueIdle(page)
		return
	}

	p.log.Info("replacing page", "page_id", page.ID(), "iteration", page.iteration, "reopen", reopen)
	p.mu.Lock()
	delete(p.live, page)
	p.mu.Unlock()
	_ = page.Close(ctx)

	replacement, err := p.newPage(ctx)
	if err != nil {
		p.log.Error("failed to open replacement page", "error", err)
		return
	}
	time.Sleep(replacementSettleDelay)
	p.enqueueIdle(replacement)
}

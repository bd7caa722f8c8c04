package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/layertree"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// defaultWindowHeight stands in for the real viewport height until
// Browser.getWindowForTarget is wired in; 600 matches the figure the
// reference renderer has always scrolled by.
const defaultWindowHeight = 600

// Format is the requested output of a render.
type Format string

const (
	FormatHTML  Format = "html"
	FormatMHTML Format = "mhtml"
	FormatPDF   Format = "pdf"
	FormatPNG   Format = "png"
	FormatJPEG  Format = "jpeg"
)

// Page drives a single Chrome tab over its own Session: issuing
// navigation and extraction commands, and tracking the bookkeeping a
// render needs to decide when the page is ready and whether it
// succeeded.
type Page struct {
	debugger *Debugger
	info     PageInfo
	session  *Session
	log      *slog.Logger

	iteration    int
	windowHeight int
	isAttached   bool

	// pendingUserAgent is applied on the next successful Attach; the pool
	// sets it once at page creation since override state doesn't survive
	// a detach/reattach cycle.
	pendingUserAgent string

	rc *renderContext
}

// NewPage wraps a freshly created or discovered page descriptor. Call
// Attach before issuing any command.
func NewPage(debugger *Debugger, info PageInfo) *Page {
	return &Page{
		debugger:     debugger,
		info:         info,
		windowHeight: defaultWindowHeight,
		log:          slog.With("component", "cdp.page", "page_id", info.ID),
	}
}

// ID returns the underlying target id.
func (p *Page) ID() string { return p.info.ID }

// Attach opens the page's WebSocket debugger connection, wires the fixed
// set of bookkeeping event subscriptions, and enables every CDP domain
// the renderer depends on, bounded to 5 seconds total.
func (p *Page) Attach(ctx context.Context) error {
	p.session = NewSession(p.info.WebSocketDebuggerURL, p.onSessionFailure)

	p.session.On("Inspector.detached", p.onInspectorDetached)
	p.session.On("Inspector.targetCrashed", p.onInspectorTargetCrashed)
	p.session.On("Log.entryAdded", p.onLogEntryAdded)
	p.session.On("Network.requestWillBeSent", p.onRequestWillBeSent)
	p.session.On("Network.responseReceived", p.onResponseReceived)
	p.session.On("Network.loadingFailed", p.onResponseReceived)
	p.session.On("Network.dataReceived", p.onActivity)
	p.session.On("Network.resourceChangedPriority", p.onActivity)
	p.session.On("Network.webSocketWillSendHandshakeRequest", p.onActivity)
	p.session.On("Network.webSocketHandshakeResponseReceived", p.onActivity)
	p.session.On("Network.webSocketCreated", p.onActivity)
	p.session.On("Network.webSocketClosed", p.onActivity)
	p.session.On("Network.webSocketFrameReceived", p.onActivity)
	p.session.On("Network.webSocketFrameError", p.onActivity)
	p.session.On("Network.webSocketFrameSent", p.onActivity)
	p.session.On("Network.eventSourceMessageReceived", p.onActivity)
	p.session.On("Page.domContentEventFired", p.onActivity)
	p.session.On("Page.frameAttached", p.onActivity)
	p.session.On("Page.frameNavigated", p.onActivity)
	p.session.On("Page.frameDetached", p.onActivity)
	p.session.On("Page.frameStartedLoading", p.onActivity)
	p.session.On("Page.frameStoppedLoading", p.onActivity)
	p.session.On("DOM.documentUpdated", p.onActivity)
	p.session.On("LayerTree.layerTreeDidChange", p.onActivity)
	p.session.On("LayerTree.layerPainted", p.onActivity)

	if err := p.session.Attach(ctx); err != nil {
		return err
	}

	enableCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.enableEvents(enableCtx); err != nil {
		p.session.Detach()
		return err
	}

	if p.pendingUserAgent != "" {
		if err := p.SetUserAgent(ctx, p.pendingUserAgent); err != nil {
			p.session.Detach()
			return err
		}
	}

	p.isAttached = true
	return nil
}

// Detach tears down the session. Safe to call more than once.
func (p *Page) Detach() {
	if p.session != nil {
		p.session.Detach()
	}
	p.isAttached = false
}

// attached reports whether the page currently has a live WebSocket
// debugger connection.
func (p *Page) attached() bool {
	return p.isAttached
}

func (p *Page) ctx(ctx context.Context) context.Context {
	return p.session.WithExecutor(ctx)
}

func (p *Page) enableEvents(ctx context.Context) error {
	ctx = p.ctx(ctx)
	errs := make(chan error, 6)
	run := func(do func(context.Context) error) {
		errs <- do(ctx)
	}
	go run(page.Enable().Do)
	go run(dom.Enable().Do)
	go run(cdplog.Enable().Do)
	go run(network.Enable().Do)
	go run(inspector.Enable().Do)
	go run(layertree.Enable().Do)

	var firstErr error
	for i := 0; i < 6; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Page) disableEvents(ctx context.Context) {
	ctx = p.ctx(ctx)
	_ = page.Disable().Do(ctx)
	_ = dom.Disable().Do(ctx)
	_ = cdplog.Disable().Do(ctx)
	_ = network.Disable().Do(ctx)
	_ = inspector.Disable().Do(ctx)
	_ = layertree.Disable().Do(ctx)
}

// SetUserAgent overrides the navigator.userAgent string for the page.
func (p *Page) SetUserAgent(ctx context.Context, ua string) error {
	return network.SetUserAgentOverride(ua).Do(p.ctx(ctx))
}

// Navigate sends Page.navigate. The first navigation of a render always
// reaches here via Render; about:blank resets between leases don't count
// against the page's iteration count.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if url != "about:blank" {
		p.iteration++
		p.log.Info("navigating", "iteration", p.iteration, "url", url)
	}
	_, _, errText, err := page.Navigate(url).Do(p.ctx(ctx))
	if err != nil {
		return err
	}
	if errText != "" {
		return &TemporaryBrowserFailure{Reason: "navigate: " + errText}
	}
	return nil
}

// Evaluate runs a JS expression and returns its raw JSON result value.
func (p *Page) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	res, exc, err := runtime.Evaluate(expr).Do(p.ctx(ctx))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("cdp: evaluate %q: %s", expr, exc.Text)
	}
	if res == nil {
		return nil, nil
	}
	return json.RawMessage(res.Value), nil
}

func (p *Page) evaluateBool(ctx context.Context, expression string) (bool, error) {
	raw, err := p.Evaluate(ctx, expression)
	if err != nil {
		return false, err
	}
	var v bool
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, nil
	}
	return v, nil
}

func (p *Page) evaluateTypeofUndefined(ctx context.Context, name string) (bool, error) {
	return p.evaluateBool(ctx, fmt.Sprintf("typeof %s === \"undefined\"", name))
}

// GetHTML returns the serialized outer HTML of the current document.
func (p *Page) GetHTML(ctx context.Context) (string, error) {
	ctx = p.ctx(ctx)
	node, err := dom.GetDocument().Do(ctx)
	if err != nil {
		return "", err
	}
	html, err := dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
	if err != nil {
		return "", err
	}
	return html, nil
}

// GetResponseBody fetches one network response's body and, if a render
// is in progress, folds it into the render's mhtml accumulator.
func (p *Page) GetResponseBody(ctx context.Context, requestID network.RequestID) error {
	if p.rc == nil {
		return nil
	}
	reqIDStr := string(requestID)
	p.rc.markBodyPending(reqIDStr)
	defer p.rc.clearBodyPending(reqIDStr)

	body, base64Encoded, err := network.GetResponseBody(requestID).Do(p.ctx(ctx))
	if err != nil {
		// The response may already have been evicted from the network
		// cache; that isn't fatal to the render.
		p.log.Debug("get response body failed", "request_id", requestID, "error", err)
		return nil
	}

	resp, ok := p.rc.responseFor(reqIDStr)
	if !ok {
		return nil
	}

	encoding := EncodingQuotedPrintable
	if base64Encoded {
		encoding = EncodingBase64Encoded
	}
	return p.rc.mhtml.Add(resp.URL, resp.MimeType, []byte(body), encoding)
}

// PrintToPDF renders the page to a PDF byte stream.
func (p *Page) PrintToPDF(ctx context.Context) ([]byte, error) {
	data, _, err := page.PrintToPDF().Do(p.ctx(ctx))
	return data, err
}

// Screenshot captures the page as PNG or JPEG.
func (p *Page) Screenshot(ctx context.Context, format string) ([]byte, error) {
	return page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormat(format)).
		WithFromSurface(true).
		Do(p.ctx(ctx))
}

// GetPageHeight returns the tallest of the document's several height
// measurements, mirroring the expression the reference renderer uses to
// decide how far to scroll before capturing mhtml or pdf output.
func (p *Page) GetPageHeight(ctx context.Context) (int, error) {
	const expr = "Math.max(document.body.scrollHeight, document.body.offsetHeight, " +
		"document.documentElement.clientHeight, document.documentElement.scrollHeight, " +
		"document.documentElement.offsetHeight)"
	raw, err := p.Evaluate(ctx, expr)
	if err != nil {
		return 0, err
	}
	var height float64
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &height); err != nil {
			return 0, nil
		}
	}
	return int(height), nil
}

// GetStatusCode returns window.prerenderStatusCode if the page set one,
// otherwise the status of the response matching the page's current
// tracked URL, defaulting to 200.
func (p *Page) GetStatusCode(ctx context.Context) (int, error) {
	raw, err := p.Evaluate(ctx, "window.prerenderStatusCode")
	if err != nil {
		return 0, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		var asNumber float64
		if err := json.Unmarshal(raw, &asNumber); err == nil {
			return int(asNumber), nil
		}
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			if n, err := strconv.Atoi(asString); err == nil {
				return n, nil
			}
		}
	}

	if p.rc != nil {
		if code, ok := p.rc.statusCodeFor(p.rc.currentURL()); ok {
			return code, nil
		}
	}
	return 200, nil
}

func (p *Page) scrollToBottom(ctx context.Context) error {
	height, err := p.GetPageHeight(ctx)
	if err != nil {
		return err
	}
	steps := int(math.Ceil(float64(height) / float64(p.windowHeight)))
	for i := 0; i < steps; i++ {
		scrollY := (i + 1) * p.windowHeight
		if scrollY > height {
			scrollY = height
		}
		if _, err := p.Evaluate(ctx, fmt.Sprintf("window.scrollTo(0, %d)", scrollY)); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Close asks the debugger to close this page's target.
func (p *Page) Close(ctx context.Context) error {
	return p.debugger.ClosePage(ctx, p.info.ID)
}

// Render navigates to url and blocks until the page reports readiness,
// then extracts the requested format. It is not safe to call
// concurrently on the same Page.
func (p *Page) Render(ctx context.Context, url string, format Format) ([]byte, int, error) {
	p.rc = newRenderContext(url)
	rc := p.rc
	defer func() {
		p.rc = nil
		p.disableEvents(context.Background())
	}()

	p.session.On("Page.loadEventFired", p.onPageLoadEventFiredFunc(format))
	p.session.On("Network.loadingFinished", p.onLoadingFinishedFunc(format))

	if err := p.Navigate(ctx, url); err != nil {
		return nil, 0, err
	}

	select {
	case res := <-rc.wait():
		if res.Err != nil {
			return nil, 0, res.Err
		}
		return res.Artifact, res.StatusCode, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-p.session.Closed():
		return nil, 0, ErrConnectionClosed
	}
}

func (p *Page) onSessionFailure(err error) {
	if p.rc != nil {
		p.rc.finish(renderResult{Err: err})
	}
}

func (p *Page) onActivity(_ context.Context, _ json.RawMessage) error {
	if p.rc != nil {
		p.rc.touch()
	}
	return nil
}

func (p *Page) onInspectorDetached(_ context.Context, raw json.RawMessage) error {
	var ev inspector.EventDetached
	_ = json.Unmarshal(raw, &ev)
	return &TemporaryBrowserFailure{Reason: "inspector detached: " + ev.Reason}
}

func (p *Page) onInspectorTargetCrashed(_ context.Context, _ json.RawMessage) error {
	return &TemporaryBrowserFailure{Reason: "inspector target crashed"}
}

func (p *Page) onLogEntryAdded(_ context.Context, raw json.RawMessage) error {
	if p.rc != nil {
		p.rc.touch()
	}
	var ev cdplog.EventEntryAdded
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Entry == nil {
		return nil
	}
	entry := ev.Entry
	resource := entry.URL
	if entry.LineNumber != 0 {
		resource = fmt.Sprintf("%s:%d", resource, entry.LineNumber)
	}
	p.log.Debug("browser console log",
		"resource", resource,
		"source", entry.Source,
		"level", entry.Level,
		"text", entry.Text,
	)
	return nil
}

func (p *Page) onRequestWillBeSent(_ context.Context, raw json.RawMessage) error {
	var ev network.EventRequestWillBeSent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}
	if p.rc == nil {
		return nil
	}
	if ev.RedirectResponse == nil {
		p.rc.recordRequestSent()
		return nil
	}
	headers := make(map[string]string, len(ev.RedirectResponse.Headers))
	for k, v := range ev.RedirectResponse.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	fallback := ""
	if ev.Request != nil {
		fallback = ev.Request.URL
	}
	p.rc.applyRedirect(ev.RedirectResponse.URL, headers, fallback)
	return nil
}

func (p *Page) onResponseReceived(_ context.Context, raw json.RawMessage) error {
	if p.rc == nil {
		return nil
	}

	var ev network.EventResponseReceived
	if err := json.Unmarshal(raw, &ev); err == nil && ev.Response != nil {
		p.rc.recordResponse(string(ev.RequestID), ev.Response.URL, ev.Response.MimeType, int(ev.Response.Status))
		if ev.Response.Status >= 400 {
			p.log.Warn("response not ok", "url", ev.Response.URL, "status", ev.Response.Status)
		}
		return nil
	}

	var failed network.EventLoadingFailed
	if err := json.Unmarshal(raw, &failed); err == nil && failed.RequestID != "" {
		p.rc.recordFailed(string(failed.RequestID))
	}
	return nil
}

func (p *Page) onPageLoadEventFiredFunc(format Format) EventHandler {
	return func(ctx context.Context, _ json.RawMessage) error {
		rc := p.rc
		if rc == nil {
			return nil
		}

		if format == FormatMHTML || format == FormatPDF {
			if err := p.scrollToBottom(ctx); err != nil {
				rc.finish(renderResult{Err: err})
				return nil
			}
		}

		if err := waitForReady(ctx, rc, p); err != nil {
			rc.finish(renderResult{Err: err})
			return nil
		}

		rate := rc.successRate()
		if rate < SuccessRateThreshold {
			rc.finish(renderResult{Err: ErrTooManyResponses})
			return nil
		}

		status, err := p.GetStatusCode(ctx)
		if err != nil {
			rc.finish(renderResult{Err: err})
			return nil
		}

		artifact, err := p.extract(ctx, format)
		if err != nil {
			rc.finish(renderResult{Err: err})
			return nil
		}
		rc.finish(renderResult{Artifact: artifact, StatusCode: status})
		return nil
	}
}

func (p *Page) extract(ctx context.Context, format Format) ([]byte, error) {
	switch format {
	case FormatHTML:
		html, err := p.GetHTML(ctx)
		if err != nil {
			return nil, err
		}
		return []byte(html), nil
	case FormatMHTML:
		return p.rc.mhtml.Bytes(), nil
	case FormatPDF:
		return p.PrintToPDF(ctx)
	case FormatPNG, FormatJPEG:
		return p.Screenshot(ctx, string(format))
	default:
		return nil, fmt.Errorf("cdp: unknown format %q", format)
	}
}

func (p *Page) onLoadingFinishedFunc(format Format) EventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		if p.rc != nil {
			p.rc.touch()
		}
		if format != FormatMHTML {
			return nil
		}
		var ev network.EventLoadingFinished
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil
		}
		return p.GetResponseBody(ctx, ev.RequestID)
	}
}

// responseFor looks up a recorded response by request id for
// GetResponseBody; it lives in this file, beside its only caller, rather
// than in rendercontext.go.
func (r *renderContext) responseFor(requestID string) (*responseInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.responsesReceived[requestID]
	return resp, ok
}

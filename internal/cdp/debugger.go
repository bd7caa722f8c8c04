package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// PageInfo is a page descriptor as returned by the browser's HTTP
// discovery endpoints.
type PageInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Debuggable reports whether this descriptor can be attached to: it must
// be a page (not a worker or extension target) and advertise a WebSocket
// debugger URL.
func (p PageInfo) Debuggable() bool {
	return p.Type == "page" && p.WebSocketDebuggerURL != ""
}

// Debugger talks to a browser's HTTP remote-debugging control endpoint to
// discover, create, and close pages.
type Debugger struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewDebugger creates a Debugger for the given host:port.
func NewDebugger(host string, port int) *Debugger {
	return &Debugger{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     slog.With("component", "cdp.debugger"),
	}
}

// Pages lists every target currently open in the browser.
func (d *Debugger) Pages(ctx context.Context) ([]PageInfo, error) {
	var pages []PageInfo
	if err := d.getJSON(ctx, "/json/list", &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// DebuggablePages returns only the targets that are pages with an attach
// point.
func (d *Debugger) DebuggablePages(ctx context.Context) ([]PageInfo, error) {
	pages, err := d.Pages(ctx)
	if err != nil {
		return nil, err
	}
	out := pages[:0]
	for _, p := range pages {
		if p.Debuggable() {
			out = append(out, p)
		}
	}
	return out, nil
}

// NewPage creates a new page, optionally navigating it to targetURL
// immediately. Per the protocol, the URL (if present) is appended as the
// raw, already-encoded query string of /json/new, not as a url= parameter.
func (d *Debugger) NewPage(ctx context.Context, targetURL string) (*PageInfo, error) {
	endpoint := "/json/new"
	if targetURL != "" {
		endpoint = endpoint + "?" + targetURL
	}
	var page PageInfo
	if err := d.getJSON(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	d.log.Info("created page", "page_id", page.ID)
	return &page, nil
}

// ClosePage closes the page with the given id.
func (d *Debugger) ClosePage(ctx context.Context, pageID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/json/close/"+url.PathEscape(pageID), nil)
	if err != nil {
		return err
	}
	res, err := d.client.Do(req)
	if err != nil {
		return &TemporaryBrowserFailure{Reason: "close page: " + err.Error()}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	d.log.Info("closed page", "page_id", pageID, "response", string(body))
	return nil
}

// Version returns the browser's /json/version payload.
func (d *Debugger) Version(ctx context.Context) (map[string]any, error) {
	var v map[string]any
	if err := d.getJSON(ctx, "/json/version", &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Debugger) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	res, err := d.client.Do(req)
	if err != nil {
		return &TemporaryBrowserFailure{Reason: fmt.Sprintf("%s: %s", path, err)}
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return &TemporaryBrowserFailure{Reason: fmt.Sprintf("%s: status %d", path, res.StatusCode)}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("cdp: decode %s: %w", path, err)
	}
	return nil
}

// Package server provides the HTTP front door for the prerender
// service.
//
// Endpoints:
//
//	GET /{url}, /html/{url}, /mhtml/{url}, /pdf/{url}, /jpeg/{url}, /png/{url}
//	                       — render (or serve from cache) the given URL
//	GET  /browser/list     — list live browser pages
//	GET  /browser/version  — browser version info
//	PUT  /browser/disable  — set effective concurrency to 0
//	PUT  /browser/enable   — restore configured concurrency
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bosondata/prerender/internal/breaker"
	"github.com/bosondata/prerender/internal/cache"
	"github.com/bosondata/prerender/internal/cdp"
	"github.com/bosondata/prerender/internal/config"
	"github.com/bosondata/prerender/internal/filter"
	"github.com/bosondata/prerender/internal/operation"
)

var formatPrefixes = map[string]cdp.Format{
	"html":  cdp.FormatHTML,
	"mhtml": cdp.FormatMHTML,
	"pdf":   cdp.FormatPDF,
	"jpeg":  cdp.FormatJPEG,
	"png":   cdp.FormatPNG,
}

var contentTypes = map[cdp.Format]string{
	cdp.FormatHTML:  "text/html; charset=utf-8",
	cdp.FormatMHTML: `multipart/related; type="text/html"`,
	cdp.FormatPDF:   "application/pdf",
	cdp.FormatPNG:   "image/png",
	cdp.FormatJPEG:  "image/jpeg",
}

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	cfg     *config.Config
	pool    *cdp.Pool
	cache   cache.Cache
	store   operation.Store
	breaker *breaker.Registry
	mux     *http.ServeMux

	// disabled is toggled by PUT /browser/disable and /browser/enable;
	// it is read on every render request, so it's a plain atomic flag
	// rather than something behind the pool's own mutex.
	disabled atomic.Bool
}

// New creates a Server wired to its collaborators. breakerRegistry may
// be nil, which disables the circuit breaker entirely.
func New(cfg *config.Config, pool *cdp.Pool, c cache.Cache, store operation.Store, breakerRegistry *breaker.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		pool:    pool,
		cache:   c,
		store:   store,
		breaker: breakerRegistry,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /browser/list", s.handleBrowserList)
	s.mux.HandleFunc("GET /browser/version", s.handleBrowserVersion)
	s.mux.HandleFunc("PUT /browser/disable", s.handleBrowserDisable)
	s.mux.HandleFunc("PUT /browser/enable", s.handleBrowserEnable)
	s.mux.HandleFunc("/", s.handleRender)

	return s
}

// Handler returns the server's http.Handler, for use with httptest or a
// custom listener.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.cfg.PrerenderTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleBrowserList(w http.ResponseWriter, r *http.Request) {
	pages, err := s.pool.Pages(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

func (s *Server) handleBrowserVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.pool.Version(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleBrowserDisable(w http.ResponseWriter, _ *http.Request) {
	s.disabled.Store(true)
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

func (s *Server) handleBrowserEnable(w http.ResponseWriter, _ *http.Request) {
	s.disabled.Store(false)
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

// handleRender implements the URL-prefix format dispatch, the cache
// lookup/store round trip, the domain allow-list, and the
// prerender-disabled 502 path.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	format, target := parseFormatAndTarget(r.URL.Path, r.URL.RawQuery)

	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid target URL")
		return
	}
	if !s.cfg.DomainAllowed(parsed.Hostname()) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("domain %q not allowed", parsed.Hostname()))
		return
	}

	if _, hit := s.serveFromCache(w, r, target, format); hit {
		return
	}

	if s.disabled.Load() {
		writeError(w, http.StatusBadGateway, "prerendering disabled")
		return
	}

	rec, err := s.store.Create(target, string(format))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.store.MarkRunning(rec.ID)

	start := time.Now()
	artifact, statusCode, renderErr := s.render(r, target, format)
	elapsed := time.Since(start)

	if renderErr != nil {
		_ = s.store.MarkFailed(rec.ID, renderErr)
		writeError(w, statusToHTTP(renderErr), renderErr.Error())
		return
	}
	_ = s.store.MarkComplete(rec.ID, elapsed, statusCode, false)

	if format == cdp.FormatHTML {
		html := filter.Apply(string(artifact), filter.RemoveScriptTags, filter.RemoveMetaFragmentTag)
		artifact = []byte(html)
	}

	go func() {
		_ = s.cache.Set(context.Background(), target, string(format), artifact, s.cfg.CacheLiveTime)
	}()

	w.Header().Set("X-Prerender-Cache", "miss")
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", contentTypes[format])
	w.WriteHeader(statusCode)
	_, _ = w.Write(artifact)
}

func (s *Server) render(r *http.Request, target string, format cdp.Format) ([]byte, int, error) {
	ctx := r.Context()

	if s.breaker == nil {
		return s.pool.RenderWithRetry(ctx, target, format)
	}

	family := breaker.Family(r.Header.Get("User-Agent"))
	res, err := s.breaker.Do(ctx, family, func(ctx context.Context) (any, error) {
		artifact, status, err := s.pool.RenderWithRetry(ctx, target, format)
		if err != nil {
			return nil, err
		}
		return renderOutcome{artifact: artifact, status: status}, nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, 0, errBreakerOpen
		}
		return nil, 0, err
	}
	outcome := res.(renderOutcome)
	return outcome.artifact, outcome.status, nil
}

type renderOutcome struct {
	artifact []byte
	status   int
}

var errBreakerOpen = errors.New("circuit breaker open")

// serveFromCache honors If-Modified-Since and returns a cache hit
// directly to the client. The returned bool reports whether the
// request was already handled.
func (s *Server) serveFromCache(w http.ResponseWriter, r *http.Request, target string, format cdp.Format) ([]byte, bool) {
	modTime, ok, err := s.cache.ModifiedSince(r.Context(), target, string(format))
	if err != nil || !ok {
		return nil, false
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modTime.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return nil, true
		}
	}

	payload, ok, err := s.cache.Get(r.Context(), target, string(format))
	if err != nil || !ok {
		return nil, false
	}

	w.Header().Set("X-Prerender-Cache", "hit")
	w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", contentTypes[format])
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
	return payload, true
}

// parseFormatAndTarget splits an incoming request path into its format
// and the URL to render, reconstructing the target by stripping the
// format prefix and reattaching the original query string.
func parseFormatAndTarget(path, rawQuery string) (cdp.Format, string) {
	trimmed := strings.TrimPrefix(path, "/")
	format := cdp.FormatHTML

	for prefix, f := range formatPrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
			format = f
			trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, prefix), "/")
			break
		}
	}

	if rawQuery != "" {
		trimmed = trimmed + "?" + rawQuery
	}
	return format, trimmed
}

func statusToHTTP(err error) int {
	switch {
	case errors.Is(err, cdp.ErrTooManyResponses):
		return http.StatusServiceUnavailable
	case errors.Is(err, cdp.ErrNoBrowserAvailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, errBreakerOpen):
		return http.StatusServiceUnavailable
	case cdp.IsTemporary(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

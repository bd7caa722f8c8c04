package cdp

import (
	"context"
	"time"
)

// evaluator is the subset of Page a readiness probe needs: evaluate a JS
// expression and report whether it was truthy/defined. Narrowed to an
// interface so the probes are testable without a live session.
type evaluator interface {
	evaluateBool(ctx context.Context, expression string) (bool, error)
	evaluateTypeofUndefined(ctx context.Context, name string) (bool, error)
}

const (
	prerenderReadyPollInterval  = 200 * time.Millisecond
	responsesReadyPollInterval  = 500 * time.Millisecond
	responsesReadyIdleDuration  = 1 * time.Second
)

// waitForReady races two readiness probes and returns as soon as either
// completes, cancelling the other: a page that defines
// window.prerenderReady controls its own readiness signal explicitly;
// every other page is considered ready once its network traffic has gone
// quiet for responsesReadyIdleDuration.
func waitForReady(ctx context.Context, rc *renderContext, ev evaluator) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 2)

	go func() {
		result <- pollPrerenderReady(ctx, ev)
	}()
	go func() {
		result <- pollResponsesReady(ctx, rc, ev)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollPrerenderReady polls window.prerenderReady === true every 200ms.
// It blocks forever (until cancelled) if the page never defines the
// variable, since the other probe is the one that resolves that case.
func pollPrerenderReady(ctx context.Context, ev evaluator) error {
	ticker := time.NewTicker(prerenderReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ready, err := ev.evaluateBool(ctx, "window.prerenderReady === true")
			if err != nil {
				continue
			}
			if ready {
				return nil
			}
		}
	}
}

// pollResponsesReady polls every 500ms for network quiescence: at least
// one request was sent, every sent request has a recorded response, no
// response body fetch is still outstanding, and the page has been idle
// for at least responsesReadyIdleDuration. It only fires if the page
// additionally leaves window.prerenderReady undefined — a page that
// defines it has opted into the other probe deciding readiness instead.
func pollResponsesReady(ctx context.Context, rc *renderContext, ev evaluator) error {
	ticker := time.NewTicker(responsesReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := rc.snapshot()
			if snap.RequestsSent == 0 {
				continue
			}
			if snap.ResponsesReceived < snap.RequestsSent {
				continue
			}
			if snap.PendingBodies > 0 {
				continue
			}
			if snap.IdleFor < responsesReadyIdleDuration {
				continue
			}

			undefined, err := ev.evaluateTypeofUndefined(ctx, "window.prerenderReady")
			if err != nil {
				continue
			}
			if undefined {
				return nil
			}
		}
	}
}

package cdp

import (
	"testing"
	"time"
)

func TestRenderContextSuccessRateEmptyIsPerfect(t *testing.T) {
	rc := newRenderContext("http://example.test/")
	if rate := rc.successRate(); rate != 1 {
		t.Errorf("successRate() = %v, want 1 for no responses", rate)
	}
}

func TestRenderContextSuccessRateCountsFailedAndErrorStatus(t *testing.T) {
	rc := newRenderContext("http://example.test/")
	rc.recordResponse("r1", "http://example.test/", "text/html", 200)
	rc.recordResponse("r2", "http://example.test/a.js", "application/javascript", 404)
	rc.recordFailed("r3")
	rc.recordResponse("r4", "http://example.test/b.js", "application/javascript", 200)

	got := rc.successRate()
	want := 0.5
	if got != want {
		t.Errorf("successRate() = %v, want %v", got, want)
	}
}

func TestRenderContextApplyRedirectFollowsLocationHeader(t *testing.T) {
	rc := newRenderContext("http://example.test/old")
	rc.applyRedirect("http://example.test/old", map[string]string{"Location": "http://example.test/new"}, "")
	if got := rc.currentURL(); got != "http://example.test/new" {
		t.Errorf("currentURL() = %q, want new location", got)
	}
}

func TestRenderContextApplyRedirectIgnoresMismatchedURL(t *testing.T) {
	rc := newRenderContext("http://example.test/old")
	rc.applyRedirect("http://example.test/other", map[string]string{"Location": "http://example.test/new"}, "")
	if got := rc.currentURL(); got != "http://example.test/old" {
		t.Errorf("currentURL() = %q, want unchanged", got)
	}
}

func TestRenderContextApplyRedirectFallsBackWithoutLocationHeader(t *testing.T) {
	rc := newRenderContext("http://example.test/old")
	rc.applyRedirect("http://example.test/old", map[string]string{}, "http://example.test/fallback")
	if got := rc.currentURL(); got != "http://example.test/fallback" {
		t.Errorf("currentURL() = %q, want fallback", got)
	}
}

func TestRenderContextStatusCodeForSkipsFailed(t *testing.T) {
	rc := newRenderContext("http://example.test/")
	rc.recordFailed("r1")
	rc.recordResponse("r2", "http://example.test/", "text/html", 204)

	code, ok := rc.statusCodeFor("http://example.test/")
	if !ok || code != 204 {
		t.Errorf("statusCodeFor() = (%d, %v), want (204, true)", code, ok)
	}
}

func TestRenderContextSnapshotReflectsIdleDuration(t *testing.T) {
	rc := newRenderContext("http://example.test/")
	rc.recordRequestSent()
	time.Sleep(5 * time.Millisecond)

	snap := rc.snapshot()
	if snap.RequestsSent != 1 {
		t.Errorf("RequestsSent = %d, want 1", snap.RequestsSent)
	}
	if snap.IdleFor < 5*time.Millisecond {
		t.Errorf("IdleFor = %v, want >= 5ms", snap.IdleFor)
	}
}

func TestRenderContextFinishIsSingleShot(t *testing.T) {
	rc := newRenderContext("http://example.test/")
	rc.finish(renderResult{StatusCode: 200})
	rc.finish(renderResult{StatusCode: 500})

	select {
	case res := <-rc.wait():
		if res.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200 (first finish wins)", res.StatusCode)
		}
	default:
		t.Fatal("expected a result on the done channel")
	}
}

func TestRenderContextPendingBodies(t *testing.T) {
	rc := newRenderContext("http://example.test/")
	rc.markBodyPending("r1")
	if snap := rc.snapshot(); snap.PendingBodies != 1 {
		t.Fatalf("PendingBodies = %d, want 1", snap.PendingBodies)
	}
	rc.clearBodyPending("r1")
	if snap := rc.snapshot(); snap.PendingBodies != 0 {
		t.Fatalf("PendingBodies = %d, want 0 after clear", snap.PendingBodies)
	}
}

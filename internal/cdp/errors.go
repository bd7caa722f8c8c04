package cdp

import "errors"

// TemporaryBrowserFailure indicates the browser is in a recoverable bad
// state: a detached or crashed target, an invalid handshake, a closed
// connection, or an attach/lease that timed out. Callers should retry once
// after a short back-off; a persistent failure should surface as a gateway
// timeout.
type TemporaryBrowserFailure struct {
	Reason string
}

func (e *TemporaryBrowserFailure) Error() string {
	return "temporary browser failure: " + e.Reason
}

// ErrTooManyResponses is returned when a page finished loading but fewer
// than SuccessRateThreshold of its recorded responses were successful
// (status < 400).
var ErrTooManyResponses = errors.New("too many failed responses")

// ErrConnectionClosed is returned to any pending request when the
// underlying WebSocket terminates before a matching response arrives.
var ErrConnectionClosed = errors.New("connection closed")

// ErrNoBrowserAvailable is returned by the pool when no live pages exist.
var ErrNoBrowserAvailable = errors.New("no browser available")

// SuccessRateThreshold is the minimum fraction of successful (status < 400)
// responses a render may have before it is rejected with
// ErrTooManyResponses.
const SuccessRateThreshold = 0.8

// IsTemporary reports whether err is (or wraps) a TemporaryBrowserFailure.
func IsTemporary(err error) bool {
	var t *TemporaryBrowserFailure
	return errors.As(err, &t)
}

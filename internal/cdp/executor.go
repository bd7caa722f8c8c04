package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
)

// executorAdapter satisfies github.com/chromedp/cdproto/cdp.Executor by
// routing every typed command's marshaled params through this package's
// hand-rolled Session instead of chromedp's own target handler. This lets
// every generated cdproto command (page.Navigate, dom.GetOuterHTML,
// network.GetResponseBody, runtime.Evaluate, ...) be called as
// `cmd.Do(ctx)` while the actual id-correlated request/response plumbing
// is ours.
type executorAdapter struct {
	session *Session
}

func (e *executorAdapter) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var raw json.RawMessage
	if params != nil {
		b, err := easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdp: marshal params for %s: %w", method, err)
		}
		raw = b
	}

	result, err := e.session.Send(ctx, method, raw)
	if err != nil {
		return err
	}

	if res != nil && len(result) > 0 {
		if err := json.Unmarshal(result, res); err != nil {
			return fmt.Errorf("cdp: unmarshal result for %s: %w", method, err)
		}
	}
	return nil
}

// WithExecutor returns a context carrying this Session as the cdproto
// executor, so that generated command types' Do(ctx) methods dispatch
// through it.
func (s *Session) WithExecutor(ctx context.Context) context.Context {
	return cdproto.WithExecutor(ctx, &executorAdapter{session: s})
}

// Package rchan has helpers for common operations on channels
// in context-aware code paths.
package rchan

import (
	"context"
	"log/slog"
)

// SendC selects between sending v to ch and ctx being cancelled.
// If the send succeeds it returns true; on cancellation it logs the
// abandoned send, described by purpose, and returns false.
func SendC[T any](ctx context.Context, log *slog.Logger, ch chan<- T, v T, purpose string) bool {
	select {
	case <-ctx.Done():
		log.Info(
			"Context cancelled while blocked on channel send",
			"purpose", purpose, "cause", context.Cause(ctx),
		)
		return false
	case ch <- v:
		return true
	}
}

// RecvC selects between receiving from ch and ctx being cancelled.
// On cancellation it logs the abandoned receive, described by purpose,
// and reports false.
func RecvC[T any](ctx context.Context, log *slog.Logger, ch <-chan T, purpose string) (T, bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context cancelled while blocked on channel receive",
			"purpose", purpose, "cause", context.Cause(ctx),
		)
		var zero T
		return zero, false
	case v := <-ch:
		return v, true
	}
}

// ReqResp performs a blocking send of req followed by a blocking receive
// from respCh, abandoning either on context cancellation.
func ReqResp[Req, Resp any](
	ctx context.Context, log *slog.Logger,
	reqCh chan<- Req, req Req,
	respCh <-chan Resp,
	purpose string,
) (Resp, bool) {
	if !SendC(ctx, log, reqCh, req, purpose+":send") {
		var zero Resp
		return zero, false
	}
	return RecvC(ctx, log, respCh, purpose+":recv")
}

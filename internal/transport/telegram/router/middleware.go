package router

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	logx "pewcast/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler. The first middleware passed to Chain is the
// outermost.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// slowCommand promotes the request log from debug to info.
const slowCommand = 750 * time.Millisecond

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = errors.Newf("internal error in /%s", req.Command)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logged records every command with its duration and outcome.
func Logged() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slowCommand:
				req.Logger.Info("command done", logx.Duration("took", took))
			default:
				req.Logger.Debug("command done", logx.Duration("took", took))
			}
			return err
		}
	}
}

// ReplyOnError tells the operator why a command failed.
func ReplyOnError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil && req.Reply != nil {
				// The handler's context may be spent; the reply gets its own.
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				req.Reply(rctx, "❌ "+errorText(err))
				cancel()
			}
			return err
		}
	}
}

// Deadline bounds the handler. A deadline hit is reported with a hint.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(cctx, req)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return errors.WithHint(errors.Wrapf(err, "/%s timed out after %s", req.Command, d),
					"the operation may still finish; check /job")
			}
			return err
		}
	}
}

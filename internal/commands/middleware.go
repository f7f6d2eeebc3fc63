package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"geodaily/internal/configstore"
	"geodaily/internal/daily"
	"geodaily/internal/geo"
	logx "geodaily/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic in /%s: %v", req.Command, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs the outcome of a command. Results users caused themselves
// (bad date, not set up, rejected options) stay at INFO; the rest is a WARN.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := logx.Duration("took", time.Since(start))
			switch {
			case err == nil:
				req.Log.Debug("command ok", took)
			case errors.Is(err, errDenied):
			case expected(err):
				req.Log.Info("command refused", took, logx.String("reason", err.Error()))
			default:
				req.Log.Warn("command failed", took, logx.Err(err))
			}
			return err
		}
	}
}

func expected(err error) bool {
	for _, target := range []error{
		daily.ErrNotConfigured, daily.ErrNoLink, daily.ErrBadDate,
		geo.ErrInvalidOptions, geo.ErrNotYetPlayed, configstore.ErrInvalidConfig,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

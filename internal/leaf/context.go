package leaf

import (
	"context"
	"time"
)

// runContext binds a standard context.Context to the leaf Context contract.
// The abort channel is the context's Done channel, so one cancellation
// signal serves both Go-idiomatic ctx plumbing and the cooperative Abort
// checks leaves perform.
type runContext struct {
	context.Context
	clock func() int64
}

func (c runContext) Now() int64 {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now().UnixMilli()
}

func (c runContext) Abort() <-chan struct{} { return c.Context.Done() }

// Bind wraps ctx as a leaf Context. clock may be nil, in which case the
// wall clock is used; tests pass a fixed clock for determinism.
func Bind(ctx context.Context, clock func() int64) Context {
	return runContext{Context: ctx, clock: clock}
}

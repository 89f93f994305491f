// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package app

import (
	"context"
	"errors"
	"time"
)

// HookFunc releases a resource once the runtime has returned.
type HookFunc func(context.Context) error

// HookRegistry collects the release hooks of long-lived handles, e.g. the
// Kafka client or the document store connection, as they are created.
//
// Hooks run in reverse registration order so a handle is always released
// before the handles it was built from.
type HookRegistry struct {
	hooks []HookFunc
}

// OnPostRun registers a hook to be executed after the inner runtime completes.
// All hooks will run even if the runtime or previous hooks fail.
func (r *HookRegistry) OnPostRun(hook HookFunc) {
	r.hooks = append(r.hooks, hook)
}

func (r *HookRegistry) run(ctx context.Context) error {
	var errs []error
	for i := len(r.hooks) - 1; i >= 0; i-- {
		err := r.hooks[i](ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultHookTimeout bounds how long all hooks together may take.
const DefaultHookTimeout = 30 * time.Second

type hookRuntime struct {
	inner    Runtime
	registry *HookRegistry
	timeout  time.Duration
}

// Run executes the inner runtime and then every registered hook. Hooks get a
// context which is not cancelled with ctx, since ctx is usually cancelled
// by the shutdown which made the runtime return.
func (rt hookRuntime) Run(ctx context.Context) error {
	runtimeErr := rt.inner.Run(ctx)

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.timeout)
	defer cancel()

	return errors.Join(runtimeErr, rt.registry.run(hookCtx))
}

// WithHooks wraps a builder function with post-run hook support.
//
// If f fails, the hooks it registered before failing are run immediately
// so partially initialized handles are still released.
//
//	builder := app.WithHooks(func(ctx context.Context, h *app.HookRegistry) (app.Runtime, error) {
//	    pool, err := pgxpool.New(ctx, url)
//	    if err != nil {
//	        return nil, err
//	    }
//	    h.OnPostRun(func(ctx context.Context) error {
//	        pool.Close()
//	        return nil
//	    })
//	    return newConnector(pool), nil
//	})
func WithHooks[T Runtime](f func(context.Context, *HookRegistry) (T, error)) Builder[Runtime] {
	return BuilderFunc[Runtime](func(ctx context.Context) (Runtime, error) {
		registry := &HookRegistry{}

		inner, err := f(ctx, registry)
		if err != nil {
			hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultHookTimeout)
			defer cancel()

			return nil, errors.Join(err, registry.run(hookCtx))
		}

		return hookRuntime{
			inner:    inner,
			registry: registry,
			timeout:  DefaultHookTimeout,
		}, nil
	})
}

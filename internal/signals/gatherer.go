package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// #region gatherer

// Gatherer queries the three producers concurrently for one session. Each
// call is bounded by the timeout; a producer that has not answered in time is
// abandoned and reported missing.
type Gatherer struct {
	features FeatureSource
	hsi      HSISource
	rhythm   RhythmSource
	timeout  time.Duration
	now      func() time.Time
}

// NewGatherer creates a Gatherer. Any source may be nil, in which case its
// fields are always missing.
func NewGatherer(features FeatureSource, hsi HSISource, rhythm RhythmSource, timeout time.Duration) *Gatherer {
	return &Gatherer{
		features: features,
		hsi:      hsi,
		rhythm:   rhythm,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Gather collects raw producer responses. It returns once every producer has
// answered or timed out; it never returns an error.
func (g *Gatherer) Gather(ctx context.Context, sessionID string) RawInputs {
	var raw RawInputs
	var eg errgroup.Group

	eg.Go(func() error {
		raw.Features = fetch(ctx, g, sessionID, sourceFunc(g.features, FeatureSource.Features))
		return nil
	})
	eg.Go(func() error {
		raw.HSI = fetch(ctx, g, sessionID, sourceFunc(g.hsi, HSISource.HSI))
		return nil
	})
	eg.Go(func() error {
		raw.Rhythm = fetch(ctx, g, sessionID, sourceFunc(g.rhythm, RhythmSource.Rhythm))
		return nil
	})
	_ = eg.Wait()

	return raw
}

// #endregion gatherer

// #region fetch

type callFunc[T any] func(ctx context.Context, sessionID string) (T, error)

// sourceFunc binds a possibly-nil source to its method expression.
func sourceFunc[S comparable, T any](src S, method func(S, context.Context, string) (T, error)) callFunc[T] {
	var zero S
	if src == zero {
		return nil
	}
	return func(ctx context.Context, sessionID string) (T, error) {
		return method(src, ctx, sessionID)
	}
}

type result[T any] struct {
	rec T
	err error
}

func fetch[T any](ctx context.Context, g *Gatherer, sessionID string, call callFunc[T]) Response[T] {
	if call == nil {
		return Missing[T]("producer not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Buffered so an abandoned call can still complete without blocking.
	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result[T]{rec: zero, err: fmt.Errorf("producer panic: %v", r)}
			}
		}()
		rec, err := call(callCtx, sessionID)
		done <- result[T]{rec: rec, err: err}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Missing[T](fmt.Sprintf("producer timed out after %s", g.timeout))
		}
		return Missing[T]("producer call cancelled")
	case res := <-done:
		if res.err != nil {
			var malformed *MalformedError
			if errors.As(res.err, &malformed) {
				return Invalid[T](malformed.Error(), g.now())
			}
			return Missing[T](res.err.Error())
		}
		return Valid(res.rec, g.now())
	}
}

// #endregion fetch

// #region errors

// MalformedError reports a producer answer that arrived but could not be
// decoded or failed its schema. Producers return it so the Gatherer can tell
// an invalid answer apart from an unreachable service.
type MalformedError struct {
	Producer string
	Err      error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Producer, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// #endregion errors

package geocode

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"site-proximity/internal/models"
)

// Guard bounds every call with timeout and folds all failures into the two
// outcomes the pipeline understands: ErrNotFound or ErrTransient.
type Guard struct {
	next    Geocoder
	timeout time.Duration
}

func Guarded(next Geocoder, timeout time.Duration) *Guard {
	return &Guard{next: next, timeout: timeout}
}

func (g *Guard) Geocode(ctx context.Context, name string, zoom int) (models.Place, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		p   models.Place
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: eris.Wrapf(ErrTransient, "geocode %q: provider panic: %v", name, r)}
			}
		}()
		p, err := g.next.Geocode(ctx, name, zoom)
		done <- result{p, err}
	}()

	// A provider that ignores ctx is abandoned, not waited on.
	select {
	case r := <-done:
		return r.p, normalize(r.err)
	case <-ctx.Done():
		return models.Place{}, eris.Wrapf(ErrTransient, "geocode %q: %v", name, ctx.Err())
	}
}

func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTransient):
		return err
	default:
		return eris.Wrap(ErrTransient, err.Error())
	}
}

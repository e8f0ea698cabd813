package observer

import (
	"context"
	"time"
)

// IntervalObserver calls F with Observable every Interval until the context is done.
type IntervalObserver[T any] struct {
	Interval   time.Duration
	F          func(T) error
	Observable T
}

// Observe blocks until ctx is done or F fails. F is called once more after ctx is done, so the
// last state is always observed.
func (o *IntervalObserver[T]) Observe(ctx context.Context) error {
	t := time.NewTicker(o.Interval)
	defer t.Stop()
	for {
		if err := o.F(o.Observable); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return o.F(o.Observable)
		case <-t.C:
		}
	}
}

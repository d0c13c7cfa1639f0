package notify

import (
	"context"
	"errors"
	"fmt"

	"casedesk/internal/domain"
	"casedesk/internal/observability"
)

// Sink is a named publisher.
type Sink interface {
	Name() string
	Publish(ctx context.Context, n domain.Notification) error
}

// Fanout publishes to every sink. A failing sink does not stop the others;
// failures are counted per sink and returned joined.
type Fanout struct {
	Sinks   []Sink
	Metrics *observability.Metrics
}

func (f Fanout) Publish(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, s := range f.Sinks {
		if err := s.Publish(ctx, n); err != nil {
			f.Metrics.RecordNotificationFailure(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

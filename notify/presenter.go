package notify

import (
	"context"

	"github.com/huykn/offline-cache/cache"
)

// LogPresenter writes alerts and navigations to a Logger. It is the
// presenter of a headless host.
type LogPresenter struct {
	logger cache.Logger
}

// NewLogPresenter creates a LogPresenter; nil logs nowhere.
func NewLogPresenter(logger cache.Logger) *LogPresenter {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &LogPresenter{logger: logger}
}

func (p *LogPresenter) Show(ctx context.Context, alert Alert) error {
	p.logger.Info("Notification", "id", alert.ID, "tag", alert.Tag, "title", alert.Payload.Title, "body", alert.Payload.Body)
	return nil
}

func (p *LogPresenter) Dismiss(ctx context.Context, alertID string) error {
	p.logger.Info("Notification dismissed", "id", alertID)
	return nil
}

func (p *LogPresenter) Navigate(ctx context.Context, target string) error {
	p.logger.Info("Navigate", "target", target)
	return nil
}

// Fanout sends every call to all of its members and returns the first error.
type Fanout []interface {
	Presenter
	Navigator
}

func (f Fanout) Show(ctx context.Context, alert Alert) error {
	var first error
	for _, m := range f {
		if err := m.Show(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Dismiss(ctx context.Context, alertID string) error {
	var first error
	for _, m := range f {
		if err := m.Dismiss(ctx, alertID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Navigate(ctx context.Context, target string) error {
	var first error
	for _, m := range f {
		if err := m.Navigate(ctx, target); err != nil && first == nil {
			first = err
		}
	}
	return first
}

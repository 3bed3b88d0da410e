// Package notify turns push messages and terminal queue outcomes into
// user-visible alerts, and routes the user's choice on an alert to a
// navigation inside the application.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/metrics"
	"github.com/huykn/offline-cache/types"
)

// Actions a user can select on an alert. Any other action opens the
// application root.
const (
	ActionDefault = ""
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

var (
	// ErrUnknownAlert is returned by Select for alerts that are not active.
	ErrUnknownAlert = errors.New("unknown alert")

	// ErrInvalidConfig is returned when dispatcher options are invalid.
	ErrInvalidConfig = errors.New("invalid notification configuration")
)

// Alert is a displayed notification.
type Alert struct {
	ID      string    `json:"id"`
	Tag     string    `json:"tag,omitempty"`
	Payload Payload   `json:"payload"`
	ShownAt time.Time `json:"shown_at"`
}

// Presenter shows and removes alerts.
type Presenter interface {
	Show(ctx context.Context, alert Alert) error
	Dismiss(ctx context.Context, alertID string) error
}

// Navigator opens a location inside the application.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// Options configures the dispatcher.
type Options struct {
	// AppRoot is the absolute URL of the application root. Navigation
	// never leaves its origin.
	AppRoot string

	// MaxAlerts bounds the number of active alerts; the least recently
	// shown is forgotten first.
	MaxAlerts int

	Logger    cache.Logger
	DebugMode bool
	Metrics   *metrics.Metrics
}

// DefaultOptions returns dispatcher options for the given application root.
func DefaultOptions(appRoot string) Options {
	return Options{
		AppRoot:   appRoot,
		MaxAlerts: 100,
		Logger:    cache.NewNoOpLogger(),
	}
}

// Dispatcher displays alerts and handles the actions selected on them.
type Dispatcher struct {
	presenter Presenter
	navigator Navigator
	root      *url.URL
	logger    cache.Logger
	options   Options
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.Mutex
	alerts *lru.Cache[string, Alert]
	tags   map[string]string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(presenter Presenter, navigator Navigator, opts Options) (*Dispatcher, error) {
	if presenter == nil || navigator == nil || opts.MaxAlerts <= 0 {
		return nil, ErrInvalidConfig
	}
	root, err := url.Parse(opts.AppRoot)
	if err != nil || root.Scheme == "" || root.Host == "" {
		return nil, ErrInvalidConfig
	}
	if root.Path == "" {
		root.Path = "/"
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}

	d := &Dispatcher{
		presenter: presenter,
		navigator: navigator,
		root:      root,
		logger:    opts.Logger,
		options:   opts,
		metrics:   opts.Metrics,
		now:       time.Now,
		tags:      make(map[string]string),
	}
	// The callback runs with d.mu held.
	d.alerts, err = lru.NewWithEvict[string, Alert](opts.MaxAlerts, func(id string, a Alert) {
		if a.Tag != "" && d.tags[a.Tag] == id {
			delete(d.tags, a.Tag)
		}
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Push parses and displays a raw push message.
func (d *Dispatcher) Push(ctx context.Context, raw []byte) (Alert, error) {
	p, err := ParsePayload(raw)
	if err != nil {
		d.logger.Warn("Push: dropping invalid payload", "error", err)
		return Alert{}, err
	}
	return d.Display(ctx, p)
}

// Display shows p. An active alert with the same tag is replaced.
func (d *Dispatcher) Display(ctx context.Context, p Payload) (Alert, error) {
	alert := Alert{
		ID:      uuid.NewString(),
		Tag:     p.Data.Tag,
		Payload: p,
		ShownAt: d.now(),
	}

	d.mu.Lock()
	var replaced string
	if alert.Tag != "" {
		if id, ok := d.tags[alert.Tag]; ok {
			replaced = id
			d.alerts.Remove(id)
		}
		d.tags[alert.Tag] = alert.ID
	}
	d.alerts.Add(alert.ID, alert)
	d.mu.Unlock()

	if replaced != "" {
		if err := d.presenter.Dismiss(ctx, replaced); err != nil {
			d.logger.Warn("Display: failed to dismiss replaced alert", "id", replaced, "error", err)
		}
		d.metrics.RecordNotification(ctx, "replaced")
	}
	if err := d.presenter.Show(ctx, alert); err != nil {
		d.mu.Lock()
		d.alerts.Remove(alert.ID)
		d.mu.Unlock()
		return Alert{}, fmt.Errorf("show alert: %w", err)
	}

	d.metrics.RecordNotification(ctx, "shown")
	if d.options.DebugMode {
		d.logger.Debug("Display: alert shown", "id", alert.ID, "tag", alert.Tag, "title", p.Title)
	}
	return alert, nil
}

// Select handles the user's action on an alert and closes it. It returns
// the navigation target, or "" when the action only dismisses.
func (d *Dispatcher) Select(ctx context.Context, alertID, action string) (string, error) {
	d.mu.Lock()
	alert, ok := d.alerts.Peek(alertID)
	if ok {
		d.alerts.Remove(alertID)
	}
	d.mu.Unlock()
	if !ok {
		return "", ErrUnknownAlert
	}

	if err := d.presenter.Dismiss(ctx, alertID); err != nil {
		d.logger.Warn("Select: failed to dismiss alert", "id", alertID, "error", err)
	}

	var target string
	switch action {
	case ActionDismiss:
		d.metrics.RecordNotification(ctx, "dismiss")
		return "", nil
	case ActionDefault, ActionView:
		target = d.ResolveTarget(alert.Payload.Data.ActionURL)
	default:
		target = d.root.String()
	}

	if err := d.navigator.Navigate(ctx, target); err != nil {
		return "", fmt.Errorf("navigate to %s: %w", target, err)
	}
	d.metrics.RecordNotification(ctx, "navigate")
	d.logger.Info("Select: navigated", "id", alertID, "action", action, "target", target)
	return target, nil
}

// ResolveTarget resolves actionURL against the application root. Empty,
// unparsable and cross-origin targets resolve to the root.
func (d *Dispatcher) ResolveTarget(actionURL string) string {
	if strings.TrimSpace(actionURL) == "" {
		return d.root.String()
	}
	ref, err := url.Parse(actionURL)
	if err != nil {
		return d.root.String()
	}
	target := d.root.ResolveReference(ref)
	if !strings.EqualFold(target.Scheme, d.root.Scheme) || !strings.EqualFold(target.Host, d.root.Host) {
		return d.root.String()
	}
	return target.String()
}

// NotifyAbandoned tells the user that a queued request will never be
// delivered.
func (d *Dispatcher) NotifyAbandoned(ctx context.Context, ab types.AbandonedRequest) (Alert, error) {
	var reason string
	switch ab.Reason {
	case types.ReasonRejected:
		reason = fmt.Sprintf("was rejected by the server (status %d)", ab.StatusCode)
	case types.ReasonExhausted:
		reason = fmt.Sprintf("could not be delivered after %d attempts", ab.Attempts)
	case types.ReasonExpired:
		reason = "expired before it could be delivered"
	default:
		reason = "was cancelled"
	}

	return d.Display(ctx, Payload{
		Title: "Change not saved",
		Body:  fmt.Sprintf("%s %s %s.", ab.Method, ab.URL, reason),
		Data: PayloadData{
			Tag: "abandoned-" + ab.Fingerprint.String(),
		},
	})
}

// Active returns the active alerts, least recently shown first.
func (d *Dispatcher) Active() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alerts.Values()
}

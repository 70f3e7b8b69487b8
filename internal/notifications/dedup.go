package notifications

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
)

// Deduplicating drops repeats of the same type and deployment inside window,
// so a misconfigured deployment produces one alert rather than one per call.
type Deduplicating struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewDeduplicating(next Notifier, window time.Duration) *Deduplicating {
	return &Deduplicating{
		next:   next,
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

func (d *Deduplicating) Send(ctx context.Context, notification Notification) error {
	key := string(notification.Type) + "|" + notification.Deployment
	now := d.now()

	d.mu.Lock()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		d.mu.Unlock()
		return nil
	}
	prev, hadPrev := d.last[key]
	d.last[key] = now
	d.mu.Unlock()

	if err := d.next.Send(ctx, notification); err != nil {
		// Undelivered alerts must not suppress their retries.
		d.mu.Lock()
		if d.last[key].Equal(now) {
			if hadPrev {
				d.last[key] = prev
			} else {
				delete(d.last, key)
			}
		}
		d.mu.Unlock()
		return err
	}
	return nil
}

// ForError builds the operator alert for err, if it warrants one.
func ForError(err error, deployment, requestID string) (Notification, bool) {
	n := Notification{
		Deployment: deployment,
		RequestID:  requestID,
		Message:    err.Error(),
	}

	switch domain.KindOf(err) {
	case domain.ErrConfigurationMissing, domain.ErrInvalidEndpoint, domain.ErrUnsupportedAuth:
		n.Type = NotificationConfigDefect
	case domain.ErrModerationUnavailable:
		n.Type = NotificationModerationUnavailable
	case domain.ErrUpstreamHTTP:
		var gerr *domain.GatewayError
		if !errors.As(err, &gerr) || gerr.Status != http.StatusNotFound {
			return Notification{}, false
		}
		n.Type = NotificationDeploymentNotFound
		n.Data = map[string]any{"status": gerr.Status, "hint": gerr.Hint}
	default:
		return Notification{}, false
	}

	return n, true
}

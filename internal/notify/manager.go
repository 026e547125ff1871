package notify

import (
	"context"
	crand "crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/samstreets/Docker-Autoupdater/internal/logging"
	"github.com/samstreets/Docker-Autoupdater/internal/metrics"
	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

// DefaultAttemptTimeout bounds a single delivery attempt.
const DefaultAttemptTimeout = 10 * time.Second

// NotifierRetry settings (can be tuned in tests)
var notifierMaxRetries = 3
var notifierBaseBackoff = 500 * time.Millisecond

// notifierBackoffJitter adds up to this random duration to backoff (to avoid thundering herd)
var notifierBackoffJitter = 250 * time.Millisecond

// sleepHook is used in tests to avoid sleeping for real
var sleepHook = time.Sleep

// Service is the interface all notifiers must implement
type Service interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// MultiNotifier fans events out to every configured service in the
// background. Delivery failures are logged and never returned.
type MultiNotifier struct {
	services       []Service
	level          Level
	attemptTimeout time.Duration
	wg             sync.WaitGroup
}

// NewMultiNotifier returns a notifier with no services. attemptTimeout <= 0
// uses DefaultAttemptTimeout.
func NewMultiNotifier(level Level, attemptTimeout time.Duration) *MultiNotifier {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	if level == "" {
		level = LevelAll
	}
	return &MultiNotifier{services: make([]Service, 0), level: level, attemptTimeout: attemptTimeout}
}

// Wait waits for pending notification sends to complete or until the provided
// context is cancelled.
func (m *MultiNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MultiNotifier) Add(s Service) {
	if s != nil {
		m.services = append(m.services, s)
	}
}

func (m *MultiNotifier) Len() int {
	return len(m.services)
}

// Notify delivers ev to all services unless the level filters it out. It
// does not block on delivery. Sends outlive ctx cancellation so shutdown can
// still drain them through Wait.
func (m *MultiNotifier) Notify(ctx context.Context, ev Event) {
	if m == nil || len(m.services) == 0 {
		return
	}
	if !m.level.Allows(ev.Kind) {
		logging.Get().Debug().Str("kind", string(ev.Kind)).Str("container", ev.Container).Msg("notification filtered by level")
		return
	}
	m.Send(context.WithoutCancel(ctx), ev.Title(), ev.Text())
}

// Send sends a message to all services with per-service retries.
func (m *MultiNotifier) Send(ctx context.Context, title, message string) {
	for _, s := range m.services {
		m.wg.Add(1)
		go func(svc Service) {
			defer m.wg.Done()
			if err := m.sendWithRetries(ctx, svc, title, message); err != nil {
				metrics.IncNotificationFailed()
				nerr := &update.NotificationError{Sink: svc.Name(), Err: err}
				logging.Get().Error().Err(nerr).Str("service", svc.Name()).Str("kind", update.Classify(nerr)).Msg("all notification retries failed")
			}
		}(s)
	}
}

// sendWithRetries attempts to send a notification with retries and backoff. Returns last error if any.
func (m *MultiNotifier) sendWithRetries(ctx context.Context, s Service, title, message string) error {
	name := s.Name()
	var lastErr error
	for attempt := 1; attempt <= notifierMaxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
		err := s.Send(actx, title, message)
		cancel()
		if err == nil {
			logging.Get().Debug().Str("service", name).Msg("notification sent")
			return nil
		}
		lastErr = err
		logging.Get().Warn().Err(err).Str("service", name).Int("attempt", attempt).Msg("notification attempt failed")
		if attempt < notifierMaxRetries {
			// context-aware sleep: allow cancellation via ctx, but use sleepHook to speed tests.
			d := m.backoffDuration(attempt)
			dCh := make(chan struct{})
			go func() {
				sleepHook(d)
				close(dCh)
			}()
			select {
			case <-dCh:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// backoffDuration returns the computed backoff including optional jitter for the given attempt
func (m *MultiNotifier) backoffDuration(attempt int) time.Duration {
	d := notifierBaseBackoff * time.Duration(1<<uint(attempt-1))
	if notifierBackoffJitter > 0 {
		max := big.NewInt(int64(notifierBackoffJitter))
		if n, err := crand.Int(crand.Reader, max); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

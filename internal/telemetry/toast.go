package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Toast is a user-visible notification.
type Toast struct {
	Class   string
	Level   Level
	Title   string
	Message string
}

// Notifier displays toasts in the host application.
type Notifier interface {
	Notify(t Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Toast)

// Notify implements Notifier.
func (f NotifierFunc) Notify(t Toast) { f(t) }

// DefaultToastCooldown is the window in which a failure class shows at most
// one toast.
const DefaultToastCooldown = 30 * time.Second

// Toaster forwards toasts to a Notifier, allowing one per failure class per
// cooldown window. Repeated failures of the same class are logged instead.
type Toaster struct {
	mu       sync.Mutex
	notifier Notifier
	cooldown time.Duration
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewToaster creates a Toaster. A nil notifier logs toasts at info level.
func NewToaster(notifier Notifier, cooldown time.Duration) *Toaster {
	if notifier == nil {
		notifier = NotifierFunc(logToast)
	}
	if cooldown <= 0 {
		cooldown = DefaultToastCooldown
	}
	return &Toaster{
		notifier: notifier,
		cooldown: cooldown,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (t *Toaster) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Show displays toast unless one of the same class was shown within the
// cooldown. It reports whether the toast was delivered.
func (t *Toaster) Show(toast Toast) bool {
	t.mu.Lock()
	lim, ok := t.limiters[toast.Class]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.cooldown), 1)
		t.limiters[toast.Class] = lim
	}
	allowed := lim.AllowN(t.now(), 1)
	t.mu.Unlock()

	if !allowed {
		slog.Debug("toast suppressed",
			"component", "telemetry",
			"action", "toast_suppressed",
			"class", toast.Class,
			"title", toast.Title,
		)
		return false
	}
	t.notifier.Notify(toast)
	return true
}

func logToast(t Toast) {
	slog.Info("toast",
		"component", "telemetry",
		"action", "toast",
		"class", t.Class,
		"level", string(t.Level),
		"title", t.Title,
		"message", t.Message,
	)
}

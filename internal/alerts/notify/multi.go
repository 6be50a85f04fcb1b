package notify

import (
	"context"

	alertsapp "water-cloud/internal/alerts/application"
)

// MultiNotifier fans alert events out to several notifiers in order.
type MultiNotifier struct {
	notifiers []alertsapp.AlertNotifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil entries are skipped.
func NewMultiNotifier(notifiers ...alertsapp.AlertNotifier) *MultiNotifier {
	kept := make([]alertsapp.AlertNotifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			kept = append(kept, notifier)
		}
	}
	return &MultiNotifier{notifiers: kept}
}

// Len reports how many notifiers are attached.
func (m *MultiNotifier) Len() int {
	if m == nil {
		return 0
	}
	return len(m.notifiers)
}

func (m *MultiNotifier) Notify(ctx context.Context, event alertsapp.AlertEvent) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		notifier.Notify(ctx, event)
	}
}

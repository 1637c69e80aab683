package room

import (
	"github.com/npezzotti/message-lounge/internal/types"
)

// Notifier receives transient user-facing notifications. Notify must not
// block.
type Notifier interface {
	Notify(n types.Notification)
}

// NotifyQueue is a bounded Notifier. Notifications raised while the queue
// is full are dropped.
type NotifyQueue struct {
	ch chan types.Notification
}

func NewNotifyQueue(size int) *NotifyQueue {
	return &NotifyQueue{ch: make(chan types.Notification, size)}
}

func (q *NotifyQueue) Notify(n types.Notification) {
	select {
	case q.ch <- n:
	default:
	}
}

func (q *NotifyQueue) C() <-chan types.Notification {
	return q.ch
}

type nopNotifier struct{}

func (nopNotifier) Notify(types.Notification) {}

// Package notify delivers alert messages to chat channels. Delivery is
// best effort: every configured notifier is attempted, failures are
// logged, and nothing propagates back to the caller.
package notify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
)

// Message is one notification.
type Message struct {
	Title    string
	Body     string
	Severity string
}

// Notifier delivers a message to one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Fanout sends msg through every notifier concurrently. Each failure is
// logged under the notifier's name; none abort the others.
func Fanout(ctx context.Context, msg Message, notifiers ...Notifier) {
	var g errgroup.Group
	for _, n := range notifiers {
		g.Go(func() error {
			if err := n.Send(ctx, msg); err != nil {
				logger.Warn(ctx, "Notification delivery failed",
					tag.Name(n.Name()), tag.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

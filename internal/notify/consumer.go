package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/orbitmail/syncd/internal/model"
)

// ChangeNotification is the payload the listener service publishes
// when a remote backend reports a changed item.
type ChangeNotification struct {
	MailboxID string         `json:"mailbox_id"`
	Kind      model.ItemKind `json:"kind"`
	ItemID    string         `json:"item_id"`
}

// ChangeHandler processes one notification. Errors are logged, not
// retried here: a missed notification is recovered by the failover
// catch-up path.
type ChangeHandler func(ctx context.Context, n ChangeNotification) error

// Consumer subscribes to backend change notifications.
type Consumer struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
	sub     *nats.Subscription
}

// NewConsumer prepares a consumer on the given subject pattern
// (e.g. "mailbox.*.changed").
func NewConsumer(nc *nats.Conn, subject string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{nc: nc, subject: subject, logger: logger}
}

// Start subscribes and dispatches notifications to the handler until
// Stop is called.
func (c *Consumer) Start(ctx context.Context, handler ChangeHandler) error {
	sub, err := c.nc.Subscribe(c.subject, func(msg *nats.Msg) {
		var n ChangeNotification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			c.logger.Warn("malformed change notification", "subject", msg.Subject, "error", err)
			return
		}
		if n.MailboxID == "" || n.ItemID == "" {
			c.logger.Warn("incomplete change notification", "subject", msg.Subject)
			return
		}
		if err := handler(ctx, n); err != nil {
			c.logger.Warn("change notification not applied",
				"mailbox", n.MailboxID, "item", n.ItemID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.subject, err)
	}
	c.sub = sub
	c.logger.Info("change notification consumer started", "subject", c.subject)
	return nil
}

// Stop unsubscribes.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

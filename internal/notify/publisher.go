// Package notify carries the two NATS surfaces of the service: the
// JetStream publisher for operator-facing status lines and the
// consumer for backend change notifications relayed by the listener
// service.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher pushes human-readable sync status lines to per-owner
// subjects so an interactively connected client can follow a run live.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	logger *slog.Logger
}

// NewPublisher connects to NATS and prepares a JetStream publisher on
// the given stream name.
func NewPublisher(url, stream string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream, logger: logger}, nil
}

// EnsureStream creates the status stream when it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(p.stream); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"sync.status.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("creating stream %s: %w", p.stream, err)
	}
	return nil
}

// Status implements the engine's notifier: one line per event, best
// effort. A failed publish is logged and dropped; progress feedback is
// never worth failing a sync over.
func (p *Publisher) Status(ctx context.Context, ownerID, line string) {
	if ownerID == "" {
		return
	}
	subject := fmt.Sprintf("sync.status.%s", ownerID)
	_, err := p.js.Publish(subject, []byte(line), nats.MsgId(uuid.NewString()))
	if err != nil {
		p.logger.Debug("status publish failed", "subject", subject, "error", err)
	}
}

// Conn exposes the underlying connection for the consumer side.
func (p *Publisher) Conn() *nats.Conn { return p.nc }

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

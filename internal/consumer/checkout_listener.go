// Package consumer clears the local cart when the backend reports a
// completed checkout, so a purchase finished on another device (or by an
// admin) empties this profile's cart too.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vishaldhakal/nisimatsuya-client/internal/cart"
)

const checkoutTopic = "checkout-completed"

type checkoutCompletedEvent struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
}

type Listener struct {
	store  *cart.Store
	reader *kafka.Reader
	log    *zap.Logger

	// userID resolves the profile's current user at event time; sessions
	// come and go while the listener runs.
	userID func() string
}

func NewListener(store *cart.Store, userID func() string, log *zap.Logger, groupID string, brokers ...string) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    checkoutTopic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Listener{store: store, reader: reader, log: log, userID: userID}
}

func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.readMessage(ctx)
	}
}

func (l *Listener) Close() {
	if err := l.reader.Close(); err != nil {
		l.log.Warn("error closing kafka reader", zap.Error(err))
	}
}

func (l *Listener) readMessage(ctx context.Context) {
	m, err := l.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn("error reading checkout event", zap.Error(err))
		}
		return
	}
	if err := l.handleEvent(ctx, m.Value); err != nil {
		l.log.Warn("error handling checkout event", zap.Error(err))
	}
}

// handleEvent clears the cart when the completed checkout belongs to this
// profile's user. Events for other users, or received while logged out, are
// ignored.
func (l *Listener) handleEvent(ctx context.Context, value []byte) error {
	var ev checkoutCompletedEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("failed to parse checkout event: %w", err)
	}
	if ev.UserID == "" {
		return fmt.Errorf("checkout event %q has no user_id", ev.CheckoutID)
	}

	current := l.userID()
	if current == "" || current != ev.UserID {
		return nil
	}

	l.log.Info("checkout completed, clearing cart",
		zap.String("checkout_id", ev.CheckoutID),
		zap.String("user_id", ev.UserID))
	l.store.Clear(ctx)
	return nil
}

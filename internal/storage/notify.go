package storage

import (
	"context"

	"github.com/vishaldhakal/nisimatsuya-client/internal/pubsub"
)

// TopicChange is the bus topic change notifications are published on, the
// in-process analog of the browser's storage event. Event.Key carries the
// written or deleted storage key.
const TopicChange = "storage.change"

// NotifyingStore decorates a KeyValueStore so every successful write or
// delete is announced on the bus.
type NotifyingStore struct {
	KeyValueStore
	bus *pubsub.Bus
}

func WithNotify(store KeyValueStore, bus *pubsub.Bus) *NotifyingStore {
	return &NotifyingStore{KeyValueStore: store, bus: bus}
}

func (s *NotifyingStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.KeyValueStore.Set(ctx, key, value); err != nil {
		return err
	}
	s.bus.Publish(TopicChange, key)
	return nil
}

func (s *NotifyingStore) Delete(ctx context.Context, key string) error {
	if err := s.KeyValueStore.Delete(ctx, key); err != nil {
		return err
	}
	s.bus.Publish(TopicChange, key)
	return nil
}

package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vishaldhakal/nisimatsuya-client/internal/clock"
	"github.com/vishaldhakal/nisimatsuya-client/internal/domain"
	"github.com/vishaldhakal/nisimatsuya-client/internal/pubsub"
	"github.com/vishaldhakal/nisimatsuya-client/internal/storage"
)

const (
	// StorageKey holds the persisted cart: a JSON array of line items.
	StorageKey = "cart_items"

	// TopicUpdated is published on the bus after every cart mutation.
	TopicUpdated = "cart.updated"

	// noticeTTL is how long the transient "added to cart" notice stays
	// visible to readers.
	noticeTTL = 3 * time.Second
)

// Store owns the cart line items for one profile. All mutations are
// synchronous and atomic with respect to readers; every state change is
// written through to storage. Persistence is best-effort: a failed write is
// logged, never surfaced.
type Store struct {
	storage storage.KeyValueStore
	bus     *pubsub.Bus
	clk     clock.Clock
	log     *zap.Logger

	mu          sync.Mutex
	items       []domain.CartLineItem
	notice      string
	noticeTimer clock.Timer
}

// NewStore hydrates the cart from storage. Absent or corrupt data yields an
// empty cart, never an error.
func NewStore(ctx context.Context, kv storage.KeyValueStore, bus *pubsub.Bus, clk clock.Clock, log *zap.Logger) *Store {
	s := &Store{
		storage: kv,
		bus:     bus,
		clk:     clk,
		log:     log,
	}

	data, err := kv.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("cart storage unreadable, starting empty", zap.Error(err))
		}
		return s
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		log.Warn("persisted cart is corrupt, starting empty", zap.Error(err))
		s.items = nil
	}
	return s
}

// Add merges the item into the cart by composite key. When an entry with
// the same key already exists, only its quantity grows; the fields of the
// existing entry win over the newly passed ones. Quantity is taken as given
// here; callers own passing a positive value (UpdateQuantity is the floored
// path).
func (s *Store) Add(ctx context.Context, item domain.CartLineItem, quantity int) {
	s.mu.Lock()
	key := item.Key()
	merged := false
	for i := range s.items {
		if s.items[i].Key() == key {
			s.items[i].Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		item.Quantity = quantity
		s.items = append(s.items, item)
	}
	s.persistLocked(ctx)
	s.armNoticeLocked(item.Name + " added to cart")
	s.mu.Unlock()

	s.bus.Publish(TopicUpdated, StorageKey)
}

// UpdateQuantity sets the quantity of the matching entry, floored at 1.
// Driving an entry to zero goes through Remove instead. Missing entries are
// a no-op.
func (s *Store) UpdateQuantity(ctx context.Context, productID domain.ID, name string, quantity int) {
	if quantity < 1 {
		quantity = 1
	}

	s.mu.Lock()
	key := domain.CartLineItem{ProductID: productID, Name: name}.Key()
	changed := false
	for i := range s.items {
		if s.items[i].Key() == key {
			s.items[i].Quantity = quantity
			changed = true
			break
		}
	}
	if changed {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if changed {
		s.bus.Publish(TopicUpdated, StorageKey)
	}
}

// Remove drops the matching entry; no-op when absent.
func (s *Store) Remove(ctx context.Context, productID domain.ID, name string) {
	s.mu.Lock()
	key := domain.CartLineItem{ProductID: productID, Name: name}.Key()
	removed := false
	for i, it := range s.items {
		if it.Key() == key {
			s.items = append(s.items[:i], s.items[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		s.persistLocked(ctx)
	}
	s.mu.Unlock()

	if removed {
		s.bus.Publish(TopicUpdated, StorageKey)
	}
}

// Clear empties the cart and removes the storage entry entirely.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.items = nil
	if err := s.storage.Delete(ctx, StorageKey); err != nil {
		s.log.Warn("failed to clear persisted cart", zap.Error(err))
	}
	s.mu.Unlock()

	s.bus.Publish(TopicUpdated, StorageKey)
}

// Items returns a copy of the current line items in insertion order.
func (s *Store) Items() []domain.CartLineItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CartLineItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) TotalItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Cart{Items: s.items}.TotalItems()
}

func (s *Store) TotalAmount() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Cart{Items: s.items}.TotalAmount()
}

// Notice returns the transient "added to cart" message while it is live.
// It is observable state for the UI, never persisted.
func (s *Store) Notice() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notice, s.notice != ""
}

func (s *Store) persistLocked(ctx context.Context) {
	data, err := json.Marshal(s.items)
	if err != nil {
		s.log.Warn("failed to encode cart", zap.Error(err))
		return
	}
	if err := s.storage.Set(ctx, StorageKey, data); err != nil {
		s.log.Warn("failed to persist cart", zap.Error(err))
	}
}

func (s *Store) armNoticeLocked(message string) {
	s.notice = message
	if s.noticeTimer != nil {
		s.noticeTimer.Stop()
	}
	s.noticeTimer = s.clk.AfterFunc(noticeTTL, func() {
		s.mu.Lock()
		s.notice = ""
		s.mu.Unlock()
	})
}

package catalog

import (
	"fmt"
	"sync"
)

// MemoryStore is a mutex-guarded map store. It is the reference
// implementation for the claim protocol and the default backend in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]Collection
	items       map[string]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]Collection),
		items:       make(map[string]Item),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) ReconcileCollection(name, defaultAddress string) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	if defaultAddress == "" {
		defaultAddress = name
	}
	c := Collection{Name: name, Address: defaultAddress, CreatedAt: NowUnix()}
	s.collections[name] = c
	return c, nil
}

func (s *MemoryStore) UpsertItem(collection, name string, price float64, locator string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ItemKey(collection, name)
	it, ok := s.items[key]
	if !ok {
		it = Item{Collection: collection, Name: name, State: StateUnpurchased}
	}
	it.Price = price
	it.Locator = locator
	it.Seq++
	it.UpdatedAt = NowUnix()
	s.items[key] = it
	return it, nil
}

func (s *MemoryStore) ClaimUnpurchased(collection string, maxPrice float64) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []Item
	now := NowUnix()
	for key, it := range s.items {
		if it.Collection != collection || it.State != StateUnpurchased || it.Price > maxPrice {
			continue
		}
		it.State = StateClaimed
		it.ClaimedAt = now
		it.Seq++
		it.UpdatedAt = now
		s.items[key] = it
		claimed = append(claimed, it)
	}
	return claimed, nil
}

func (s *MemoryStore) CommitPurchase(collection, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ItemKey(collection, name)
	it, ok := s.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	switch it.State {
	case StatePurchased:
		return nil
	case StateClaimed:
		it.State = StatePurchased
		it.ClaimedAt = 0
		it.Seq++
		it.UpdatedAt = NowUnix()
		s.items[key] = it
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotClaimed, key)
	}
}

func (s *MemoryStore) ReleaseClaim(collection, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ItemKey(collection, name)
	it, ok := s.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if it.State != StateClaimed {
		return nil
	}
	it.State = StateUnpurchased
	it.ClaimedAt = 0
	it.Seq++
	it.UpdatedAt = NowUnix()
	s.items[key] = it
	return nil
}

func (s *MemoryStore) ReleaseExpiredClaims(cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for key, it := range s.items {
		if it.State != StateClaimed || it.ClaimedAt > cutoff {
			continue
		}
		it.State = StateUnpurchased
		it.ClaimedAt = 0
		it.Seq++
		it.UpdatedAt = NowUnix()
		s.items[key] = it
		released++
	}
	return released, nil
}

func (s *MemoryStore) GetCollection(name string) (Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	return c, ok
}

func (s *MemoryStore) GetItem(collection, name string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[ItemKey(collection, name)]
	return it, ok
}

func (s *MemoryStore) RangeItems(collection string, fn func(Item) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		if collection != "" && it.Collection != collection {
			continue
		}
		if err := fn(it); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) RangeCollections(fn func(Collection) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.collections {
		if err := fn(c); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) PutCollection(c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[c.Name]; !ok {
		s.collections[c.Name] = c
	}
	return nil
}

func (s *MemoryStore) PutItem(in Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := in.Key()
	cur, ok := s.items[key]
	next, applied := restoreItem(cur, ok, in)
	if applied {
		s.items[key] = next
	}
	return applied, nil
}

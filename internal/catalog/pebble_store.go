package catalog

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB. Pebble has no transactions,
// so a store-level mutex serializes mutations; that is what makes concurrent
// ClaimUnpurchased calls hand out disjoint sets.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	d, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) getItemLocked(key []byte) (Item, bool, error) {
	v, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	defer closer.Close()
	it, err := decodeItem(v)
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (p *PebbleStore) setJSON(key []byte, v any) error {
	bytes, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return p.db.Set(key, bytes, pebble.Sync)
}

func (p *PebbleStore) ReconcileCollection(name, defaultAddress string) (Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := collectionKey(name)
	v, closer, err := p.db.Get(key)
	if err == nil {
		c, e := decodeCollection(v)
		_ = closer.Close()
		return c, e
	}
	if err != pebble.ErrNotFound {
		return Collection{}, err
	}
	if defaultAddress == "" {
		defaultAddress = name
	}
	c := Collection{Name: name, Address: defaultAddress, CreatedAt: NowUnix()}
	if err := p.setJSON(key, c); err != nil {
		return Collection{}, err
	}
	return c, nil
}

func (p *PebbleStore) UpsertItem(collection, name string, price float64, locator string) (Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := itemStoreKey(collection, name)
	cur, ok, err := p.getItemLocked(key)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		cur = Item{Collection: collection, Name: name, State: StateUnpurchased}
	}
	cur.Price = price
	cur.Locator = locator
	cur.Seq++
	cur.UpdatedAt = NowUnix()
	if err := p.setJSON(key, cur); err != nil {
		return Item{}, err
	}
	return cur, nil
}

// rangeItemsLocked iterates items under the given key prefix.
func (p *PebbleStore) rangeItemsLocked(prefix string, fn func(Item) error) error {
	lower := []byte(prefix)
	upper := append(append([]byte(nil), prefix...), 0xff)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		v := append([]byte(nil), it.Value()...)
		cur, err := decodeItem(v)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
	}
	return nil
}

func (p *PebbleStore) ClaimUnpurchased(collection string, maxPrice float64) ([]Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := NowUnix()
	var toClaim []Item
	err := p.rangeItemsLocked(itemPrefix+collection+"#", func(cur Item) error {
		if cur.State != StateUnpurchased || cur.Price > maxPrice {
			return nil
		}
		cur.State = StateClaimed
		cur.ClaimedAt = now
		cur.Seq++
		cur.UpdatedAt = now
		toClaim = append(toClaim, cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var claimed []Item
	for _, w := range toClaim {
		if err := p.setJSON(itemStoreKey(w.Collection, w.Name), w); err != nil {
			// Partial claim is forbidden: report the write error but keep
			// the items already claimed in the returned set.
			return claimed, err
		}
		claimed = append(claimed, w)
	}
	return claimed, nil
}

func (p *PebbleStore) mutateItem(collection, name string, fn func(cur Item) (Item, bool, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := itemStoreKey(collection, name)
	cur, ok, err := p.getItemLocked(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ItemKey(collection, name))
	}
	next, write, err := fn(cur)
	if err != nil || !write {
		return err
	}
	return p.setJSON(key, next)
}

func (p *PebbleStore) CommitPurchase(collection, name string) error {
	return p.mutateItem(collection, name, func(cur Item) (Item, bool, error) {
		switch cur.State {
		case StatePurchased:
			return cur, false, nil
		case StateClaimed:
			cur.State = StatePurchased
			cur.ClaimedAt = 0
			cur.Seq++
			cur.UpdatedAt = NowUnix()
			return cur, true, nil
		default:
			return cur, false, fmt.Errorf("%w: %s", ErrNotClaimed, ItemKey(collection, name))
		}
	})
}

func (p *PebbleStore) ReleaseClaim(collection, name string) error {
	return p.mutateItem(collection, name, func(cur Item) (Item, bool, error) {
		if cur.State != StateClaimed {
			return cur, false, nil
		}
		cur.State = StateUnpurchased
		cur.ClaimedAt = 0
		cur.Seq++
		cur.UpdatedAt = NowUnix()
		return cur, true, nil
	})
}

func (p *PebbleStore) ReleaseExpiredClaims(cutoff int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var toRelease []Item
	err := p.rangeItemsLocked(itemPrefix, func(cur Item) error {
		if cur.State != StateClaimed || cur.ClaimedAt > cutoff {
			return nil
		}
		cur.State = StateUnpurchased
		cur.ClaimedAt = 0
		cur.Seq++
		cur.UpdatedAt = NowUnix()
		toRelease = append(toRelease, cur)
		return nil
	})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, w := range toRelease {
		if err := p.setJSON(itemStoreKey(w.Collection, w.Name), w); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (p *PebbleStore) GetCollection(name string) (Collection, bool) {
	v, closer, err := p.db.Get(collectionKey(name))
	if err != nil {
		return Collection{}, false
	}
	defer closer.Close()
	c, err := decodeCollection(v)
	if err != nil {
		return Collection{}, false
	}
	return c, true
}

func (p *PebbleStore) GetItem(collection, name string) (Item, bool) {
	v, closer, err := p.db.Get(itemStoreKey(collection, name))
	if err != nil {
		return Item{}, false
	}
	defer closer.Close()
	it, err := decodeItem(v)
	if err != nil {
		return Item{}, false
	}
	return it, true
}

func (p *PebbleStore) RangeItems(collection string, fn func(Item) error) error {
	prefix := itemPrefix
	if collection != "" {
		prefix = itemPrefix + collection + "#"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rangeItemsLocked(prefix, fn)
}

func (p *PebbleStore) RangeCollections(fn func(Collection) error) error {
	lower := []byte(collectionPrefix)
	upper := append(append([]byte(nil), collectionPrefix...), 0xff)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		v := append([]byte(nil), it.Value()...)
		c, err := decodeCollection(v)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *PebbleStore) PutCollection(c Collection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := collectionKey(c.Name)
	if _, closer, err := p.db.Get(key); err == nil {
		_ = closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}
	return p.setJSON(key, c)
}

func (p *PebbleStore) PutItem(in Item) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := itemStoreKey(in.Collection, in.Name)
	cur, exists, err := p.getItemLocked(key)
	if err != nil {
		return false, err
	}
	next, applied := restoreItem(cur, exists, in)
	if !applied {
		return false, nil
	}
	return true, p.setJSON(key, next)
}

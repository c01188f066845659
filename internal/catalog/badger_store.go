package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	collectionPrefix = "c#"
	itemPrefix       = "i#"
)

// BadgerStore implements Store using BadgerDB. Claim, commit and release run
// inside badger transactions, so concurrent claimers conflict at commit time
// instead of double-claiming; conflicted transactions are retried.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func collectionKey(name string) []byte { return []byte(collectionPrefix + name) }
func itemStoreKey(collection, name string) []byte {
	return []byte(itemPrefix + ItemKey(collection, name))
}

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func decodeItem(val []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(val, &it); err != nil {
		return Item{}, err
	}
	return it, nil
}

func decodeCollection(val []byte) (Collection, error) {
	var c Collection
	if err := json.Unmarshal(val, &c); err != nil {
		return Collection{}, err
	}
	return c, nil
}

// update runs fn in a transaction, retrying a handful of times on commit
// conflicts between concurrent claimers.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 16; attempt++ {
		err = b.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
	return err
}

func (b *BadgerStore) ReconcileCollection(name, defaultAddress string) (Collection, error) {
	var out Collection
	err := b.update(func(txn *badger.Txn) error {
		key := collectionKey(name)
		item, err := txn.Get(key)
		if err == nil {
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			out, e = decodeCollection(v)
			return e
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		addr := defaultAddress
		if addr == "" {
			addr = name
		}
		out = Collection{Name: name, Address: addr, CreatedAt: NowUnix()}
		bytes, e := encodeJSON(out)
		if e != nil {
			return e
		}
		return txn.Set(key, bytes)
	})
	if err != nil {
		return Collection{}, err
	}
	return out, nil
}

func (b *BadgerStore) UpsertItem(collection, name string, price float64, locator string) (Item, error) {
	var out Item
	err := b.update(func(txn *badger.Txn) error {
		key := itemStoreKey(collection, name)
		cur := Item{Collection: collection, Name: name, State: StateUnpurchased}
		item, err := txn.Get(key)
		if err == nil {
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			cur, e = decodeItem(v)
			if e != nil {
				return e
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		cur.Price = price
		cur.Locator = locator
		cur.Seq++
		cur.UpdatedAt = NowUnix()
		bytes, e := encodeJSON(cur)
		if e != nil {
			return e
		}
		if e := txn.Set(key, bytes); e != nil {
			return e
		}
		out = cur
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return out, nil
}

func (b *BadgerStore) ClaimUnpurchased(collection string, maxPrice float64) ([]Item, error) {
	var claimed []Item
	err := b.update(func(txn *badger.Txn) error {
		claimed = claimed[:0]
		now := NowUnix()
		prefix := []byte(itemPrefix + collection + "#")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var toWrite []Item
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, err := decodeItem(v)
			if err != nil {
				return err
			}
			if cur.State != StateUnpurchased || cur.Price > maxPrice {
				continue
			}
			cur.State = StateClaimed
			cur.ClaimedAt = now
			cur.Seq++
			cur.UpdatedAt = now
			toWrite = append(toWrite, cur)
		}
		for _, w := range toWrite {
			bytes, err := encodeJSON(w)
			if err != nil {
				return err
			}
			if err := txn.Set(itemStoreKey(w.Collection, w.Name), bytes); err != nil {
				return err
			}
			claimed = append(claimed, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (b *BadgerStore) mutateItem(collection, name string, fn func(cur Item) (Item, bool, error)) error {
	return b.update(func(txn *badger.Txn) error {
		key := itemStoreKey(collection, name)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, ItemKey(collection, name))
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cur, err := decodeItem(v)
		if err != nil {
			return err
		}
		next, write, err := fn(cur)
		if err != nil || !write {
			return err
		}
		bytes, err := encodeJSON(next)
		if err != nil {
			return err
		}
		return txn.Set(key, bytes)
	})
}

func (b *BadgerStore) CommitPurchase(collection, name string) error {
	return b.mutateItem(collection, name, func(cur Item) (Item, bool, error) {
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

func (b *BadgerStore) ReleaseClaim(collection, name string) error {
	return b.mutateItem(collection, name, func(cur Item) (Item, bool, error) {
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

func (b *BadgerStore) ReleaseExpiredClaims(cutoff int64) (int, error) {
	released := 0
	err := b.update(func(txn *badger.Txn) error {
		released = 0
		prefix := []byte(itemPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var toWrite []Item
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, err := decodeItem(v)
			if err != nil {
				return err
			}
			if cur.State != StateClaimed || cur.ClaimedAt > cutoff {
				continue
			}
			cur.State = StateUnpurchased
			cur.ClaimedAt = 0
			cur.Seq++
			cur.UpdatedAt = NowUnix()
			toWrite = append(toWrite, cur)
		}
		for _, w := range toWrite {
			bytes, err := encodeJSON(w)
			if err != nil {
				return err
			}
			if err := txn.Set(itemStoreKey(w.Collection, w.Name), bytes); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func (b *BadgerStore) GetCollection(name string) (Collection, bool) {
	var c Collection
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get(collectionKey(name))
		if e != nil {
			return e
		}
		v, e := item.ValueCopy(nil)
		if e != nil {
			return e
		}
		c, e = decodeCollection(v)
		return e
	})
	if err != nil {
		return Collection{}, false
	}
	return c, true
}

func (b *BadgerStore) GetItem(collection, name string) (Item, bool) {
	var it Item
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get(itemStoreKey(collection, name))
		if e != nil {
			return e
		}
		v, e := item.ValueCopy(nil)
		if e != nil {
			return e
		}
		it, e = decodeItem(v)
		return e
	})
	if err != nil {
		return Item{}, false
	}
	return it, true
}

func (b *BadgerStore) RangeItems(collection string, fn func(Item) error) error {
	prefix := itemPrefix
	if collection != "" {
		prefix = itemPrefix + collection + "#"
	}
	return b.db.View(func(txn *badger.Txn) error {
		p := []byte(prefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(p); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, err := decodeItem(v)
			if err != nil {
				return err
			}
			if err := fn(cur); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) RangeCollections(fn func(Collection) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		p := []byte(collectionPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(p); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			c, err := decodeCollection(v)
			if err != nil {
				return err
			}
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) PutCollection(c Collection) error {
	return b.update(func(txn *badger.Txn) error {
		key := collectionKey(c.Name)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		bytes, err := encodeJSON(c)
		if err != nil {
			return err
		}
		return txn.Set(key, bytes)
	})
}

func (b *BadgerStore) PutItem(in Item) (bool, error) {
	applied := false
	err := b.update(func(txn *badger.Txn) error {
		key := itemStoreKey(in.Collection, in.Name)
		var cur Item
		exists := false
		item, err := txn.Get(key)
		if err == nil {
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			cur, e = decodeItem(v)
			if e != nil {
				return e
			}
			exists = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		next, ok := restoreItem(cur, exists, in)
		applied = ok
		if !ok {
			return nil
		}
		bytes, e := encodeJSON(next)
		if e != nil {
			return e
		}
		return txn.Set(key, bytes)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

package catalog

import (
	"errors"
	"fmt"
	"time"
)

// ItemState is the purchase lifecycle of a catalog item.
type ItemState string

const (
	StateUnpurchased ItemState = "unpurchased"
	StateClaimed     ItemState = "claimed"
	StatePurchased   ItemState = "purchased"
)

// Collection is a named group of sellable items.
type Collection struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	CreatedAt int64  `json:"createdAt"`
}

// Item is one catalog entry. Identity is the (Collection, Name) pair.
// Seq increases on every mutation and guards idempotent journal replay.
// ClaimedAt is non-zero only while State == StateClaimed.
type Item struct {
	Collection string    `json:"collection"`
	Name       string    `json:"name"`
	Price      float64   `json:"price"`
	Locator    string    `json:"locator"`
	State      ItemState `json:"state"`
	Seq        int64     `json:"seq"`
	ClaimedAt  int64     `json:"claimedAt,omitempty"`
	UpdatedAt  int64     `json:"updatedAt"`
}

// Key returns the composite store key collection#name.
func (it Item) Key() string { return ItemKey(it.Collection, it.Name) }

// ItemKey returns the composite key for an item identity.
func ItemKey(collection, name string) string {
	return fmt.Sprintf("%s#%s", collection, name)
}

var (
	// ErrNotFound reports a missing collection or item.
	ErrNotFound = errors.New("catalog: not found")
	// ErrNotClaimed reports a commit or release attempted on an item that
	// holds no claim.
	ErrNotClaimed = errors.New("catalog: item not claimed")
)

// Store is the durable catalog of collections and items. It is the only
// shared mutable resource between concurrent pipeline runs; every
// implementation must make ReconcileCollection and UpsertItem safe under
// duplicate-key races and must hand out disjoint claim sets to concurrent
// ClaimUnpurchased callers.
type Store interface {
	// ReconcileCollection atomically gets or creates a collection by name.
	ReconcileCollection(name, defaultAddress string) (Collection, error)
	// UpsertItem creates or refreshes an item keyed by (collection, name).
	// Price and locator are last-write-wins; purchase state is untouched.
	UpsertItem(collection, name string, price float64, locator string) (Item, error)
	// ClaimUnpurchased atomically moves every unpurchased item in the
	// collection priced at or below maxPrice into the claimed state and
	// returns them. Concurrent callers receive disjoint sets.
	ClaimUnpurchased(collection string, maxPrice float64) ([]Item, error)
	// CommitPurchase moves a claimed item to purchased. Committing an
	// already purchased item is a no-op.
	CommitPurchase(collection, name string) error
	// ReleaseClaim returns a claimed item to unpurchased. Releasing an
	// unclaimed item is a no-op; a purchased item stays purchased.
	ReleaseClaim(collection, name string) error
	// ReleaseExpiredClaims releases every claim taken at or before the
	// cutoff (epoch seconds) and returns how many were released.
	ReleaseExpiredClaims(cutoff int64) (int, error)

	GetCollection(name string) (Collection, bool)
	GetItem(collection, name string) (Item, bool)
	// RangeItems visits every item, optionally filtered to one collection
	// (empty string visits all).
	RangeItems(collection string, fn func(Item) error) error
	RangeCollections(fn func(Collection) error) error

	// PutCollection and PutItem are restore-only writes used by snapshot
	// load and journal replay. PutItem applies only when in.Seq exceeds the
	// stored Seq, never clears a purchased state, and lands claimed input
	// as unpurchased.
	PutCollection(c Collection) error
	PutItem(in Item) (applied bool, err error)
}

// NowUnix returns current time in epoch seconds. Split for testability.
var NowUnix = func() int64 { return time.Now().UTC().Unix() }

// restoreItem normalizes an item arriving from snapshot or journal replay
// against the currently stored one. Claims are ephemeral and never survive
// restore; purchased is monotonic.
func restoreItem(cur Item, curExists bool, in Item) (Item, bool) {
	if curExists && in.Seq <= cur.Seq {
		return cur, false
	}
	if in.State == StateClaimed {
		in.State = StateUnpurchased
		in.ClaimedAt = 0
	}
	if curExists && cur.State == StatePurchased {
		in.State = StatePurchased
		in.ClaimedAt = 0
	}
	if in.State == "" {
		in.State = StateUnpurchased
	}
	return in, true
}

package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Wallet is a funding source. The pipeline only ever references it; balances
// and signing live in the purchase service.
type Wallet struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

// ErrNotFound reports a funding source that does not exist. Its absence is a
// precondition failure for a run, checked before any external call.
var ErrNotFound = errors.New("wallet: not found")

type Registry interface {
	Get(id string) (Wallet, error)
}

// FilesystemRegistry reads wallets from a JSON file mapping id to wallet,
// loaded once at construction.
type FilesystemRegistry struct {
	wallets map[string]Wallet
}

func NewFilesystemRegistry(path string) (*FilesystemRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallets: %w", err)
	}
	var wallets map[string]Wallet
	if err := json.Unmarshal(data, &wallets); err != nil {
		return nil, fmt.Errorf("unmarshal wallets: %w", err)
	}
	for id, w := range wallets {
		if w.ID == "" {
			w.ID = id
			wallets[id] = w
		}
	}
	return &FilesystemRegistry{wallets: wallets}, nil
}

func (r *FilesystemRegistry) Get(id string) (Wallet, error) {
	w, ok := r.wallets[id]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

// StaticRegistry serves a fixed wallet set; used by tests and local runs.
type StaticRegistry map[string]Wallet

func (r StaticRegistry) Get(id string) (Wallet, error) {
	w, ok := r[id]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"snipe/internal/wallet"
)

// ErrRejected reports that the purchase service refused the order (outbid,
// delisted, insufficient funds). The item goes back to the eligible pool.
var ErrRejected = errors.New("purchase: rejected")

// Executor submits a buy order for one item. An error means the purchase did
// not happen and the claim must be released; a nil return means funds moved
// and the purchase must be committed.
type Executor interface {
	Purchase(ctx context.Context, locator string, w wallet.Wallet) error
}

type order struct {
	Locator string `json:"locator"`
	Wallet  string `json:"wallet"`
}

type orderReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// HTTPExecutor posts orders to a purchase service. Retries are left to the
// caller: a failed order here is a released claim, retried on the next run.
type HTTPExecutor struct {
	client   *resty.Client
	orderURL string
}

func NewHTTPExecutor(orderURL string, timeout time.Duration) *HTTPExecutor {
	client := resty.New().SetTimeout(timeout)
	return &HTTPExecutor{client: client, orderURL: orderURL}
}

func (e *HTTPExecutor) Purchase(ctx context.Context, locator string, w wallet.Wallet) error {
	var reply orderReply
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(order{Locator: locator, Wallet: w.Address}).
		SetResult(&reply).
		Post(e.orderURL)
	if err != nil {
		return fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("submit order: unexpected status %d", resp.StatusCode())
	}
	if !reply.Accepted {
		if reply.Reason != "" {
			return fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
		}
		return ErrRejected
	}
	return nil
}

// Func adapts a plain function to Executor; tests script outcomes with it.
type Func func(ctx context.Context, locator string, w wallet.Wallet) error

func (f Func) Purchase(ctx context.Context, locator string, w wallet.Wallet) error {
	return f(ctx, locator, w)
}

package model

import "encoding/json"

// Request is an inbound acquisition job request.
// MaxPrice arrives as either a JSON string or a number; json.Number keeps
// both forms intact through unmarshalling.
type Request struct {
	CollectionName string      `json:"collectionName"`
	MaxPrice       json.Number `json:"maxPrice"`
	WalletID       string      `json:"walletId"`
}

// Listing is one discovered item as reported by the listing source.
// RawPrice is unparsed upstream text (currency symbols, separators, noise).
type Listing struct {
	Name     string `json:"name"`
	RawPrice string `json:"rawPrice"`
	Locator  string `json:"locator"`
}

// Result is the user-visible outcome of a run.
type Result struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Summary reports what a single pipeline run did.
type Summary struct {
	Collection     string `json:"collection"`
	Phase          string `json:"phase"`
	Discovered     int    `json:"discovered"`
	Reconciled     int    `json:"reconciled"`
	Skipped        int    `json:"skipped"`
	Claimed        int    `json:"claimed"`
	Purchased      int    `json:"purchased"`
	FailedReleased int    `json:"failedReleased"`
	Message        string `json:"message"`
	Status         int    `json:"status"`
	StartedAt      int64  `json:"startedAt"`
	FinishedAt     int64  `json:"finishedAt"`
}

// Result projects the run summary onto the inbound-request response shape.
func (s Summary) Result() Result { return Result{Message: s.Message, Status: s.Status} }

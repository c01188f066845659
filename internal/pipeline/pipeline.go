package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/patrickmn/go-cache"

	"snipe/internal/catalog"
	"snipe/internal/journal"
	"snipe/internal/listing"
	"snipe/internal/metrics"
	"snipe/internal/model"
	"snipe/internal/price"
	"snipe/internal/purchase"
	"snipe/internal/wallet"
	"snipe/internal/worker"
)

// Run phases, reported in the summary. Aborted runs keep the phase they
// failed in.
const (
	PhaseValidating  = "validating"
	PhaseDiscovering = "discovering"
	PhaseReconciling = "reconciling"
	PhaseClaiming    = "claiming"
	PhasePurchasing  = "purchasing"
	PhaseCompleted   = "completed"
	PhaseAborted     = "aborted"
)

const defaultPurchaseWorkers = 4

// Pipeline runs the acquisition flow for one inbound request: discover
// listings, reconcile them into the catalog, claim the eligible set, then
// purchase each claimed item with commit-or-release bookkeeping. Multiple
// Run calls may execute concurrently; the catalog store is the only shared
// state between them.
type Pipeline struct {
	store    catalog.Store
	source   listing.Source
	executor purchase.Executor
	wallets  wallet.Registry
	journal  journal.Writer
	metrics  *metrics.Registry
	logger   *log.Logger

	// collections memoizes reconciled collections across runs; reconcile is
	// idempotent so a stale entry only costs one extra store round-trip.
	collections *cache.Cache

	purchaseWorkers int
}

type Option func(*Pipeline)

// WithJournal appends every catalog transition to w.
func WithJournal(w journal.Writer) Option {
	return func(p *Pipeline) { p.journal = w }
}

// WithPurchaseWorkers bounds purchasing parallelism.
func WithPurchaseWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.purchaseWorkers = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(store catalog.Store, source listing.Source, executor purchase.Executor, wallets wallet.Registry, m *metrics.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:           store,
		source:          source,
		executor:        executor,
		wallets:         wallets,
		metrics:         m,
		logger:          log.Default(),
		collections:     cache.New(5*time.Minute, 10*time.Minute),
		purchaseWorkers: defaultPurchaseWorkers,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes one acquisition for req and always returns a structured
// summary, never a raw error.
func (p *Pipeline) Run(ctx context.Context, req model.Request) model.Summary {
	started := catalog.NowUnix()
	sum := model.Summary{
		Collection: req.CollectionName,
		Phase:      PhaseValidating,
		StartedAt:  started,
	}

	ceiling, w, err := p.validate(req)
	if err != nil {
		return p.abort(sum, err)
	}

	sum.Phase = PhaseDiscovering
	listings, err := p.source.Discover(ctx, req.CollectionName)
	if err != nil {
		return p.abort(sum, &NotFoundError{Kind: "listings for collection", ID: req.CollectionName})
	}
	sum.Discovered = len(listings)
	p.metrics.Discovered.Add(float64(len(listings)))
	if len(listings) == 0 {
		return p.complete(sum, fmt.Sprintf("collection %s: no listings discovered", req.CollectionName))
	}

	sum.Phase = PhaseReconciling
	if err := p.reconcile(ctx, req.CollectionName, listings, &sum); err != nil {
		return p.abort(sum, err)
	}

	sum.Phase = PhaseClaiming
	claimed, err := p.store.ClaimUnpurchased(req.CollectionName, ceiling)
	if err != nil {
		return p.abort(sum, fmt.Errorf("claim: %w", err))
	}
	sum.Claimed = len(claimed)
	p.metrics.Claimed.Add(float64(len(claimed)))
	for _, it := range claimed {
		p.append(journal.FromItem(journal.OpClaim, it))
	}

	sum.Phase = PhasePurchasing
	p.purchaseAll(ctx, claimed, w, &sum)

	msg := fmt.Sprintf("collection %s: purchased %d of %d claimed (%d discovered, %d skipped)",
		req.CollectionName, sum.Purchased, sum.Claimed, sum.Discovered, sum.Skipped)
	done := p.complete(sum, msg)
	p.metrics.RunLatencySec.Observe(float64(done.FinishedAt - done.StartedAt))
	return done
}

// validate checks the request preconditions before any external call.
func (p *Pipeline) validate(req model.Request) (float64, wallet.Wallet, error) {
	if req.CollectionName == "" {
		return 0, wallet.Wallet{}, &ValidationError{Field: "collectionName", Reason: "must not be empty"}
	}
	ceiling, err := req.MaxPrice.Float64()
	if err != nil {
		return 0, wallet.Wallet{}, &ValidationError{Field: "maxPrice", Reason: "not a number"}
	}
	if math.IsNaN(ceiling) || math.IsInf(ceiling, 0) || ceiling < 0 {
		return 0, wallet.Wallet{}, &ValidationError{Field: "maxPrice", Reason: "must be finite and non-negative"}
	}
	if req.WalletID == "" {
		return 0, wallet.Wallet{}, &ValidationError{Field: "walletId", Reason: "must not be empty"}
	}
	w, err := p.wallets.Get(req.WalletID)
	if err != nil {
		return 0, wallet.Wallet{}, &NotFoundError{Kind: "wallet", ID: req.WalletID}
	}
	return ceiling, w, nil
}

// reconcile normalizes each discovered listing and upserts the well-formed
// ones. Malformed prices are counted and skipped; they never reach the store.
func (p *Pipeline) reconcile(ctx context.Context, collection string, listings []model.Listing, sum *model.Summary) error {
	coll, err := p.reconcileCollection(collection)
	if err != nil {
		return fmt.Errorf("reconcile collection: %w", err)
	}
	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			return err
		}
		amount, err := price.Normalize(l.RawPrice)
		if err != nil {
			sum.Skipped++
			p.metrics.MalformedSkipped.Inc()
			p.logger.Printf("skip %s/%s: malformed price %q", collection, l.Name, l.RawPrice)
			continue
		}
		it, err := p.store.UpsertItem(collection, l.Name, amount, l.Locator)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, l.Name, err)
		}
		sum.Reconciled++
		p.metrics.Reconciled.Inc()
		e := journal.FromItem(journal.OpUpsert, it)
		e.Address = coll.Address
		p.append(e)
	}
	return nil
}

// reconcileCollection gets or creates the collection, memoized across runs.
// Address defaults to the collection name.
func (p *Pipeline) reconcileCollection(name string) (catalog.Collection, error) {
	if c, ok := p.collections.Get(name); ok {
		return c.(catalog.Collection), nil
	}
	c, err := p.store.ReconcileCollection(name, name)
	if err != nil {
		return catalog.Collection{}, err
	}
	p.collections.Set(name, c, cache.DefaultExpiration)
	return c, nil
}

type purchaseOutcome struct {
	item      catalog.Item
	purchased bool
	err       error
}

func (o purchaseOutcome) GetError() error { return o.err }

type purchaseJob struct {
	p    *Pipeline
	item catalog.Item
	w    wallet.Wallet
}

// Execute runs one purchase attempt. Exclusivity was established by the
// claim, so failure handling is local: commit on success, release on
// failure. A storage error on commit or release leaves the item claimed and
// excluded from the rest of the run; the TTL sweep frees it later.
func (j purchaseJob) Execute(ctx context.Context) worker.Result {
	p, it := j.p, j.item

	start := time.Now()
	perr := p.executor.Purchase(ctx, it.Locator, j.w)
	p.metrics.PurchaseLatencySec.Observe(time.Since(start).Seconds())

	if perr == nil {
		if err := p.store.CommitPurchase(it.Collection, it.Name); err != nil {
			p.logger.Printf("commit %s/%s: %v", it.Collection, it.Name, err)
			return purchaseOutcome{item: it, err: err}
		}
		if cur, ok := p.store.GetItem(it.Collection, it.Name); ok {
			p.append(journal.FromItem(journal.OpCommit, cur))
		}
		return purchaseOutcome{item: it, purchased: true}
	}

	p.logger.Printf("purchase %s/%s: %v", it.Collection, it.Name, perr)
	if err := p.store.ReleaseClaim(it.Collection, it.Name); err != nil {
		p.logger.Printf("release %s/%s: %v", it.Collection, it.Name, err)
		return purchaseOutcome{item: it, err: err}
	}
	if cur, ok := p.store.GetItem(it.Collection, it.Name); ok {
		p.append(journal.FromItem(journal.OpRelease, cur))
	}
	return purchaseOutcome{item: it, err: perr}
}

// purchaseAll runs the claimed worklist through a bounded worker pool and
// folds the outcomes into the summary. One item's failure never blocks the
// rest.
func (p *Pipeline) purchaseAll(ctx context.Context, claimed []catalog.Item, w wallet.Wallet, sum *model.Summary) {
	if len(claimed) == 0 {
		return
	}
	jobs := make([]worker.Job, 0, len(claimed))
	for _, it := range claimed {
		jobs = append(jobs, purchaseJob{p: p, item: it, w: w})
	}
	pool := worker.NewPool(ctx, p.purchaseWorkers)
	for _, res := range pool.Run(jobs) {
		out, ok := res.(purchaseOutcome)
		if !ok {
			continue
		}
		if out.purchased {
			sum.Purchased++
			p.metrics.Purchased.Inc()
		} else {
			sum.FailedReleased++
			p.metrics.FailedReleased.Inc()
		}
	}
}

func (p *Pipeline) append(e journal.Entry) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Append(e); err != nil {
		p.logger.Printf("journal append %s/%s: %v", e.Collection, e.Name, err)
		return
	}
	p.metrics.JournalAppended.Inc()
}

func (p *Pipeline) complete(sum model.Summary, msg string) model.Summary {
	sum.Phase = PhaseCompleted
	sum.Message = msg
	sum.Status = 200
	sum.FinishedAt = catalog.NowUnix()
	p.metrics.RunsCompleted.Inc()
	return sum
}

// abort classifies err into the result status and freezes the summary at
// the failing phase.
func (p *Pipeline) abort(sum model.Summary, err error) model.Summary {
	switch err.(type) {
	case *ValidationError:
		sum.Status = 400
	case *NotFoundError:
		sum.Status = 404
	default:
		sum.Status = 404
	}
	sum.Message = err.Error()
	sum.Phase = PhaseAborted + ":" + sum.Phase
	sum.FinishedAt = catalog.NowUnix()
	p.metrics.RunsAborted.Inc()
	p.logger.Printf("run aborted for %s: %v", sum.Collection, err)
	return sum
}

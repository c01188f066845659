package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"snipe/internal/catalog"
	"snipe/internal/journal"
	"snipe/internal/listing"
	"snipe/internal/manifest"
	"snipe/internal/metrics"
	"snipe/internal/model"
	"snipe/internal/pipeline"
	"snipe/internal/purchase"
	"snipe/internal/recovery"
	"snipe/internal/snapshot"
	"snipe/internal/wallet"
)

// Config holds CLI flags for the acquisition worker.
type Config struct {
	StateBackend     string // memory|badger|pebble
	DataDir          string
	SnapshotDir      string
	SnapshotInterval int
	JournalOn        bool

	// Kafka sinks and sources
	KafkaBootstrap string
	JournalSink    string // file|kafka|both
	ManifestSink   string // file|kafka|both
	ManifestSource string // file|kafka
	TopicJournal   string
	TopicManifests string

	// Inbound requests
	RequestSource string // local|kafka
	GroupID       string
	TopicRequests string

	// Result publishing (EOS when tx id set)
	TopicResults string
	ResultsTxID  string

	// Listing discovery
	ListingsDir     string
	MarketURL       string
	ScrapeTimeout   int
	ScrapeRateLimit float64

	// Purchasing
	PurchaseURL     string
	PurchaseTimeout int
	PurchaseWorkers int
	WalletsFile     string

	// Local one-shot request
	Collection string
	MaxPrice   string
	WalletID   string

	HTTPAddr string
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func readFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.StateBackend, "state-backend", "badger", "catalog backend: memory|badger|pebble")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data/catalog", "catalog data directory")
	flag.StringVar(&cfg.SnapshotDir, "snapshot-dir", "./snapshots", "snapshot directory")
	flag.IntVar(&cfg.SnapshotInterval, "snapshot-interval", 60, "snapshot interval seconds (0 disables)")
	flag.BoolVar(&cfg.JournalOn, "journal", true, "enable journal emission")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", "", "kafka bootstrap servers, e.g. localhost:9092")
	flag.StringVar(&cfg.JournalSink, "journal-sink", "file", "journal sink: file|kafka|both")
	flag.StringVar(&cfg.ManifestSink, "manifest-sink", "file", "manifest sink: file|kafka|both")
	flag.StringVar(&cfg.ManifestSource, "manifest-source", "file", "manifest source for restore: file|kafka")
	flag.StringVar(&cfg.TopicJournal, "topic-journal", "snipe.catalog-journal", "kafka topic for journal (compacted)")
	flag.StringVar(&cfg.TopicManifests, "topic-manifests", "snipe.catalog-manifests", "kafka topic for manifests (compacted)")
	flag.StringVar(&cfg.RequestSource, "request-source", "local", "request source: local|kafka")
	flag.StringVar(&cfg.GroupID, "group-id", "snipe-worker", "consumer group id")
	flag.StringVar(&cfg.TopicRequests, "topic-requests", "snipe.requests", "kafka topic for inbound requests")
	flag.StringVar(&cfg.TopicResults, "topic-results", "snipe.results", "kafka topic for run results")
	flag.StringVar(&cfg.ResultsTxID, "results-tx-id", "", "transactional id for results (enable EOS when set)")
	flag.StringVar(&cfg.ListingsDir, "listings-dir", "", "read listings from <dir>/<collection>.jsonl instead of scraping")
	flag.StringVar(&cfg.MarketURL, "market-url", "", "marketplace base URL; collection page is <url>/<collection>")
	flag.IntVar(&cfg.ScrapeTimeout, "scrape-timeout", 15, "scrape timeout seconds")
	flag.Float64Var(&cfg.ScrapeRateLimit, "scrape-rps", 2, "scrape requests per second per host")
	flag.StringVar(&cfg.PurchaseURL, "purchase-url", "", "purchase service order endpoint (empty runs dry)")
	flag.IntVar(&cfg.PurchaseTimeout, "purchase-timeout", 30, "purchase timeout seconds")
	flag.IntVar(&cfg.PurchaseWorkers, "purchase-workers", 4, "bounded purchasing parallelism")
	flag.StringVar(&cfg.WalletsFile, "wallets", "", "wallets JSON file (id -> wallet)")
	flag.StringVar(&cfg.Collection, "collection", "", "collection name for local one-shot run")
	flag.StringVar(&cfg.MaxPrice, "max-price", "", "price ceiling for local one-shot run")
	flag.StringVar(&cfg.WalletID, "wallet", "", "wallet id for local one-shot run")
	flag.StringVar(&cfg.HTTPAddr, "http", ":8080", "http listen for /metrics and /healthz")
	flag.Parse()
	return cfg
}

func run(cfg Config) error {
	log.Printf("starting worker backend=%s source=%s journal=%v snapshot-interval=%ds",
		cfg.StateBackend, cfg.RequestSource, cfg.JournalOn, cfg.SnapshotInterval)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir)
	maniFS := manifest.NewFilesystemManifest(cfg.SnapshotDir)
	var mani manifest.Publisher = maniFS
	var maniReader manifest.Reader = maniFS
	if (cfg.ManifestSink == "kafka" || cfg.ManifestSink == "both") && cfg.KafkaBootstrap != "" {
		maniK := manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicManifests, "catalog-manifest-latest")
		if cfg.ManifestSink == "kafka" {
			mani = maniK
		} else {
			mani = manifest.MultiPublisher(maniFS, maniK)
		}
	}
	if cfg.ManifestSource == "kafka" && cfg.KafkaBootstrap != "" {
		maniReader = recovery.NewKafkaManifestReader([]string{cfg.KafkaBootstrap}, cfg.TopicManifests, "catalog-manifest-latest")
	}

	jw, journalOffset, err := buildJournal(cfg)
	if err != nil {
		return err
	}

	mreg := metrics.NewRegistry()
	go func() {
		http.Handle("/metrics", mreg.Handler())
		http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})
		_ = http.ListenAndServe(cfg.HTTPAddr, nil)
	}()

	// Rebuild durable state before taking any request.
	restorer := recovery.NewRestorer(st, maniReader, cfg.SnapshotDir, journalDir+"/"+journalFile)
	if res, err := restorer.RestoreAndReplay(); err != nil {
		log.Printf("restore skipped: %v", err)
	} else {
		log.Printf("restore completed: applied=%d skipped=%d", res.Applied, res.Skipped)
		mreg.ReplayApplied.Add(float64(res.Applied))
		mreg.ReplaySkipped.Add(float64(res.Skipped))
	}

	src, err := buildSource(cfg)
	if err != nil {
		return err
	}
	ex := buildExecutor(cfg)
	wallets, err := buildWallets(cfg)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithPurchaseWorkers(cfg.PurchaseWorkers)}
	if cfg.JournalOn && jw != nil {
		opts = append(opts, pipeline.WithJournal(jw))
	}
	pipe := pipeline.New(st, src, ex, wallets, mreg, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SnapshotInterval > 0 {
		go snapshotLoop(ctx, cfg.SnapshotInterval, snap, mani, st, journalOffset)
	}

	if cfg.RequestSource == "kafka" && cfg.KafkaBootstrap != "" {
		return consumeRequests(ctx, cfg, pipe, mreg)
	}
	return runLocal(ctx, cfg, pipe)
}

func openStore(cfg Config) (catalog.Store, func(), error) {
	switch cfg.StateBackend {
	case "badger":
		bs, err := catalog.NewBadgerStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init badger: %w", err)
		}
		return bs, func() { _ = bs.Close() }, nil
	case "pebble":
		ps, err := catalog.NewPebbleStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init pebble: %w", err)
		}
		return ps, func() { _ = ps.Close() }, nil
	default:
		return catalog.NewMemoryStore(), func() {}, nil
	}
}

const (
	journalDir  = "./journal"
	journalFile = "catalog.jsonl"
)

// countingWriter tracks how many entries were appended so the manifest can
// record the journal offset its snapshot covers.
type countingWriter struct {
	inner journal.Writer
	n     *atomic.Int64
}

func (c countingWriter) Append(e journal.Entry) error {
	if err := c.inner.Append(e); err != nil {
		return err
	}
	c.n.Add(1)
	return nil
}

func buildJournal(cfg Config) (journal.Writer, *atomic.Int64, error) {
	offset := &atomic.Int64{}
	if !cfg.JournalOn {
		return nil, offset, nil
	}
	var jw journal.Writer
	if cfg.JournalSink == "file" || cfg.JournalSink == "both" || cfg.JournalSink == "" {
		fw, err := journal.NewFileWriter(journalDir, journalFile)
		if err != nil {
			return nil, nil, fmt.Errorf("init journal file: %w", err)
		}
		jw = fw
	}
	if (cfg.JournalSink == "kafka" || cfg.JournalSink == "both") && cfg.KafkaBootstrap != "" {
		kw := journal.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicJournal)
		if jw == nil {
			jw = kw
		} else {
			jw = journal.NewMultiWriter(jw, kw)
		}
	}
	if jw == nil {
		return nil, offset, nil
	}
	return countingWriter{inner: jw, n: offset}, offset, nil
}

func buildSource(cfg Config) (listing.Source, error) {
	if cfg.ListingsDir != "" {
		return listing.NewFileSource(cfg.ListingsDir), nil
	}
	if cfg.MarketURL != "" {
		return listing.NewHTTPSource(cfg.MarketURL, listing.DefaultSelectors(),
			time.Duration(cfg.ScrapeTimeout)*time.Second, cfg.ScrapeRateLimit), nil
	}
	return nil, fmt.Errorf("either -listings-dir or -market-url is required")
}

func buildExecutor(cfg Config) purchase.Executor {
	if cfg.PurchaseURL != "" {
		return purchase.NewHTTPExecutor(cfg.PurchaseURL, time.Duration(cfg.PurchaseTimeout)*time.Second)
	}
	// Dry mode: log the order instead of spending.
	return purchase.Func(func(ctx context.Context, locator string, w wallet.Wallet) error {
		log.Printf("dry-run purchase locator=%s wallet=%s", locator, w.ID)
		return nil
	})
}

func buildWallets(cfg Config) (wallet.Registry, error) {
	if cfg.WalletsFile != "" {
		return wallet.NewFilesystemRegistry(cfg.WalletsFile)
	}
	if cfg.WalletID != "" {
		// No wallet file: the one-shot wallet id doubles as its address.
		return wallet.StaticRegistry{cfg.WalletID: {ID: cfg.WalletID, Address: cfg.WalletID}}, nil
	}
	return nil, fmt.Errorf("either -wallets or -wallet is required")
}

func snapshotLoop(ctx context.Context, intervalSec int, snap snapshot.Snapshotter, mani manifest.Publisher, st catalog.Store, journalOffset *atomic.Int64) {
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := time.Now().UTC().Format(time.RFC3339)
			off := journalOffset.Load()
			if err := snap.WriteSnapshot(id, st); err != nil {
				log.Printf("write snapshot: %v", err)
				continue
			}
			if err := mani.PublishLatest(id, off); err != nil {
				log.Printf("publish manifest: %v", err)
				continue
			}
			log.Printf("snapshot and manifest published: %s (journal offset %d)", id, off)
		}
	}
}

func runLocal(ctx context.Context, cfg Config, pipe *pipeline.Pipeline) error {
	if cfg.Collection == "" || cfg.MaxPrice == "" || cfg.WalletID == "" {
		return fmt.Errorf("local run needs -collection, -max-price and -wallet")
	}
	req := model.Request{
		CollectionName: cfg.Collection,
		MaxPrice:       json.Number(cfg.MaxPrice),
		WalletID:       cfg.WalletID,
	}
	sum := pipe.Run(ctx, req)
	b, _ := json.MarshalIndent(sum, "", "  ")
	fmt.Fprintln(os.Stdout, string(b))
	if sum.Status != 200 {
		return fmt.Errorf("run aborted: %s", sum.Message)
	}
	return nil
}

// consumeRequests pulls requests from Kafka and publishes each run's result.
// With -results-tx-id set, the result and the consumer offset commit ride the
// same transaction, so a crashed worker never leaves a consumed request
// without its published result.
func consumeRequests(ctx context.Context, cfg Config, pipe *pipeline.Pipeline, mreg *metrics.Registry) error {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBootstrap,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()
	if err := c.SubscribeTopics([]string{cfg.TopicRequests}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var p *ck.Producer
	if cfg.ResultsTxID != "" {
		prod, err := ck.NewProducer(&ck.ConfigMap{
			"bootstrap.servers":  cfg.KafkaBootstrap,
			"enable.idempotence": true,
			"acks":               "all",
			"transactional.id":   cfg.ResultsTxID,
		})
		if err != nil {
			return fmt.Errorf("producer: %w", err)
		}
		if err := prod.InitTransactions(ctx); err != nil {
			return fmt.Errorf("init tx: %w", err)
		}
		p = prod
		defer p.Close()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, err := c.ReadMessage(5 * time.Second)
		if err != nil {
			continue
		}
		var req model.Request
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			log.Printf("bad request payload, skipping: %v", err)
			if _, err := c.CommitMessage(msg); err != nil {
				log.Printf("commit: %v", err)
			}
			continue
		}

		sum := pipe.Run(ctx, req)
		b, _ := json.Marshal(sum)
		log.Printf("run %s status=%d purchased=%d", sum.Collection, sum.Status, sum.Purchased)

		if p == nil {
			if _, err := c.CommitMessage(msg); err != nil {
				log.Printf("commit: %v", err)
			}
			continue
		}

		if err := p.BeginTransaction(); err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := p.Produce(&ck.Message{
			TopicPartition: ck.TopicPartition{Topic: &cfg.TopicResults, Partition: ck.PartitionAny},
			Key:            []byte(req.CollectionName),
			Value:          b,
		}, nil); err != nil {
			_ = p.AbortTransaction(ctx)
			mreg.TxAborted.Inc()
			continue
		}
		offsets, _ := c.Commit()
		meta, _ := c.GetConsumerGroupMetadata()
		if err := p.SendOffsetsToTransaction(ctx, offsets, meta); err != nil {
			_ = p.AbortTransaction(ctx)
			mreg.TxAborted.Inc()
			continue
		}
		if err := p.CommitTransaction(ctx); err != nil {
			_ = p.AbortTransaction(ctx)
			mreg.TxAborted.Inc()
			continue
		}
		mreg.TxProduced.Inc()
	}
}

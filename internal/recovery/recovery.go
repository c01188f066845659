package recovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"snipe/internal/catalog"
	"snipe/internal/journal"
	"snipe/internal/manifest"
	"snipe/internal/snapshot"
)

// Restorer rebuilds a catalog store from the latest snapshot plus the
// journal entries recorded after it. Claims never survive a restore: a
// claimed entry lands as unpurchased, matching the sweep rule for runs that
// died mid-purchase.
type Restorer struct {
	store           catalog.Store
	manifestReader  manifest.Reader
	snapshotBaseDir string
	journalPath     string
}

func NewRestorer(st catalog.Store, mr manifest.Reader, snapshotBaseDir string, journalPath string) *Restorer {
	return &Restorer{
		store:           st,
		manifestReader:  mr,
		snapshotBaseDir: snapshotBaseDir,
		journalPath:     journalPath,
	}
}

type Result struct {
	Applied int
	Skipped int
	Error   error
}

func (r *Restorer) RestoreFromSnapshot(snapshotID string) error {
	if snapshotID == "" {
		return nil
	}
	path := filepath.Join(r.snapshotBaseDir, snapshotID, "catalog.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("restore: snapshot not found at %s, skipping", path)
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	var dump snapshot.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	for _, c := range dump.Collections {
		if err := r.store.PutCollection(c); err != nil {
			return fmt.Errorf("put collection %s: %w", c.Name, err)
		}
	}
	for _, it := range dump.Items {
		if _, err := r.store.PutItem(it); err != nil {
			return fmt.Errorf("put item %s: %w", it.Key(), err)
		}
	}
	log.Printf("restore: loaded %d collections and %d items from snapshot %s",
		len(dump.Collections), len(dump.Items), snapshotID)
	return nil
}

func (r *Restorer) applyEntry(e journal.Entry) (bool, error) {
	if e.Address != "" || e.Op == journal.OpUpsert {
		c := catalog.Collection{Name: e.Collection, Address: e.Address}
		if c.Address == "" {
			c.Address = e.Collection
		}
		if err := r.store.PutCollection(c); err != nil {
			return false, err
		}
	}
	return r.store.PutItem(e.Item())
}

func (r *Restorer) ReplayJournal(journalPath string, fromOffset int64) Result {
	file, err := os.Open(journalPath)
	if err != nil {
		return Result{Error: fmt.Errorf("open journal: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	applied, skipped := 0, 0
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		if int64(lineNum) <= fromOffset {
			continue
		}

		var e journal.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return Result{Applied: applied, Skipped: skipped, Error: fmt.Errorf("unmarshal line %d: %w", lineNum, err)}
		}
		ok, err := r.applyEntry(e)
		if err != nil {
			return Result{Applied: applied, Skipped: skipped, Error: fmt.Errorf("apply line %d: %w", lineNum, err)}
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}

	if err := scanner.Err(); err != nil {
		return Result{Applied: applied, Skipped: skipped, Error: fmt.Errorf("scan journal: %w", err)}
	}

	return Result{Applied: applied, Skipped: skipped}
}

// ReplayJournalKafka consumes entries from a Kafka topic (partition 0) and
// applies them. fromOffset is interpreted as message index.
func (r *Restorer) ReplayJournalKafka(brokers []string, topic string, fromOffset int64) Result {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	applied, skipped := 0, 0
	idx := int64(0)
	for {
		m, err := rd.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Result{Applied: applied, Skipped: skipped, Error: fmt.Errorf("read kafka: %w", err)}
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var e journal.Entry
		if err := json.Unmarshal(m.Value, &e); err != nil {
			return Result{Applied: applied, Skipped: skipped, Error: fmt.Errorf("unmarshal entry: %w", err)}
		}
		ok, err := r.applyEntry(e)
		if err != nil {
			return Result{Applied: applied, Skipped: skipped, Error: fmt.Errorf("apply: %w", err)}
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	return Result{Applied: applied, Skipped: skipped}
}

func (r *Restorer) RestoreAndReplay() (Result, error) {
	m, err := r.manifestReader.ReadLatest()
	if err != nil {
		return Result{}, fmt.Errorf("read manifest: %w", err)
	}

	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return Result{}, fmt.Errorf("restore snapshot: %w", err)
	}

	result := r.ReplayJournal(r.journalPath, m.LastJournalOffset)
	return result, result.Error
}

// KafkaManifestReader reads the latest manifest record from a compacted
// Kafka topic by scanning and keeping the last record for the key.
type KafkaManifestReader struct {
	brokers []string
	topic   string
	key     []byte
}

func NewKafkaManifestReader(brokers []string, topic string, key string) *KafkaManifestReader {
	return &KafkaManifestReader{brokers: brokers, topic: topic, key: []byte(key)}
}

func (k *KafkaManifestReader) ReadLatest() (manifest.Manifest, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var last manifest.Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return manifest.Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man manifest.Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return manifest.Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = man
	}
	if last.SnapshotID == "" {
		return manifest.Manifest{}, fmt.Errorf("no manifest found for key")
	}
	return last, nil
}

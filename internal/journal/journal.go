package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/kafka-go"

	"snipe/internal/catalog"
)

// Op names a catalog transition recorded in the journal.
type Op string

const (
	OpUpsert  Op = "upsert"
	OpClaim   Op = "claim"
	OpCommit  Op = "commit"
	OpRelease Op = "release"
)

// Entry is one journal record: the item state after a transition. Seq is the
// item's per-key sequence number; replay applies an entry only when its Seq
// exceeds the stored one.
type Entry struct {
	Op         Op                `json:"op"`
	Collection string            `json:"collection"`
	Address    string            `json:"address,omitempty"`
	Name       string            `json:"name"`
	Price      float64           `json:"price"`
	Locator    string            `json:"locator"`
	State      catalog.ItemState `json:"state"`
	Seq        int64             `json:"seq"`
	TS         int64             `json:"ts"`
}

// FromItem builds a journal entry out of an item's post-transition state.
func FromItem(op Op, it catalog.Item) Entry {
	return Entry{
		Op:         op,
		Collection: it.Collection,
		Name:       it.Name,
		Price:      it.Price,
		Locator:    it.Locator,
		State:      it.State,
		Seq:        it.Seq,
		TS:         it.UpdatedAt,
	}
}

// Item converts an entry back into the catalog item it recorded.
func (e Entry) Item() catalog.Item {
	return catalog.Item{
		Collection: e.Collection,
		Name:       e.Name,
		Price:      e.Price,
		Locator:    e.Locator,
		State:      e.State,
		Seq:        e.Seq,
		UpdatedAt:  e.TS,
	}
}

type Writer interface {
	Append(e Entry) error
}

// MultiWriter fans out appends to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(e Entry) error {
	for _, w := range m.writers {
		if err := w.Append(e); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends entries as JSONL.
type FileWriter struct {
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(e Entry) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes entries to a Kafka topic, keyed by item so a
// compacted topic keeps the latest transition per item. Pure-Go client
// (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka journal writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Append(e Entry) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	key := catalog.ItemKey(e.Collection, e.Name)
	return k.writer.WriteMessages(
		context.Background(),
		kafka.Message{Key: []byte(key), Value: b},
	)
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

func splitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

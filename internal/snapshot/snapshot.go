package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"snipe/internal/catalog"
)

// Dump is the serialized form of a full catalog snapshot.
type Dump struct {
	Collections []catalog.Collection `json:"collections"`
	Items       []catalog.Item       `json:"items"`
}

type Snapshotter interface {
	WriteSnapshot(snapshotID string, st catalog.Store) error
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st catalog.Store) error {
	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	file := filepath.Join(f.baseDir, snapshotID, "catalog.json")
	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()

	var dump Dump
	if err := st.RangeCollections(func(c catalog.Collection) error {
		dump.Collections = append(dump.Collections, c)
		return nil
	}); err != nil {
		return err
	}
	if err := st.RangeItems("", func(it catalog.Item) error {
		dump.Items = append(dump.Items, it)
		return nil
	}); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&dump); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

package listing

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"snipe/internal/model"
)

// Source produces the finite set of currently listed items for a collection.
// It may legitimately return an empty slice; an error means discovery failed
// and the run should abort before any catalog write.
type Source interface {
	Discover(ctx context.Context, collection string) ([]model.Listing, error)
}

// FileSource reads listings from <dir>/<collection>.jsonl, one listing per
// line. Used for offline runs and fixtures.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (s *FileSource) Discover(ctx context.Context, collection string) ([]model.Listing, error) {
	path := fmt.Sprintf("%s/%s.jsonl", s.dir, collection)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open listings: %w", err)
	}
	defer f.Close()

	var out []model.Listing
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var l model.Listing
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("unmarshal listing: %w", err)
		}
		out = append(out, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan listings: %w", err)
	}
	return out, nil
}

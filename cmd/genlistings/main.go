package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"snipe/internal/model"
)

// Generates a listings fixture consumable by the worker's -listings-dir
// source. A fraction of prices are deliberately malformed to exercise the
// skip path.
func main() {
	var (
		count        int
		collection   string
		outputDir    string
		malformedPct int
		maxPrice     int
	)
	flag.IntVar(&count, "count", 100, "number of listings to generate")
	flag.StringVar(&collection, "collection", "Azuki", "collection name")
	flag.StringVar(&outputDir, "output-dir", "./listings", "output directory")
	flag.IntVar(&malformedPct, "malformed-pct", 10, "percentage of malformed prices")
	flag.IntVar(&maxPrice, "max-price", 2000, "upper bound for generated prices")
	flag.Parse()

	if err := generate(count, collection, outputDir, malformedPct, maxPrice); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generate(count int, collection string, outputDir string, malformedPct int, maxPrice int) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	path := filepath.Join(outputDir, collection+".jsonl")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	malformed := []string{"free", "TBD", "1.2.3", "ask in DM", "..."}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	enc := json.NewEncoder(file)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s #%d", collection, i+1)
		raw := fmt.Sprintf("$%d.%02d", 1+rnd.Intn(maxPrice), rnd.Intn(100))
		if rnd.Intn(100) < malformedPct {
			raw = malformed[rnd.Intn(len(malformed))]
		}
		l := model.Listing{
			Name:     name,
			RawPrice: raw,
			Locator:  fmt.Sprintf("https://market.example/%s/%d", collection, i+1),
		}
		if err := enc.Encode(&l); err != nil {
			return fmt.Errorf("encode listing %d: %w", i+1, err)
		}
	}

	log.Printf("generated %d listings to %s", count, path)
	return nil
}

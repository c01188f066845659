package listing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	content := `{"name":"A1","rawPrice":"$1,200.50","locator":"u1"}` + "\n" +
		`{"name":"A2","rawPrice":"free","locator":"u2"}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "azuki.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewFileSource(dir)
	got, err := s.Discover(context.Background(), "azuki")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 2 || got[0].Name != "A1" || got[1].RawPrice != "free" {
		t.Fatalf("unexpected listings: %+v", got)
	}

	// Unknown collection discovers nothing rather than failing.
	got, err = s.Discover(context.Background(), "unknown")
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown collection: got=%+v err=%v", got, err)
	}
}

const listingPage = `<html><body>
<div class="listing-card">
  <span class="listing-name">A1</span>
  <span class="listing-price">$1,200.50</span>
  <a class="listing-link" href="/item/a1">view</a>
</div>
<div class="listing-card">
  <span class="listing-name">A2</span>
  <span class="listing-price">free</span>
  <a class="listing-link" href="/item/a2">view</a>
</div>
<div class="listing-card">
  <span class="listing-name"></span>
  <span class="listing-price">$5</span>
  <a class="listing-link" href="/item/skip">view</a>
</div>
</body></html>`

func TestHTTPSource_Discover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			http.NotFound(w, r)
		case "/collections/azuki":
			_, _ = w.Write([]byte(listingPage))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	s := NewHTTPSource(srv.URL+"/collections", DefaultSelectors(), 5*time.Second, 100)
	got, err := s.Discover(context.Background(), "azuki")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	// The card without a name is dropped.
	if len(got) != 2 {
		t.Fatalf("want 2 listings, got %d: %+v", len(got), got)
	}
	if got[0].Name != "A1" || got[0].RawPrice != "$1,200.50" {
		t.Fatalf("bad first listing: %+v", got[0])
	}
	if got[0].Locator != srv.URL+"/item/a1" {
		t.Fatalf("locator not resolved: %q", got[0].Locator)
	}
}

func TestHTTPSource_RobotsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /collections/\n"))
			return
		}
		_, _ = w.Write([]byte(listingPage))
	}))
	t.Cleanup(srv.Close)

	s := NewHTTPSource(srv.URL+"/collections", DefaultSelectors(), 5*time.Second, 100)
	if _, err := s.Discover(context.Background(), "azuki"); err == nil {
		t.Fatalf("expected robots.txt disallow error")
	}
}

func TestHTTPSource_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	s := NewHTTPSource(srv.URL+"/collections", DefaultSelectors(), 2*time.Second, 100)
	if _, err := s.Discover(context.Background(), "azuki"); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

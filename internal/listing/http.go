package listing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"snipe/internal/model"
	"snipe/internal/worker"
)

const defaultUserAgent = "snipebot/1.0"

// Selectors describe where listing fields live in the marketplace page.
type Selectors struct {
	// Item matches one listing card.
	Item string
	// Name and Price match within a card; the element text is taken as-is
	// (prices stay raw and go through normalization later).
	Name  string
	Price string
	// Locator matches within a card; its href attribute is the item
	// locator, resolved against the page URL.
	Locator string
}

func DefaultSelectors() Selectors {
	return Selectors{
		Item:    "div.listing-card",
		Name:    ".listing-name",
		Price:   ".listing-price",
		Locator: "a.listing-link",
	}
}

// HTTPSource scrapes listings from a marketplace collection page. Fetches
// respect robots.txt and a per-host rate limit.
type HTTPSource struct {
	client    *resty.Client
	baseURL   string
	selectors Selectors
	robots    *robotsChecker
	limiter   *worker.Limiter
}

// NewHTTPSource builds a scraper for baseURL, where the collection page is
// baseURL/<collection>.
func NewHTTPSource(baseURL string, selectors Selectors, timeout time.Duration, requestsPerSecond float64) *HTTPSource {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", defaultUserAgent).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPSource{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		selectors: selectors,
		robots:    newRobotsChecker(defaultUserAgent, timeout),
		limiter:   worker.NewLimiter(requestsPerSecond, 2),
	}
}

func (s *HTTPSource) Discover(ctx context.Context, collection string) ([]model.Listing, error) {
	pageURL := fmt.Sprintf("%s/%s", s.baseURL, url.PathEscape(collection))

	allowed, err := s.robots.canFetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("robots.txt disallows %s", pageURL)
	}
	if err := s.limiter.Wait(ctx, pageURL); err != nil {
		return nil, err
	}

	resp, err := s.client.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("fetch listings: unexpected status %d", resp.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return nil, fmt.Errorf("parse listings: %w", err)
	}
	return s.parse(doc, pageURL), nil
}

func (s *HTTPSource) parse(doc *goquery.Document, pageURL string) []model.Listing {
	base, _ := url.Parse(pageURL)
	var out []model.Listing
	doc.Find(s.selectors.Item).Each(func(_ int, card *goquery.Selection) {
		name := strings.TrimSpace(card.Find(s.selectors.Name).First().Text())
		rawPrice := strings.TrimSpace(card.Find(s.selectors.Price).First().Text())
		href, _ := card.Find(s.selectors.Locator).First().Attr("href")
		if name == "" || href == "" {
			return
		}
		locator := href
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				locator = base.ResolveReference(ref).String()
			}
		}
		out = append(out, model.Listing{Name: name, RawPrice: rawPrice, Locator: locator})
	})
	return out
}

package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const maxItemResponseBytes = 1 << 20

// HTTPCatalog reads items from GET {base}/items/{id} through a circuit breaker.
// Not-found answers count as successes so a burst of deleted items cannot trip it.
type HTTPCatalog struct {
	base   *url.URL
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

// HTTPConfig configures NewHTTPCatalog.
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	MaxFailures   uint32
	OpenTimeout   time.Duration
	FailureWindow time.Duration
	Client        *http.Client
	Log           *slog.Logger
}

// NewHTTPCatalog builds a catalog client for the listing service at cfg.BaseURL.
func NewHTTPCatalog(cfg HTTPConfig) (*HTTPCatalog, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("listing: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st := gobreaker.Settings{
		Name:        "listing",
		MaxRequests: 1,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrItemNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("listing.breaker.state", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &HTTPCatalog{
		base:   base,
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// itemDoc is the listing service's item representation.
type itemDoc struct {
	ID       string   `json:"_id"`
	AltID    string   `json:"id"`
	Title    string   `json:"title"`
	Price    float64  `json:"price"`
	Images   []string `json:"images"`
	SellerID string   `json:"sellerId"`
}

// Lookup fetches one item.
func (c *HTTPCatalog) Lookup(ctx context.Context, itemID string) (Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Item{}, ErrItemNotFound
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, itemID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Item{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if err != nil {
		return Item{}, err
	}
	return out.(Item), nil
}

func (c *HTTPCatalog) fetch(ctx context.Context, itemID string) (Item, error) {
	u := c.base.JoinPath("items", itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Item{}, ErrItemNotFound
	case resp.StatusCode != http.StatusOK:
		return Item{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var doc itemDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxItemResponseBytes)).Decode(&doc); err != nil {
		return Item{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	it := Item{
		ID:       doc.ID,
		Title:    doc.Title,
		Price:    doc.Price,
		SellerID: doc.SellerID,
	}
	if it.ID == "" {
		it.ID = doc.AltID
	}
	if it.ID == "" {
		it.ID = itemID
	}
	if len(doc.Images) > 0 {
		it.Thumbnail = doc.Images[0]
	}
	return it, nil
}

// Package listing looks up item metadata from the marketplace listing service.
// The chat core uses it for display only: a failed lookup never fails a chat operation.
package listing

import (
	"context"
	"errors"
)

var (
	// ErrItemNotFound is returned when the listing service has no such item.
	ErrItemNotFound = errors.New("listing: item not found")
	// ErrUnavailable is returned when the listing service cannot be reached or
	// the circuit breaker is open.
	ErrUnavailable = errors.New("listing: unavailable")
)

// Item is the display metadata of a listed item.
type Item struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	SellerID  string  `json:"seller_id,omitempty"`
}

// Catalog resolves item metadata.
type Catalog interface {
	Lookup(ctx context.Context, itemID string) (Item, error)
}

// NopCatalog knows no items.
type NopCatalog struct{}

func (NopCatalog) Lookup(context.Context, string) (Item, error) { return Item{}, ErrItemNotFound }

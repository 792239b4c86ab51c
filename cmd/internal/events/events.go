// Package events publishes chat domain events for downstream consumers
// (notifications, analytics). Consumers live outside this repository.
package events

import (
	"context"
	"time"
)

// TypeMessageSent is the event type of MessageSent.
const TypeMessageSent = "chat.message_sent"

// MessageSent is emitted once per newly persisted message.
type MessageSent struct {
	Type        string    `json:"type"`
	MessageID   string    `json:"message_id"`
	ItemID      string    `json:"item_id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
}

// Publisher publishes domain events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishMessageSent(ctx context.Context, ev MessageSent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishMessageSent(context.Context, MessageSent) error { return nil }
func (NopPublisher) Close() error { return nil }

package conversation

import (
	"fmt"
	"strings"
)

const maxIDLen = 128

// Key identifies a conversation: one buyer talking to one seller about one item.
// It is a comparable value and can be used as a map key.
type Key struct {
	ItemID   string
	BuyerID  string
	SellerID string
}

// NewKey builds a Key with surrounding whitespace removed from every component.
func NewKey(itemID, buyerID, sellerID string) Key {
	return Key{
		ItemID:   strings.TrimSpace(itemID),
		BuyerID:  strings.TrimSpace(buyerID),
		SellerID: strings.TrimSpace(sellerID),
	}
}

// Validate reports a validation error when a component is blank or too long, or
// when buyer and seller are the same user.
func (k Key) Validate() error {
	const op = "conversation.Key"
	for _, f := range []struct{ name, v string }{
		{"item_id", k.ItemID},
		{"buyer_id", k.BuyerID},
		{"seller_id", k.SellerID},
	} {
		if strings.TrimSpace(f.v) == "" {
			return validation(op, "missing "+f.name)
		}
		if len(f.v) > maxIDLen {
			return validation(op, f.name+" too long")
		}
	}
	if k.BuyerID == k.SellerID {
		return validation(op, "buyer and seller must differ")
	}
	return nil
}

// HasParticipant reports whether userID is the buyer or the seller.
func (k Key) HasParticipant(userID string) bool {
	return userID != "" && (userID == k.BuyerID || userID == k.SellerID)
}

// Counterpart returns the other participant, or "" when userID is not a participant.
func (k Key) Counterpart(userID string) string {
	switch userID {
	case "":
		return ""
	case k.BuyerID:
		return k.SellerID
	case k.SellerID:
		return k.BuyerID
	default:
		return ""
	}
}

// String is a collision-free rendering for logs, lock names and event keys.
// Each component is length-prefixed so ids containing separators stay unambiguous.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s|%d:%s|%d:%s",
		len(k.ItemID), k.ItemID,
		len(k.BuyerID), k.BuyerID,
		len(k.SellerID), k.SellerID,
	)
}

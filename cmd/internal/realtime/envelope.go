package realtime

import (
	"encoding/json"
	"time"

	"agora/cmd/identity/ids"
	"agora/cmd/internal/conversation"
	v1 "agora/shared/contracts/realtime/v1"
)

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()

	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: raw,
	}, nil
}

func keyFromWire(k v1.ConversationKey) conversation.Key {
	return conversation.NewKey(k.ItemID, k.BuyerID, k.SellerID)
}

func keyToWire(k conversation.Key) v1.ConversationKey {
	return v1.ConversationKey{ItemID: k.ItemID, BuyerID: k.BuyerID, SellerID: k.SellerID}
}

// MessageToWire converts a stored message to its protocol representation.
func MessageToWire(m conversation.Message) v1.Message {
	return v1.Message{
		ID:          m.ID,
		Key:         keyToWire(m.Key),
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Body:        m.Body,
		SentAt:      m.SentAt.UTC(),
		ClientMsgID: m.ClientMsgID,
	}
}

func messagesToWire(msgs []conversation.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageToWire(m))
	}
	return out
}

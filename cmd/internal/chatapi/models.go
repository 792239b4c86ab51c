package chatapi

import (
	"time"

	"agora/cmd/internal/conversation"
	"agora/cmd/internal/listing"
	"agora/cmd/internal/realtime"
	v1 "agora/shared/contracts/realtime/v1"
)

type conversationRequest struct {
	ItemID   string `json:"item_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
}

type sendRequest struct {
	ItemID      string `json:"item_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	SenderID    string `json:"sender_id"`
	Body        string `json:"body"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type conversationResponse struct {
	ID           string             `json:"id"`
	Key          v1.ConversationKey `json:"key"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	MessageCount int64              `json:"message_count"`
}

type historyResponse struct {
	Key      v1.ConversationKey `json:"key"`
	Messages []v1.Message       `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

type sendResponse struct {
	Message    v1.Message `json:"message"`
	Duplicated bool       `json:"duplicated,omitempty"`
}

type summaryResponse struct {
	Key           v1.ConversationKey `json:"key"`
	MessageCount  int64              `json:"message_count"`
	LastMessage   *v1.Message        `json:"last_message"`
	LastMessageAt *time.Time         `json:"last_message_at"`
	Item          *listing.Item      `json:"item,omitempty"`
}

type inboxResponse struct {
	Conversations []summaryResponse `json:"conversations"`
}

func wireKey(k conversation.Key) v1.ConversationKey {
	return v1.ConversationKey{ItemID: k.ItemID, BuyerID: k.BuyerID, SellerID: k.SellerID}
}

func toConversationResponse(c conversation.Conversation) conversationResponse {
	return conversationResponse{
		ID:           c.ID,
		Key:          wireKey(c.Key),
		CreatedAt:    c.CreatedAt.UTC(),
		UpdatedAt:    c.UpdatedAt.UTC(),
		MessageCount: c.MessageCount,
	}
}

func toSummaryResponse(s conversation.Summary) summaryResponse {
	out := summaryResponse{
		Key:          wireKey(s.Conversation.Key),
		MessageCount: s.Conversation.MessageCount,
	}
	if s.LastMessage != nil {
		m := realtime.MessageToWire(*s.LastMessage)
		at := m.SentAt
		out.LastMessage = &m
		out.LastMessageAt = &at
	}
	return out
}

func toWireMessages(msgs []conversation.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, realtime.MessageToWire(m))
	}
	return out
}

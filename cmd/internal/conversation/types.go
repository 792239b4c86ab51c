package conversation

import (
	"context"
	"time"
)

// Limits shared by every store.
const (
	// MaxBodyChars caps a message body (runes).
	MaxBodyChars = 4000
	// MaxClientMsgIDLen caps the idempotency token length (bytes).
	MaxClientMsgIDLen = 64
)

// Message is an immutable entry of a conversation log.
type Message struct {
	ID          string
	Key         Key
	Seq         int64
	SenderID    string
	Body        string
	SentAt      time.Time
	ClientMsgID string
}

// Conversation is the persistent record for one Key. ID is a storage surrogate.
type Conversation struct {
	ID           string
	Key          Key
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int64
}

// Summary is one inbox entry. LastMessage is nil for conversations without messages.
type Summary struct {
	Conversation Conversation
	LastMessage  *Message
}

// LastMessageAt returns the sent time of the last message, or the zero time.
func (s Summary) LastMessageAt() time.Time {
	if s.LastMessage == nil {
		return time.Time{}
	}
	return s.LastMessage.SentAt
}

// Store persists conversations and their messages.
//
// Requirements:
//   - at most one conversation per Key, created lazily by Append or GetOrCreate
//   - Seq is 1-based and gapless per conversation; SentAt never decreases
//   - idempotency per (conversation, ClientMsgID) when ClientMsgID is set
//   - History ordered by Seq ascending
type Store interface {
	GetOrCreate(ctx context.Context, key Key) (Conversation, error)
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
	ListByParticipant(ctx context.Context, userID string) ([]Summary, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	Key         Key
	SenderID    string
	Body        string
	ClientMsgID string
	Now         time.Time
}

// AppendResult is the append outcome. Duplicated is set when ClientMsgID matched
// an existing message; Message is then the original.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// HistoryInput describes a history query. Limit <= 0 returns the whole log.
type HistoryInput struct {
	Key      Key
	AfterSeq *int64
	Limit    int
}

// HistoryResult contains the retrieved history window.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

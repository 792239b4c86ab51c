package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"agora/cmd/identity/ids"
)

// MemoryStore is the dev/test Store used when no database is configured.
// A single mutex serializes every operation, which trivially keeps appends on
// the same key ordered.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[Key]*memConv
}

type memConv struct {
	conv   Conversation
	msgs   []Message      // ordered by seq
	dedupe map[string]int // client_msg_id -> index into msgs
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[Key]*memConv)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// GetOrCreate returns the conversation for key, creating it on first use.
func (s *MemoryStore) GetOrCreate(ctx context.Context, key Key) (Conversation, error) {
	const op = "conversation.GetOrCreate"
	key, err := normalizeKey(op, key)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, storageFailure(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getOrCreateLocked(key, time.Now().UTC())
	if err != nil {
		return Conversation{}, storageFailure(op, err)
	}
	return c.conv, nil
}

func (s *MemoryStore) getOrCreateLocked(key Key, now time.Time) (*memConv, error) {
	if c, ok := s.convs[key]; ok {
		return c, nil
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return nil, err
	}
	c := &memConv{
		conv:   Conversation{ID: id, Key: key, CreatedAt: now, UpdatedAt: now},
		dedupe: make(map[string]int),
	}
	s.convs[key] = c
	return c, nil
}

// Append validates and appends a message, creating the conversation if needed.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "conversation.Append"
	in, err := normalizeAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, storageFailure(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getOrCreateLocked(in.Key, in.Now)
	if err != nil {
		return AppendResult{}, storageFailure(op, err)
	}
	if in.ClientMsgID != "" {
		if i, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: c.msgs[i], Duplicated: true}, nil
		}
	}

	sentAt := in.Now
	if n := len(c.msgs); n > 0 {
		sentAt = nextSentAt(c.msgs[n-1].SentAt, in.Now)
	}
	id, err := ids.NewULID(sentAt)
	if err != nil {
		return AppendResult{}, storageFailure(op, err)
	}

	msg := Message{
		ID:          id,
		Key:         in.Key,
		Seq:         int64(len(c.msgs)) + 1,
		SenderID:    in.SenderID,
		Body:        in.Body,
		SentAt:      sentAt,
		ClientMsgID: in.ClientMsgID,
	}
	c.msgs = append(c.msgs, msg)
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = len(c.msgs) - 1
	}
	c.conv.UpdatedAt = sentAt
	c.conv.MessageCount = int64(len(c.msgs))

	return AppendResult{Message: msg}, nil
}

// History returns messages ordered by seq with optional paging.
func (s *MemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	const op = "conversation.History"
	key, err := normalizeKey(op, in.Key)
	if err != nil {
		return HistoryResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, storageFailure(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return HistoryResult{}, notFound(op)
	}
	return window(c.msgs, in.AfterSeq, in.Limit), nil
}

// ListByParticipant returns the inbox of userID.
func (s *MemoryStore) ListByParticipant(ctx context.Context, userID string) ([]Summary, error) {
	const op = "conversation.ListByParticipant"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validation(op, "missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, storageFailure(op, err)
	}

	s.mu.Lock()
	out := make([]Summary, 0, 8)
	for key, c := range s.convs {
		if !key.HasParticipant(userID) {
			continue
		}
		sum := Summary{Conversation: c.conv}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	s.mu.Unlock()

	sortSummaries(out)
	return out, nil
}

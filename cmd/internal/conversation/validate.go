package conversation

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// normalizeAppend validates in and returns it with trimmed ids and a UTC Now.
func normalizeAppend(in AppendInput) (AppendInput, error) {
	const op = "conversation.Append"

	key, err := normalizeKey(op, in.Key)
	if err != nil {
		return AppendInput{}, err
	}
	in.Key = key
	in.SenderID = strings.TrimSpace(in.SenderID)
	if in.SenderID == "" {
		return AppendInput{}, validation(op, "missing sender_id")
	}
	if !in.Key.HasParticipant(in.SenderID) {
		return AppendInput{}, validation(op, "sender is not a participant of the conversation")
	}
	// The body is stored exactly as sent; whitespace only decides emptiness.
	if strings.TrimSpace(in.Body) == "" {
		return AppendInput{}, validation(op, "empty message body")
	}
	if !utf8.ValidString(in.Body) {
		return AppendInput{}, validation(op, "message body is not valid utf-8")
	}
	if strings.ContainsRune(in.Body, 0) {
		return AppendInput{}, validation(op, "message body contains a NUL character")
	}
	if utf8.RuneCountInString(in.Body) > MaxBodyChars {
		return AppendInput{}, validation(op, "message body too long")
	}
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	if len(in.ClientMsgID) > MaxClientMsgIDLen {
		return AppendInput{}, validation(op, "client_msg_id too long")
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	in.Now = in.Now.UTC()
	return in, nil
}

func normalizeKey(op string, key Key) (Key, error) {
	key = NewKey(key.ItemID, key.BuyerID, key.SellerID)
	if err := key.Validate(); err != nil {
		if oe, ok := err.(OpError); ok {
			oe.Op = op
			return Key{}, oe
		}
		return Key{}, err
	}
	return key, nil
}

// nextSentAt keeps SentAt non-decreasing when the wall clock steps back.
func nextSentAt(last, now time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}

// sortSummaries orders an inbox: most recent message first, empty conversations
// last (newest first), conversation id as the final tie-break.
func sortSummaries(out []Summary) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.LastMessage != nil && b.LastMessage == nil:
			return true
		case a.LastMessage == nil && b.LastMessage != nil:
			return false
		case a.LastMessage != nil && b.LastMessage != nil && !a.LastMessage.SentAt.Equal(b.LastMessage.SentAt):
			return a.LastMessage.SentAt.After(b.LastMessage.SentAt)
		case a.LastMessage == nil && !a.Conversation.CreatedAt.Equal(b.Conversation.CreatedAt):
			return a.Conversation.CreatedAt.After(b.Conversation.CreatedAt)
		default:
			return a.Conversation.ID > b.Conversation.ID
		}
	})
}

// window applies AfterSeq/Limit paging to a seq-ordered log.
func window(msgs []Message, afterSeq *int64, limit int) HistoryResult {
	start := 0
	if afterSeq != nil {
		after := *afterSeq
		start = sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq > after })
	}
	rest := msgs[start:]
	hasMore := false
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
		hasMore = true
	}
	out := make([]Message, len(rest))
	copy(out, rest)
	return HistoryResult{Messages: out, HasMore: hasMore}
}

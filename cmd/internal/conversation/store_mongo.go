package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"agora/cmd/identity/ids"
)

const (
	mongoCollection     = "conversations"
	mongoAppendAttempts = 16
)

// MongoStore is a Store backed by MongoDB. Each conversation is one document
// with its messages embedded in order.
//
// Appends are a compare-and-swap on the document's seq counter: the push only
// matches while seq still equals the value read, so concurrent writers retry
// instead of interleaving.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

type mongoConversation struct {
	ID         string         `bson:"_id"`
	ItemID     string         `bson:"item_id"`
	BuyerID    string         `bson:"buyer_id"`
	SellerID   string         `bson:"seller_id"`
	Seq        int64          `bson:"seq"`
	LastSentAt *time.Time     `bson:"last_sent_at,omitempty"`
	Messages   []mongoMessage `bson:"messages,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

type mongoMessage struct {
	ID          string    `bson:"id"`
	Seq         int64     `bson:"seq"`
	SenderID    string    `bson:"sender_id"`
	Body        string    `bson:"body"`
	SentAt      time.Time `bson:"sent_at"`
	ClientMsgID string    `bson:"client_msg_id,omitempty"`
}

// NewMongoStore constructs a Store over db's "conversations" collection.
// The caller owns the client; Close is a no-op.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("conversation: nil mongo database")
	}
	return &MongoStore{coll: db.Collection(mongoCollection)}, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// EnsureIndexes creates the unique key index and the participant lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "item_id", Value: 1}, {Key: "buyer_id", Value: 1}, {Key: "seller_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_conversations_key"),
		},
		{
			Keys:    bson.D{{Key: "buyer_id", Value: 1}},
			Options: options.Index().SetName("idx_conversations_buyer"),
		},
		{
			Keys:    bson.D{{Key: "seller_id", Value: 1}},
			Options: options.Index().SetName("idx_conversations_seller"),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation: ensure indexes: %w", err)
	}
	return nil
}

// GetOrCreate returns the conversation for key, creating it on first use.
func (s *MongoStore) GetOrCreate(ctx context.Context, key Key) (Conversation, error) {
	const op = "conversation.GetOrCreate"
	key, err := normalizeKey(op, key)
	if err != nil {
		return Conversation{}, err
	}
	doc, err := s.upsert(ctx, key, time.Now().UTC())
	if err != nil {
		return Conversation{}, storageFailure(op, err)
	}
	return doc.conversation(), nil
}

func keyFilter(key Key) bson.M {
	return bson.M{"item_id": key.ItemID, "buyer_id": key.BuyerID, "seller_id": key.SellerID}
}

// upsert finds or creates the conversation document without its messages.
func (s *MongoStore) upsert(ctx context.Context, key Key, now time.Time) (mongoConversation, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return mongoConversation{}, err
	}
	now = now.Truncate(time.Millisecond)

	update := bson.M{"$setOnInsert": bson.M{
		"_id":        id,
		"seq":        int64(0),
		"messages":   bson.A{},
		"created_at": now,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"messages": 0})

	var doc mongoConversation
	err = s.coll.FindOneAndUpdate(ctx, keyFilter(key), update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent upsert won the unique index; read its document.
		err = s.coll.FindOne(ctx, keyFilter(key), options.FindOne().SetProjection(bson.M{"messages": 0})).Decode(&doc)
	}
	if err != nil {
		return mongoConversation{}, err
	}
	return doc, nil
}

// Append appends a message with idempotency and gapless sequence allocation.
func (s *MongoStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "conversation.Append"
	in, err := normalizeAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	// BSON datetimes keep milliseconds; return exactly what History will read back.
	in.Now = in.Now.Truncate(time.Millisecond)

	for attempt := 0; attempt < mongoAppendAttempts; attempt++ {
		res, ok, err := s.tryAppend(ctx, in)
		if err != nil {
			return AppendResult{}, storageFailure(op, err)
		}
		if ok {
			return res, nil
		}
	}
	return AppendResult{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "storage unavailable", Err: errors.New("append contention")}
}

// tryAppend reports ok=false when another writer advanced seq first.
func (s *MongoStore) tryAppend(ctx context.Context, in AppendInput) (AppendResult, bool, error) {
	doc, err := s.upsert(ctx, in.Key, in.Now)
	if err != nil {
		return AppendResult{}, false, err
	}

	if in.ClientMsgID != "" {
		existing, err := s.findByClientMsgID(ctx, doc.ID, in.ClientMsgID)
		if err == nil {
			return AppendResult{Message: existing.message(in.Key), Duplicated: true}, true, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return AppendResult{}, false, err
		}
	}

	sentAt := in.Now
	if doc.LastSentAt != nil {
		sentAt = nextSentAt(doc.LastSentAt.UTC(), in.Now)
	}
	msgID, err := ids.NewULID(sentAt)
	if err != nil {
		return AppendResult{}, false, err
	}
	msg := mongoMessage{
		ID:          msgID,
		Seq:         doc.Seq + 1,
		SenderID:    in.SenderID,
		Body:        in.Body,
		SentAt:      sentAt,
		ClientMsgID: in.ClientMsgID,
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "seq": doc.Seq},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$set":  bson.M{"seq": msg.Seq, "last_sent_at": sentAt, "updated_at": sentAt},
		},
	)
	if err != nil {
		return AppendResult{}, false, err
	}
	if res.MatchedCount == 0 {
		return AppendResult{}, false, nil
	}
	return AppendResult{Message: msg.message(in.Key)}, true, nil
}

func (s *MongoStore) findByClientMsgID(ctx context.Context, convID, clientMsgID string) (mongoMessage, error) {
	var doc mongoConversation
	err := s.coll.FindOne(ctx,
		bson.M{"_id": convID, "messages.client_msg_id": clientMsgID},
		options.FindOne().SetProjection(bson.M{"messages.$": 1}),
	).Decode(&doc)
	if err != nil {
		return mongoMessage{}, err
	}
	if len(doc.Messages) == 0 {
		return mongoMessage{}, mongo.ErrNoDocuments
	}
	return doc.Messages[0], nil
}

// History returns messages ordered by seq with optional paging.
func (s *MongoStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	const op = "conversation.History"
	key, err := normalizeKey(op, in.Key)
	if err != nil {
		return HistoryResult{}, err
	}

	var doc mongoConversation
	err = s.coll.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return HistoryResult{}, notFound(op)
	}
	if err != nil {
		return HistoryResult{}, storageFailure(op, err)
	}

	msgs := make([]Message, len(doc.Messages))
	for i, m := range doc.Messages {
		msgs[i] = m.message(key)
	}
	return window(msgs, in.AfterSeq, in.Limit), nil
}

// ListByParticipant returns the inbox of userID with each conversation's last message.
func (s *MongoStore) ListByParticipant(ctx context.Context, userID string) ([]Summary, error) {
	const op = "conversation.ListByParticipant"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validation(op, "missing user_id")
	}

	cur, err := s.coll.Find(ctx,
		bson.M{"$or": bson.A{bson.M{"buyer_id": userID}, bson.M{"seller_id": userID}}},
		options.Find().SetProjection(bson.M{"messages": bson.M{"$slice": -1}}),
	)
	if err != nil {
		return nil, storageFailure(op, err)
	}
	defer cur.Close(ctx)

	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storageFailure(op, err)
	}

	out := make([]Summary, 0, len(docs))
	for _, d := range docs {
		sum := Summary{Conversation: d.conversation()}
		if n := len(d.Messages); n > 0 {
			last := d.Messages[n-1].message(sum.Conversation.Key)
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sortSummaries(out)
	return out, nil
}

func (d mongoConversation) conversation() Conversation {
	return Conversation{
		ID:           d.ID,
		Key:          Key{ItemID: d.ItemID, BuyerID: d.BuyerID, SellerID: d.SellerID},
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
		MessageCount: d.Seq,
	}
}

func (m mongoMessage) message(key Key) Message {
	return Message{
		ID:          m.ID,
		Key:         key,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Body:        m.Body,
		SentAt:      m.SentAt.UTC(),
		ClientMsgID: m.ClientMsgID,
	}
}

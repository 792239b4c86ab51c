package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock, so seq
//     allocation has no gaps and sent_at never goes backwards.
//   - Conversation creation relies on the unique (item_id, buyer_id, seller_id)
//     constraint with ON CONFLICT DO NOTHING.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "agora").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("conversation: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("conversation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "agora",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the schema this store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

// EnsureSchema creates the schema, tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  item_id      TEXT NOT NULL,
  buyer_id     TEXT NOT NULL,
  seller_id    TEXT NOT NULL,
  next_seq     BIGINT NOT NULL DEFAULT 1,
  last_sent_at TIMESTAMPTZ,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_key UNIQUE (item_id, buyer_id, seller_id),
  CONSTRAINT chk_conversations_distinct_parties CHECK (buyer_id <> seller_id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_buyer  ON %s (buyer_id);
CREATE INDEX IF NOT EXISTS idx_conversations_seller ON %s (seller_id);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  id              TEXT NOT NULL,
  client_msg_id   TEXT,
  sender_id       TEXT NOT NULL,
  body            TEXT NOT NULL,
  sent_at         TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT chk_messages_body_len CHECK (char_length(body) > 0 AND char_length(body) <= %d)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_client_msg
  ON %s (conversation_id, client_msg_id) WHERE client_msg_id IS NOT NULL;
`,
		pgx.Identifier{s.schema}.Sanitize(),
		conversations, conversations, conversations,
		messages, conversations, MaxBodyChars,
		messages,
	)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("conversation: ensure schema: %w", err)
	}
	return nil
}

// GetOrCreate returns the conversation for key, creating it on first use.
func (s *PostgresStore) GetOrCreate(ctx context.Context, key Key) (Conversation, error) {
	const op = "conversation.GetOrCreate"
	key, err := normalizeKey(op, key)
	if err != nil {
		return Conversation{}, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, storageFailure(op, err)
	}

	conversations := pgIdent(s.schema, "conversations")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, item_id, buyer_id, seller_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (item_id, buyer_id, seller_id) DO NOTHING`,
		id, key.ItemID, key.BuyerID, key.SellerID, now,
	); err != nil {
		return Conversation{}, storageFailure(op, err)
	}

	c, err := readConversation(ctx, s.pool, conversations, key)
	if err != nil {
		return Conversation{}, storageFailure(op, err)
	}
	return c.Conversation, nil
}

// Append appends a message with idempotency and gapless sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "conversation.Append"
	in, err := normalizeAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	res, err := s.append(ctx, in)
	if err != nil {
		return AppendResult{}, storageFailure(op, err)
	}
	return res, nil
}

func (s *PostgresStore) append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	// timestamptz keeps microseconds; return exactly what History will read back.
	in.Now = in.Now.Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	// Serialize writers of the same conversation for the rest of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.Key.String()); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	convID, err := ids.NewULID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, item_id, buyer_id, seller_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (item_id, buyer_id, seller_id) DO NOTHING`,
		convID, in.Key.ItemID, in.Key.BuyerID, in.Key.SellerID, in.Now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert conversation: %w", err)
	}

	conv, err := readConversation(ctx, tx, conversations, in.Key)
	if err != nil {
		return AppendResult{}, fmt.Errorf("read conversation: %w", err)
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, conv.ID, in.ClientMsgID)
		if err == nil {
			existing.Key = in.Key
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	sentAt := in.Now
	if conv.lastSentAt != nil {
		sentAt = nextSentAt(conv.lastSentAt.UTC(), in.Now)
	}
	msgID, err := ids.NewULID(sentAt)
	if err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET next_seq = next_seq + 1,
		        last_sent_at = $2,
		        updated_at = $2
		  WHERE id = $1
		RETURNING (next_seq - 1)`,
		conv.ID, sentAt,
	).Scan(&seq); err != nil {
		return AppendResult{}, fmt.Errorf("allocate seq: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (conversation_id, seq, id, client_msg_id, sender_id, body, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conv.ID, seq, msgID, nullIfEmpty(in.ClientMsgID), in.SenderID, in.Body, sentAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: Message{
		ID:          msgID,
		Key:         in.Key,
		Seq:         seq,
		SenderID:    in.SenderID,
		Body:        in.Body,
		SentAt:      sentAt,
		ClientMsgID: in.ClientMsgID,
	}}, nil
}

// History returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	const op = "conversation.History"
	key, err := normalizeKey(op, in.Key)
	if err != nil {
		return HistoryResult{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	conv, err := readConversation(ctx, s.pool, conversations, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return HistoryResult{}, notFound(op)
	}
	if err != nil {
		return HistoryResult{}, storageFailure(op, err)
	}

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}
	// LIMIT NULL means no limit.
	var fetch *int
	if in.Limit > 0 {
		n := in.Limit + 1
		fetch = &n
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, client_msg_id, sender_id, body, sent_at
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		conv.ID, after, fetch,
	)
	if err != nil {
		return HistoryResult{}, storageFailure(op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return HistoryResult{}, storageFailure(op, err)
		}
		m.Key = key
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, storageFailure(op, err)
	}

	hasMore := in.Limit > 0 && len(msgs) > in.Limit
	if hasMore {
		msgs = msgs[:in.Limit]
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// ListByParticipant returns the inbox of userID with each conversation's last message.
func (s *PostgresStore) ListByParticipant(ctx context.Context, userID string) ([]Summary, error) {
	const op = "conversation.ListByParticipant"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validation(op, "missing user_id")
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.item_id, c.buyer_id, c.seller_id, c.created_at, c.updated_at, c.next_seq - 1,
		        m.id, m.seq, m.client_msg_id, m.sender_id, m.body, m.sent_at
		   FROM `+conversations+` c
		   LEFT JOIN LATERAL (
		        SELECT id, seq, client_msg_id, sender_id, body, sent_at
		          FROM `+messages+`
		         WHERE conversation_id = c.id
		         ORDER BY seq DESC
		         LIMIT 1
		   ) m ON true
		  WHERE c.buyer_id = $1 OR c.seller_id = $1`,
		userID,
	)
	if err != nil {
		return nil, storageFailure(op, err)
	}
	defer rows.Close()

	out := make([]Summary, 0, 16)
	for rows.Next() {
		var (
			c                                Conversation
			msgID, clientMsgID, sender, body *string
			seq                              *int64
			sentAt                           *time.Time
		)
		if err := rows.Scan(
			&c.ID, &c.Key.ItemID, &c.Key.BuyerID, &c.Key.SellerID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount,
			&msgID, &seq, &clientMsgID, &sender, &body, &sentAt,
		); err != nil {
			return nil, storageFailure(op, err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		sum := Summary{Conversation: c}
		if msgID != nil {
			sum.LastMessage = &Message{
				ID:          *msgID,
				Key:         c.Key,
				Seq:         derefInt64(seq),
				SenderID:    derefString(sender),
				Body:        derefString(body),
				SentAt:      derefTime(sentAt).UTC(),
				ClientMsgID: derefString(clientMsgID),
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(op, err)
	}

	sortSummaries(out)
	return out, nil
}

// queryRower is satisfied by *pgxpool.Pool and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgConversation struct {
	Conversation
	lastSentAt *time.Time
}

func readConversation(ctx context.Context, q queryRower, table string, key Key) (pgConversation, error) {
	var c pgConversation
	err := q.QueryRow(ctx,
		`SELECT id, created_at, updated_at, next_seq - 1, last_sent_at
		   FROM `+table+`
		  WHERE item_id = $1 AND buyer_id = $2 AND seller_id = $3`,
		key.ItemID, key.BuyerID, key.SellerID,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &c.lastSentAt)
	if err != nil {
		return pgConversation{}, err
	}
	c.Key = key
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, table, conversationID, clientMsgID string) (Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, seq, client_msg_id, sender_id, body, sent_at
		   FROM `+table+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m           Message
		clientMsgID *string
	)
	if err := row.Scan(&m.ID, &m.Seq, &clientMsgID, &m.SenderID, &m.Body, &m.SentAt); err != nil {
		return Message{}, err
	}
	m.ClientMsgID = derefString(clientMsgID)
	m.SentAt = m.SentAt.UTC()
	return m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

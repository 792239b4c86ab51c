package conversation

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/identity/ids"
)

// Integration tests are enabled when AGORA_DATABASE_URL is set.
// This keeps local "go test ./..." fast and deterministic without requiring Postgres.

func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) Store {
		schema := "agora_it_" + strings.ToLower(ids.MustULID(time.Now()))
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })
		return mustNewPostgresStore(t, pool, schema)
	})
}

func TestPostgresStore_EnsureSchemaIsIdempotent(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "agora_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st := mustNewPostgresStore(t, pool, schema)
	if err := st.EnsureSchema(testCtx(t)); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}

func TestPostgresStore_DuplicateDoesNotWasteSeq(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "agora_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	st := mustNewPostgresStore(t, pool, schema)

	key := uniqueKey(t)
	for i := 0; i < 3; i++ {
		if _, err := st.Append(testCtx(t), AppendInput{Key: key, SenderID: key.BuyerID, Body: "same", ClientMsgID: "retry"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var nextSeq int64
	if err := pool.QueryRow(testCtx(t),
		`SELECT next_seq FROM `+pgIdent(schema, "conversations")+` WHERE item_id = $1`, key.ItemID,
	).Scan(&nextSeq); err != nil {
		t.Fatalf("read next_seq: %v", err)
	}
	if nextSeq != 2 {
		t.Fatalf("next_seq=%d want 2", nextSeq)
	}
}

func TestWithSchemaRejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", " ", "1abc", "a-b", `a"; DROP TABLE x; --`} {
		st := &PostgresStore{}
		if err := WithSchema(bad)(st); err == nil {
			t.Fatalf("WithSchema(%q) accepted", bad)
		}
	}
	st := &PostgresStore{}
	if err := WithSchema("agora_test")(st); err != nil || st.schema != "agora_test" {
		t.Fatalf("WithSchema valid: err=%v schema=%q", err, st.schema)
	}
}

// ---- test helpers ----

func mustNewPostgresStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	if err := st.EnsureSchema(testCtx(t)); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("AGORA_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: AGORA_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse AGORA_DATABASE_URL: %v", err)
	}
	cfg.MaxConns = 16

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

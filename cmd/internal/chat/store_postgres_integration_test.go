package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when QUAD_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Conformance(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreConformance(t, func(t *testing.T) Store {
		t.Helper()

		schema := mustCreateTestSchema(t, pool)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })
		mustApplySchema(t, pool, schema)

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return st
	})
}

func TestPostgresStore_DuplicateAppend_SingleRow(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c, err := st.ResolveOrCreateChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	clientMsgID := "cm-" + testRandomHex(8)
	for i := 0; i < 3; i++ {
		if _, err := st.AppendMessage(ctx, AppendInput{
			ChatID: c.ID, Sender: "alice", ClientMsgID: clientMsgID, Text: "hello",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var n int64
	if err := pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(schema, "messages")+` WHERE chat_id = $1`,
		c.ID,
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message row, got %d", n)
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("QUAD_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: QUAD_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse QUAD_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	conn, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	conn.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "quad_it_" + testRandomHex(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	chats := pgIdent(schema, "chats")
	cursors := pgIdent(schema, "chat_cursors")
	messages := pgIdent(schema, "messages")
	markers := pgIdent(schema, "read_markers")

	// Minimal schema required by PostgresStore.
	// Must remain semantically aligned with db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  participant_a TEXT NOT NULL,
  participant_b TEXT NOT NULL,
  pair_key      TEXT NOT NULL UNIQUE,
  created_at    TIMESTAMPTZ NOT NULL,
  last_text     TEXT,
  last_sender   TEXT,
  last_seq      BIGINT,
  last_ts       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %s (
  chat_id    TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
  next_seq   BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id            TEXT NOT NULL UNIQUE,
  chat_id       TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq           BIGINT NOT NULL,
  client_msg_id TEXT NOT NULL,
  sender        TEXT NOT NULL,
  text          TEXT NOT NULL,
  deleted       BOOLEAN NOT NULL DEFAULT FALSE,
  server_ts     TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (chat_id, seq),
  UNIQUE (chat_id, client_msg_id)
);

CREATE TABLE IF NOT EXISTS %s (
  chat_id     TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  account_id  TEXT NOT NULL,
  through_seq BIGINT NOT NULL DEFAULT 0,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (chat_id, account_id)
);
`, chats, cursors, chats, messages, chats, markers, chats)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func testRandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

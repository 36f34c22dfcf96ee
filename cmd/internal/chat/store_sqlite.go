package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by an embedded SQLite database. It lets a
// single-node deployment run durable without Postgres.
//
// Writes are serialized by a store-wide mutex; SQLite serializes writers
// anyway, and the mutex keeps seq allocation and projection updates atomic
// with respect to readers in this process.
type SQLiteStore struct {
	db *sql.DB

	// wmu serializes write transactions.
	wmu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
  id            TEXT PRIMARY KEY,
  participant_a TEXT NOT NULL,
  participant_b TEXT NOT NULL,
  pair_key      TEXT NOT NULL UNIQUE,
  last_text     TEXT,
  last_sender   TEXT,
  last_seq      INTEGER,
  last_ts       INTEGER,
  created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_cursors (
  chat_id  TEXT PRIMARY KEY,
  next_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id            TEXT NOT NULL UNIQUE,
  chat_id       TEXT NOT NULL,
  seq           INTEGER NOT NULL,
  client_msg_id TEXT NOT NULL,
  sender        TEXT NOT NULL,
  text          TEXT NOT NULL,
  deleted       INTEGER NOT NULL DEFAULT 0,
  server_ts     INTEGER NOT NULL,
  PRIMARY KEY (chat_id, seq),
  UNIQUE (chat_id, client_msg_id)
);

CREATE TABLE IF NOT EXISTS read_markers (
  chat_id     TEXT NOT NULL,
  account_id  TEXT NOT NULL,
  through_seq INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (chat_id, account_id)
);
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("chat: empty sqlite path")
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// A single connection avoids SQLITE_BUSY between pooled connections and
	// keeps the in-memory mode coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ResolveOrCreateChat finds or creates the unique chat for an account pair.
func (s *SQLiteStore) ResolveOrCreateChat(ctx context.Context, requester, target string) (Chat, error) {
	requester, target, err := validatePair(requester, target)
	if err != nil {
		return Chat{}, err
	}

	now := time.Now().UTC()
	id, err := NewChatID(now)
	if err != nil {
		return Chat{}, err
	}

	lo, hi := CanonicalPair(requester, target)
	key := PairKey(requester, target)

	s.wmu.Lock()
	defer s.wmu.Unlock()

	// INSERT OR IGNORE + read-back resolves concurrent creators to one row.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (id, participant_a, participant_b, pair_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, lo, hi, key, now.UnixNano(),
	); err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}

	return s.scanChat(ctx, `WHERE pair_key = ?`, key)
}

// GetChat returns the chat with its last-message projection.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if chatID == "" {
		return Chat{}, ErrChatNotFound
	}
	return s.scanChat(ctx, `WHERE id = ?`, chatID)
}

func (s *SQLiteStore) scanChat(ctx context.Context, where string, arg any) (Chat, error) {
	var (
		c          Chat
		createdAt  int64
		lastText   sql.NullString
		lastSender sql.NullString
		lastSeq    sql.NullInt64
		lastTS     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, created_at,
		        last_text, last_sender, last_seq, last_ts
		   FROM chats `+where,
		arg,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &createdAt,
		&lastText, &lastSender, &lastSeq, &lastTS)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, err
	}

	c.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastSeq.Valid {
		c.LastMessage = &LastMessage{
			Text:   lastText.String,
			Sender: lastSender.String,
			Seq:    lastSeq.Int64,
			TS:     time.Unix(0, lastTS.Int64).UTC(),
		}
	}
	return c, nil
}

// DeleteChat removes a chat and cascades messages, cursor, and markers.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID, requester string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := sqliteParticipants(ctx, tx, chatID, requester); err != nil {
		return err
	}

	for _, q := range []string{
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM chat_cursors WHERE chat_id = ?`,
		`DELETE FROM read_markers WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// IsParticipant reports whether accountID is a participant of chatID.
func (s *SQLiteStore) IsParticipant(ctx context.Context, chatID, accountID string) (bool, error) {
	if chatID == "" || accountID == "" {
		return false, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chats WHERE id = ? AND (participant_a = ? OR participant_b = ?)`,
		chatID, accountID, accountID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendMessage appends a message with idempotency, monotonic sequence
// allocation, and the projection update in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	in, err := normalizeAppend(in)
	if err != nil {
		return AppendResult{}, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := sqliteParticipants(ctx, tx, in.ChatID, in.Sender); err != nil {
		return AppendResult{}, err
	}

	existing, err := sqliteMessageByClientMsgID(ctx, tx, in.ChatID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Message: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_cursors (chat_id, next_seq) VALUES (?, 1)`,
		in.ChatID,
	); err != nil {
		return AppendResult{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_cursors SET next_seq = next_seq + 1 WHERE chat_id = ?`,
		in.ChatID,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq - 1 FROM chat_cursors WHERE chat_id = ?`,
		in.ChatID,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	msgID, err := NewMessageID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		msgID, in.ChatID, seq, in.ClientMsgID, in.Sender, in.Text, in.Now.UnixNano(),
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_text = ?, last_sender = ?, last_seq = ?, last_ts = ? WHERE id = ?`,
		in.Text, in.Sender, seq, in.Now.UnixNano(), in.ChatID,
	); err != nil {
		return AppendResult{}, fmt.Errorf("update projection: %w", err)
	}

	out := Message{
		ID:          msgID,
		ChatID:      in.ChatID,
		Sender:      in.Sender,
		ClientMsgID: in.ClientMsgID,
		Text:        in.Text,
		Seq:         seq,
		ServerTS:    in.Now,
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: out, Duplicate: false}, nil
}

// DeleteMessage soft-deletes a message (sender only) and repairs the
// projection in the same transaction.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, chatID, messageID, requester string) error {
	if chatID == "" || messageID == "" {
		return ErrMessageNotFound
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sender  string
		seq     int64
		deleted bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sender, seq, deleted FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, messageID,
	).Scan(&sender, &seq, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if sender != requester {
		return ErrForbidden
	}
	if deleted {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET deleted = 1 WHERE chat_id = ? AND id = ?`,
		chatID, messageID,
	); err != nil {
		return err
	}

	var lastSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_seq FROM chats WHERE id = ?`, chatID,
	).Scan(&lastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChatNotFound
		}
		return err
	}

	if lastSeq.Valid && lastSeq.Int64 == seq {
		var (
			text     string
			survSndr string
			survSeq  int64
			survTS   int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT text, sender, seq, server_ts FROM messages
			  WHERE chat_id = ? AND deleted = 0
			  ORDER BY seq DESC LIMIT 1`,
			chatID,
		).Scan(&text, &survSndr, &survSeq, &survTS)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`UPDATE chats SET last_text = NULL, last_sender = NULL, last_seq = NULL, last_ts = NULL WHERE id = ?`,
				chatID,
			); err != nil {
				return fmt.Errorf("clear projection: %w", err)
			}
		case err != nil:
			return err
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE chats SET last_text = ?, last_sender = ?, last_seq = ?, last_ts = ? WHERE id = ?`,
				text, survSndr, survSeq, survTS, chatID,
			); err != nil {
				return fmt.Errorf("repair projection: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListMessages returns non-deleted messages ordered by seq ASC, with
// optional paging by AfterSeq.
func (s *SQLiteStore) ListMessages(ctx context.Context, in ListInput) (ListResult, error) {
	if in.ChatID == "" {
		return ListResult{}, ErrInvalidOperation
	}

	limit := clampListLimit(in.Limit)
	fetch := limit + 1

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts
		   FROM messages
		  WHERE chat_id = ? AND deleted = 0 AND seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		in.ChatID, after, fetch,
	)
	if err != nil {
		return ListResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.ClientMsgID, &m.Sender, &m.Text, &m.Deleted, &ts); err != nil {
			return ListResult{}, err
		}
		m.ServerTS = time.Unix(0, ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}

	// An empty window may mean the chat is gone, not just drained.
	if len(msgs) == 0 {
		if _, err := s.GetChat(ctx, in.ChatID); err != nil {
			return ListResult{}, err
		}
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead advances the account's read cursor, never regressing it.
func (s *SQLiteStore) MarkRead(ctx context.Context, chatID, accountID string, throughSeq int64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := sqliteParticipants(ctx, tx, chatID, accountID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO read_markers (chat_id, account_id, through_seq, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (chat_id, account_id) DO UPDATE
		    SET through_seq = MAX(read_markers.through_seq, excluded.through_seq),
		        updated_at = excluded.updated_at`,
		chatID, accountID, throughSeq, time.Now().UTC().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// UnreadCount computes the unread badge count for an account.
func (s *SQLiteStore) UnreadCount(ctx context.Context, chatID, accountID string) (int64, error) {
	ok, err := s.IsParticipant(ctx, chatID, accountID)
	if err != nil {
		return 0, err
	}
	if !ok {
		if _, err := s.GetChat(ctx, chatID); err != nil {
			return 0, err
		}
		return 0, ErrForbidden
	}

	var n int64
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*)
		   FROM messages m
		  WHERE m.chat_id = ?
		    AND m.deleted = 0
		    AND m.sender <> ?
		    AND m.seq > COALESCE(
		          (SELECT through_seq FROM read_markers WHERE chat_id = ? AND account_id = ?), 0)`,
		chatID, accountID, chatID, accountID,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func sqliteParticipants(ctx context.Context, tx *sql.Tx, chatID, actor string) (Chat, error) {
	var c Chat
	err := tx.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b FROM chats WHERE id = ?`,
		chatID,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	if !c.HasParticipant(actor) {
		return Chat{}, ErrForbidden
	}
	return c, nil
}

func sqliteMessageByClientMsgID(ctx context.Context, tx *sql.Tx, chatID, clientMsgID string) (Message, error) {
	var (
		m  Message
		ts int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts
		   FROM messages
		  WHERE chat_id = ? AND client_msg_id = ?`,
		chatID, clientMsgID,
	).Scan(&m.ID, &m.ChatID, &m.Seq, &m.ClientMsgID, &m.Sender, &m.Text, &m.Deleted, &ts)
	if err != nil {
		return Message{}, err
	}
	m.ServerTS = time.Unix(0, ts).UTC()
	return m, nil
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Pair uniqueness is enforced by a UNIQUE constraint on chats.pair_key;
//     concurrent creators race through INSERT ... ON CONFLICT DO NOTHING and
//     the loser reads the winner's row.
//   - Appends and deletes take a per-chat transactional advisory lock so seq
//     allocation and the projection update are serialized per chat.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "quad").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "quad",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ResolveOrCreateChat finds or creates the unique chat for an account pair.
// The losing side of a concurrent create transparently resolves to the
// winner's row.
func (s *PostgresStore) ResolveOrCreateChat(ctx context.Context, requester, target string) (Chat, error) {
	if s == nil || s.pool == nil {
		return Chat{}, errors.New("chat: nil store")
	}
	requester, target, err := validatePair(requester, target)
	if err != nil {
		return Chat{}, err
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	now := time.Now().UTC()
	id, err := NewChatID(now)
	if err != nil {
		return Chat{}, err
	}

	lo, hi := CanonicalPair(requester, target)
	key := PairKey(requester, target)
	chats := pgIdent(s.schema, "chats")

	var c Chat
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+chats+` (id, participant_a, participant_b, pair_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id, participant_a, participant_b, created_at`,
		id, lo, hi, key, now,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}

	// Another writer won the race; read its row.
	return s.scanChat(ctx, `WHERE pair_key = $1`, key)
}

// GetChat returns the chat with its last-message projection.
func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if s == nil || s.pool == nil {
		return Chat{}, errors.New("chat: nil store")
	}
	if chatID == "" {
		return Chat{}, ErrChatNotFound
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	return s.scanChat(ctx, `WHERE id = $1`, chatID)
}

func (s *PostgresStore) scanChat(ctx context.Context, where string, arg any) (Chat, error) {
	chats := pgIdent(s.schema, "chats")

	var (
		c          Chat
		lastText   *string
		lastSender *string
		lastSeq    *int64
		lastTS     *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, created_at,
		        last_text, last_sender, last_seq, last_ts
		   FROM `+chats+` `+where,
		arg,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt,
		&lastText, &lastSender, &lastSeq, &lastTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, err
	}

	if lastSeq != nil && lastText != nil && lastSender != nil && lastTS != nil {
		c.LastMessage = &LastMessage{
			Text:   *lastText,
			Sender: *lastSender,
			Seq:    *lastSeq,
			TS:     *lastTS,
		}
	}
	return c, nil
}

// DeleteChat removes a chat, cascading its messages, seq cursor, and read
// markers in one transaction.
func (s *PostgresStore) DeleteChat(ctx context.Context, chatID, requester string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockChat(ctx, tx, chatID); err != nil {
		return err
	}
	if _, err := participantsForUpdate(ctx, tx, s.schema, chatID, requester); err != nil {
		return err
	}

	for _, table := range []string{"messages", "chat_cursors", "read_markers"} {
		t := pgIdent(s.schema, table)
		if _, err := tx.Exec(ctx, `DELETE FROM `+t+` WHERE chat_id = $1`, chatID); err != nil {
			return fmt.Errorf("cascade %s: %w", table, err)
		}
	}
	chats := pgIdent(s.schema, "chats")
	if _, err := tx.Exec(ctx, `DELETE FROM `+chats+` WHERE id = $1`, chatID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// IsParticipant reports whether accountID is a participant of chatID.
func (s *PostgresStore) IsParticipant(ctx context.Context, chatID, accountID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}
	chatID = strings.TrimSpace(chatID)
	accountID = strings.TrimSpace(accountID)
	if chatID == "" || accountID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	chats := pgIdent(s.schema, "chats")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+chats+` WHERE id = $1 AND (participant_a = $2 OR participant_b = $2)`,
		chatID, accountID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendMessage appends a message with idempotency, monotonic sequence
// allocation, and the projection update in the same transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("chat: nil store")
	}
	in, err := normalizeAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all writes per chat to guarantee strict monotonic seq and a
	// projection that never trails the newest message.
	if err := lockChat(ctx, tx, in.ChatID); err != nil {
		return AppendResult{}, err
	}

	if _, err := participantsForUpdate(ctx, tx, s.schema, in.ChatID, in.Sender); err != nil {
		return AppendResult{}, err
	}

	messages := pgIdent(s.schema, "messages")

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ChatID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Message: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	cursors := pgIdent(s.schema, "chat_cursors")

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (chat_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (chat_id) DO NOTHING`,
		in.ChatID,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE chat_id = $1
		RETURNING (next_seq - 1)`,
		in.ChatID,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	msgID, err := NewMessageID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		msgID, in.ChatID, seq, in.ClientMsgID, in.Sender, in.Text, in.Now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	chats := pgIdent(s.schema, "chats")
	if _, err := tx.Exec(ctx,
		`UPDATE `+chats+`
		    SET last_text = $2, last_sender = $3, last_seq = $4, last_ts = $5
		  WHERE id = $1`,
		in.ChatID, in.Text, in.Sender, seq, in.Now,
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

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: out, Duplicate: false}, nil
}

// DeleteMessage soft-deletes a message (sender only) and repairs the
// projection inside the same transaction, so no reader can observe a
// projection pointing at a deleted message.
func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, messageID, requester string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if chatID == "" || messageID == "" {
		return ErrMessageNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockChat(ctx, tx, chatID); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	var (
		sender  string
		seq     int64
		deleted bool
	)
	err = tx.QueryRow(ctx,
		`SELECT sender, seq, deleted FROM `+messages+` WHERE chat_id = $1 AND id = $2`,
		chatID, messageID,
	).Scan(&sender, &seq, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if sender != requester {
		return ErrForbidden
	}
	if deleted {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+` SET deleted = TRUE WHERE chat_id = $1 AND id = $2`,
		chatID, messageID,
	); err != nil {
		return err
	}

	chats := pgIdent(s.schema, "chats")

	var lastSeq *int64
	if err := tx.QueryRow(ctx,
		`SELECT last_seq FROM `+chats+` WHERE id = $1`,
		chatID,
	).Scan(&lastSeq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChatNotFound
		}
		return err
	}

	if lastSeq != nil && *lastSeq == seq {
		if _, err := tx.Exec(ctx,
			`UPDATE `+chats+` c
			    SET last_text = m.text, last_sender = m.sender, last_seq = m.seq, last_ts = m.server_ts
			   FROM (SELECT text, sender, seq, server_ts
			           FROM `+messages+`
			          WHERE chat_id = $1 AND NOT deleted
			          ORDER BY seq DESC
			          LIMIT 1) m
			  WHERE c.id = $1`,
			chatID,
		); err != nil {
			return fmt.Errorf("repair projection: %w", err)
		}

		// No survivors: clear the projection entirely.
		if _, err := tx.Exec(ctx,
			`UPDATE `+chats+`
			    SET last_text = NULL, last_sender = NULL, last_seq = NULL, last_ts = NULL
			  WHERE id = $1
			    AND NOT EXISTS (SELECT 1 FROM `+messages+` WHERE chat_id = $1 AND NOT deleted)`,
			chatID,
		); err != nil {
			return fmt.Errorf("clear projection: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListMessages returns non-deleted messages ordered by seq ASC, with
// optional paging by AfterSeq.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListInput) (ListResult, error) {
	if s == nil || s.pool == nil {
		return ListResult{}, errors.New("chat: nil store")
	}
	if in.ChatID == "" {
		return ListResult{}, ErrInvalidOperation
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampListLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts
			   FROM `+messages+`
			  WHERE chat_id = $1 AND NOT deleted
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.ChatID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts
			   FROM `+messages+`
			  WHERE chat_id = $1 AND NOT deleted AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.ChatID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return ListResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.ClientMsgID, &m.Sender, &m.Text, &m.Deleted, &m.ServerTS); err != nil {
			return ListResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}

	// An empty window may mean the chat is gone, not just drained.
	if len(msgs) == 0 {
		exists, err := s.chatExists(ctx, in.ChatID)
		if err != nil {
			return ListResult{}, err
		}
		if !exists {
			return ListResult{}, ErrChatNotFound
		}
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead advances the account's read cursor, never regressing it.
func (s *PostgresStore) MarkRead(ctx context.Context, chatID, accountID string, throughSeq int64) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ok, err := s.IsParticipant(ctx, chatID, accountID)
	if err != nil {
		return err
	}
	if !ok {
		exists, err := s.chatExists(ctx, chatID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrChatNotFound
		}
		return ErrForbidden
	}

	markers := pgIdent(s.schema, "read_markers")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+markers+` (chat_id, account_id, through_seq, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (chat_id, account_id) DO UPDATE
		    SET through_seq = GREATEST(`+markers+`.through_seq, EXCLUDED.through_seq),
		        updated_at = now()`,
		chatID, accountID, throughSeq,
	)
	return err
}

// UnreadCount computes the unread badge count for an account.
func (s *PostgresStore) UnreadCount(ctx context.Context, chatID, accountID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ok, err := s.IsParticipant(ctx, chatID, accountID)
	if err != nil {
		return 0, err
	}
	if !ok {
		exists, err := s.chatExists(ctx, chatID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrChatNotFound
		}
		return 0, ErrForbidden
	}

	messages := pgIdent(s.schema, "messages")
	markers := pgIdent(s.schema, "read_markers")

	var n int64
	err = s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+messages+` m
		  WHERE m.chat_id = $1
		    AND NOT m.deleted
		    AND m.sender <> $2
		    AND m.seq > COALESCE(
		          (SELECT through_seq FROM `+markers+` WHERE chat_id = $1 AND account_id = $2), 0)`,
		chatID, accountID,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) chatExists(ctx context.Context, chatID string) (bool, error) {
	chats := pgIdent(s.schema, "chats")
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+chats+` WHERE id = $1`, chatID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// lockChat takes the per-chat transactional advisory lock.
// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
func lockChat(ctx context.Context, tx pgx.Tx, chatID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, chatID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// participantsForUpdate loads the chat row inside tx and checks that actor is
// a participant. It returns ErrChatNotFound / ErrForbidden accordingly.
func participantsForUpdate(ctx context.Context, tx pgx.Tx, schema, chatID, actor string) (Chat, error) {
	chats := pgIdent(schema, "chats")

	var c Chat
	err := tx.QueryRow(ctx,
		`SELECT id, participant_a, participant_b FROM `+chats+` WHERE id = $1`,
		chatID,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB)
	if errors.Is(err, pgx.ErrNoRows) {
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

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, chatID, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT id, chat_id, seq, client_msg_id, sender, text, deleted, server_ts
		   FROM `+messagesTable+`
		  WHERE chat_id = $1 AND client_msg_id = $2`,
		chatID, clientMsgID,
	).Scan(&m.ID, &m.ChatID, &m.Seq, &m.ClientMsgID, &m.Sender, &m.Text, &m.Deleted, &m.ServerTS)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

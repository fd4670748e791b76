package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, tenant_id)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.TenantID)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, tenant_id, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.TenantID, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, tenant_id, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.TenantID, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// InsertConversation writes the conversation row and all of its
// participant rows in one transaction. A conversation is never created
// without its full participant set. Returns the row with its
// database-assigned created_at and last_message_at.
func (s *PostgresStore) InsertConversation(ctx context.Context, conversation Conversation, participants []Participant) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin create conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, context_type, context_id, title, created_by, last_message_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at, last_message_at
	`, conversation.ID, conversation.ContextType, conversation.ContextID, conversation.Title, conversation.CreatedBy).Scan(
		&conversation.CreatedAt,
		&conversation.LastMessageAt,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	for _, participant := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, display_name)
			VALUES ($1, $2, $3)
		`, conversation.ID, participant.UserID, participant.DisplayName); err != nil {
			return Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit create conversation: %w", err)
	}
	return conversation, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, context_type, context_id, title, created_by, last_message_at, created_at
		FROM conversations
		WHERE id=$1
	`, conversationID).Scan(
		&item.ID,
		&item.ContextType,
		&item.ContextID,
		&item.Title,
		&item.CreatedBy,
		&item.LastMessageAt,
		&item.CreatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

// FindConversationByContextAndParticipants returns the conversation
// attached to the context pair whose participant set exactly equals
// userIDs, or nil when none matches. A superset or subset is not a
// match. Under a create race two rows can share the same logical
// identity; the oldest one wins here so repeated lookups stay stable.
func (s *PostgresStore) FindConversationByContextAndParticipants(ctx context.Context, contextType, contextID string, userIDs []string) (*Conversation, error) {
	const query = `
		SELECT c.id, c.context_type, c.context_id, c.title, c.created_by, c.last_message_at, c.created_at
		FROM conversations c
		WHERE c.context_type=$1 AND c.context_id=$2
		  AND (SELECT COUNT(*) FROM participants p WHERE p.conversation_id=c.id) = $3
		  AND (SELECT COUNT(*) FROM participants p WHERE p.conversation_id=c.id AND p.user_id = ANY($4::text[])) = $3
		ORDER BY c.created_at ASC
		LIMIT 1
	`
	var item Conversation
	err := s.db.QueryRowContext(ctx, query, contextType, contextID, len(userIDs), userIDs).Scan(
		&item.ID,
		&item.ContextType,
		&item.ContextID,
		&item.Title,
		&item.CreatedBy,
		&item.LastMessageAt,
		&item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation by context: %w", err)
	}
	return &item, nil
}

// ListConversationsForUser runs the same filter twice: once for the
// pre-pagination total, once for the window, as two separate reads.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID, contextType, search string, limit, offset int) ([]ConversationListItem, int, error) {
	const filter = `
		FROM conversations c
		JOIN participants viewer ON viewer.conversation_id=c.id AND viewer.user_id=$1
		WHERE ($2='' OR c.context_type=$2)
		  AND ($3='' OR c.title ILIKE '%' || $3 || '%' OR EXISTS (
			SELECT 1 FROM participants p
			WHERE p.conversation_id=c.id AND p.display_name ILIKE '%' || $3 || '%'
		  ))
	`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+filter, userID, contextType, search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.context_type, c.context_id, c.title, c.created_by, c.last_message_at, c.created_at, viewer.last_seen_at
	`+filter+`
		ORDER BY c.last_message_at DESC
		LIMIT $4 OFFSET $5
	`, userID, contextType, search, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationListItem, 0)
	for rows.Next() {
		var item ConversationListItem
		if err := rows.Scan(
			&item.ID,
			&item.ContextType,
			&item.ContextID,
			&item.Title,
			&item.CreatedBy,
			&item.LastMessageAt,
			&item.CreatedAt,
			&item.ViewerLastSeenAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, conversationID, userID string) (Participant, error) {
	var item Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, display_name, last_seen_at, created_at
		FROM participants
		WHERE conversation_id=$1 AND user_id=$2
	`, conversationID, userID).Scan(
		&item.ConversationID,
		&item.UserID,
		&item.DisplayName,
		&item.LastSeenAt,
		&item.CreatedAt,
	)
	if err != nil {
		return Participant{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, display_name, last_seen_at, created_at
		FROM participants
		WHERE conversation_id=$1
		ORDER BY user_id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(
			&item.ConversationID,
			&item.UserID,
			&item.DisplayName,
			&item.LastSeenAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id=$1 AND user_id=$2)
	`, conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

// MarkConversationSeen advances the per-conversation watermark to now.
// The WHERE clause keeps the watermark forward-only even if an explicit
// timestamp parameter ever gets exposed.
func (s *PostgresStore) MarkConversationSeen(ctx context.Context, conversationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET last_seen_at=NOW()
		WHERE conversation_id=$1 AND user_id=$2
		  AND (last_seen_at IS NULL OR last_seen_at < NOW())
	`, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark conversation seen: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark conversation seen rows: %w", err)
	}
	return affected > 0, nil
}

// InsertMessage writes the message and advances the conversation's
// last_message_at in one transaction; a partial state where one write
// landed without the other is never observable. Returns the message
// with its database-assigned created_at.
func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin send message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt time.Time
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, metadata, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, message.ID, message.ConversationID, message.SenderID, message.Body, message.Metadata, message.ReplyTo).Scan(&createdAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	message.CreatedAt = createdAt

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at=GREATEST(last_message_at, $2)
		WHERE id=$1
	`, message.ConversationID, createdAt); err != nil {
		return Message{}, fmt.Errorf("advance last_message_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit send message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var item Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, body, metadata, reply_to, is_deleted, deleted_reason, created_at
		FROM messages
		WHERE id=$1
	`, messageID).Scan(
		&item.ID,
		&item.ConversationID,
		&item.SenderID,
		&item.Body,
		&item.Metadata,
		&item.ReplyTo,
		&item.IsDeleted,
		&item.DeletedReason,
		&item.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	return item, nil
}

// ListMessages orders by created_at with the insertion sequence breaking
// ties, since message ids are random and carry no order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id=$1
	`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, body, metadata, reply_to, is_deleted, deleted_reason, created_at
		FROM messages
		WHERE conversation_id=$1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(
			&item.ID,
			&item.ConversationID,
			&item.SenderID,
			&item.Body,
			&item.Metadata,
			&item.ReplyTo,
			&item.IsDeleted,
			&item.DeletedReason,
			&item.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, tombstone string, reason *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted=TRUE, body=$2, deleted_reason=$3
		WHERE id=$1
	`, messageID, tombstone, reason)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete message rows: %w", err)
	}
	return affected > 0, nil
}

// AnonymizeUser rewrites every message the user sent and every
// participant label for the user. This is a real mutation, not a flag;
// there is no way back. Messages the user merely received and the
// watermarks stay untouched.
func (s *PostgresStore) AnonymizeUser(ctx context.Context, userID, bodyPlaceholder, senderSentinel, namePlaceholder string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin anonymize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET body=$2, metadata=NULL, sender_id=$3
		WHERE sender_id=$1
	`, userID, bodyPlaceholder, senderSentinel)
	if err != nil {
		return 0, fmt.Errorf("anonymize messages: %w", err)
	}
	rewritten, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("anonymize messages rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE participants
		SET display_name=$2
		WHERE user_id=$1
	`, userID, namePlaceholder); err != nil {
		return 0, fmt.Errorf("anonymize participants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit anonymize: %w", err)
	}
	return rewritten, nil
}

func (s *PostgresStore) GetUserActivity(ctx context.Context, userID string) (*UserActivity, error) {
	var item UserActivity
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, last_seen_at, updated_at
		FROM user_activity
		WHERE user_id=$1
	`, userID).Scan(&item.UserID, &item.LastSeenAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user activity: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) UpsertUserActivitySeen(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (user_id, last_seen_at)
		VALUES ($1, NOW())
		ON CONFLICT (user_id) DO UPDATE SET last_seen_at=NOW(), updated_at=NOW()
	`, userID)
	if err != nil {
		return fmt.Errorf("upsert user activity: %w", err)
	}
	return nil
}

// CountConversationsWithNewActivity counts the caller's conversations
// whose last_message_at is strictly newer than the global watermark. A
// nil watermark counts every conversation the caller participates in.
func (s *PostgresStore) CountConversationsWithNewActivity(ctx context.Context, userID string, since *time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM conversations c
		JOIN participants p ON p.conversation_id=c.id AND p.user_id=$1
		WHERE $2::timestamptz IS NULL OR c.last_message_at > $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count new conversations: %w", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

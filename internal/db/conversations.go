package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"tawk/internal/models"
	"tawk/internal/store"
)

func (db *DB) FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	return findConversationByPair(ctx, db.DB, a, b)
}

func findConversationByPair(ctx context.Context, q queryer, a, b string) (*models.Conversation, error) {
	lo, hi := store.NormalizePair(a, b)
	conv := &models.Conversation{Participants: []string{lo, hi}}
	err := q.QueryRowContext(ctx, `
		SELECT id, created_at FROM conversations WHERE user_a = ? AND user_b = ?
	`, lo, hi).Scan(&conv.ID, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("conversation", store.PairKey(a, b))
	}
	if err != nil {
		return nil, store.Storage(err, "find conversation")
	}

	conv.Messages, err = messages(ctx, q, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func getConversation(ctx context.Context, q queryer, id string) (*models.Conversation, error) {
	var lo, hi string
	conv := &models.Conversation{}
	err := q.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &lo, &hi, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("conversation", id)
	}
	if err != nil {
		return nil, store.Storage(err, "get conversation")
	}
	conv.Participants = []string{lo, hi}

	conv.Messages, err = messages(ctx, q, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateConversationIfAbsent relies on UNIQUE (user_a, user_b): concurrent
// callers for the same pair all end up reading the one row that won.
func (db *DB) CreateConversationIfAbsent(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	lo, hi := store.NormalizePair(a, b)

	var (
		conv    *models.Conversation
		created bool
	)
	err := db.withTx(ctx, "create conversation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversations (id, user_a, user_b, created_at)
			VALUES (?, ?, ?, ?)
		`, uuid.NewString(), lo, hi, time.Now().UTC())
		if err != nil {
			return store.Storage(err, "create conversation")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.Storage(err, "create conversation")
		}
		created = n == 1

		conv, err = findConversationByPair(ctx, tx, lo, hi)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func (db *DB) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.created_at,
			c.user_a, COALESCE(ua.first_name, ''), COALESCE(ua.last_name, ''),
			COALESCE(ua.avatar, ''), COALESCE(ua.status, 'Offline'),
			c.user_b, COALESCE(ub.first_name, ''), COALESCE(ub.last_name, ''),
			COALESCE(ub.avatar, ''), COALESCE(ub.status, 'Offline')
		FROM conversations c
		LEFT JOIN users ua ON ua.id = c.user_a
		LEFT JOIN users ub ON ub.id = c.user_b
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.created_at
	`, userID, userID)
	if err != nil {
		return nil, store.Storage(err, "list conversations")
	}
	defer rows.Close()

	conversations := []models.ConversationSummary{}
	for rows.Next() {
		var (
			s    models.ConversationSummary
			a, b models.Participant
		)
		err := rows.Scan(&s.ID, &s.CreatedAt,
			&a.ID, &a.FirstName, &a.LastName, &a.Avatar, &a.Status,
			&b.ID, &b.FirstName, &b.LastName, &b.Avatar, &b.Status)
		if err != nil {
			return nil, store.Storage(err, "scan conversation")
		}
		s.Participants = []models.Participant{a, b}
		conversations = append(conversations, s)
	}
	return conversations, store.Storage(rows.Err(), "list conversations")
}

// AppendMessage inserts the message only when the conversation exists and
// its normalized pair matches msg.From/msg.To; the row id fixes its order.
func (db *DB) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (*models.Conversation, error) {
	store.StampMessage(conversationID, msg)
	lo, hi := store.NormalizePair(msg.From, msg.To)

	var conv *models.Conversation
	err := db.withTx(ctx, "append message", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender, recipient, type, text, file, created_at)
			SELECT ?, id, ?, ?, ?, ?, ?, ?
			FROM conversations
			WHERE id = ? AND user_a = ? AND user_b = ?
		`, msg.ID, msg.From, msg.To, msg.Type, msg.Text, msg.File, msg.CreatedAt,
			conversationID, lo, hi)
		if err != nil {
			return store.Storage(err, "append message")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getConversation(ctx, tx, conversationID); err != nil {
				return err
			}
			return store.Invalid("%s and %s are not the participants of conversation %s",
				msg.From, msg.To, conversationID)
		}

		conv, err = getConversation(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *DB) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("conversation", conversationID)
	}
	if err != nil {
		return nil, store.Storage(err, "get conversation")
	}
	return messages(ctx, db.DB, conversationID)
}

func messages(ctx context.Context, q queryer, conversationID string) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, sender, recipient, type, text, file, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, store.Storage(err, "get messages")
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.From, &m.To, &m.Type,
			&m.Text, &m.File, &m.CreatedAt); err != nil {
			return nil, store.Storage(err, "scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, store.Storage(rows.Err(), "get messages")
}

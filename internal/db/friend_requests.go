package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"tawk/internal/models"
	"tawk/internal/store"
)

// CreateFriendRequestIfAbsent relies on the unique (sender, recipient)
// index: concurrent senders of the same request all read the one row that
// won.
func (db *DB) CreateFriendRequestIfAbsent(ctx context.Context, from, to string) (*models.FriendRequest, bool, error) {
	var (
		req     *models.FriendRequest
		created bool
	)
	err := db.withTx(ctx, "create friend request", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO friend_requests (id, sender, recipient, created_at)
			VALUES (?, ?, ?, ?)
		`, uuid.NewString(), from, to, time.Now().UTC())
		if err != nil {
			return store.Storage(err, "create friend request")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.Storage(err, "create friend request")
		}
		created = n == 1

		req, err = findPendingRequest(ctx, tx, from, to)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, created, nil
}

// FindPendingRequest returns the pending request from -> to.
func (db *DB) FindPendingRequest(ctx context.Context, from, to string) (*models.FriendRequest, error) {
	return findPendingRequest(ctx, db.DB, from, to)
}

func findPendingRequest(ctx context.Context, q queryer, from, to string) (*models.FriendRequest, error) {
	req := &models.FriendRequest{}
	err := q.QueryRowContext(ctx, `
		SELECT id, sender, recipient, created_at
		FROM friend_requests
		WHERE sender = ? AND recipient = ?
	`, from, to).Scan(&req.ID, &req.Sender, &req.Recipient, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("friend request", from+"->"+to)
	}
	if err != nil {
		return nil, store.Storage(err, "find friend request")
	}
	return req, nil
}

func (db *DB) GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error) {
	req := &models.FriendRequest{}
	err := db.QueryRowContext(ctx, `
		SELECT id, sender, recipient, created_at FROM friend_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.Sender, &req.Recipient, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("friend request", id)
	}
	if err != nil {
		return nil, store.Storage(err, "get friend request")
	}
	return req, nil
}

func (db *DB) DeleteFriendRequest(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM friend_requests WHERE id = ?`, id)
	if err != nil {
		return store.Storage(err, "delete friend request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound("friend request", id)
	}
	return nil
}

func (db *DB) ListIncomingRequests(ctx context.Context, userID string) ([]models.FriendRequestView, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.created_at,
			r.sender,
			COALESCE(u.first_name, ''),
			COALESCE(u.last_name, ''),
			COALESCE(u.avatar, ''),
			COALESCE(u.status, 'Offline')
		FROM friend_requests r
		LEFT JOIN users u ON u.id = r.sender
		WHERE r.recipient = ?
		ORDER BY r.created_at
	`, userID)
	if err != nil {
		return nil, store.Storage(err, "list friend requests")
	}
	defer rows.Close()

	requests := []models.FriendRequestView{}
	for rows.Next() {
		var v models.FriendRequestView
		if err := rows.Scan(&v.ID, &v.CreatedAt, &v.Sender.ID, &v.Sender.FirstName,
			&v.Sender.LastName, &v.Sender.Avatar, &v.Sender.Status); err != nil {
			return nil, store.Storage(err, "scan friend request")
		}
		requests = append(requests, v)
	}
	return requests, store.Storage(rows.Err(), "list friend requests")
}

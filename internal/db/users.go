package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"tawk/internal/models"
	"tawk/internal/store"
)

const userColumns = `id, username, password, first_name, last_name, about, avatar, status, created_at`

func scanUser(row interface{ Scan(...interface{}) error }, u *models.User) error {
	return row.Scan(&u.ID, &u.Username, &u.Password, &u.FirstName, &u.LastName,
		&u.About, &u.Avatar, &u.Status, &u.CreatedAt)
}

func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Status == "" {
		user.Status = models.StatusOffline
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.Password, user.FirstName, user.LastName,
		user.About, user.Avatar, user.Status, user.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return errors.Wrapf(store.ErrConflict, "username %s", user.Username)
		}
		return store.Storage(err, "create user")
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	return db.getUser(ctx, db.DB, "id", id)
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, db.DB, "username", username)
}

func (db *DB) getUser(ctx context.Context, q queryer, column, value string) (*models.User, error) {
	user := &models.User{}
	err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value), user)
	if err == sql.ErrNoRows {
		return nil, store.NotFound("user", value)
	}
	if err != nil {
		return nil, store.Storage(err, "get user")
	}

	friends, err := friendIDs(ctx, q, user.ID)
	if err != nil {
		return nil, err
	}
	user.Friends = friends
	return user, nil
}

func friendIDs(ctx context.Context, q queryer, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT friend_id FROM friendships WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, store.Storage(err, "list friend ids")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.Storage(err, "scan friend id")
		}
		ids = append(ids, id)
	}
	return ids, store.Storage(rows.Err(), "list friend ids")
}

// ListUsers returns every user ordered by username. Friend sets are not loaded.
func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, store.Storage(err, "list users")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := scanUser(rows, &u); err != nil {
			return nil, store.Storage(err, "scan user")
		}
		users = append(users, u)
	}
	return users, store.Storage(rows.Err(), "list users")
}

func (db *DB) UpdateProfile(ctx context.Context, id string, update models.ProfileUpdate) (*models.User, error) {
	var user *models.User
	err := db.withTx(ctx, "update profile", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET
				first_name = COALESCE(NULLIF(?, ''), first_name),
				last_name = COALESCE(NULLIF(?, ''), last_name),
				about = COALESCE(NULLIF(?, ''), about),
				avatar = COALESCE(NULLIF(?, ''), avatar)
			WHERE id = ?
		`, update.FirstName, update.LastName, update.About, update.Avatar, id)
		if err != nil {
			return store.Storage(err, "update profile")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.NotFound("user", id)
		}
		user, err = db.getUser(ctx, tx, "id", id)
		return err
	})
	return user, err
}

func (db *DB) SetStatus(ctx context.Context, id string, status models.Status) error {
	res, err := db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return store.Storage(err, "set status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound("user", id)
	}
	return nil
}

func (db *DB) AddFriend(ctx context.Context, userID, friendID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO friendships (user_id, friend_id, created_at)
		VALUES (?, ?, ?)
	`, userID, friendID, time.Now().UTC())
	return store.Storage(err, "add friend")
}

func (db *DB) ListFriends(ctx context.Context, userID string) ([]models.Participant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT u.id, u.first_name, u.last_name, u.avatar, u.status
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY f.created_at
	`, userID)
	if err != nil {
		return nil, store.Storage(err, "list friends")
	}
	defer rows.Close()

	friends := []models.Participant{}
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Avatar, &p.Status); err != nil {
			return nil, store.Storage(err, "scan friend")
		}
		friends = append(friends, p)
	}
	return friends, store.Storage(rows.Err(), "list friends")
}

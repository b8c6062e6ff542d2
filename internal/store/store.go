/*
Package store is the SQLite implementation of the collaborators pulse depends on: the user
store, the resource membership service and the direct message store.
*/
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

type User struct {
	Id     string
	Name   string
	Role   string
	Active bool
}

// Message is a persisted direct message.  It is never updated after creation.
type Message struct {
	Id          string
	SenderId    string
	RecipientId string
	Content     string
	Type        string
	CreatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL,
	role   TEXT NOT NULL DEFAULT 'user',
	active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS resources (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS resource_members (
	resource_id TEXT NOT NULL REFERENCES resources(id),
	user_id     TEXT NOT NULL REFERENCES users(id),
	PRIMARY KEY (resource_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	content      TEXT NOT NULL,
	type         TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_recipient ON messages(recipient_id, created_at);
`

type Store struct {
	db *sql.DB
}

// Open opens the database at dsn and creates the schema if it is missing.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared between queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindUser(ctx context.Context, id string) (User, error) {
	query := "SELECT id, name, role, active FROM users WHERE id = ?"

	var u User
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&u.Id, &u.Name, &u.Role, &u.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("error querying user %q: %w", id, err)
	}
	return u, nil
}

/*
ResourcesFor returns the union of the resources owned by the user and the resources where
the user holds a membership.
*/
func (s *Store) ResourcesFor(ctx context.Context, userId string) ([]string, error) {
	query := `
		SELECT id FROM resources WHERE owner_id = ?
		UNION
		SELECT resource_id FROM resource_members WHERE user_id = ?
		ORDER BY 1
	`
	rows, err := s.db.QueryContext(ctx, query, userId, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources for user %q: %w", userId, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over resources for user %q: %w", userId, err)
	}
	return ids, nil
}

func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	query := "INSERT INTO messages (id, sender_id, recipient_id, content, type, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	if _, err := s.db.ExecContext(ctx, query, m.Id, m.SenderId, m.RecipientId, m.Content, m.Type, m.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.Id, err)
	}
	return nil
}

// MessagesFor lists up to limit messages addressed to the recipient, oldest first.
func (s *Store) MessagesFor(ctx context.Context, recipientId string, limit int) ([]Message, error) {
	query := `
		SELECT id, sender_id, recipient_id, content, type, created_at
		FROM messages WHERE recipient_id = ? ORDER BY created_at, id LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, recipientId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %q: %w", recipientId, err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.SenderId, &m.RecipientId, &m.Content, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over messages for %q: %w", recipientId, err)
	}
	return messages, nil
}

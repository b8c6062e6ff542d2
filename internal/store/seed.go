package store

import (
	"context"
	"fmt"
)

// The following helpers populate the collaborator tables for development and tests; the
// records are owned by other services in production.

func (s *Store) PutUser(ctx context.Context, u User) error {
	query := `
		INSERT INTO users (id, name, role, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role, active = excluded.active
	`
	if _, err := s.db.ExecContext(ctx, query, u.Id, u.Name, u.Role, u.Active); err != nil {
		return fmt.Errorf("failed to upsert user %q: %w", u.Id, err)
	}
	return nil
}

func (s *Store) PutResource(ctx context.Context, id, ownerId string) error {
	query := "INSERT INTO resources (id, owner_id) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id"
	if _, err := s.db.ExecContext(ctx, query, id, ownerId); err != nil {
		return fmt.Errorf("failed to upsert resource %q: %w", id, err)
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, resourceId, userId string) error {
	query := "INSERT OR IGNORE INTO resource_members (resource_id, user_id) VALUES (?, ?)"
	if _, err := s.db.ExecContext(ctx, query, resourceId, userId); err != nil {
		return fmt.Errorf("failed to add member %q to %q: %w", userId, resourceId, err)
	}
	return nil
}

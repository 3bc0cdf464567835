// Package postgres provides PostgreSQL storage for permission lists.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/en9inerd/telesession"
)

const defaultTable = "permissions"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var _ telesession.PermissionStore = (*Store)(nil)

// Store implements telesession.PermissionStore using PostgreSQL. Each row
// places one user on one named list.
type Store struct {
	db    *sql.DB
	table string
}

// Config configures the PostgreSQL permission store.
type Config struct {
	// Table is the table holding list memberships. Defaults to "permissions".
	Table string
}

// New creates a new PostgreSQL permission store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	return &Store{
		db:    db,
		table: pq.QuoteIdentifier(cfg.Table),
	}
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			list_name  TEXT        NOT NULL,
			user_id    BIGINT      NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (list_name, user_id)
		)
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating permissions table: %w", err)
	}
	return nil
}

// Add puts users on a list. Users already on it are left alone.
func (s *Store) Add(ctx context.Context, list string, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (list_name, user_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, list, pq.Array(userIDs)); err != nil {
		return fmt.Errorf("adding to list %q: %w", list, err)
	}
	return nil
}

// Remove takes users off a list.
func (s *Store) Remove(ctx context.Context, list string, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	query, args, err := psq.Delete(s.table).
		Where(sq.Eq{"list_name": list}).
		Where("user_id = ANY(?)", pq.Array(userIDs)).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("removing from list %q: %w", list, err)
	}
	return nil
}

// Contains reports whether a user is on a list.
func (s *Store) Contains(ctx context.Context, list string, userID int64) (bool, error) {
	query, args, err := psq.Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"list_name": list, "user_id": userID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("checking list %q: %w", list, err)
	}
	return count > 0, nil
}

// Members returns the users on a list in ascending order.
func (s *Store) Members(ctx context.Context, list string) ([]int64, error) {
	query, args, err := psq.Select("user_id").
		From(s.table).
		Where(sq.Eq{"list_name": list}).
		OrderBy("user_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building members query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying list %q: %w", list, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating member rows: %w", err)
	}
	return ids, nil
}

// GetPermissions returns a snapshot of the lists a user is on.
func (s *Store) GetPermissions(ctx context.Context, userID int64) (telesession.Permissions, error) {
	query, args, err := psq.Select("list_name").
		From(s.table).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("list_name").
		ToSql()
	if err != nil {
		return telesession.Permissions{}, fmt.Errorf("building permissions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return telesession.Permissions{}, fmt.Errorf("querying permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lists []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return telesession.Permissions{}, fmt.Errorf("scanning permission: %w", err)
		}
		lists = append(lists, name)
	}
	if err := rows.Err(); err != nil {
		return telesession.Permissions{}, fmt.Errorf("iterating permission rows: %w", err)
	}
	return telesession.NewPermissions(lists...), nil
}

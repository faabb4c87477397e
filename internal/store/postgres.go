package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"agenda/api/internal/rbac"
)

// documentLockKey is the pg_advisory_xact_lock key shared by every writer.
const documentLockKey int64 = 0x6167656e6461

type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load reads users and events inside one repeatable-read transaction so a
// concurrent Update is seen either entirely or not at all.
func (s *PostgresStore) Load(ctx context.Context) (Document, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return Document{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return loadDocument(ctx, tx)
}

func (s *PostgresStore) Save(ctx context.Context, doc Document) error {
	return s.withLockedTx(ctx, func(tx *sql.Tx) error {
		return replaceDocument(ctx, tx, doc)
	})
}

func (s *PostgresStore) Update(ctx context.Context, fn func(*Document) error) error {
	return s.withLockedTx(ctx, func(tx *sql.Tx) error {
		doc, err := loadDocument(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		return replaceDocument(ctx, tx, doc)
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) withLockedTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, documentLockKey); err != nil {
		return fmt.Errorf("acquire document lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	s.logger.Debug("store transaction committed")
	return nil
}

func loadDocument(ctx context.Context, q queryer) (Document, error) {
	doc := EmptyDocument()

	userRows, err := q.QueryContext(ctx, `SELECT username, password, role FROM agenda_users ORDER BY position`)
	if err != nil {
		return Document{}, fmt.Errorf("list users: %w", err)
	}
	defer userRows.Close()
	for userRows.Next() {
		var user User
		if err := userRows.Scan(&user.Username, &user.Password, &user.Role); err != nil {
			return Document{}, fmt.Errorf("scan user: %w", err)
		}
		user.Role = string(rbac.Normalize(user.Role))
		doc.Users = append(doc.Users, user)
	}
	if err := userRows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate users: %w", err)
	}

	eventRows, err := q.QueryContext(ctx, `SELECT id, title, description, date, owner FROM agenda_events ORDER BY position`)
	if err != nil {
		return Document{}, fmt.Errorf("list events: %w", err)
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var event Event
		if err := eventRows.Scan(&event.ID, &event.Title, &event.Description, &event.Date, &event.Owner); err != nil {
			return Document{}, fmt.Errorf("scan event: %w", err)
		}
		doc.Events = append(doc.Events, event)
	}
	if err := eventRows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate events: %w", err)
	}
	return doc, nil
}

func replaceDocument(ctx context.Context, tx *sql.Tx, doc Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM agenda_events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agenda_users`); err != nil {
		return fmt.Errorf("clear users: %w", err)
	}

	for position, user := range doc.Users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agenda_users (position, username, password, role)
			VALUES ($1, $2, $3, $4)
		`, position, user.Username, user.Password, string(rbac.Normalize(user.Role))); err != nil {
			return fmt.Errorf("insert user %s: %w", user.Username, err)
		}
	}
	for position, event := range doc.Events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agenda_events (position, id, title, description, date, owner)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, position, event.ID, event.Title, event.Description, event.Date, event.Owner); err != nil {
			return fmt.Errorf("insert event %s: %w", event.ID, err)
		}
	}
	return nil
}

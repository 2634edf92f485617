package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

const (
	historyTable = "chat_histories"

	// NotifyChannel is the Postgres NOTIFY channel announcing saved histories.
	NotifyChannel = "chat_history"
)

// HistoryChangedPayload is the NOTIFY payload sent after a save.
type HistoryChangedPayload struct {
	UserID  string `json:"user_id"`
	Version int64  `json:"version"`
}

// SQLStore keeps one row per user in the chat_histories table. Queries are
// built with the ent dialect builder so the same code serves PostgreSQL and
// SQLite.
type SQLStore struct {
	db      *stdsql.DB
	dialect string
}

// NewSQLStore creates a store over db. dialectName is dialect.Postgres or
// dialect.SQLite; the table must already exist (migrations for Postgres,
// OpenSQLite for SQLite).
func NewSQLStore(db *stdsql.DB, dialectName string) *SQLStore {
	return &SQLStore{db: db, dialect: dialectName}
}

// LoadHistory reads and decodes the user's document
func (s *SQLStore) LoadHistory(ctx context.Context, userID string) (*models.History, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	query, args := entsql.Dialect(s.dialect).
		Select("document", "version").
		From(entsql.Table(historyTable)).
		Where(entsql.EQ("user_id", userID)).
		Query()

	var (
		doc     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc, &version)
	if errors.Is(err, stdsql.ErrNoRows) {
		return &models.History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", userID, err)
	}

	var history models.History
	if err := json.Unmarshal([]byte(doc), &history); err != nil {
		return nil, fmt.Errorf("failed to decode history for %s: %w", userID, err)
	}
	history.Version = version
	return &history, nil
}

// SaveHistory writes the document with an optimistic version check
func (s *SQLStore) SaveHistory(ctx context.Context, userID string, history *models.History) error {
	if userID == "" {
		return ErrInvalidUser
	}
	doc, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode history for %s: %w", userID, err)
	}
	now := time.Now().UTC()

	var (
		query string
		args  []any
	)
	if history.Version == 0 {
		query, args = entsql.Dialect(s.dialect).
			Insert(historyTable).
			Columns("user_id", "document", "version", "updated_at").
			Values(userID, string(doc), 1, now).
			OnConflict(entsql.ConflictColumns("user_id"), entsql.DoNothing()).
			Query()
	} else {
		query, args = entsql.Dialect(s.dialect).
			Update(historyTable).
			Set("document", string(doc)).
			Set("version", history.Version+1).
			Set("updated_at", now).
			Where(entsql.And(
				entsql.EQ("user_id", userID),
				entsql.EQ("version", history.Version),
			)).
			Query()
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save history for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save history for %s: %w", userID, err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	history.Version++

	if s.dialect == dialect.Postgres {
		s.notify(ctx, userID, history.Version)
	}
	return nil
}

// notify announces the save to other replicas. Failures only cost a
// live refresh, so they are logged.
func (s *SQLStore) notify(ctx context.Context, userID string, version int64) {
	payload, err := json.Marshal(HistoryChangedPayload{UserID: userID, Version: version})
	if err != nil {
		return
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		slog.Warn("Failed to publish history notification", "user_id", userID, "error", err)
	}
}

// Package store persists opportunities, capability filters, ingest runs,
// documents, the company profile and fit analyses in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	apperrors "github.com/propbot/propbot/pkg/errors"
	"github.com/propbot/propbot/pkg/postgres"
)

// Store is the PostgreSQL-backed repository. All methods are safe for
// concurrent use.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return apperrors.Storage("applying schema", err)
	}
	s.logger.Info("schema applied")
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// likePattern escapes LIKE metacharacters and wraps q in wildcards.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func clamp(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	return min(max(v, lo), hi)
}

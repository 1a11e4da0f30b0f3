// Package store reads account state from the relational database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/config"
	"github.com/1F47E/geo-presence/pkg/models"
)

const (
	connectAttempts = 5
	pingTimeout     = 5 * time.Second
)

// Open connects to Postgres, retrying with exponential backoff until the
// database answers a ping or the attempts run out.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*sql.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var db *sql.DB
	attempt := 0

	operation := func() error {
		attempt++
		log.Info("Attempting database connection", zap.Int("attempt", attempt))

		conn, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to open database: %w", err))
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := conn.PingContext(pingCtx); err != nil {
			_ = conn.Close()
			log.Warn("Database ping failed", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("failed to ping database: %w", err)
		}
		db = conn
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectAttempts-1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	log.Info("Database connection established", zap.String("host", cfg.Host), zap.String("db", cfg.Name))

	return db, nil
}

// UserStore answers identity lookups for the token verifier
type UserStore struct {
	db    *sql.DB
	log   *zap.Logger
	query string
}

// NewUserStore wraps an open database. table is quoted as an identifier.
func NewUserStore(db *sql.DB, table string, log *zap.Logger) *UserStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserStore{
		db:  db,
		log: log,
		query: fmt.Sprintf(`SELECT id, email, email_verified FROM %s WHERE id = $1`,
			pq.QuoteIdentifier(table)),
	}
}

// LookupIdentity returns the account for userID or models.ErrUserNotFound
func (s *UserStore) LookupIdentity(ctx context.Context, userID string) (*models.Identity, error) {
	var (
		id    models.Identity
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.query, userID).Scan(&id.UserID, &email, &id.EmailVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		s.log.Error("Identity lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to query user %s: %w", userID, err)
	}
	id.Email = email.String
	return &id, nil
}

// Ping checks the connection is still usable
func (s *UserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *UserStore) Close() error {
	return s.db.Close()
}

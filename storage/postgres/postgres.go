// Package postgres provides a PostgreSQL implementation of the gosubs.Storage interface.
// Aggregate transactions take a transaction-scoped advisory lock on the subscription key and
// then lock the current row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger gosubs.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var _ gosubs.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // How long finished event ledger rows are kept

	Logger gosubs.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 6 * time.Hour,
		// providers redeliver for a few days at most
		EventRetention: 90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter. The schema is managed by Migrate.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &gosubs.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordEvent implements gosubs.EventLedger
func (s *Storage) RecordEvent(ctx context.Context, ev *gosubs.PaymentEvent, lease time.Duration) (gosubs.RecordResult, error) {
	if ev == nil || ev.Provider == "" || ev.EventID == "" {
		return "", fmt.Errorf("invalid event")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", wrapUnavailable("failed to begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx,
		`INSERT INTO payment_events (provider, event_id, event_type, received_at, processing_status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		string(ev.Provider), ev.EventID, ev.EventType, ev.ReceivedAt, string(gosubs.ProcessingInFlight))
	if err != nil {
		return "", wrapUnavailable("failed to record event", err)
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return "", wrapUnavailable("failed to commit", err)
		}
		return gosubs.RecordNew, nil
	}

	var status string
	var receivedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT processing_status, received_at FROM payment_events
			WHERE provider = $1 AND event_id = $2
			FOR UPDATE`,
		string(ev.Provider), ev.EventID).Scan(&status, &receivedAt)
	if err != nil {
		return "", wrapUnavailable("failed to load event", err)
	}

	switch gosubs.ProcessingStatus(status) {
	case gosubs.ProcessingDone, gosubs.ProcessingRejected:
		return gosubs.RecordDuplicateProcessed, nil
	}
	if lease <= 0 || ev.ReceivedAt.Before(receivedAt.Add(lease)) {
		return gosubs.RecordDuplicateProcessing, nil
	}

	// claim abandoned by a crashed worker
	_, err = tx.Exec(ctx,
		`UPDATE payment_events SET received_at = $3, event_type = $4
			WHERE provider = $1 AND event_id = $2`,
		string(ev.Provider), ev.EventID, ev.ReceivedAt, ev.EventType)
	if err != nil {
		return "", wrapUnavailable("failed to reclaim event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", wrapUnavailable("failed to commit", err)
	}
	return gosubs.RecordNew, nil
}

// ReleaseEvent implements gosubs.EventLedger
func (s *Storage) ReleaseEvent(ctx context.Context, provider gosubs.ProviderTag, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM payment_events
			WHERE provider = $1 AND event_id = $2 AND processing_status = $3`,
		string(provider), eventID, string(gosubs.ProcessingInFlight))
	if err != nil {
		return wrapUnavailable("failed to release event", err)
	}
	return nil
}

// MarkEventRejected implements gosubs.EventLedger
func (s *Storage) MarkEventRejected(ctx context.Context, provider gosubs.ProviderTag, eventID, reason string,
	at time.Time) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE payment_events
			SET processing_status = CASE WHEN processing_status = $3 THEN $4 ELSE processing_status END,
				reason = CASE WHEN processing_status = $3 THEN $5 ELSE reason END,
				processed_at = CASE WHEN processing_status = $3 THEN $6 ELSE processed_at END
			WHERE provider = $1 AND event_id = $2
			RETURNING processing_status`,
		string(provider), eventID, string(gosubs.ProcessingInFlight), string(gosubs.ProcessingRejected),
		reason, at).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return gosubs.ErrEventNotFound
	}
	if err != nil {
		return wrapUnavailable("failed to reject event", err)
	}
	return nil
}

// GetEvent implements gosubs.EventLedger
func (s *Storage) GetEvent(ctx context.Context, provider gosubs.ProviderTag, eventID string) (*gosubs.PaymentEvent, error) {
	var ev gosubs.PaymentEvent
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT provider, event_id, event_type, received_at, processing_status, processed_at, reason
			FROM payment_events WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID).Scan(
		&ev.Provider,
		&ev.EventID,
		&ev.EventType,
		&ev.ReceivedAt,
		&status,
		&ev.ProcessedAt,
		&ev.Reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrEventNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("failed to get event", err)
	}
	ev.Status = gosubs.ProcessingStatus(status)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.ProcessedAt = utcPtr(ev.ProcessedAt)
	return &ev, nil
}

// startCleanup runs periodic cleanup of finished event ledger rows
func (s *Storage) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("event ledger cleanup failed", gosubs.F("error", err))
			}
		}
	}
}

// Cleanup deletes processed and rejected event rows older than the retention window.
// Rows still in processing are never removed.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM payment_events
			WHERE processing_status IN ($1, $2) AND processed_at < $3`,
		string(gosubs.ProcessingDone), string(gosubs.ProcessingRejected), cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup payment events: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("event ledger cleaned", gosubs.F("deleted", n))
	}
	return nil
}

// wrapUnavailable marks connection-level failures so callers can answer 503.
func wrapUnavailable(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, gosubs.ErrStorageUnavailable, err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

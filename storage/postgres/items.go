package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const itemColumns = `id, user_id, name, amount, currency, due_date, interval, anchor_day, status, created_at, updated_at`

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func scanItem(row pgx.Row) (*gosubs.RecurringItem, error) {
	var item gosubs.RecurringItem
	var interval, status string
	err := row.Scan(&item.ID, &item.UserID, &item.Name, &item.Amount, &item.Currency, &item.DueDate,
		&interval, &item.AnchorDay, &status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Interval = gosubs.Interval(interval)
	item.Status = gosubs.ItemStatus(status)
	item.DueDate = item.DueDate.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func saveItem(ctx context.Context, db execer, item *gosubs.RecurringItem) error {
	_, err := db.Exec(ctx,
		`INSERT INTO recurring_items (`+itemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				due_date = EXCLUDED.due_date,
				interval = EXCLUDED.interval,
				anchor_day = EXCLUDED.anchor_day,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`,
		item.ID, item.UserID, item.Name, item.Amount, item.Currency, item.DueDate,
		string(item.Interval), item.AnchorDay, string(item.Status), item.CreatedAt, item.UpdatedAt)
	return err
}

// SaveRecurringItem implements gosubs.ItemStore
func (s *Storage) SaveRecurringItem(ctx context.Context, item *gosubs.RecurringItem) error {
	if item == nil || item.ID == "" || item.UserID == "" {
		return fmt.Errorf("invalid recurring item")
	}
	if err := saveItem(ctx, s.pool, item); err != nil {
		return wrapUnavailable("failed to save recurring item", err)
	}
	return nil
}

// GetRecurringItem implements gosubs.ItemStore
func (s *Storage) GetRecurringItem(ctx context.Context, itemID string) (*gosubs.RecurringItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM recurring_items WHERE id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrItemNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("failed to get recurring item", err)
	}
	return item, nil
}

// ListRecurringItems implements gosubs.ItemStore
func (s *Storage) ListRecurringItems(ctx context.Context, userID string) ([]*gosubs.RecurringItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM recurring_items WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, wrapUnavailable("failed to list recurring items", err)
	}
	defer rows.Close()

	out := make([]*gosubs.RecurringItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recurring item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("failed to list recurring items", err)
	}
	return out, nil
}

// ListConfirmations implements gosubs.ItemStore
func (s *Storage) ListConfirmations(ctx context.Context, itemID string) ([]*gosubs.PaymentConfirmation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, recurring_item_id, due_date, outcome, confirmed_at
			FROM payment_confirmations WHERE recurring_item_id = $1
			ORDER BY confirmed_at, id`, itemID)
	if err != nil {
		return nil, wrapUnavailable("failed to list confirmations", err)
	}
	defer rows.Close()

	out := make([]*gosubs.PaymentConfirmation, 0)
	for rows.Next() {
		var c gosubs.PaymentConfirmation
		var outcome string
		if err := rows.Scan(&c.ID, &c.RecurringItemID, &c.DueDate, &outcome, &c.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		c.Outcome = gosubs.Outcome(outcome)
		c.DueDate = c.DueDate.UTC()
		c.ConfirmedAt = c.ConfirmedAt.UTC()
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("failed to list confirmations", err)
	}
	return out, nil
}

// UpdateRecurringItem implements gosubs.ItemStore. The item row is locked with FOR UPDATE so
// concurrent confirmations of the same item serialize.
func (s *Storage) UpdateRecurringItem(ctx context.Context, itemID string,
	fn func(item *gosubs.RecurringItem) (*gosubs.PaymentConfirmation, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapUnavailable("failed to begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	item, err := scanItem(tx.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM recurring_items WHERE id = $1 FOR UPDATE`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return gosubs.ErrItemNotFound
	}
	if err != nil {
		return wrapUnavailable("failed to lock recurring item", err)
	}

	conf, err := fn(item)
	if err != nil {
		return err
	}

	if err := saveItem(ctx, tx, item); err != nil {
		return fmt.Errorf("failed to save recurring item: %w", err)
	}
	if conf != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO payment_confirmations (id, recurring_item_id, due_date, outcome, confirmed_at)
				VALUES ($1, $2, $3, $4, $5)`,
			conf.ID, conf.RecurringItemID, conf.DueDate, string(conf.Outcome), conf.ConfirmedAt)
		if err != nil {
			return fmt.Errorf("failed to record confirmation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapUnavailable("failed to commit", err)
	}
	return nil
}

// GetDeletionRecord implements gosubs.DeletionStore
func (s *Storage) GetDeletionRecord(ctx context.Context, userID string) (*gosubs.DeletionRecord, error) {
	var rec gosubs.DeletionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, deleted_at, purge_at, recovered_at, purged_at, warned_at
			FROM deletion_records WHERE user_id = $1`, userID).Scan(
		&rec.UserID, &rec.DeletedAt, &rec.PurgeAt, &rec.RecoveredAt, &rec.PurgedAt, &rec.WarnedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrDeletionNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("failed to get deletion record", err)
	}
	normalizeDeletion(&rec)
	return &rec, nil
}

// SaveDeletionRecord implements gosubs.DeletionStore
func (s *Storage) SaveDeletionRecord(ctx context.Context, rec *gosubs.DeletionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid deletion record")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deletion_records (user_id, deleted_at, purge_at, recovered_at, purged_at, warned_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id) DO UPDATE SET
				deleted_at = EXCLUDED.deleted_at,
				purge_at = EXCLUDED.purge_at,
				recovered_at = EXCLUDED.recovered_at,
				purged_at = EXCLUDED.purged_at,
				warned_at = EXCLUDED.warned_at`,
		rec.UserID, rec.DeletedAt, rec.PurgeAt, rec.RecoveredAt, rec.PurgedAt, rec.WarnedAt)
	if err != nil {
		return wrapUnavailable("failed to save deletion record", err)
	}
	return nil
}

// ListPendingDeletions implements gosubs.DeletionStore
func (s *Storage) ListPendingDeletions(ctx context.Context, markedBefore time.Time) ([]*gosubs.DeletionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, deleted_at, purge_at, recovered_at, purged_at, warned_at
			FROM deletion_records
			WHERE recovered_at IS NULL AND purged_at IS NULL AND deleted_at <= $1
			ORDER BY deleted_at`, markedBefore)
	if err != nil {
		return nil, wrapUnavailable("failed to list pending deletions", err)
	}
	defer rows.Close()

	out := make([]*gosubs.DeletionRecord, 0)
	for rows.Next() {
		var rec gosubs.DeletionRecord
		if err := rows.Scan(&rec.UserID, &rec.DeletedAt, &rec.PurgeAt, &rec.RecoveredAt, &rec.PurgedAt, &rec.WarnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deletion record: %w", err)
		}
		normalizeDeletion(&rec)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("failed to list pending deletions", err)
	}
	return out, nil
}

// PurgeUserData implements gosubs.DeletionStore. Children are deleted before parents, inside
// the user's aggregate lock so no notification can recreate rows mid-purge.
func (s *Storage) PurgeUserData(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapUnavailable("failed to begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := advisoryLock(ctx, tx, gosubs.SubscriptionKey{UserID: userID}.LockKey()); err != nil {
		return err
	}

	statements := []struct {
		table string
		sql   string
	}{
		{"payment_confirmations", `DELETE FROM payment_confirmations
			WHERE recurring_item_id IN (SELECT id FROM recurring_items WHERE user_id = $1)`},
		{"recurring_items", `DELETE FROM recurring_items WHERE user_id = $1`},
		{"transactions", `DELETE FROM transactions
			WHERE subscription_id IN (SELECT id FROM subscriptions WHERE user_id = $1)`},
		{"subscriptions", `DELETE FROM subscriptions WHERE user_id = $1`},
	}
	for _, st := range statements {
		if _, err := tx.Exec(ctx, st.sql, userID); err != nil {
			return fmt.Errorf("failed to purge %s: %w", st.table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapUnavailable("failed to commit", err)
	}
	return nil
}

func normalizeDeletion(rec *gosubs.DeletionRecord) {
	rec.DeletedAt = rec.DeletedAt.UTC()
	rec.PurgeAt = rec.PurgeAt.UTC()
	rec.RecoveredAt = utcPtr(rec.RecoveredAt)
	rec.PurgedAt = utcPtr(rec.PurgedAt)
	rec.WarnedAt = utcPtr(rec.WarnedAt)
}

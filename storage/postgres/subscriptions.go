package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

const subscriptionColumns = `id, user_id, tier, status, provider, provider_customer_ref, provider_subscription_ref,
	product_id, billing_cycle, environment, current_period_start, current_period_end, cancel_at_period_end,
	paused_until, grace_started_at, refunded_at, last_event_at, created_at, updated_at, grace_warned_at`

const newestFirst = `ORDER BY created_at DESC, seq DESC LIMIT 1`

func scanSubscription(row pgx.Row) (*gosubs.Subscription, error) {
	var sub gosubs.Subscription
	var tier, status, provider, env string
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&tier,
		&status,
		&provider,
		&sub.ProviderCustomerRef,
		&sub.ProviderSubscriptionRef,
		&sub.ProductID,
		&sub.BillingCycle,
		&env,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.PausedUntil,
		&sub.GraceStartedAt,
		&sub.RefundedAt,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&sub.GraceWarnedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Tier = gosubs.Tier(tier)
	sub.Status = gosubs.Status(status)
	sub.Provider = gosubs.ProviderTag(provider)
	sub.Environment = gosubs.Environment(env)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.PausedUntil = utcPtr(sub.PausedUntil)
	sub.GraceStartedAt = utcPtr(sub.GraceStartedAt)
	sub.RefundedAt = utcPtr(sub.RefundedAt)
	sub.GraceWarnedAt = utcPtr(sub.GraceWarnedAt)
	sub.LastEventAt = sub.LastEventAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// GetSubscription implements gosubs.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*gosubs.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 `+newestFirst, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("failed to get subscription", err)
	}
	return sub, nil
}

// GetSubscriptionByRef implements gosubs.SubscriptionStore
func (s *Storage) GetSubscriptionByRef(ctx context.Context, provider gosubs.ProviderTag,
	subscriptionRef string) (*gosubs.Subscription, error) {
	if subscriptionRef == "" {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider = $1 AND provider_subscription_ref = $2 `+newestFirst,
		string(provider), subscriptionRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("failed to get subscription", err)
	}
	return sub, nil
}

// ListSubscriptions implements gosubs.SubscriptionStore
func (s *Storage) ListSubscriptions(ctx context.Context, filter gosubs.SubscriptionFilter) ([]*gosubs.Subscription, error) {
	var where []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Provider != "" {
		add("provider = $%d", string(filter.Provider))
	}
	if filter.CustomerRef != "" {
		add("provider_customer_ref = $%d", filter.CustomerRef)
	}
	if filter.WithProviderRef {
		where = append(where, "provider_subscription_ref <> ''")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.GraceStartedBefore != nil {
		add("grace_started_at <= $%d", *filter.GraceStartedBefore)
	}
	if filter.PeriodEndedBefore != nil {
		add("current_period_end <= $%d", *filter.PeriodEndedBefore)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapUnavailable("failed to list subscriptions", err)
	}
	defer rows.Close()

	out := make([]*gosubs.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("failed to list subscriptions", err)
	}
	return out, nil
}

const transactionColumns = `id, subscription_id, provider_ref, amount, currency, status, occurred_at, updated_at`

func scanTransaction(row pgx.Row) (*gosubs.Transaction, error) {
	var t gosubs.Transaction
	var status string
	err := row.Scan(&t.ID, &t.SubscriptionID, &t.ProviderRef, &t.Amount, &t.Currency, &status,
		&t.OccurredAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = gosubs.TransactionStatus(status)
	t.OccurredAt = t.OccurredAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func getTransaction(ctx context.Context, q querier, providerRef string) (*gosubs.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider_ref = $1`, providerRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gosubs.ErrTransactionNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("failed to get transaction", err)
	}
	return t, nil
}

// GetTransaction implements gosubs.SubscriptionStore
func (s *Storage) GetTransaction(ctx context.Context, providerRef string) (*gosubs.Transaction, error) {
	return getTransaction(ctx, s.pool, providerRef)
}

// ListTransactions implements gosubs.SubscriptionStore
func (s *Storage) ListTransactions(ctx context.Context, subscriptionID string) ([]*gosubs.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
			WHERE subscription_id = $1 ORDER BY occurred_at, provider_ref`, subscriptionID)
	if err != nil {
		return nil, wrapUnavailable("failed to list transactions", err)
	}
	defer rows.Close()

	out := make([]*gosubs.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("failed to list transactions", err)
	}
	return out, nil
}

// UpdateSubscription implements gosubs.SubscriptionStore.
//
// Advisory locks are taken in the order subscription reference, then user, so a notification
// carrying only a user id and one carrying the provider reference serialize on the same record.
func (s *Storage) UpdateSubscription(ctx context.Context, key gosubs.SubscriptionKey,
	fn func(tx gosubs.SubscriptionTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapUnavailable("failed to begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if key.SubscriptionRef != "" {
		if err := advisoryLock(ctx, tx, key.LockKey()); err != nil {
			return err
		}
	}

	// no row lock is held while waiting for the user lock
	userID := key.UserID
	peek, err := findCurrent(ctx, tx, key, false)
	if err != nil {
		return err
	}
	if peek != nil {
		userID = peek.UserID
	}
	if userID != "" {
		if err := advisoryLock(ctx, tx, gosubs.SubscriptionKey{UserID: userID}.LockKey()); err != nil {
			return err
		}
	}

	current, err := findCurrent(ctx, tx, key, true)
	if err != nil {
		return err
	}

	if err := fn(&pgTx{tx: tx, current: current}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapUnavailable("failed to commit", err)
	}
	return nil
}

func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return wrapUnavailable("failed to acquire aggregate lock", err)
	}
	return nil
}

// findCurrent selects the record governed by the key's provider reference, falling back to the
// user's most recent record. With lock set the row is locked for the transaction.
func findCurrent(ctx context.Context, tx pgx.Tx, key gosubs.SubscriptionKey, lock bool) (*gosubs.Subscription, error) {
	suffix := ""
	if lock {
		suffix = " FOR UPDATE"
	}
	if key.SubscriptionRef != "" {
		sub, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions
				WHERE provider = $1 AND provider_subscription_ref = $2 `+newestFirst+suffix,
			string(key.Provider), key.SubscriptionRef))
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapUnavailable("failed to lock subscription", err)
		}
	}
	if key.UserID == "" {
		return nil, nil
	}
	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 `+newestFirst+suffix,
		key.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("failed to lock subscription", err)
	}
	return sub, nil
}

type pgTx struct {
	tx      pgx.Tx
	current *gosubs.Subscription
}

func (t *pgTx) Current() *gosubs.Subscription {
	return t.current.Clone()
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub *gosubs.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (id) DO UPDATE SET
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				provider = EXCLUDED.provider,
				provider_customer_ref = EXCLUDED.provider_customer_ref,
				provider_subscription_ref = EXCLUDED.provider_subscription_ref,
				product_id = EXCLUDED.product_id,
				billing_cycle = EXCLUDED.billing_cycle,
				environment = EXCLUDED.environment,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				paused_until = EXCLUDED.paused_until,
				grace_started_at = EXCLUDED.grace_started_at,
				refunded_at = EXCLUDED.refunded_at,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at,
				grace_warned_at = EXCLUDED.grace_warned_at`,
		sub.ID, sub.UserID, string(sub.Tier), string(sub.Status), string(sub.Provider),
		sub.ProviderCustomerRef, sub.ProviderSubscriptionRef, sub.ProductID, sub.BillingCycle,
		string(sub.Environment), sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.PausedUntil, sub.GraceStartedAt, sub.RefundedAt, sub.LastEventAt, sub.CreatedAt, sub.UpdatedAt,
		sub.GraceWarnedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, providerRef string) (*gosubs.Transaction, error) {
	return getTransaction(ctx, t.tx, providerRef)
}

func (t *pgTx) SaveTransaction(ctx context.Context, txn *gosubs.Transaction) error {
	if txn == nil || txn.ProviderRef == "" {
		return fmt.Errorf("invalid transaction")
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (provider_ref) DO UPDATE SET
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at`,
		txn.ID, txn.SubscriptionID, txn.ProviderRef, txn.Amount, txn.Currency, string(txn.Status),
		txn.OccurredAt, txn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, provider gosubs.ProviderTag, eventID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payment_events (provider, event_id, received_at, processing_status, processed_at)
			VALUES ($1, $2, $3, $4, $3)
			ON CONFLICT (provider, event_id) DO UPDATE SET
				processing_status = EXCLUDED.processing_status,
				processed_at = EXCLUDED.processed_at
			WHERE payment_events.processing_status = $5`,
		string(provider), eventID, at, string(gosubs.ProcessingDone), string(gosubs.ProcessingInFlight))
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

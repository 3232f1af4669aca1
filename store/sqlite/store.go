// Package sqlite implements the Rebill store on SQLite using database/sql
// and the mattn/go-sqlite3 driver. It suits embedded and single-node
// deployments; the schema mirrors the PostgreSQL backend with JSON kept
// in TEXT columns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rebillhq/rebill"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	rebillstore "github.com/rebillhq/rebill/store"
	"github.com/rebillhq/rebill/subscription"
)

// compile-time interface check
var _ rebillstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the SQLite database at dsn. The pool is capped
// at a single connection: SQLite allows one writer, and ":memory:"
// databases exist per connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("rebill/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db), nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies any unapplied schema migrations, recording versions in
// rebill_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS rebill_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`)
	if err != nil {
		return fmt.Errorf("rebill/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM rebill_migrations WHERE version = ?)`, m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("rebill/sqlite: check migration %s: %w", m.Name, err)
		}
		if applied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("rebill/sqlite: begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rebill/sqlite: apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rebill_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name,
		); err != nil {
			_ = tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rebill/sqlite: record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("rebill/sqlite: commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

const subscriptionColumns = `id, customer_id, status, amount_cents, amount_currency,
cadence, interval_days, anchor_day, period_start, period_end, period_number,
retry_attempts, retry_max, next_retry_at, last_failure, grace_extensions, max_grace_extensions,
payment_method, discount_code, trial_end, grace_end, canceled_at, cancel_reason,
history, metadata, created_at, updated_at`

const subscriptionPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

func subscriptionArgs(m *subscriptionModel) []interface{} {
	return []interface{}{
		m.ID, m.CustomerID, m.Status, m.AmountCents, m.AmountCurrency,
		m.Cadence, m.IntervalDays, m.AnchorDay, m.PeriodStart, m.PeriodEnd, m.PeriodNumber,
		m.RetryAttempts, m.RetryMax, m.NextRetryAt, m.LastFailure, m.GraceExtensions, m.MaxGraceExtensions,
		m.PaymentMethod, m.DiscountCode, m.TrialEnd, m.GraceEnd, m.CanceledAt, m.CancelReason,
		m.History, m.Metadata, m.CreatedAt, m.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := row.Scan(
		&m.ID, &m.CustomerID, &m.Status, &m.AmountCents, &m.AmountCurrency,
		&m.Cadence, &m.IntervalDays, &m.AnchorDay, &m.PeriodStart, &m.PeriodEnd, &m.PeriodNumber,
		&m.RetryAttempts, &m.RetryMax, &m.NextRetryAt, &m.LastFailure, &m.GraceExtensions, &m.MaxGraceExtensions,
		&m.PaymentMethod, &m.DiscountCode, &m.TrialEnd, &m.GraceEnd, &m.CanceledAt, &m.CancelReason,
		&m.History, &m.Metadata, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rebill_subscriptions (`+subscriptionColumns+`) VALUES (`+subscriptionPlaceholders+`)`,
		subscriptionArgs(m)...,
	)
	if isUniqueViolation(err) {
		return rebill.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM rebill_subscriptions WHERE id = ?`,
		subID.String(),
	)
	sub, err := scanSubscription(row)
	if isNoRows(err) {
		return nil, rebill.ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions WHERE customer_id = ?`
	args := []interface{}{customerID}

	if opts.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY created_at DESC, id ASC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	return s.querySubscriptions(ctx, q, args...)
}

// UpdateSubscription writes the full record, inserting when it does not
// exist yet. Saves are idempotent upserts keyed by ID.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rebill_subscriptions (`+subscriptionColumns+`) VALUES (`+subscriptionPlaceholders+`)
ON CONFLICT (id) DO UPDATE SET
    customer_id = excluded.customer_id,
    status = excluded.status,
    amount_cents = excluded.amount_cents,
    amount_currency = excluded.amount_currency,
    cadence = excluded.cadence,
    interval_days = excluded.interval_days,
    anchor_day = excluded.anchor_day,
    period_start = excluded.period_start,
    period_end = excluded.period_end,
    period_number = excluded.period_number,
    retry_attempts = excluded.retry_attempts,
    retry_max = excluded.retry_max,
    next_retry_at = excluded.next_retry_at,
    last_failure = excluded.last_failure,
    grace_extensions = excluded.grace_extensions,
    max_grace_extensions = excluded.max_grace_extensions,
    payment_method = excluded.payment_method,
    discount_code = excluded.discount_code,
    trial_end = excluded.trial_end,
    grace_end = excluded.grace_end,
    canceled_at = excluded.canceled_at,
    cancel_reason = excluded.cancel_reason,
    history = excluded.history,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		subscriptionArgs(m)...,
	)
	return err
}

// ==================== Sweep queries ====================

func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status = 'active' AND period_end < ?
ORDER BY period_end ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now.UTC())
}

func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status = 'retry' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
ORDER BY next_retry_at ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now.UTC())
}

func (s *Store) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status IN ('past_due', 'grace_period') AND grace_end IS NOT NULL AND grace_end < ?
ORDER BY grace_end ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now.UTC())
}

func (s *Store) ListTrialsEnding(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status = 'trialing' AND trial_end IS NOT NULL AND trial_end <= ?
ORDER BY trial_end ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now.UTC())
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var result []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// ==================== Payment Store ====================

const paymentColumns = `id, subscription_id, status, amount_cents, amount_currency,
refunded_cents, refunded_currency, idempotency_key, provider_ref, attempt_number,
period_start, period_end, processed_at, failure, history, created_at, updated_at`

const paymentPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

func paymentArgs(m *paymentModel) []interface{} {
	return []interface{}{
		m.ID, m.SubscriptionID, m.Status, m.AmountCents, m.AmountCurrency,
		m.RefundedCents, m.RefundedCurrency, m.IdempotencyKey, m.ProviderRef, m.AttemptNumber,
		m.PeriodStart, m.PeriodEnd, m.ProcessedAt, m.Failure, m.History, m.CreatedAt, m.UpdatedAt,
	}
}

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var m paymentModel
	err := row.Scan(
		&m.ID, &m.SubscriptionID, &m.Status, &m.AmountCents, &m.AmountCurrency,
		&m.RefundedCents, &m.RefundedCurrency, &m.IdempotencyKey, &m.ProviderRef, &m.AttemptNumber,
		&m.PeriodStart, &m.PeriodEnd, &m.ProcessedAt, &m.Failure, &m.History, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return fromPaymentModel(&m)
}

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	m := toPaymentModel(p)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rebill_payments (`+paymentColumns+`) VALUES (`+paymentPlaceholders+`)`,
		paymentArgs(m)...,
	)
	if isUniqueViolation(err) {
		return rebill.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM rebill_payments WHERE id = ?`,
		payID.String(),
	)
	p, err := scanPayment(row)
	if isNoRows(err) {
		return nil, rebill.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	m := toPaymentModel(p)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rebill_payments (`+paymentColumns+`) VALUES (`+paymentPlaceholders+`)
ON CONFLICT (id) DO UPDATE SET
    subscription_id = excluded.subscription_id,
    status = excluded.status,
    amount_cents = excluded.amount_cents,
    amount_currency = excluded.amount_currency,
    refunded_cents = excluded.refunded_cents,
    refunded_currency = excluded.refunded_currency,
    idempotency_key = excluded.idempotency_key,
    provider_ref = excluded.provider_ref,
    attempt_number = excluded.attempt_number,
    period_start = excluded.period_start,
    period_end = excluded.period_end,
    processed_at = excluded.processed_at,
    failure = excluded.failure,
    history = excluded.history,
    updated_at = excluded.updated_at`,
		paymentArgs(m)...,
	)
	return err
}

func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM rebill_payments WHERE idempotency_key = ?`,
		key,
	)
	p, err := scanPayment(row)
	if isNoRows(err) {
		return nil, rebill.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) ListPaymentsBySubscription(ctx context.Context, subID id.SubscriptionID, opts payment.ListOpts) ([]*payment.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM rebill_payments WHERE subscription_id = ?`
	args := []interface{}{subID.String()}

	if opts.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if !opts.Start.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, opts.End.UTC())
	}
	q += ` ORDER BY created_at DESC, attempt_number DESC, id DESC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var result []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ==================== Discount Store ====================

const discountColumns = `id, code, name, type, amount_cents, amount_currency, percentage,
max_redemptions, times_redeemed, valid_from, valid_until, metadata, created_at, updated_at`

const discountPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

func discountArgs(m *discountModel) []interface{} {
	return []interface{}{
		m.ID, m.Code, m.Name, m.Type, m.AmountCents, m.AmountCurrency, m.Percentage,
		m.MaxRedemptions, m.TimesRedeemed, m.ValidFrom, m.ValidUntil, m.Metadata, m.CreatedAt, m.UpdatedAt,
	}
}

func scanDiscount(row rowScanner) (*discount.Discount, error) {
	var m discountModel
	err := row.Scan(
		&m.ID, &m.Code, &m.Name, &m.Type, &m.AmountCents, &m.AmountCurrency, &m.Percentage,
		&m.MaxRedemptions, &m.TimesRedeemed, &m.ValidFrom, &m.ValidUntil, &m.Metadata, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return fromDiscountModel(&m)
}

func (s *Store) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	m := toDiscountModel(d)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rebill_discounts (`+discountColumns+`) VALUES (`+discountPlaceholders+`)`,
		discountArgs(m)...,
	)
	if isUniqueViolation(err) {
		return rebill.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetDiscount(ctx context.Context, code string) (*discount.Discount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM rebill_discounts WHERE code = ?`,
		code,
	)
	d, err := scanDiscount(row)
	if isNoRows(err) {
		return nil, rebill.ErrDiscountNotFound
	}
	return d, err
}

func (s *Store) GetDiscountByID(ctx context.Context, discountID id.DiscountID) (*discount.Discount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM rebill_discounts WHERE id = ?`,
		discountID.String(),
	)
	d, err := scanDiscount(row)
	if isNoRows(err) {
		return nil, rebill.ErrDiscountNotFound
	}
	return d, err
}

func (s *Store) ListDiscounts(ctx context.Context, opts discount.ListOpts) ([]*discount.Discount, error) {
	q := `SELECT ` + discountColumns + ` FROM rebill_discounts`
	var args []interface{}

	if opts.Active {
		now := time.Now().UTC()
		q += ` WHERE (valid_from IS NULL OR valid_from <= ?)
AND (valid_until IS NULL OR valid_until >= ?)
AND (max_redemptions = 0 OR times_redeemed < max_redemptions)`
		args = append(args, now, now)
	}
	q += ` ORDER BY code ASC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var result []*discount.Discount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	m := toDiscountModel(d)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rebill_discounts (`+discountColumns+`) VALUES (`+discountPlaceholders+`)
ON CONFLICT (id) DO UPDATE SET
    code = excluded.code,
    name = excluded.name,
    type = excluded.type,
    amount_cents = excluded.amount_cents,
    amount_currency = excluded.amount_currency,
    percentage = excluded.percentage,
    max_redemptions = excluded.max_redemptions,
    times_redeemed = excluded.times_redeemed,
    valid_from = excluded.valid_from,
    valid_until = excluded.valid_until,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		discountArgs(m)...,
	)
	return err
}

func (s *Store) DeleteDiscount(ctx context.Context, discountID id.DiscountID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rebill_discounts WHERE id = ?`,
		discountID.String(),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return rebill.ErrDiscountNotFound
	}
	return nil
}

// ==================== Helpers ====================

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation checks for a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

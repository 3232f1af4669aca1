// Package postgres implements the Rebill store on PostgreSQL using
// database/sql and the lib/pq driver. Nested structures (history, failure
// details, metadata) are stored as JSONB; everything the sweep queries
// filter on is a flat indexed column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rebillhq/rebill"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	rebillstore "github.com/rebillhq/rebill/store"
	"github.com/rebillhq/rebill/subscription"
)

// compile-time interface check
var _ rebillstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rebill/postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
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
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("rebill/postgres: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM rebill_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("rebill/postgres: check migration %s: %w", m.Name, err)
		}
		if applied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("rebill/postgres: begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rebill/postgres: apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rebill_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name,
		); err != nil {
			_ = tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rebill/postgres: record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("rebill/postgres: commit migration %s: %w", m.Name, err)
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

const subscriptionPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27`

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
		`SELECT `+subscriptionColumns+` FROM rebill_subscriptions WHERE id = $1`,
		subID.String(),
	)
	sub, err := scanSubscription(row)
	if isNoRows(err) {
		return nil, rebill.ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *Store) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions WHERE customer_id = $1`
	args := []interface{}{customerID}

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
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
    customer_id = EXCLUDED.customer_id,
    status = EXCLUDED.status,
    amount_cents = EXCLUDED.amount_cents,
    amount_currency = EXCLUDED.amount_currency,
    cadence = EXCLUDED.cadence,
    interval_days = EXCLUDED.interval_days,
    anchor_day = EXCLUDED.anchor_day,
    period_start = EXCLUDED.period_start,
    period_end = EXCLUDED.period_end,
    period_number = EXCLUDED.period_number,
    retry_attempts = EXCLUDED.retry_attempts,
    retry_max = EXCLUDED.retry_max,
    next_retry_at = EXCLUDED.next_retry_at,
    last_failure = EXCLUDED.last_failure,
    grace_extensions = EXCLUDED.grace_extensions,
    max_grace_extensions = EXCLUDED.max_grace_extensions,
    payment_method = EXCLUDED.payment_method,
    discount_code = EXCLUDED.discount_code,
    trial_end = EXCLUDED.trial_end,
    grace_end = EXCLUDED.grace_end,
    canceled_at = EXCLUDED.canceled_at,
    cancel_reason = EXCLUDED.cancel_reason,
    history = EXCLUDED.history,
    metadata = EXCLUDED.metadata,
    updated_at = EXCLUDED.updated_at`,
		subscriptionArgs(m)...,
	)
	return err
}

// ==================== Sweep queries ====================

func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status = 'active' AND period_end < $1
ORDER BY period_end ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now)
}

func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status = 'retry' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
ORDER BY next_retry_at ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now)
}

func (s *Store) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status IN ('past_due', 'grace_period') AND grace_end IS NOT NULL AND grace_end < $1
ORDER BY grace_end ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now)
}

func (s *Store) ListTrialsEnding(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM rebill_subscriptions
WHERE status = 'trialing' AND trial_end IS NOT NULL AND trial_end <= $1
ORDER BY trial_end ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySubscriptions(ctx, q, now)
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

const paymentPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17`

func paymentArgs(m *paymentModel) []interface{} {
	return []interface{}{
		m.ID, m.SubscriptionID, m.Status, m.AmountCents, m.AmountCurrency,
		m.RefundedCents, m.RefundedCurrency, m.IdempotencyKey, m.ProviderRef, m.AttemptNumber,
		m.PeriodStart, m.PeriodEnd, m.ProcessedAt, m.Failure, m.History, m.CreatedAt, m.UpdatedAt,
	}
}

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var m paymentModel
	var failure []byte // nullable column; *json.RawMessage cannot scan NULL
	err := row.Scan(
		&m.ID, &m.SubscriptionID, &m.Status, &m.AmountCents, &m.AmountCurrency,
		&m.RefundedCents, &m.RefundedCurrency, &m.IdempotencyKey, &m.ProviderRef, &m.AttemptNumber,
		&m.PeriodStart, &m.PeriodEnd, &m.ProcessedAt, &failure, &m.History, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Failure = failure
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
		`SELECT `+paymentColumns+` FROM rebill_payments WHERE id = $1`,
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
    subscription_id = EXCLUDED.subscription_id,
    status = EXCLUDED.status,
    amount_cents = EXCLUDED.amount_cents,
    amount_currency = EXCLUDED.amount_currency,
    refunded_cents = EXCLUDED.refunded_cents,
    refunded_currency = EXCLUDED.refunded_currency,
    idempotency_key = EXCLUDED.idempotency_key,
    provider_ref = EXCLUDED.provider_ref,
    attempt_number = EXCLUDED.attempt_number,
    period_start = EXCLUDED.period_start,
    period_end = EXCLUDED.period_end,
    processed_at = EXCLUDED.processed_at,
    failure = EXCLUDED.failure,
    history = EXCLUDED.history,
    updated_at = EXCLUDED.updated_at`,
		paymentArgs(m)...,
	)
	return err
}

func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM rebill_payments WHERE idempotency_key = $1`,
		key,
	)
	p, err := scanPayment(row)
	if isNoRows(err) {
		return nil, rebill.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) ListPaymentsBySubscription(ctx context.Context, subID id.SubscriptionID, opts payment.ListOpts) ([]*payment.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM rebill_payments WHERE subscription_id = $1`
	args := []interface{}{subID.String()}

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !opts.Start.IsZero() {
		args = append(args, opts.Start)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !opts.End.IsZero() {
		args = append(args, opts.End)
		q += fmt.Sprintf(" AND created_at <= $%d", len(args))
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

const discountPlaceholders = `$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14`

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
		`SELECT `+discountColumns+` FROM rebill_discounts WHERE code = $1`,
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
		`SELECT `+discountColumns+` FROM rebill_discounts WHERE id = $1`,
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
		args = append(args, now, now)
		q += ` WHERE (valid_from IS NULL OR valid_from <= $1)
AND (valid_until IS NULL OR valid_until >= $2)
AND (max_redemptions = 0 OR times_redeemed < max_redemptions)`
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
    code = EXCLUDED.code,
    name = EXCLUDED.name,
    type = EXCLUDED.type,
    amount_cents = EXCLUDED.amount_cents,
    amount_currency = EXCLUDED.amount_currency,
    percentage = EXCLUDED.percentage,
    max_redemptions = EXCLUDED.max_redemptions,
    times_redeemed = EXCLUDED.times_redeemed,
    valid_from = EXCLUDED.valid_from,
    valid_until = EXCLUDED.valid_until,
    metadata = EXCLUDED.metadata,
    updated_at = EXCLUDED.updated_at`,
		discountArgs(m)...,
	)
	return err
}

func (s *Store) DeleteDiscount(ctx context.Context, discountID id.DiscountID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rebill_discounts WHERE id = $1`,
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

// isUniqueViolation checks for a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

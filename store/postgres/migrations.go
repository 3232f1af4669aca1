package postgres

// migration is one ordered schema step. Versions are applied once and
// recorded in rebill_migrations.
type migration struct {
	Name    string
	Version string
	Up      string
	Down    string
}

var migrations = []migration{
	{
		Name:    "create_rebill_subscriptions",
		Version: "20250101000001",
		Up: `
CREATE TABLE IF NOT EXISTS rebill_subscriptions (
    id                   TEXT PRIMARY KEY,
    customer_id          TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL DEFAULT 'pending',
    amount_cents         BIGINT NOT NULL DEFAULT 0,
    amount_currency      TEXT NOT NULL DEFAULT '',
    cadence              TEXT NOT NULL DEFAULT 'monthly',
    interval_days        INT NOT NULL DEFAULT 0,
    anchor_day           INT NOT NULL DEFAULT 0,
    period_start         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    period_end           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    period_number        INT NOT NULL DEFAULT 1,
    retry_attempts       INT NOT NULL DEFAULT 0,
    retry_max            INT NOT NULL DEFAULT 0,
    next_retry_at        TIMESTAMPTZ,
    last_failure         TEXT NOT NULL DEFAULT '',
    grace_extensions     INT NOT NULL DEFAULT 0,
    max_grace_extensions INT NOT NULL DEFAULT 0,
    payment_method       TEXT NOT NULL DEFAULT '',
    discount_code        TEXT NOT NULL DEFAULT '',
    trial_end            TIMESTAMPTZ,
    grace_end            TIMESTAMPTZ,
    canceled_at          TIMESTAMPTZ,
    cancel_reason        TEXT NOT NULL DEFAULT '',
    history              JSONB NOT NULL DEFAULT '[]',
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_rebill_subs_customer ON rebill_subscriptions (customer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_rebill_subs_due ON rebill_subscriptions (status, period_end);
CREATE INDEX IF NOT EXISTS idx_rebill_subs_retry ON rebill_subscriptions (status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_rebill_subs_grace ON rebill_subscriptions (status, grace_end);
CREATE INDEX IF NOT EXISTS idx_rebill_subs_trial ON rebill_subscriptions (status, trial_end);
`,
		Down: `DROP TABLE IF EXISTS rebill_subscriptions`,
	},
	{
		Name:    "create_rebill_payments",
		Version: "20250101000002",
		Up: `
CREATE TABLE IF NOT EXISTS rebill_payments (
    id                TEXT PRIMARY KEY,
    subscription_id   TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'pending',
    amount_cents      BIGINT NOT NULL DEFAULT 0,
    amount_currency   TEXT NOT NULL DEFAULT '',
    refunded_cents    BIGINT NOT NULL DEFAULT 0,
    refunded_currency TEXT NOT NULL DEFAULT '',
    idempotency_key   TEXT NOT NULL DEFAULT '',
    provider_ref      TEXT NOT NULL DEFAULT '',
    attempt_number    INT NOT NULL DEFAULT 1,
    period_start      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    period_end        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at      TIMESTAMPTZ,
    failure           JSONB,
    history           JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_rebill_payments_sub ON rebill_payments (subscription_id, created_at);
CREATE INDEX IF NOT EXISTS idx_rebill_payments_period ON rebill_payments (subscription_id, period_start);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rebill_payments_idempotency ON rebill_payments (idempotency_key) WHERE idempotency_key != '';
`,
		Down: `DROP TABLE IF EXISTS rebill_payments`,
	},
	{
		Name:    "create_rebill_discounts",
		Version: "20250101000003",
		Up: `
CREATE TABLE IF NOT EXISTS rebill_discounts (
    id              TEXT PRIMARY KEY,
    code            TEXT NOT NULL DEFAULT '',
    name            TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL DEFAULT '',
    amount_cents    BIGINT NOT NULL DEFAULT 0,
    amount_currency TEXT NOT NULL DEFAULT '',
    percentage      INT NOT NULL DEFAULT 0,
    max_redemptions INT NOT NULL DEFAULT 0,
    times_redeemed  INT NOT NULL DEFAULT 0,
    valid_from      TIMESTAMPTZ,
    valid_until     TIMESTAMPTZ,
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rebill_discounts_code ON rebill_discounts (code);
`,
		Down: `DROP TABLE IF EXISTS rebill_discounts`,
	},
}

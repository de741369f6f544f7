package store

// Schema applied at startup. Statements are idempotent so the gateway can be
// restarted against an existing database.
const schema = `
CREATE TABLE IF NOT EXISTS merchants (
	id            BIGSERIAL PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	full_name     TEXT NOT NULL DEFAULT '',
	company_name  TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'merchant',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	is_verified   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallets (
	id                BIGSERIAL PRIMARY KEY,
	merchant_id       BIGINT NOT NULL REFERENCES merchants(id),
	name              TEXT NOT NULL,
	xpub              TEXT NOT NULL,
	network           TEXT NOT NULL DEFAULT 'tron',
	derivation_prefix TEXT NOT NULL DEFAULT 'm/44''/195''/0''/0',
	address_index     BIGINT NOT NULL DEFAULT 0,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS wallets_merchant_idx ON wallets(merchant_id);

CREATE TABLE IF NOT EXISTS api_credentials (
	id           BIGSERIAL PRIMARY KEY,
	merchant_id  BIGINT NOT NULL REFERENCES merchants(id),
	name         TEXT NOT NULL,
	public_id    TEXT NOT NULL UNIQUE,
	secret_hash  TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payment_requests (
	id               BIGSERIAL PRIMARY KEY,
	merchant_id      BIGINT NOT NULL REFERENCES merchants(id),
	wallet_id        BIGINT NOT NULL REFERENCES wallets(id),
	order_id         TEXT NOT NULL,
	amount           NUMERIC(18,6) NOT NULL,
	currency         TEXT NOT NULL DEFAULT 'USDT',
	address          TEXT NOT NULL,
	address_index    BIGINT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	expires_at       TIMESTAMPTZ NOT NULL,
	confirmed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	webhook_url      TEXT NOT NULL DEFAULT '',
	webhook_sent     BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_attempts INTEGER NOT NULL DEFAULT 0,
	customer_email   TEXT NOT NULL DEFAULT '',
	customer_info    TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	UNIQUE (wallet_id, address_index)
);
CREATE INDEX IF NOT EXISTS payment_requests_status_idx ON payment_requests(status, expires_at);
CREATE INDEX IF NOT EXISTS payment_requests_merchant_idx ON payment_requests(merchant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS payment_requests_order_idx ON payment_requests(merchant_id, order_id);

CREATE TABLE IF NOT EXISTS transactions (
	id                 BIGSERIAL PRIMARY KEY,
	payment_request_id BIGINT NOT NULL REFERENCES payment_requests(id),
	tx_hash            TEXT NOT NULL UNIQUE,
	from_address       TEXT NOT NULL DEFAULT '',
	to_address         TEXT NOT NULL,
	amount             NUMERIC(18,6) NOT NULL,
	network            TEXT NOT NULL DEFAULT 'tron',
	contract           TEXT NOT NULL DEFAULT '',
	block_number       BIGINT,
	block_timestamp    TIMESTAMPTZ,
	confirmations      INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'pending',
	detected_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	confirmed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transactions_payment_idx ON transactions(payment_request_id, detected_at DESC);
`

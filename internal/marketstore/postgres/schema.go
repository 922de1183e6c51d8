package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS markets (
	seq BIGSERIAL NOT NULL,
	market_id BYTEA PRIMARY KEY,
	oracle_pubkey BYTEA NOT NULL,
	collateral_asset BYTEA NOT NULL,
	yes_asset BYTEA NOT NULL,
	no_asset BYTEA NOT NULL,
	yes_reissuance_token BYTEA NOT NULL,
	no_reissuance_token BYTEA NOT NULL,
	collateral_per_token BIGINT NOT NULL,
	expiry_time BIGINT NOT NULL,

	state SMALLINT NOT NULL,
	fingerprint BYTEA NOT NULL,
	script_dormant BYTEA NOT NULL,
	script_unresolved BYTEA NOT NULL,
	script_resolved_yes BYTEA NOT NULL,
	script_resolved_no BYTEA NOT NULL,

	yes_issuance_entropy BYTEA,
	yes_blinding_nonce BYTEA,
	no_issuance_entropy BYTEA,
	no_blinding_nonce BYTEA,

	question TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	resolution_source TEXT NOT NULL DEFAULT '',
	creator_pubkey BYTEA,
	nostr_event_id TEXT,
	nostr_event_json TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT market_id_len CHECK (octet_length(market_id) = 32),
	CONSTRAINT oracle_pubkey_len CHECK (octet_length(oracle_pubkey) = 32),
	CONSTRAINT market_fingerprint_len CHECK (octet_length(fingerprint) = 32),
	CONSTRAINT market_state_range CHECK (state >= 0 AND state <= 3),
	CONSTRAINT collateral_per_token_nonneg CHECK (collateral_per_token >= 0),
	CONSTRAINT yes_entropy_len CHECK (yes_issuance_entropy IS NULL OR octet_length(yes_issuance_entropy) = 32),
	CONSTRAINT no_entropy_len CHECK (no_issuance_entropy IS NULL OR octet_length(no_issuance_entropy) = 32)
);

CREATE INDEX IF NOT EXISTS markets_state_idx ON markets (state);
CREATE INDEX IF NOT EXISTS markets_seq_idx ON markets (seq);

CREATE TABLE IF NOT EXISTS maker_orders (
	order_id BIGSERIAL PRIMARY KEY,
	base_asset BYTEA NOT NULL,
	quote_asset BYTEA NOT NULL,
	price BIGINT NOT NULL,
	min_fill_lots BIGINT NOT NULL,
	min_remainder_lots BIGINT NOT NULL,
	direction SMALLINT NOT NULL,
	maker_receive_spk_hash BYTEA NOT NULL,
	cosigner_pubkey BYTEA NOT NULL,

	status SMALLINT NOT NULL,
	fingerprint BYTEA NOT NULL,
	maker_pubkey BYTEA,
	nonce BYTEA,
	covenant_script BYTEA,
	maker_receive_script BYTEA,
	market_id BYTEA,

	question TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	resolution_source TEXT NOT NULL DEFAULT '',
	creator_pubkey BYTEA,
	nostr_event_id TEXT,
	nostr_event_json TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT order_fingerprint_len CHECK (octet_length(fingerprint) = 32),
	CONSTRAINT order_status_range CHECK (status >= 0 AND status <= 4),
	CONSTRAINT order_direction_range CHECK (direction >= 0 AND direction <= 1),
	CONSTRAINT maker_pubkey_len CHECK (maker_pubkey IS NULL OR octet_length(maker_pubkey) = 32),
	CONSTRAINT nonce_len CHECK (nonce IS NULL OR octet_length(nonce) = 32),
	CONSTRAINT price_nonneg CHECK (price >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS maker_orders_identity_idx
	ON maker_orders (fingerprint, COALESCE(maker_pubkey, '\x'::bytea));
CREATE INDEX IF NOT EXISTS maker_orders_status_idx ON maker_orders (status);

CREATE TABLE IF NOT EXISTS amm_pools (
	seq BIGSERIAL NOT NULL,
	pool_id BYTEA PRIMARY KEY,
	yes_asset BYTEA NOT NULL,
	no_asset BYTEA NOT NULL,
	lbtc_asset BYTEA NOT NULL,
	lp_asset BYTEA NOT NULL,
	lp_reissuance_token BYTEA NOT NULL,
	fee_bps BIGINT NOT NULL,
	cosigner_pubkey BYTEA NOT NULL,

	status SMALLINT NOT NULL,
	fingerprint BYTEA NOT NULL,
	issued_lp BIGINT NOT NULL,
	covenant_script BYTEA NOT NULL,
	market_id BYTEA,
	creation_txid BYTEA,

	question TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	resolution_source TEXT NOT NULL DEFAULT '',
	creator_pubkey BYTEA,
	nostr_event_id TEXT,
	nostr_event_json TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT pool_id_len CHECK (octet_length(pool_id) = 32),
	CONSTRAINT pool_status_range CHECK (status >= 0 AND status <= 2),
	CONSTRAINT issued_lp_nonneg CHECK (issued_lp >= 0),
	CONSTRAINT creation_txid_len CHECK (creation_txid IS NULL OR octet_length(creation_txid) = 32)
);

CREATE INDEX IF NOT EXISTS amm_pools_market_idx ON amm_pools (market_id);

CREATE TABLE IF NOT EXISTS utxos (
	seq BIGSERIAL NOT NULL,
	txid BYTEA NOT NULL,
	vout BIGINT NOT NULL,
	asset_id BYTEA NOT NULL,
	value BIGINT NOT NULL,
	script_pubkey BYTEA NOT NULL,
	raw_output BYTEA NOT NULL,
	asset_blinding_factor BYTEA NOT NULL,
	value_blinding_factor BYTEA NOT NULL,

	market_id BYTEA,
	market_state SMALLINT,
	order_id BIGINT,

	block_height BIGINT,
	spent BOOLEAN NOT NULL DEFAULT FALSE,
	spending_txid BYTEA,
	spent_height BIGINT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (txid, vout),
	CONSTRAINT utxo_txid_len CHECK (octet_length(txid) = 32),
	CONSTRAINT utxo_vout_range CHECK (vout >= 0 AND vout <= 4294967295),
	CONSTRAINT utxo_value_nonneg CHECK (value >= 0),
	CONSTRAINT utxo_owner CHECK ((market_id IS NULL) <> (order_id IS NULL)),
	CONSTRAINT utxo_market_state CHECK ((market_id IS NULL) = (market_state IS NULL)),
	CONSTRAINT spending_txid_len CHECK (spending_txid IS NULL OR octet_length(spending_txid) = 32)
);

CREATE INDEX IF NOT EXISTS utxos_market_idx ON utxos (market_id, market_state);
CREATE INDEX IF NOT EXISTS utxos_order_idx ON utxos (order_id);
CREATE INDEX IF NOT EXISTS utxos_unspent_idx ON utxos (spent) WHERE NOT spent;

CREATE TABLE IF NOT EXISTS pool_state_snapshots (
	seq BIGSERIAL PRIMARY KEY,
	pool_id BYTEA NOT NULL,
	txid BYTEA NOT NULL,
	yes_reserve BIGINT NOT NULL,
	no_reserve BIGINT NOT NULL,
	lbtc_reserve BIGINT NOT NULL,
	issued_lp BIGINT NOT NULL,
	block_height BIGINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	UNIQUE (pool_id, txid),
	CONSTRAINT snapshot_pool_id_len CHECK (octet_length(pool_id) = 32),
	CONSTRAINT snapshot_txid_len CHECK (octet_length(txid) = 32)
);

CREATE TABLE IF NOT EXISTS sync_state (
	id SMALLINT PRIMARY KEY,
	last_synced_height BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT sync_state_singleton CHECK (id = 1)
);

INSERT INTO sync_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
`

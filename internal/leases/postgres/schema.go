package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS marketd_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

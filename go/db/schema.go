package db

// Schema is applied on startup. Statements are idempotent so every
// service can run them; the first one to connect wins.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id    BIGSERIAL PRIMARY KEY,
	branch    TEXT NOT NULL,
	sha       BYTEA NOT NULL,
	title     TEXT NOT NULL,
	requester TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS builds (
	build_id     BIGSERIAL PRIMARY KEY,
	run_id       BIGINT NOT NULL REFERENCES runs (run_id),
	status       TEXT NOT NULL DEFAULT 'PENDING',
	is_release   BOOLEAN NOT NULL DEFAULT FALSE,
	features     TEXT NOT NULL DEFAULT '',
	low_priority BOOLEAN NOT NULL DEFAULT FALSE,
	builder_ip   BIGINT NOT NULL DEFAULT 0,
	started      TIMESTAMPTZ,
	finished     TIMESTAMPTZ,
	stdout       BYTEA,
	stderr       BYTEA,
	UNIQUE (run_id, is_release, features)
);
CREATE INDEX IF NOT EXISTS builds_by_status ON builds (status);

CREATE TABLE IF NOT EXISTS tests (
	test_id         BIGSERIAL PRIMARY KEY,
	run_id          BIGINT NOT NULL REFERENCES runs (run_id),
	build_id        BIGINT NOT NULL REFERENCES builds (build_id),
	name            TEXT NOT NULL,
	category        TEXT NOT NULL,
	timeout         BIGINT NOT NULL,
	skip_build      BOOLEAN NOT NULL DEFAULT FALSE,
	branch          TEXT NOT NULL,
	is_nightly      BOOLEAN NOT NULL DEFAULT FALSE,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	tries           INT NOT NULL DEFAULT 0,
	worker_hostname TEXT NOT NULL DEFAULT '',
	started         TIMESTAMPTZ,
	finished        TIMESTAMPTZ,
	select_after    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tests_by_status ON tests (status);
CREATE INDEX IF NOT EXISTS tests_history ON tests (name, branch, test_id DESC);

CREATE TABLE IF NOT EXISTS logs (
	test_id     BIGINT NOT NULL REFERENCES tests (test_id),
	type        TEXT NOT NULL,
	size        BIGINT NOT NULL DEFAULT 0,
	storage     TEXT NOT NULL DEFAULT '',
	log         BYTEA,
	stack_trace BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (test_id, type)
);

CREATE TABLE IF NOT EXISTS auth_cookies (
	timestamp BIGINT NOT NULL,
	cookie    BIGINT PRIMARY KEY
);
`

package nib

// SchemaVersion is recorded in the meta table and checked on every Open.
const SchemaVersion = 1

// The events table carries update/delete triggers so append-only is enforced
// at the storage layer, not just at the API boundary.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	region    TEXT NOT NULL,
	mac       TEXT NOT NULL,
	status    TEXT NOT NULL,
	version   INTEGER NOT NULL,
	doc       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS devices_region_mac
	ON devices(region, mac) WHERE status != 'inactive';

CREATE TABLE IF NOT EXISTS controllers (
	controller_id TEXT PRIMARY KEY,
	role          TEXT NOT NULL,
	region        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	version       INTEGER NOT NULL,
	doc           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS configs (
	request_id  TEXT PRIMARY KEY,
	config_hash TEXT NOT NULL,
	state       TEXT NOT NULL,
	version     INTEGER NOT NULL,
	doc         TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS configs_hash
	ON configs(config_hash) WHERE state != 'rejected';

CREATE TABLE IF NOT EXISTS policies (
	policy_id TEXT PRIMARY KEY,
	semver    TEXT NOT NULL,
	version   INTEGER NOT NULL,
	doc       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	hmac       TEXT NOT NULL DEFAULT ''
);

CREATE TRIGGER IF NOT EXISTS events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events table is append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events table is append-only');
END;

CREATE TABLE IF NOT EXISTS locks (
	resource_key  TEXT PRIMARY KEY,
	holder_id     TEXT NOT NULL,
	acquired_at   TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	fencing_token INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	region    TEXT NOT NULL,
	mac       TEXT NOT NULL,
	status    TEXT NOT NULL,
	version   BIGINT NOT NULL,
	doc       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS devices_region_mac
	ON devices(region, mac) WHERE status != 'inactive';

CREATE TABLE IF NOT EXISTS controllers (
	controller_id TEXT PRIMARY KEY,
	role          TEXT NOT NULL,
	region        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	version       BIGINT NOT NULL,
	doc           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS configs (
	request_id  TEXT PRIMARY KEY,
	config_hash TEXT NOT NULL,
	state       TEXT NOT NULL,
	version     BIGINT NOT NULL,
	doc         TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS configs_hash
	ON configs(config_hash) WHERE state != 'rejected';

CREATE TABLE IF NOT EXISTS policies (
	policy_id TEXT PRIMARY KEY,
	semver    TEXT NOT NULL,
	version   BIGINT NOT NULL,
	doc       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	hmac       TEXT NOT NULL DEFAULT ''
);

CREATE OR REPLACE FUNCTION events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'events table is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_no_update ON events;
CREATE TRIGGER events_no_update
	BEFORE UPDATE OR DELETE ON events
	FOR EACH ROW EXECUTE FUNCTION events_append_only();

CREATE TABLE IF NOT EXISTS locks (
	resource_key  TEXT PRIMARY KEY,
	holder_id     TEXT NOT NULL,
	acquired_at   TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	fencing_token BIGINT NOT NULL
);
`

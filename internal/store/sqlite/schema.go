package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS extractions (
	id           TEXT PRIMARY KEY,
	document_id  INTEGER NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	dedup_key    TEXT,
	data         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_extractions_dedup_key ON extractions(dedup_key) WHERE dedup_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_extractions_document ON extractions(document_id);

CREATE TABLE IF NOT EXISTS ledger_cache (
	id               INTEGER PRIMARY KEY,
	type             TEXT NOT NULL DEFAULT '',
	date             TEXT NOT NULL,
	amount           TEXT NOT NULL,
	currency         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	source_name      TEXT NOT NULL DEFAULT '',
	destination_name TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	tags             TEXT NOT NULL DEFAULT '[]',
	external_id      TEXT NOT NULL DEFAULT '',
	match_status     TEXT NOT NULL DEFAULT 'UNMATCHED',
	deleted_at       TEXT,
	synced_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_cache_status ON ledger_cache(match_status, deleted_at);
CREATE INDEX IF NOT EXISTS idx_ledger_cache_date ON ledger_cache(date);

CREATE TABLE IF NOT EXISTS match_proposals (
	id            TEXT PRIMARY KEY,
	ledger_id     INTEGER NOT NULL,
	document_id   INTEGER NOT NULL,
	extraction_id TEXT NOT NULL,
	score         REAL NOT NULL,
	reasons       TEXT NOT NULL DEFAULT '[]',
	status        TEXT NOT NULL,
	auto_eligible INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	decided_at    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_active_ledger
	ON match_proposals(ledger_id) WHERE status IN ('PENDING', 'ACCEPTED');
CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_active_extraction
	ON match_proposals(extraction_id) WHERE status IN ('PENDING', 'ACCEPTED');
CREATE INDEX IF NOT EXISTS idx_proposals_status ON match_proposals(status, created_at);

CREATE TABLE IF NOT EXISTS linkages (
	extraction_id TEXT NOT NULL UNIQUE,
	document_id   INTEGER NOT NULL,
	ledger_id     INTEGER,
	link_type     TEXT NOT NULL,
	confidence    REAL,
	match_reasons TEXT NOT NULL DEFAULT '[]',
	linked_at     TEXT,
	linked_by     TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_linkages_ledger ON linkages(ledger_id);
CREATE INDEX IF NOT EXISTS idx_linkages_type ON linkages(link_type);

CREATE TABLE IF NOT EXISTS trace_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id  INTEGER NOT NULL,
	timestamp    TEXT NOT NULL,
	stage        TEXT NOT NULL,
	target_field TEXT NOT NULL,
	sources      TEXT NOT NULL DEFAULT '[]',
	method       TEXT NOT NULL,
	outcome      TEXT NOT NULL DEFAULT '',
	confidence   REAL,
	notes        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trace_events_document ON trace_events(document_id, id);
`

package unitstore

const schema = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('generation', 0);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    generation INTEGER NOT NULL,
    section_count INTEGER NOT NULL,
    payload TEXT,
    history_hint TEXT,
    status TEXT NOT NULL,
    weighted_score REAL,
    final_text TEXT,
    final_feedback TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_generation ON runs(generation);

CREATE TABLE IF NOT EXISTS units (
    id TEXT PRIMARY KEY,
    run_id TEXT REFERENCES runs(id),
    section INTEGER NOT NULL,
    status TEXT NOT NULL,
    text TEXT,
    score REAL,
    feedback TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    generation INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (generation, section)
);

CREATE INDEX IF NOT EXISTS idx_units_run_id ON units(run_id);
CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);

CREATE TABLE IF NOT EXISTS archive (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    unit_id TEXT NOT NULL,
    section INTEGER NOT NULL,
    text TEXT,
    score REAL,
    feedback TEXT,
    retry_count INTEGER,
    accepted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archive_run_id ON archive(run_id);

CREATE TABLE IF NOT EXISTS locks (
    name TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`

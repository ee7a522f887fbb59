package database

// schemas maps database names to their embedded schema. Both schemas
// are idempotent; Migrate can run on every startup.
var schemas = map[string]string{
	"study":  studySchema,
	"broker": brokerSchema,
}

const studySchema = `
CREATE TABLE IF NOT EXISTS studies (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    active          INTEGER NOT NULL DEFAULT 1,
    key_object_key  TEXT NOT NULL,
    push_enabled    INTEGER NOT NULL DEFAULT 0,
    analytics_types TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
    id          TEXT PRIMARY KEY,
    study_id    TEXT NOT NULL REFERENCES studies(id),
    retired     INTEGER NOT NULL DEFAULT 0,
    fcm_token   TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_participants_study ON participants(study_id, retired);

CREATE TABLE IF NOT EXISTS chunks (
    id               TEXT PRIMARY KEY,
    participant_id   TEXT NOT NULL REFERENCES participants(id),
    state            TEXT NOT NULL DEFAULT 'uploaded',
    data_type        TEXT NOT NULL,
    object_key       TEXT NOT NULL,
    wrapped_key      BLOB NOT NULL,
    iv               BLOB NOT NULL,
    uploaded_at      INTEGER NOT NULL,
    processed_at     INTEGER,
    quarantine_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chunks_participant_state ON chunks(participant_id, state);
CREATE INDEX IF NOT EXISTS idx_chunks_state ON chunks(state);

CREATE TABLE IF NOT EXISTS dispatch_locks (
    name        TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
`

const brokerSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    queue         TEXT NOT NULL,
    handler       TEXT NOT NULL,
    payload       BLOB NOT NULL,
    state         TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    max_attempts  INTEGER NOT NULL,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    available_at  INTEGER NOT NULL,
    expires_at    INTEGER,
    lease_expires_at INTEGER,
    leased_by     TEXT NOT NULL DEFAULT '',
    finished_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_queue_state ON tasks(queue, state, available_at);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
`

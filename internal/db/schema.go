package db

const postgresSchema = `
CREATE TABLE IF NOT EXISTS threads (
    thread_id   TEXT PRIMARY KEY,
    title       TEXT NOT NULL DEFAULT '',
    user_id     TEXT NOT NULL DEFAULT '',
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_user ON threads (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id           BIGSERIAL PRIMARY KEY,
    message_id   TEXT NOT NULL UNIQUE,
    thread_id    TEXT NOT NULL,
    content      TEXT NOT NULL,
    is_user      BOOLEAN NOT NULL,
    message_type TEXT NOT NULL DEFAULT 'text',
    metadata     JSONB,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, created_at, id);

CREATE TABLE IF NOT EXISTS async_tasks (
    task_id          TEXT PRIMARY KEY,
    thread_id        TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    request          TEXT NOT NULL,
    status           TEXT NOT NULL,
    progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
    message          TEXT NOT NULL DEFAULT '',
    result           TEXT,
    error            TEXT,
    workflow_type    TEXT NOT NULL DEFAULT '',
    priority         TEXT NOT NULL DEFAULT 'normal',
    worker_id        TEXT,
    lease_expires_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_async_tasks_thread ON async_tasks (thread_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_async_tasks_status ON async_tasks (status);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
    thread_id   TEXT PRIMARY KEY,
    title       TEXT NOT NULL DEFAULT '',
    user_id     TEXT NOT NULL DEFAULT '',
    metadata    TEXT,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_user ON threads (user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id   TEXT NOT NULL UNIQUE,
    thread_id    TEXT NOT NULL,
    content      TEXT NOT NULL,
    is_user      BOOLEAN NOT NULL,
    message_type TEXT NOT NULL DEFAULT 'text',
    metadata     TEXT,
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, created_at, id);

CREATE TABLE IF NOT EXISTS async_tasks (
    task_id          TEXT PRIMARY KEY,
    thread_id        TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    request          TEXT NOT NULL,
    status           TEXT NOT NULL,
    progress         REAL NOT NULL DEFAULT 0,
    message          TEXT NOT NULL DEFAULT '',
    result           TEXT,
    error            TEXT,
    workflow_type    TEXT NOT NULL DEFAULT '',
    priority         TEXT NOT NULL DEFAULT 'normal',
    worker_id        TEXT,
    lease_expires_at TIMESTAMP,
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL,
    completed_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_async_tasks_thread ON async_tasks (thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_async_tasks_status ON async_tasks (status);
`

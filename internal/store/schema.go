package store

// schema is applied by Migrate. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
    id               BIGSERIAL PRIMARY KEY,
    opportunity_id   TEXT NOT NULL UNIQUE,
    source           TEXT NOT NULL,
    title            TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    agency           TEXT NOT NULL DEFAULT '',
    deadline         TIMESTAMPTZ,
    funding_amount   BIGINT CHECK (funding_amount >= 0),
    naics_code       TEXT NOT NULL DEFAULT '',
    cfda_numbers     TEXT[] NOT NULL DEFAULT '{}',
    notice_type      TEXT,
    url              TEXT NOT NULL DEFAULT '',
    matched_keywords TEXT[] NOT NULL DEFAULT '{}',
    matched_naics    TEXT[] NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_opportunities_source_deadline ON opportunities (source, deadline DESC);
CREATE INDEX IF NOT EXISTS idx_opportunities_created_at ON opportunities (created_at DESC, opportunity_id);

CREATE TABLE IF NOT EXISTS capability_filters (
    id          BIGSERIAL PRIMARY KEY,
    filter_type TEXT NOT NULL CHECK (filter_type IN ('naics', 'keyword')),
    value       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (filter_type, value)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
    id                          BIGSERIAL PRIMARY KEY,
    source                      TEXT NOT NULL,
    started_at                  TIMESTAMPTZ NOT NULL,
    completed_at                TIMESTAMPTZ,
    status                      TEXT NOT NULL DEFAULT 'running'
                                CHECK (status IN ('running', 'completed', 'failed')),
    error_message               TEXT,
    records_fetched             INTEGER NOT NULL DEFAULT 0,
    records_filtered_expired    INTEGER NOT NULL DEFAULT 0,
    records_filtered_capability INTEGER NOT NULL DEFAULT 0,
    records_inserted            INTEGER NOT NULL DEFAULT 0,
    records_updated             INTEGER NOT NULL DEFAULT 0,
    records_rejected_invalid    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started_at ON ingest_runs (started_at DESC);

CREATE TABLE IF NOT EXISTS company_profile (
    id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS opportunity_documents (
    id             BIGSERIAL PRIMARY KEY,
    opportunity_id TEXT NOT NULL REFERENCES opportunities (opportunity_id),
    document_type  TEXT NOT NULL,
    filename       TEXT NOT NULL,
    source_url     TEXT NOT NULL,
    content_text   TEXT NOT NULL DEFAULT '',
    size_bytes     BIGINT NOT NULL DEFAULT 0,
    fetched_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (opportunity_id, source_url)
);

CREATE TABLE IF NOT EXISTS opportunity_analysis (
    opportunity_id     TEXT PRIMARY KEY REFERENCES opportunities (opportunity_id),
    fit_score          INTEGER NOT NULL CHECK (fit_score BETWEEN 1 AND 10),
    fit_reasoning      TEXT NOT NULL DEFAULT '',
    summary            TEXT NOT NULL DEFAULT '',
    key_requirements   TEXT[] NOT NULL DEFAULT '{}',
    red_flags          TEXT[] NOT NULL DEFAULT '{}',
    recommended_action TEXT NOT NULL CHECK (recommended_action IN ('pursue', 'research', 'skip')),
    model_used         TEXT NOT NULL DEFAULT '',
    tokens_used        INTEGER NOT NULL DEFAULT 0,
    analyzed_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_opportunity_analysis_score ON opportunity_analysis (fit_score DESC);
`

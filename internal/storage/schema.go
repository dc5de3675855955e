package storage

// SchemaVersion is the version recorded on initialisation. Open refuses
// databases written by a newer archiver.
const SchemaVersion = 1

// schemaSQL is applied once on an empty database. The dialect is the
// portable subset shared by the embedded engine and server engines: no
// auto-increment vocabulary, no JSON column types (JSON-encoded values
// live in TEXT), no timezone-aware timestamps.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
    page_id INTEGER PRIMARY KEY,
    namespace INTEGER NOT NULL CHECK (namespace >= 0),
    title TEXT NOT NULL,
    is_redirect INTEGER NOT NULL DEFAULT 0 CHECK (is_redirect IN (0, 1)),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (namespace, title)
);

CREATE INDEX IF NOT EXISTS idx_pages_title ON pages(title);
CREATE INDEX IF NOT EXISTS idx_pages_namespace ON pages(namespace);
CREATE INDEX IF NOT EXISTS idx_pages_redirects ON pages(is_redirect) WHERE is_redirect = 1;

CREATE TABLE IF NOT EXISTS revisions (
    revision_id INTEGER PRIMARY KEY,
    page_id INTEGER NOT NULL REFERENCES pages(page_id) ON DELETE CASCADE,
    parent_id INTEGER REFERENCES revisions(revision_id) ON DELETE SET NULL,
    timestamp TIMESTAMP NOT NULL,
    "user" TEXT,
    user_id INTEGER,
    comment TEXT,
    content TEXT NOT NULL,
    size INTEGER NOT NULL CHECK (size >= 0),
    sha1 TEXT NOT NULL,
    minor INTEGER NOT NULL DEFAULT 0 CHECK (minor IN (0, 1)),
    tags TEXT
);

CREATE INDEX IF NOT EXISTS idx_revisions_page_time ON revisions(page_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_revisions_timestamp ON revisions(timestamp);
CREATE INDEX IF NOT EXISTS idx_revisions_sha1 ON revisions(sha1);
CREATE INDEX IF NOT EXISTS idx_revisions_parent ON revisions(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_revisions_user ON revisions(user_id) WHERE user_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS files (
    filename TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    description_url TEXT,
    sha1 TEXT NOT NULL,
    size INTEGER NOT NULL CHECK (size >= 0),
    width INTEGER,
    height INTEGER,
    mime_type TEXT,
    uploaded_at TIMESTAMP,
    uploader TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_sha1 ON files(sha1);
CREATE INDEX IF NOT EXISTS idx_files_uploaded ON files(uploaded_at);
CREATE INDEX IF NOT EXISTS idx_files_mime ON files(mime_type);

CREATE TABLE IF NOT EXISTS links (
    source_page_id INTEGER NOT NULL REFERENCES pages(page_id) ON DELETE CASCADE,
    target_title TEXT NOT NULL,
    link_type TEXT NOT NULL CHECK (link_type IN ('page', 'template', 'file', 'category')),
    PRIMARY KEY (source_page_id, target_title, link_type)
);

CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_page_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_title);
CREATE INDEX IF NOT EXISTS idx_links_type ON links(link_type);
CREATE INDEX IF NOT EXISTS idx_links_type_target ON links(link_type, target_title);

CREATE TABLE IF NOT EXISTS scrape_runs (
    run_id INTEGER PRIMARY KEY,
    mode TEXT NOT NULL CHECK (mode IN ('full', 'incremental')),
    status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'interrupted')),
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP,
    pages_scraped INTEGER NOT NULL DEFAULT 0,
    revisions_scraped INTEGER NOT NULL DEFAULT 0,
    files_downloaded INTEGER NOT NULL DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_scrape_runs_status ON scrape_runs(status);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_start ON scrape_runs(start_time DESC);

CREATE TABLE IF NOT EXISTS scrape_page_status (
    page_id INTEGER NOT NULL REFERENCES pages(page_id) ON DELETE CASCADE,
    run_id INTEGER NOT NULL REFERENCES scrape_runs(run_id) ON DELETE CASCADE,
    status TEXT NOT NULL CHECK (status IN ('pending', 'success', 'failed', 'skipped')),
    last_revision_id INTEGER,
    error_message TEXT,
    scraped_at TIMESTAMP,
    PRIMARY KEY (page_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_page_status_run ON scrape_page_status(run_id);
CREATE INDEX IF NOT EXISTS idx_page_status_status ON scrape_page_status(status);

CREATE TABLE IF NOT EXISTS latest_page_content (
    page_id INTEGER PRIMARY KEY REFERENCES pages(page_id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    revision_id INTEGER NOT NULL,
    content TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_latest_content_title ON latest_page_content(title);
`

// triggerSQL keeps latest_page_content in sync with its sources. The
// latest revision of a page is the one with the greatest timestamp
// (revision ids are not monotonic and must not be used for ordering;
// they only break timestamp ties).
const triggerSQL = `
CREATE TRIGGER IF NOT EXISTS trg_latest_content_on_insert
AFTER INSERT ON revisions
BEGIN
    DELETE FROM latest_page_content WHERE page_id = NEW.page_id;
    INSERT INTO latest_page_content (page_id, title, revision_id, content)
    SELECT p.page_id, p.title, r.revision_id, r.content
    FROM pages p
    JOIN revisions r ON r.page_id = p.page_id
    WHERE p.page_id = NEW.page_id
      AND r.revision_id = (
        SELECT r2.revision_id FROM revisions r2
        WHERE r2.page_id = NEW.page_id
        ORDER BY r2.timestamp DESC, r2.revision_id DESC
        LIMIT 1
      );
END;

CREATE TRIGGER IF NOT EXISTS trg_latest_content_on_delete
AFTER DELETE ON revisions
BEGIN
    DELETE FROM latest_page_content WHERE page_id = OLD.page_id;
    INSERT INTO latest_page_content (page_id, title, revision_id, content)
    SELECT p.page_id, p.title, r.revision_id, r.content
    FROM pages p
    JOIN revisions r ON r.page_id = p.page_id
    WHERE p.page_id = OLD.page_id
      AND r.revision_id = (
        SELECT r2.revision_id FROM revisions r2
        WHERE r2.page_id = OLD.page_id
        ORDER BY r2.timestamp DESC, r2.revision_id DESC
        LIMIT 1
      );
END;

CREATE TRIGGER IF NOT EXISTS trg_latest_content_on_rename
AFTER UPDATE OF title ON pages
BEGIN
    UPDATE latest_page_content SET title = NEW.title WHERE page_id = NEW.page_id;
END;
`

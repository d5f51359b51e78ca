package db

const schema = `
	-- Deployed applications. The app ID doubles as the site ID in the
	-- file store. subdomain records the app's canonical alias.
	CREATE TABLE IF NOT EXISTS apps (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		subdomain TEXT NOT NULL UNIQUE,
		visibility TEXT NOT NULL DEFAULT 'public',
		spa INTEGER NOT NULL DEFAULT 0,
		analytics INTEGER NOT NULL DEFAULT 1,
		env TEXT NOT NULL DEFAULT '{}',
		source TEXT NOT NULL DEFAULT 'zip',
		source_url TEXT NOT NULL DEFAULT '',
		source_ref TEXT NOT NULL DEFAULT '',
		source_commit TEXT NOT NULL DEFAULT '',
		forked_from_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Subdomain routing table. targets is JSON; its shape depends on type.
	CREATE TABLE IF NOT EXISTS aliases (
		subdomain TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		targets TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Site file contents, keyed by (site, path).
	CREATE TABLE IF NOT EXISTS files (
		site_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (site_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_site ON files(site_id);

	-- Deployment history.
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		source TEXT NOT NULL,
		source_ref TEXT NOT NULL DEFAULT '',
		file_count INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_app ON deployments(app_id, created_at);

	-- Control-plane API keys. Only the bcrypt hash is stored; the prefix
	-- narrows the candidate set during verification.
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'root',
		created_at INTEGER NOT NULL,
		last_used_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

	-- Operator accounts for the admin UI.
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'admin',
		created_at INTEGER NOT NULL
	);

	-- Secrets injected into outbound requests server-side. app_id '' means
	-- the secret is global. Handlers can name secrets but never read them.
	CREATE TABLE IF NOT EXISTS secrets (
		app_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		inject_as TEXT NOT NULL DEFAULT 'bearer',
		inject_key TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (app_id, name)
	);

	-- Domains each app may fetch from, with optional per-domain overrides.
	-- app_id '' makes the entry global. Zero values mean "use defaults".
	CREATE TABLE IF NOT EXISTS net_allowlist (
		app_id TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL,
		max_response INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		rate_limit REAL NOT NULL DEFAULT 0,
		rate_burst INTEGER NOT NULL DEFAULT 0,
		cache_ttl_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (app_id, domain)
	);

	-- Per-app key/value storage exposed to handlers.
	CREATE TABLE IF NOT EXISTS kv_store (
		app_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (app_id, key)
	);

	-- Per-app JSON document collections.
	CREATE TABLE IF NOT EXISTS docs (
		app_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (app_id, collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_docs_collection ON docs(app_id, collection);

	-- Per-app binary blobs.
	CREATE TABLE IF NOT EXISTS blobs (
		app_id TEXT NOT NULL,
		name TEXT NOT NULL,
		content BLOB NOT NULL,
		mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
		size_bytes INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (app_id, name)
	);

	-- Page-view beacons, one row per hit.
	CREATE TABLE IF NOT EXISTS hits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id TEXT NOT NULL,
		path TEXT NOT NULL,
		referrer TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hits_site ON hits(site_id, created_at);

	-- Control-plane audit trail.
	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_time ON activity_log(created_at);
`

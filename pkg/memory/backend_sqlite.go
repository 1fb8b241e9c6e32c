package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is the embedded-file backend used for the durable tiers.
type SQLiteBackend struct {
	path string
	db   *sql.DB
}

func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

func (b *SQLiteBackend) Initialize(ctx context.Context) error {
	if strings.TrimSpace(b.path) == "" {
		return fmt.Errorf("%w: sqlite path is empty", ErrBackendUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("%w: create db dir: %v", ErrBackendUnavailable, err)
	}
	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return fmt.Errorf("%w: open sqlite db: %v", ErrBackendUnavailable, err)
	}
	// Single shared connection avoids writer lock contention with SQLite
	// under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			structured_json TEXT NOT NULL DEFAULT '{}',
			summary TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			strength REAL NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			content_type TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_accessed_ms INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			ttl_ms INTEGER NOT NULL DEFAULT 0,
			categories_json TEXT NOT NULL DEFAULT '[]',
			relationships_json TEXT NOT NULL DEFAULT '[]',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS memory_items_created_idx ON memory_items(created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memory_items_rank_idx ON memory_items(importance, strength, last_accessed_ms);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(item_id UNINDEXED, body, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_items_fts(item_id, body) VALUES (new.id, new.content || ' ' || new.summary);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE OF content, summary ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, item_id, body) VALUES('delete', old.rowid, old.id, old.content || ' ' || old.summary);
			INSERT INTO memory_items_fts(item_id, body) VALUES(new.id, new.content || ' ' || new.summary);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, item_id, body) VALUES('delete', old.rowid, old.id, old.content || ' ' || old.summary);
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("%w: init schema failed on %q: %v", ErrBackendUnavailable, trimSQL(stmt), err)
		}
	}
	b.db = db
	return nil
}

func (b *SQLiteBackend) Shutdown() error {
	if b == nil || b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *SQLiteBackend) ready() error {
	if b.db == nil {
		return fmt.Errorf("%w: sqlite backend not initialized", ErrBackendUnavailable)
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func encodeJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(raw)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *SQLiteBackend) Store(ctx context.Context, item MemoryItem) (string, error) {
	if err := b.ready(); err != nil {
		return "", err
	}
	return b.storeOn(ctx, b.db, item)
}

func (b *SQLiteBackend) storeOn(ctx context.Context, ex execer, item MemoryItem) (string, error) {
	if item.ID == "" {
		item.ID = "mem-" + uuid.NewString()
	}
	item.Importance = clampUnit(item.Importance)
	item.Strength = clampUnit(item.Strength)

	_, err := ex.ExecContext(ctx, `
INSERT INTO memory_items(id, content, structured_json, summary, tier, importance, strength,
	tags_json, content_type, created_at_ms, last_accessed_ms, access_count, ttl_ms,
	categories_json, relationships_json, metadata_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	content = excluded.content,
	structured_json = excluded.structured_json,
	summary = excluded.summary,
	tier = excluded.tier,
	importance = excluded.importance,
	strength = excluded.strength,
	tags_json = excluded.tags_json,
	content_type = excluded.content_type,
	created_at_ms = excluded.created_at_ms,
	last_accessed_ms = excluded.last_accessed_ms,
	access_count = excluded.access_count,
	ttl_ms = excluded.ttl_ms,
	categories_json = excluded.categories_json,
	relationships_json = excluded.relationships_json,
	metadata_json = excluded.metadata_json`,
		item.ID, item.Content, encodeJSON(item.Structured, "{}"), item.Summary, string(item.Tier),
		item.Importance, item.Strength, encodeJSON(item.Tags, "[]"), item.ContentType,
		item.CreatedAtMS, item.LastAccessedMS, item.AccessCount, item.TTLMS,
		encodeJSON(item.Categories, "[]"), encodeJSON(item.Relationships, "[]"),
		encodeJSON(item.Metadata, "{}"))
	if err != nil {
		return "", fmt.Errorf("store memory item: %w", err)
	}
	return item.ID, nil
}

func (b *SQLiteBackend) BatchStore(ctx context.Context, items []MemoryItem) ([]string, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("batch store begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, item := range items {
		id, err := b.storeOn(ctx, tx, item)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return ids, fmt.Errorf("batch store commit: %w", err)
	}
	return ids, nil
}

const itemColumns = `id, content, structured_json, summary, tier, importance, strength,
	tags_json, content_type, created_at_ms, last_accessed_ms, access_count, ttl_ms,
	categories_json, relationships_json, metadata_json`

func scanItem(scan func(dest ...any) error) (MemoryItem, error) {
	var (
		item                                 MemoryItem
		tier                                 string
		structured, tags, cats, rels, meta   string
	)
	err := scan(&item.ID, &item.Content, &structured, &item.Summary, &tier,
		&item.Importance, &item.Strength, &tags, &item.ContentType,
		&item.CreatedAtMS, &item.LastAccessedMS, &item.AccessCount, &item.TTLMS,
		&cats, &rels, &meta)
	if err != nil {
		return MemoryItem{}, err
	}
	item.Tier = Tier(tier)
	_ = json.Unmarshal([]byte(structured), &item.Structured)
	_ = json.Unmarshal([]byte(tags), &item.Tags)
	_ = json.Unmarshal([]byte(cats), &item.Categories)
	_ = json.Unmarshal([]byte(rels), &item.Relationships)
	_ = json.Unmarshal([]byte(meta), &item.Metadata)
	return item, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (MemoryItem, error) {
	if err := b.ready(); err != nil {
		return MemoryItem{}, err
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryItem{}, ErrNotFound
	}
	if err != nil {
		return MemoryItem{}, fmt.Errorf("get memory item: %w", err)
	}
	return item, nil
}

func (b *SQLiteBackend) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	if err := b.ready(); err != nil {
		return false, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("update begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update read: %w", err)
	}
	patch.Apply(&item)

	_, err = tx.ExecContext(ctx, `
UPDATE memory_items SET content = ?, structured_json = ?, summary = ?, tier = ?,
	importance = ?, strength = ?, tags_json = ?, content_type = ?,
	last_accessed_ms = ?, access_count = ?, ttl_ms = ?,
	categories_json = ?, relationships_json = ?, metadata_json = ?
WHERE id = ?`,
		item.Content, encodeJSON(item.Structured, "{}"), item.Summary, string(item.Tier),
		item.Importance, item.Strength, encodeJSON(item.Tags, "[]"), item.ContentType,
		item.LastAccessedMS, item.AccessCount, item.TTLMS,
		encodeJSON(item.Categories, "[]"), encodeJSON(item.Relationships, "[]"),
		encodeJSON(item.Metadata, "{}"), id)
	if err != nil {
		return false, fmt.Errorf("update write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("update commit: %w", err)
	}
	return true, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) (bool, error) {
	if err := b.ready(); err != nil {
		return false, err
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	return n > 0, nil
}

// Query pushes cheap predicates into SQL, uses FTS for the text filter and
// finishes with Filter.Matches for the JSON-encoded fields.
func (b *SQLiteBackend) Query(ctx context.Context, f Filter) ([]MemoryItem, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	where := []string{"1=1"}
	args := []any{}
	if f.MinImportance != nil {
		where = append(where, "importance >= ?")
		args = append(args, *f.MinImportance)
	}
	if f.MaxImportance != nil {
		where = append(where, "importance <= ?")
		args = append(args, *f.MaxImportance)
	}
	if f.MinStrength != nil {
		where = append(where, "strength >= ?")
		args = append(args, *f.MinStrength)
	}
	if f.ContentType != "" {
		where = append(where, "content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.CreatedAfterMS > 0 {
		where = append(where, "created_at_ms >= ?")
		args = append(args, f.CreatedAfterMS)
	}
	if f.CreatedBeforeMS > 0 {
		where = append(where, "created_at_ms <= ?")
		args = append(args, f.CreatedBeforeMS)
	}
	textHandled := false
	if f.Text != "" {
		if ftsQuery := buildFTSQuery(f.Text); ftsQuery != "" {
			where = append(where, "id IN (SELECT item_id FROM memory_items_fts WHERE memory_items_fts MATCH ?)")
			args = append(args, ftsQuery)
			textHandled = true
		}
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at_ms DESC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer rows.Close()

	// Remaining predicates (tags, metadata, category, TTL window) live in
	// JSON columns; evaluate them in Go with the shared filter.
	rest := f
	rest.MinImportance, rest.MaxImportance, rest.MinStrength = nil, nil, nil
	rest.ContentType = ""
	rest.CreatedAfterMS, rest.CreatedBeforeMS = 0, 0
	rest.Limit, rest.Offset = 0, 0
	if textHandled {
		rest.Text = ""
	}

	out := []MemoryItem{}
	skipped := 0
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		if !rest.Matches(item) {
			continue
		}
		if f.Offset > 0 && skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, item)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory items: %w", err)
	}
	return out, nil
}

func (b *SQLiteBackend) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	f.Offset = 0
	items, err := b.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func buildFTSQuery(text string) string {
	tokens := tokenize(text)
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if len(tok) < 2 {
			continue
		}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

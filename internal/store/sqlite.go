package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrateMu serializes migrations of stores opened by concurrent pipelines.
var migrateMu sync.Mutex

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations. Path ":memory:" opens a private in-memory database.
func Open(path string, log *zap.SugaredLogger) (*SQLite, error) {
	log = logger.OrNop(log)
	log.Debugw("Opening database", "path", path)

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugw("Database opened", "path", path, "wal_mode", true)
	return &SQLite{db: db, log: log}, nil
}

// New wraps an already migrated database handle.
func New(db *sql.DB, log *zap.SugaredLogger) *SQLite {
	return &SQLite{db: db, log: logger.OrNop(log)}
}

// Migrate runs all pending migrations, one transaction each.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	log = logger.OrNop(log)
	migrateMu.Lock()
	defer migrateMu.Unlock()

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if version != "000" {
				return errors.Wrapf(err, "schema_migrations unreadable before %s", filename)
			}
		} else if exists {
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		log.Debugw("Applying migration", "migration", filename, "version", version)
		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec("INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	if applied > 0 {
		log.Infow("Migrations complete", "applied", applied, "total_migrations", len(files))
	}
	return nil
}

// Lookup returns the stored record for key.
func (s *SQLite) Lookup(ctx context.Context, kind string, key entity.Key) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, date, content, updated_at FROM entities WHERE kind = ? AND entity_key = ?`,
		kind, key.String())

	rec := Record{Kind: kind, Key: key}
	var date, content sql.NullString
	var updated string
	if err := row.Scan(&rec.Value, &date, &content, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrapf(err, "lookup %s %s", kind, key)
	}
	if err := fillRecord(&rec, date, content, updated); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Upsert inserts or replaces the record for (Kind, Key).
func (s *SQLite) Upsert(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var content sql.NullString
	if rec.Content != nil {
		b, err := json.Marshal(rec.Content)
		if err != nil {
			return errors.Wrapf(err, "encode content of %s %s", rec.Kind, rec.Key)
		}
		content = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, entity_key, value, date, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, entity_key) DO UPDATE SET
			value = excluded.value,
			date = excluded.date,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		rec.Kind, rec.Key.String(), rec.Value, nullString(rec.Date), content,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "upsert %s %s", rec.Kind, rec.Key)
	}
	return nil
}

// Delete removes the record for key. Deleting a missing key is not an error.
func (s *SQLite) Delete(ctx context.Context, kind string, key entity.Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE kind = ? AND entity_key = ?`, kind, key.String()); err != nil {
		return errors.Wrapf(err, "delete %s %s", kind, key)
	}
	return nil
}

// List returns every record of kind ordered by key.
func (s *SQLite) List(ctx context.Context, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_key, value, date, content, updated_at FROM entities WHERE kind = ? ORDER BY entity_key`, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", kind)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		var rawKey string
		var date, content sql.NullString
		var updated string
		if err := rows.Scan(&rawKey, &rec.Value, &date, &content, &updated); err != nil {
			return nil, errors.Wrapf(err, "scan %s", kind)
		}
		if rec.Key, err = entity.ParseKey(rawKey); err != nil {
			return nil, err
		}
		if err := fillRecord(&rec, date, content, updated); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "list %s", kind)
	}
	return out, nil
}

// AppendHistory records one diff event.
func (s *SQLite) AppendHistory(ctx context.Context, h HistoryEntry) error {
	if h.RecordedAt.IsZero() {
		h.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_history
			(run_id, kind, entity_key, change, old_value, new_value, delta, date, previous_date, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.RunID, h.Kind, h.Key.String(), string(h.Change), h.OldValue, h.NewValue, h.Delta,
		nullString(h.Date), nullString(h.PreviousDate), h.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "append history %s %s", h.Kind, h.Key)
	}
	return nil
}

// History returns the recorded events of one entity, oldest first.
func (s *SQLite) History(ctx context.Context, kind string, key entity.Key) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, change, old_value, new_value, delta, date, previous_date, recorded_at
		FROM entity_history WHERE kind = ? AND entity_key = ? ORDER BY id`, kind, key.String())
	if err != nil {
		return nil, errors.Wrapf(err, "history %s %s", kind, key)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		h := HistoryEntry{Kind: kind, Key: key}
		var change, recorded string
		var date, prev sql.NullString
		if err := rows.Scan(&h.RunID, &change, &h.OldValue, &h.NewValue, &h.Delta, &date, &prev, &recorded); err != nil {
			return nil, errors.Wrapf(err, "scan history %s %s", kind, key)
		}
		h.Change = Change(change)
		h.Date = date.String
		h.PreviousDate = prev.String
		if h.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, errors.Wrapf(err, "parse recorded_at %q", recorded)
		}
		out = append(out, h)
	}
	return out, errors.Wrap(rows.Err(), "history rows")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func fillRecord(rec *Record, date, content sql.NullString, updated string) error {
	rec.Date = date.String
	if content.Valid && content.String != "" {
		c := item.NewContent()
		if err := json.Unmarshal([]byte(content.String), c); err != nil {
			return errors.Wrapf(err, "decode content of %s %s", rec.Kind, rec.Key)
		}
		rec.Content = c
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return errors.Wrapf(err, "parse updated_at %q", updated)
	}
	rec.UpdatedAt = t
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

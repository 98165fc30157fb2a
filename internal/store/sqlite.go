package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/conductor/internal/apperr"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(strings.TrimPrefix(p, "PRAGMA ")), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Open opens the database at dbPath and applies pending migrations.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Applications ---

// RecordApplication stores app and its waves in one transaction. ID and
// CreatedAt are assigned when empty.
func (s *SQLiteStore) RecordApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = newULID()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO applications (id, session_id, repo_path, kind, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		app.ID, app.SessionID, app.RepoPath, app.Kind, app.ParentID, app.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	for i := range app.Waves {
		w := &app.Waves[i]
		if w.ID == "" {
			w.ID = newULID()
		}
		w.ApplicationID = app.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO applied_waves (id, application_id, wave_index, name, slug, label, success, error, created_ids, updated_ids, skipped_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.ApplicationID, w.WaveIndex, w.Name, w.Slug, w.Label, boolToInt(w.Success), w.Error,
			encodeIDs(w.Created), encodeIDs(w.Updated), encodeIDs(w.Skipped),
		)
		if err != nil {
			return fmt.Errorf("create applied wave %d: %w", w.WaveIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit application: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	app := &Application{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, repo_path, kind, parent_id, created_at FROM applications WHERE id = ?`, id,
	).Scan(&app.ID, &app.SessionID, &app.RepoPath, &app.Kind, &app.ParentID, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "application not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}

	waves, err := s.listWaves(ctx, []string{app.ID})
	if err != nil {
		return nil, err
	}
	app.Waves = waves[app.ID]
	return app, nil
}

// ListApplications returns matching applications, newest first, with their
// waves attached.
func (s *SQLiteStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*Application, error) {
	query := `SELECT id, session_id, repo_path, kind, parent_id, created_at FROM applications`
	var conditions []string
	var args []any

	if filter.RepoPath != "" {
		conditions = append(conditions, "repo_path = ?")
		args = append(args, filter.RepoPath)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Slug != "" {
		conditions = append(conditions, "id IN (SELECT application_id FROM applied_waves WHERE slug = ?)")
		args = append(args, filter.Slug)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var apps []*Application
	var ids []string
	for rows.Next() {
		app := &Application{}
		if err := rows.Scan(&app.ID, &app.SessionID, &app.RepoPath, &app.Kind, &app.ParentID, &app.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
		ids = append(ids, app.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Close before the next query; the pool holds a single connection.
	_ = rows.Close()

	waves, err := s.listWaves(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		app.Waves = waves[app.ID]
	}
	return apps, nil
}

func (s *SQLiteStore) listWaves(ctx context.Context, appIDs []string) (map[string][]AppliedWave, error) {
	out := make(map[string][]AppliedWave, len(appIDs))
	if len(appIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(appIDs))
	args := make([]any, len(appIDs))
	for i, id := range appIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, application_id, wave_index, name, slug, label, success, error, created_ids, updated_ids, skipped_ids
		FROM applied_waves WHERE application_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY wave_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("list applied waves: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var w AppliedWave
		var created, updated, skipped string
		if err := rows.Scan(&w.ID, &w.ApplicationID, &w.WaveIndex, &w.Name, &w.Slug, &w.Label, &w.Success, &w.Error,
			&created, &updated, &skipped); err != nil {
			return nil, fmt.Errorf("scan applied wave: %w", err)
		}
		w.Created = decodeIDs(created)
		w.Updated = decodeIDs(updated)
		w.Skipped = decodeIDs(skipped)
		out[w.ApplicationID] = append(out[w.ApplicationID], w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteApplication(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM applications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "application not found: %s", id)
	}
	return nil
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func decodeIDs(s string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil || len(ids) == 0 {
		return nil
	}
	return ids
}

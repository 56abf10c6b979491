package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/amcpd/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrNotFound    = errors.New("data not found")
	ErrInvalidName = errors.New("invalid data name")
	ErrNoPath      = errors.New("database path is required")
)

// Entry is one stored dataset.
type Entry struct {
	Name      string
	Size      int
	UpdatedAt time.Time
}

// Config configures a Store.
type Config struct {
	// Path is the sqlite file. ":memory:" keeps everything in process.
	Path   string
	Logger *zerolog.Logger
}

// Store keeps named template datasets in sqlite. Names are case
// insensitive; "/" separates folders.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and creates if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrNoPath
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	var base zerolog.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	} else {
		base = log.Logger
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: base.With().Str("component", "datastore").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Data store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS datasets (
			name TEXT PRIMARY KEY COLLATE NOCASE,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ValidateName checks a dataset name: non-empty, relative, no "..".
func ValidateName(name string) (string, error) {
	name = strings.Trim(strings.ReplaceAll(name, "\\", "/"), "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return name, nil
}

// Store writes value under name, replacing any previous value.
func (s *Store) Store(ctx context.Context, name, value string) error {
	name, err := ValidateName(name)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerDataStore, "datastore.store", attribute.String("name", name))
	defer span.End()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, value, time.Now().UnixMilli())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to store %q: %w", name, err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("name", name).Int("bytes", len(value)).Msg("Dataset stored")
	return nil
}

// Retrieve reads the value stored under name.
func (s *Store) Retrieve(ctx context.Context, name string) (string, error) {
	name, err := ValidateName(name)
	if err != nil {
		return "", err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerDataStore, "datastore.retrieve", attribute.String("name", name))
	defer span.End()

	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM datasets WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to retrieve %q: %w", name, err)
	}
	return value, nil
}

// List returns stored datasets sorted by name. A non-empty folder limits
// the result to names below it.
func (s *Store) List(ctx context.Context, folder string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerDataStore, "datastore.list", attribute.String("folder", folder))
	defer span.End()

	query := `SELECT name, length(value), updated_at FROM datasets`
	var args []interface{}
	if folder != "" {
		prefix, err := ValidateName(folder)
		if err != nil {
			return nil, err
		}
		query += ` WHERE name LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"/%")
	}
	query += ` ORDER BY name COLLATE NOCASE`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updated int64
		if err := rows.Scan(&e.Name, &e.Size, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes the dataset stored under name.
func (s *Store) Remove(ctx context.Context, name string) error {
	name, err := ValidateName(name)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerDataStore, "datastore.remove", attribute.String("name", name))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE name = ?`, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to remove %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Count returns the number of stored datasets.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

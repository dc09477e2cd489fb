// Package conn resolves database names to SQLite files and hands out
// per-request handles to them.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// Config holds connection manager settings.
type Config struct {
	// Dir is the folder holding database files
	Dir string

	// Driver is "sqlite3" (mattn/go-sqlite3) or "sqlite" (modernc.org/sqlite)
	Driver string

	// BusyTimeout is how long a connection waits on a locked file (default: 30s)
	BusyTimeout time.Duration

	// ListConcurrency bounds parallel inspection in ListDatabases (default: 8)
	ListConcurrency int
}

// StatementObserver is told the duration and raw driver error of every
// modifying statement.
type StatementObserver func(elapsed time.Duration, err error)

// Manager maps database names to files inside one folder.
// It holds no connections; every Open returns a fresh handle.
type Manager struct {
	dir         string
	driver      string
	busyTimeout time.Duration
	listLimit   int
	logger      logrus.FieldLogger
	observer    StatementObserver
}

// dbExtensions are the suffixes accepted as part of a database name.
var dbExtensions = []string{".db", ".sqlite", ".sqlite3"}

// NewManager creates a manager for the given folder, creating it if needed.
func NewManager(cfg Config, logger logrus.FieldLogger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conn: databases folder is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.Driver != "sqlite3" && cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("conn: unsupported driver %q", cfg.Driver)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 30 * time.Second
	}
	if cfg.ListConcurrency <= 0 {
		cfg.ListConcurrency = 8
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("conn: failed to create databases folder: %w", err)
	}

	return &Manager{
		dir:         cfg.Dir,
		driver:      cfg.Driver,
		busyTimeout: cfg.BusyTimeout,
		listLimit:   cfg.ListConcurrency,
		logger:      logger,
	}, nil
}

// SetObserver installs a statement observer on handles opened afterwards.
func (m *Manager) SetObserver(obs StatementObserver) {
	m.observer = obs
}

// Dir returns the databases folder.
func (m *Manager) Dir() string {
	return m.dir
}

// Driver returns the database/sql driver name in use.
func (m *Manager) Driver() string {
	return m.driver
}

// FileName normalizes a database name to its file name, appending ".db"
// when the name has no recognised extension.
func FileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.NewFieldError("name", apperrors.CodeRequiredField, "database name is required")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || strings.ContainsRune(name, 0) {
		return "", apperrors.NewFieldError("name", apperrors.CodeInvalidName, fmt.Sprintf("invalid database name %q", name))
	}
	for _, ext := range dbExtensions {
		if strings.HasSuffix(name, ext) {
			return name, nil
		}
	}
	return name + ".db", nil
}

// Path returns the absolute file path for a database name.
func (m *Manager) Path(name string) (string, error) {
	file, err := FileName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, file), nil
}

// Exists reports whether the database file exists.
func (m *Manager) Exists(name string) bool {
	path, err := m.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open opens a handle to an existing database. The caller must Close it.
func (m *Manager) Open(ctx context.Context, name string) (*Handle, error) {
	path, err := m.Path(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError(apperrors.CodeDatabaseNotFound, fmt.Sprintf("database %q not found", name))
		}
		return nil, fmt.Errorf("conn: failed to stat database: %w", err)
	}
	return m.open(ctx, filepath.Base(path), path)
}

func (m *Manager) open(ctx context.Context, file, path string) (*Handle, error) {
	db, err := sql.Open(m.driver, m.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("conn: failed to open database: %w", err)
	}

	// One connection per handle keeps pragmas and transactions on the same session.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Classify(fmt.Sprintf("failed to open database %q", file), err)
	}

	return &Handle{
		name:    file,
		path:    path,
		db:      db,
		logger:  m.logger.WithField("database", file),
		observe: m.observer,
	}, nil
}

// dsn builds the driver-specific connection string with WAL and busy timeout.
func (m *Manager) dsn(path string) string {
	ms := m.busyTimeout.Milliseconds()
	if m.driver == "sqlite" {
		return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, ms)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, ms)
}

// CreateDatabase creates a new, empty database file and returns its file name.
func (m *Manager) CreateDatabase(ctx context.Context, name string) (string, error) {
	path, err := m.Path(name)
	if err != nil {
		return "", err
	}
	file := filepath.Base(path)
	if _, err := os.Stat(path); err == nil {
		return "", apperrors.NewFieldError("name", apperrors.CodeDuplicate, fmt.Sprintf("database %q already exists", file))
	}

	h, err := m.open(ctx, file, path)
	if err != nil {
		return "", err
	}
	defer h.Close()

	// Force SQLite to write the header so the file is visible to listings.
	if _, err := h.db.ExecContext(ctx, "PRAGMA user_version = 0"); err != nil {
		return "", Classify("failed to initialise database", err)
	}

	m.logger.WithField("database", file).Info("database created")
	return file, nil
}

// DeleteDatabase removes a database file along with its WAL and shared-memory files.
func (m *Manager) DeleteDatabase(ctx context.Context, name string) error {
	path, err := m.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NewNotFoundError(apperrors.CodeDatabaseNotFound, fmt.Sprintf("database %q not found", name))
		}
		return fmt.Errorf("conn: failed to delete database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	m.logger.WithField("database", filepath.Base(path)).Info("database deleted")
	return nil
}

// ListDatabases returns every .db file in the folder, sorted by name, with
// its table count and size. Files that cannot be inspected report zero tables.
func (m *Manager) ListDatabases(ctx context.Context) ([]types.DatabaseInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("conn: failed to read databases folder: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) == ".db" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	infos := make([]types.DatabaseInfo, len(names))
	sem := semaphore.NewWeighted(int64(m.listLimit))
	var wg sync.WaitGroup

	for i, name := range names {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("conn: listing cancelled: %w", err)
		}

		wg.Add(1)
		go func(i int, name string) {
			defer sem.Release(1)
			defer wg.Done()
			infos[i] = m.inspect(ctx, name)
		}(i, name)
	}

	wg.Wait()
	return infos, nil
}

func (m *Manager) inspect(ctx context.Context, name string) types.DatabaseInfo {
	info := types.DatabaseInfo{Name: name}
	path := filepath.Join(m.dir, name)

	if st, err := os.Stat(path); err == nil {
		info.SizeBytes = st.Size()
	}

	h, err := m.open(ctx, name, path)
	if err != nil {
		m.logger.WithError(err).WithField("database", name).Warn("failed to inspect database")
		return info
	}
	defer h.Close()

	tables, err := h.ListTables(ctx)
	if err != nil {
		m.logger.WithError(err).WithField("database", name).Warn("failed to list tables")
		return info
	}
	info.TableCount = len(tables)
	return info
}

package conn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m, err := NewManager(Config{Dir: t.TempDir(), BusyTimeout: time.Second}, logger)
	require.NoError(t, err)
	return m
}

func TestFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		code string
	}{
		{"shop", "shop.db", ""},
		{"shop.db", "shop.db", ""},
		{"legacy.sqlite", "legacy.sqlite", ""},
		{"legacy.sqlite3", "legacy.sqlite3", ""},
		{"  spaced  ", "spaced.db", ""},
		{"", "", apperrors.CodeRequiredField},
		{"../etc/passwd", "", apperrors.CodeInvalidName},
		{"a/b", "", apperrors.CodeInvalidName},
		{`a\b`, "", apperrors.CodeInvalidName},
	}

	for _, tt := range tests {
		got, err := FileName(tt.in)
		if tt.code != "" {
			require.Error(t, err, tt.in)
			assert.Equal(t, tt.code, apperrors.GetCode(err), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestManager_CreateOpenDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	file, err := m.CreateDatabase(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "shop.db", file)
	assert.True(t, m.Exists("shop"))
	assert.True(t, m.Exists("shop.db"))

	_, err = m.CreateDatabase(ctx, "shop.db")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDuplicate, apperrors.GetCode(err))

	h, err := m.Open(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "shop.db", h.Name())

	var mode string
	require.NoError(t, h.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	require.NoError(t, h.Close())

	require.NoError(t, m.DeleteDatabase(ctx, "shop"))
	assert.False(t, m.Exists("shop"))
	_, err = os.Stat(filepath.Join(m.Dir(), "shop.db-wal"))
	assert.True(t, os.IsNotExist(err))
}

func TestManager_OpenMissing(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Open(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDatabaseNotFound, apperrors.GetCode(err))
	// Open must not create the file
	assert.False(t, m.Exists("ghost"))

	err = m.DeleteDatabase(context.Background(), "ghost")
	assert.Equal(t, apperrors.CodeDatabaseNotFound, apperrors.GetCode(err))
}

func TestManager_ListDatabases(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := m.CreateDatabase(ctx, name)
		require.NoError(t, err)
	}
	// Non-.db files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0644))

	h, err := m.Open(ctx, "mid")
	require.NoError(t, err)
	_, err = h.Execute(ctx, `CREATE TABLE a (x INTEGER)`)
	require.NoError(t, err)
	_, err = h.Execute(ctx, `CREATE TABLE b (y TEXT)`)
	require.NoError(t, err)
	h.Close()

	infos, err := m.ListDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, "alpha.db", infos[0].Name)
	assert.Equal(t, "mid.db", infos[1].Name)
	assert.Equal(t, "zeta.db", infos[2].Name)
	assert.Equal(t, 2, infos[1].TableCount)
	assert.Equal(t, 0, infos[0].TableCount)
	assert.Greater(t, infos[1].SizeBytes, int64(0))
}

func TestManager_ModerncDriver(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	m, err := NewManager(Config{Dir: t.TempDir(), Driver: "sqlite"}, logger)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.CreateDatabase(ctx, "pure")
	require.NoError(t, err)

	h, err := m.Open(ctx, "pure")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Execute(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	_, err = h.Execute(ctx, `INSERT INTO t (name) VALUES (NULL)`)
	require.Error(t, err)
	assert.True(t, IsConstraint(err), "got %v", err)
}

func TestNewManager_RejectsDriver(t *testing.T) {
	_, err := NewManager(Config{Dir: t.TempDir(), Driver: "postgres"}, nil)
	assert.Error(t, err)
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/internal/storage"
)

// StoredExport is an export copied to object storage.
type StoredExport struct {
	ExportResult
	ObjectPath string `json:"object_path"`
	ETag       string `json:"etag"`
}

// SnapshotInfo describes a database copy in object storage.
type SnapshotInfo struct {
	ObjectPath string `json:"object_path"`
	ETag       string `json:"etag"`
	SizeBytes  int64  `json:"size_bytes"`
}

// baseName strips the database file extension.
func baseName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// ExportObjectPath is the default object path for a table export.
func ExportObjectPath(database, table string, format Format, compressed bool) string {
	name := fmt.Sprintf("%s-%s", table, uuid.New().String()[:8])
	return path.Join("exports", baseName(database), format.Filename(name, compressed))
}

// SnapshotObjectPath is the default object path for a database snapshot.
func SnapshotObjectPath(database string, at time.Time) string {
	return path.Join("snapshots", fmt.Sprintf("%s-%s-%s.db",
		baseName(database), at.UTC().Format("20060102T150405Z"), uuid.New().String()[:8]))
}

// ExportToStorage writes an export of table to a temporary file and uploads
// it to objectPath. An empty objectPath picks ExportObjectPath.
func ExportToStorage(ctx context.Context, h *conn.Handle, table string, format Format, opts ExportOptions, store storage.ObjectStorage, objectPath string) (*StoredExport, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if objectPath == "" {
		objectPath = ExportObjectPath(h.Name(), table, format, opts.Compress)
	}

	it, err := Export(ctx, h, table, format)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	tmp, err := os.CreateTemp("", "sqlitecult-export-*")
	if err != nil {
		return nil, apperrors.NewExportError(apperrors.CodeWriteFailed, "failed to create temporary file", err)
	}
	defer os.Remove(tmp.Name())

	res, err := WriteExport(tmp, it, format, opts)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = writeFailed(cerr)
	}
	if err != nil {
		return nil, err
	}

	etag, err := store.UploadMultipart(ctx, tmp.Name(), objectPath)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload export to %q", objectPath), err)
	}

	h.Logger().WithField("table", table).WithField("object", objectPath).WithField("rows", res.Rows).Info("export stored")
	return &StoredExport{ExportResult: *res, ObjectPath: objectPath, ETag: etag}, nil
}

// Snapshot copies the whole database with VACUUM INTO and uploads the
// copy. An empty objectPath picks SnapshotObjectPath.
func Snapshot(ctx context.Context, h *conn.Handle, store storage.ObjectStorage, objectPath string) (*SnapshotInfo, error) {
	if objectPath == "" {
		objectPath = SnapshotObjectPath(h.Name(), time.Now())
	}

	dir, err := os.MkdirTemp("", "sqlitecult-snapshot-*")
	if err != nil {
		return nil, apperrors.NewExportError(apperrors.CodeWriteFailed, "failed to create temporary folder", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, h.Name())
	if _, err := h.Execute(ctx, "VACUUM INTO "+schema.QuoteLiteral(local)); err != nil {
		return nil, err
	}
	st, err := os.Stat(local)
	if err != nil {
		return nil, apperrors.NewExportError(apperrors.CodeWriteFailed, "snapshot file missing", err)
	}

	etag, err := store.UploadMultipart(ctx, local, objectPath)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload snapshot to %q", objectPath), err)
	}

	h.Logger().WithField("object", objectPath).WithField("size_bytes", st.Size()).Info("snapshot stored")
	return &SnapshotInfo{ObjectPath: objectPath, ETag: etag, SizeBytes: st.Size()}, nil
}

// Restore downloads a snapshot into the databases folder as a new database.
// The name must not exist yet. The restored file is checked with
// PRAGMA quick_check and removed if it is not a valid database.
func Restore(ctx context.Context, m *conn.Manager, store storage.ObjectStorage, objectPath, name string) (string, error) {
	dest, err := m.Path(name)
	if err != nil {
		return "", err
	}
	file := filepath.Base(dest)
	if m.Exists(name) {
		return "", apperrors.NewFieldError("name", apperrors.CodeDuplicate, fmt.Sprintf("database %q already exists", file))
	}

	tmp, err := tempPath(filepath.Dir(dest))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)
	if err := store.Download(ctx, objectPath, tmp); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", apperrors.NewNotFoundError(apperrors.CodeDatabaseNotFound, fmt.Sprintf("snapshot %q not found", objectPath))
		}
		return "", apperrors.NewStorageError(apperrors.CodeDownloadFailed, fmt.Sprintf("failed to download %q", objectPath), err)
	}
	if err := placeFile(tmp, dest); err != nil {
		return "", err
	}

	h, err := m.Open(ctx, name)
	if err == nil {
		var result string
		err = h.DB().QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
		if err == nil && result != "ok" {
			err = fmt.Errorf("quick_check: %s", result)
		}
		h.Close()
	}
	if err != nil {
		_ = m.DeleteDatabase(ctx, name)
		return "", apperrors.NewImportError(apperrors.CodeMalformedFile,
			fmt.Sprintf("%q is not a valid SQLite database", objectPath), err)
	}
	return file, nil
}

func tempPath(dir string) (string, error) {
	f, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return "", apperrors.NewStorageError(apperrors.CodeDownloadFailed, "failed to create temporary file", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// placeFile links tmp to dest without replacing an existing file.
func placeFile(tmp, dest string) error {
	if err := os.Link(tmp, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apperrors.NewFieldError("name", apperrors.CodeDuplicate,
				fmt.Sprintf("database %q already exists", filepath.Base(dest)))
		}
		return fmt.Errorf("transfer: failed to place restored database: %w", err)
	}
	return nil
}

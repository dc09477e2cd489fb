// Package transfer moves table rows in and out of SQLite as JSON or CSV
// files, and copies exports and database snapshots to object storage.
package transfer

import (
	"fmt"
	"strings"

	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
)

// Format is a file format for exports and imports.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// NullLiteral is how NULL is written in CSV files.
const NullLiteral = "NULL"

// snappyMagic opens every snappy framed stream.
const snappyMagic = "\xff\x06\x00\x00sNaPpY"

// ParseFormat accepts "json" or "csv", case-insensitively, with an optional
// leading dot as in a file extension.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", apperrors.NewFieldError("format", apperrors.CodeUnsupportedFormat,
		fmt.Sprintf("unsupported format %q, expected json or csv", s))
}

// FormatFromFilename picks the format from a file name, ignoring a trailing
// .sz (snappy) suffix.
func FormatFromFilename(name string) (Format, error) {
	name = strings.TrimSuffix(strings.ToLower(name), ".sz")
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ParseFormat("")
	}
	return ParseFormat(name[i:])
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType(compressed bool) string {
	if compressed {
		return "application/x-snappy-framed"
	}
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Filename returns the download name for a table export.
func (f Format) Filename(table string, compressed bool) string {
	name := table + "." + string(f)
	if compressed {
		name += ".sz"
	}
	return name
}

package conn

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
)

// Classify maps a driver error onto the structured error categories.
// The driver error stays in the chain as the cause.
func Classify(message string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}

	code := apperrors.CodeExecFailed
	switch primaryCode(err) {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		code = apperrors.CodeLocked
	case sqlite3lib.SQLITE_CONSTRAINT:
		code = apperrors.CodeConstraint
	case sqlite3lib.SQLITE_ERROR:
		if isMalformed(err.Error()) {
			code = apperrors.CodeMalformedSQL
		}
	case -1:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
			code = apperrors.CodeLocked
		case strings.Contains(msg, "constraint failed"):
			code = apperrors.CodeConstraint
		case isMalformed(msg):
			code = apperrors.CodeMalformedSQL
		}
	}

	return apperrors.NewDatabaseError(code, message, err)
}

// primaryCode extracts the primary SQLite result code from either driver, or -1.
func primaryCode(err error) int {
	var me sqlite3.Error
	if errors.As(err, &me) {
		return int(me.Code)
	}
	var mp *sqlite3.Error
	if errors.As(err, &mp) && mp != nil {
		return int(mp.Code)
	}
	var ce *msqlite.Error
	if errors.As(err, &ce) {
		return ce.Code() & 0xff
	}
	return -1
}

func isMalformed(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "syntax error") ||
		strings.Contains(msg, "incomplete input") ||
		strings.Contains(msg, "unrecognized token") ||
		strings.Contains(msg, "no such") ||
		strings.Contains(msg, "has no column named") ||
		strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}

// IsLocked reports whether err was classified as a locked database.
func IsLocked(err error) bool {
	return apperrors.GetCode(err) == apperrors.CodeLocked
}

// IsConstraint reports whether err was classified as a constraint violation.
func IsConstraint(err error) bool {
	return apperrors.GetCode(err) == apperrors.CodeConstraint
}

// Outcome names the result of a statement for metrics labels.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch apperrors.GetCode(Classify("", err)) {
	case apperrors.CodeConstraint:
		return "constraint"
	case apperrors.CodeLocked:
		return "locked"
	case apperrors.CodeMalformedSQL:
		return "malformed"
	default:
		return "failed"
	}
}

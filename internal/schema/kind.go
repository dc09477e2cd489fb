// Package schema builds and issues DDL for tables, columns and indexes, and
// owns the column kinds used to validate values before they reach SQLite.
package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
)

// Kind is the closed set of column kinds offered when defining columns.
type Kind string

const (
	KindInteger   Kind = "integer"
	KindText      Kind = "text"
	KindReal      Kind = "real"
	KindBlob      Kind = "blob"
	KindBoolean   Kind = "boolean"
	KindNumeric   Kind = "numeric"
	KindDate      Kind = "date"
	KindDateTime  Kind = "datetime"
	KindTimestamp Kind = "timestamp"

	// KindAny covers columns declared without a type or with a type outside
	// the kinds above. Values are stored as given, as SQLite itself allows.
	KindAny Kind = "any"
)

// Kinds lists every kind in the order shown to users.
var Kinds = []Kind{
	KindInteger, KindText, KindReal, KindBlob, KindNumeric,
	KindBoolean, KindDate, KindDateTime, KindTimestamp,
}

// kindSpec pairs a kind with its declared SQL type and coercion.
type kindSpec struct {
	sqlType string
	coerce  func(interface{}) (interface{}, bool)
}

var kindSpecs = map[Kind]kindSpec{
	KindInteger:   {"INTEGER", coerceInteger},
	KindText:      {"TEXT", coerceText},
	KindReal:      {"REAL", coerceReal},
	KindBlob:      {"BLOB", coerceBlob},
	KindNumeric:   {"NUMERIC", coerceNumeric},
	KindBoolean:   {"BOOLEAN", coerceBoolean},
	KindDate:      {"DATE", coerceDate},
	KindDateTime:  {"DATETIME", coerceDateTime},
	KindTimestamp: {"TIMESTAMP", coerceTimestamp},
}

// ParseKind accepts a kind name or its SQL type, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kindSpecs[k]; ok {
		return k, nil
	}
	return "", apperrors.NewValidationError(apperrors.CodeUnsupportedKind,
		fmt.Sprintf("unsupported column type %q", s))
}

// SQLType returns the declared type used in DDL.
func (k Kind) SQLType() string {
	return kindSpecs[k].sqlType
}

// IsText reports whether empty strings are kept as values rather than NULL.
func (k Kind) IsText() bool {
	return k == KindText || k == KindAny
}

// KindOf maps a declared column type to a kind using SQLite's affinity rules,
// with exact matches for the boolean and date kinds first. Untyped columns and
// NUMERIC-affinity types other than NUMERIC itself map to KindAny.
func KindOf(declared string) Kind {
	t := strings.ToUpper(strings.TrimSpace(declared))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	switch t {
	case "BOOLEAN", "BOOL":
		return KindBoolean
	case "DATE":
		return KindDate
	case "DATETIME":
		return KindDateTime
	case "TIMESTAMP":
		return KindTimestamp
	case "NUMERIC":
		return KindNumeric
	case "":
		return KindAny
	}

	switch {
	case strings.Contains(t, "INT"):
		return KindInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return KindText
	case strings.Contains(t, "BLOB"):
		return KindBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return KindReal
	default:
		return KindAny
	}
}

// Coerce converts an input value (form string, decoded JSON, CSV field or
// native Go value) to the value stored for this kind. NULL passes through.
func (k Kind) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if k == KindAny {
		return coerceAny(v), nil
	}
	spec, ok := kindSpecs[k]
	if !ok {
		return nil, apperrors.NewValidationError(apperrors.CodeUnsupportedKind, fmt.Sprintf("unsupported kind %q", k))
	}
	out, ok := spec.coerce(v)
	if !ok {
		return nil, apperrors.NewValidationError(apperrors.CodeTypeMismatch,
			fmt.Sprintf("value %s is not a valid %s", describe(v), k))
	}
	return out, nil
}

// Validate reports whether v is acceptable for this kind.
func (k Kind) Validate(v interface{}) error {
	_, err := k.Coerce(v)
	return err
}

func describe(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	case string:
		if len(x) > 40 {
			x = x[:40] + "..."
		}
		return strconv.Quote(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func coerceInteger(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case bool:
		if x {
			return int64(1), true
		}
		return int64(0), true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || x > math.MaxInt64 || x < math.MinInt64 {
			return nil, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return nil, false
			}
			return coerceInteger(f)
		}
		return n, true
	case string:
		s := strings.TrimSpace(x)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	}
	return nil, false
}

func coerceReal(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

func coerceNumeric(v interface{}) (interface{}, bool) {
	if n, ok := coerceInteger(v); ok {
		return n, true
	}
	return coerceReal(v)
}

func coerceText(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	case json.Number:
		return x.String(), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return nil, false
}

// coerceAny keeps strings and bytes as given and normalizes numbers.
func coerceAny(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// coerceBlob accepts raw bytes or base64 text, the form blobs take in exports.
func coerceBlob(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

func coerceBoolean(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1), true
		}
		return int64(0), true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "t", "yes", "y", "on":
			return int64(1), true
		case "0", "false", "f", "no", "n", "off":
			return int64(0), true
		}
		return nil, false
	}
	n, ok := coerceInteger(v)
	if !ok {
		return nil, false
	}
	switch n.(int64) {
	case 0, 1:
		return n, true
	}
	return nil, false
}

var dateLayouts = []string{"2006-01-02"}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	time.RFC3339Nano,
	"2006-01-02",
}

func parsesAs(s string, layouts []string) bool {
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// Date kinds keep the caller's text so values round-trip unchanged.
func coerceDate(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case string:
		if parsesAs(x, dateLayouts) {
			return strings.TrimSpace(x), true
		}
	case time.Time:
		return x.Format("2006-01-02"), true
	}
	return nil, false
}

func coerceDateTime(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case string:
		if parsesAs(x, dateTimeLayouts) {
			return strings.TrimSpace(x), true
		}
	case time.Time:
		return x.Format("2006-01-02 15:04:05"), true
	}
	return nil, false
}

// Timestamps additionally accept integer unix seconds.
func coerceTimestamp(v interface{}) (interface{}, bool) {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, true
		}
	}
	if out, ok := coerceDateTime(v); ok {
		return out, true
	}
	switch v.(type) {
	case int64, int, json.Number, float64:
		return coerceInteger(v)
	}
	return nil, false
}

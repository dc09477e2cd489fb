package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// Constraint is one of the column constraints offered in column forms.
type Constraint string

const (
	ConstraintNone          Constraint = ""
	ConstraintNotNull       Constraint = "NOT NULL"
	ConstraintUnique        Constraint = "UNIQUE"
	ConstraintPrimaryKey    Constraint = "PRIMARY KEY"
	ConstraintAutoIncrement Constraint = "PRIMARY KEY AUTOINCREMENT"
)

// Constraints lists the constraint choices in display order.
var Constraints = []Constraint{
	ConstraintNone, ConstraintNotNull, ConstraintUnique, ConstraintPrimaryKey, ConstraintAutoIncrement,
}

// ParseConstraint normalizes a constraint choice.
func ParseConstraint(s string) (Constraint, error) {
	c := Constraint(strings.Join(strings.Fields(strings.ToUpper(s)), " "))
	for _, known := range Constraints {
		if c == known {
			return c, nil
		}
	}
	return "", apperrors.NewFieldError("constraint", apperrors.CodeInvalidInput, fmt.Sprintf("unsupported constraint %q", s))
}

// NewColumn builds a column definition from form-style input.
func NewColumn(name, typ, constraint, def string) (types.ColumnDef, error) {
	kind, err := ParseKind(typ)
	if err != nil {
		return types.ColumnDef{}, apperrors.NewFieldError("type", apperrors.CodeUnsupportedKind, err.Error())
	}
	c, err := ParseConstraint(constraint)
	if err != nil {
		return types.ColumnDef{}, err
	}

	col := types.ColumnDef{
		Name:     strings.TrimSpace(name),
		Type:     kind.SQLType(),
		Nullable: true,
	}
	switch c {
	case ConstraintNotNull:
		col.Nullable = false
	case ConstraintUnique:
		col.Unique = true
	case ConstraintPrimaryKey:
		col.PrimaryKey = 1
	case ConstraintAutoIncrement:
		col.PrimaryKey = 1
		col.AutoIncrement = true
	}
	if d := strings.TrimSpace(def); d != "" {
		col.Default = &d
	}
	return col, nil
}

// ValidateName checks a table, column or index identifier.
func ValidateName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.NewFieldError(field, apperrors.CodeRequiredField, field+" is required")
	}
	if name != strings.TrimSpace(name) {
		return apperrors.NewFieldError(field, apperrors.CodeInvalidName, fmt.Sprintf("%s %q has leading or trailing spaces", field, name))
	}
	if strings.ContainsRune(name, 0) {
		return apperrors.NewFieldError(field, apperrors.CodeInvalidName, fmt.Sprintf("%s contains a NUL byte", field))
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return apperrors.NewFieldError(field, apperrors.CodeInvalidName, fmt.Sprintf("%s %q uses the reserved sqlite_ prefix", field, name))
	}
	return nil
}

var (
	numericLiteral = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)
	blobLiteral    = regexp.MustCompile(`^[xX]'([0-9a-fA-F]{2})*'$`)
)

// ValidateDefault checks a DEFAULT expression against the column kind.
// Quoted strings and numbers are validated as values; NULL, TRUE/FALSE,
// CURRENT_* keywords, blob literals and parenthesized expressions are accepted.
func ValidateDefault(kind Kind, expr string) error {
	e := strings.TrimSpace(expr)
	upper := strings.ToUpper(e)

	fail := func(msg string) error {
		return apperrors.NewFieldError("default", apperrors.CodeTypeMismatch, msg)
	}
	if err := singleExpression(e); err != nil {
		return fail(fmt.Sprintf("default %q %s", e, err))
	}

	switch {
	case upper == "NULL":
		return nil
	case upper == "TRUE" || upper == "FALSE":
		if kind == KindBoolean || kind == KindInteger || kind == KindNumeric {
			return nil
		}
		return fail(fmt.Sprintf("default %s is not valid for a %s column", e, kind))
	case upper == "CURRENT_TIMESTAMP" || upper == "CURRENT_DATE" || upper == "CURRENT_TIME":
		switch kind {
		case KindDate, KindDateTime, KindTimestamp, KindText, KindNumeric:
			return nil
		}
		return fail(fmt.Sprintf("default %s is not valid for a %s column", e, kind))
	case strings.HasPrefix(e, "(") && strings.HasSuffix(e, ")"):
		return nil
	case blobLiteral.MatchString(e):
		if kind == KindBlob {
			return nil
		}
		return fail(fmt.Sprintf("blob default is not valid for a %s column", kind))
	case numericLiteral.MatchString(e):
		if kind == KindBlob {
			return fail("numeric default is not valid for a blob column")
		}
		if kind == KindText {
			return nil
		}
		if err := kind.Validate(e); err != nil {
			return fail(err.Error())
		}
		return nil
	case len(e) >= 2 && e[0] == '\'' && e[len(e)-1] == '\'':
		inner := strings.ReplaceAll(e[1:len(e)-1], "''", "")
		if strings.ContainsRune(inner, '\'') {
			return fail(fmt.Sprintf("default %q must be a single quoted string", e))
		}
		value := strings.ReplaceAll(e[1:len(e)-1], "''", "'")
		if kind == KindBlob {
			return nil
		}
		if err := kind.Validate(value); err != nil {
			return fail(err.Error())
		}
		return nil
	}
	return fail(fmt.Sprintf("default %q must be a quoted string, a number, NULL or a parenthesized expression", e))
}

// singleExpression rejects text that could end the column definition early:
// unbalanced parentheses, unterminated literals, comments or a statement
// separator outside a string literal.
func singleExpression(e string) error {
	depth := 0
	var quote byte
	for i := 0; i < len(e); i++ {
		c := e[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(e) && e[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '[':
			quote = ']'
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("has unbalanced parentheses")
			}
		case ';':
			return fmt.Errorf("must not contain ';'")
		case '-':
			if i+1 < len(e) && e[i+1] == '-' {
				return fmt.Errorf("must not contain comments")
			}
		case '/':
			if i+1 < len(e) && e[i+1] == '*' {
				return fmt.Errorf("must not contain comments")
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("has an unterminated literal")
	}
	if depth != 0 {
		return fmt.Errorf("has unbalanced parentheses")
	}
	return nil
}

// QuoteLiteral renders a Go value as an SQL literal for DEFAULT clauses.
func QuoteLiteral(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		return fmt.Sprintf("X'%X'", x)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(x), "'", "''") + "'"
	}
}

// columnSQL renders one column definition. inlinePK is false when the
// primary key is emitted as a table constraint.
func columnSQL(col types.ColumnDef, inlinePK bool) string {
	var sb strings.Builder
	sb.WriteString(conn.QuoteIdent(col.Name))
	sb.WriteByte(' ')
	sb.WriteString(col.Type)

	if inlinePK && col.IsPrimaryKey() {
		sb.WriteString(" PRIMARY KEY")
		if col.AutoIncrement {
			sb.WriteString(" AUTOINCREMENT")
		}
	}
	if !col.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if col.Unique {
		sb.WriteString(" UNIQUE")
	}
	if col.Default != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(strings.TrimSpace(*col.Default))
	}
	return sb.String()
}

// checkColumn validates a column definition on its own.
func checkColumn(col types.ColumnDef) (Kind, error) {
	if err := ValidateName("column_name", col.Name); err != nil {
		return "", err
	}
	kind, err := ParseKind(col.Type)
	if err != nil {
		return "", apperrors.NewFieldError("type", apperrors.CodeUnsupportedKind, err.Error())
	}
	if col.AutoIncrement && (kind != KindInteger || !col.IsPrimaryKey()) {
		return "", apperrors.NewFieldError("constraint", apperrors.CodeInvalidInput,
			"AUTOINCREMENT requires an INTEGER PRIMARY KEY column")
	}
	if col.Default != nil {
		if err := ValidateDefault(kind, *col.Default); err != nil {
			return "", err
		}
	}
	return kind, nil
}

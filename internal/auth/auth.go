// Package auth identifies the caller of each request and binds it to an open
// database handle. API callers present HS256 JWTs scoped to one database;
// browser users are identified by a header set by a trusted reverse proxy.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	apperrors "github.com/sqlitecult/sqlitecult/internal/errors"
)

// Permission is one operation class a principal may perform.
type Permission string

const (
	PermRead   Permission = "read"
	PermCreate Permission = "create"
	PermUpdate Permission = "update"
	PermDelete Permission = "delete"
)

// AllPermissions lists every permission in display order.
var AllPermissions = []Permission{PermRead, PermCreate, PermUpdate, PermDelete}

// ParsePermissions parses a comma separated list such as "read,update".
// "all" expands to every permission.
func ParsePermissions(s string) ([]Permission, error) {
	seen := map[Permission]bool{}
	var out []Permission
	for _, part := range strings.Split(s, ",") {
		p := Permission(strings.ToLower(strings.TrimSpace(part)))
		switch p {
		case "":
			continue
		case "all":
			return AllPermissions, nil
		case PermRead, PermCreate, PermUpdate, PermDelete:
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		default:
			return nil, apperrors.NewFieldError("permissions", apperrors.CodeInvalidInput,
				fmt.Sprintf("unknown permission %q", part))
		}
	}
	if len(out) == 0 {
		return nil, apperrors.NewFieldError("permissions", apperrors.CodeRequiredField, "at least one permission is required")
	}
	return out, nil
}

// StatementPermission maps a console statement to the permission it needs.
func StatementPermission(query string) Permission {
	if !conn.IsWriteStatement(query) {
		return PermRead
	}
	verb := strings.ToUpper(strings.Fields(strings.TrimSpace(query))[0])
	switch verb {
	case "INSERT", "REPLACE", "UPSERT", "CREATE":
		return PermCreate
	case "DELETE", "DROP", "TRUNCATE":
		return PermDelete
	default:
		return PermUpdate
	}
}

// Principal is the identity behind a request.
type Principal struct {
	// Name is the user name or token subject
	Name string `json:"name"`

	// Database restricts the principal to one database; empty means any
	Database string `json:"database,omitempty"`

	// Permissions granted to the principal
	Permissions []Permission `json:"permissions"`

	// ExpiresAt is the token expiry, zero for browser users
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Can reports whether the principal holds perm.
func (p *Principal) Can(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Authorize checks that the principal may perform perm on database.
func (p *Principal) Authorize(database string, perm Permission) error {
	if p.Database != "" {
		want, err := conn.FileName(database)
		if err != nil {
			return err
		}
		have, _ := conn.FileName(p.Database)
		if want != have {
			return apperrors.NewAuthError(apperrors.CodePermissionDenied,
				fmt.Sprintf("token is not valid for database %q", database))
		}
	}
	if !p.Can(perm) {
		return apperrors.NewAuthError(apperrors.CodePermissionDenied,
			fmt.Sprintf("%s permission required", perm))
	}
	return nil
}

// Claims are the JWT claims of an API token.
type Claims struct {
	Database    string       `json:"db"`
	Permissions []Permission `json:"perms"`
	jwt.RegisteredClaims
}

// Authenticator mints and verifies tokens and resolves browser users.
type Authenticator struct {
	secret     []byte
	issuer     string
	ttl        time.Duration
	userHeader string
	now        func() time.Time
}

// NewAuthenticator creates an authenticator from configuration. An empty
// secret disables API tokens.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Authenticator{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
		ttl:        ttl,
		userHeader: cfg.UserHeader,
		now:        time.Now,
	}
}

// TokensEnabled reports whether a signing secret is configured.
func (a *Authenticator) TokensEnabled() bool {
	return len(a.secret) > 0
}

// Mint issues a token for subject scoped to database.
func (a *Authenticator) Mint(subject, database string, perms []Permission) (string, time.Time, error) {
	if !a.TokensEnabled() {
		return "", time.Time{}, apperrors.NewAuthError(apperrors.CodeInvalidToken, "no JWT secret configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, apperrors.NewFieldError("subject", apperrors.CodeRequiredField, "token subject is required")
	}
	file, err := conn.FileName(database)
	if err != nil {
		return "", time.Time{}, err
	}
	if len(perms) == 0 {
		return "", time.Time{}, apperrors.NewFieldError("permissions", apperrors.CodeRequiredField, "at least one permission is required")
	}

	sorted := append([]Permission(nil), perms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		Database:    file,
		Permissions: sorted,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, apperrors.NewInternalError("failed to sign token", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token and returns its principal.
func (a *Authenticator) Verify(tokenString string) (*Principal, error) {
	if !a.TokensEnabled() {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidToken, "API tokens are disabled")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, apperrors.Wrap(apperrors.ErrCategoryAuth, apperrors.CodeInvalidToken, "invalid token", err)
	}

	if claims.Subject == "" || claims.Database == "" {
		return nil, apperrors.NewAuthError(apperrors.CodeInvalidToken, "token missing subject or database claim")
	}

	p := &Principal{
		Name:        claims.Subject,
		Database:    claims.Database,
		Permissions: claims.Permissions,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apperrors.NewAuthError(apperrors.CodeMissingToken, "authorization token required")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", apperrors.NewAuthError(apperrors.CodeInvalidToken, "authorization header must be \"Bearer <token>\"")
	}
	return strings.TrimSpace(token), nil
}

// FromRequest verifies the request's bearer token.
func (a *Authenticator) FromRequest(r *http.Request) (*Principal, error) {
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return a.Verify(token)
}

// BrowserPrincipal identifies a browser user from the trusted proxy header.
// Browser users hold every permission on every database.
func (a *Authenticator) BrowserPrincipal(r *http.Request) *Principal {
	name := "anonymous"
	if a.userHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(a.userHeader)); v != "" {
			name = v
		}
	}
	return &Principal{Name: name, Permissions: AllPermissions}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

package auth

import (
	"context"

	"github.com/sqlitecult/sqlitecult/internal/conn"
)

// Session is the per-request context: who is calling and the database
// handle opened for them. It lives for one request.
type Session struct {
	Principal *Principal
	Handle    *conn.Handle
}

// Open authorizes perm for p on database and opens a handle whose audit log
// entries carry the principal's name. The caller must Close the session.
func Open(ctx context.Context, m *conn.Manager, p *Principal, database string, perm Permission) (*Session, error) {
	if err := p.Authorize(database, perm); err != nil {
		return nil, err
	}
	h, err := m.Open(ctx, database)
	if err != nil {
		return nil, err
	}
	h.SetUser(p.Name)
	return &Session{Principal: p, Handle: h}, nil
}

// Require checks an additional permission within an open session.
func (s *Session) Require(perm Permission) error {
	return s.Principal.Authorize(s.Handle.Name(), perm)
}

// Close releases the database handle.
func (s *Session) Close() error {
	return s.Handle.Close()
}

// Package middleware provides the HTTP middleware chain: session
// authentication, login rate limiting and request logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/permitd/permitd/pkg/auth"
	"github.com/permitd/permitd/pkg/contextkeys"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/users"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "permitd_session"

// EpochChecker reports an application's current session epoch.
type EpochChecker interface {
	SessionEpoch(ctx context.Context, applicationID int64) (int64, error)
}

// UserLoader resolves a session's user account and memberships.
type UserLoader interface {
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	MembershipsOf(ctx context.Context, userID int64) ([]roles.Membership, error)
}

// SessionAuth resolves the caller identity from the session token, if any.
// Requests without a valid session proceed as anonymous; authorization
// decisions happen downstream where the operation is known.
type SessionAuth struct {
	sessions *auth.SessionManager
	users    UserLoader
	epochs   EpochChecker
}

// NewSessionAuth creates the session authentication middleware.
func NewSessionAuth(sessions *auth.SessionManager, userLoader UserLoader, epochs EpochChecker) *SessionAuth {
	return &SessionAuth{sessions: sessions, users: userLoader, epochs: epochs}
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Handler wraps next with caller resolution.
func (a *SessionAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := a.resolve(r)
		ctx := contextkeys.WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *SessionAuth) resolve(r *http.Request) roles.Caller {
	token := tokenFromRequest(r)
	if token == "" {
		return roles.Anonymous()
	}

	claims, err := a.sessions.Verify(token)
	if err != nil {
		return roles.Anonymous()
	}
	kind, id, err := claims.SubjectID()
	if err != nil {
		return roles.Anonymous()
	}

	ctx := r.Context()
	switch kind {
	case auth.SubjectApplication:
		// Sessions minted before the last passphrase regeneration carry a
		// stale epoch and are treated as absent.
		epoch, err := a.epochs.SessionEpoch(ctx, id)
		if err != nil || epoch != claims.Epoch {
			return roles.Anonymous()
		}
		return roles.Caller{
			Kind:               roles.CallerApplication,
			ApplicationID:      id,
			ApplicationGroupID: claims.GroupID,
		}
	case auth.SubjectUser:
		user, err := a.users.GetByEmail(ctx, claims.Email)
		if err != nil || user.ID != id {
			return roles.Anonymous()
		}
		memberships, err := a.users.MembershipsOf(ctx, user.ID)
		if err != nil {
			return roles.Anonymous()
		}
		return roles.Caller{
			Kind:        roles.CallerUser,
			UserID:      user.ID,
			Email:       user.Email,
			GlobalAdmin: user.IsAdmin,
			Memberships: memberships,
		}
	}
	return roles.Anonymous()
}

// CallerFrom extracts the resolved caller from a request context.
func CallerFrom(ctx context.Context) roles.Caller {
	if c, ok := ctx.Value(contextkeys.CallerKey).(roles.Caller); ok {
		return c
	}
	return roles.Anonymous()
}

// Package auth issues and verifies session tokens and maps OIDC identities
// onto user accounts.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/permitd/permitd/pkg/codes"
)

// Subject kinds embedded in session tokens.
const (
	SubjectUser        = "user"
	SubjectApplication = "app"
)

// RoleApplication marks machine sessions established via passphrase login.
const RoleApplication = "APPLICATION"

// SessionClaims are the claims carried by a permitd session token.
type SessionClaims struct {
	// Role is RoleApplication for machine sessions and empty for humans.
	Role string `json:"role,omitempty"`
	// Email is set for human sessions.
	Email string `json:"email,omitempty"`
	// GroupID is the owning group of an application session.
	GroupID int64 `json:"group_id,omitempty"`
	// Epoch is the application's session epoch at issue time. A passphrase
	// regeneration bumps the stored epoch, orphaning older sessions.
	Epoch int64 `json:"epoch,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies HS256 session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionManager creates a session manager.
func NewSessionManager(secret []byte, ttl time.Duration) *SessionManager {
	return &SessionManager{secret: secret, ttl: ttl}
}

// IssueUserSession creates a session token for a human identity.
func (m *SessionManager) IssueUserSession(userID int64, email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%s:%d", SubjectUser, userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// IssueApplicationSession creates a session token for a machine identity.
func (m *SessionManager) IssueApplicationSession(applicationID, groupID, epoch int64) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Role:    RoleApplication,
		GroupID: groupID,
		Epoch:   epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%s:%d", SubjectApplication, applicationID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a session token and returns its claims. Expired, malformed
// or foreign-algorithm tokens are all rejected with the same generic error.
func (m *SessionManager) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, codes.Credential(codes.InvalidCredentials)
	}
	return claims, nil
}

// SubjectID splits a session subject like "app:42" into its kind and ID.
func (c *SessionClaims) SubjectID() (kind string, id int64, err error) {
	if _, scanErr := fmt.Sscanf(c.Subject, SubjectUser+":%d", &id); scanErr == nil {
		return SubjectUser, id, nil
	}
	if _, scanErr := fmt.Sscanf(c.Subject, SubjectApplication+":%d", &id); scanErr == nil {
		return SubjectApplication, id, nil
	}
	return "", 0, codes.Credential(codes.InvalidCredentials)
}

package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/auth"
	"github.com/permitd/permitd/pkg/credentials"
	"github.com/permitd/permitd/pkg/httputil"
	"github.com/permitd/permitd/pkg/middleware"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/users"
)

const oidcStateCookie = "permitd_oidc_state"

// AuthHandlers handles application login, human OIDC login and session
// introspection.
type AuthHandlers struct {
	sessions      *auth.SessionManager
	oidc          *auth.OIDCAuthenticator
	users         *users.PostgresService
	credentials   *credentials.Service
	sessionTTL    time.Duration
	secureCookies bool
}

// NewAuthHandlers creates a new AuthHandlers. oidcAuth may be nil when no
// provider is configured, which disables the human login routes.
func NewAuthHandlers(sessions *auth.SessionManager, oidcAuth *auth.OIDCAuthenticator, userSvc *users.PostgresService, credSvc *credentials.Service, sessionTTL time.Duration, secureCookies bool) *AuthHandlers {
	return &AuthHandlers{
		sessions:      sessions,
		oidc:          oidcAuth,
		users:         userSvc,
		credentials:   credSvc,
		sessionTTL:    sessionTTL,
		secureCookies: secureCookies,
	}
}

// RegisterRoutes registers authentication routes. The login route itself is
// registered by the server so it can sit behind the rate limiter.
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/logout", h.Logout).Methods("POST")
	router.HandleFunc("/token_info", h.TokenInfo).Methods("GET")
	if h.oidc != nil {
		router.HandleFunc("/auth/login", h.OIDCLogin).Methods("GET")
		router.HandleFunc("/auth/callback", h.OIDCCallback).Methods("GET")
	}
}

func (h *AuthHandlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

type loginResponse struct {
	Role          string `json:"role"`
	ApplicationID int64  `json:"application_id"`
	GroupID       int64  `json:"group_id"`
}

// Login authenticates an application by id and passphrase. On success the
// session cookie is set and the session detail is returned. On failure the
// client is bounced back to the login page with a 303 and no cookie, so
// nothing distinguishes a wrong passphrase from an unknown application.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "invalid form body")
		return
	}
	appID, err := strconv.ParseInt(r.PostFormValue("application_id"), 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid application_id")
		return
	}
	passphrase := r.PostFormValue("passphrase")

	groupID, epoch, err := h.credentials.VerifyPassphrase(r.Context(), appID, passphrase)
	if err != nil {
		http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusSeeOther)
		return
	}

	token, err := h.sessions.IssueApplicationSession(appID, groupID, epoch)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	h.setSessionCookie(w, token)
	httputil.WriteSuccess(w, loginResponse{
		Role:          auth.RoleApplication,
		ApplicationID: appID,
		GroupID:       groupID,
	})
}

// Logout clears the session cookie
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w)
	httputil.WriteNoContent(w)
}

type tokenInfoResponse struct {
	Kind          string             `json:"kind"`
	UserID        int64              `json:"user_id,omitempty"`
	Email         string             `json:"email,omitempty"`
	GlobalAdmin   bool               `json:"global_admin,omitempty"`
	ApplicationID int64              `json:"application_id,omitempty"`
	GroupID       int64              `json:"group_id,omitempty"`
	Memberships   []roles.Membership `json:"memberships,omitempty"`
}

// TokenInfo describes the current session's caller
func (h *AuthHandlers) TokenInfo(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	if caller.Kind == roles.CallerAnonymous {
		httputil.WriteUnauthorized(w)
		return
	}
	httputil.WriteSuccess(w, tokenInfoResponse{
		Kind:          caller.Kind.String(),
		UserID:        caller.UserID,
		Email:         caller.Email,
		GlobalAdmin:   caller.GlobalAdmin,
		ApplicationID: caller.ApplicationID,
		GroupID:       caller.ApplicationGroupID,
		Memberships:   caller.Memberships,
	})
}

// OIDCLogin redirects the browser to the identity provider
func (h *AuthHandlers) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	state := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.oidc.AuthCodeURL(state), http.StatusFound)
}

// OIDCCallback completes the code flow and maps the verified email onto a
// local account. Unknown emails are not auto-provisioned.
func (h *AuthHandlers) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oidcStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		httputil.WriteBadRequest(w, "state mismatch")
		return
	}

	identity, err := h.oidc.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil || !identity.EmailVerified {
		http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusSeeOther)
		return
	}

	user, err := h.users.GetByEmail(r.Context(), identity.Email)
	if err != nil {
		http.Redirect(w, r, "/login?error=unknown_account", http.StatusSeeOther)
		return
	}

	token, err := h.sessions.IssueUserSession(user.ID, user.Email)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	h.setSessionCookie(w, token)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/apps"
	"github.com/permitd/permitd/pkg/credentials"
	"github.com/permitd/permitd/pkg/grants"
	"github.com/permitd/permitd/pkg/httputil"
	"github.com/permitd/permitd/pkg/middleware"
)

// ApplicationHandlers handles application, grant and credential-issuance
// HTTP requests.
type ApplicationHandlers struct {
	service     *apps.PostgresService
	grants      *grants.PostgresService
	credentials *credentials.Service
}

// NewApplicationHandlers creates a new ApplicationHandlers
func NewApplicationHandlers(service *apps.PostgresService, grantSvc *grants.PostgresService, credSvc *credentials.Service) *ApplicationHandlers {
	return &ApplicationHandlers{service: service, grants: grantSvc, credentials: credSvc}
}

// RegisterRoutes registers application routes
func (h *ApplicationHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/applications", h.Create).Methods("POST")
	router.HandleFunc("/applications", h.List).Methods("GET")
	router.HandleFunc("/applications/generate_bind_token/{id}", h.GenerateBindToken).Methods("POST")
	router.HandleFunc("/applications/generate_passphrase/{id}", h.GeneratePassphrase).Methods("POST")
	router.HandleFunc("/applications/{id}", h.Get).Methods("GET")
	router.HandleFunc("/applications/{id}", h.Update).Methods("PUT")
	router.HandleFunc("/applications/{id}", h.Delete).Methods("DELETE")
	router.HandleFunc("/applications/{id}/permissions", h.ListGrants).Methods("GET")

	router.HandleFunc("/permissions", h.Grant).Methods("POST")
	router.HandleFunc("/permissions/bind", h.RedeemBindToken).Methods("POST")
	router.HandleFunc("/permissions/{id}", h.UpdateGrant).Methods("PUT")
	router.HandleFunc("/permissions/{id}", h.Revoke).Methods("DELETE")
}

type applicationRequest struct {
	GroupID     int64  `json:"group_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create creates an application
func (h *ApplicationHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	app, err := h.service.CreateApplication(r.Context(), caller, req.GroupID, req.Name, req.Description)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, app)
}

// List pages through visible applications
func (h *ApplicationHandlers) List(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	page, err := h.service.ListApplications(r.Context(), caller,
		httputil.ParseQueryString(r, "filter", ""), httputil.ParsePageable(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// Get retrieves one application with its derived lifecycle status
func (h *ApplicationHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	app, err := h.service.GetApplication(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, app)
}

// Update renames an application. Moving it between groups is rejected.
func (h *ApplicationHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req applicationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	app, err := h.service.UpdateApplication(r.Context(), caller, id, req.GroupID, req.Name, req.Description)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, app)
}

// Delete removes an application, its grants and cached artifacts
func (h *ApplicationHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.DeleteApplication(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GenerateBindToken mints a single-use bind token for the application.
// The plaintext token is returned exactly once, as text.
func (h *ApplicationHandlers) GenerateBindToken(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	token, err := h.credentials.GenerateBindToken(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteText(w, http.StatusOK, token)
}

// GeneratePassphrase replaces the application's passphrase and invalidates
// any sessions minted under the previous one.
func (h *ApplicationHandlers) GeneratePassphrase(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	passphrase, err := h.credentials.GeneratePassphrase(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteText(w, http.StatusOK, passphrase)
}

// ListGrants returns the application's permissions
func (h *ApplicationHandlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	perms, err := h.grants.ListForApplication(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

type grantRequest struct {
	ApplicationID    int64  `json:"application_id"`
	TopicID          *int64 `json:"topic_id,omitempty"`
	TopicSetID       *int64 `json:"topic_set_id,omitempty"`
	Access           string `json:"access"`
	ActionIntervalID *int64 `json:"action_interval_id,omitempty"`
}

// Grant creates a permission binding an application to a topic or topic set
func (h *ApplicationHandlers) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	perm, err := h.grants.Grant(r.Context(), caller, &grants.Permission{
		ApplicationID:    req.ApplicationID,
		TopicID:          req.TopicID,
		TopicSetID:       req.TopicSetID,
		Access:           grants.Access(req.Access),
		ActionIntervalID: req.ActionIntervalID,
	})
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// UpdateGrant changes a permission's access or time window
func (h *ApplicationHandlers) UpdateGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	perm, err := h.grants.UpdateGrant(r.Context(), caller, id, grants.Access(req.Access), req.ActionIntervalID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// Revoke removes a permission
func (h *ApplicationHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.grants.Revoke(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type bindRequest struct {
	Token   string `json:"token"`
	TopicID int64  `json:"topic_id"`
	Access  string `json:"access"`
}

// RedeemBindToken consumes a bind token and grants the permission it was
// minted for. The token authenticates the request, no session is required.
func (h *ApplicationHandlers) RedeemBindToken(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm, err := h.grants.GrantWithBindToken(r.Context(), req.Token, req.TopicID, grants.Access(req.Access))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

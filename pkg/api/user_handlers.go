package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/httputil"
	"github.com/permitd/permitd/pkg/middleware"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/users"
)

// UserHandlers handles user and membership HTTP requests
type UserHandlers struct {
	service *users.PostgresService
}

// NewUserHandlers creates a new UserHandlers
func NewUserHandlers(service *users.PostgresService) *UserHandlers {
	return &UserHandlers{service: service}
}

// RegisterRoutes registers user and membership routes
func (h *UserHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.Create).Methods("POST")
	router.HandleFunc("/users", h.List).Methods("GET")
	router.HandleFunc("/users/{id}", h.Get).Methods("GET")
	router.HandleFunc("/users/{id}", h.Update).Methods("PUT")
	router.HandleFunc("/users/{id}", h.Delete).Methods("DELETE")

	router.HandleFunc("/group_users", h.AddMember).Methods("POST")
	router.HandleFunc("/group_users", h.ListMembers).Methods("GET")
	router.HandleFunc("/group_users/{id}", h.GetMember).Methods("GET")
	router.HandleFunc("/group_users/{id}", h.UpdateMember).Methods("PUT")
	router.HandleFunc("/group_users/{id}", h.RemoveMember).Methods("DELETE")
}

type userRequest struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// Create registers a user
func (h *UserHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	user, err := h.service.CreateUser(r.Context(), caller, req.Email, req.IsAdmin)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, user)
}

// List pages through users
func (h *UserHandlers) List(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	page, err := h.service.ListUsers(r.Context(), caller,
		httputil.ParseQueryString(r, "filter", ""), httputil.ParsePageable(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// Get retrieves one user
func (h *UserHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	user, err := h.service.GetUser(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// Update changes a user's admin flag
func (h *UserHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req userRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	user, err := h.service.UpdateUser(r.Context(), caller, id, req.IsAdmin)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// Delete removes a user
func (h *UserHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.DeleteUser(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type memberRequest struct {
	GroupID            int64  `json:"group_id"`
	Email              string `json:"email"`
	IsGroupAdmin       bool   `json:"is_group_admin"`
	IsApplicationAdmin bool   `json:"is_application_admin"`
	IsTopicAdmin       bool   `json:"is_topic_admin"`
}

func (req memberRequest) flags() roles.Flags {
	return roles.Flags{
		GroupAdmin:       req.IsGroupAdmin,
		ApplicationAdmin: req.IsApplicationAdmin,
		TopicAdmin:       req.IsTopicAdmin,
	}
}

// AddMember adds a user to a group
func (h *UserHandlers) AddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	gu, err := h.service.AddMember(r.Context(), caller, req.GroupID, req.Email, req.flags())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, gu)
}

// ListMembers pages through visible memberships
func (h *UserHandlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	page, err := h.service.ListMembers(r.Context(), caller,
		httputil.ParseQueryString(r, "filter", ""), httputil.ParsePageable(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// GetMember retrieves one membership
func (h *UserHandlers) GetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	gu, err := h.service.GetMember(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, gu)
}

// UpdateMember replaces a membership's role flags
func (h *UserHandlers) UpdateMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	gu, err := h.service.UpdateMember(r.Context(), caller, id, req.flags())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, gu)
}

// RemoveMember deletes a membership
func (h *UserHandlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.RemoveMember(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

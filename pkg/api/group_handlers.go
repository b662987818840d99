// Package api exposes the control plane over HTTP with gorilla/mux.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/groups"
	"github.com/permitd/permitd/pkg/httputil"
	"github.com/permitd/permitd/pkg/middleware"
)

// GroupHandlers handles group-related HTTP requests
type GroupHandlers struct {
	service *groups.PostgresService
}

// NewGroupHandlers creates a new GroupHandlers
func NewGroupHandlers(service *groups.PostgresService) *GroupHandlers {
	return &GroupHandlers{service: service}
}

// RegisterRoutes registers group routes
func (h *GroupHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/groups", h.Create).Methods("POST")
	router.HandleFunc("/groups", h.List).Methods("GET")
	router.HandleFunc("/groups/{id}", h.Get).Methods("GET")
	router.HandleFunc("/groups/{id}", h.Update).Methods("PUT")
	router.HandleFunc("/groups/{id}", h.Delete).Methods("DELETE")
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"is_public"`
}

// Create creates a group
func (h *GroupHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	group, err := h.service.CreateGroup(r.Context(), caller, req.Name, req.Description, req.IsPublic)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, group)
}

// List pages through visible groups
func (h *GroupHandlers) List(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	page, err := h.service.ListGroups(r.Context(), caller,
		httputil.ParseQueryString(r, "filter", ""), httputil.ParsePageable(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// Get retrieves one group
func (h *GroupHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	group, err := h.service.GetGroup(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

// Update renames a group
func (h *GroupHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	group, err := h.service.UpdateGroup(r.Context(), caller, id, req.Name, req.Description, req.IsPublic)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

// Delete removes a group and everything scoped to it
func (h *GroupHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.DeleteGroup(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

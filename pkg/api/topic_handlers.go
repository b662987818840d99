package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/httputil"
	"github.com/permitd/permitd/pkg/middleware"
	"github.com/permitd/permitd/pkg/topics"
)

// TopicHandlers handles topic, topic-set and action-interval HTTP requests
type TopicHandlers struct {
	service *topics.PostgresService
}

// NewTopicHandlers creates a new TopicHandlers
func NewTopicHandlers(service *topics.PostgresService) *TopicHandlers {
	return &TopicHandlers{service: service}
}

// RegisterRoutes registers topic routes
func (h *TopicHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/topics", h.Create).Methods("POST")
	router.HandleFunc("/topics", h.List).Methods("GET")
	router.HandleFunc("/topics/{id}", h.Get).Methods("GET")
	router.HandleFunc("/topics/{id}", h.Update).Methods("PUT")
	router.HandleFunc("/topics/{id}", h.Delete).Methods("DELETE")

	router.HandleFunc("/topic_sets", h.CreateSet).Methods("POST")
	router.HandleFunc("/topic_sets/{id}", h.GetSet).Methods("GET")
	router.HandleFunc("/topic_sets/{id}", h.DeleteSet).Methods("DELETE")
	router.HandleFunc("/topic_sets/{id}/topics/{topicId}", h.AddToSet).Methods("PUT")
	router.HandleFunc("/topic_sets/{id}/topics/{topicId}", h.RemoveFromSet).Methods("DELETE")

	router.HandleFunc("/action_intervals", h.CreateInterval).Methods("POST")
	router.HandleFunc("/action_intervals/{id}", h.GetInterval).Methods("GET")
	router.HandleFunc("/action_intervals/{id}", h.UpdateInterval).Methods("PUT")
	router.HandleFunc("/action_intervals/{id}", h.DeleteInterval).Methods("DELETE")
}

type topicRequest struct {
	GroupID     int64  `json:"group_id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Create creates a topic
func (h *TopicHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	topic, err := h.service.CreateTopic(r.Context(), caller, req.GroupID, req.Name, topics.Kind(req.Kind), req.Description)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, topic)
}

// List pages through visible topics
func (h *TopicHandlers) List(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	page, err := h.service.ListTopics(r.Context(), caller,
		httputil.ParseQueryString(r, "filter", ""), httputil.ParsePageable(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// Get retrieves one topic
func (h *TopicHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	topic, err := h.service.GetTopic(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, topic)
}

// Update renames a topic. Kind and group are immutable.
func (h *TopicHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req topicRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	topic, err := h.service.UpdateTopic(r.Context(), caller, id, req.Name, req.Description)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, topic)
}

// Delete removes a topic along with grants that target it
func (h *TopicHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.DeleteTopic(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type topicSetRequest struct {
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}

// CreateSet creates a topic set
func (h *TopicHandlers) CreateSet(w http.ResponseWriter, r *http.Request) {
	var req topicSetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	set, err := h.service.CreateTopicSet(r.Context(), caller, req.GroupID, req.Name)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, set)
}

// GetSet retrieves one topic set with its members
func (h *TopicHandlers) GetSet(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	set, err := h.service.GetTopicSet(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, set)
}

// DeleteSet removes a topic set and the grants that target it
func (h *TopicHandlers) DeleteSet(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.DeleteTopicSet(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AddToSet puts a topic into a set
func (h *TopicHandlers) AddToSet(w http.ResponseWriter, r *http.Request) {
	setID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	topicID, ok := httputil.ParsePathInt64OrError(w, r, "topicId")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.AddTopicToSet(r.Context(), caller, setID, topicID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveFromSet takes a topic out of a set
func (h *TopicHandlers) RemoveFromSet(w http.ResponseWriter, r *http.Request) {
	setID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	topicID, ok := httputil.ParsePathInt64OrError(w, r, "topicId")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.RemoveTopicFromSet(r.Context(), caller, setID, topicID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type actionIntervalRequest struct {
	GroupID  int64     `json:"group_id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// CreateInterval creates an action interval
func (h *TopicHandlers) CreateInterval(w http.ResponseWriter, r *http.Request) {
	var req actionIntervalRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	interval, err := h.service.CreateActionInterval(r.Context(), caller, req.GroupID, req.Name, req.StartsAt, req.EndsAt)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, interval)
}

// GetInterval retrieves one action interval
func (h *TopicHandlers) GetInterval(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	interval, err := h.service.GetActionInterval(r.Context(), caller, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, interval)
}

// UpdateInterval changes an interval's time window
func (h *TopicHandlers) UpdateInterval(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req actionIntervalRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	interval, err := h.service.UpdateActionInterval(r.Context(), caller, id, req.StartsAt, req.EndsAt)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, interval)
}

// DeleteInterval removes an interval, detaching any grants that reference it
func (h *TopicHandlers) DeleteInterval(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := middleware.CallerFrom(r.Context())
	if err := h.service.DeleteActionInterval(r.Context(), caller, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

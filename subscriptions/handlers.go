package subscriptions

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/llm"
	"github.com/convolabai/langhook/store"
)

// BudgetReader exposes the daily spend snapshot. *llm.Budget
// satisfies it.
type BudgetReader interface {
	Status() llm.BudgetStatus
}

// Handler serves the management API.
type Handler struct {
	service *Service
	budget  BudgetReader
}

// NewHandler wires the management API over the service.
func NewHandler(service *Service, budget BudgetReader) *Handler {
	return &Handler{service: service, budget: budget}
}

// Routes mounts the management endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Get("/{id}/events", h.listDeliveries)
	})
	r.Get("/event-logs", h.listEventLogs)
	r.Get("/mappings", h.listMappings)
	r.Get("/budget", h.getBudget)
	r.Route("/schema", func(r chi.Router) {
		r.Get("/", h.getSchema)
		r.Route("/publishers/{publisher}", func(r chi.Router) {
			r.Delete("/", h.deleteSchemaPublisher)
			r.Route("/resource-types/{resourceType}", func(r chi.Router) {
				r.Delete("/", h.deleteSchemaResourceType)
				r.Delete("/actions/{action}", h.deleteSchemaAction)
			})
		})
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := h.service.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = "default"
	}
	page, size := pageParams(r)

	subs, total, err := h.service.store.ListSubscriptions(r.Context(), subscriberID, page, size)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"total":         total,
		"page":          page,
		"size":          size,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	sub, err := h.service.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	page, size := pageParams(r)
	gate := r.URL.Query().Get("gate")
	if gate == "" {
		gate = store.GateFilterAll
	}
	switch gate {
	case store.GateFilterAll, store.GateFilterAllowed, store.GateFilterBlocked:
	default:
		respondError(w, http.StatusBadRequest, "gate must be allowed, blocked, or all")
		return
	}
	logs, total, err := h.service.store.ListSubscriptionEventLogs(r.Context(), id, page, size, gate)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"event_logs": logs,
		"total":      total,
		"page":       page,
		"size":       size,
		"gate":       gate,
	})
}

func (h *Handler) listEventLogs(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	var resourceTypes []string
	if raw := r.URL.Query().Get("resource_types"); raw != "" {
		for _, rt := range strings.Split(raw, ",") {
			if rt = strings.TrimSpace(rt); rt != "" {
				resourceTypes = append(resourceTypes, rt)
			}
		}
	}
	logs, total, err := h.service.store.ListEventLogs(r.Context(), page, size, resourceTypes)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"event_logs": logs,
		"total":      total,
		"page":       page,
		"size":       size,
	})
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.service.store.ListMappings(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mappings": mappings, "total": len(mappings)})
}

func (h *Handler) getBudget(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.budget.Status())
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.store.SchemaSummary(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) deleteSchemaPublisher(w http.ResponseWriter, r *http.Request) {
	err := h.service.store.DeleteSchemaPublisher(r.Context(), chi.URLParam(r, "publisher"))
	h.respondSchemaDelete(w, err)
}

func (h *Handler) deleteSchemaResourceType(w http.ResponseWriter, r *http.Request) {
	err := h.service.store.DeleteSchemaResourceType(r.Context(),
		chi.URLParam(r, "publisher"), chi.URLParam(r, "resourceType"))
	h.respondSchemaDelete(w, err)
}

func (h *Handler) deleteSchemaAction(w http.ResponseWriter, r *http.Request) {
	err := h.service.store.DeleteSchemaAction(r.Context(),
		chi.URLParam(r, "publisher"), chi.URLParam(r, "resourceType"), chi.URLParam(r, "action"))
	h.respondSchemaDelete(w, err)
}

func (h *Handler) respondSchemaDelete(w http.ResponseWriter, err error) {
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "invalid subscription id")
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	return page, size
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}

// respondServiceError maps classified errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.IsKind(err, errors.KindPatternUnknownSchema):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"detail": err.Error(),
			"kind":   string(errors.KindPatternUnknownSchema),
		})
	case errors.IsKind(err, errors.KindBudgetExhausted):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.IsInvalid(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.IsTransient(err):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

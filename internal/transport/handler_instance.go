package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

func (h *handlers) startInstance(w http.ResponseWriter, r *http.Request) {
	var body model.EntityRef
	if !h.decode(w, r, "startInstance", &body) {
		return
	}
	inst, err := h.engine.StartInstance(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "templateId"), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.InstanceFilters{
		TemplateID: q.Get("template_id"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if s := q.Get("status"); s != "" {
		status, err := model.ParseInstanceStatus(s)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filters.Status = status
	}
	var err error
	if filters.Page, err = queryInt(r, "page", 1); err != nil {
		h.fail(w, r, err)
		return
	}
	if filters.PageSize, err = queryInt(r, "page_size", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	filters = workflow.NormalizePage(filters)

	summaries, total, err := h.engine.ListInstances(r.Context(), model.RequestContextFrom(r.Context()), filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        summaries,
		"total_count": total,
		"page":        filters.Page,
		"page_size":   filters.PageSize,
	})
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	desc, err := h.engine.GetInstance(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "instanceId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, desc)
}

func (h *handlers) approveStep(w http.ResponseWriter, r *http.Request) {
	var body model.Decision
	if !h.decode(w, r, "approveStep", &body) {
		return
	}
	res, err := h.engine.ApproveStep(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "instanceId"), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) rejectStep(w http.ResponseWriter, r *http.Request) {
	var body model.Decision
	if !h.decode(w, r, "rejectStep", &body) {
		return
	}
	res, err := h.engine.RejectStep(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "instanceId"), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handlers) cancelInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, "cancelInstance", &body) {
		return
	}
	inst, err := h.engine.CancelInstance(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "instanceId"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) reassignStep(w http.ResponseWriter, r *http.Request) {
	var body model.Reassignment
	if !h.decode(w, r, "reassignStep", &body) {
		return
	}
	res, err := h.engine.ReassignStep(r.Context(), model.RequestContextFrom(r.Context()),
		chi.URLParam(r, "instanceId"), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signoff/model"
)

func (h *handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.engine.ListTemplates(r.Context(), model.TemplateFilters{
		EntityType: r.URL.Query().Get("entity_type"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.WorkflowTemplate]{Data: templates})
}

func (h *handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tmpl, err := h.engine.GetTemplate(r.Context(), chi.URLParam(r, "templateId"), version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tmpl)
}

func (h *handlers) publishTemplate(w http.ResponseWriter, r *http.Request) {
	var body model.WorkflowTemplate
	if !h.decode(w, r, "publishTemplate", &body) {
		return
	}
	tmpl, err := h.engine.PublishTemplate(r.Context(), model.RequestContextFrom(r.Context()), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tmpl)
}

package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pitabwire/signoff/internal/audit"
	"github.com/pitabwire/signoff/internal/export"
	"github.com/pitabwire/signoff/model"
)

func (h *handlers) listEntityTypes(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, listResponse[model.EntityTypeDefinition]{Data: h.engine.EntityTypes()})
}

func (h *handlers) entityStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.EntityStatus(r.Context(), entityRef(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// historyResponse is one page of audit records. NextAfter is set when more
// records may follow.
type historyResponse struct {
	Data      []model.AuditRecord `json:"data"`
	NextAfter *int64              `json:"next_after,omitempty"`
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	var page model.Page
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.fail(w, r, model.NewInvalidArgumentError("after", "after must be an integer"))
			return
		}
		page.After = after
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page.Limit = audit.PageLimit(limit)

	records, err := h.engine.GetHistory(r.Context(), entityRef(r), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := historyResponse{Data: records}
	if resp.Data == nil {
		resp.Data = []model.AuditRecord{}
	}
	if n := len(records); n > 0 && n == page.Limit {
		next := records[n-1].Sequence
		resp.NextAfter = &next
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) exportHistory(w http.ResponseWriter, r *http.Request) {
	ref := entityRef(r)
	view, err := h.engine.EntityStatus(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.engine.FullHistory(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.HistoryWorkbook(&buf, ref, view.Status, records); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", ref.Type+"-"+ref.ID+"-history.xlsx"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *handlers) applyTransition(w http.ResponseWriter, r *http.Request) {
	var body model.TransitionRequest
	if !h.decode(w, r, "applyTransition", &body) {
		return
	}
	body.Entity = entityRef(r)
	rec, err := h.engine.ApplyGuardedTransition(r.Context(), model.RequestContextFrom(r.Context()), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rec)
}

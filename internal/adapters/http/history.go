package httpadapter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

type historyQuery struct {
	Query  string
	Labels []string
	Sort   domain.SortSpec
}

type historyItem struct {
	domain.HistoryRecord
	HasImage bool `json:"has_image"`
}

type historyDetail struct {
	domain.HistoryRecord
	HasImage      bool   `json:"has_image"`
	LabelDisplay  string `json:"label_display"`
	AdviceDisplay string `json:"advice_display"`
}

type deleteFailurePayload struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

type batchDeletePayload struct {
	Succeeded []int64                `json:"succeeded"`
	Failed    []deleteFailurePayload `json:"failed"`
}

// historyParams mirrors generated optional query params: every field is a
// pointer and stays nil when the parameter is absent.
type historyParams struct {
	Q     *string
	Label *[]string
	Sort  *string
	Order *string
}

func bindHistoryQuery(r *http.Request) (historyQuery, error) {
	query := r.URL.Query()
	var params historyParams

	if err := runtime.BindQueryParameter("form", true, false, "q", query, &params.Q); err != nil {
		return historyQuery{}, domain.WrapError(domain.ErrInvalidInput, "bind history query", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "label", query, &params.Label); err != nil {
		return historyQuery{}, domain.WrapError(domain.ErrInvalidInput, "bind history query", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "sort", query, &params.Sort); err != nil {
		return historyQuery{}, domain.WrapError(domain.ErrInvalidInput, "bind history query", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "order", query, &params.Order); err != nil {
		return historyQuery{}, domain.WrapError(domain.ErrInvalidInput, "bind history query", err)
	}

	spec, err := domain.ParseSortSpec(deref(params.Sort), deref(params.Order))
	if err != nil {
		return historyQuery{}, err
	}
	out := historyQuery{Query: deref(params.Q), Sort: spec}
	if params.Label != nil {
		out.Labels = *params.Label
	}
	return out, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// records returns detached copies of the projection, filtered and sorted by
// the request.
func (rt *Router) records(r *http.Request) ([]domain.HistoryRecord, error) {
	query, err := bindHistoryQuery(r)
	if err != nil {
		return nil, err
	}
	list, err := rt.deps.History.List(r.Context())
	if err != nil {
		return nil, err
	}

	copies := make([]*domain.HistoryRecord, 0, len(list))
	for _, rec := range list {
		snap, ok := rt.deps.History.Snapshot(rec.ID)
		if !ok {
			continue
		}
		copies = append(copies, &snap)
	}
	copies = domain.FilterRecords(copies, query.Query)
	copies = domain.FilterLabels(copies, query.Labels...)
	copies = domain.SortRecords(copies, query.Sort)

	out := make([]domain.HistoryRecord, 0, len(copies))
	for _, rec := range copies {
		out = append(out, *rec)
	}
	return out, nil
}

func (rt *Router) listHistory(w http.ResponseWriter, r *http.Request) {
	records, err := rt.records(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]historyItem, 0, len(records))
	for _, rec := range records {
		hasImage := rec.HasImage()
		rec.ImageData = ""
		items = append(items, historyItem{HistoryRecord: rec, HasImage: hasImage})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": items, "total": len(items)})
}

func (rt *Router) exportHistory(w http.ResponseWriter, r *http.Request) {
	records, err := rt.records(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for i := range records {
		records[i].ImageData = ""
	}

	var artifact domain.Artifact
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		artifact, err = rt.deps.Exporter.RecordsCSV(records)
	case "xlsx":
		artifact, err = rt.deps.Exporter.RecordsXLSX(records)
	default:
		err = domain.WrapError(domain.ErrInvalidInput, "export history", fmt.Errorf("unsupported format %q", format))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeArtifact(w, artifact)
}

func (rt *Router) getHistoryRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := rt.deps.History.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hasImage := rec.HasImage()
	rec.ImageData = ""
	writeJSON(w, http.StatusOK, historyDetail{
		HistoryRecord: rec,
		HasImage:      hasImage,
		LabelDisplay:  domain.LabelDisplayName(rec.LabelName),
		AdviceDisplay: rec.AdviceOrDefault(),
	})
}

func (rt *Router) getHistoryImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	artifact, err := rt.deps.Exporter.ExportImage(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeArtifact(w, artifact)
}

func (rt *Router) exportHistoryRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := rt.deps.History.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	artifact, err := rt.deps.Exporter.RecordCSV(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeArtifact(w, artifact)
}

func (rt *Router) confirmDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	confirmation, err := rt.deps.History.ConfirmDelete(req.IDs...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, confirmation)
}

func (rt *Router) deleteHistoryRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("confirm"))
	if err := rt.deps.History.DeleteOne(r.Context(), token, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) batchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string  `json:"token"`
		IDs   []int64 `json:"ids"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := rt.deps.History.DeleteMany(r.Context(), req.Token, req.IDs)
	if err != nil && !errors.Is(err, domain.ErrPartialBatchDelete) {
		writeError(w, r, err)
		return
	}

	payload := batchDeletePayload{
		Succeeded: append([]int64{}, result.Succeeded...),
		Failed:    make([]deleteFailurePayload, 0, len(result.Failed)),
	}
	for _, f := range result.Failed {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		payload.Failed = append(payload.Failed, deleteFailurePayload{ID: f.ID, Error: msg})
	}

	status := http.StatusOK
	if result.Partial() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, payload)
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse record id", fmt.Errorf("invalid id %q", raw))
	}
	return id, nil
}

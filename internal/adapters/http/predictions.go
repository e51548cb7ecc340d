package httpadapter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/usecase"
)

type predictionResponse struct {
	Request      domain.RequestContext      `json:"request"`
	Results      []domain.GatedResult       `json:"results"`
	Stats        *domain.BatchStats         `json:"stats,omitempty"`
	Summary      string                     `json:"summary,omitempty"`
	Distribution []domain.DistributionSlice `json:"distribution,omitempty"`
}

type snapshotResponse struct {
	usecase.WorkflowSnapshot
	Summary      string                     `json:"summary,omitempty"`
	Distribution []domain.DistributionSlice `json:"distribution,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

func (rt *Router) workflow(r *http.Request) (PredictionWorkflow, error) {
	switch r.PathValue("kind") {
	case "image", string(domain.WorkflowSingle):
		if rt.deps.Single != nil {
			return rt.deps.Single, nil
		}
	case string(domain.WorkflowBatch):
		if rt.deps.Batch != nil {
			return rt.deps.Batch, nil
		}
	}
	return nil, domain.WrapError(domain.ErrNotFound, "resolve workflow", fmt.Errorf("unknown prediction kind %q", r.PathValue("kind")))
}

func (rt *Router) submitPrediction(w http.ResponseWriter, r *http.Request) {
	wf, err := rt.workflow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	sub := usecase.Submission{
		ModelKey: strings.TrimSpace(r.FormValue("model")),
		FileName: header.Filename,
		Body:     file,
	}
	if raw := strings.TrimSpace(r.FormValue("threshold")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "submit prediction", fmt.Errorf("invalid threshold %q", raw)))
			return
		}
		t, err := domain.ParseThreshold(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sub.Threshold = &t
	}

	outcome, err := wf.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := predictionResponse{
		Request: outcome.Request,
		Results: outcome.Results,
		Stats:   outcome.Stats,
	}
	if outcome.Stats != nil {
		resp.Summary = outcome.Stats.Summary()
		resp.Distribution = outcome.Stats.Distribution()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) getPrediction(w http.ResponseWriter, r *http.Request) {
	wf, err := rt.workflow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap := wf.Snapshot()
	resp := snapshotResponse{WorkflowSnapshot: snap}
	if snap.Stats != nil {
		resp.Summary = snap.Stats.Summary()
		resp.Distribution = snap.Stats.Distribution()
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) resetPrediction(w http.ResponseWriter, r *http.Request) {
	wf, err := rt.workflow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wf.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) exportPrediction(w http.ResponseWriter, r *http.Request) {
	wf, err := rt.workflow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap := wf.Snapshot()
	if snap.State != domain.StateSucceeded || len(snap.Results) == 0 {
		writeError(w, r, domain.WrapError(domain.ErrNotFound, "export prediction", errors.New("no results to export")))
		return
	}

	rc := domain.RowContext{}
	if snap.Request != nil {
		rc.ModelKey = snap.Request.ModelKey
	}

	var artifact domain.Artifact
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		artifact, err = rt.deps.Exporter.ResultsCSV(snap.Results, rc)
	case "xlsx":
		artifact, err = rt.deps.Exporter.ResultsXLSX(snap.Results, rc)
	default:
		err = domain.WrapError(domain.ErrInvalidInput, "export prediction", fmt.Errorf("unsupported format %q", format))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeArtifact(w, artifact)
}

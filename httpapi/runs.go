package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/schema"
)

type startRequest struct {
	Pipeline    string                `json:"pipeline"`
	Environment string                `json:"environment"`
	Branch      string                `json:"branch"`
	Ref         string                `json:"ref"`
	Vars        map[string]schema.Var `json:"vars"`
}

type startResponse struct {
	RunID string `json:"runId"`
}

func (api *API) startRun(w http.ResponseWriter, r *http.Request) {
	var request startRequest
	if !decode(w, r, &request) {
		return
	}

	def, ok := api.pipelines[request.Pipeline]
	if !ok {
		writeError(w, fmt.Errorf("unknown pipeline %q - %w", request.Pipeline, schema.ERROR_NOT_FOUND))
		return
	}

	environment := request.Environment
	if environment == "" {
		environment = api.environment
	}

	runID, err := api.runner.Start(r.Context(), def, schema.Trigger{
		Environment: environment,
		Branch:      request.Branch,
		Ref:         request.Ref,
		Vars:        request.Vars,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, startResponse{RunID: runID})
}

func (api *API) getRun(w http.ResponseWriter, r *http.Request) {
	record, err := api.runner.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (api *API) getLogs(w http.ResponseWriter, r *http.Request) {
	content, err := api.runner.Logs(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (api *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := api.runner.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Comment  string `json:"comment"`
	Token    string `json:"token"`
}

// decide takes the token from the body or, for links handed out by the
// notifier, from the query.
func (api *API) decide(w http.ResponseWriter, r *http.Request) {
	var request decisionRequest
	if !decode(w, r, &request) {
		return
	}
	if request.Token == "" {
		request.Token = r.URL.Query().Get("token")
	}
	if request.Token == "" {
		writeError(w, fmt.Errorf("missing approval token - %w", schema.ERROR_PERMISSION_DENIED))
		return
	}

	runID, stage := chi.URLParam(r, "id"), chi.URLParam(r, "stage")
	err := api.runner.Approve(r.Context(), runID, stage, request.Token, approvals.Decision{
		Approved: request.Approved,
		Actor:    request.Actor,
		Comment:  request.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

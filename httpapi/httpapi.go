// Package httpapi exposes runs over HTTP: push webhooks start them, reviewers
// decide approvals, operators inspect and cancel them.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/runner"
	"github.com/reeveci/reeve-pipeline/schema"
)

const MAX_BODY_SIZE = 1 << 20

type Options struct {
	Runner    *runner.Runner
	Pipelines map[string]*definition.Definition
	// Environment of runs started by a push.
	Environment string
	// Shared secret of the push webhook. Signatures are not checked if empty.
	WebhookSecret string
	Logger        hclog.Logger
}

type API struct {
	runner        *runner.Runner
	pipelines     map[string]*definition.Definition
	environment   string
	webhookSecret []byte
	logger        hclog.Logger
}

func New(options Options) http.Handler {
	if options.Logger == nil {
		options.Logger = hclog.NewNullLogger()
	}

	api := &API{
		runner:        options.Runner,
		pipelines:     options.Pipelines,
		environment:   options.Environment,
		webhookSecret: []byte(options.WebhookSecret),
		logger:        options.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/webhooks/push", api.push)

	r.Get("/pipelines", api.listPipelines)
	r.Get("/approvals", api.listApprovals)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", api.startRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.getRun)
			r.Get("/logs/{stage}", api.getLogs)
			r.Post("/cancel", api.cancelRun)
			r.Post("/approvals/{stage}", api.decide)
		})
	})

	return r
}

func (api *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		api.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (api *API) listPipelines(w http.ResponseWriter, r *http.Request) {
	type pipeline struct {
		Name   string `json:"name"`
		Owner  string `json:"owner"`
		Repo   string `json:"repo"`
		Branch string `json:"branch"`
		Stages int    `json:"stages"`
	}

	result := make([]pipeline, 0, len(api.pipelines))
	for _, def := range api.pipelines {
		spec := def.Spec()
		result = append(result, pipeline{Name: spec.Name, Owner: spec.Owner, Repo: spec.Repo, Branch: spec.Branch, Stages: len(spec.Stages)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	writeJSON(w, http.StatusOK, result)
}

func (api *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.runner.Pending())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ERROR_NOT_FOUND):
		return http.StatusNotFound
	case errors.Is(err, schema.ERROR_PERMISSION_DENIED):
		return http.StatusForbidden
	case errors.Is(err, schema.ERROR_ALREADY_FINISHED):
		return http.StatusConflict
	case errors.Is(err, schema.ERROR_VALIDATION):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ERROR_UNAVAILABLE):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MAX_BODY_SIZE))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body - " + err.Error()})
		return false
	}
	return true
}

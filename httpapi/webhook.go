package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/reeveci/reeve-pipeline/schema"
)

const SIGNATURE_HEADER = "X-Hub-Signature-256"
const EVENT_HEADER = "X-GitHub-Event"

const BRANCH_REF_PREFIX = "refs/heads/"

type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`
}

func (e pushEvent) owner() string {
	if e.Repository.Owner.Login != "" {
		return e.Repository.Owner.Login
	}
	return e.Repository.Owner.Name
}

type pushResponse struct {
	Runs []string `json:"runs"`
}

// push starts a run of every pipeline watching the pushed branch.
func (api *API) push(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MAX_BODY_SIZE))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "error reading body - " + err.Error()})
		return
	}

	if !api.verifySignature(body, r.Header.Get(SIGNATURE_HEADER)) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	switch r.Header.Get(EVENT_HEADER) {
	case "", "push":
	case "ping":
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		writeJSON(w, http.StatusAccepted, pushResponse{Runs: []string{}})
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid push event - " + err.Error()})
		return
	}

	response := pushResponse{Runs: []string{}}

	branch, isBranch := strings.CutPrefix(event.Ref, BRANCH_REF_PREFIX)
	if !isBranch || event.Deleted {
		writeJSON(w, http.StatusAccepted, response)
		return
	}

	for _, name := range api.watching(event.owner(), event.Repository.Name, branch) {
		runID, err := api.runner.Start(r.Context(), api.pipelines[name], schema.Trigger{
			Environment: api.environment,
			Branch:      branch,
			Ref:         event.After,
			Owner:       event.owner(),
			Repo:        event.Repository.Name,
		})
		if err != nil {
			api.logger.Error("error starting run for push", "pipeline", name, "branch", branch, "commit", event.After, "error", err)
			continue
		}
		response.Runs = append(response.Runs, runID)
	}

	api.logger.Info("push received", "owner", event.owner(), "repo", event.Repository.Name, "branch", branch, "runs", len(response.Runs))
	writeJSON(w, http.StatusAccepted, response)
}

func (api *API) watching(owner, repo, branch string) []string {
	var names []string
	for name, def := range api.pipelines {
		spec := def.Spec()
		if strings.EqualFold(spec.Owner, owner) && strings.EqualFold(spec.Repo, repo) && spec.Branch == branch {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (api *API) verifySignature(body []byte, header string) bool {
	if len(api.webhookSecret) == 0 {
		return true
	}

	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, api.webhookSecret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

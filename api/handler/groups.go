package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"skald/api/auth"
	"skald/api/coord"
	"skald/api/model"
)

const maxSpecBytes = 1 << 20

func readSpec(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "deployment group spec too large")
		return nil, false
	}
	return body, true
}

// SubmitGroup accepts a deployment group as JSON or YAML and starts a new
// rollout for it.
func (h *Handler) SubmitGroup(w http.ResponseWriter, r *http.Request) {
	body, ok := readSpec(w, r)
	if !ok {
		return
	}
	group, err := model.ParseDeploymentGroup(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.coord.SubmitSpec(r.Context(), group)
	if err != nil {
		h.log.Error("submit failed", "group", group.Name, "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	h.log.Info("deployment group submitted", "group", group.Name, "job", group.Job.ID(),
		"rollout", status.RolloutID, "by", auth.FromContext(r.Context()).Subject)

	w.Header().Set("Location", "/api/deployment-groups/"+group.Name)
	writeJSONStatus(w, http.StatusAccepted, status)
}

// ValidateGroup dry-runs a deployment group: findings plus the plan a
// submit would start with. Nothing is written.
func (h *Handler) ValidateGroup(w http.ResponseWriter, r *http.Request) {
	body, ok := readSpec(w, r)
	if !ok {
		return
	}
	var group model.DeploymentGroup
	if err := yaml.Unmarshal(body, &group); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode deployment group: %v", err))
		return
	}
	writeJSON(w, h.validator.Validate(r.Context(), group))
}

// ListGroups returns the status of every deployment group.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	names, err := h.groups.List(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	out := make([]model.DeploymentGroupStatus, 0, len(names))
	for _, name := range names {
		st, err := h.coord.GetStatus(r.Context(), name)
		if errors.Is(err, coord.ErrNotFound) {
			// deleted with history kept, or deleted since List
			continue
		}
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		out = append(out, st)
	}
	writeJSON(w, out)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := h.coord.GetStatus(r.Context(), name)
	if err != nil {
		writeError(w, errorStatus(err), fmt.Sprintf("deployment group %s: %v", name, err))
		return
	}
	writeJSON(w, st)
}

// DeleteGroup stops the group's rollout. ?purge=true also drops its history.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))

	if err := h.coord.DeleteGroup(r.Context(), name, purge); err != nil {
		writeError(w, errorStatus(err), fmt.Sprintf("deployment group %s: %v", name, err))
		return
	}
	h.log.Info("deployment group deleted", "group", name, "purge", purge,
		"by", auth.FromContext(r.Context()).Subject)
	w.WriteHeader(http.StatusNoContent)
}

// GroupHistory returns the group's history oldest first. ?limit=N keeps the
// newest N events.
func (h *Handler) GroupHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.coord.History(r.Context(), name)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []model.DeploymentGroupEvent{}
	}
	writeJSON(w, events)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

package handler

import (
	"net/http"

	"skald/api/eventlog"
)

// ListEvents serves the Postgres event log, optionally filtered by ?group=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event log not configured")
		return
	}
	group := r.URL.Query().Get("group")
	if group != "" && !validGroupNameRe.MatchString(group) {
		writeError(w, http.StatusBadRequest, "invalid deployment group name")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.events.List(r.Context(), group, limit)
	if err != nil {
		h.log.Error("list events", "group", group, "error", err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, entries)
}

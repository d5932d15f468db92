package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"

	"skald/api/coord"
	"skald/api/eventlog"
	"skald/api/health"
	"skald/api/model"
	"skald/api/planner"
	"skald/api/rollout"
	"skald/api/validate"
)

var validGroupNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Queue is the view of the local history queue the API reports on.
type Queue interface {
	Healthy() error
	Pending(ctx context.Context) (int, error)
}

// EventLog serves stored events for the events endpoint.
type EventLog interface {
	List(ctx context.Context, group string, limit int) ([]eventlog.Entry, error)
}

// Config carries the handler's collaborators. Events, Health and
// Validator may be nil.
type Config struct {
	Coordinator *rollout.Coordinator
	Groups      *coord.Groups
	Queue       Queue
	Events      EventLog
	Health      *health.Poller
	Validator   *validate.Validator
	Version     string
	Logger      hclog.Logger
}

type Handler struct {
	coord     *rollout.Coordinator
	groups    *coord.Groups
	queue     Queue
	events    EventLog
	health    *health.Poller
	validator *validate.Validator
	version   string
	log       hclog.Logger
}

func New(cfg Config) *Handler {
	h := &Handler{
		coord:     cfg.Coordinator,
		groups:    cfg.Groups,
		queue:     cfg.Queue,
		events:    cfg.Events,
		health:    cfg.Health,
		validator: cfg.Validator,
		version:   cfg.Version,
		log:       cfg.Logger,
	}
	if h.log == nil {
		h.log = hclog.NewNullLogger()
	}
	h.log = h.log.Named("http")
	if h.health == nil {
		h.health = &health.Poller{}
	}
	if h.validator == nil {
		h.validator = &validate.Validator{}
	}
	return h
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	r.Get("/events", h.ListEvents)
	r.Post("/validate", h.ValidateGroup)
	r.Route("/deployment-groups", func(r chi.Router) {
		r.Get("/", h.ListGroups)
		r.Post("/", h.SubmitGroup)
		r.Route("/{name}", func(r chi.Router) {
			r.Use(ValidateGroupName)
			r.Get("/", h.GetGroup)
			r.Delete("/", h.DeleteGroup)
			r.Get("/history", h.GroupHistory)
		})
	})
}

// ValidateGroupName is middleware that rejects requests with invalid group names.
func ValidateGroupName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name != "" && !validGroupNameRe.MatchString(name) {
			writeError(w, http.StatusBadRequest, "invalid deployment group name")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, coord.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidGroup), errors.Is(err, planner.ErrInvalidSelector):
		return http.StatusBadRequest
	case errors.Is(err, coord.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

package activities

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/a-essam23/activitycast/internal/server/middleware"
	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

type Handler struct {
	logger   *slog.Logger
	repo     Repository
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(logger *slog.Logger, repo Repository) *Handler {
	return &Handler{
		logger:   logger.With(slog.String("component", "activities")),
		repo:     repo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// NewRouter mounts the storage endpoints under /api. The auth middlewares must
// leave the caller's identity in the request metadata.
func NewRouter(h *Handler, auth ...middleware.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Route("/api", func(r chi.Router) {
		for _, mw := range auth {
			r.Use(mw)
		}
		r.Get("/activities", h.list)
		r.Post("/activities", h.create)
		r.Get("/activities/{id}", h.get)
		r.Put("/activities/{id}", h.update)
		r.Delete("/activities/{id}", h.delete)
		r.Post("/activities/{id}/attend", h.attend)
		r.Delete("/activities/{id}/attend", h.unattend)
	})
	return r
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	q := ListQuery{Limit: defaultLimit, Username: user.Username, StartDate: h.now()}
	params := r.URL.Query()

	var err error
	if v := params.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit <= 0 || q.Limit > maxLimit {
			h.fail(w, r, ErrInvalidInput, "limit must be between 1 and 100")
			return
		}
	}
	if v := params.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			h.fail(w, r, ErrInvalidInput, "offset must be a non-negative integer")
			return
		}
	}
	if v := params.Get(activity.PredicateStartDate); v != "" {
		if q.StartDate, err = time.Parse(time.RFC3339, v); err != nil {
			h.fail(w, r, ErrInvalidInput, "startDate must be an RFC 3339 timestamp")
			return
		}
	}
	q.IsGoing, _ = strconv.ParseBool(params.Get(activity.PredicateIsGoing))
	q.IsHost, _ = strconv.ParseBool(params.Get(activity.PredicateIsHost))

	items, total, err := h.repo.List(r.Context(), q)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	if items == nil {
		items = []activity.Activity{}
	}
	writeJSON(w, http.StatusOK, activity.Envelope{Activities: items, ActivityCount: total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	a, ok := h.decode(w, r)
	if !ok {
		return
	}
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	user := currentUser(r)
	host := activity.Attendee{Username: user.Username, DisplayName: user.DisplayName}
	if err := h.repo.Create(r.Context(), a, host); err != nil {
		h.fail(w, r, err, "")
		return
	}
	h.logger.Info("Activity created", slog.String("activityID", a.ID), slog.String("userID", user.Username))
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	a, ok := h.decode(w, r)
	if !ok {
		return
	}
	a.ID = chi.URLParam(r, "id")
	if err := h.repo.Update(r.Context(), a); err != nil {
		h.fail(w, r, err, "")
		return
	}
	updated, err := h.repo.Get(r.Context(), a.ID)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) attend(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	attendee := activity.Attendee{Username: user.Username, DisplayName: user.DisplayName}
	if err := h.repo.Attend(r.Context(), chi.URLParam(r, "id"), attendee); err != nil {
		h.fail(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unattend(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Unattend(r.Context(), chi.URLParam(r, "id"), currentUser(r).Username); err != nil {
		h.fail(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*activity.Activity, bool) {
	var a activity.Activity
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&a); err != nil {
		h.fail(w, r, ErrInvalidInput, "malformed activity body")
		return nil, false
	}
	if err := h.validate.Struct(&a); err != nil {
		h.fail(w, r, ErrInvalidInput, err.Error())
		return nil, false
	}
	a.Date = a.Date.UTC()
	return &a, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	status, code := mapDomainError(err)
	if message == "" {
		message = err.Error()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Storage request failed", slog.String("uri", r.RequestURI), slog.Any("error", err))
		message = "internal error"
	}
	writeError(w, status, code, message, chimw.GetReqID(r.Context()))
}

type user struct {
	Username    string
	DisplayName string
}

func currentUser(r *http.Request) user {
	meta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		return user{}
	}
	return user{Username: meta.UserID, DisplayName: meta.DisplayName}
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrAlreadyAttending), errors.Is(err, ErrNotAttending), errors.Is(err, ErrHostCannotLeave):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

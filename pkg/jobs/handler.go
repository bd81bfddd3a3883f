package jobs

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
	"github.com/nimbusforge/gpucp/internal/httpmw"
	"github.com/nimbusforge/gpucp/internal/openapi"
)

var validate = validator.New()

// Handler wires the Jobs API's two endpoints onto the service.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts every endpoint with no authorization split — used by
// tests, which exercise tenancy/validation behavior without OPA.
func (h *Handler) Routes(r chi.Router) {
	h.WriteRoutes(r)
	h.ReadRoutes(r)
}

// WriteRoutes mounts the mutating endpoint ("submit" action).
func (h *Handler) WriteRoutes(r chi.Router) {
	r.Post("/api/v1/gpu-jobs", h.submit)
}

// ReadRoutes mounts the lookup endpoint ("read" action) — kept separate
// from WriteRoutes so a caller can authorize it independently and a
// viewer-only role, which the policy denies on every non-read action,
// isn't locked out of GET.
func (h *Handler) ReadRoutes(r chi.Router) {
	r.Get("/api/v1/gpu-jobs/{id}", h.get)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError("failed to read request body"))
		return
	}

	if err := openapi.ValidateBody("submitGpuJob", body); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError(err.Error()))
		return
	}

	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	if err := validate.Struct(req); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError(err.Error()))
		return
	}

	tenant := httpmw.GetTenancy(r.Context())
	idemKey := r.Header.Get(httpmw.HeaderIdempotencyKey)

	replay, job, err := h.svc.Submit(r.Context(), tenant, r.Method, "/api/v1/gpu-jobs", idemKey, body, req)
	if err != nil {
		httpmw.WriteProblem(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if replay != nil {
		w.WriteHeader(replay.StatusCode)
		_, _ = w.Write(replay.Body)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(job)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenant := httpmw.GetTenancy(r.Context())

	job, err := h.svc.Get(r.Context(), tenant, id)
	if err != nil {
		httpmw.WriteProblem(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

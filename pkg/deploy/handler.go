package deploy

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

// Handler wires the Deployments API onto the service.
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

// DeployRoutes mounts the create/update endpoints ("deploy" action).
func (h *Handler) DeployRoutes(r chi.Router) {
	r.Post("/api/v1/deployments", h.create)
	r.Patch("/api/v1/deployments/{id}", h.patch)
}

// DeleteRoutes mounts the delete endpoint ("delete" action).
func (h *Handler) DeleteRoutes(r chi.Router) {
	r.Delete("/api/v1/deployments/{id}", h.delete)
}

// WriteRoutes mounts every mutating endpoint; used by tests, which don't
// need the create/patch vs. delete authorization split.
func (h *Handler) WriteRoutes(r chi.Router) {
	h.DeployRoutes(r)
	h.DeleteRoutes(r)
}

// ReadRoutes mounts the lookup endpoint ("read" action) — kept separate
// from the mutating routes so a viewer-only role, which the policy denies
// on every non-read action, isn't locked out of GET.
func (h *Handler) ReadRoutes(r chi.Router) {
	r.Get("/api/v1/deployments/{id}", h.get)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError("failed to read request body"))
		return
	}

	if err := openapi.ValidateBody("createDeployment", body); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError(err.Error()))
		return
	}

	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	if err := validate.Struct(req); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError(err.Error()))
		return
	}

	tenant := httpmw.GetTenancy(r.Context())
	ep, err := h.svc.Create(r.Context(), tenant, req)
	if err != nil {
		httpmw.WriteProblem(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ep)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenant := httpmw.GetTenancy(r.Context())

	ep, err := h.svc.Get(r.Context(), tenant, id)
	if err != nil {
		httpmw.WriteProblem(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ep)
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError("failed to read request body"))
		return
	}

	if err := openapi.ValidateBody("patchDeployment", body); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError(err.Error()))
		return
	}

	var req PatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpmw.WriteProblem(w, r, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}

	tenant := httpmw.GetTenancy(r.Context())
	ep, err := h.svc.Patch(r.Context(), tenant, id, req)
	if err != nil {
		httpmw.WriteProblem(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ep)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenant := httpmw.GetTenancy(r.Context())

	if err := h.svc.Delete(r.Context(), tenant, id); err != nil {
		httpmw.WriteProblem(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/evalrunner/internal/api/middleware"
	"github.com/kiranshivaraju/evalrunner/internal/api/response"
	"github.com/kiranshivaraju/evalrunner/internal/run"
	"github.com/kiranshivaraju/evalrunner/internal/store"
	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

const (
	maxContentRefs    = 10000
	maxContentRefLen  = 512
	maxRunConcurrency = 100
)

// RunService is the run lifecycle the handlers drive. *run.Controller
// implements it.
type RunService interface {
	CreateRun(ctx context.Context, p run.CreateRunParams) (*models.Run, error)
	Get(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	Status(ctx context.Context, runID uuid.UUID) (*run.Status, error)
	Pause(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	Resume(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	Stop(ctx context.Context, runID uuid.UUID) (*models.Run, error)
}

// TickProcessor runs one scheduling cycle. *runner.Runner implements it.
type TickProcessor interface {
	ProcessTick(ctx context.Context, maxConcurrency int, runID *uuid.UUID) (int, error)
}

type createRunRequest struct {
	TargetID        string   `json:"target_id"`
	ContentRefs     []string `json:"content_refs"`
	ConfigurationID string   `json:"configuration_id"`
	PromptTemplate  string   `json:"prompt_template"`
	MaxConcurrency  int      `json:"max_concurrency"`
}

func (req createRunRequest) validate() map[string][]string {
	problems := map[string][]string{}
	if strings.TrimSpace(req.TargetID) == "" {
		problems["target_id"] = append(problems["target_id"], "target_id is required")
	}
	switch {
	case len(req.ContentRefs) == 0:
		problems["content_refs"] = append(problems["content_refs"], "at least one content ref is required")
	case len(req.ContentRefs) > maxContentRefs:
		problems["content_refs"] = append(problems["content_refs"], "too many content refs")
	}
	for _, ref := range req.ContentRefs {
		if len(ref) > maxContentRefLen {
			problems["content_refs"] = append(problems["content_refs"], "content ref too long")
			break
		}
	}
	if req.MaxConcurrency < 0 || req.MaxConcurrency > maxRunConcurrency {
		problems["max_concurrency"] = append(problems["max_concurrency"], "max_concurrency must be between 0 and 100")
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// NewCreateRunHandler returns an http.HandlerFunc for POST /api/v1/runs.
func NewCreateRunHandler(svc RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req createRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if problems := req.validate(); problems != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid run parameters", problems)
			return
		}

		created, err := svc.CreateRun(r.Context(), run.CreateRunParams{
			OwnerID:         tenantID,
			TargetID:        req.TargetID,
			ContentRefs:     req.ContentRefs,
			ConfigurationID: req.ConfigurationID,
			PromptTemplate:  req.PromptTemplate,
			MaxConcurrency:  req.MaxConcurrency,
		})
		if err != nil {
			writeRunError(w, err)
			return
		}
		response.Created(w, created)
	}
}

// NewGetRunHandler returns an http.HandlerFunc for GET /api/v1/runs/{runID}.
func NewGetRunHandler(svc RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owned, ok := loadOwnedRun(w, r, svc)
		if !ok {
			return
		}
		st, err := svc.Status(r.Context(), owned.ID)
		if err != nil {
			writeRunError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

// NewPauseRunHandler returns an http.HandlerFunc for POST /api/v1/runs/{runID}/pause.
func NewPauseRunHandler(svc RunService) http.HandlerFunc {
	return transitionHandler(svc, svc.Pause)
}

// NewResumeRunHandler returns an http.HandlerFunc for POST /api/v1/runs/{runID}/resume.
func NewResumeRunHandler(svc RunService) http.HandlerFunc {
	return transitionHandler(svc, svc.Resume)
}

// NewStopRunHandler returns an http.HandlerFunc for POST /api/v1/runs/{runID}/stop.
func NewStopRunHandler(svc RunService) http.HandlerFunc {
	return transitionHandler(svc, svc.Stop)
}

func transitionHandler(svc RunService, move func(context.Context, uuid.UUID) (*models.Run, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owned, ok := loadOwnedRun(w, r, svc)
		if !ok {
			return
		}
		updated, err := move(r.Context(), owned.ID)
		if err != nil {
			writeRunError(w, err)
			return
		}
		response.JSON(w, updated)
	}
}

type accelerateResponse struct {
	Processed int         `json:"processed"`
	Run       *models.Run `json:"run"`
}

// NewAccelerateHandler returns an http.HandlerFunc for
// POST /api/v1/runs/{runID}/accelerate. It runs one tick scoped to the run
// and waits for it. An optional max_concurrency in the body caps the tick.
func NewAccelerateHandler(svc RunService, ticks TickProcessor, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owned, ok := loadOwnedRun(w, r, svc)
		if !ok {
			return
		}

		var req struct {
			MaxConcurrency int `json:"max_concurrency"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		if req.MaxConcurrency < 0 || req.MaxConcurrency > maxRunConcurrency {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid tick parameters",
				map[string][]string{"max_concurrency": {"max_concurrency must be between 0 and 100"}})
			return
		}

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		runID := owned.ID
		n, err := ticks.ProcessTick(ctx, req.MaxConcurrency, &runID)
		if err != nil {
			writeRunError(w, err)
			return
		}

		latest, err := svc.Get(r.Context(), runID)
		if err != nil {
			writeRunError(w, err)
			return
		}
		response.JSON(w, accelerateResponse{Processed: n, Run: latest})
	}
}

// loadOwnedRun resolves {runID} and makes sure the caller's tenant owns it.
// Runs of other tenants are reported as not found.
func loadOwnedRun(w http.ResponseWriter, r *http.Request, svc RunService) (*models.Run, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return nil, false
	}

	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_RUN_ID", "Invalid run ID format", nil)
		return nil, false
	}

	found, err := svc.Get(r.Context(), runID)
	if err != nil {
		writeRunError(w, err)
		return nil, false
	}
	if found.OwnerID != tenantID {
		response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
		return nil, false
	}
	return found, true
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
	case errors.Is(err, run.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, store.ErrActiveRun):
		response.Error(w, http.StatusConflict, "ACTIVE_RUN_EXISTS",
			"An active run already exists for this target", nil)
	case errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "TICK_TIMEOUT",
			"The tick did not finish in time", nil)
	default:
		slog.Error("run request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

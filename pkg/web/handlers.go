package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/dukex/outbound/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	runService      *services.Run
	playbookService *services.Playbook
	jobService      *services.Job
	validator       *validator.Validate
}

func NewAPIHandlers(
	runService *services.Run,
	playbookService *services.Playbook,
	jobService *services.Job,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		runService:      runService,
		playbookService: playbookService,
		jobService:      jobService,
		validator:       validator,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	r := router.Group("/runs")
	r.Post("/", h.EnrollRun)
	r.Get("/", h.GetRuns)
	r.Get("/:id", h.GetRun)
	r.Get("/:id/events", h.GetRunEvents)
	r.Post("/:id/pause", h.PauseRun)
	r.Post("/:id/resume", h.ResumeRun)
	r.Post("/:id/stop", h.StopRun)
	r.Post("/:target", h.RunAction)

	p := router.Group("/playbooks")
	p.Post("/", h.CreatePlaybook)
	p.Get("/:id", h.GetPlaybook)
	p.Post("/:id/status", h.SetPlaybookStatus)

	j := router.Group("/jobs")
	j.Post("/", h.CreateJob)
	j.Get("/", h.GetJobs)
	j.Get("/:id", h.GetJob)
	j.Get("/:id/occurrences", h.GetJobOccurrences)
	j.Post("/:id/active", h.SetJobActive)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) EnrollRun(c fiber.Ctx) error {
	var req EnrollRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.Enroll(c.Context(), services.EnrollRequest{
		LeadID:     req.LeadID,
		PlaybookID: req.PlaybookID,
		Variables:  req.Variables,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(EnrollRunResponse{RunID: run.ID})
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	req, err := parseListRunsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.runService.List(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs": TransformRunsResponse(runs),
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func parseListRunsRequest(c fiber.Ctx) (*services.ListRunsRequest, error) {
	req := &services.ListRunsRequest{
		LeadID:     c.Query("lead_id"),
		PlaybookID: c.Query("playbook_id"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.RunStatus(statusStr)
		req.Status = &status
	}

	return req, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.runService.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

func (h *APIHandlers) GetRunEvents(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	runEvents, err := h.runService.Events(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"events": runEvents})
}

func (h *APIHandlers) PauseRun(c fiber.Ctx) error {
	return h.runAction(c, c.Params("id"), "pause")
}

func (h *APIHandlers) ResumeRun(c fiber.Ctx) error {
	return h.runAction(c, c.Params("id"), "resume")
}

func (h *APIHandlers) StopRun(c fiber.Ctx) error {
	return h.runAction(c, c.Params("id"), "stop")
}

// RunAction serves the custom-method form POST /runs/{id}:{action}.
func (h *APIHandlers) RunAction(c fiber.Ctx) error {
	id, action, ok := strings.Cut(c.Params("target"), ":")
	if !ok {
		return notFound(c, "Unknown run action")
	}

	return h.runAction(c, id, action)
}

func (h *APIHandlers) runAction(c fiber.Ctx, id, action string) error {
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var (
		run *models.Run
		err error
	)

	switch action {
	case "pause":
		run, err = h.runService.Pause(c.Context(), id)
	case "resume":
		run, err = h.runService.Resume(c.Context(), id)
	case "stop":
		var req StopRunRequest
		if len(c.Body()) > 0 {
			if bindErr := c.Bind().JSON(&req); bindErr != nil {
				return badRequest(c, "Invalid JSON format")
			}
		}

		run, err = h.runService.Stop(c.Context(), id, services.StopRequest{Reason: req.Reason, Force: req.Force})
	default:
		return notFound(c, "Unknown run action: "+action)
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

func (h *APIHandlers) CreatePlaybook(c fiber.Ctx) error {
	var req CreatePlaybookRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.playbookService.Create(c.Context(), req.ToPlaybook())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetPlaybook(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Playbook ID is required")
	}

	playbook, err := h.playbookService.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(playbook)
}

func (h *APIHandlers) SetPlaybookStatus(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Playbook ID is required")
	}

	var req SetPlaybookStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	playbook, err := h.playbookService.SetStatus(c.Context(), id, req.Status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(playbook)
}

func (h *APIHandlers) CreateJob(c fiber.Ctx) error {
	var req CreateJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.jobService.Create(c.Context(), req.ToJob())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetJobs(c fiber.Ctx) error {
	jobs, err := h.jobService.List(c.Context(), models.JobKind(c.Query("kind")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"jobs": jobs})
}

func (h *APIHandlers) GetJob(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Job ID is required")
	}

	job, err := h.jobService.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) GetJobOccurrences(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Job ID is required")
	}

	occurrences, err := h.jobService.Occurrences(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"occurrences": occurrences})
}

func (h *APIHandlers) SetJobActive(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Job ID is required")
	}

	var req SetJobActiveRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	job, err := h.jobService.SetActive(c.Context(), id, req.Active)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.playbookService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Outbound API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Outbound API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

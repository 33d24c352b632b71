// Package api exposes runs over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// Handlers serves the run API on top of a scheduler.
type Handlers struct {
	sched    *pipeline.Scheduler
	queue    pipeline.Queue
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Options configures NewHandlers. Queue enables POST /runs/:id/launch and
// Gatherer enables GET /metrics.
type Options struct {
	Queue    pipeline.Queue
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(sched *pipeline.Scheduler, opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sched:    sched,
		queue:    opts.Queue,
		gatherer: opts.Gatherer,
		logger:   logger.With("module", "api"),
	}
}

// NewApp builds a fiber app with every route registered.
func NewApp(h *Handlers) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.Register(app)
	return app
}

// Register mounts the routes on router.
func (h *Handlers) Register(router fiber.Router) {
	router.Get("/healthz", h.Health)
	if h.gatherer != nil {
		router.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	runs := router.Group("/runs")
	runs.Get("/", h.ListRuns)
	runs.Post("/", h.CreateRun)
	runs.Get("/:id", h.GetRun)
	runs.Delete("/:id", h.DeleteRun)
	runs.Get("/:id/steps", h.GetSteps)
	runs.Get("/:id/progress", h.GetProgress)
	runs.Post("/:id/copy", h.CopyRun)
	runs.Post("/:id/stop", h.StopRun)
	runs.Post("/:id/launch", h.LaunchRun)
}

// StepResponse is the JSON form of a step.
type StepResponse struct {
	ID          int64           `json:"id"`
	Command     string          `json:"command"`
	Params      json.RawMessage `json:"params,omitempty"`
	VerifyFiles []string        `json:"verify_files,omitempty"`
	ParentID    int64           `json:"parent_id,omitempty"`
	MainLoop    bool            `json:"main_loop"`
	PassContext bool            `json:"pass_context,omitempty"`
	Iteration   int             `json:"iteration"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ProgressResponse reports finished and total steps of a run.
type ProgressResponse struct {
	RunID int64  `json:"run_id"`
	State string `json:"state"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// CopyRequest is the body of POST /runs/:id/copy.
type CopyRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handlers) ListRuns(c *fiber.Ctx) error {
	runs, err := h.sched.ListRuns(c.UserContext(), store.RunFilter{
		Group:    c.Query("group"),
		Protocol: c.Query("protocol"),
	})
	if err != nil {
		return handleSchedulerError(c, err)
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(fiber.Map{"runs": runs, "total_count": len(runs)})
}

func (h *Handlers) CreateRun(c *fiber.Ctx) error {
	var spec pipeline.RunSpec
	if err := c.BodyParser(&spec); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	run, err := h.sched.CreateRun(c.UserContext(), spec)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *Handlers) GetRun(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	run, err := h.sched.GetRun(c.UserContext(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	return c.JSON(run)
}

func (h *Handlers) DeleteRun(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.sched.DeleteRun(c.UserContext(), id); err != nil {
		return handleSchedulerError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) GetSteps(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	steps, err := h.sched.Steps(c.UserContext(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}

	out := make([]StepResponse, 0, len(steps))
	for _, s := range steps {
		files, err := pipeline.DecodeVerifyFiles(s.VerifyFiles)
		if err != nil {
			return handleSchedulerError(c, err)
		}
		out = append(out, StepResponse{
			ID:          s.ID,
			Command:     s.Command,
			Params:      json.RawMessage(s.Params),
			VerifyFiles: files,
			ParentID:    s.ParentID,
			MainLoop:    s.MainLoop,
			PassContext: s.PassContext,
			Iteration:   s.Iteration,
			StartedAt:   s.StartedAt,
			FinishedAt:  s.FinishedAt,
		})
	}
	return c.JSON(fiber.Map{"steps": out})
}

func (h *Handlers) GetProgress(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	run, err := h.sched.GetRun(c.UserContext(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	done, total, err := h.sched.Progress(c.UserContext(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	return c.JSON(ProgressResponse{RunID: id, State: run.State.String(), Done: done, Total: total})
}

func (h *Handlers) CopyRun(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req CopyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	run, err := h.sched.CopyRun(c.UserContext(), id, req.Name)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *Handlers) StopRun(c *fiber.Ctx) error {
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.sched.StopRun(c.UserContext(), id); err != nil {
		return handleSchedulerError(c, err)
	}
	run, err := h.sched.GetRun(c.UserContext(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	return c.JSON(run)
}

// LaunchRun hands the run to the configured queue.
func (h *Handlers) LaunchRun(c *fiber.Ctx) error {
	if h.queue == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no launch queue configured"})
	}
	id, err := runID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.sched.Enqueue(c.UserContext(), id, h.queue); err != nil {
		h.logger.ErrorContext(c.UserContext(), "launch failed", "run_id", id, "error", err)
		return handleSchedulerError(c, err)
	}
	run, err := h.sched.GetRun(c.UserContext(), id)
	if err != nil {
		return handleSchedulerError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(run)
}

func runID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

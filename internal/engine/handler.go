package engine

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
)

type Handler struct {
	webhooks *WebhookService
	resolver *Resolver
	executor *Executor
	metrics  *MetricsService
	execs    *ExecutionRepo
}

func NewHandler(webhooks *WebhookService, resolver *Resolver, executor *Executor,
	metrics *MetricsService, execs *ExecutionRepo) *Handler {
	return &Handler{
		webhooks: webhooks,
		resolver: resolver,
		executor: executor,
		metrics:  metrics,
		execs:    execs,
	}
}

// CreateWebhook handles POST /api/webhooks
func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	var req model.WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return ValidationError([]ErrorDetail{{Message: "Invalid JSON body"}})
	}
	def, err := h.webhooks.Create(c.Context(), getUser(c), &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(def)
}

// ListWebhooks handles GET /api/webhooks
func (h *Handler) ListWebhooks(c *fiber.Ctx) error {
	f := gateway.Filter{}
	if slug := c.Query("featureSlug"); slug != "" {
		f["featureSlug"] = slug
	}
	if active := c.Query("isActive"); active != "" {
		f["isActive"] = active == "true"
	}
	defs, err := h.webhooks.List(c.Context(), getUser(c), f, parsePage(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": defs, "count": len(defs)})
}

// GetWebhook handles GET /api/webhooks/:id
func (h *Handler) GetWebhook(c *fiber.Ctx) error {
	def, err := h.webhooks.Get(c.Context(), getUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(def)
}

// UpdateWebhook handles PUT /api/webhooks/:id
func (h *Handler) UpdateWebhook(c *fiber.Ctx) error {
	var req model.WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return ValidationError([]ErrorDetail{{Message: "Invalid JSON body"}})
	}
	def, err := h.webhooks.Update(c.Context(), getUser(c), c.Params("id"), &req)
	if err != nil {
		return err
	}
	return c.JSON(def)
}

// DeleteWebhook handles DELETE /api/webhooks/:id
func (h *Handler) DeleteWebhook(c *fiber.Ctx) error {
	if err := h.webhooks.Delete(c.Context(), getUser(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TestWebhook handles POST /api/webhooks/:id/test
func (h *Handler) TestWebhook(c *fiber.Ctx) error {
	user := getUser(c)
	var body struct {
		Payload map[string]any `json:"payload"`
	}
	c.BodyParser(&body)

	result, err := h.executor.Execute(c.Context(), &model.ExecutionRequest{
		WebhookID:   c.Params("id"),
		EventType:   "test",
		Payload:     body.Payload,
		UserContext: *user,
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// WebhookMetrics handles GET /api/webhooks/:id/metrics
func (h *Handler) WebhookMetrics(c *fiber.Ctx) error {
	from, to := parseTimeRange(c)
	m, err := h.metrics.GetExecutionMetrics(c.Context(), getUser(c), c.Params("id"), from, to)
	if err != nil {
		return err
	}
	return c.JSON(m)
}

// WebhookPerformance handles GET /api/webhooks/:id/performance
func (h *Handler) WebhookPerformance(c *fiber.Ctx) error {
	perf, err := h.metrics.GetWebhookPerformance(c.Context(), getUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(perf)
}

// CreateAssignment handles POST /api/assignments
func (h *Handler) CreateAssignment(c *fiber.Ctx) error {
	var req model.AssignmentRequest
	if err := c.BodyParser(&req); err != nil {
		return ValidationError([]ErrorDetail{{Message: "Invalid JSON body"}})
	}
	a, err := h.resolver.CreateAssignment(c.Context(), getUser(c), &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

// ListAssignments handles GET /api/assignments
func (h *Handler) ListAssignments(c *fiber.Ctx) error {
	out, err := h.resolver.ListAssignments(c.Context(), getUser(c), parsePage(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": out, "count": len(out)})
}

// ResolveAssignment handles GET /api/assignments/resolve
func (h *Handler) ResolveAssignment(c *fiber.Ctx) error {
	user := getUser(c)
	a, err := h.resolver.Resolve(c.Context(), user.TenantID,
		c.Query("featureSlug"), c.Query("pagePath"), c.Query("position"))
	if err != nil {
		return err
	}
	if a == nil {
		// Not configured is a normal outcome, not a 404.
		return c.JSON(fiber.Map{"assignment": nil})
	}
	return c.JSON(fiber.Map{"assignment": a})
}

// Execute handles POST /api/executions
func (h *Handler) Execute(c *fiber.Ctx) error {
	req, err := parseExecutionRequest(c)
	if err != nil {
		return err
	}
	result, err := h.executor.Execute(c.Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// ExecuteAsync handles POST /api/executions/async
func (h *Handler) ExecuteAsync(c *fiber.Ctx) error {
	req, err := parseExecutionRequest(c)
	if err != nil {
		return err
	}
	handle, err := h.executor.ExecuteAsync(req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(handle)
}

// AsyncStatus handles GET /api/executions/async/:id
func (h *Handler) AsyncStatus(c *fiber.Ctx) error {
	handle, ok := h.executor.Handle(c.Params("id"))
	if !ok {
		return NotFoundError("execution handle", c.Params("id"))
	}
	return c.JSON(handle)
}

// ExecuteBatch handles POST /api/executions/batch
func (h *Handler) ExecuteBatch(c *fiber.Ctx) error {
	user := getUser(c)
	var body struct {
		Requests []*model.ExecutionRequest `json:"requests"`
	}
	if err := c.BodyParser(&body); err != nil {
		return ValidationError([]ErrorDetail{{Message: "Invalid JSON body"}})
	}
	for _, req := range body.Requests {
		req.UserContext = *user
	}
	result, err := h.executor.ExecuteBatch(c.Context(), body.Requests)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// ListExecutions handles GET /api/executions
func (h *Handler) ListExecutions(c *fiber.Ctx) error {
	user := getUser(c)
	f := gateway.Filter{}
	if id := c.Query("webhookId"); id != "" {
		f["webhookId"] = id
	}
	if status := c.Query("status"); status != "" {
		f["status"] = status
	}
	records, err := h.execs.List(c.Context(), user.TenantID, f, parsePage(c))
	if err != nil {
		return FromGatewayError(err)
	}
	return c.JSON(fiber.Map{"data": records, "count": len(records)})
}

// RetryExecution handles POST /api/executions/:id/retry
func (h *Handler) RetryExecution(c *fiber.Ctx) error {
	result, err := h.executor.RetryFailedExecution(c.Context(), getUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func parseExecutionRequest(c *fiber.Ctx) (*model.ExecutionRequest, error) {
	var req model.ExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, ValidationError([]ErrorDetail{{Message: "Invalid JSON body"}})
	}
	// The authenticated identity always wins over whatever the body
	// claims.
	user := getUser(c)
	req.UserContext = *user
	req.UserContext.UserAgent = c.Get("User-Agent")
	req.UserContext.IPAddress = c.IP()
	return &req, nil
}

func getUser(c *fiber.Ctx) *model.UserContext {
	if u, ok := c.Locals("user").(*model.UserContext); ok {
		return u
	}
	return &model.UserContext{}
}

func parsePage(c *fiber.Ctx) gateway.Page {
	number, _ := strconv.Atoi(c.Query("page", "1"))
	size, _ := strconv.Atoi(c.Query("pageSize", "50"))
	return gateway.Page{Number: number, Size: size}
}

func parseTimeRange(c *fiber.Ctx) (time.Time, time.Time) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}

// ErrorHandler is the fiber error handler mapping engine errors onto
// the JSON error envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return ErrorHandler(c, FromGatewayError(ge))
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: &AppError{
			Code: "HTTP_ERROR", Status: fe.Code, Message: fe.Message,
		}})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: &AppError{
		Code: "INTERNAL_ERROR", Status: 500, Message: err.Error(),
	}})
}

// RegisterRoutes mounts the engine routes under /api behind the given
// middleware.
func RegisterRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Post("/webhooks", h.CreateWebhook)
	api.Get("/webhooks", h.ListWebhooks)
	api.Get("/webhooks/:id", h.GetWebhook)
	api.Put("/webhooks/:id", h.UpdateWebhook)
	api.Delete("/webhooks/:id", h.DeleteWebhook)
	api.Post("/webhooks/:id/test", h.TestWebhook)
	api.Get("/webhooks/:id/metrics", h.WebhookMetrics)
	api.Get("/webhooks/:id/performance", h.WebhookPerformance)

	api.Get("/assignments", h.ListAssignments)
	api.Post("/assignments", h.CreateAssignment)
	api.Get("/assignments/resolve", h.ResolveAssignment)

	api.Post("/executions", h.Execute)
	api.Post("/executions/async", h.ExecuteAsync)
	api.Get("/executions/async/:id", h.AsyncStatus)
	api.Post("/executions/batch", h.ExecuteBatch)
	api.Get("/executions", h.ListExecutions)
	api.Post("/executions/:id/retry", h.RetryExecution)
}

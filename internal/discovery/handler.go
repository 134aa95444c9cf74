package discovery

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"relay-backend/internal/engine"
	"relay-backend/internal/gateway"
	"relay-backend/internal/model"
)

type Handler struct {
	service  *Service
	monitors *MonitorManager
}

func NewHandler(service *Service, monitors *MonitorManager) *Handler {
	return &Handler{service: service, monitors: monitors}
}

// Scan handles POST /api/discovery/scan
func (h *Handler) Scan(c *fiber.Ctx) error {
	var req ScanRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: "Invalid JSON body"}})
	}
	elements, err := h.service.ScanPageElements(c.Context(), getUser(c), &req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"elements": elements, "count": len(elements)})
}

// Suggest handles POST /api/discovery/suggest
func (h *Handler) Suggest(c *fiber.Ctx) error {
	var req ScanRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: "Invalid JSON body"}})
	}
	elements, err := h.service.ScanPageElements(c.Context(), getUser(c), &req)
	if err != nil {
		return err
	}
	suggestions := SuggestWebhookMappings(elements)
	return c.JSON(fiber.Map{"suggestions": suggestions, "count": len(suggestions)})
}

// Compare handles POST /api/discovery/compare
func (h *Handler) Compare(c *fiber.Ctx) error {
	var req ScanRequest
	if err := c.BodyParser(&req); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: "Invalid JSON body"}})
	}
	diff, err := h.service.Compare(c.Context(), getUser(c), &req)
	if err != nil {
		return err
	}
	return c.JSON(diff)
}

// ListElements handles GET /api/discovery/elements
func (h *Handler) ListElements(c *fiber.Ctx) error {
	number, _ := strconv.Atoi(c.Query("page", "1"))
	size, _ := strconv.Atoi(c.Query("pageSize", "50"))
	elements, err := h.service.Elements(c.Context(), getUser(c), c.Query("pagePath"),
		gateway.Page{Number: number, Size: size})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"elements": elements, "count": len(elements)})
}

// StartSession handles POST /api/discovery/sessions
func (h *Handler) StartSession(c *fiber.Ctx) error {
	var req struct {
		FeatureSlug string         `json:"featureSlug"`
		Settings    map[string]any `json:"settings"`
	}
	if err := c.BodyParser(&req); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: "Invalid JSON body"}})
	}
	session, err := h.service.StartSession(c.Context(), getUser(c), req.FeatureSlug, req.Settings)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(session)
}

// CompleteSession handles POST /api/discovery/sessions/:id/complete
func (h *Handler) CompleteSession(c *fiber.Ctx) error {
	session, err := h.service.CompleteSession(c.Context(), getUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(session)
}

// StartMonitor handles POST /api/discovery/monitors
func (h *Handler) StartMonitor(c *fiber.Ctx) error {
	var req struct {
		FeatureSlug string `json:"featureSlug"`
		PagePath    string `json:"pagePath"`
		AutoApprove bool   `json:"autoApprove"`
	}
	if err := c.BodyParser(&req); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: "Invalid JSON body"}})
	}
	if req.PagePath == "" {
		return engine.ValidationError([]engine.ErrorDetail{
			{Field: "pagePath", Rule: "required", Message: "pagePath is required"}})
	}
	user := getUser(c)
	m := h.monitors.Start(user.TenantID, req.FeatureSlug, req.PagePath, req.AutoApprove)
	return c.Status(fiber.StatusCreated).JSON(m)
}

// StopMonitor handles DELETE /api/discovery/monitors/:id
func (h *Handler) StopMonitor(c *fiber.Ctx) error {
	if !h.monitors.Stop(getUser(c).TenantID, c.Params("id")) {
		return engine.NotFoundError("monitor", c.Params("id"))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func getUser(c *fiber.Ctx) *model.UserContext {
	if u, ok := c.Locals("user").(*model.UserContext); ok {
		return u
	}
	return &model.UserContext{}
}

// RegisterRoutes mounts the discovery routes under /api/discovery.
func RegisterRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api/discovery", middleware...)

	api.Post("/scan", h.Scan)
	api.Post("/suggest", h.Suggest)
	api.Post("/compare", h.Compare)
	api.Get("/elements", h.ListElements)
	api.Post("/sessions", h.StartSession)
	api.Post("/sessions/:id/complete", h.CompleteSession)
	api.Post("/monitors", h.StartMonitor)
	api.Delete("/monitors/:id", h.StopMonitor)
}

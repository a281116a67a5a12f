package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/seren-labs/insightd/internal/insight"
	"github.com/seren-labs/insightd/internal/queue/streams"
)

// CycleStore captures the ledger reads the API serves.
type CycleStore interface {
	ListCycles(ctx context.Context, userID string, limit int) ([]insight.Cycle, error)
	GetCycle(ctx context.Context, cycleID string) (insight.Cycle, bool, error)
	HasRunningCycle(ctx context.Context, userID string) (bool, error)
}

// CyclesHandler exposes the cycle ledger and a manual trigger.
type CyclesHandler struct {
	Store       CycleStore
	Publisher   *streams.Publisher
	CycleStream string
}

func (h *CyclesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("", h.trigger)
}

func (h *CyclesHandler) list(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	cycles, err := h.Store.ListCycles(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if cycles == nil {
		cycles = []insight.Cycle{}
	}
	return c.JSON(http.StatusOK, cycles)
}

func (h *CyclesHandler) get(c echo.Context) error {
	cycle, found, err := h.Store.GetCycle(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "cycle not found")
	}
	return c.JSON(http.StatusOK, cycle)
}

// trigger enqueues an on-demand cycle for a user. The worker pool picks it
// up like any scheduled cycle.
func (h *CyclesHandler) trigger(c echo.Context) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	ctx := c.Request().Context()
	running, err := h.Store.HasRunningCycle(ctx, req.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if running {
		return echo.NewHTTPError(http.StatusConflict, "cycle already running for user")
	}
	payload := map[string]string{"user_id": req.UserID, "trigger": "manual"}
	eventID, err := h.Publisher.PublishRaw(ctx, h.CycleStream, streams.EventCycleEnqueued, req.UserID, payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"event_id": eventID})
}

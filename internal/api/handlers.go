package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sandpool/sandpool/internal/metrics"
	"github.com/sandpool/sandpool/internal/pool"
	"github.com/sandpool/sandpool/pkg/types"
)

func (s *Server) computeTask(c echo.Context) error {
	var req types.ComputeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: types.ErrorBody{
			Name: "BadRequest", Message: "invalid request body", Status: http.StatusBadRequest,
		}})
	}
	if req.ModuleURL == "" {
		return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: types.ErrorBody{
			Name: "BadRequest", Message: "moduleUrl is required", Status: http.StatusBadRequest,
		}})
	}

	task := pool.Task{
		ModuleURL: req.ModuleURL,
		Params:    req.Params,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	}

	start := time.Now()
	result, err := s.pool.Compute(c.Request().Context(), task)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		name, message, status := pool.Describe(err)
		metrics.TasksTotal.WithLabelValues(name).Inc()
		s.record(req.ModuleURL, name, durationMs)
		return c.JSON(status, types.ErrorResponse{Error: types.ErrorBody{
			Name:    name,
			Message: message,
			Status:  status,
		}})
	}

	metrics.TasksTotal.WithLabelValues("ok").Inc()
	s.record(req.ModuleURL, "ok", durationMs)
	return c.JSON(http.StatusOK, types.ComputeResponse{Result: result})
}

func (s *Server) poolStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pool.Stats())
}

func (s *Server) listTasks(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusNotFound, types.ErrorResponse{Error: types.ErrorBody{
			Name: "NotFound", Message: "task history is disabled", Status: http.StatusNotFound,
		}})
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.journal.Recent(limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: types.ErrorBody{
			Name: "Error", Message: err.Error(), Status: http.StatusInternalServerError,
		}})
	}
	return c.JSON(http.StatusOK, records)
}

// record writes to the journal when it is enabled. Journal failures must not
// affect the request.
func (s *Server) record(moduleURL, status string, durationMs int64) {
	if s.journal == nil {
		return
	}
	_ = s.journal.Record(moduleURL, status, "", durationMs)
}

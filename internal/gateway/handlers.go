package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/version"
)

// ErrorBody is the uniform error envelope for the HTTP and WS surfaces.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse maps service errors onto the envelope: caller mistakes are
// invalid_request, everything else internal_error.
func errorResponse(c echo.Context, err error) error {
	var reqErr *cron.RequestError
	if errors.As(err, &reqErr) {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: reqErr.Message})
	}
	return c.JSON(http.StatusInternalServerError, ErrorBody{Code: "internal_error", Message: err.Error()})
}

// StatusResponse represents the gateway status.
type StatusResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Jobs      int    `json:"jobs"`
	Pending   int    `json:"pendingEvents"`
	GoVersion string `json:"goVersion"`
	Arch      string `json:"arch"`
	OS        string `json:"os"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleRoot handles GET /
func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":    "OpenClaw Gateway",
		"version": version.Version,
		"status":  "running",
	})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.cronService.Status(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}

	resp := StatusResponse{
		Status:    "running",
		Version:   version.Version,
		Uptime:    s.Uptime().Round(time.Second).String(),
		Jobs:      status.Jobs,
		Pending:   s.events.Pending(),
		GoVersion: runtime.Version(),
		Arch:      runtime.GOARCH,
		OS:        runtime.GOOS,
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSchedulerStatus handles GET /api/scheduler/status
func (s *Server) handleSchedulerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cronService.SchedulerStatus(c.Request().Context()))
}

// Cron Handlers

func (s *Server) handleCronList(c echo.Context) error {
	var params cron.ListParams
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: err.Error()})
	}
	result, err := s.cronService.List(c.Request().Context(), params)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCronStatus(c echo.Context) error {
	status, err := s.cronService.Status(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleCronGet(c echo.Context) error {
	result, err := s.cronService.List(c.Request().Context(), cron.ListParams{IncludeDisabled: true})
	if err != nil {
		return errorResponse(c, err)
	}
	id := c.Param("id")
	for _, job := range result.Jobs {
		if job.ID == id {
			return c.JSON(http.StatusOK, map[string]any{"job": job})
		}
	}
	return c.JSON(http.StatusNotFound, ErrorBody{Code: "invalid_request", Message: "job not found: " + id})
}

func (s *Server) handleCronAdd(c echo.Context) error {
	var create cron.JobCreate
	if err := c.Bind(&create); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: err.Error()})
	}
	if err := c.Validate(&create); err != nil {
		return err // Echo handles HTTPError from CustomValidator
	}
	job, err := s.cronService.Add(c.Request().Context(), create)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCronRemove(c echo.Context) error {
	if err := s.cronService.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true, "removed": true})
}

func (s *Server) handleCronUpdate(c echo.Context) error {
	// The CLI wraps the patch in {"patch": {...}}; accept a bare patch too.
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid body"})
	}
	var body struct {
		Patch *cron.JobPatch `json:"patch"`
	}
	var patch cron.JobPatch
	if err := json.Unmarshal(raw, &body); err == nil && body.Patch != nil {
		patch = *body.Patch
	} else if err := json.Unmarshal(raw, &patch); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid json"})
	}

	job, err := s.cronService.Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCronRun(c echo.Context) error {
	var params struct {
		Mode string `json:"mode"`
	}
	_ = c.Bind(&params)

	result, err := s.cronService.Run(c.Request().Context(), c.Param("id"), params.Mode)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCronRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	result, err := s.cronService.Runs(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

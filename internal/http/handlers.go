package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
	"github.com/fyrsmithlabs/ledgerd/pkg/secrets"
)

// handleHealth reports liveness. Degraded telemetry is reported but never
// fails the check.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

// handleRun claims and drives one task.
func (s *Server) handleRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.deps.Orchestrator.RunOnce(c.Request().Context(), req.ProjectID)
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleResume(c echo.Context) error {
	out, err := s.deps.Orchestrator.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSummary(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetTask(ctx, c.Param("id")); err != nil {
		return apiError(err)
	}
	sum, err := s.deps.Orchestrator.CheckpointSummary(ctx, c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleVerifyChain(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.deps.Store.GetTask(ctx, c.Param("id")); err != nil {
		return apiError(err)
	}
	report, err := s.deps.Orchestrator.VerifyChain(ctx, c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// handleRollback rolls back to a checkpoint. The result body is returned
// for every outcome; the status code reflects it.
func (s *Server) handleRollback(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "checkpoint id must be a positive integer")
	}
	res := s.deps.Orchestrator.RollbackToCheckpoint(c.Request().Context(), id)
	return c.JSON(rollbackStatus(res), res)
}

func (s *Server) handleHolds(c echo.Context) error {
	holds, err := s.deps.Gate.ActiveHolds(c.Request().Context(), c.QueryParam("task_id"))
	if err != nil {
		return apiError(err)
	}
	if holds == nil {
		holds = []compliance.Hold{}
	}
	return c.JSON(http.StatusOK, HoldsResponse{Holds: holds})
}

func (s *Server) handleReleaseHold(c echo.Context) error {
	var req ReleaseRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid release request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver field is required")
	}
	taskID := c.Param("id")
	if err := s.deps.Gate.ReleaseHold(c.Request().Context(), taskID, req.HoldType, req.Approver); err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, ReleaseResponse{
		TaskID:   taskID,
		HoldType: req.HoldType,
		Approver: req.Approver,
		Released: true,
	})
}

func (s *Server) handleRetryStatus(c echo.Context) error {
	st, err := s.deps.Retry.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleSignals(c echo.Context) error {
	ctx := c.Request().Context()
	taskID := c.Param("id")
	if _, err := s.deps.Store.GetTask(ctx, taskID); err != nil {
		return apiError(err)
	}
	signals, err := s.deps.Detector.Unresolved(ctx, taskID)
	if err != nil {
		return apiError(err)
	}
	if signals == nil {
		signals = []*uncertainty.StoredSignal{}
	}
	return c.JSON(http.StatusOK, SignalsResponse{TaskID: taskID, Signals: signals})
}

// handleScrub redacts secrets from the provided content.
func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	findings := s.deps.Scanner.Scan(req.Content)
	report := secrets.NewReport(findings)

	s.logger.Debug("scrubbed content", zap.Int("findings", report.Total))

	return c.JSON(http.StatusOK, ScrubResponse{
		Content: secrets.Redact(req.Content, findings),
		Report:  report,
	})
}

package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/rollback"
)

// statusWindow bounds the audit counts reported by /api/v1/status.
const statusWindow = 24 * time.Hour

// handleStatus reports active holds and audit action counts over the last
// statusWindow.
//
// Status is "degraded" when any task is held or a rollback failed inside
// the window, since both need an operator.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	holds, err := s.deps.Gate.ActiveHolds(ctx, "")
	if err != nil {
		return apiError(err)
	}
	counts, err := s.deps.Audit.Counts(ctx, time.Now().Add(-statusWindow))
	if err != nil {
		return apiError(err)
	}

	actions := make(map[string]int, len(counts))
	for a, n := range counts {
		actions[string(a)] = n
	}

	status := "ok"
	if len(holds) > 0 || counts[audit.RollbackFailed] > 0 {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:      status,
		Version:     s.config.Version,
		ActiveHolds: len(holds),
		Actions:     actions,
	})
}

// rollbackStatus maps a rollback result onto an HTTP status code.
func rollbackStatus(res *rollback.Result) int {
	switch {
	case res.OK():
		return http.StatusOK
	case res.ErrorDetails != nil && res.ErrorDetails.Reason == rollback.ReasonTargetNotFound:
		return http.StatusNotFound
	case res.Status == rollback.StatusBlocked:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

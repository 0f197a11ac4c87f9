package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/server/finops"
	"github.com/gaplens/gaplens/store"
)

const defaultUsageWindowDays = 30

// GetUsage summarizes the caller's recent generation usage and estimated
// spend. The window defaults to 30 days, adjustable with ?days=N.
func (s *APIV1Service) GetUsage(c echo.Context) error {
	days := defaultUsageWindowDays
	if raw := c.QueryParam("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, errorBody{
				Code:    string(errors.ErrCodeValidationFailed),
				Message: "malformed days",
			})
		}
		days = parsed
	}

	userID := userIDFromContext(c)
	since := time.Now().AddDate(0, 0, -days).Unix()
	events, err := s.Store.ListUsageEvents(c.Request().Context(), &store.FindUsageEvent{
		UserID: &userID,
		Since:  &since,
	})
	if err != nil {
		return s.errorJSON(c, errors.Wrap(err, errors.ErrCodePersistenceFailed, "list usage events"))
	}
	return c.JSON(http.StatusOK, finops.Summarize(events))
}

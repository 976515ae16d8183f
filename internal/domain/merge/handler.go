package merge

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/merge", h.MergePatient)
}

// MergePatient merges the patient in the path (source) into the target named
// in the body.
func (h *Handler) MergePatient(c echo.Context) error {
	sourceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.SourceID = sourceID
	if req.TargetID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "target_id is required")
	}

	result, err := h.svc.Merge(c.Request().Context(), &req)
	if err != nil {
		var conflictErr *ConflictError
		if errors.As(err, &conflictErr) {
			return echo.NewHTTPError(http.StatusConflict, conflictErr.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

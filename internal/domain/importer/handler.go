package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/ledger/internal/platform/sheet"
	"github.com/clinic/ledger/pkg/pagination"
)

type Handler struct {
	planner      *Planner
	committer    *Committer
	fingerprints FingerprintRepo
}

func NewHandler(planner *Planner, committer *Committer, fingerprints FingerprintRepo) *Handler {
	return &Handler{planner: planner, committer: committer, fingerprints: fingerprints}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/imports/preflight", h.Preflight)
	api.POST("/imports/commit", h.Commit)
	api.GET("/imports/fingerprints", h.ListFingerprints)
}

// Preflight accepts a multipart upload (field "file", optional "sheet" and
// "mapping" JSON) and returns the reviewable plan. Nothing is written.
func (h *Handler) Preflight(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	var header sheet.RawRow
	var rows []sheet.RawRow
	switch strings.ToLower(filepath.Ext(fileHeader.Filename)) {
	case ".xlsx":
		header, rows, err = sheet.ReadXLSX(src, c.FormValue("sheet"))
	case ".csv":
		header, rows, err = sheet.ReadCSV(src)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported file type; upload .xlsx or .csv")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	mapping, err := resolveMapping(c.FormValue("mapping"), header)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	plan, err := h.planner.Preflight(c.Request().Context(), fileHeader.Filename, rows, mapping)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, plan)
}

// resolveMapping uses the caller's explicit mapping when supplied, falling
// back to header detection.
func resolveMapping(raw string, header sheet.RawRow) (sheet.ColumnMapping, error) {
	if raw == "" {
		return sheet.DetectMapping(header)
	}
	mapping := sheet.EmptyMapping()
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return mapping, err
	}
	if err := mapping.Validate(); err != nil {
		return mapping, err
	}
	return mapping, nil
}

// parseResolutions converts the wire form (row index string to patient id
// string) into the committer's map.
func parseResolutions(raw map[string]string) (map[int]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[int]uuid.UUID, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("resolution key %q is not a row index", k)
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("resolution for row %d is not a patient id", idx)
		}
		out[idx] = id
	}
	return out, nil
}

// Commit applies a previously previewed plan. The plan must carry the ref
// issued by preflight; ambiguous rows need a resolution entry keyed by row
// index.
func (h *Handler) Commit(c echo.Context) error {
	var body struct {
		Plan        *ImportPlan       `json:"plan"`
		Resolutions map[string]string `json:"resolutions,omitempty"`
		Actor       string            `json:"actor,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Plan == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "plan is required")
	}

	resolutions, err := parseResolutions(body.Resolutions)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.committer.Commit(c.Request().Context(), &CommitRequest{
		Plan:        body.Plan,
		Resolutions: resolutions,
		Actor:       body.Actor,
	})
	if err != nil {
		return commitError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListFingerprints(c echo.Context) error {
	pg := pagination.FromContext(c)
	fps, total, err := h.fingerprints.List(c.Request().Context(), c.QueryParam("source_file_id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(fps, total, pg.Limit, pg.Offset))
}

// commitError maps the commit taxonomy onto HTTP statuses.
func commitError(err error) error {
	var (
		refErr      *PlanRefError
		staleErr    *PlanStaleError
		ambErr      *AmbiguousMatchError
		backupErr   *BackupFailedError
		conflictErr *TransactionConflictError
		codeErr     *FileCodeCollisionError
	)
	switch {
	case errors.As(err, &refErr), errors.As(err, &staleErr):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &ambErr), errors.As(err, &codeErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &backupErr):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &conflictErr):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

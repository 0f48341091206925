package reminder

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careline/careline/internal/platform/apperr"
	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/pkg/pagination"
)

type Handler struct {
	gate      *PreferenceGate
	ledger    *Ledger
	scheduler *Scheduler
}

func NewHandler(gate *PreferenceGate, ledger *Ledger, scheduler *Scheduler) *Handler {
	return &Handler{gate: gate, ledger: ledger, scheduler: scheduler}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	settings := api.Group("/notification-settings", auth.RequireRole(auth.RolePatient))
	settings.GET("", h.GetSettings)
	settings.PUT("", h.UpdateSettings)
	settings.POST("/enable", h.Enable)
	settings.POST("/disable", h.Disable)

	notifications := api.Group("/notifications")
	notifications.GET("", h.List, auth.RequireRole(auth.RolePatient))
	notifications.POST("/test", h.SendTest, auth.RequireRole(auth.RolePatient))
	notifications.GET("/stats", h.Stats, auth.RequireRole(auth.RoleAdmin))
	notifications.POST("/:id/retry", h.Retry, auth.RequireRole(auth.RoleAdmin))
}

// patientID resolves whose notifications a request concerns. Patients act on
// themselves; admins name the patient with ?patient_id=.
func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return uuid.Nil, err
	}
	if id.Role == auth.RolePatient && id.PatientID != nil {
		return *id.PatientID, nil
	}
	if !id.IsAdmin() {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "patient access required")
	}
	pid, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	return pid, nil
}

func (h *Handler) GetSettings(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	s, err := h.gate.GetOrCreate(c.Request().Context(), pid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var patch SettingPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s, err := h.gate.Update(c.Request().Context(), pid, patch)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Enable(c echo.Context) error  { return h.toggle(c, true) }
func (h *Handler) Disable(c echo.Context) error { return h.toggle(c, false) }

func (h *Handler) toggle(c echo.Context, enabled bool) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	s, err := h.gate.ToggleMaster(c.Request().Context(), pid, enabled)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) List(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.ledger.ListForPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) SendTest(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	if err := h.scheduler.SendTest(c.Request().Context(), pid); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "test notification could not be delivered").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "test notification sent"})
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.ledger.Stats(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.ledger.Requeue(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

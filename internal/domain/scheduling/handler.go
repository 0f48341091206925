package scheduling

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careline/careline/internal/platform/apperr"
	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/validation"
	"github.com/careline/careline/pkg/pagination"
)

// Handler exposes appointments and slots over HTTP.
type Handler struct {
	lc    *Lifecycle
	slots *SlotStore
}

func NewHandler(lc *Lifecycle, slots *SlotStore) *Handler {
	return &Handler{lc: lc, slots: slots}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin)

	appts := api.Group("/appointments")
	appts.POST("", h.Create)
	appts.POST("/book-slot", h.BookSlot)
	appts.GET("", h.List)
	appts.GET("/upcoming", h.Upcoming)
	appts.GET("/past", h.Past)
	appts.GET("/stats", h.Stats)
	appts.GET("/search", h.Search)
	appts.GET("/:id", h.Get)
	appts.PUT("/:id", h.Update)
	appts.PUT("/:id/cancel", h.Cancel)
	appts.PUT("/:id/reschedule", h.Reschedule)
	appts.PUT("/:id/complete", h.Complete, staff)
	appts.PUT("/:id/confirm", h.Confirm, staff)
	appts.PUT("/:id/no-show", h.MarkNoShow, staff)

	api.GET("/doctors/:id/slots", h.DoctorSlots)
	api.POST("/doctors/:id/generate-slots", h.GenerateForDoctor, staff)

	slots := api.Group("/slots")
	slots.POST("/generate", h.GenerateAll, auth.RequireRole(auth.RoleAdmin))
	slots.GET("/available", h.Available)
	slots.GET("/stats", h.SlotStats, staff)
	slots.PUT("/:id/book", h.BookSlotDirect, staff)
	slots.PUT("/:id/release", h.ReleaseSlot, staff)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- appointments --

func (h *Handler) Create(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := validation.BindAndValidate(c, &in); err != nil {
		return err
	}
	out, err := h.lc.Create(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) BookSlot(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	var in BookSlotInput
	if err := validation.BindAndValidate(c, &in); err != nil {
		return err
	}
	out, err := h.lc.BookBySlot(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

// listFilter reads the optional status, type, doctor_id, patient_id, from and
// to query parameters.
func listFilter(c echo.Context) (ListFilter, error) {
	var f ListFilter
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := AppointmentStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return f, echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(st))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := c.QueryParam("type"); raw != "" {
		f.Type = AppointmentType(raw)
		if !f.Type.Valid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "unknown type "+raw)
		}
	}
	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{{"doctor_id", &f.DoctorID}, {"patient_id", &f.PatientID}} {
		if raw := c.QueryParam(p.name); raw != "" {
			v, err := uuid.Parse(raw)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+p.name)
			}
			*p.dst = &v
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.After}, {"to", &f.Before}} {
		if raw := c.QueryParam(p.name); raw != "" {
			v, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, p.name+" must be RFC 3339")
			}
			*p.dst = &v
		}
	}
	f.Descending = c.QueryParam("order") == "desc"
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.lc.List(c.Request().Context(), id, f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) Upcoming(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	items, err := h.lc.Upcoming(c.Request().Context(), id, pagination.FromContext(c).Limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) Past(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	items, err := h.lc.Past(c.Request().Context(), id, pagination.FromContext(c).Limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) Search(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	items, err := h.lc.Search(c.Request().Context(), id, c.QueryParam("q"), pagination.FromContext(c).Limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func nonNil(items []*Appointment) []*Appointment {
	if items == nil {
		return []*Appointment{}
	}
	return items
}

func (h *Handler) Stats(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	st, err := h.lc.Stats(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.lc.Get(c.Request().Context(), id, apptID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := validation.BindAndValidate(c, &in); err != nil {
		return err
	}
	out, err := h.lc.Update(c.Request().Context(), id, apptID, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type CancelInput struct {
	Reason string `json:"reason" validate:"omitempty,max=1000"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	var in CancelInput
	if err := validation.BindAndValidate(c, &in); err != nil {
		return err
	}
	out, err := h.lc.Cancel(c.Request().Context(), id, apptID, in.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type RescheduleInput struct {
	NewSlotID uuid.UUID `json:"new_slot_id"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	var in RescheduleInput
	if err := validation.BindAndValidate(c, &in); err != nil {
		return err
	}
	out, err := h.lc.Reschedule(c.Request().Context(), id, apptID, in.NewSlotID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	var in CompleteInput
	if err := validation.BindAndValidate(c, &in); err != nil {
		return err
	}
	out, err := h.lc.Complete(c.Request().Context(), id, apptID, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.lc.Confirm(c.Request().Context(), id, apptID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	apptID, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.lc.MarkNoShow(c.Request().Context(), id, apptID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- slots --

// DoctorSlots lists a doctor's slots for ?date=YYYY-MM-DD or ?month=YYYY-MM.
func (h *Handler) DoctorSlots(c echo.Context) error {
	doctorID, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	var slots []Slot
	switch {
	case c.QueryParam("date") != "":
		slots, err = h.slots.ListForDoctorByDay(ctx, doctorID, c.QueryParam("date"))
	case c.QueryParam("month") != "":
		slots, err = h.slots.ListForDoctorByMonth(ctx, doctorID, c.QueryParam("month"))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "date or month query parameter is required")
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	if slots == nil {
		slots = []Slot{}
	}
	return c.JSON(http.StatusOK, slots)
}

func queryDays(c echo.Context) (int, error) {
	raw := c.QueryParam("days")
	if raw == "" {
		return 30, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "days must be an integer")
	}
	return days, nil
}

func (h *Handler) GenerateForDoctor(c echo.Context) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	doctorID, err := parseID(c)
	if err != nil {
		return err
	}
	if err := AuthorizeSlot(id, doctorID); err != nil {
		return apperr.HTTPError(err)
	}
	days, err := queryDays(c)
	if err != nil {
		return err
	}
	n, err := h.slots.GenerateRange(c.Request().Context(), doctorID, days)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, GenerateResult{DoctorID: doctorID, Inserted: n})
}

func (h *Handler) GenerateAll(c echo.Context) error {
	days, err := queryDays(c)
	if err != nil {
		return err
	}
	results, err := h.slots.GenerateForAllDoctors(c.Request().Context(), days)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// Available lists free slots across doctors for an exact start/end window.
func (h *Handler) Available(c echo.Context) error {
	start, err := time.Parse(time.RFC3339, c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start must be RFC 3339")
	}
	end, err := time.Parse(time.RFC3339, c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end must be RFC 3339")
	}
	slots, err := h.slots.FindFreeAt(c.Request().Context(), start, end)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if slots == nil {
		slots = []Slot{}
	}
	return c.JSON(http.StatusOK, slots)
}

// SlotStats reports slot availability counts, optionally for one doctor.
func (h *Handler) SlotStats(c echo.Context) error {
	var doctorID *uuid.UUID
	if raw := c.QueryParam("doctor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "doctor_id must be a UUID")
		}
		doctorID = &id
	}
	st, err := h.slots.Stats(c.Request().Context(), doctorID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) BookSlotDirect(c echo.Context) error {
	return h.slotOp(c, h.slots.Book)
}

// ReleaseSlot frees a slot no active appointment holds.
func (h *Handler) ReleaseSlot(c echo.Context) error {
	return h.slotOp(c, h.lc.ReleaseSlot)
}

func (h *Handler) slotOp(c echo.Context, op func(ctx context.Context, id uuid.UUID) (*Slot, error)) error {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	slotID, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	slot, err := h.slots.Get(ctx, slotID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if err := AuthorizeSlot(id, slot.DoctorID); err != nil {
		return apperr.HTTPError(err)
	}
	slot, err = op(ctx, slotID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, slot)
}

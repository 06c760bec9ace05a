package emergency

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every ED role
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/visits", h.ListVisits)
	readGroup.GET("/visits/:id", h.GetVisit)
	readGroup.GET("/visits/:id/activations", h.ListActivations)
	readGroup.GET("/visits/:id/sepsis-bundle", h.GetSepsisBundle)
	readGroup.GET("/tracking-board", h.GetTrackingBoard)
	readGroup.GET("/dashboard", h.GetMetrics)

	// Registration – front desk and nursing
	regGroup := api.Group("", auth.RequireRole("admin", "registrar", "nurse"))
	regGroup.POST("/visits", h.RegisterPatient)

	// Clinical endpoints – physician, nurse
	clinGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	clinGroup.POST("/triage/score", h.ScoreTriage)
	clinGroup.POST("/visits/:id/triage", h.PerformTriage)
	clinGroup.POST("/visits/:id/bed", h.AssignBed)
	clinGroup.POST("/visits/:id/status", h.UpdateStatus)
	clinGroup.POST("/visits/:id/vitals", h.RecordVitals)
	clinGroup.POST("/visits/:id/notes", h.AddNote)
	clinGroup.POST("/visits/:id/interventions", h.RecordIntervention)
	clinGroup.POST("/visits/:id/orders", h.PlaceOrder)
	clinGroup.PATCH("/visits/:id/orders/:orderId", h.UpdateOrderStatus)
	clinGroup.POST("/visits/:id/orders/:orderId/result", h.UpdateOrderResult)
	clinGroup.POST("/visits/:id/consultations", h.RequestConsultation)
	clinGroup.POST("/visits/:id/consultations/:consultationId/complete", h.CompleteConsultation)
	clinGroup.POST("/visits/:id/alerts/:alertId/acknowledge", h.AcknowledgeAlert)
	clinGroup.POST("/visits/:id/alerts/:alertId/resolve", h.ResolveAlert)
	clinGroup.POST("/visits/:id/sepsis-screen", h.ScreenForSepsis)
	clinGroup.POST("/visits/:id/sepsis-bundle/:itemId", h.CompleteBundleItem)
	clinGroup.POST("/visits/:id/stroke-code", h.ActivateStrokeCode)
	clinGroup.POST("/visits/:id/trauma-activation", h.ActivateTraumaTeam)
	clinGroup.PATCH("/trauma-activations/:id", h.UpdateTraumaActivation)
	clinGroup.PATCH("/stroke-codes/:id", h.UpdateStrokeCode)

	// Disposition endpoints – physician only
	dispoGroup := api.Group("", auth.RequireRole("admin", "physician"))
	dispoGroup.POST("/visits/:id/attending", h.AssignAttending)
	dispoGroup.POST("/visits/:id/disposition", h.SetDisposition)
	dispoGroup.POST("/visits/:id/discharge", h.DischargePatient)
	dispoGroup.POST("/visits/:id/admit", h.AdmitPatient)
	dispoGroup.POST("/visits/:id/transfer", h.TransferPatient)
}

// httpError maps the engine's error kinds onto HTTP status codes.
func httpError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	kind := KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case KindNotFound:
		code = http.StatusNotFound
	case KindInvalidStateTransition, KindConflict:
		code = http.StatusConflict
	case KindValidation:
		code = http.StatusBadRequest
	case KindResourceUnavailable:
		code = http.StatusServiceUnavailable
	case KindDependencyFailure:
		code = http.StatusBadGateway
	}
	return echo.NewHTTPError(code, &Error{Kind: kind, Message: err.Error()})
}

func paramID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// actor fills an empty performer field from the authenticated user.
func actor(c echo.Context, field *string) {
	if *field == "" {
		*field = auth.UserIDFromContext(c.Request().Context())
	}
}

func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// visitAction runs a mutating operation that takes only the visit id and a
// request body.
func visitAction[R any](c echo.Context, prepare func(*R), op func(uuid.UUID, R) (*Outcome, error)) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req R
	if err := bind(c, &req); err != nil {
		return err
	}
	if prepare != nil {
		prepare(&req)
	}
	out, err := op(id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Visits --

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	actor(c, &req.RegisteredBy)
	out, err := h.svc.RegisterPatient(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f VisitFilter
	if s := c.QueryParam("status"); s != "" {
		f.Status = VisitStatus(s)
	}
	if p := c.QueryParam("patient_id"); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = pid
	}
	if l := c.QueryParam("triage_level"); l != "" {
		level, err := strconv.Atoi(l)
		if err != nil || level < minLevel || level > maxLevel {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid triage_level")
		}
		f.TriageLevel = level
	}
	f.ActiveOnly = c.QueryParam("active") == "true"
	items, total, err := h.svc.ListVisits(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetTrackingBoard(c echo.Context) error {
	rows, err := h.svc.GetPatientTrackingBoard(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) GetMetrics(c echo.Context) error {
	m, err := h.svc.GetEDMetrics(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Triage --

// ScoreTriage returns the acuity for an assessment without touching any
// visit.
func (h *Handler) ScoreTriage(c echo.Context) error {
	var a TriageAssessment
	if err := bind(c, &a); err != nil {
		return err
	}
	res, err := ScoreTriage(h.svc.Rules(), &a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PerformTriage(c echo.Context) error {
	return visitAction(c, func(r *TriageRequest) { actor(c, &r.NurseID) },
		func(id uuid.UUID, r TriageRequest) (*Outcome, error) {
			return h.svc.PerformTriage(c.Request().Context(), id, r)
		})
}

func (h *Handler) AssignBed(c echo.Context) error {
	return visitAction(c, func(r *AssignBedRequest) { actor(c, &r.AssignedBy) },
		func(id uuid.UUID, r AssignBedRequest) (*Outcome, error) {
			return h.svc.AssignBed(c.Request().Context(), id, r)
		})
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	return visitAction(c, func(r *StatusRequest) { actor(c, &r.ChangedBy) },
		func(id uuid.UUID, r StatusRequest) (*Outcome, error) {
			return h.svc.UpdateStatus(c.Request().Context(), id, r)
		})
}

func (h *Handler) AssignAttending(c echo.Context) error {
	return visitAction(c, func(r *AttendingRequest) { actor(c, &r.AttendingID) },
		func(id uuid.UUID, r AttendingRequest) (*Outcome, error) {
			return h.svc.AssignAttending(c.Request().Context(), id, r)
		})
}

// -- Clinical record --

func (h *Handler) RecordVitals(c echo.Context) error {
	return visitAction(c, func(r *VitalsRequest) { actor(c, &r.RecordedBy) },
		func(id uuid.UUID, r VitalsRequest) (*Outcome, error) {
			return h.svc.RecordVitals(c.Request().Context(), id, r)
		})
}

func (h *Handler) AddNote(c echo.Context) error {
	return visitAction(c, func(r *NoteRequest) { actor(c, &r.AuthorID) },
		func(id uuid.UUID, r NoteRequest) (*Outcome, error) {
			return h.svc.AddNote(c.Request().Context(), id, r)
		})
}

func (h *Handler) RecordIntervention(c echo.Context) error {
	return visitAction(c, func(r *InterventionRequest) { actor(c, &r.PerformedBy) },
		func(id uuid.UUID, r InterventionRequest) (*Outcome, error) {
			return h.svc.RecordIntervention(c.Request().Context(), id, r)
		})
}

func (h *Handler) RequestConsultation(c echo.Context) error {
	return visitAction(c, func(r *ConsultationRequest) { actor(c, &r.RequestedBy) },
		func(id uuid.UUID, r ConsultationRequest) (*Outcome, error) {
			return h.svc.RequestConsultation(c.Request().Context(), id, r)
		})
}

func (h *Handler) CompleteConsultation(c echo.Context) error {
	cid, err := paramID(c, "consultationId")
	if err != nil {
		return err
	}
	return visitAction(c, func(r *ConsultationResultRequest) { actor(c, &r.ConsultantID) },
		func(id uuid.UUID, r ConsultationResultRequest) (*Outcome, error) {
			return h.svc.CompleteConsultation(c.Request().Context(), id, cid, r)
		})
}

// -- Orders --

func (h *Handler) PlaceOrder(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req OrderRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	actor(c, &req.OrderedBy)
	out, err := h.svc.PlaceOrder(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) UpdateOrderStatus(c echo.Context) error {
	oid, err := paramID(c, "orderId")
	if err != nil {
		return err
	}
	return visitAction(c, func(r *OrderStatusRequest) { actor(c, &r.UpdatedBy) },
		func(id uuid.UUID, r OrderStatusRequest) (*Outcome, error) {
			return h.svc.UpdateOrderStatus(c.Request().Context(), id, oid, r)
		})
}

func (h *Handler) UpdateOrderResult(c echo.Context) error {
	oid, err := paramID(c, "orderId")
	if err != nil {
		return err
	}
	return visitAction(c, func(r *OrderResultRequest) { actor(c, &r.ReportedBy) },
		func(id uuid.UUID, r OrderResultRequest) (*Outcome, error) {
			return h.svc.UpdateOrderResult(c.Request().Context(), id, oid, r)
		})
}

// -- Alerts and bundle --

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	aid, err := paramID(c, "alertId")
	if err != nil {
		return err
	}
	return visitAction(c, func(r *AlertActionRequest) { actor(c, &r.By) },
		func(id uuid.UUID, r AlertActionRequest) (*Outcome, error) {
			return h.svc.AcknowledgeAlert(c.Request().Context(), id, aid, r)
		})
}

func (h *Handler) ResolveAlert(c echo.Context) error {
	aid, err := paramID(c, "alertId")
	if err != nil {
		return err
	}
	return visitAction(c, func(r *AlertActionRequest) { actor(c, &r.By) },
		func(id uuid.UUID, r AlertActionRequest) (*Outcome, error) {
			return h.svc.ResolveAlert(c.Request().Context(), id, aid, r)
		})
}

func (h *Handler) ScreenForSepsis(c echo.Context) error {
	return visitAction(c, func(r *SepsisScreenRequest) { actor(c, &r.ScreenedBy) },
		func(id uuid.UUID, r SepsisScreenRequest) (*Outcome, error) {
			return h.svc.ScreenForSepsis(c.Request().Context(), id, r)
		})
}

func (h *Handler) GetSepsisBundle(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.GetBundle(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CompleteBundleItem(c echo.Context) error {
	itemID, err := paramID(c, "itemId")
	if err != nil {
		return err
	}
	return visitAction(c, func(r *BundleItemRequest) { actor(c, &r.CompletedBy) },
		func(id uuid.UUID, r BundleItemRequest) (*Outcome, error) {
			return h.svc.CompleteBundleItem(c.Request().Context(), id, itemID, r)
		})
}

// -- Activations --

func (h *Handler) ActivateStrokeCode(c echo.Context) error {
	return visitAction(c, func(r *StrokeCodeRequest) { actor(c, &r.ActivatedBy) },
		func(id uuid.UUID, r StrokeCodeRequest) (*Outcome, error) {
			return h.svc.ActivateStrokeCode(c.Request().Context(), id, r)
		})
}

func (h *Handler) ActivateTraumaTeam(c echo.Context) error {
	return visitAction(c, func(r *TraumaActivationRequest) { actor(c, &r.ActivatedBy) },
		func(id uuid.UUID, r TraumaActivationRequest) (*Outcome, error) {
			return h.svc.ActivateTraumaTeam(c.Request().Context(), id, r)
		})
}

func (h *Handler) ListActivations(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	trauma, strokes, err := h.svc.Activations(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"trauma_activations": trauma,
		"stroke_codes":       strokes,
	})
}

func (h *Handler) UpdateTraumaActivation(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req ActivationStatusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ta, err := h.svc.UpdateTraumaActivationStatus(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ta)
}

func (h *Handler) UpdateStrokeCode(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req ActivationStatusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sc, err := h.svc.UpdateStrokeCodeStatus(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// -- Disposition --

func (h *Handler) SetDisposition(c echo.Context) error {
	return visitAction(c, func(r *DispositionRequest) { actor(c, &r.DecidedBy) },
		func(id uuid.UUID, r DispositionRequest) (*Outcome, error) {
			return h.svc.SetDisposition(c.Request().Context(), id, r)
		})
}

func (h *Handler) DischargePatient(c echo.Context) error {
	return visitAction(c, func(r *DischargeRequest) { actor(c, &r.DischargedBy) },
		func(id uuid.UUID, r DischargeRequest) (*Outcome, error) {
			return h.svc.DischargePatient(c.Request().Context(), id, r)
		})
}

func (h *Handler) AdmitPatient(c echo.Context) error {
	return visitAction(c, func(r *CloseRequest) { actor(c, &r.By) },
		func(id uuid.UUID, r CloseRequest) (*Outcome, error) {
			return h.svc.AdmitPatient(c.Request().Context(), id, r)
		})
}

func (h *Handler) TransferPatient(c echo.Context) error {
	return visitAction(c, func(r *CloseRequest) { actor(c, &r.By) },
		func(id uuid.UUID, r CloseRequest) (*Outcome, error) {
			return h.svc.TransferPatient(c.Request().Context(), id, r)
		})
}

package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderRequest struct {
	Type      OrderType     `json:"type" validate:"required,oneof=lab imaging medication procedure consult"`
	Name      string        `json:"name" validate:"required,max=200"`
	Priority  OrderPriority `json:"priority,omitempty" validate:"omitempty,oneof=stat urgent routine"`
	OrderedBy string        `json:"ordered_by" validate:"required"`
}

// PlaceOrder appends a pending order and hands it to the routing gateway.
// A routing failure keeps the order pending and is reported as a warning.
func (s *Service) PlaceOrder(ctx context.Context, visitID uuid.UUID, req OrderRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("place_order", "%v", err)
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityRoutine
	}
	var order Order
	before, after, err := s.mutate(ctx, visitID, "place_order", func(v *Visit, now time.Time) error {
		order = Order{
			ID:        uuid.New(),
			Type:      req.Type,
			Name:      req.Name,
			Priority:  priority,
			Status:    OrderPending,
			OrderedBy: req.OrderedBy,
			OrderedAt: now,
		}
		v.Orders = append(v.Orders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := s.afterCommit(ctx, before, after, "order.placed")

	if s.deps.Orders == nil {
		return out, nil
	}
	if err := s.deps.Orders.RouteOrder(ctx, after, order); err != nil {
		s.logger.Warn().Err(err).Str("visit_id", visitID.String()).Str("order_id", order.ID.String()).Msg("order routing failed")
		s.deps.Recorder.SideEffectFailed("order_routing")
		out.Warnings = append(out.Warnings, warningFrom(KindDependencyFailure, "order %s not routed: %v", order.ID, err))
		return out, nil
	}
	_, routed, err := s.mutate(ctx, visitID, "place_order", func(v *Visit, _ time.Time) error {
		o, err := v.order("place_order", order.ID)
		if err != nil {
			return err
		}
		o.Routed = true
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", order.ID.String()).Msg("routed flag not stored")
		return out, nil
	}
	out.Visit = routed
	return out, nil
}

type OrderStatusRequest struct {
	Status    OrderStatus `json:"status" validate:"required,oneof=in_progress cancelled"`
	UpdatedBy string      `json:"updated_by,omitempty"`
}

// UpdateOrderStatus starts or cancels an order. Completion goes through
// UpdateOrderResult.
func (s *Service) UpdateOrderStatus(ctx context.Context, visitID, orderID uuid.UUID, req OrderStatusRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("update_order_status", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "update_order_status", func(v *Visit, now time.Time) error {
		o, err := v.order("update_order_status", orderID)
		if err != nil {
			return err
		}
		if err := ValidateOrderTransition(o.Status, req.Status); err != nil {
			return err
		}
		o.Status = req.Status
		t := now
		switch req.Status {
		case OrderInProgress:
			o.StartedAt = &t
		case OrderCancelled:
			o.CancelledAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "order.status_changed"), nil
}

type OrderResultRequest struct {
	Result     string `json:"result" validate:"required"`
	ReportedBy string `json:"reported_by,omitempty"`
}

// UpdateOrderResult completes an order with its result. A result matching a
// critical-value rule raises a critical_result alert and pages the attending
// physician without waiting for delivery.
func (s *Service) UpdateOrderResult(ctx context.Context, visitID, orderID uuid.UUID, req OrderResultRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("update_order_result", "%v", err)
	}
	var completed Order
	before, after, err := s.mutate(ctx, visitID, "update_order_result", func(v *Visit, now time.Time) error {
		o, err := v.order("update_order_result", orderID)
		if err != nil {
			return err
		}
		if err := ValidateOrderTransition(o.Status, OrderCompleted); err != nil {
			return err
		}
		t := now
		o.Status = OrderCompleted
		o.CompletedAt = &t
		o.Result = req.Result
		if rule := s.rules.CriticalResult(o.Name, o.Result); rule != "" {
			o.IsCritical = true
			v.Alerts = append(v.Alerts, newAlert(AlertCriticalResult, SeverityCritical,
				fmt.Sprintf("Critical %s result for %s: %s", rule, o.Name, o.Result), now))
		}
		completed = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := s.afterCommit(ctx, before, after, "order.resulted")
	if completed.IsCritical {
		s.logger.Warn().Str("visit_id", visitID.String()).Str("order", completed.Name).Msg("critical result")
		s.pageCriticalResult(after, completed)
	}
	return out, nil
}

// -- Clinical record --

type VitalsRequest struct {
	Vitals     Vitals `json:"vitals"`
	RecordedBy string `json:"recorded_by" validate:"required"`
}

// RecordVitals appends an observation. After triage, abnormal vitals raise
// an abnormal_vitals alert unless one is already open.
func (s *Service) RecordVitals(ctx context.Context, visitID uuid.UUID, req VitalsRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("record_vitals", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "record_vitals", func(v *Visit, now time.Time) error {
		vitals := req.Vitals
		vitals.ID = uuid.New()
		vitals.RecordedAt = now
		vitals.RecordedBy = req.RecordedBy
		v.Vitals = append(v.Vitals, vitals)
		if v.TriageTime == nil {
			return nil
		}
		if sub, _ := VitalSubScore(vitals); sub > 0 && !v.hasOpenAlert(AlertAbnormalVitals) {
			v.Alerts = append(v.Alerts, newAlert(AlertAbnormalVitals, SeverityWarning,
				fmt.Sprintf("Abnormal vital signs (sub-score %d)", sub), now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "vitals.recorded"), nil
}

type NoteRequest struct {
	AuthorID string `json:"author_id" validate:"required"`
	Text     string `json:"text" validate:"required,max=10000"`
}

func (s *Service) AddNote(ctx context.Context, visitID uuid.UUID, req NoteRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("add_note", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "add_note", func(v *Visit, now time.Time) error {
		v.Notes = append(v.Notes, Note{ID: uuid.New(), AuthorID: req.AuthorID, Text: req.Text, CreatedAt: now})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "note.added"), nil
}

type InterventionRequest struct {
	Type        string `json:"type" validate:"required"`
	Description string `json:"description" validate:"required"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

func (s *Service) RecordIntervention(ctx context.Context, visitID uuid.UUID, req InterventionRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("record_intervention", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "record_intervention", func(v *Visit, now time.Time) error {
		v.Interventions = append(v.Interventions, Intervention{
			ID:          uuid.New(),
			Type:        req.Type,
			Description: req.Description,
			PerformedBy: req.PerformedBy,
			PerformedAt: now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "intervention.recorded"), nil
}

type ConsultationRequest struct {
	Specialty   string `json:"specialty" validate:"required"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by" validate:"required"`
}

func (s *Service) RequestConsultation(ctx context.Context, visitID uuid.UUID, req ConsultationRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("request_consultation", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "request_consultation", func(v *Visit, now time.Time) error {
		v.Consultations = append(v.Consultations, Consultation{
			ID:          uuid.New(),
			Specialty:   req.Specialty,
			Reason:      req.Reason,
			RequestedBy: req.RequestedBy,
			RequestedAt: now,
			Status:      ConsultRequested,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "consultation.requested"), nil
}

type ConsultationResultRequest struct {
	ConsultantID    string `json:"consultant_id" validate:"required"`
	Recommendations string `json:"recommendations,omitempty"`
	Cancel          bool   `json:"cancel,omitempty"`
}

// CompleteConsultation closes a requested consultation as completed, or
// cancelled when Cancel is set.
func (s *Service) CompleteConsultation(ctx context.Context, visitID, consultationID uuid.UUID, req ConsultationResultRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("complete_consultation", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "complete_consultation", func(v *Visit, now time.Time) error {
		c, err := v.consultation("complete_consultation", consultationID)
		if err != nil {
			return err
		}
		to := ConsultCompleted
		if req.Cancel {
			to = ConsultCancelled
		}
		if c.Status != ConsultRequested {
			return invalidTransition("complete_consultation", c.Status, to)
		}
		t := now
		c.Status = to
		c.ConsultantID = req.ConsultantID
		c.Recommendations = req.Recommendations
		c.CompletedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "consultation.completed"), nil
}

package emergency

import (
	"strings"
	"time"
)

// visitTransitions lists the status moves available through UpdateStatus and
// the dedicated flow operations. Bed assignment, disposition and discharge
// apply their own rules on top.
var visitTransitions = map[VisitStatus][]VisitStatus{
	StatusArrived:           {StatusWaitingTriage, StatusTriaged},
	StatusWaitingTriage:     {StatusTriaged},
	StatusTriaged:           {StatusWaitingBed, StatusInTreatment},
	StatusWaitingBed:        {StatusInTreatment},
	StatusInTreatment:       {StatusAwaitingResults, StatusAwaitingConsult, StatusAwaitingAdmission, StatusAwaitingDischarge},
	StatusAwaitingResults:   {StatusInTreatment, StatusAwaitingConsult, StatusAwaitingAdmission, StatusAwaitingDischarge},
	StatusAwaitingConsult:   {StatusInTreatment, StatusAwaitingResults, StatusAwaitingAdmission, StatusAwaitingDischarge},
	StatusAwaitingAdmission: {StatusAdmitted, StatusInTreatment},
	StatusAwaitingDischarge: {StatusDischarged, StatusTransferred, StatusInTreatment},
}

// ValidateVisitTransition checks a status move against the visit workflow.
func ValidateVisitTransition(from, to VisitStatus) error {
	if from.IsTerminal() {
		return terminalVisit("transition", from)
	}
	for _, s := range visitTransitions[from] {
		if s == to {
			return nil
		}
	}
	return invalidTransition("transition", from, to)
}

// setStatus records a status change in the visit history. It does not
// validate; callers check the move first.
func (v *Visit) setStatus(to VisitStatus, by string, at time.Time) {
	if v.Status == to {
		return
	}
	v.StatusHistory = append(v.StatusHistory, StatusChange{
		From:      v.Status,
		To:        to,
		ChangedAt: at,
		ChangedBy: by,
	})
	v.Status = to
}

// DispositionStatus maps a disposition decision to the status the visit
// moves to. ama, lwbs and deceased are terminal.
func DispositionStatus(t DispositionType) (VisitStatus, error) {
	switch t {
	case DispositionDischargeHome, DispositionDischargeWithServices, DispositionTransfer:
		return StatusAwaitingDischarge, nil
	case DispositionAdmitFloor, DispositionAdmitTelemetry, DispositionAdmitICU,
		DispositionAdmitObservation, DispositionAdmitOR:
		return StatusAwaitingAdmission, nil
	case DispositionAMA:
		return StatusLeftAgainstMedicalAdvice, nil
	case DispositionLWBS:
		return StatusLeftWithoutBeingSeen, nil
	case DispositionDeceased:
		return StatusDeceased, nil
	}
	return "", validationError("set_disposition", "unknown disposition type %q", t)
}

func isAdmission(t DispositionType) bool {
	return strings.HasPrefix(string(t), "admit_")
}

// LengthOfStayMinutes is the whole minutes from arrival to discharge, never
// negative.
func LengthOfStayMinutes(arrival, discharge time.Time) int {
	d := discharge.Sub(arrival)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// complete sets the discharge bookkeeping on a visit reaching a terminal
// status.
func (v *Visit) complete(at time.Time) {
	t := at
	v.DischargeTime = &t
	los := LengthOfStayMinutes(v.ArrivalTime, at)
	v.LengthOfStayMins = &los
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderInProgress, OrderCompleted, OrderCancelled},
	OrderInProgress: {OrderCompleted, OrderCancelled},
	OrderCompleted:  {},
	OrderCancelled:  {},
}

// ValidateOrderTransition checks an order status move.
func ValidateOrderTransition(from, to OrderStatus) error {
	allowed, ok := orderTransitions[from]
	if !ok {
		return validationError("order_transition", "unknown order status %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return invalidTransition("order_transition", from, to)
}

var activationTransitions = map[ActivationStatus][]ActivationStatus{
	ActivationPending:    {ActivationArrived, ActivationInProgress, ActivationCompleted, ActivationCancelled},
	ActivationArrived:    {ActivationInProgress, ActivationCompleted, ActivationCancelled},
	ActivationInProgress: {ActivationCompleted, ActivationCancelled},
	ActivationCompleted:  {},
	ActivationCancelled:  {},
}

// ValidateActivationTransition checks a trauma/stroke activation status move.
func ValidateActivationTransition(from, to ActivationStatus) error {
	allowed, ok := activationTransitions[from]
	if !ok {
		return validationError("activation_transition", "unknown activation status %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return invalidTransition("activation_transition", from, to)
}

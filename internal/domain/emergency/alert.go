package emergency

import (
	"time"

	"github.com/google/uuid"
)

// IsOpen reports whether the alert has been neither acknowledged nor
// resolved.
func (a Alert) IsOpen() bool {
	return a.AcknowledgedAt == nil && a.ResolvedAt == nil
}

// IsResolved reports whether the alert has been closed.
func (a Alert) IsResolved() bool {
	return a.ResolvedAt != nil
}

func (a *Alert) acknowledge(by string, at time.Time) error {
	if a.ResolvedAt != nil {
		return newError("acknowledge_alert", ErrInvalidStateTransition, "alert %s already resolved", a.ID)
	}
	if a.AcknowledgedAt != nil {
		return newError("acknowledge_alert", ErrInvalidStateTransition, "alert %s already acknowledged", a.ID)
	}
	if at.Before(a.TriggeredAt) {
		at = a.TriggeredAt
	}
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = by
	return nil
}

// resolve closes the alert. An unacknowledged alert can only be closed with
// auto set, which tags it AutoResolved.
func (a *Alert) resolve(by string, at time.Time, auto bool) error {
	if a.ResolvedAt != nil {
		return newError("resolve_alert", ErrInvalidStateTransition, "alert %s already resolved", a.ID)
	}
	if a.AcknowledgedAt == nil && !auto {
		return newError("resolve_alert", ErrInvalidStateTransition, "alert %s must be acknowledged before it is resolved", a.ID)
	}
	floor := a.TriggeredAt
	if a.AcknowledgedAt != nil {
		floor = *a.AcknowledgedAt
	}
	if at.Before(floor) {
		at = floor
	}
	a.ResolvedAt = &at
	a.ResolvedBy = by
	a.AutoResolved = a.AcknowledgedAt == nil
	return nil
}

// IsBreached reports whether the item is still pending past its due time.
// Breach is derived on every read and never stored.
func (b BundleItem) IsBreached(now time.Time) bool {
	return b.Status == BundlePending && now.After(b.DueTime)
}

func (b *BundleItem) complete(status BundleItemStatus, by string, at time.Time) error {
	if status != BundleCompleted && status != BundleNotApplicable {
		return validationError("complete_bundle_item", "bundle item status must be completed or not_applicable, got %q", status)
	}
	if b.Status != BundlePending {
		return newError("complete_bundle_item", ErrInvalidStateTransition, "bundle item %s is already %s", b.Code, b.Status)
	}
	b.Status = status
	b.CompletedAt = &at
	b.CompletedBy = by
	return nil
}

// OpenAlerts returns the alerts still awaiting acknowledgment.
func (v *Visit) OpenAlerts() []Alert {
	var out []Alert
	for _, a := range v.Alerts {
		if a.IsOpen() {
			out = append(out, a)
		}
	}
	return out
}

// BreachedBundleItems returns the sepsis bundle items past due at now.
func (v *Visit) BreachedBundleItems(now time.Time) []BundleItem {
	if v.Sepsis == nil {
		return nil
	}
	var out []BundleItem
	for _, b := range v.Sepsis.Bundle {
		if b.IsBreached(now) {
			out = append(out, b)
		}
	}
	return out
}

func (v *Visit) alert(op string, id uuid.UUID) (*Alert, error) {
	for i := range v.Alerts {
		if v.Alerts[i].ID == id {
			return &v.Alerts[i], nil
		}
	}
	return nil, notFound(op, ErrAlertNotFound, id)
}

func (v *Visit) order(op string, id uuid.UUID) (*Order, error) {
	for i := range v.Orders {
		if v.Orders[i].ID == id {
			return &v.Orders[i], nil
		}
	}
	return nil, notFound(op, ErrOrderNotFound, id)
}

func (v *Visit) consultation(op string, id uuid.UUID) (*Consultation, error) {
	for i := range v.Consultations {
		if v.Consultations[i].ID == id {
			return &v.Consultations[i], nil
		}
	}
	return nil, notFound(op, ErrConsultationNotFound, id)
}

func (v *Visit) bundleItem(op string, id uuid.UUID) (*BundleItem, error) {
	if v.Sepsis != nil {
		for i := range v.Sepsis.Bundle {
			if v.Sepsis.Bundle[i].ID == id {
				return &v.Sepsis.Bundle[i], nil
			}
		}
	}
	return nil, notFound(op, ErrBundleItemNotFound, id)
}

// hasOpenAlert reports whether an unresolved alert of the given type exists.
func (v *Visit) hasOpenAlert(t AlertType) bool {
	for _, a := range v.Alerts {
		if a.Type == t && a.ResolvedAt == nil {
			return true
		}
	}
	return false
}

package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AlertActionRequest struct {
	By   string `json:"by" validate:"required"`
	Auto bool   `json:"auto,omitempty"`
}

func (s *Service) AcknowledgeAlert(ctx context.Context, visitID, alertID uuid.UUID, req AlertActionRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("acknowledge_alert", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "acknowledge_alert", func(v *Visit, now time.Time) error {
		a, err := v.alert("acknowledge_alert", alertID)
		if err != nil {
			return err
		}
		return a.acknowledge(req.By, now)
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "alert.acknowledged"), nil
}

// ResolveAlert closes an alert. Closing an unacknowledged alert requires
// Auto and tags the alert auto-resolved.
func (s *Service) ResolveAlert(ctx context.Context, visitID, alertID uuid.UUID, req AlertActionRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("resolve_alert", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "resolve_alert", func(v *Visit, now time.Time) error {
		a, err := v.alert("resolve_alert", alertID)
		if err != nil {
			return err
		}
		return a.resolve(req.By, now, req.Auto)
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "alert.resolved"), nil
}

type BundleItemRequest struct {
	Status      BundleItemStatus `json:"status" validate:"required,oneof=completed not_applicable"`
	CompletedBy string           `json:"completed_by" validate:"required"`
}

// CompleteBundleItem marks a sepsis bundle item completed or not applicable.
func (s *Service) CompleteBundleItem(ctx context.Context, visitID, itemID uuid.UUID, req BundleItemRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("complete_bundle_item", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "complete_bundle_item", func(v *Visit, now time.Time) error {
		item, err := v.bundleItem("complete_bundle_item", itemID)
		if err != nil {
			return err
		}
		return item.complete(req.Status, req.CompletedBy, now)
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "bundle.item_completed"), nil
}

// BundleStatus reports each sepsis bundle item with its breach state at the
// time of the call.
type BundleStatus struct {
	BundleItem
	Breached bool `json:"breached"`
}

func (s *Service) GetBundle(ctx context.Context, visitID uuid.UUID) ([]BundleStatus, error) {
	v, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Sepsis == nil {
		return []BundleStatus{}, nil
	}
	now := s.now()
	out := make([]BundleStatus, 0, len(v.Sepsis.Bundle))
	for _, b := range v.Sepsis.Bundle {
		out = append(out, BundleStatus{BundleItem: b, Breached: b.IsBreached(now)})
	}
	return out, nil
}

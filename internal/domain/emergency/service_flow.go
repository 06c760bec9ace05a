package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AssignBedRequest struct {
	AssignedBy string  `json:"assigned_by" validate:"required"`
	Zone       Zone    `json:"zone,omitempty" validate:"omitempty,oneof=resuscitation trauma acute behavioral fast_track main"`
	BedType    BedType `json:"bed_type,omitempty"`
}

// AssignBed places the visit in a bed from the inventory. Without an
// explicit zone the recommended location is used. A visit waiting for a bed
// moves to in_treatment; otherwise only the location changes. When the zone
// is full, a triaged visit is queued in waiting_bed and the outcome carries a
// resource_unavailable warning.
func (s *Service) AssignBed(ctx context.Context, visitID uuid.UUID, req AssignBedRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("assign_bed", "%v", err)
	}
	if s.deps.Beds == nil {
		return nil, newError("assign_bed", ErrDependencyFailure, "no bed inventory configured")
	}

	var (
		claimed string
		target  Location
		queued  bool
	)
	before, after, err := s.mutate(ctx, visitID, "assign_bed", func(v *Visit, now time.Time) error {
		target = s.targetLocation(v, req)
		if claimed == "" {
			bed, err := claimBed(ctx, s.deps.Beds, v.ID, target.Zone, target.Type)
			if err != nil {
				return newError("assign_bed", ErrDependencyFailure, "bed inventory: %v", err)
			}
			claimed = bed
		}
		if claimed == "" {
			queued = true
			switch v.Status {
			case StatusTriaged:
				v.setStatus(StatusWaitingBed, req.AssignedBy, now)
				v.Location = WaitingLocation(now)
			case StatusWaitingBed:
				if v.Location == nil {
					v.Location = WaitingLocation(now)
				}
			}
			return nil
		}
		queued = false
		v.Location = &Location{Zone: target.Zone, BedID: claimed, Type: target.Type, AssignedAt: now}
		if v.Status == StatusWaitingBed {
			v.setStatus(StatusInTreatment, req.AssignedBy, now)
		}
		return nil
	})
	if err != nil {
		if claimed != "" {
			if rerr := s.releaseBed(ctx, claimed); rerr != nil {
				s.logger.Error().Err(rerr).Str("bed_id", claimed).Msg("claimed bed not returned after failed assignment")
			}
		}
		return nil, err
	}

	out := s.afterCommit(ctx, before, after, "bed.assigned")
	if queued {
		s.logger.Info().Str("visit_id", visitID.String()).Str("zone", string(target.Zone)).Msg("no bed available, visit queued")
		out.Warnings = append(out.Warnings, warningFrom(KindResourceUnavailable, "no %s bed available in zone %s", target.Type, target.Zone))
	} else {
		s.logger.Info().Str("visit_id", visitID.String()).Str("bed_id", claimed).Str("zone", string(target.Zone)).Msg("bed assigned")
	}
	return out, nil
}

func (s *Service) targetLocation(v *Visit, req AssignBedRequest) Location {
	if req.Zone != "" {
		t := req.BedType
		if t == "" {
			t = zoneBedTypes[req.Zone]
		}
		return Location{Zone: req.Zone, Type: t}
	}
	if v.RecommendedLocation != nil {
		return *v.RecommendedLocation
	}
	return RecommendLocation(v.TriageLevel, v.Flags)
}

type StatusRequest struct {
	Status    VisitStatus `json:"status" validate:"required"`
	ChangedBy string      `json:"changed_by" validate:"required"`
}

// UpdateStatus applies a workflow move between non-terminal states, such as
// in_treatment to awaiting_results. Terminal states are reached through the
// disposition, admission, transfer and discharge operations.
func (s *Service) UpdateStatus(ctx context.Context, visitID uuid.UUID, req StatusRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("update_status", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "update_status", func(v *Visit, now time.Time) error {
		if req.Status.IsTerminal() {
			return invalidTransition("update_status", v.Status, req.Status)
		}
		if req.Status == StatusTriaged {
			return invalidTransition("update_status", v.Status, req.Status)
		}
		if err := ValidateVisitTransition(v.Status, req.Status); err != nil {
			return err
		}
		v.setStatus(req.Status, req.ChangedBy, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "visit.status_changed"), nil
}

type DispositionRequest struct {
	Type        DispositionType `json:"type" validate:"required"`
	Destination string          `json:"destination,omitempty"`
	DecidedBy   string          `json:"decided_by" validate:"required"`
	Notes       string          `json:"notes,omitempty"`
}

// SetDisposition records the disposition decision and moves the visit to the
// mapped status. ama, lwbs and deceased close the visit immediately.
func (s *Service) SetDisposition(ctx context.Context, visitID uuid.UUID, req DispositionRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("set_disposition", "%v", err)
	}
	to, err := DispositionStatus(req.Type)
	if err != nil {
		return nil, err
	}
	before, after, err := s.mutate(ctx, visitID, "set_disposition", func(v *Visit, now time.Time) error {
		v.Disposition = &Disposition{
			Type:        req.Type,
			Destination: req.Destination,
			DecidedBy:   req.DecidedBy,
			DecidedAt:   now,
			Notes:       req.Notes,
		}
		v.setStatus(to, req.DecidedBy, now)
		if to.IsTerminal() {
			v.complete(now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("visit_id", visitID.String()).Str("disposition", string(req.Type)).Msg("disposition set")
	return s.afterCommit(ctx, before, after, "visit.disposition_set"), nil
}

type DischargeRequest struct {
	DischargedBy string `json:"discharged_by" validate:"required"`
	Notes        string `json:"notes,omitempty"`
}

// DischargePatient closes the visit as discharged from any non-terminal
// status. Without a prior disposition, discharge_home is recorded.
func (s *Service) DischargePatient(ctx context.Context, visitID uuid.UUID, req DischargeRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("discharge_patient", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "discharge_patient", func(v *Visit, now time.Time) error {
		if v.Disposition == nil {
			v.Disposition = &Disposition{
				Type:      DispositionDischargeHome,
				DecidedBy: req.DischargedBy,
				DecidedAt: now,
				Notes:     req.Notes,
			}
		}
		v.setStatus(StatusDischarged, req.DischargedBy, now)
		v.complete(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("visit_id", visitID.String()).Int("length_of_stay_mins", *after.LengthOfStayMins).Msg("patient discharged")
	return s.afterCommit(ctx, before, after, "visit.discharged"), nil
}

type CloseRequest struct {
	By          string `json:"by" validate:"required"`
	Destination string `json:"destination,omitempty"`
}

// AdmitPatient completes an admission disposition.
func (s *Service) AdmitPatient(ctx context.Context, visitID uuid.UUID, req CloseRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("admit_patient", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "admit_patient", func(v *Visit, now time.Time) error {
		if err := ValidateVisitTransition(v.Status, StatusAdmitted); err != nil {
			return err
		}
		if v.Disposition == nil || !isAdmission(v.Disposition.Type) {
			return newError("admit_patient", ErrInvalidStateTransition, "visit %s has no admission disposition", v.ID)
		}
		if req.Destination != "" {
			v.Disposition.Destination = req.Destination
		}
		v.setStatus(StatusAdmitted, req.By, now)
		v.complete(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "visit.admitted"), nil
}

// TransferPatient completes a transfer disposition.
func (s *Service) TransferPatient(ctx context.Context, visitID uuid.UUID, req CloseRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("transfer_patient", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "transfer_patient", func(v *Visit, now time.Time) error {
		if err := ValidateVisitTransition(v.Status, StatusTransferred); err != nil {
			return err
		}
		if v.Disposition == nil || v.Disposition.Type != DispositionTransfer {
			return newError("transfer_patient", ErrInvalidStateTransition, "visit %s has no transfer disposition", v.ID)
		}
		if req.Destination != "" {
			v.Disposition.Destination = req.Destination
		}
		v.setStatus(StatusTransferred, req.By, now)
		v.complete(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "visit.transferred"), nil
}

type AttendingRequest struct {
	AttendingID string `json:"attending_id" validate:"required"`
}

// AssignAttending sets the physician who receives critical-result pages.
func (s *Service) AssignAttending(ctx context.Context, visitID uuid.UUID, req AttendingRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("assign_attending", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "assign_attending", func(v *Visit, _ time.Time) error {
		v.AttendingID = req.AttendingID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "visit.attending_assigned"), nil
}

package emergency

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrBedOccupied is returned by BedInventory.Occupy when another visit claimed
// the bed first.
var ErrBedOccupied = errors.New("bed already occupied")

// PatientInfo is the subset of registry demographics the engine reads.
type PatientInfo struct {
	PatientID uuid.UUID `json:"patient_id"`
	Age       int       `json:"age"`
	Sex       string    `json:"sex,omitempty"`
}

// PatientRegistry resolves patient demographics.
type PatientRegistry interface {
	LookupPatient(ctx context.Context, patientID uuid.UUID) (*PatientInfo, error)
}

// BedInventory is the physical bed store.
type BedInventory interface {
	// FindAvailableBed returns "" when no bed in the zone/type is free.
	FindAvailableBed(ctx context.Context, zone Zone, bedType BedType) (string, error)
	GetAvailableBeds(ctx context.Context) (map[Zone][]string, error)
	Occupy(ctx context.Context, bedID string, visitID uuid.UUID) error
	Release(ctx context.Context, bedID string) error
}

// StaffDirectory resolves on-call team members for a protocol team.
type StaffDirectory interface {
	TeamMembers(ctx context.Context, team string) ([]TeamMember, error)
}

// OrderRouter hands a placed order to the downstream lab/imaging/pharmacy
// systems. Results come back through Service.UpdateOrderResult.
type OrderRouter interface {
	RouteOrder(ctx context.Context, visit *Visit, order Order) error
}

// Staff directory team names.
const (
	TeamStroke    = "stroke"
	TeamTrauma    = "trauma"
	TeamAttending = "attending"
)

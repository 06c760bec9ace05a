package emergency

import (
	"context"

	"github.com/google/uuid"
)

// VisitFilter narrows List results. Zero values match everything.
type VisitFilter struct {
	Status      VisitStatus
	PatientID   uuid.UUID
	TriageLevel int
	ActiveOnly  bool
}

// VisitRepository stores visits. Update succeeds only when the stored version
// equals v.Version; on success the stored and passed visit carry the next
// version. A mismatch returns ErrVersionConflict.
type VisitRepository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	Update(ctx context.Context, v *Visit) error
	ListActive(ctx context.Context) ([]*Visit, error)
	List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error)
}

type TraumaRepository interface {
	Create(ctx context.Context, t *TraumaActivation) error
	GetByID(ctx context.Context, id uuid.UUID) (*TraumaActivation, error)
	Update(ctx context.Context, t *TraumaActivation) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*TraumaActivation, error)
}

type StrokeCodeRepository interface {
	Create(ctx context.Context, s *StrokeCode) error
	GetByID(ctx context.Context, id uuid.UUID) (*StrokeCode, error)
	Update(ctx context.Context, s *StrokeCode) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*StrokeCode, error)
}

package emergency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryVisitRepo keeps visits in process memory. Stored values are cloned
// on the way in and out so callers never share state with the store.
type MemoryVisitRepo struct {
	mu     sync.RWMutex
	visits map[uuid.UUID]*Visit
}

func NewMemoryVisitRepo() *MemoryVisitRepo {
	return &MemoryVisitRepo{visits: make(map[uuid.UUID]*Visit)}
}

func (r *MemoryVisitRepo) Create(_ context.Context, v *Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	now := time.Now().UTC()
	v.Version = 1
	v.CreatedAt = now
	v.UpdatedAt = now
	r.visits[v.ID] = v.Clone()
	return nil
}

func (r *MemoryVisitRepo) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, notFound("get_visit", ErrVisitNotFound, id)
	}
	return v.Clone(), nil
}

func (r *MemoryVisitRepo) Update(_ context.Context, v *Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.visits[v.ID]
	if !ok {
		return notFound("update_visit", ErrVisitNotFound, v.ID)
	}
	if stored.Version != v.Version {
		return newError("update_visit", ErrVersionConflict, "visit %s: stored version %d, got %d", v.ID, stored.Version, v.Version)
	}
	v.Version++
	v.UpdatedAt = time.Now().UTC()
	r.visits[v.ID] = v.Clone()
	return nil
}

func (r *MemoryVisitRepo) ListActive(_ context.Context) ([]*Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Visit
	for _, v := range r.visits {
		if !v.Status.IsTerminal() {
			out = append(out, v.Clone())
		}
	}
	sortByArrival(out)
	return out, nil
}

func (r *MemoryVisitRepo) List(_ context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Visit
	for _, v := range r.visits {
		if f.matches(v) {
			matched = append(matched, v)
		}
	}
	sortByArrival(matched)
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Visit, 0, end-offset)
	for _, v := range matched[offset:end] {
		out = append(out, v.Clone())
	}
	return out, total, nil
}

func (f VisitFilter) matches(v *Visit) bool {
	if f.ActiveOnly && v.Status.IsTerminal() {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.PatientID != uuid.Nil && v.PatientID != f.PatientID {
		return false
	}
	if f.TriageLevel != 0 && (v.TriageTime == nil || v.TriageLevel != f.TriageLevel) {
		return false
	}
	return true
}

func sortByArrival(vs []*Visit) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].ArrivalTime.Equal(vs[j].ArrivalTime) {
			return vs[i].ID.String() < vs[j].ID.String()
		}
		return vs[i].ArrivalTime.Before(vs[j].ArrivalTime)
	})
}

// MemoryTraumaRepo keeps trauma activations in memory.
type MemoryTraumaRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*TraumaActivation
}

func NewMemoryTraumaRepo() *MemoryTraumaRepo {
	return &MemoryTraumaRepo{items: make(map[uuid.UUID]*TraumaActivation)}
}

func (r *MemoryTraumaRepo) Create(_ context.Context, t *TraumaActivation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.UpdatedAt = time.Now().UTC()
	r.items[t.ID] = t.Clone()
	return nil
}

func (r *MemoryTraumaRepo) GetByID(_ context.Context, id uuid.UUID) (*TraumaActivation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, notFound("get_trauma_activation", ErrActivationNotFound, id)
	}
	return t.Clone(), nil
}

func (r *MemoryTraumaRepo) Update(_ context.Context, t *TraumaActivation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[t.ID]; !ok {
		return notFound("update_trauma_activation", ErrActivationNotFound, t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	r.items[t.ID] = t.Clone()
	return nil
}

func (r *MemoryTraumaRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*TraumaActivation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TraumaActivation
	for _, t := range r.items {
		if t.VisitID == visitID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivationTime.Before(out[j].ActivationTime) })
	return out, nil
}

// MemoryStrokeRepo keeps stroke codes in memory.
type MemoryStrokeRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*StrokeCode
}

func NewMemoryStrokeRepo() *MemoryStrokeRepo {
	return &MemoryStrokeRepo{items: make(map[uuid.UUID]*StrokeCode)}
}

func (r *MemoryStrokeRepo) Create(_ context.Context, s *StrokeCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.UpdatedAt = time.Now().UTC()
	r.items[s.ID] = s.Clone()
	return nil
}

func (r *MemoryStrokeRepo) GetByID(_ context.Context, id uuid.UUID) (*StrokeCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[id]
	if !ok {
		return nil, notFound("get_stroke_code", ErrActivationNotFound, id)
	}
	return s.Clone(), nil
}

func (r *MemoryStrokeRepo) Update(_ context.Context, s *StrokeCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[s.ID]; !ok {
		return notFound("update_stroke_code", ErrActivationNotFound, s.ID)
	}
	s.UpdatedAt = time.Now().UTC()
	r.items[s.ID] = s.Clone()
	return nil
}

func (r *MemoryStrokeRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*StrokeCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*StrokeCode
	for _, s := range r.items {
		if s.VisitID == visitID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivationTime.Before(out[j].ActivationTime) })
	return out, nil
}

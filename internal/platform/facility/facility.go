// Package facility loads the department's physical layout and on-call roster
// from YAML and serves as the engine's bed inventory and staff directory.
package facility

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/edflow/internal/domain/emergency"
)

var ErrUnknownBed = errors.New("unknown bed")

// BedSpec is one bed, bay or chair in the layout file.
type BedSpec struct {
	ID   string            `yaml:"id" json:"id"`
	Zone emergency.Zone    `yaml:"zone" json:"zone"`
	Type emergency.BedType `yaml:"type" json:"type"`
}

// StaffSpec is one clinician in the roster.
type StaffSpec struct {
	ID     string   `yaml:"id" json:"id"`
	Name   string   `yaml:"name" json:"name"`
	Role   string   `yaml:"role" json:"role"`
	Pager  string   `yaml:"pager" json:"pager,omitempty"`
	Teams  []string `yaml:"teams" json:"teams"`
	OnCall bool     `yaml:"on_call" json:"on_call"`
}

// Layout is the document stored in the facility file.
type Layout struct {
	Beds  []BedSpec   `yaml:"beds"`
	Staff []StaffSpec `yaml:"staff"`
}

// BedState is a bed and its current occupant.
type BedState struct {
	BedSpec
	VisitID *uuid.UUID `json:"visit_id,omitempty"`
}

// ParseLayout decodes and validates a layout document.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse facility layout: %w", err)
	}
	seen := make(map[string]bool, len(l.Beds))
	for i, b := range l.Beds {
		if b.ID == "" || b.Zone == "" || b.Type == "" {
			return nil, fmt.Errorf("bed %d: id, zone and type are required", i)
		}
		if b.Zone == emergency.ZoneWaiting {
			return nil, fmt.Errorf("bed %s: the waiting area has no beds", b.ID)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate bed id %s", b.ID)
		}
		seen[b.ID] = true
	}
	for i, s := range l.Staff {
		if s.ID == "" {
			return nil, fmt.Errorf("staff %d: id is required", i)
		}
	}
	return &l, nil
}

// LoadLayout reads a layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read facility file: %w", err)
	}
	return ParseLayout(data)
}

// Facility is an in-memory bed inventory and staff directory. Occupancy is
// not persisted; on restart beds are reconciled from active visits.
type Facility struct {
	mu     sync.Mutex
	beds   []*BedState
	byID   map[string]*BedState
	staff  []StaffSpec
	logger zerolog.Logger
}

func New(l *Layout, logger zerolog.Logger) *Facility {
	f := &Facility{
		byID:   make(map[string]*BedState, len(l.Beds)),
		staff:  append([]StaffSpec(nil), l.Staff...),
		logger: logger.With().Str("component", "facility").Logger(),
	}
	for _, b := range l.Beds {
		st := &BedState{BedSpec: b}
		f.beds = append(f.beds, st)
		f.byID[b.ID] = st
	}
	return f
}

// FindAvailableBed returns the first free bed in file order for the zone. An
// empty bed type matches any type.
func (f *Facility) FindAvailableBed(_ context.Context, zone emergency.Zone, bedType emergency.BedType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beds {
		if b.Zone != zone || b.VisitID != nil {
			continue
		}
		if bedType != emergency.BedTypeUnassigned && b.Type != bedType {
			continue
		}
		return b.ID, nil
	}
	return "", nil
}

func (f *Facility) GetAvailableBeds(_ context.Context) (map[emergency.Zone][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[emergency.Zone][]string)
	for _, b := range f.beds {
		if b.VisitID == nil {
			out[b.Zone] = append(out[b.Zone], b.ID)
		}
	}
	return out, nil
}

// Occupy claims a bed. Re-occupying by the same visit is a no-op.
func (f *Facility) Occupy(_ context.Context, bedID string, visitID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[bedID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBed, bedID)
	}
	if b.VisitID != nil {
		if *b.VisitID == visitID {
			return nil
		}
		return emergency.ErrBedOccupied
	}
	id := visitID
	b.VisitID = &id
	f.logger.Debug().Str("bed_id", bedID).Str("visit_id", visitID.String()).Msg("bed occupied")
	return nil
}

// Release frees a bed. Releasing a free bed is a no-op.
func (f *Facility) Release(_ context.Context, bedID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[bedID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBed, bedID)
	}
	b.VisitID = nil
	f.logger.Debug().Str("bed_id", bedID).Msg("bed released")
	return nil
}

// Reconcile marks the beds held by active visits as occupied.
func (f *Facility) Reconcile(visits []*emergency.Visit) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range visits {
		if v.Location == nil || v.Location.BedID == "" {
			continue
		}
		b, ok := f.byID[v.Location.BedID]
		if !ok {
			f.logger.Warn().Str("bed_id", v.Location.BedID).Str("visit_id", v.ID.String()).Msg("active visit holds unknown bed")
			continue
		}
		id := v.ID
		b.VisitID = &id
		n++
	}
	return n
}

// Beds returns a snapshot of every bed.
func (f *Facility) Beds() []BedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BedState, 0, len(f.beds))
	for _, b := range f.beds {
		st := *b
		if b.VisitID != nil {
			id := *b.VisitID
			st.VisitID = &id
		}
		out = append(out, st)
	}
	return out
}

// TeamMembers returns the on-call members of a team in roster order.
func (f *Facility) TeamMembers(_ context.Context, team string) ([]emergency.TeamMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emergency.TeamMember
	for _, s := range f.staff {
		if !s.OnCall || !hasTeam(s.Teams, team) {
			continue
		}
		out = append(out, emergency.TeamMember{StaffID: s.ID, Name: s.Name, Role: s.Role, Pager: s.Pager})
	}
	return out, nil
}

// SetOnCall changes a clinician's on-call flag.
func (f *Facility) SetOnCall(staffID string, onCall bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.staff {
		if f.staff[i].ID == staffID {
			f.staff[i].OnCall = onCall
			return true
		}
	}
	return false
}

func hasTeam(teams []string, team string) bool {
	for _, t := range teams {
		if t == team {
			return true
		}
	}
	return false
}

// Handler exposes the layout read-only for the charge nurse display.
type Handler struct {
	f *Facility
}

func NewHandler(f *Facility) *Handler {
	return &Handler{f: f}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/facility/beds", h.ListBeds)
	g.GET("/facility/teams/:team", h.ListTeam)
}

func (h *Handler) ListBeds(c echo.Context) error {
	beds := h.f.Beds()
	if zone := c.QueryParam("zone"); zone != "" {
		filtered := beds[:0]
		for _, b := range beds {
			if string(b.Zone) == zone {
				filtered = append(filtered, b)
			}
		}
		beds = filtered
	}
	sort.SliceStable(beds, func(i, j int) bool { return beds[i].Zone < beds[j].Zone })
	return c.JSON(http.StatusOK, beds)
}

func (h *Handler) ListTeam(c echo.Context) error {
	members, err := h.f.TeamMembers(c.Request().Context(), c.Param("team"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if members == nil {
		members = []emergency.TeamMember{}
	}
	return c.JSON(http.StatusOK, members)
}

package facility

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/edflow/internal/domain/emergency"
)

const testLayout = `
beds:
  - {id: R1, zone: resuscitation, type: resus_bay}
  - {id: A1, zone: acute, type: monitored_bed}
  - {id: A2, zone: acute, type: bed}
  - {id: M1, zone: main, type: bed}
staff:
  - {id: neuro-1, name: Neuro, role: neurologist, pager: "1", teams: [stroke], on_call: true}
  - {id: neuro-2, name: Backup, role: neurologist, pager: "2", teams: [stroke], on_call: false}
  - {id: surg-1, name: Surgeon, role: trauma_surgeon, pager: "3", teams: [trauma, attending], on_call: true}
`

func newTestFacility(t *testing.T) *Facility {
	t.Helper()
	l, err := ParseLayout([]byte(testLayout))
	require.NoError(t, err)
	return New(l, zerolog.Nop())
}

func TestParseLayout_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "beds: [{"},
		{"missing type", "beds:\n  - {id: R1, zone: resuscitation}"},
		{"waiting zone", "beds:\n  - {id: W1, zone: waiting, type: chair}"},
		{"duplicate", "beds:\n  - {id: R1, zone: main, type: bed}\n  - {id: R1, zone: main, type: bed}"},
		{"staff without id", "staff:\n  - {name: Nobody}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLayout([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadLayout_DefaultFile(t *testing.T) {
	l, err := LoadLayout("../../../configs/facility.yaml")
	require.NoError(t, err)
	assert.NotEmpty(t, l.Beds)

	f := New(l, zerolog.Nop())
	for _, team := range []string{emergency.TeamStroke, emergency.TeamTrauma, emergency.TeamAttending} {
		members, err := f.TeamMembers(context.Background(), team)
		require.NoError(t, err)
		assert.NotEmpty(t, members, "team %s has nobody on call", team)
	}
}

func TestFindAvailableBed(t *testing.T) {
	f := newTestFacility(t)
	ctx := context.Background()

	id, err := f.FindAvailableBed(ctx, emergency.ZoneAcute, emergency.BedTypeMonitored)
	require.NoError(t, err)
	assert.Equal(t, "A1", id)

	id, _ = f.FindAvailableBed(ctx, emergency.ZoneAcute, emergency.BedTypeUnassigned)
	assert.Equal(t, "A1", id)

	require.NoError(t, f.Occupy(ctx, "A1", uuid.New()))
	id, _ = f.FindAvailableBed(ctx, emergency.ZoneAcute, emergency.BedTypeMonitored)
	assert.Equal(t, "", id)
	id, _ = f.FindAvailableBed(ctx, emergency.ZoneAcute, emergency.BedTypeUnassigned)
	assert.Equal(t, "A2", id)

	id, _ = f.FindAvailableBed(ctx, emergency.ZoneTrauma, emergency.BedTypeTraumaBay)
	assert.Equal(t, "", id)
}

func TestOccupyAndRelease(t *testing.T) {
	f := newTestFacility(t)
	ctx := context.Background()
	visit := uuid.New()

	require.NoError(t, f.Occupy(ctx, "M1", visit))
	assert.NoError(t, f.Occupy(ctx, "M1", visit), "same visit re-occupying is a no-op")
	assert.ErrorIs(t, f.Occupy(ctx, "M1", uuid.New()), emergency.ErrBedOccupied)
	assert.ErrorIs(t, f.Occupy(ctx, "Z9", visit), ErrUnknownBed)

	avail, err := f.GetAvailableBeds(ctx)
	require.NoError(t, err)
	assert.Empty(t, avail[emergency.ZoneMain])
	assert.Equal(t, []string{"A1", "A2"}, avail[emergency.ZoneAcute])

	require.NoError(t, f.Release(ctx, "M1"))
	require.NoError(t, f.Release(ctx, "M1"))
	assert.True(t, errors.Is(f.Release(ctx, "Z9"), ErrUnknownBed))

	avail, _ = f.GetAvailableBeds(ctx)
	assert.Equal(t, []string{"M1"}, avail[emergency.ZoneMain])
}

func TestOccupy_ConcurrentClaims(t *testing.T) {
	f := newTestFacility(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Occupy(context.Background(), "R1", uuid.New()); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestReconcile(t *testing.T) {
	f := newTestFacility(t)
	visits := []*emergency.Visit{
		{ID: uuid.New(), Location: &emergency.Location{Zone: emergency.ZoneMain, BedID: "M1"}},
		{ID: uuid.New(), Location: &emergency.Location{Zone: emergency.ZoneWaiting}},
		{ID: uuid.New(), Location: &emergency.Location{Zone: emergency.ZoneMain, BedID: "gone"}},
		{ID: uuid.New()},
	}
	assert.Equal(t, 1, f.Reconcile(visits))

	beds := f.Beds()
	for _, b := range beds {
		if b.ID == "M1" {
			require.NotNil(t, b.VisitID)
			assert.Equal(t, visits[0].ID, *b.VisitID)
		}
	}
}

func TestTeamMembers(t *testing.T) {
	f := newTestFacility(t)
	ctx := context.Background()

	stroke, err := f.TeamMembers(ctx, emergency.TeamStroke)
	require.NoError(t, err)
	require.Len(t, stroke, 1)
	assert.Equal(t, "neuro-1", stroke[0].StaffID)

	assert.True(t, f.SetOnCall("neuro-2", true))
	assert.False(t, f.SetOnCall("nobody", true))
	stroke, _ = f.TeamMembers(ctx, emergency.TeamStroke)
	assert.Len(t, stroke, 2)

	none, _ := f.TeamMembers(ctx, "psychiatry")
	assert.Empty(t, none)
}

func TestHandler(t *testing.T) {
	f := newTestFacility(t)
	require.NoError(t, f.Occupy(context.Background(), "A1", uuid.New()))

	e := echo.New()
	NewHandler(f).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/facility/beds?zone=acute", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var beds []BedState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &beds))
	require.Len(t, beds, 2)
	assert.NotNil(t, beds[0].VisitID)
	assert.Nil(t, beds[1].VisitID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/facility/teams/psychiatry", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/platform/notification"
)

// -- Fakes --

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRegistry struct {
	ages map[uuid.UUID]int
	err  error
}

func (r *fakeRegistry) LookupPatient(_ context.Context, id uuid.UUID) (*PatientInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	age, ok := r.ages[id]
	if !ok {
		return nil, nil
	}
	return &PatientInfo{PatientID: id, Age: age}, nil
}

type fakeBed struct {
	id    string
	zone  Zone
	typ   BedType
	visit uuid.UUID
}

type fakeBeds struct {
	mu       sync.Mutex
	beds     []*fakeBed
	findErr  error
	released []string
}

func newFakeBeds(beds ...*fakeBed) *fakeBeds {
	return &fakeBeds{beds: beds}
}

func (f *fakeBeds) FindAvailableBed(_ context.Context, zone Zone, typ BedType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return "", f.findErr
	}
	for _, b := range f.beds {
		if b.zone == zone && (typ == "" || b.typ == typ) && b.visit == uuid.Nil {
			return b.id, nil
		}
	}
	return "", nil
}

func (f *fakeBeds) GetAvailableBeds(_ context.Context) (map[Zone][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Zone][]string)
	for _, b := range f.beds {
		if b.visit == uuid.Nil {
			out[b.zone] = append(out[b.zone], b.id)
		}
	}
	return out, nil
}

func (f *fakeBeds) Occupy(_ context.Context, id string, visitID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beds {
		if b.id == id {
			if b.visit != uuid.Nil {
				return ErrBedOccupied
			}
			b.visit = visitID
			return nil
		}
	}
	return fmt.Errorf("unknown bed %s", id)
}

func (f *fakeBeds) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beds {
		if b.id == id {
			b.visit = uuid.Nil
		}
	}
	f.released = append(f.released, id)
	return nil
}

func (f *fakeBeds) occupant(id string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beds {
		if b.id == id {
			return b.visit
		}
	}
	return uuid.Nil
}

type fakeStaff struct {
	teams map[string][]TeamMember
}

func (f *fakeStaff) TeamMembers(_ context.Context, team string) ([]TeamMember, error) {
	m, ok := f.teams[team]
	if !ok {
		return nil, fmt.Errorf("unknown team %s", team)
	}
	return m, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	pages []notification.Page
	err   error
	delay time.Duration
}

func (f *fakeNotifier) Notify(ctx context.Context, pages ...notification.Page) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pages = append(f.pages, pages...)
	return nil
}

func (f *fakeNotifier) sent(template string) []notification.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification.Page
	for _, p := range f.pages {
		if p.TemplateID == template {
			out = append(out, p)
		}
	}
	return out
}

type fakeRouter struct {
	mu     sync.Mutex
	routed []Order
	err    error
}

func (f *fakeRouter) RouteOrder(_ context.Context, _ *Visit, o Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.routed = append(f.routed, o)
	return nil
}

type fakeRecorder struct {
	nopRecorder
	mu       sync.Mutex
	failures map[string]int
	levels   []int
}

func (f *fakeRecorder) SideEffectFailed(effect string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]int)
	}
	f.failures[effect]++
}

func (f *fakeRecorder) TriageScored(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
}

func (f *fakeRecorder) failed(effect string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[effect]
}

// -- Harness --

type testEnv struct {
	svc      *Service
	visits   *MemoryVisitRepo
	trauma   *MemoryTraumaRepo
	strokes  *MemoryStrokeRepo
	clock    *fakeClock
	registry *fakeRegistry
	beds     *fakeBeds
	staff    *fakeStaff
	notifier *fakeNotifier
	router   *fakeRouter
	recorder *fakeRecorder
}

func newTestEnv() *testEnv {
	env := &testEnv{
		visits:   NewMemoryVisitRepo(),
		trauma:   NewMemoryTraumaRepo(),
		strokes:  NewMemoryStrokeRepo(),
		clock:    newFakeClock(),
		registry: &fakeRegistry{ages: map[uuid.UUID]int{}},
		beds: newFakeBeds(
			&fakeBed{id: "R1", zone: ZoneResuscitation, typ: BedTypeResusBay},
			&fakeBed{id: "A1", zone: ZoneAcute, typ: BedTypeMonitored},
			&fakeBed{id: "M1", zone: ZoneMain, typ: BedTypeBed},
			&fakeBed{id: "F1", zone: ZoneFastTrack, typ: BedTypeChair},
		),
		staff: &fakeStaff{teams: map[string][]TeamMember{
			TeamStroke:    {{StaffID: "neuro-1", Name: "Dr. Neuro", Role: "neurologist", Pager: "1001"}, {StaffID: "ct-1", Role: "ct_tech", Pager: "1002"}},
			TeamTrauma:    {{StaffID: "surg-1", Role: "trauma_surgeon", Pager: "2001"}},
			TeamAttending: {{StaffID: "dr-house", Role: "attending", Pager: "3001"}, {StaffID: "dr-grey", Role: "attending", Pager: "3002"}},
		}},
		notifier: &fakeNotifier{},
		router:   &fakeRouter{},
		recorder: &fakeRecorder{},
	}
	env.svc = env.newService(env.strokes)
	return env
}

func (env *testEnv) newService(strokes StrokeCodeRepository) *Service {
	svc := NewService(env.visits, env.trauma, strokes, Collaborators{
		Registry: env.registry,
		Beds:     env.beds,
		Staff:    env.staff,
		Orders:   env.router,
		Notifier: env.notifier,
		Recorder: env.recorder,
	}, zerolog.Nop())
	svc.SetClock(env.clock.Now)
	return svc
}

func newTestService() *Service {
	return newTestEnv().svc
}

func (env *testEnv) register(t *testing.T, complaint string) *Visit {
	t.Helper()
	out, err := env.svc.RegisterPatient(context.Background(), RegisterRequest{
		PatientID:      uuid.New(),
		ArrivalMode:    ArrivalWalkIn,
		ChiefComplaint: complaint,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return out.Visit
}

func (env *testEnv) triage(t *testing.T, v *Visit, a *TriageAssessment) *Outcome {
	t.Helper()
	out, err := env.svc.PerformTriage(context.Background(), v.ID, TriageRequest{NurseID: "rn-1", Assessment: *a})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	return out
}

func (env *testEnv) stored(t *testing.T, id uuid.UUID) *Visit {
	t.Helper()
	v, err := env.visits.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get visit: %v", err)
	}
	return v
}

func countAlerts(v *Visit, typ AlertType) int {
	n := 0
	for _, a := range v.Alerts {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func hasWarning(out *Outcome, kind Kind) bool {
	for _, w := range out.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// -- Registration --

func TestService_RegisterPatient(t *testing.T) {
	env := newTestEnv()
	pid := uuid.New()
	env.registry.ages[pid] = 81

	out, err := env.svc.RegisterPatient(context.Background(), RegisterRequest{
		PatientID:      pid,
		ArrivalMode:    ArrivalAmbulance,
		ChiefComplaint: "fall at home",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := out.Visit
	if v.Status != StatusArrived {
		t.Errorf("expected arrived, got %s", v.Status)
	}
	if !v.Flags.IsGeriatric || v.Flags.IsPediatric {
		t.Errorf("expected geriatric flag only, got %+v", v.Flags)
	}
	if !v.ArrivalTime.Equal(env.clock.Now()) {
		t.Errorf("expected arrival at clock time, got %v", v.ArrivalTime)
	}
	if v.TriageTime != nil {
		t.Error("visit should be untriaged")
	}
	if len(out.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", out.Warnings)
	}
}

func TestService_RegisterPatient_RegistryDown(t *testing.T) {
	env := newTestEnv()
	env.registry.err = errors.New("connection refused")
	age := 7

	out, err := env.svc.RegisterPatient(context.Background(), RegisterRequest{
		PatientID:      uuid.New(),
		ArrivalMode:    ArrivalWalkIn,
		ChiefComplaint: "ear pain",
		Age:            &age,
	})
	if err != nil {
		t.Fatalf("registry failure must not fail registration: %v", err)
	}
	if !hasWarning(out, KindDependencyFailure) {
		t.Errorf("expected dependency warning, got %v", out.Warnings)
	}
	if !out.Visit.Flags.IsPediatric {
		t.Error("expected pediatric flag from the supplied age")
	}
	if env.recorder.failed("registry") != 1 {
		t.Error("expected registry failure to be counted")
	}
}

func TestService_RegisterPatient_Validation(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.RegisterPatient(context.Background(), RegisterRequest{PatientID: uuid.New(), ArrivalMode: "teleport", ChiefComplaint: "x"})
	if KindOf(err) != KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

// -- Triage --

func TestService_PerformTriage_CardiacArrest(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "cardiac arrest")
	a := assessment("cardiac arrest")
	a.Vitals.HeartRate = intp(0)
	a.Vitals.SystolicBP = intp(0)

	out := env.triage(t, v, a)
	got := out.Visit
	if got.TriageLevel != 1 || got.TriageScore != 100 {
		t.Errorf("expected level 1 / score 100, got %d / %d", got.TriageLevel, got.TriageScore)
	}
	if got.Status != StatusTriaged {
		t.Errorf("expected triaged, got %s", got.Status)
	}
	if countAlerts(got, AlertImmediateIntervention) != 1 {
		t.Error("expected an immediate_intervention alert")
	}
	if countAlerts(got, AlertAbnormalVitals) != 0 {
		t.Error("short-circuit triage must not add a vitals escalation alert")
	}
	if got.RecommendedLocation == nil || got.RecommendedLocation.Zone != ZoneResuscitation {
		t.Errorf("expected resuscitation recommendation, got %+v", got.RecommendedLocation)
	}
	if got.Location != nil {
		t.Error("triage recommends a location but does not assign one")
	}
	if len(got.Assessments) != 1 || got.Assessments[0].Type != AssessmentInitial {
		t.Errorf("expected one initial assessment, got %+v", got.Assessments)
	}
	if len(got.Vitals) != 1 || got.TriageNurseID != "rn-1" {
		t.Errorf("expected triage vitals and nurse recorded, got %d vitals, nurse %q", len(got.Vitals), got.TriageNurseID)
	}
}

func TestService_PerformTriage_AbnormalVitals(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "laceration to left hand")
	a := assessment("laceration to left hand")
	a.Vitals.HeartRate = intp(130)

	out := env.triage(t, v, a)
	if out.Visit.TriageLevel != 3 {
		t.Errorf("expected level 3, got %d", out.Visit.TriageLevel)
	}
	if countAlerts(out.Visit, AlertAbnormalVitals) != 1 {
		t.Error("expected an abnormal_vitals alert")
	}
}

func TestService_PerformTriage_Validation(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "headache")
	a := assessment("headache")
	a.Vitals.Temperature = nil

	_, err := env.svc.PerformTriage(context.Background(), v.ID, TriageRequest{NurseID: "rn-1", Assessment: *a})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored := env.stored(t, v.ID)
	if stored.Status != StatusArrived || stored.Version != v.Version {
		t.Error("failed triage must leave the visit unmodified")
	}
}

func TestService_PerformTriage_Twice(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "sore throat")
	env.triage(t, v, assessment("sore throat"))

	_, err := env.svc.PerformTriage(context.Background(), v.ID, TriageRequest{NurseID: "rn-1", Assessment: *assessment("sore throat")})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestService_PerformTriage_ReusesRegisteredComplaint(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "chest pain radiating to jaw")
	a := assessment("")

	out := env.triage(t, v, a)
	if out.Visit.TriageLevel != 2 {
		t.Errorf("expected the registered complaint to drive level 2, got %d", out.Visit.TriageLevel)
	}
	if got := out.Visit.Assessments[0].ChiefComplaint; got != v.ChiefComplaint {
		t.Errorf("expected assessment complaint %q, got %q", v.ChiefComplaint, got)
	}
}

func TestService_PerformTriage_NotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.PerformTriage(context.Background(), uuid.New(), TriageRequest{NurseID: "rn-1", Assessment: *assessment("x")})
	if KindOf(err) != KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_PerformTriage_StrokePagesTeam(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "facial droop")
	out := env.triage(t, v, assessment("facial droop and slurred speech"))
	env.svc.Wait()

	if !out.Visit.Flags.IsStroke {
		t.Error("expected stroke flag")
	}
	if out.StrokeCode == nil {
		t.Fatal("expected a stroke code")
	}
	if out.Visit.TriageLevel != 2 {
		t.Errorf("expected level 2, got %d", out.Visit.TriageLevel)
	}
	pages := env.notifier.sent(TemplateStrokeCode)
	if len(pages) != 2 {
		t.Fatalf("expected 2 stroke pages, got %d", len(pages))
	}
	if pages[0].Priority != notification.PriorityCritical || pages[0].Data["visit_id"] != v.ID.String() {
		t.Errorf("unexpected page: %+v", pages[0])
	}
	sc, err := env.strokes.GetByID(context.Background(), out.StrokeCode.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sc.Team) != 2 {
		t.Errorf("expected the paged team recorded on the stroke code, got %v", sc.Team)
	}
}

func TestService_PerformTriage_NotificationFailureIsolated(t *testing.T) {
	env := newTestEnv()
	env.notifier.err = errors.New("pager gateway down")
	v := env.register(t, "gunshot wound")

	a := assessment("gunshot wound to abdomen")
	a.Vitals.SystolicBP = intp(80)
	out := env.triage(t, v, a)
	env.svc.Wait()

	if out.Visit.Status != StatusTriaged {
		t.Errorf("expected triaged despite paging failure, got %s", out.Visit.Status)
	}
	if out.TraumaActivation == nil || out.TraumaActivation.ActivationLevel != TraumaLevel1 {
		t.Errorf("expected a level 1 trauma activation, got %+v", out.TraumaActivation)
	}
	if env.recorder.failed("page_trauma") != 1 {
		t.Error("expected the paging failure to be counted")
	}
	if out.Visit.RecommendedLocation.Zone != ZoneTrauma {
		t.Errorf("expected trauma zone, got %s", out.Visit.RecommendedLocation.Zone)
	}
}

func TestService_PerformTriage_SlowNotifierDoesNotBlock(t *testing.T) {
	env := newTestEnv()
	env.notifier.delay = time.Second
	env.svc.SetNotifyTimeout(50 * time.Millisecond)
	v := env.register(t, "stroke")

	start := time.Now()
	env.triage(t, v, assessment("stroke symptoms"))
	if time.Since(start) > 500*time.Millisecond {
		t.Error("triage waited for the notifier")
	}
	env.svc.Wait()
	if env.recorder.failed("page_stroke") != 1 {
		t.Error("expected the timed out page to be counted as failed")
	}
}

func TestService_PerformTriage_SepsisUTI(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "suspected UTI")
	a := assessment("suspected UTI")
	a.Vitals.Temperature = floatp(39)
	a.Vitals.HeartRate = intp(105)
	a.Vitals.RespiratoryRate = intp(24)

	got := env.triage(t, v, a).Visit
	if !got.Flags.IsSepsis {
		t.Error("expected sepsis flag")
	}
	if got.Sepsis == nil || !got.Sepsis.SepsisLikely {
		t.Fatal("expected sepsis likely")
	}
	if len(got.Sepsis.Bundle) != 4 {
		t.Fatalf("expected 4 bundle items, got %d", len(got.Sepsis.Bundle))
	}
	triageAt := *got.TriageTime
	for _, item := range got.Sepsis.Bundle {
		due := item.DueTime.Sub(triageAt)
		if item.Code == BundleFluids && due != 3*time.Hour || item.Code != BundleFluids && due != time.Hour {
			t.Errorf("%s: unexpected due offset %v", item.Code, due)
		}
	}
	if countAlerts(got, AlertSepsis) != 1 {
		t.Error("expected a sepsis alert")
	}
}

// -- Sepsis --

func TestService_ScreenForSepsis_KeepsBundle(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "fever and cough, pneumonia")
	a := assessment("fever and cough, pneumonia")
	a.Vitals.Temperature = floatp(38.9)
	a.Vitals.HeartRate = intp(112)
	first := env.triage(t, v, a).Visit
	bundleIDs := first.Sepsis.Bundle

	env.clock.Advance(30 * time.Minute)
	out, err := env.svc.ScreenForSepsis(context.Background(), v.ID, SepsisScreenRequest{
		ScreenedBy: "rn-2",
		Vitals:     &Vitals{HeartRate: intp(118), Temperature: floatp(39.2), RespiratoryRate: intp(26)},
		WBC:        floatp(16),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.Visit
	if got.Sepsis.SIRSCount != 4 {
		t.Errorf("expected SIRS count 4, got %d", got.Sepsis.SIRSCount)
	}
	if got.Sepsis.Bundle[0].ID != bundleIDs[0].ID || !got.Sepsis.Bundle[0].DueTime.Equal(bundleIDs[0].DueTime) {
		t.Error("re-screen must keep the bundle already started")
	}
	if countAlerts(got, AlertSepsis) != 1 {
		t.Error("re-screen must not duplicate an unresolved sepsis alert")
	}
	if len(got.Vitals) != 2 {
		t.Errorf("expected supplied vitals appended, got %d", len(got.Vitals))
	}
}

func TestService_CompleteBundleItem(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "cellulitis")
	a := assessment("cellulitis")
	a.Vitals.Temperature = floatp(38.6)
	a.Vitals.HeartRate = intp(101)
	got := env.triage(t, v, a).Visit
	item := got.Sepsis.Bundle[0]

	env.clock.Advance(2 * time.Hour)
	bundle, err := env.svc.GetBundle(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	breached := 0
	for _, b := range bundle {
		if b.Breached {
			breached++
		}
	}
	if breached != 3 {
		t.Errorf("expected 3 breached items after 2h, got %d", breached)
	}

	out, err := env.svc.CompleteBundleItem(context.Background(), v.ID, item.ID, BundleItemRequest{Status: BundleCompleted, CompletedBy: "rn-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Sepsis.Bundle[0].Status != BundleCompleted {
		t.Error("expected bundle item completed")
	}
	_, err = env.svc.CompleteBundleItem(context.Background(), v.ID, uuid.New(), BundleItemRequest{Status: BundleCompleted, CompletedBy: "rn-1"})
	if !errors.Is(err, ErrBundleItemNotFound) {
		t.Errorf("expected bundle item not found, got %v", err)
	}
}

// -- Beds --

func TestService_AssignBed_QueuedThenPlaced(t *testing.T) {
	env := newTestEnv()
	env.beds.beds[1].visit = uuid.New() // acute zone full

	v := env.register(t, "chest pain")
	env.triage(t, v, assessment("chest pain"))

	out, err := env.svc.AssignBed(context.Background(), v.ID, AssignBedRequest{AssignedBy: "charge-rn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Status != StatusWaitingBed {
		t.Errorf("expected waiting_bed, got %s", out.Visit.Status)
	}
	if out.Visit.Location == nil || out.Visit.Location.Zone != ZoneWaiting {
		t.Errorf("expected waiting location, got %+v", out.Visit.Location)
	}
	if !hasWarning(out, KindResourceUnavailable) {
		t.Errorf("expected resource_unavailable warning, got %v", out.Warnings)
	}

	env.beds.Release(context.Background(), "A1")
	out, err = env.svc.AssignBed(context.Background(), v.ID, AssignBedRequest{AssignedBy: "charge-rn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Status != StatusInTreatment {
		t.Errorf("expected in_treatment, got %s", out.Visit.Status)
	}
	if out.Visit.Location.BedID != "A1" || env.beds.occupant("A1") != v.ID {
		t.Errorf("expected bed A1 occupied by visit, got %+v", out.Visit.Location)
	}
}

func TestService_AssignBed_InPlaceMove(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "abdominal pain and vomiting")
	env.triage(t, v, assessment("abdominal pain and vomiting"))

	out, err := env.svc.AssignBed(context.Background(), v.ID, AssignBedRequest{AssignedBy: "rn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Status != StatusTriaged || out.Visit.Location.BedID != "M1" {
		t.Fatalf("expected bed M1 without status change, got %s / %+v", out.Visit.Status, out.Visit.Location)
	}

	out, err = env.svc.AssignBed(context.Background(), v.ID, AssignBedRequest{AssignedBy: "rn", Zone: ZoneFastTrack})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Location.BedID != "F1" {
		t.Errorf("expected bed F1, got %+v", out.Visit.Location)
	}
	if env.beds.occupant("M1") != uuid.Nil {
		t.Error("previous bed should be released on move")
	}
}

func TestService_AssignBed_InventoryError(t *testing.T) {
	env := newTestEnv()
	env.beds.findErr = errors.New("inventory timeout")
	v := env.register(t, "rash")

	_, err := env.svc.AssignBed(context.Background(), v.ID, AssignBedRequest{AssignedBy: "rn"})
	if KindOf(err) != KindDependencyFailure {
		t.Errorf("expected dependency failure, got %v", err)
	}
	if env.stored(t, v.ID).Location != nil {
		t.Error("visit must be unchanged")
	}
}

// -- Orders --

func TestService_UpdateOrderResult_CriticalPotassium(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "fatigue")
	env.triage(t, v, assessment("fatigue"))
	env.svc.Wait()
	if _, err := env.svc.AssignAttending(context.Background(), v.ID, AttendingRequest{AttendingID: "dr-house"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	placed, err := env.svc.PlaceOrder(context.Background(), v.ID, OrderRequest{Type: OrderLab, Name: "Potassium", Priority: PriorityStat, OrderedBy: "dr-house"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	high := placed.Visit.Orders[0]
	placed, err = env.svc.PlaceOrder(context.Background(), v.ID, OrderRequest{Type: OrderLab, Name: "Potassium", OrderedBy: "dr-house"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	normal := placed.Visit.Orders[1]

	out, err := env.svc.UpdateOrderResult(context.Background(), v.ID, high.ID, OrderResultRequest{Result: "7.2 mmol/L"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countAlerts(out.Visit, AlertCriticalResult) != 1 {
		t.Fatal("expected a critical_result alert for potassium 7.2")
	}
	if !out.Visit.Orders[0].IsCritical || out.Visit.Orders[0].Status != OrderCompleted || out.Visit.Orders[0].CompletedAt == nil {
		t.Errorf("unexpected order state: %+v", out.Visit.Orders[0])
	}

	out, err = env.svc.UpdateOrderResult(context.Background(), v.ID, normal.ID, OrderResultRequest{Result: "4.0 mmol/L"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countAlerts(out.Visit, AlertCriticalResult) != 1 {
		t.Error("potassium 4.0 must not raise a critical_result alert")
	}

	env.svc.Wait()
	pages := env.notifier.sent(TemplateCriticalResult)
	if len(pages) != 1 || pages[0].Recipient != "dr-house" {
		t.Errorf("expected one page to the attending, got %+v", pages)
	}
}

func TestService_PlaceOrder_RoutingFailure(t *testing.T) {
	env := newTestEnv()
	env.router.err = errors.New("hl7 gateway unreachable")
	v := env.register(t, "ankle injury")

	out, err := env.svc.PlaceOrder(context.Background(), v.ID, OrderRequest{Type: OrderImaging, Name: "Ankle X-ray", OrderedBy: "dr-1"})
	if err != nil {
		t.Fatalf("routing failure must not fail the order: %v", err)
	}
	if !hasWarning(out, KindDependencyFailure) {
		t.Errorf("expected dependency warning, got %v", out.Warnings)
	}
	o := env.stored(t, v.ID).Orders[0]
	if o.Status != OrderPending || o.Routed || o.Priority != PriorityRoutine {
		t.Errorf("unexpected order: %+v", o)
	}
}

func TestService_PlaceOrder_Routed(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "ankle injury")

	out, err := env.svc.PlaceOrder(context.Background(), v.ID, OrderRequest{Type: OrderImaging, Name: "Ankle X-ray", OrderedBy: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Visit.Orders[0].Routed || len(env.router.routed) != 1 {
		t.Error("expected order routed")
	}
}

func TestService_OrderLifecycle(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "cough")
	out, _ := env.svc.PlaceOrder(context.Background(), v.ID, OrderRequest{Type: OrderImaging, Name: "Chest X-ray", OrderedBy: "dr-1"})
	oid := out.Visit.Orders[0].ID

	if _, err := env.svc.UpdateOrderStatus(context.Background(), v.ID, oid, OrderStatusRequest{Status: OrderInProgress}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.UpdateOrderStatus(context.Background(), v.ID, oid, OrderStatusRequest{Status: OrderCancelled}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.UpdateOrderResult(context.Background(), v.ID, oid, OrderResultRequest{Result: "clear"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition for cancelled order, got %v", err)
	}
	_, err = env.svc.UpdateOrderResult(context.Background(), v.ID, uuid.New(), OrderResultRequest{Result: "clear"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected order not found, got %v", err)
	}
	_, err = env.svc.UpdateOrderStatus(context.Background(), v.ID, oid, OrderStatusRequest{Status: OrderCompleted})
	if KindOf(err) != KindValidation {
		t.Errorf("completion goes through results, got %v", err)
	}
}

// -- Clinical record --

func TestService_RecordVitals_AlertOnce(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "sore throat")

	if _, err := env.svc.RecordVitals(context.Background(), v.ID, VitalsRequest{RecordedBy: "rn", Vitals: Vitals{HeartRate: intp(140)}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countAlerts(env.stored(t, v.ID), AlertAbnormalVitals) != 0 {
		t.Error("vitals before triage must not alert")
	}

	env.triage(t, v, assessment("sore throat"))
	for i := 0; i < 2; i++ {
		if _, err := env.svc.RecordVitals(context.Background(), v.ID, VitalsRequest{RecordedBy: "rn", Vitals: Vitals{OxygenSaturation: intp(89)}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got := env.stored(t, v.ID)
	if countAlerts(got, AlertAbnormalVitals) != 1 {
		t.Errorf("expected one abnormal_vitals alert, got %d", countAlerts(got, AlertAbnormalVitals))
	}
	if len(got.Vitals) != 4 {
		t.Errorf("expected 4 vitals, got %d", len(got.Vitals))
	}

	_, err := env.svc.RecordVitals(context.Background(), v.ID, VitalsRequest{RecordedBy: "rn", Vitals: Vitals{OxygenSaturation: intp(140)}})
	if KindOf(err) != KindValidation {
		t.Errorf("expected validation error for impossible spo2, got %v", err)
	}
}

func TestService_NotesInterventionsConsultations(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "abdominal pain")
	ctx := context.Background()

	if _, err := env.svc.AddNote(ctx, v.ID, NoteRequest{AuthorID: "dr-1", Text: "RLQ tenderness"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.RecordIntervention(ctx, v.ID, InterventionRequest{Type: "iv_access", Description: "18g left AC", PerformedBy: "rn"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := env.svc.RequestConsultation(ctx, v.ID, ConsultationRequest{Specialty: "general_surgery", RequestedBy: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cid := out.Visit.Consultations[0].ID
	out, err = env.svc.CompleteConsultation(ctx, v.ID, cid, ConsultationResultRequest{ConsultantID: "surg-1", Recommendations: "CT abdomen"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := out.Visit.Consultations[0]
	if c.Status != ConsultCompleted || c.CompletedAt == nil {
		t.Errorf("unexpected consultation: %+v", c)
	}
	_, err = env.svc.CompleteConsultation(ctx, v.ID, cid, ConsultationResultRequest{ConsultantID: "surg-1", Cancel: true})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	got := env.stored(t, v.ID)
	if len(got.Notes) != 1 || len(got.Interventions) != 1 {
		t.Errorf("expected note and intervention, got %d / %d", len(got.Notes), len(got.Interventions))
	}
}

// -- Alerts --

func TestService_AlertAcknowledgeResolve(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "chest pain")
	got := env.triage(t, v, assessment("chest pain")).Visit
	alertID := got.Alerts[0].ID
	ctx := context.Background()

	_, err := env.svc.ResolveAlert(ctx, v.ID, alertID, AlertActionRequest{By: "dr-1"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected acknowledgment required, got %v", err)
	}
	out, err := env.svc.AcknowledgeAlert(ctx, v.ID, alertID, AlertActionRequest{By: "rn-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Visit.OpenAlerts()) != 0 {
		t.Error("expected no open alerts")
	}
	env.clock.Advance(5 * time.Minute)
	out, err = env.svc.ResolveAlert(ctx, v.ID, alertID, AlertActionRequest{By: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := out.Visit.Alerts[0]
	if a.ResolvedAt == nil || a.AutoResolved || a.ResolvedAt.Sub(*a.AcknowledgedAt) != 5*time.Minute {
		t.Errorf("unexpected alert: %+v", a)
	}
	_, err = env.svc.AcknowledgeAlert(ctx, v.ID, uuid.New(), AlertActionRequest{By: "rn-1"})
	if KindOf(err) != KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

// -- Activations --

func TestService_ActivateTraumaTeam_Idempotent(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "fall")
	ctx := context.Background()

	first, err := env.svc.ActivateTraumaTeam(ctx, v.ID, TraumaActivationRequest{ActivatedBy: "dr-1", MechanismOfInjury: "fall from ladder"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := env.svc.ActivateTraumaTeam(ctx, v.ID, TraumaActivationRequest{ActivatedBy: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.TraumaActivation.ID != second.TraumaActivation.ID {
		t.Error("second activation should return the open one")
	}
	if first.TraumaActivation.ActivationLevel != TraumaLevel2 {
		t.Errorf("expected level 2 without vitals, got %s", first.TraumaActivation.ActivationLevel)
	}
	if countAlerts(second.Visit, AlertTrauma) != 1 || !second.Visit.Flags.IsTrauma {
		t.Error("expected a single trauma alert and trauma flag")
	}

	ta, err := env.svc.UpdateTraumaActivationStatus(ctx, first.TraumaActivation.ID, ActivationStatusRequest{Status: ActivationArrived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ta.Status != ActivationArrived {
		t.Errorf("expected arrived, got %s", ta.Status)
	}
	if _, err := env.svc.UpdateTraumaActivationStatus(ctx, ta.ID, ActivationStatusRequest{Status: ActivationPending}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	env.svc.Wait()
}

func TestService_ActivateStrokeCode(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "confusion")
	lkw := env.clock.Now().Add(-90 * time.Minute)

	out, err := env.svc.ActivateStrokeCode(context.Background(), v.ID, StrokeCodeRequest{ActivatedBy: "dr-1", LastKnownWell: &lkw, NIHSS: intp(12)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.StrokeCode == nil || *out.StrokeCode.NIHSS != 12 || !out.StrokeCode.LastKnownWell.Equal(lkw) {
		t.Errorf("unexpected stroke code: %+v", out.StrokeCode)
	}
	sc, err := env.svc.UpdateStrokeCodeStatus(context.Background(), out.StrokeCode.ID, ActivationStatusRequest{Status: ActivationCompleted, Outcome: "tPA given"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.DeactivationTime == nil {
		t.Error("expected deactivation time on completion")
	}
	env.svc.Wait()
}

// closingStrokeRepo discharges the visit in storage right before the stroke
// code insert lands, the way a second instance racing the activation would.
type closingStrokeRepo struct {
	*MemoryStrokeRepo
	visits *MemoryVisitRepo
}

func (r *closingStrokeRepo) Create(ctx context.Context, sc *StrokeCode) error {
	v, err := r.visits.GetByID(ctx, sc.VisitID)
	if err != nil {
		return err
	}
	v.setStatus(StatusDischarged, "dr-elsewhere", time.Now())
	if err := r.visits.Update(ctx, v); err != nil {
		return err
	}
	return r.MemoryStrokeRepo.Create(ctx, sc)
}

func TestService_PerformTriage_DischargeDuringStrokeInsert(t *testing.T) {
	env := newTestEnv()
	env.svc = env.newService(&closingStrokeRepo{MemoryStrokeRepo: env.strokes, visits: env.visits})
	v := env.register(t, "facial droop")

	out := env.triage(t, v, assessment("facial droop"))
	env.svc.Wait()

	if out.StrokeCode != nil {
		t.Errorf("expected no stroke code on a closed visit, got %+v", out.StrokeCode)
	}
	if !hasWarning(out, KindInvalidStateTransition) {
		t.Errorf("expected an invalid_state_transition warning, got %+v", out.Warnings)
	}
	codes, err := env.strokes.ListByVisit(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sc := range codes {
		if !sc.Status.IsClosed() {
			t.Errorf("stroke code %s left %s on a discharged visit", sc.ID, sc.Status)
		}
		if sc.Outcome != "visit closed: discharged" {
			t.Errorf("unexpected outcome %q", sc.Outcome)
		}
	}
	if pages := env.notifier.sent(TemplateStrokeCode); len(pages) != 0 {
		t.Errorf("expected no stroke pages, got %d", len(pages))
	}
}

func TestService_ActivateStrokeCode_DischargeDuringInsert(t *testing.T) {
	env := newTestEnv()
	env.svc = env.newService(&closingStrokeRepo{MemoryStrokeRepo: env.strokes, visits: env.visits})
	v := env.register(t, "confusion")

	out, err := env.svc.ActivateStrokeCode(context.Background(), v.ID, StrokeCodeRequest{ActivatedBy: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.svc.Wait()
	if out.StrokeCode != nil || !hasWarning(out, KindInvalidStateTransition) {
		t.Errorf("expected the stroke code dropped with a warning, got %+v / %+v", out.StrokeCode, out.Warnings)
	}
	open, err := env.svc.openStrokeCodes(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open stroke codes, got %d", len(open))
	}
}

func TestService_ConcurrentActivationsOpenOne(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "motorcycle crash")
	ctx := context.Background()

	const callers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uuid.UUID]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out, err := env.svc.ActivateTraumaTeam(ctx, v.ID, TraumaActivationRequest{ActivatedBy: "dr-1"})
			if err != nil || out.TraumaActivation == nil {
				t.Errorf("unexpected result: %v", err)
				return
			}
			mu.Lock()
			ids[out.TraumaActivation.ID] = true
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			if _, err := env.svc.ActivateStrokeCode(ctx, v.ID, StrokeCodeRequest{ActivatedBy: "dr-1"}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	env.svc.Wait()

	if len(ids) != 1 {
		t.Errorf("expected every caller to get the same trauma activation, got %d", len(ids))
	}
	traumas, strokes, err := env.svc.Activations(ctx, v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traumas) != 1 || len(strokes) != 1 {
		t.Errorf("expected one record of each kind, got %d trauma / %d stroke", len(traumas), len(strokes))
	}
	if n := len(env.notifier.sent(TemplateTraumaActivation)); n != 1 {
		t.Errorf("expected the trauma team paged once, got %d", n)
	}
}

// -- Disposition --

func TestService_DischargeTwice(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "ankle sprain")
	env.triage(t, v, assessment("ankle sprain"))
	env.clock.Advance(2*time.Hour + 15*time.Minute + 30*time.Second)

	out, err := env.svc.DischargePatient(context.Background(), v.ID, DischargeRequest{DischargedBy: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.Visit
	if got.Status != StatusDischarged {
		t.Errorf("expected discharged, got %s", got.Status)
	}
	if got.LengthOfStayMins == nil || *got.LengthOfStayMins != 135 {
		t.Errorf("expected LOS 135, got %v", got.LengthOfStayMins)
	}
	if got.Disposition == nil || got.Disposition.Type != DispositionDischargeHome {
		t.Errorf("expected synthesized discharge_home, got %+v", got.Disposition)
	}

	_, err = env.svc.DischargePatient(context.Background(), v.ID, DischargeRequest{DischargedBy: "dr-1"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestService_TerminalVisitUnmodified(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "anxiety")
	if _, err := env.svc.SetDisposition(context.Background(), v.ID, DispositionRequest{Type: DispositionLWBS, DecidedBy: "rn"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := env.stored(t, v.ID)
	if before.Status != StatusLeftWithoutBeingSeen || before.DischargeTime == nil {
		t.Fatalf("expected closed lwbs visit, got %s", before.Status)
	}

	ctx := context.Background()
	ops := map[string]func() error{
		"vitals": func() error {
			_, err := env.svc.RecordVitals(ctx, v.ID, VitalsRequest{RecordedBy: "rn", Vitals: Vitals{HeartRate: intp(80)}})
			return err
		},
		"note": func() error {
			_, err := env.svc.AddNote(ctx, v.ID, NoteRequest{AuthorID: "rn", Text: "returned"})
			return err
		},
		"order": func() error {
			_, err := env.svc.PlaceOrder(ctx, v.ID, OrderRequest{Type: OrderLab, Name: "CBC", OrderedBy: "dr"})
			return err
		},
		"status": func() error {
			_, err := env.svc.UpdateStatus(ctx, v.ID, StatusRequest{Status: StatusInTreatment, ChangedBy: "rn"})
			return err
		},
		"disposition": func() error {
			_, err := env.svc.SetDisposition(ctx, v.ID, DispositionRequest{Type: DispositionAdmitICU, DecidedBy: "dr"})
			return err
		},
		"bed": func() error {
			_, err := env.svc.AssignBed(ctx, v.ID, AssignBedRequest{AssignedBy: "rn"})
			return err
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrInvalidStateTransition) {
			t.Errorf("%s: expected invalid transition, got %v", name, err)
		}
	}
	after := env.stored(t, v.ID)
	if after.Version != before.Version || len(after.Vitals) != 0 || len(after.Orders) != 0 {
		t.Error("terminal visit was modified")
	}
	if len(env.router.routed) != 0 {
		t.Error("no order should be routed for a terminal visit")
	}
}

func TestService_TerminalCascade(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "gunshot wound")
	a := assessment("gunshot wound to chest")
	out := env.triage(t, v, a)
	env.svc.Wait()
	ta := out.TraumaActivation
	if ta == nil {
		t.Fatal("expected trauma activation")
	}
	if _, err := env.svc.AssignBed(context.Background(), v.ID, AssignBedRequest{AssignedBy: "rn", Zone: ZoneResuscitation}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := env.svc.SetDisposition(context.Background(), v.ID, DispositionRequest{Type: DispositionDeceased, DecidedBy: "dr-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, err := env.trauma.GetByID(context.Background(), ta.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != ActivationCancelled || stored.DeactivationTime == nil {
		t.Errorf("expected activation cancelled by terminal status, got %s", stored.Status)
	}
	if env.beds.occupant("R1") != uuid.Nil {
		t.Error("expected bed released on terminal status")
	}
}

func TestService_AdmitAndTransfer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	v := env.register(t, "abdominal pain")
	_, err := env.svc.AdmitPatient(ctx, v.ID, CloseRequest{By: "dr-1"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("admit without disposition: expected invalid transition, got %v", err)
	}
	if _, err := env.svc.SetDisposition(ctx, v.ID, DispositionRequest{Type: DispositionAdmitFloor, DecidedBy: "dr-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := env.svc.AdmitPatient(ctx, v.ID, CloseRequest{By: "dr-1", Destination: "4 West"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Status != StatusAdmitted || out.Visit.Disposition.Destination != "4 West" {
		t.Errorf("unexpected visit: %s / %+v", out.Visit.Status, out.Visit.Disposition)
	}

	w := env.register(t, "burns")
	if _, err := env.svc.SetDisposition(ctx, w.ID, DispositionRequest{Type: DispositionTransfer, DecidedBy: "dr-1", Destination: "Regional Burn Center"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err = env.svc.TransferPatient(ctx, w.ID, CloseRequest{By: "dr-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Visit.Status != StatusTransferred || out.Visit.LengthOfStayMins == nil {
		t.Errorf("unexpected visit: %s", out.Visit.Status)
	}
}

func TestService_UpdateStatus(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	v := env.register(t, "rash")

	if _, err := env.svc.UpdateStatus(ctx, v.ID, StatusRequest{Status: StatusWaitingTriage, ChangedBy: "rn"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.UpdateStatus(ctx, v.ID, StatusRequest{Status: StatusTriaged, ChangedBy: "rn"}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("triaged is reached only through triage, got %v", err)
	}
	if _, err := env.svc.UpdateStatus(ctx, v.ID, StatusRequest{Status: StatusDischarged, ChangedBy: "rn"}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("terminal states are reached through disposition, got %v", err)
	}
	got := env.stored(t, v.ID)
	if got.Status != StatusWaitingTriage || len(got.StatusHistory) != 1 {
		t.Errorf("unexpected visit: %s, %d history entries", got.Status, len(got.StatusHistory))
	}
}

// -- Concurrency --

func TestService_ConcurrentAppendsNotLost(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "dizziness")
	env.triage(t, v, assessment("dizziness"))

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.RecordVitals(context.Background(), v.ID, VitalsRequest{RecordedBy: "rn", Vitals: Vitals{HeartRate: intp(70 + i)}})
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.PlaceOrder(context.Background(), v.ID, OrderRequest{Type: OrderLab, Name: fmt.Sprintf("lab-%d", i), OrderedBy: "dr"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got := env.stored(t, v.ID)
	if len(got.Vitals) != writers+1 {
		t.Errorf("expected %d vitals, got %d", writers+1, len(got.Vitals))
	}
	if len(got.Orders) != writers {
		t.Errorf("expected %d orders, got %d", writers, len(got.Orders))
	}
}

func TestService_ConcurrentDischargeSerializes(t *testing.T) {
	env := newTestEnv()
	v := env.register(t, "sprain")

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.DischargePatient(context.Background(), v.ID, DischargeRequest{DischargedBy: "dr"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInvalidStateTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 || rejected != callers-1 {
		t.Errorf("expected exactly one discharge, got %d succeeded / %d rejected", succeeded, rejected)
	}
	if n := len(env.stored(t, v.ID).StatusHistory); n != 1 {
		t.Errorf("expected a single status change, got %d", n)
	}
}

// -- Reads --

func TestService_MetricsAndBoard(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	a := env.register(t, "cardiac arrest")
	ca := assessment("cardiac arrest")
	ca.Vitals.HeartRate = intp(0)
	env.triage(t, a, ca)
	env.clock.Advance(10 * time.Minute)
	b := env.register(t, "rash")
	env.clock.Advance(10 * time.Minute)
	c := env.register(t, "ankle sprain")
	env.svc.DischargePatient(ctx, c.ID, DischargeRequest{DischargedBy: "dr"})

	m, err := env.svc.GetEDMetrics(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Census != 2 || m.CriticalPatients != 1 || m.Untriaged != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if m.AverageWaitMinutes != 15 {
		t.Errorf("expected average wait 15, got %v", m.AverageWaitMinutes)
	}
	if m.AvailableBeds[ZoneResuscitation] != 1 {
		t.Errorf("expected bed availability in metrics, got %v", m.AvailableBeds)
	}

	board, err := env.svc.GetPatientTrackingBoard(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(board) != 2 || board[0].VisitID != a.ID || board[1].VisitID != b.ID {
		t.Errorf("unexpected board order: %+v", board)
	}
	env.svc.Wait()
}

func TestService_ListVisits(t *testing.T) {
	env := newTestEnv()
	for i := 0; i < 5; i++ {
		env.register(t, "rash")
		env.clock.Advance(time.Minute)
	}
	items, total, err := env.svc.ListVisits(context.Background(), VisitFilter{ActiveOnly: true}, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Errorf("expected 2 of 5, got %d of %d", len(items), total)
	}
}

package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/platform/notification"
	"github.com/ehr/edflow/internal/platform/websocket"
)

// Notifier delivers pages. The service calls it off the request path.
type Notifier interface {
	Notify(ctx context.Context, pages ...notification.Page) error
}

// Recorder receives operational counters.
type Recorder interface {
	TriageScored(level int)
	AlertRaised(alertType, severity string)
	StatusChanged(to string)
	ActivationStarted(kind string)
	SideEffectFailed(effect string)
	ObserveBoard(census, critical, waiting int, avgWaitMinutes float64)
}

// Collaborators groups the external systems the engine talks to. Nil
// members are replaced with no-op stand-ins.
type Collaborators struct {
	Registry PatientRegistry
	Beds     BedInventory
	Staff    StaffDirectory
	Orders   OrderRouter
	Notifier Notifier
	Events   websocket.EventPublisher
	Recorder Recorder
}

type Service struct {
	visits  VisitRepository
	trauma  TraumaRepository
	strokes StrokeCodeRepository
	deps    Collaborators
	rules   *RuleSet
	logger  zerolog.Logger
	locks   *keyedMutex
	now     func() time.Time

	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

func NewService(visits VisitRepository, trauma TraumaRepository, strokes StrokeCodeRepository, deps Collaborators, logger zerolog.Logger) *Service {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Service{
		visits:        visits,
		trauma:        trauma,
		strokes:       strokes,
		deps:          deps,
		rules:         DefaultRules(),
		logger:        logger.With().Str("component", "emergency").Logger(),
		locks:         newKeyedMutex(),
		now:           func() time.Time { return time.Now().UTC() },
		notifyTimeout: 10 * time.Second,
	}
}

// SetRules replaces the embedded rule tables.
func (s *Service) SetRules(rs *RuleSet) { s.rules = rs }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetNotifyTimeout bounds each fire-and-forget notification job.
func (s *Service) SetNotifyTimeout(d time.Duration) { s.notifyTimeout = d }

// Rules returns the active rule set.
func (s *Service) Rules() *RuleSet { return s.rules }

// Wait blocks until background notification jobs have finished.
func (s *Service) Wait() { s.pending.Wait() }

const maxCommitAttempts = 3

// mutate applies fn to a fresh copy of the visit under the visit's lock and
// commits it with an optimistic version check. fn never sees a terminal
// visit. The stored visit is untouched when fn or the commit fails.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string, fn func(v *Visit, now time.Time) error) (before, after *Visit, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.mutateLocked(ctx, id, op, fn)
}

// mutateLocked is mutate for callers that already hold the visit's lock.
func (s *Service) mutateLocked(ctx context.Context, id uuid.UUID, op string, fn func(v *Visit, now time.Time) error) (before, after *Visit, err error) {
	for attempt := 1; ; attempt++ {
		stored, err := s.visits.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if stored.Status.IsTerminal() {
			return nil, nil, terminalVisit(op, stored.Status)
		}
		v := stored.Clone()
		if err := fn(v, s.now()); err != nil {
			return nil, nil, err
		}
		err = s.visits.Update(ctx, v)
		if err == nil {
			return stored, v, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < maxCommitAttempts {
			s.logger.Debug().Str("visit_id", id.String()).Str("op", op).Int("attempt", attempt).Msg("version conflict, retrying")
			continue
		}
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
}

// -- Registration --

type RegisterRequest struct {
	PatientID      uuid.UUID   `json:"patient_id" validate:"required"`
	ArrivalMode    ArrivalMode `json:"arrival_mode" validate:"required,oneof=walk_in ambulance helicopter police transfer"`
	ChiefComplaint string      `json:"chief_complaint" validate:"required,max=500"`
	ArrivalTime    *time.Time  `json:"arrival_time,omitempty"`
	Age            *int        `json:"age,omitempty" validate:"omitempty,gte=0,lte=130"`
	RegisteredBy   string      `json:"registered_by,omitempty"`
}

// RegisterPatient opens a visit in status arrived. Registry failures fall
// back to the supplied age and surface as a warning.
func (s *Service) RegisterPatient(ctx context.Context, req RegisterRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("register_patient", "%v", err)
	}
	now := s.now()
	out := &Outcome{}

	age := req.Age
	if s.deps.Registry != nil {
		info, err := s.deps.Registry.LookupPatient(ctx, req.PatientID)
		if err != nil {
			s.logger.Warn().Err(err).Str("patient_id", req.PatientID.String()).Msg("patient registry lookup failed")
			s.deps.Recorder.SideEffectFailed("registry")
			out.Warnings = append(out.Warnings, warningFrom(KindDependencyFailure, "patient registry unavailable: %v", err))
		} else if info != nil {
			a := info.Age
			age = &a
		}
	}

	arrival := now
	if req.ArrivalTime != nil {
		arrival = req.ArrivalTime.UTC()
	}
	v := &Visit{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		ArrivalTime:    arrival,
		ArrivalMode:    req.ArrivalMode,
		ChiefComplaint: req.ChiefComplaint,
		Age:            age,
		TriageLevel:    maxLevel,
		Status:         StatusArrived,
	}
	if age != nil {
		v.Flags.IsPediatric = *age < 18
		v.Flags.IsGeriatric = *age >= 65
	}
	if err := s.visits.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("register_patient: %w", err)
	}
	s.deps.Recorder.StatusChanged(string(StatusArrived))
	s.publish(ctx, v, "visit.registered", nil)
	s.logger.Info().Str("visit_id", v.ID.String()).Str("arrival_mode", string(v.ArrivalMode)).Msg("patient registered")
	out.Visit = v
	return out, nil
}

// -- Triage --

type TriageRequest struct {
	NurseID    string           `json:"nurse_id" validate:"required"`
	Assessment TriageAssessment `json:"assessment"`
	Notes      string           `json:"notes,omitempty"`
}

// PerformTriage scores the assessment, runs the protocol detectors and moves
// the visit to triaged. An assessment without a chief complaint uses the one
// recorded at registration. Protocol-positive triage opens the matching
// activations and pages their teams without waiting for delivery.
func (s *Service) PerformTriage(ctx context.Context, visitID uuid.UUID, req TriageRequest) (*Outcome, error) {
	if req.Assessment.ChiefComplaint == "" {
		v, err := s.visits.GetByID(ctx, visitID)
		if err != nil {
			return nil, err
		}
		req.Assessment.ChiefComplaint = v.ChiefComplaint
	}
	if err := validate.Struct(req); err != nil {
		return nil, validationError("perform_triage", "%v", err)
	}
	a := req.Assessment
	result, err := ScoreTriage(s.rules, &a)
	if err != nil {
		return nil, err
	}

	var detection Detection
	unlock := s.locks.Lock(visitID)
	before, after, err := s.mutateLocked(ctx, visitID, "perform_triage", func(v *Visit, now time.Time) error {
		if v.Status != StatusArrived && v.Status != StatusWaitingTriage {
			return invalidTransition("perform_triage", v.Status, StatusTriaged)
		}
		detection = DetectProtocols(s.rules, &a, now)

		vitals := a.Vitals
		vitals.ID = uuid.New()
		vitals.RecordedAt = now
		vitals.RecordedBy = req.NurseID
		v.Vitals = append(v.Vitals, vitals)

		v.Assessments = append(v.Assessments, Assessment{
			ID:             uuid.New(),
			Type:           AssessmentInitial,
			PerformedBy:    req.NurseID,
			PerformedAt:    now,
			ChiefComplaint: a.ChiefComplaint,
			History:        a.History,
			TriageLevel:    result.Level,
			TriageScore:    result.Score,
			Reasons:        append(append([]string(nil), result.Reasons...), detection.Protocols...),
			Notes:          req.Notes,
		})

		t := now
		v.TriageLevel = result.Level
		v.TriageScore = result.Score
		v.TriageTime = &t
		v.TriageNurseID = req.NurseID
		mergeFlags(&v.Flags, detection.Flags)

		if result.Level == 1 {
			v.Alerts = append(v.Alerts, newAlert(AlertImmediateIntervention, SeverityCritical,
				"Immediate life-saving intervention required", now))
		}
		if result.VitalSubScore > 0 {
			v.Alerts = append(v.Alerts, newAlert(AlertAbnormalVitals, SeverityWarning,
				fmt.Sprintf("Abnormal vital signs (sub-score %d)", result.VitalSubScore), now))
		}
		v.Alerts = append(v.Alerts, detection.Alerts...)
		if detection.Sepsis != nil {
			v.Sepsis = detection.Sepsis
		}

		rec := RecommendLocation(v.TriageLevel, v.Flags)
		v.RecommendedLocation = &rec
		v.setStatus(StatusTriaged, req.NurseID, now)
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}

	var (
		warnings []Warning
		stroke   *StrokeCode
		trauma   *TraumaActivation
		pages    []func()
	)
	for _, ar := range detection.Activations {
		reason := ar.Reason
		switch ar.Kind {
		case ActivationStroke:
			sc, created, err := s.ensureStrokeCode(ctx, "perform_triage", s.newStrokeCode(after, "system", nil, nil))
			if err != nil {
				warnings = append(warnings, s.activationWarning(visitID, ActivationStroke, err))
				continue
			}
			stroke = sc
			if created {
				pages = append(pages, func() { s.announceStrokeCode(after, sc, reason) })
			}
		case ActivationTrauma:
			ta, created, err := s.ensureTraumaActivation(ctx, "perform_triage", s.newTraumaActivation(after, ar.Level, reason, "system"))
			if err != nil {
				warnings = append(warnings, s.activationWarning(visitID, ActivationTrauma, err))
				continue
			}
			trauma = ta
			if created {
				pages = append(pages, func() { s.announceTraumaActivation(after, ta) })
			}
		}
	}
	unlock()

	s.deps.Recorder.TriageScored(result.Level)
	s.logger.Info().Str("visit_id", visitID.String()).Int("level", result.Level).Int("score", result.Score).
		Strs("protocols", detection.Protocols).Msg("triage performed")

	out := s.afterCommit(ctx, before, after, "triage.performed")
	out.Warnings = append(out.Warnings, warnings...)
	out.StrokeCode = stroke
	out.TraumaActivation = trauma
	for _, page := range pages {
		page()
	}
	return out, nil
}

func mergeFlags(dst *Flags, src Flags) {
	dst.IsTrauma = dst.IsTrauma || src.IsTrauma
	dst.IsStroke = dst.IsStroke || src.IsStroke
	dst.IsSepsis = dst.IsSepsis || src.IsSepsis
	dst.IsSTEMI = dst.IsSTEMI || src.IsSTEMI
	dst.IsPsychiatric = dst.IsPsychiatric || src.IsPsychiatric
}

// -- Protocol activations --

type StrokeCodeRequest struct {
	ActivatedBy   string     `json:"activated_by" validate:"required"`
	LastKnownWell *time.Time `json:"last_known_well,omitempty"`
	NIHSS         *int       `json:"nihss,omitempty" validate:"omitempty,gte=0,lte=42"`
}

// ActivateStrokeCode flags the visit for stroke and opens a stroke code. An
// already open stroke code is returned unchanged.
func (s *Service) ActivateStrokeCode(ctx context.Context, visitID uuid.UUID, req StrokeCodeRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("activate_stroke_code", "%v", err)
	}
	unlock := s.locks.Lock(visitID)
	before, after, err := s.mutateLocked(ctx, visitID, "activate_stroke_code", func(v *Visit, now time.Time) error {
		v.Flags.IsStroke = true
		if !v.hasOpenAlert(AlertStroke) {
			v.Alerts = append(v.Alerts, newAlert(AlertStroke, SeverityCritical, "Stroke code activated", now))
		}
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}
	sc, created, err := s.ensureStrokeCode(ctx, "activate_stroke_code",
		s.newStrokeCode(after, req.ActivatedBy, req.LastKnownWell, req.NIHSS))
	unlock()

	out := s.afterCommit(ctx, before, after, "stroke_code.activated")
	if err != nil {
		out.Warnings = append(out.Warnings, s.activationWarning(visitID, ActivationStroke, err))
		return out, nil
	}
	out.StrokeCode = sc
	if created {
		s.announceStrokeCode(after, sc, after.ChiefComplaint)
	}
	return out, nil
}

type TraumaActivationRequest struct {
	ActivatedBy       string `json:"activated_by" validate:"required"`
	Level             string `json:"activation_level,omitempty" validate:"omitempty,oneof=level_1 level_2"`
	MechanismOfInjury string `json:"mechanism_of_injury,omitempty"`
}

// ActivateTraumaTeam flags the visit as trauma and opens a trauma
// activation. Without an explicit level, the tier comes from the latest
// vitals.
func (s *Service) ActivateTraumaTeam(ctx context.Context, visitID uuid.UUID, req TraumaActivationRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("activate_trauma_team", "%v", err)
	}
	level := req.Level
	unlock := s.locks.Lock(visitID)
	before, after, err := s.mutateLocked(ctx, visitID, "activate_trauma_team", func(v *Visit, now time.Time) error {
		v.Flags.IsTrauma = true
		if level == "" {
			latest, _ := v.LatestVitals()
			level = TraumaActivationLevel(latest)
		}
		if !v.hasOpenAlert(AlertTrauma) {
			v.Alerts = append(v.Alerts, newAlert(AlertTrauma, SeverityCritical, "Trauma activation "+level, now))
		}
		if v.TriageTime != nil {
			rec := RecommendLocation(v.TriageLevel, v.Flags)
			v.RecommendedLocation = &rec
		}
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}
	mechanism := req.MechanismOfInjury
	if mechanism == "" {
		mechanism = after.ChiefComplaint
	}
	ta, created, err := s.ensureTraumaActivation(ctx, "activate_trauma_team",
		s.newTraumaActivation(after, level, mechanism, req.ActivatedBy))
	unlock()

	out := s.afterCommit(ctx, before, after, "trauma.activated")
	if err != nil {
		out.Warnings = append(out.Warnings, s.activationWarning(visitID, ActivationTrauma, err))
		return out, nil
	}
	out.TraumaActivation = ta
	if created {
		s.announceTraumaActivation(after, ta)
	}
	return out, nil
}

func (s *Service) newStrokeCode(v *Visit, by string, lkw *time.Time, nihss *int) *StrokeCode {
	return &StrokeCode{
		ID:             uuid.New(),
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		Status:         ActivationPending,
		ActivationTime: s.now(),
		LastKnownWell:  lkw,
		NIHSS:          nihss,
		ActivatedBy:    by,
	}
}

func (s *Service) newTraumaActivation(v *Visit, level, mechanism, by string) *TraumaActivation {
	if level == "" {
		latest, _ := v.LatestVitals()
		level = TraumaActivationLevel(latest)
	}
	return &TraumaActivation{
		ID:                uuid.New(),
		VisitID:           v.ID,
		PatientID:         v.PatientID,
		ActivationLevel:   level,
		Status:            ActivationPending,
		ActivationTime:    s.now(),
		MechanismOfInjury: mechanism,
		ActivatedBy:       by,
	}
}

// ensureStrokeCode returns the visit's open stroke code, storing sc when
// there is none. The caller holds the visit's lock.
func (s *Service) ensureStrokeCode(ctx context.Context, op string, sc *StrokeCode) (*StrokeCode, bool, error) {
	open, err := s.openStrokeCodes(ctx, sc.VisitID)
	if err != nil {
		return nil, false, err
	}
	if len(open) > 0 {
		return open[0], false, nil
	}
	err = s.storeActivation(ctx, sc.VisitID, op,
		func() error { return s.strokes.Create(ctx, sc) },
		func(outcome string, now time.Time) error {
			sc.Status = ActivationCancelled
			sc.DeactivationTime = &now
			sc.Outcome = outcome
			if err := s.strokes.Update(ctx, sc); err != nil {
				return err
			}
			s.publishActivation(ctx, sc.VisitID, "stroke_code.status_changed", sc.ID, string(sc.Status))
			return nil
		})
	if err != nil {
		return nil, false, err
	}
	return sc, true, nil
}

// ensureTraumaActivation returns the visit's open trauma activation, storing
// ta when there is none. The caller holds the visit's lock.
func (s *Service) ensureTraumaActivation(ctx context.Context, op string, ta *TraumaActivation) (*TraumaActivation, bool, error) {
	existing, err := s.trauma.ListByVisit(ctx, ta.VisitID)
	if err != nil {
		return nil, false, err
	}
	for _, t := range existing {
		if !t.Status.IsClosed() {
			return t, false, nil
		}
	}
	err = s.storeActivation(ctx, ta.VisitID, op,
		func() error { return s.trauma.Create(ctx, ta) },
		func(outcome string, now time.Time) error {
			ta.Status = ActivationCancelled
			ta.DeactivationTime = &now
			ta.Outcome = outcome
			if err := s.trauma.Update(ctx, ta); err != nil {
				return err
			}
			s.publishActivation(ctx, ta.VisitID, "trauma.status_changed", ta.ID, string(ta.Status))
			return nil
		})
	if err != nil {
		return nil, false, err
	}
	return ta, true, nil
}

// storeActivation inserts an activation record only while the visit is open.
// The visit is read again after the insert; a close committed by another
// writer in between cancels the new record and fails with
// InvalidStateTransition.
func (s *Service) storeActivation(ctx context.Context, visitID uuid.UUID, op string, create func() error, cancel func(outcome string, now time.Time) error) error {
	v, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		return err
	}
	if v.Status.IsTerminal() {
		return terminalVisit(op, v.Status)
	}
	if err := create(); err != nil {
		return err
	}
	if v, err = s.visits.GetByID(ctx, visitID); err != nil {
		return err
	}
	if !v.Status.IsTerminal() {
		return nil
	}
	if err := cancel("visit closed: "+string(v.Status), s.now()); err != nil {
		return fmt.Errorf("%s: cancel activation on closed visit: %w", op, err)
	}
	return terminalVisit(op, v.Status)
}

func (s *Service) announceStrokeCode(v *Visit, sc *StrokeCode, reason string) {
	s.deps.Recorder.ActivationStarted(string(ActivationStroke))
	s.logger.Info().Str("visit_id", v.ID.String()).Str("stroke_code_id", sc.ID.String()).Msg("stroke code activated")
	s.pageTeam(v, ActivationStroke, sc.ID, map[string]string{
		"reason": reason,
	})
}

func (s *Service) announceTraumaActivation(v *Visit, ta *TraumaActivation) {
	s.deps.Recorder.ActivationStarted(string(ActivationTrauma))
	s.logger.Info().Str("visit_id", v.ID.String()).Str("trauma_activation_id", ta.ID.String()).
		Str("level", ta.ActivationLevel).Msg("trauma team activated")
	s.pageTeam(v, ActivationTrauma, ta.ID, map[string]string{
		"level":     ta.ActivationLevel,
		"mechanism": ta.MechanismOfInjury,
	})
}

func (s *Service) activationWarning(visitID uuid.UUID, kind ActivationKind, err error) Warning {
	if errors.Is(err, ErrInvalidStateTransition) {
		s.logger.Warn().Err(err).Str("visit_id", visitID.String()).Str("kind", string(kind)).Msg("activation dropped, visit closed")
		return warningFrom(KindInvalidStateTransition, "%s activation not opened: %v", kind, err)
	}
	s.logger.Error().Err(err).Str("visit_id", visitID.String()).Str("kind", string(kind)).Msg("activation record not stored")
	s.deps.Recorder.SideEffectFailed("activation")
	return warningFrom(KindDependencyFailure, "%s activation not recorded: %v", kind, err)
}

func (s *Service) openStrokeCodes(ctx context.Context, visitID uuid.UUID) ([]*StrokeCode, error) {
	all, err := s.strokes.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	var open []*StrokeCode
	for _, sc := range all {
		if !sc.Status.IsClosed() {
			open = append(open, sc)
		}
	}
	return open, nil
}

type ActivationStatusRequest struct {
	Status  ActivationStatus `json:"status" validate:"required,oneof=pending arrived in_progress completed cancelled"`
	Outcome string           `json:"outcome,omitempty"`
	NIHSS   *int             `json:"nihss,omitempty" validate:"omitempty,gte=0,lte=42"`
}

// UpdateTraumaActivationStatus advances a trauma activation's own sub-state.
func (s *Service) UpdateTraumaActivationStatus(ctx context.Context, id uuid.UUID, req ActivationStatusRequest) (*TraumaActivation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("update_trauma_activation", "%v", err)
	}
	ta, err := s.trauma.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(ta.VisitID)
	defer unlock()
	if ta, err = s.trauma.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if err := ValidateActivationTransition(ta.Status, req.Status); err != nil {
		return nil, err
	}
	now := s.now()
	ta.Status = req.Status
	if req.Outcome != "" {
		ta.Outcome = req.Outcome
	}
	if req.Status.IsClosed() {
		ta.DeactivationTime = &now
	}
	if err := s.trauma.Update(ctx, ta); err != nil {
		return nil, fmt.Errorf("update_trauma_activation: %w", err)
	}
	s.publishActivation(ctx, ta.VisitID, "trauma.status_changed", ta.ID, string(ta.Status))
	return ta, nil
}

// UpdateStrokeCodeStatus advances a stroke code's own sub-state.
func (s *Service) UpdateStrokeCodeStatus(ctx context.Context, id uuid.UUID, req ActivationStatusRequest) (*StrokeCode, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("update_stroke_code", "%v", err)
	}
	sc, err := s.strokes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(sc.VisitID)
	defer unlock()
	if sc, err = s.strokes.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if err := ValidateActivationTransition(sc.Status, req.Status); err != nil {
		return nil, err
	}
	now := s.now()
	sc.Status = req.Status
	if req.Outcome != "" {
		sc.Outcome = req.Outcome
	}
	if req.NIHSS != nil {
		sc.NIHSS = req.NIHSS
	}
	if req.Status.IsClosed() {
		sc.DeactivationTime = &now
	}
	if err := s.strokes.Update(ctx, sc); err != nil {
		return nil, fmt.Errorf("update_stroke_code: %w", err)
	}
	s.publishActivation(ctx, sc.VisitID, "stroke_code.status_changed", sc.ID, string(sc.Status))
	return sc, nil
}

// Activations lists the trauma activations and stroke codes of a visit.
func (s *Service) Activations(ctx context.Context, visitID uuid.UUID) ([]*TraumaActivation, []*StrokeCode, error) {
	if _, err := s.visits.GetByID(ctx, visitID); err != nil {
		return nil, nil, err
	}
	ta, err := s.trauma.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	sc, err := s.strokes.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	return ta, sc, nil
}

// -- Sepsis --

type SepsisScreenRequest struct {
	ScreenedBy string   `json:"screened_by" validate:"required"`
	Vitals     *Vitals  `json:"vitals,omitempty"`
	WBC        *float64 `json:"wbc,omitempty" validate:"omitempty,gte=0,lte=500"`
}

// ScreenForSepsis re-runs the sepsis screen against the latest vitals, or
// the vitals supplied with the request, which are appended first. A bundle
// already started is kept as is.
func (s *Service) ScreenForSepsis(ctx context.Context, visitID uuid.UUID, req SepsisScreenRequest) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError("screen_for_sepsis", "%v", err)
	}
	before, after, err := s.mutate(ctx, visitID, "screen_for_sepsis", func(v *Visit, now time.Time) error {
		if req.Vitals != nil {
			vitals := *req.Vitals
			vitals.ID = uuid.New()
			vitals.RecordedAt = now
			vitals.RecordedBy = req.ScreenedBy
			v.Vitals = append(v.Vitals, vitals)
		}
		latest, ok := v.LatestVitals()
		if !ok {
			return validationError("screen_for_sepsis", "no vitals recorded for visit %s", v.ID)
		}
		screening := ScreenSepsis(s.rules, SepsisInput{ChiefComplaint: v.ChiefComplaint, Vitals: latest, WBC: req.WBC}, now)
		if v.Sepsis != nil && len(v.Sepsis.Bundle) > 0 {
			screening.Bundle = v.Sepsis.Bundle
		}
		v.Sepsis = &screening
		if screening.SepsisLikely {
			v.Flags.IsSepsis = true
			if !v.hasOpenAlert(AlertSepsis) {
				v.Alerts = append(v.Alerts, sepsisAlert(now))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.afterCommit(ctx, before, after, "sepsis.screened"), nil
}

// -- Reads --

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.visits.GetByID(ctx, id)
}

func (s *Service) ListVisits(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	return s.visits.List(ctx, f, limit, offset)
}

// GetEDMetrics summarizes the active visits. Bed availability is included
// when the inventory answers; its failure does not fail the call.
func (s *Service) GetEDMetrics(ctx context.Context) (EDMetrics, error) {
	active, err := s.visits.ListActive(ctx)
	if err != nil {
		return EDMetrics{}, fmt.Errorf("get_ed_metrics: %w", err)
	}
	m := ComputeMetrics(active, s.now())
	if s.deps.Beds != nil {
		beds, err := s.deps.Beds.GetAvailableBeds(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("bed inventory unavailable for metrics")
		} else {
			m.AvailableBeds = make(map[Zone]int, len(beds))
			for zone, ids := range beds {
				m.AvailableBeds[zone] = len(ids)
			}
		}
	}
	s.deps.Recorder.ObserveBoard(m.Census, m.CriticalPatients, m.Waiting, m.AverageWaitMinutes)
	return m, nil
}

// GetPatientTrackingBoard lists active visits for the department board.
func (s *Service) GetPatientTrackingBoard(ctx context.Context) ([]BoardRow, error) {
	active, err := s.visits.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("get_tracking_board: %w", err)
	}
	return TrackingBoard(active, s.now()), nil
}

// keyedMutex serializes work per visit and drops idle locks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

func (k *keyedMutex) Lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

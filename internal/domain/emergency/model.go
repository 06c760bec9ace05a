package emergency

import (
	"time"

	"github.com/google/uuid"
)

// VisitStatus is the lifecycle state of an ED visit.
type VisitStatus string

const (
	StatusArrived                  VisitStatus = "arrived"
	StatusWaitingTriage            VisitStatus = "waiting_triage"
	StatusTriaged                  VisitStatus = "triaged"
	StatusWaitingBed               VisitStatus = "waiting_bed"
	StatusInTreatment              VisitStatus = "in_treatment"
	StatusAwaitingResults          VisitStatus = "awaiting_results"
	StatusAwaitingConsult          VisitStatus = "awaiting_consult"
	StatusAwaitingAdmission        VisitStatus = "awaiting_admission"
	StatusAwaitingDischarge        VisitStatus = "awaiting_discharge"
	StatusDischarged               VisitStatus = "discharged"
	StatusAdmitted                 VisitStatus = "admitted"
	StatusTransferred              VisitStatus = "transferred"
	StatusLeftWithoutBeingSeen     VisitStatus = "left_without_being_seen"
	StatusLeftAgainstMedicalAdvice VisitStatus = "left_against_medical_advice"
	StatusDeceased                 VisitStatus = "deceased"
)

// IsTerminal reports whether no further transitions are permitted.
func (s VisitStatus) IsTerminal() bool {
	switch s {
	case StatusDischarged, StatusAdmitted, StatusTransferred,
		StatusLeftWithoutBeingSeen, StatusLeftAgainstMedicalAdvice, StatusDeceased:
		return true
	}
	return false
}

// IsWaiting reports whether the patient is still waiting to be treated.
func (s VisitStatus) IsWaiting() bool {
	switch s {
	case StatusArrived, StatusWaitingTriage, StatusTriaged, StatusWaitingBed:
		return true
	}
	return false
}

type ArrivalMode string

const (
	ArrivalWalkIn     ArrivalMode = "walk_in"
	ArrivalAmbulance  ArrivalMode = "ambulance"
	ArrivalHelicopter ArrivalMode = "helicopter"
	ArrivalPolice     ArrivalMode = "police"
	ArrivalTransfer   ArrivalMode = "transfer"
)

type Zone string

const (
	ZoneResuscitation Zone = "resuscitation"
	ZoneTrauma        Zone = "trauma"
	ZoneAcute         Zone = "acute"
	ZoneBehavioral    Zone = "behavioral"
	ZoneFastTrack     Zone = "fast_track"
	ZoneMain          Zone = "main"
	ZoneWaiting       Zone = "waiting"
)

type BedType string

const (
	BedTypeBed        BedType = "bed"
	BedTypeTraumaBay  BedType = "trauma_bay"
	BedTypeChair      BedType = "chair"
	BedTypeResusBay   BedType = "resus_bay"
	BedTypeSafeRoom   BedType = "safe_room"
	BedTypeMonitored  BedType = "monitored_bed"
	BedTypeUnassigned BedType = ""
)

// Location is where the patient physically is. A patient queued for a bed
// has Zone "waiting" and an empty BedID.
type Location struct {
	Zone       Zone      `json:"zone"`
	BedID      string    `json:"bed_id,omitempty"`
	Type       BedType   `json:"type,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Flags groups the boolean clinical markers carried by a visit.
type Flags struct {
	IsTrauma      bool `json:"is_trauma"`
	IsStroke      bool `json:"is_stroke"`
	IsSepsis      bool `json:"is_sepsis"`
	IsSTEMI       bool `json:"is_stemi"`
	IsPediatric   bool `json:"is_pediatric"`
	IsGeriatric   bool `json:"is_geriatric"`
	IsPsychiatric bool `json:"is_psychiatric"`
}

// Vitals is an immutable observation. Pointer fields are nil when not measured.
type Vitals struct {
	ID               uuid.UUID `json:"id"`
	RecordedAt       time.Time `json:"recorded_at"`
	RecordedBy       string    `json:"recorded_by,omitempty"`
	HeartRate        *int      `json:"heart_rate,omitempty" validate:"omitempty,gte=0,lte=300"`
	SystolicBP       *int      `json:"systolic_bp,omitempty" validate:"omitempty,gte=0,lte=320"`
	DiastolicBP      *int      `json:"diastolic_bp,omitempty" validate:"omitempty,gte=0,lte=250"`
	RespiratoryRate  *int      `json:"respiratory_rate,omitempty" validate:"omitempty,gte=0,lte=80"`
	Temperature      *float64  `json:"temperature,omitempty" validate:"omitempty,gte=25,lte=45"`
	OxygenSaturation *int      `json:"oxygen_saturation,omitempty" validate:"omitempty,gte=0,lte=100"`
	GlasgowComaScale *int      `json:"glasgow_coma_scale,omitempty" validate:"omitempty,gte=3,lte=15"`
	PainScore        *int      `json:"pain_score,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// gcs returns the recorded GCS, treating an unrecorded score as normal.
func (v Vitals) gcs() int {
	if v.GlasgowComaScale == nil {
		return 15
	}
	return *v.GlasgowComaScale
}

type AssessmentType string

const (
	AssessmentInitial      AssessmentType = "initial"
	AssessmentReassessment AssessmentType = "reassessment"
)

type Assessment struct {
	ID             uuid.UUID      `json:"id"`
	Type           AssessmentType `json:"type"`
	PerformedBy    string         `json:"performed_by"`
	PerformedAt    time.Time      `json:"performed_at"`
	ChiefComplaint string         `json:"chief_complaint"`
	History        string         `json:"history,omitempty"`
	TriageLevel    int            `json:"triage_level,omitempty"`
	TriageScore    int            `json:"triage_score,omitempty"`
	Reasons        []string       `json:"reasons,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

type AlertType string

const (
	AlertStroke                AlertType = "stroke_alert"
	AlertSTEMI                 AlertType = "stemi_alert"
	AlertSepsis                AlertType = "sepsis_alert"
	AlertTrauma                AlertType = "trauma_alert"
	AlertCriticalResult        AlertType = "critical_result"
	AlertImmediateIntervention AlertType = "immediate_intervention"
	AlertAbnormalVitals        AlertType = "abnormal_vitals"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is owned by its visit. AcknowledgedAt never precedes TriggeredAt and
// ResolvedAt never precedes AcknowledgedAt; an alert resolved without
// acknowledgment carries AutoResolved.
type Alert struct {
	ID             uuid.UUID  `json:"id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	AutoResolved   bool       `json:"auto_resolved"`
}

type OrderType string

const (
	OrderLab        OrderType = "lab"
	OrderImaging    OrderType = "imaging"
	OrderMedication OrderType = "medication"
	OrderProcedure  OrderType = "procedure"
	OrderConsult    OrderType = "consult"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

type OrderPriority string

const (
	PriorityStat    OrderPriority = "stat"
	PriorityUrgent  OrderPriority = "urgent"
	PriorityRoutine OrderPriority = "routine"
)

// Order is a lab/imaging/medication/procedure/consult request. CompletedAt and
// Result are set only once Status is completed.
type Order struct {
	ID          uuid.UUID     `json:"id"`
	Type        OrderType     `json:"type"`
	Name        string        `json:"name"`
	Priority    OrderPriority `json:"priority"`
	Status      OrderStatus   `json:"status"`
	OrderedBy   string        `json:"ordered_by"`
	OrderedAt   time.Time     `json:"ordered_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	Result      string        `json:"result,omitempty"`
	IsCritical  bool          `json:"is_critical"`
	Routed      bool          `json:"routed"`
}

type Intervention struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	PerformedBy string    `json:"performed_by"`
	PerformedAt time.Time `json:"performed_at"`
}

type ConsultationStatus string

const (
	ConsultRequested ConsultationStatus = "requested"
	ConsultCompleted ConsultationStatus = "completed"
	ConsultCancelled ConsultationStatus = "cancelled"
)

type Consultation struct {
	ID              uuid.UUID          `json:"id"`
	Specialty       string             `json:"specialty"`
	Reason          string             `json:"reason,omitempty"`
	RequestedBy     string             `json:"requested_by"`
	RequestedAt     time.Time          `json:"requested_at"`
	Status          ConsultationStatus `json:"status"`
	ConsultantID    string             `json:"consultant_id,omitempty"`
	Recommendations string             `json:"recommendations,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

type Note struct {
	ID        uuid.UUID `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type DispositionType string

const (
	DispositionDischargeHome         DispositionType = "discharge_home"
	DispositionDischargeWithServices DispositionType = "discharge_with_services"
	DispositionAdmitFloor            DispositionType = "admit_floor"
	DispositionAdmitTelemetry        DispositionType = "admit_telemetry"
	DispositionAdmitICU              DispositionType = "admit_icu"
	DispositionAdmitObservation      DispositionType = "admit_observation"
	DispositionAdmitOR               DispositionType = "admit_or"
	DispositionTransfer              DispositionType = "transfer"
	DispositionAMA                   DispositionType = "ama"
	DispositionLWBS                  DispositionType = "lwbs"
	DispositionDeceased              DispositionType = "deceased"
)

type Disposition struct {
	Type        DispositionType `json:"type"`
	Destination string          `json:"destination,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   time.Time       `json:"decided_at"`
	Notes       string          `json:"notes,omitempty"`
}

// StatusChange records one entry of a visit's status history.
type StatusChange struct {
	From      VisitStatus `json:"from"`
	To        VisitStatus `json:"to"`
	ChangedAt time.Time   `json:"changed_at"`
	ChangedBy string      `json:"changed_by,omitempty"`
}

type BundleItemStatus string

const (
	BundlePending       BundleItemStatus = "pending"
	BundleCompleted     BundleItemStatus = "completed"
	BundleNotApplicable BundleItemStatus = "not_applicable"
)

// BundleItem is a time-bounded mandatory action. Breach is derived on read
// from (now, DueTime, Status), never stored.
type BundleItem struct {
	ID          uuid.UUID        `json:"id"`
	Code        string           `json:"code"`
	Description string           `json:"description"`
	DueTime     time.Time        `json:"due_time"`
	Status      BundleItemStatus `json:"status"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CompletedBy string           `json:"completed_by,omitempty"`
}

// SepsisScreening is the outcome of one SIRS/qSOFA evaluation.
type SepsisScreening struct {
	ScreenedAt         time.Time    `json:"screened_at"`
	SIRSCriteria       SIRSCriteria `json:"sirs_criteria"`
	SIRSCount          int          `json:"sirs_count"`
	SIRSPositive       bool         `json:"sirs_positive"`
	QSOFAScore         int          `json:"qsofa_score"`
	SuspectedInfection bool         `json:"suspected_infection"`
	SepsisLikely       bool         `json:"sepsis_likely"`
	Bundle             []BundleItem `json:"bundle,omitempty"`
}

type SIRSCriteria struct {
	Temperature     bool `json:"temperature"`
	HeartRate       bool `json:"heart_rate"`
	RespiratoryRate bool `json:"respiratory_rate"`
	WBC             bool `json:"wbc"`
}

// Visit is one ED encounter. Mutated only through Service operations.
type Visit struct {
	ID                  uuid.UUID        `json:"id"`
	PatientID           uuid.UUID        `json:"patient_id"`
	ArrivalTime         time.Time        `json:"arrival_time"`
	ArrivalMode         ArrivalMode      `json:"arrival_mode"`
	ChiefComplaint      string           `json:"chief_complaint"`
	Age                 *int             `json:"age,omitempty"`
	TriageLevel         int              `json:"triage_level"`
	TriageScore         int              `json:"triage_score"`
	TriageTime          *time.Time       `json:"triage_time,omitempty"`
	TriageNurseID       string           `json:"triage_nurse_id,omitempty"`
	AttendingID         string           `json:"attending_id,omitempty"`
	Status              VisitStatus      `json:"status"`
	Location            *Location        `json:"location,omitempty"`
	RecommendedLocation *Location        `json:"recommended_location,omitempty"`
	Flags               Flags            `json:"flags"`
	Vitals              []Vitals         `json:"vitals"`
	Assessments         []Assessment     `json:"assessments"`
	Orders              []Order          `json:"orders"`
	Interventions       []Intervention   `json:"interventions"`
	Consultations       []Consultation   `json:"consultations"`
	Alerts              []Alert          `json:"alerts"`
	Notes               []Note           `json:"notes"`
	StatusHistory       []StatusChange   `json:"status_history"`
	Sepsis              *SepsisScreening `json:"sepsis,omitempty"`
	Disposition         *Disposition     `json:"disposition,omitempty"`
	DischargeTime       *time.Time       `json:"discharge_time,omitempty"`
	LengthOfStayMins    *int             `json:"length_of_stay_mins,omitempty"`
	Version             int64            `json:"version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so that a failed mutation never leaks into the
// stored visit.
func (v *Visit) Clone() *Visit {
	if v == nil {
		return nil
	}
	c := *v
	c.Vitals = append([]Vitals(nil), v.Vitals...)
	c.Assessments = make([]Assessment, len(v.Assessments))
	for i, a := range v.Assessments {
		a.Reasons = append([]string(nil), a.Reasons...)
		c.Assessments[i] = a
	}
	c.Orders = append([]Order(nil), v.Orders...)
	c.Interventions = append([]Intervention(nil), v.Interventions...)
	c.Consultations = append([]Consultation(nil), v.Consultations...)
	c.Alerts = append([]Alert(nil), v.Alerts...)
	c.Notes = append([]Note(nil), v.Notes...)
	c.StatusHistory = append([]StatusChange(nil), v.StatusHistory...)
	if v.Location != nil {
		loc := *v.Location
		c.Location = &loc
	}
	if v.RecommendedLocation != nil {
		loc := *v.RecommendedLocation
		c.RecommendedLocation = &loc
	}
	if v.Sepsis != nil {
		s := *v.Sepsis
		s.Bundle = append([]BundleItem(nil), v.Sepsis.Bundle...)
		c.Sepsis = &s
	}
	if v.Disposition != nil {
		d := *v.Disposition
		c.Disposition = &d
	}
	return &c
}

// LatestVitals returns the most recently appended vitals, if any.
func (v *Visit) LatestVitals() (Vitals, bool) {
	if len(v.Vitals) == 0 {
		return Vitals{}, false
	}
	return v.Vitals[len(v.Vitals)-1], true
}

type ActivationStatus string

const (
	ActivationPending    ActivationStatus = "pending"
	ActivationArrived    ActivationStatus = "arrived"
	ActivationInProgress ActivationStatus = "in_progress"
	ActivationCompleted  ActivationStatus = "completed"
	ActivationCancelled  ActivationStatus = "cancelled"
)

func (s ActivationStatus) IsClosed() bool {
	return s == ActivationCompleted || s == ActivationCancelled
}

// TeamMember is a paged member of an activated team.
type TeamMember struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Pager   string `json:"pager,omitempty"`
}

// TraumaActivation is linked to at most one visit and cannot outlive it.
type TraumaActivation struct {
	ID                uuid.UUID        `json:"id"`
	VisitID           uuid.UUID        `json:"visit_id"`
	PatientID         uuid.UUID        `json:"patient_id"`
	ActivationLevel   string           `json:"activation_level"`
	Status            ActivationStatus `json:"status"`
	ActivationTime    time.Time        `json:"activation_time"`
	DeactivationTime  *time.Time       `json:"deactivation_time,omitempty"`
	MechanismOfInjury string           `json:"mechanism_of_injury,omitempty"`
	ActivatedBy       string           `json:"activated_by,omitempty"`
	Team              []TeamMember     `json:"team,omitempty"`
	Outcome           string           `json:"outcome,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// StrokeCode is linked to at most one visit and cannot outlive it.
type StrokeCode struct {
	ID               uuid.UUID        `json:"id"`
	VisitID          uuid.UUID        `json:"visit_id"`
	PatientID        uuid.UUID        `json:"patient_id"`
	Status           ActivationStatus `json:"status"`
	ActivationTime   time.Time        `json:"activation_time"`
	DeactivationTime *time.Time       `json:"deactivation_time,omitempty"`
	LastKnownWell    *time.Time       `json:"last_known_well,omitempty"`
	NIHSS            *int             `json:"nihss,omitempty"`
	ActivatedBy      string           `json:"activated_by,omitempty"`
	Team             []TeamMember     `json:"team,omitempty"`
	Outcome          string           `json:"outcome,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (t *TraumaActivation) Clone() *TraumaActivation {
	c := *t
	c.Team = append([]TeamMember(nil), t.Team...)
	if t.DeactivationTime != nil {
		d := *t.DeactivationTime
		c.DeactivationTime = &d
	}
	return &c
}

func (s *StrokeCode) Clone() *StrokeCode {
	c := *s
	c.Team = append([]TeamMember(nil), s.Team...)
	if s.DeactivationTime != nil {
		d := *s.DeactivationTime
		c.DeactivationTime = &d
	}
	return &c
}

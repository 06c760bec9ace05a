package emergency

import (
	"time"

	"github.com/google/uuid"
)

type ActivationKind string

const (
	ActivationStroke ActivationKind = "stroke"
	ActivationTrauma ActivationKind = "trauma"
)

// Trauma activation tiers.
const (
	TraumaLevel1 = "level_1"
	TraumaLevel2 = "level_2"
)

// ActivationRequest asks the service to create a stroke code or trauma
// activation and page the team.
type ActivationRequest struct {
	Kind   ActivationKind `json:"kind"`
	Level  string         `json:"level,omitempty"`
	Reason string         `json:"reason"`
}

// Detection is the combined output of the protocol detectors for one
// assessment.
type Detection struct {
	Flags       Flags               `json:"flags"`
	Alerts      []Alert             `json:"alerts"`
	Activations []ActivationRequest `json:"activations,omitempty"`
	Sepsis      *SepsisScreening    `json:"sepsis,omitempty"`
	Protocols   []string            `json:"protocols,omitempty"`
}

func newAlert(t AlertType, sev Severity, msg string, at time.Time) Alert {
	return Alert{
		ID:          uuid.New(),
		Type:        t,
		Severity:    sev,
		Message:     msg,
		TriggeredAt: at,
	}
}

// DetectProtocols runs every protocol detector independently against the
// assessment. Each detector yields at most one alert.
func DetectProtocols(rs *RuleSet, a *TriageAssessment, now time.Time) Detection {
	var d Detection
	complaint := a.ChiefComplaint

	if rs.protocol(ruleStroke).Match(complaint) {
		d.Flags.IsStroke = true
		d.Protocols = append(d.Protocols, ruleStroke)
		d.Alerts = append(d.Alerts, newAlert(AlertStroke, SeverityCritical,
			"Possible stroke: activate stroke code, obtain CT head and last known well time", now))
		d.Activations = append(d.Activations, ActivationRequest{Kind: ActivationStroke, Reason: complaint})
	}

	if rs.protocol(ruleSTEMI).Match(complaint) {
		d.Protocols = append(d.Protocols, ruleSTEMI)
		d.Alerts = append(d.Alerts, newAlert(AlertSTEMI, SeverityWarning,
			"Possible STEMI: obtain 12-lead ECG within 10 minutes", now))
	}

	if rs.protocol(ruleTrauma).Match(complaint) {
		d.Flags.IsTrauma = true
		d.Protocols = append(d.Protocols, ruleTrauma)
		level := TraumaActivationLevel(a.Vitals)
		d.Alerts = append(d.Alerts, newAlert(AlertTrauma, SeverityCritical,
			"Trauma activation "+level+": trauma team to bay", now))
		d.Activations = append(d.Activations, ActivationRequest{Kind: ActivationTrauma, Level: level, Reason: complaint})
	}

	if rs.protocol(rulePsychiatric).Match(complaint) {
		d.Flags.IsPsychiatric = true
		d.Protocols = append(d.Protocols, rulePsychiatric)
	}

	screening := ScreenSepsis(rs, SepsisInput{ChiefComplaint: complaint, Vitals: a.Vitals, WBC: a.WBC}, now)
	d.Sepsis = &screening
	if screening.SepsisLikely {
		d.Flags.IsSepsis = true
		d.Protocols = append(d.Protocols, "sepsis")
		d.Alerts = append(d.Alerts, sepsisAlert(now))
	}
	return d
}

func sepsisAlert(now time.Time) Alert {
	return newAlert(AlertSepsis, SeverityCritical,
		"Sepsis likely: start hour-1 bundle (lactate, cultures, antibiotics, fluids)", now)
}

// TraumaActivationLevel selects the highest tier when physiology is
// deranged: GCS <= 8, systolic BP < 90, or respiratory rate outside [10,29].
func TraumaActivationLevel(v Vitals) string {
	if v.gcs() <= 8 {
		return TraumaLevel1
	}
	if v.SystolicBP != nil && *v.SystolicBP < 90 {
		return TraumaLevel1
	}
	if v.RespiratoryRate != nil && (*v.RespiratoryRate < 10 || *v.RespiratoryRate > 29) {
		return TraumaLevel1
	}
	return TraumaLevel2
}

// SepsisInput carries what the sepsis screen reads.
type SepsisInput struct {
	ChiefComplaint string   `json:"chief_complaint"`
	Vitals         Vitals   `json:"vitals"`
	WBC            *float64 `json:"wbc,omitempty"`
}

// Sepsis bundle item codes.
const (
	BundleLactate       = "lactate"
	BundleBloodCultures = "blood_cultures"
	BundleAntibiotics   = "antibiotics"
	BundleFluids        = "fluids"
)

type bundleTemplate struct {
	code        string
	description string
	due         time.Duration
}

var sepsisBundle = []bundleTemplate{
	{BundleLactate, "Measure lactate level", time.Hour},
	{BundleBloodCultures, "Obtain blood cultures before antibiotics", time.Hour},
	{BundleAntibiotics, "Administer broad-spectrum antibiotics", time.Hour},
	{BundleFluids, "Administer 30 mL/kg crystalloid for hypotension or lactate >= 4", 3 * time.Hour},
}

// ScreenSepsis evaluates SIRS and qSOFA. Unmeasured values count as normal.
func ScreenSepsis(rs *RuleSet, in SepsisInput, now time.Time) SepsisScreening {
	v := in.Vitals
	s := SepsisScreening{ScreenedAt: now}

	if v.Temperature != nil && (*v.Temperature < 36 || *v.Temperature > 38) {
		s.SIRSCriteria.Temperature = true
	}
	if v.HeartRate != nil && *v.HeartRate > 90 {
		s.SIRSCriteria.HeartRate = true
	}
	if v.RespiratoryRate != nil && *v.RespiratoryRate > 20 {
		s.SIRSCriteria.RespiratoryRate = true
	}
	if in.WBC != nil && (*in.WBC < 4 || *in.WBC > 12) {
		s.SIRSCriteria.WBC = true
	}
	for _, met := range []bool{s.SIRSCriteria.Temperature, s.SIRSCriteria.HeartRate, s.SIRSCriteria.RespiratoryRate, s.SIRSCriteria.WBC} {
		if met {
			s.SIRSCount++
		}
	}
	s.SIRSPositive = s.SIRSCount >= 2

	if v.RespiratoryRate != nil && *v.RespiratoryRate >= 22 {
		s.QSOFAScore++
	}
	if v.gcs() < 15 {
		s.QSOFAScore++
	}
	if v.SystolicBP != nil && *v.SystolicBP <= 100 {
		s.QSOFAScore++
	}

	s.SuspectedInfection = rs.protocol(ruleSuspectedInfection).Match(in.ChiefComplaint)
	s.SepsisLikely = (s.SIRSPositive || s.QSOFAScore >= 2) && s.SuspectedInfection
	if s.SepsisLikely {
		s.Bundle = newSepsisBundle(now)
	}
	return s
}

func newSepsisBundle(now time.Time) []BundleItem {
	items := make([]BundleItem, 0, len(sepsisBundle))
	for _, t := range sepsisBundle {
		items = append(items, BundleItem{
			ID:          uuid.New(),
			Code:        t.code,
			Description: t.description,
			DueTime:     now.Add(t.due),
			Status:      BundlePending,
		})
	}
	return items
}

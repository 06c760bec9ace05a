package emergency

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type AcuityImpact string

const (
	ImpactIncrease AcuityImpact = "increase"
	ImpactDecrease AcuityImpact = "decrease"
)

// AcuityFactor is a weighted clinical modifier supplied by the triage nurse.
type AcuityFactor struct {
	Name   string       `json:"name" validate:"required"`
	Impact AcuityImpact `json:"impact" validate:"required,oneof=increase decrease"`
	Points int          `json:"points" validate:"gte=0,lte=100"`
}

// TriageAssessment is the input to triage scoring and protocol detection.
type TriageAssessment struct {
	ChiefComplaint    string         `json:"chief_complaint" validate:"required"`
	History           string         `json:"history,omitempty"`
	Vitals            Vitals         `json:"vitals"`
	AcuityFactors     []AcuityFactor `json:"acuity_factors,omitempty" validate:"dive"`
	Immunocompromised bool           `json:"immunocompromised"`
	Pregnant          bool           `json:"pregnant"`
	WBC               *float64       `json:"wbc,omitempty" validate:"omitempty,gte=0,lte=500"`
}

// TriageResult is the scored acuity. Level 1 is most acute.
type TriageResult struct {
	Level         int      `json:"level"`
	Score         int      `json:"score"`
	Reasons       []string `json:"reasons"`
	VitalSubScore int      `json:"vital_sub_score"`
	ShortCircuit  bool     `json:"short_circuit"`
}

const (
	minLevel = 1
	maxLevel = 5
	minScore = 0
	maxScore = 100
)

// Validate checks that the assessment carries the vitals scoring depends on.
func (a *TriageAssessment) Validate() error {
	if err := validate.Struct(a); err != nil {
		return validationError("triage", "%v", err)
	}
	var missing []string
	v := a.Vitals
	if v.HeartRate == nil {
		missing = append(missing, "heart_rate")
	}
	if v.SystolicBP == nil {
		missing = append(missing, "systolic_bp")
	}
	if v.RespiratoryRate == nil {
		missing = append(missing, "respiratory_rate")
	}
	if v.OxygenSaturation == nil {
		missing = append(missing, "oxygen_saturation")
	}
	if v.Temperature == nil {
		missing = append(missing, "temperature")
	}
	if len(missing) > 0 {
		return validationError("triage", "missing required vitals: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ScoreTriage maps an assessment to a triage level and score. It has no side
// effects; the same input always yields the same result.
func ScoreTriage(rs *RuleSet, a *TriageAssessment) (TriageResult, error) {
	if err := a.Validate(); err != nil {
		return TriageResult{}, err
	}
	v := a.Vitals

	if reasons := immediateThreats(rs, a); len(reasons) > 0 {
		return TriageResult{Level: 1, Score: 100, Reasons: reasons, ShortCircuit: true}, nil
	}
	if reasons := highRisk(rs, a); len(reasons) > 0 {
		return TriageResult{Level: 2, Score: 80, Reasons: reasons, ShortCircuit: true}, nil
	}

	buckets := rs.ResourceBuckets.Matches(a.ChiefComplaint)
	res := TriageResult{}
	switch n := len(buckets); {
	case n >= 2:
		res.Level, res.Score = 3, 60
	case n == 1:
		res.Level, res.Score = 4, 40
	default:
		res.Level, res.Score = 5, 20
	}
	for _, b := range buckets {
		res.Reasons = append(res.Reasons, "resource:"+b)
	}

	sub, vitalReasons := VitalSubScore(v)
	if sub > 0 {
		res.VitalSubScore = sub
		res.Level = decrementLevel(res.Level)
		res.Score += sub
		res.Reasons = append(res.Reasons, vitalReasons...)
	}

	for _, f := range a.AcuityFactors {
		switch f.Impact {
		case ImpactIncrease:
			res.Score += f.Points
			if f.Points >= 20 && res.Level > 2 {
				res.Level = decrementLevel(res.Level)
			}
			res.Reasons = append(res.Reasons, fmt.Sprintf("acuity:+%d %s", f.Points, f.Name))
		case ImpactDecrease:
			res.Score -= f.Points
			res.Reasons = append(res.Reasons, fmt.Sprintf("acuity:-%d %s", f.Points, f.Name))
		}
	}

	res.Score = clamp(res.Score, minScore, maxScore)
	res.Level = clamp(res.Level, minLevel, maxLevel)
	return res, nil
}

func immediateThreats(rs *RuleSet, a *TriageAssessment) []string {
	v := a.Vitals
	var reasons []string
	if gcs := v.gcs(); gcs <= 8 {
		reasons = append(reasons, fmt.Sprintf("gcs %d <= 8", gcs))
	}
	if *v.HeartRate == 0 {
		reasons = append(reasons, "heart rate 0")
	}
	if *v.RespiratoryRate == 0 {
		reasons = append(reasons, "respiratory rate 0")
	}
	if *v.OxygenSaturation < 85 {
		reasons = append(reasons, fmt.Sprintf("spo2 %d < 85", *v.OxygenSaturation))
	}
	if rs.gate(ruleImmediateThreat).Match(a.ChiefComplaint) {
		reasons = append(reasons, ruleImmediateThreat)
	}
	return reasons
}

func highRisk(rs *RuleSet, a *TriageAssessment) []string {
	v := a.Vitals
	var reasons []string
	if gcs := v.gcs(); gcs < 15 {
		reasons = append(reasons, fmt.Sprintf("gcs %d < 15", gcs))
	}
	if v.PainScore != nil && *v.PainScore >= 8 {
		reasons = append(reasons, fmt.Sprintf("pain %d >= 8", *v.PainScore))
	}
	if rs.gate(ruleHighRisk).Match(a.ChiefComplaint) {
		reasons = append(reasons, ruleHighRisk)
	}
	if a.Immunocompromised && *v.Temperature >= 38 {
		reasons = append(reasons, "immunocompromised febrile")
	}
	return reasons
}

type vitalBracket struct {
	name        string
	mildLow     float64
	mildHigh    float64
	severeLow   float64
	severeHigh  float64
	mildPoints  int
	severePoint int
}

var vitalBrackets = []vitalBracket{
	{name: "heart rate", mildLow: 50, mildHigh: 120, severeLow: 40, severeHigh: 150, mildPoints: 10, severePoint: 20},
	{name: "systolic bp", mildLow: 90, mildHigh: 180, severeLow: 80, severeHigh: 200, mildPoints: 10, severePoint: 20},
	{name: "respiratory rate", mildLow: 10, mildHigh: 24, severeLow: 8, severeHigh: 30, mildPoints: 10, severePoint: 20},
	{name: "temperature", mildLow: 36, mildHigh: 38.5, severeLow: 35, severeHigh: 40, mildPoints: 5, severePoint: 15},
}

// VitalSubScore sums the abnormality points of each vital sign. Each vital
// contributes only its worst bracket. Unrecorded vitals contribute nothing.
func VitalSubScore(v Vitals) (int, []string) {
	values := []*float64{intPtrToFloat(v.HeartRate), intPtrToFloat(v.SystolicBP), intPtrToFloat(v.RespiratoryRate), v.Temperature}
	total := 0
	var reasons []string
	for i, b := range vitalBrackets {
		x := values[i]
		if x == nil {
			continue
		}
		switch {
		case *x < b.severeLow || *x > b.severeHigh:
			total += b.severePoint
			reasons = append(reasons, fmt.Sprintf("%s %g severe", b.name, *x))
		case *x < b.mildLow || *x > b.mildHigh:
			total += b.mildPoints
			reasons = append(reasons, fmt.Sprintf("%s %g abnormal", b.name, *x))
		}
	}
	if v.OxygenSaturation != nil {
		switch spo2 := *v.OxygenSaturation; {
		case spo2 < 90:
			total += 20
			reasons = append(reasons, fmt.Sprintf("spo2 %d severe", spo2))
		case spo2 < 94:
			total += 10
			reasons = append(reasons, fmt.Sprintf("spo2 %d abnormal", spo2))
		}
	}
	return total, reasons
}

func intPtrToFloat(p *int) *float64 {
	if p == nil {
		return nil
	}
	f := float64(*p)
	return &f
}

func decrementLevel(level int) int {
	if level <= minLevel {
		return minLevel
	}
	return level - 1
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

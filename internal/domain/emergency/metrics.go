package emergency

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// EDMetrics is a point-in-time summary of the active visits.
type EDMetrics struct {
	GeneratedAt         time.Time           `json:"generated_at"`
	Census              int                 `json:"census"`
	Waiting             int                 `json:"waiting"`
	InTreatment         int                 `json:"in_treatment"`
	Awaiting            int                 `json:"awaiting"`
	StatusCounts        map[VisitStatus]int `json:"status_counts"`
	AverageWaitMinutes  float64             `json:"average_wait_minutes"`
	LongestWaitMinutes  int                 `json:"longest_wait_minutes"`
	LevelCounts         map[int]int         `json:"level_counts"`
	Untriaged           int                 `json:"untriaged"`
	CriticalPatients    int                 `json:"critical_patients"`
	OpenAlerts          int                 `json:"open_alerts"`
	BreachedBundleItems int                 `json:"breached_bundle_items"`
	AvailableBeds       map[Zone]int        `json:"available_beds,omitempty"`
}

// ComputeMetrics aggregates the given visits. Terminal visits are skipped.
// An empty input yields zero counts and a zero average.
func ComputeMetrics(visits []*Visit, now time.Time) EDMetrics {
	m := EDMetrics{
		GeneratedAt:  now,
		StatusCounts: make(map[VisitStatus]int),
		LevelCounts:  map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
	}
	var waitTotal time.Duration
	for _, v := range visits {
		if v.Status.IsTerminal() {
			continue
		}
		m.Census++
		m.StatusCounts[v.Status]++
		switch {
		case v.Status.IsWaiting():
			m.Waiting++
			wait := now.Sub(v.ArrivalTime)
			if wait < 0 {
				wait = 0
			}
			waitTotal += wait
			if mins := int(wait / time.Minute); mins > m.LongestWaitMinutes {
				m.LongestWaitMinutes = mins
			}
		case v.Status == StatusInTreatment:
			m.InTreatment++
		default:
			m.Awaiting++
		}
		if v.TriageTime == nil {
			m.Untriaged++
		} else {
			m.LevelCounts[v.TriageLevel]++
			if v.TriageLevel <= 2 {
				m.CriticalPatients++
			}
		}
		m.OpenAlerts += len(v.OpenAlerts())
		m.BreachedBundleItems += len(v.BreachedBundleItems(now))
	}
	if m.Waiting > 0 {
		m.AverageWaitMinutes = waitTotal.Minutes() / float64(m.Waiting)
	}
	return m
}

// BoardRow is one line of the patient tracking board.
type BoardRow struct {
	VisitID         uuid.UUID   `json:"visit_id"`
	PatientID       uuid.UUID   `json:"patient_id"`
	ChiefComplaint  string      `json:"chief_complaint"`
	TriageLevel     int         `json:"triage_level,omitempty"`
	Status          VisitStatus `json:"status"`
	Location        *Location   `json:"location,omitempty"`
	MinutesInED     int         `json:"minutes_in_ed"`
	OpenAlerts      int         `json:"open_alerts"`
	BreachedBundles int         `json:"breached_bundle_items"`
	Flags           Flags       `json:"flags"`
	AttendingID     string      `json:"attending_id,omitempty"`
}

// TrackingBoard lists active visits, most acute first. Untriaged visits sort
// after triaged ones; ties break on arrival time.
func TrackingBoard(visits []*Visit, now time.Time) []BoardRow {
	active := make([]*Visit, 0, len(visits))
	for _, v := range visits {
		if !v.Status.IsTerminal() {
			active = append(active, v)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		li, lj := boardLevel(active[i]), boardLevel(active[j])
		if li != lj {
			return li < lj
		}
		return active[i].ArrivalTime.Before(active[j].ArrivalTime)
	})
	rows := make([]BoardRow, 0, len(active))
	for _, v := range active {
		row := BoardRow{
			VisitID:         v.ID,
			PatientID:       v.PatientID,
			ChiefComplaint:  v.ChiefComplaint,
			Status:          v.Status,
			Location:        v.Location,
			OpenAlerts:      len(v.OpenAlerts()),
			BreachedBundles: len(v.BreachedBundleItems(now)),
			Flags:           v.Flags,
			AttendingID:     v.AttendingID,
		}
		if v.TriageTime != nil {
			row.TriageLevel = v.TriageLevel
		}
		if d := now.Sub(v.ArrivalTime); d > 0 {
			row.MinutesInED = int(d / time.Minute)
		}
		rows = append(rows, row)
	}
	return rows
}

func boardLevel(v *Visit) int {
	if v.TriageTime == nil {
		return maxLevel + 1
	}
	return v.TriageLevel
}

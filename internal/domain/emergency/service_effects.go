package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/notification"
	"github.com/ehr/edflow/internal/platform/websocket"
)

// Websocket topics.
const (
	TopicBoard  = "ed.board"
	TopicAlerts = "ed.alerts"
)

// Page templates registered with the notification template engine.
const (
	TemplateStrokeCode       = "stroke-code"
	TemplateTraumaActivation = "trauma-activation"
	TemplateCriticalResult   = "critical-result"
)

// afterCommit runs the side effects of a committed change. None of them can
// undo the commit; failures come back as warnings or are logged.
func (s *Service) afterCommit(ctx context.Context, before, after *Visit, event string) *Outcome {
	out := &Outcome{Visit: after}

	for _, a := range after.Alerts[len(before.Alerts):] {
		s.deps.Recorder.AlertRaised(string(a.Type), string(a.Severity))
		s.publishAlert(ctx, after, a)
	}

	if before.Status != after.Status {
		s.deps.Recorder.StatusChanged(string(after.Status))
		s.logger.Info().Str("visit_id", after.ID.String()).Str("from", string(before.Status)).
			Str("to", string(after.Status)).Msg("visit status changed")
	}

	prevBed := bedOf(before)
	if after.Status.IsTerminal() {
		out.Warnings = append(out.Warnings, s.closeVisit(ctx, after)...)
	} else if prevBed != "" && prevBed != bedOf(after) {
		if err := s.releaseBed(ctx, prevBed); err != nil {
			out.Warnings = append(out.Warnings, warningFrom(KindDependencyFailure, "previous bed %s not released: %v", prevBed, err))
		}
	}

	s.publish(ctx, after, event, nil)
	return out
}

func bedOf(v *Visit) string {
	if v == nil || v.Location == nil {
		return ""
	}
	return v.Location.BedID
}

// closeVisit releases the bed and cancels every open activation of a visit
// that has reached a terminal status.
func (s *Service) closeVisit(ctx context.Context, v *Visit) []Warning {
	var warnings []Warning
	if bed := bedOf(v); bed != "" {
		if err := s.releaseBed(ctx, bed); err != nil {
			warnings = append(warnings, warningFrom(KindDependencyFailure, "bed %s not released: %v", bed, err))
		}
	}

	now := s.now()
	outcome := "visit closed: " + string(v.Status)
	if err := s.cancelOpenActivations(ctx, v.ID, now, outcome); err != nil {
		s.logger.Error().Err(err).Str("visit_id", v.ID.String()).Msg("activation cascade failed")
		s.deps.Recorder.SideEffectFailed("activation_cascade")
		warnings = append(warnings, warningFrom(KindDependencyFailure, "open activations not closed: %v", err))
	}
	return warnings
}

func (s *Service) cancelOpenActivations(ctx context.Context, visitID uuid.UUID, now time.Time, outcome string) error {
	unlock := s.locks.Lock(visitID)
	defer unlock()

	var errs []error
	traumas, err := s.trauma.ListByVisit(ctx, visitID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range traumas {
		if t.Status.IsClosed() {
			continue
		}
		t.Status = ActivationCancelled
		t.DeactivationTime = &now
		t.Outcome = outcome
		if err := s.trauma.Update(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		s.publishActivation(ctx, visitID, "trauma.status_changed", t.ID, string(t.Status))
	}

	strokes, err := s.strokes.ListByVisit(ctx, visitID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, sc := range strokes {
		if sc.Status.IsClosed() {
			continue
		}
		sc.Status = ActivationCancelled
		sc.DeactivationTime = &now
		sc.Outcome = outcome
		if err := s.strokes.Update(ctx, sc); err != nil {
			errs = append(errs, err)
			continue
		}
		s.publishActivation(ctx, visitID, "stroke_code.status_changed", sc.ID, string(sc.Status))
	}
	return errors.Join(errs...)
}

func (s *Service) releaseBed(ctx context.Context, bedID string) error {
	if s.deps.Beds == nil {
		return nil
	}
	if err := s.deps.Beds.Release(ctx, bedID); err != nil {
		s.logger.Warn().Err(err).Str("bed_id", bedID).Msg("bed release failed")
		s.deps.Recorder.SideEffectFailed("bed_release")
		return err
	}
	return nil
}

// -- Live events --

type visitEvent struct {
	VisitID     uuid.UUID   `json:"visit_id"`
	PatientID   uuid.UUID   `json:"patient_id"`
	Status      VisitStatus `json:"status"`
	TriageLevel int         `json:"triage_level,omitempty"`
	Location    *Location   `json:"location,omitempty"`
	Flags       Flags       `json:"flags"`
	OpenAlerts  int         `json:"open_alerts"`
}

func (s *Service) publish(ctx context.Context, v *Visit, eventType string, data interface{}) {
	if data == nil {
		ev := visitEvent{
			VisitID:    v.ID,
			PatientID:  v.PatientID,
			Status:     v.Status,
			Location:   v.Location,
			Flags:      v.Flags,
			OpenAlerts: len(v.OpenAlerts()),
		}
		if v.TriageTime != nil {
			ev.TriageLevel = v.TriageLevel
		}
		data = ev
	}
	s.emit(ctx, TopicBoard, eventType, "EDVisit", v.ID, data)
}

func (s *Service) publishAlert(ctx context.Context, v *Visit, a Alert) {
	s.emit(ctx, TopicAlerts, "alert.raised", "EDVisit", v.ID, struct {
		VisitID uuid.UUID `json:"visit_id"`
		Alert   Alert     `json:"alert"`
	}{v.ID, a})
}

func (s *Service) publishActivation(ctx context.Context, visitID uuid.UUID, eventType string, id uuid.UUID, status string) {
	s.emit(ctx, TopicBoard, eventType, "EDActivation", id, map[string]string{
		"visit_id": visitID.String(),
		"status":   status,
	})
}

func (s *Service) emit(ctx context.Context, topic, eventType, resourceType string, id uuid.UUID, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	err = s.deps.Events.Publish(ctx, websocket.Event{
		Type:         eventType,
		Topic:        topic,
		ResourceType: resourceType,
		ResourceID:   id.String(),
		Timestamp:    s.now(),
		Data:         raw,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish event failed")
	}
}

// -- Paging --

// async runs job off the request path with its own deadline. Failures are
// logged and counted, never retried.
func (s *Service) async(visitID uuid.UUID, effect string, job func(ctx context.Context) error) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := job(ctx); err != nil {
			s.deps.Recorder.SideEffectFailed(effect)
			s.logger.Error().Err(err).Str("visit_id", visitID.String()).Str("effect", effect).Msg("notification failed")
		}
	}()
}

func (s *Service) pageTeam(v *Visit, kind ActivationKind, activationID uuid.UUID, data map[string]string) {
	team, template := TeamStroke, TemplateStrokeCode
	if kind == ActivationTrauma {
		team, template = TeamTrauma, TemplateTraumaActivation
	}
	visitID, patientID, complaint := v.ID, v.PatientID, v.ChiefComplaint
	location := ""
	if v.RecommendedLocation != nil {
		location = string(v.RecommendedLocation.Zone)
	}

	s.async(visitID, "page_"+team, func(ctx context.Context) error {
		if s.deps.Staff == nil {
			return errors.New("no staff directory configured")
		}
		members, err := s.deps.Staff.TeamMembers(ctx, team)
		if err != nil {
			return fmt.Errorf("resolve %s team: %w", team, err)
		}
		s.recordTeam(ctx, visitID, kind, activationID, members)

		fields := map[string]string{
			"visit_id":        visitID.String(),
			"patient_id":      patientID.String(),
			"chief_complaint": complaint,
			"location":        location,
		}
		for k, val := range data {
			fields[k] = val
		}
		pages := make([]notification.Page, 0, len(members))
		for _, m := range members {
			pages = append(pages, notification.Page{
				TemplateID: template,
				Recipient:  m.StaffID,
				Pager:      m.Pager,
				Priority:   notification.PriorityCritical,
				Data:       withRecipient(fields, m),
			})
		}
		if len(pages) == 0 {
			return fmt.Errorf("%s team has no members on call", team)
		}
		return s.deps.Notifier.Notify(ctx, pages...)
	})
}

func withRecipient(fields map[string]string, m TeamMember) map[string]string {
	out := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["recipient_name"] = m.Name
	out["recipient_role"] = m.Role
	return out
}

// recordTeam stores the paged team on the activation record.
func (s *Service) recordTeam(ctx context.Context, visitID uuid.UUID, kind ActivationKind, id uuid.UUID, members []TeamMember) {
	unlock := s.locks.Lock(visitID)
	defer unlock()
	var err error
	switch kind {
	case ActivationTrauma:
		var ta *TraumaActivation
		if ta, err = s.trauma.GetByID(ctx, id); err == nil {
			ta.Team = members
			err = s.trauma.Update(ctx, ta)
		}
	case ActivationStroke:
		var sc *StrokeCode
		if sc, err = s.strokes.GetByID(ctx, id); err == nil {
			sc.Team = members
			err = s.strokes.Update(ctx, sc)
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("activation_id", id.String()).Msg("team not recorded on activation")
	}
}

func (s *Service) pageCriticalResult(v *Visit, o Order) {
	visitID, attending := v.ID, v.AttendingID
	fields := map[string]string{
		"visit_id":   v.ID.String(),
		"patient_id": v.PatientID.String(),
		"order_name": o.Name,
		"result":     o.Result,
		"level":      strconv.Itoa(v.TriageLevel),
	}
	s.async(visitID, "page_critical_result", func(ctx context.Context) error {
		var members []TeamMember
		if s.deps.Staff != nil {
			all, err := s.deps.Staff.TeamMembers(ctx, TeamAttending)
			if err != nil && attending == "" {
				return fmt.Errorf("resolve attending: %w", err)
			}
			for _, m := range all {
				if attending == "" || m.StaffID == attending {
					members = append(members, m)
				}
			}
		}
		if len(members) == 0 && attending != "" {
			members = []TeamMember{{StaffID: attending, Role: "attending"}}
		}
		if len(members) == 0 {
			return errors.New("no physician to notify of critical result")
		}
		pages := make([]notification.Page, 0, len(members))
		for _, m := range members {
			pages = append(pages, notification.Page{
				TemplateID: TemplateCriticalResult,
				Recipient:  m.StaffID,
				Pager:      m.Pager,
				Priority:   notification.PriorityCritical,
				Data:       withRecipient(fields, m),
			})
		}
		return s.deps.Notifier.Notify(ctx, pages...)
	})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ...notification.Page) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, websocket.Event) error { return nil }

type nopRecorder struct{}

func (nopRecorder) TriageScored(int) {}
func (nopRecorder) AlertRaised(string, string) {}
func (nopRecorder) StatusChanged(string) {}
func (nopRecorder) ActivationStarted(string) {}
func (nopRecorder) SideEffectFailed(string) {}
func (nopRecorder) ObserveBoard(int, int, int, float64) {}

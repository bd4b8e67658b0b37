package service

import (
	"context"
	"sync"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"

	"github.com/google/uuid"
)

// IncidentService drives the incident lifecycle. Every mutation
// computes the next incident value through the pure reducer and then
// pushes the whole incident through the container's mutation protocol,
// so the lifecycle rules behave identically online and offline.
type IncidentService struct {
	c *Container

	filterMu  sync.Mutex
	liveQuery string
	liveOut   []domain.Incident

	debouncer *Debouncer
}

// NewIncidentService builds the service. debounce is the quiet period
// applied to live free-text queries before results are recomputed.
func NewIncidentService(c *Container, debounce time.Duration) *IncidentService {
	return &IncidentService{
		c:         c,
		liveOut:   []domain.Incident{},
		debouncer: NewDebouncer(debounce),
	}
}

// Incidents returns all incidents in creation order.
func (s *IncidentService) Incidents() []domain.Incident {
	return s.c.incidents.list()
}

// Incident returns one incident by id.
func (s *IncidentService) Incident(id string) (domain.Incident, error) {
	in, ok := s.c.incidents.find(id)
	if !ok {
		return domain.Incident{}, &domain.ErrNotFound{Resource: "incidents", ID: id}
	}
	return in, nil
}

// AddIncident registers a new incident. It always starts Open with no
// corrective actions, whatever the input claims.
func (s *IncidentService) AddIncident(ctx context.Context, in domain.Incident) (domain.Incident, error) {
	sess, err := s.c.requireWriter()
	if err != nil {
		return domain.Incident{}, err
	}
	in.Status = domain.IncidentOpen
	in.CorrectiveActions = []domain.CorrectiveAction{}
	in.ResolvedAt = nil
	in.ResolvedBy = ""
	in.ResolutionNotes = ""
	if in.ReportedBy == "" && sess.CurrentUser != nil {
		in.ReportedBy = sess.CurrentUser.Name
	}
	now := time.Now()
	in.CreatedAt = now
	in.UpdatedAt = now
	if err := s.c.validate.Struct(in); err != nil {
		return domain.Incident{}, s.c.validationError(err)
	}
	return addEntity(ctx, s.c, s.c.incidents, in, func(i *domain.Incident) { i.ID = localID() })
}

// DeleteIncident removes an incident and, with it, every corrective
// action it owns.
func (s *IncidentService) DeleteIncident(ctx context.Context, id string) error {
	if _, err := s.c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, s.c, s.c.incidents, id)
}

// AddAction appends a corrective action to an incident.
func (s *IncidentService) AddAction(ctx context.Context, incidentID string, action domain.CorrectiveAction) (domain.Incident, error) {
	if _, err := s.c.requireWriter(); err != nil {
		return domain.Incident{}, err
	}
	if action.Status == "" {
		action.Status = domain.ActionPending
	}
	if err := s.c.validate.Struct(action); err != nil {
		return domain.Incident{}, s.c.validationError(err)
	}
	now := time.Now()
	action.ID = "act-" + uuid.NewString()
	action.IncidentID = incidentID
	action.CreatedAt = now
	return s.apply(ctx, incidentID, domain.ActionAdded{Action: action, At: now})
}

// UpdateActionStatus moves one corrective action to a new status.
func (s *IncidentService) UpdateActionStatus(ctx context.Context, incidentID, actionID string, status domain.ActionStatus) (domain.Incident, error) {
	if _, err := s.c.requireWriter(); err != nil {
		return domain.Incident{}, err
	}
	switch status {
	case domain.ActionPending, domain.ActionInProgress, domain.ActionCompleted:
	default:
		return domain.Incident{}, &domain.ErrValidation{Field: "status", Message: "estado de acción desconocido"}
	}
	return s.apply(ctx, incidentID, domain.ActionStatusChanged{ActionID: actionID, Status: status, At: time.Now()})
}

// DeleteAction removes one corrective action, leaving the incident.
func (s *IncidentService) DeleteAction(ctx context.Context, incidentID, actionID string) (domain.Incident, error) {
	if _, err := s.c.requireWriter(); err != nil {
		return domain.Incident{}, err
	}
	return s.apply(ctx, incidentID, domain.ActionDeleted{ActionID: actionID, At: time.Now()})
}

// ResolveIncident resolves explicitly, with or without completed
// actions, stamping who resolved it and why.
func (s *IncidentService) ResolveIncident(ctx context.Context, incidentID, notes string) (domain.Incident, error) {
	sess, err := s.c.requireWriter()
	if err != nil {
		return domain.Incident{}, err
	}
	by := ""
	if sess.CurrentUser != nil {
		by = sess.CurrentUser.Name
	}
	return s.apply(ctx, incidentID, domain.ManualResolve{By: by, Notes: notes, At: time.Now()})
}

// UpdateResolutionNotes edits the resolution notes without touching
// the lifecycle state.
func (s *IncidentService) UpdateResolutionNotes(ctx context.Context, incidentID, notes string) (domain.Incident, error) {
	if _, err := s.c.requireWriter(); err != nil {
		return domain.Incident{}, err
	}
	return s.apply(ctx, incidentID, domain.ResolutionNotesEdited{Notes: notes, At: time.Now()})
}

// apply reduces the event against the current incident and runs the
// result through the update protocol. The reduce happens inside the
// incidents collection's critical section, so concurrent events each
// see the previous one's result instead of a shared stale snapshot.
// The server echo wins online; the reduced value is used verbatim on
// the fallback path, so the state machine holds either way.
func (s *IncidentService) apply(ctx context.Context, incidentID string, ev domain.IncidentEvent) (domain.Incident, error) {
	return updateEntity(ctx, s.c, s.c.incidents, incidentID, func(current domain.Incident) (domain.Incident, error) {
		return domain.ReduceIncident(current, ev), nil
	})
}

// ============================================================
// Filtering
// ============================================================

// Filter evaluates a structured filter immediately. Dropdown criteria
// (status, severity, dates) are cheap and applied per change.
func (s *IncidentService) Filter(f domain.IncidentFilter) []domain.Incident {
	return domain.FilterIncidents(s.Incidents(), f)
}

// SetLiveQuery feeds one keystroke of the free-text search. The
// recompute runs only after the typing pauses; readers meanwhile see
// the previous results via LiveResults.
func (s *IncidentService) SetLiveQuery(q string) {
	s.filterMu.Lock()
	s.liveQuery = q
	s.filterMu.Unlock()

	s.debouncer.Trigger(func() {
		s.filterMu.Lock()
		query := s.liveQuery
		s.filterMu.Unlock()

		out := domain.FilterIncidents(s.Incidents(), domain.IncidentFilter{Query: query})

		s.filterMu.Lock()
		s.liveOut = out
		s.filterMu.Unlock()
	})
}

// LiveResults returns the most recently computed live-search results.
func (s *IncidentService) LiveResults() []domain.Incident {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	out := make([]domain.Incident, len(s.liveOut))
	copy(out, s.liveOut)
	return out
}

// Close stops any pending debounced recompute.
func (s *IncidentService) Close() {
	s.debouncer.Stop()
}

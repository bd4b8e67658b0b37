package domain

import (
	"strings"
	"time"
)

// ============================================================
// Incidents / corrective actions
// ============================================================

// Severity grades how serious an incident is.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "Open"
	IncidentInProgress IncidentStatus = "InProgress"
	IncidentResolved   IncidentStatus = "Resolved"
)

// ActionStatus is the lifecycle state of a corrective action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "Pending"
	ActionInProgress ActionStatus = "InProgress"
	ActionCompleted  ActionStatus = "Completed"
)

// CorrectiveAction is a remediation step tied to an incident. Actions
// are owned by their parent incident: deleting the incident removes
// them, deleting an action leaves the incident.
type CorrectiveAction struct {
	ID                 string       `json:"id"`
	IncidentID         string       `json:"incidentId"`
	Description        string       `json:"description" validate:"required"`
	ImplementationDate string       `json:"implementationDate,omitempty"`
	ResponsibleUser    string       `json:"responsibleUser,omitempty"`
	Status             ActionStatus `json:"status" validate:"required,oneof=Pending InProgress Completed"`
	CreatedAt          time.Time    `json:"createdAt"`
}

// Incident is a food-safety non-conformity and its remediation history.
type Incident struct {
	ID                string             `json:"id"`
	Title             string             `json:"title" validate:"required"`
	Description       string             `json:"description,omitempty"`
	DetectionDate     string             `json:"detectionDate,omitempty"`
	AffectedArea      string             `json:"affectedArea,omitempty"`
	Severity          Severity           `json:"severity" validate:"required,oneof=Low Medium High Critical"`
	Status            IncidentStatus     `json:"status"`
	ReportedBy        string             `json:"reportedBy,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	CorrectiveActions []CorrectiveAction `json:"correctiveActions"`
	ResolutionNotes   string             `json:"resolutionNotes,omitempty"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy        string             `json:"resolvedBy,omitempty"`
}

// allActionsCompleted reports whether the incident has at least one
// corrective action and every one of them is Completed. This is the
// only condition under which an incident auto-resolves.
func (in Incident) allActionsCompleted() bool {
	if len(in.CorrectiveActions) == 0 {
		return false
	}
	for _, a := range in.CorrectiveActions {
		if a.Status != ActionCompleted {
			return false
		}
	}
	return true
}

// ============================================================
// Incident state machine
// ============================================================

// IncidentEvent is one of the events the incident reducer understands.
type IncidentEvent interface {
	isIncidentEvent()
}

// ActionAdded appends a corrective action to the incident.
type ActionAdded struct {
	Action CorrectiveAction
	At     time.Time
}

// ActionStatusChanged moves one corrective action to a new status.
type ActionStatusChanged struct {
	ActionID string
	Status   ActionStatus
	At       time.Time
}

// ActionDeleted removes one corrective action from the incident.
type ActionDeleted struct {
	ActionID string
	At       time.Time
}

// ManualResolve is the explicit resolve operation. It is the only path
// that may resolve an incident with incomplete or zero actions.
type ManualResolve struct {
	By    string
	Notes string
	At    time.Time
}

// ResolutionNotesEdited updates resolution notes without reopening.
type ResolutionNotesEdited struct {
	Notes string
	At    time.Time
}

func (ActionAdded) isIncidentEvent()           {}
func (ActionStatusChanged) isIncidentEvent()   {}
func (ActionDeleted) isIncidentEvent()         {}
func (ManualResolve) isIncidentEvent()         {}
func (ResolutionNotesEdited) isIncidentEvent() {}

// ReduceIncident applies one event to an incident and returns the next
// incident value. It is a pure function: the input is not mutated.
//
// Transition rules:
//   - Open -> InProgress when the first corrective action is added.
//   - InProgress -> Resolved when, after any action change, every action
//     (at least one) is Completed.
//   - Resolved -> InProgress when an action moves away from Completed,
//     or when an incomplete action is added to an auto-resolved
//     incident. Manual resolutions only reopen through an action
//     status change.
//   - ManualResolve forces Resolved from any state and stamps
//     resolvedAt/resolvedBy/resolutionNotes.
//   - Editing resolution notes never changes the status.
func ReduceIncident(in Incident, ev IncidentEvent) Incident {
	out := in
	out.CorrectiveActions = append([]CorrectiveAction(nil), in.CorrectiveActions...)

	switch e := ev.(type) {
	case ActionAdded:
		out.CorrectiveActions = append(out.CorrectiveActions, e.Action)
		out.UpdatedAt = e.At
		switch {
		case out.Status == IncidentOpen:
			out.Status = IncidentInProgress
		case out.Status == IncidentInProgress && out.allActionsCompleted():
			out.Status = IncidentResolved
		case out.Status == IncidentResolved && out.ResolvedAt == nil && e.Action.Status != ActionCompleted:
			// Same rule as deletion: auto-resolutions are re-derived
			// when new incomplete work arrives, manual resolutions
			// (ResolvedAt set) stay until an action status changes.
			out.Status = IncidentInProgress
		}

	case ActionStatusChanged:
		changed := false
		for i, a := range out.CorrectiveActions {
			if a.ID == e.ActionID {
				changed = a.Status != e.Status
				out.CorrectiveActions[i].Status = e.Status
				break
			}
		}
		if !changed {
			return in
		}
		out.UpdatedAt = e.At
		switch {
		case out.Status == IncidentResolved && e.Status != ActionCompleted:
			out.reopen()
		case out.Status != IncidentResolved && out.allActionsCompleted():
			out.Status = IncidentResolved
		}

	case ActionDeleted:
		kept := out.CorrectiveActions[:0]
		removed := false
		for _, a := range out.CorrectiveActions {
			if a.ID == e.ActionID {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if !removed {
			return in
		}
		out.CorrectiveActions = kept
		out.UpdatedAt = e.At
		switch {
		case out.Status == IncidentInProgress && out.allActionsCompleted():
			out.Status = IncidentResolved
		case out.Status == IncidentResolved && out.ResolvedAt == nil && !out.allActionsCompleted():
			// Auto-resolved incidents lose their resolution when the
			// completeness that produced it goes away. Manual
			// resolutions (ResolvedAt set) survive deletions.
			out.Status = IncidentInProgress
		}

	case ManualResolve:
		out.Status = IncidentResolved
		at := e.At
		out.ResolvedAt = &at
		out.ResolvedBy = e.By
		out.ResolutionNotes = e.Notes
		out.UpdatedAt = e.At

	case ResolutionNotesEdited:
		out.ResolutionNotes = e.Notes
		out.UpdatedAt = e.At
	}

	return out
}

// reopen moves a resolved incident back to InProgress and clears the
// manual resolution stamp.
func (in *Incident) reopen() {
	in.Status = IncidentInProgress
	in.ResolvedAt = nil
	in.ResolvedBy = ""
}

// ============================================================
// Read-side filtering
// ============================================================

// IncidentFilter is a pure read-side projection over incidents.
// The zero value matches everything.
type IncidentFilter struct {
	Status       IncidentStatus
	Severity     Severity
	AffectedArea string
	Query        string
	From         time.Time
	To           time.Time
}

// Matches reports whether the incident passes every set criterion.
func (f IncidentFilter) Matches(in Incident) bool {
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.Severity != "" && in.Severity != f.Severity {
		return false
	}
	if f.AffectedArea != "" && !containsFold(in.AffectedArea, f.AffectedArea) {
		return false
	}
	if f.Query != "" {
		if !containsFold(in.Title, f.Query) &&
			!containsFold(in.Description, f.Query) &&
			!containsFold(in.AffectedArea, f.Query) {
			return false
		}
	}
	if !f.From.IsZero() && in.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && in.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// FilterIncidents returns the incidents matching the filter, in input order.
func FilterIncidents(incidents []Incident, f IncidentFilter) []Incident {
	out := make([]Incident, 0, len(incidents))
	for _, in := range incidents {
		if f.Matches(in) {
			out = append(out, in)
		}
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

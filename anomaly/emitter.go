package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/logger"
	"github.com/liamcoop/anomalies/rules"
)

// Outcome tells what Emit did with a verdict
type Outcome string

const (
	// NoAction: the verdict was "none"
	NoAction Outcome = "NO_ACTION"
	// Created: a new OPEN record was inserted
	Created Outcome = "CREATED"
	// DuplicateOpen: an OPEN record already exists for the key
	DuplicateOpen Outcome = "DUPLICATE_OPEN"
	// Suppressed: the key was closed by a reviewer and the punches have not changed since
	Suppressed Outcome = "SUPPRESSED"
)

// Request carries a verdict for one (employee, site, date) unit
type Request struct {
	EmployeeID     string
	SiteID         string
	Date           time.Time
	Action         rules.ActionID
	Punches        []attendance.Punch
	Minutes        int
	Description    string
	RulesetVersion int
	Mode           rules.ProcessingMode
}

// Result is the outcome of one Emit call
type Result struct {
	Outcome Outcome  `json:"outcome"`
	Key     Key      `json:"key"`
	Anomaly *Anomaly `json:"anomaly,omitempty"`
}

// Emitter turns verdicts into anomaly records. All deduplication happens
// inside Store.CreateIfNeeded, so an Emitter may be shared by any number of
// real-time and batch workers.
type Emitter struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewEmitter creates an emitter writing to store
func NewEmitter(store Store) *Emitter {
	return &Emitter{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Emit records the anomaly asked for by req, unless:
//   - the action is "none" (NoAction)
//   - an OPEN record exists for the key (DuplicateOpen)
//   - the latest record was closed by a reviewer and the punches its kind
//     watches still have the digest it was created from (Suppressed)
func (e *Emitter) Emit(ctx context.Context, req Request) (Result, error) {
	if req.Action == "" || req.Action == rules.ActionNone {
		return Result{Outcome: NoAction}, nil
	}
	kind, ok := KindFor(req.Action)
	if !ok {
		return Result{}, fmt.Errorf("action %q has no anomaly kind", req.Action)
	}

	key := NewKey(req.EmployeeID, req.SiteID, req.Date, kind)
	result := Result{Key: key}

	digest, err := KindDigest(kind, req.Punches)
	if err != nil {
		return result, err
	}

	description := req.Description
	if description == "" {
		description = Describe(kind, req.Minutes)
	}

	decided := Created
	decide := func(latest *Anomaly) *Anomaly {
		if latest != nil {
			if latest.Status == Open {
				decided = DuplicateOpen
				return nil
			}
			if latest.PunchDigest == digest {
				decided = Suppressed
				return nil
			}
		}
		decided = Created
		now := e.now()
		return &Anomaly{
			ID:             e.newID(),
			EmployeeID:     key.EmployeeID,
			SiteID:         key.SiteID,
			Date:           key.Date,
			Kind:           kind,
			Status:         Open,
			Minutes:        req.Minutes,
			Description:    description,
			PunchDigest:    digest,
			RulesetVersion: req.RulesetVersion,
			Mode:           req.Mode,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	created, err := e.store.CreateIfNeeded(ctx, key, decide)
	if err != nil {
		return result, fmt.Errorf("failed to record anomaly %s: %w", key, err)
	}

	switch {
	case created != nil:
		result.Outcome = Created
		result.Anomaly = created
		logger.AnomaliesCreated.Add(1)
		logger.Info("anomaly created",
			"anomaly_id", created.ID,
			"employee_id", key.EmployeeID,
			"site_id", key.SiteID,
			"date", key.Date,
			"type", string(kind),
			"mode", string(req.Mode),
		)
	case decided == Created:
		// Another writer inserted the OPEN record first
		result.Outcome = DuplicateOpen
	default:
		result.Outcome = decided
	}
	return result, nil
}

// Describe builds the default human description of an anomaly
func Describe(kind Kind, minutes int) string {
	switch kind {
	case Late:
		return fmt.Sprintf("Retard de %d min", minutes)
	case EarlyDeparture:
		return fmt.Sprintf("Départ anticipé de %d min", minutes)
	case MissingArrival:
		return "Pointage d'arrivée manquant"
	case MissingDeparture:
		return "Pointage de départ manquant"
	case InsufficientHours:
		return fmt.Sprintf("Durée insuffisante, %d min manquantes", minutes)
	case ConsecutiveSameType:
		return "Deux pointages consécutifs du même type"
	case UnlinkedSchedule:
		return "Employé non rattaché à un planning du site"
	default:
		return "Anomalie"
	}
}

package rules

// ConditionID is the stable key of a catalogue condition
type ConditionID string

const (
	SiteStatus         ConditionID = "site_status"
	ScheduleStatus     ConditionID = "schedule_status"
	ScheduleTypeCond   ConditionID = "schedule_type"
	EmployeeLinked     ConditionID = "employee_linked"
	ArrivalExists      ConditionID = "arrival_exists"
	DepartureExists    ConditionID = "departure_exists"
	ArrivalTime        ConditionID = "arrival_time"
	DepartureTime      ConditionID = "departure_time"
	Duration           ConditionID = "duration"
	DayOfWeek          ConditionID = "day_of_week"
	DayTypeCond        ConditionID = "day_type"
	ProcessingModeCond ConditionID = "processing_mode"
	ConsecutivePunches ConditionID = "consecutive_punches"
)

// ActionID is the stable key of a catalogue action
type ActionID string

const (
	ActionNone                ActionID = "none"
	ActionLate                ActionID = "late"
	ActionEarlyDeparture      ActionID = "early_departure"
	ActionMissingArrival      ActionID = "missing_arrival"
	ActionMissingDeparture    ActionID = "missing_departure"
	ActionInsufficientHours   ActionID = "insufficient_hours"
	ActionConsecutiveSameType ActionID = "consecutive_same_type"
	ActionUnlinkedSchedule    ActionID = "unlinked_schedule"
	ActionOther               ActionID = "other"
)

// Condition values. Labels are part of the tree format and must not be translated.
const (
	ValueActive   = "Actif"
	ValueInactive = "Inactif"
	ValueYes      = "Oui"
	ValueNo       = "Non"

	ValueOnTime       = "À l'heure"
	ValueLate         = "En retard"
	ValueVeryLate     = "Très en retard"
	ValueEarly        = "Départ anticipé"
	ValueVeryEarly    = "Départ très anticipé"
	ValueSufficient   = "Suffisante"
	ValueInsufficient = "Insuffisante"
	ValueRealtime     = "Temps réel"
	ValueBatch        = "Batch"
	ValueFixed        = "FIXED"
	ValueFrequency    = "FREQUENCY"
	ValueFullDay      = "FULL"
	ValueMorning      = "AM"
	ValueAfternoon    = "PM"
)

// Weekdays are indexed 0 = Monday
var Weekdays = []string{"Lundi", "Mardi", "Mercredi", "Jeudi", "Vendredi", "Samedi", "Dimanche"}

// Condition is an immutable catalogue entry. Values is the admissible value
// set; a nil Values means the condition accepts free-text branch values.
type Condition struct {
	ID          ConditionID `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Values      []string    `json:"values,omitempty"`
}

// Admits reports whether value may appear on a branch of this condition
func (c Condition) Admits(value string) bool {
	if c.Values == nil {
		return true
	}
	for _, v := range c.Values {
		if v == value {
			return true
		}
	}
	return false
}

// Action is an immutable catalogue entry for a tree leaf
type Action struct {
	ID          ActionID `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
}

var conditions = []Condition{
	{SiteStatus, "Statut du site", "Vérifie si le site est actif ou inactif", []string{ValueActive, ValueInactive}},
	{ScheduleStatus, "Statut du planning", "Vérifie si le planning est actif ou inactif", []string{ValueActive, ValueInactive}},
	{ScheduleTypeCond, "Type de planning", "Vérifie si le planning est de type fixe ou fréquence", []string{ValueFixed, ValueFrequency}},
	{EmployeeLinked, "Employé lié au site", "Vérifie si l'employé est rattaché au site", []string{ValueYes, ValueNo}},
	{ArrivalExists, "Présence pointage d'arrivée", "Vérifie si un pointage d'arrivée existe pour la journée", []string{ValueYes, ValueNo}},
	{DepartureExists, "Présence pointage de départ", "Vérifie si un pointage de départ existe pour la journée", []string{ValueYes, ValueNo}},
	{ArrivalTime, "Heure d'arrivée vs planning", "Compare l'heure d'arrivée avec l'heure prévue dans le planning", []string{ValueOnTime, ValueLate, ValueVeryLate}},
	{DepartureTime, "Heure de départ vs planning", "Compare l'heure de départ avec l'heure prévue dans le planning", []string{ValueOnTime, ValueEarly, ValueVeryEarly}},
	{Duration, "Durée de présence vs planning", "Compare la durée de présence avec la durée prévue dans le planning", []string{ValueSufficient, ValueInsufficient}},
	{DayOfWeek, "Jour de la semaine", "Vérifie le jour de la semaine du pointage", Weekdays},
	{DayTypeCond, "Type de journée", "Vérifie si la journée est de type journée entière, matin ou après-midi", []string{ValueFullDay, ValueMorning, ValueAfternoon}},
	{ProcessingModeCond, "Mode de traitement", "Vérifie si le traitement est effectué en temps réel ou en batch", []string{ValueRealtime, ValueBatch}},
	{ConsecutivePunches, "Pointages consécutifs du même type", "Vérifie si deux pointages successifs de la journée ont le même type", []string{ValueYes, ValueNo}},
}

var actions = []Action{
	{ActionNone, "RAS", "Aucune action à effectuer"},
	{ActionLate, "Créer anomalie LATE", "Crée une anomalie de retard"},
	{ActionEarlyDeparture, "Créer anomalie EARLY_DEPARTURE", "Crée une anomalie de départ anticipé"},
	{ActionMissingArrival, "Créer anomalie MISSING_ARRIVAL", "Crée une anomalie d'arrivée manquante"},
	{ActionMissingDeparture, "Créer anomalie MISSING_DEPARTURE", "Crée une anomalie de départ manquant"},
	{ActionInsufficientHours, "Créer anomalie INSUFFICIENT_HOURS", "Crée une anomalie d'heures insuffisantes"},
	{ActionConsecutiveSameType, "Créer anomalie CONSECUTIVE_SAME_TYPE", "Crée une anomalie de pointages consécutifs du même type"},
	{ActionUnlinkedSchedule, "Créer anomalie UNLINKED_SCHEDULE", "Crée une anomalie de planning non lié"},
	{ActionOther, "Créer anomalie OTHER", "Crée une anomalie de type autre"},
}

var (
	conditionIndex = make(map[ConditionID]Condition, len(conditions))
	actionIndex    = make(map[ActionID]Action, len(actions))
)

func init() {
	for _, c := range conditions {
		conditionIndex[c.ID] = c
	}
	for _, a := range actions {
		actionIndex[a.ID] = a
	}
}

// Conditions returns a copy of the condition catalogue in display order
func Conditions() []Condition {
	out := make([]Condition, len(conditions))
	copy(out, conditions)
	return out
}

// Actions returns a copy of the action catalogue in display order
func Actions() []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

// LookupCondition returns the catalogue entry for id
func LookupCondition(id ConditionID) (Condition, bool) {
	c, ok := conditionIndex[id]
	return c, ok
}

// LookupAction returns the catalogue entry for id
func LookupAction(id ActionID) (Action, bool) {
	a, ok := actionIndex[id]
	return a, ok
}

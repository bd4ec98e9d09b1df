package prevision

import "strings"

// Status is the mobilization state of a CP forecast.
type Status string

const (
	// StatusPrevu is the initial state: the tranche is only planned.
	StatusPrevu Status = "prévu"
	// StatusDemande means the funds have been requested.
	StatusDemande Status = "demandé"
	// StatusPartiellementMobilise means part of the requested funds were released.
	StatusPartiellementMobilise Status = "partiellement mobilisé"
	// StatusMobilise means the requested funds were fully released.
	StatusMobilise Status = "mobilisé"
	// StatusEnRetard flags a request that has not been honoured in time.
	StatusEnRetard Status = "en retard"
)

var allStatuses = []Status{
	StatusPrevu,
	StatusDemande,
	StatusPartiellementMobilise,
	StatusMobilise,
	StatusEnRetard,
}

// legalNext is the transition table; every known status may stay where it is.
var legalNext = map[Status][]Status{
	StatusPrevu:                 {StatusPrevu, StatusDemande},
	StatusDemande:               {StatusDemande, StatusMobilise, StatusPartiellementMobilise, StatusEnRetard},
	StatusPartiellementMobilise: {StatusPartiellementMobilise, StatusMobilise, StatusEnRetard},
	StatusMobilise:              {StatusMobilise, StatusEnRetard},
	StatusEnRetard:              {StatusEnRetard, StatusMobilise, StatusPartiellementMobilise},
}

// unknownFallback is the legal-next set for corrupt or unrecognized statuses.
var unknownFallback = []Status{StatusPrevu}

// AllStatuses returns the five statuses in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus normalizes surrounding whitespace and accepts only known statuses.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.TrimSpace(value))
	if !candidate.Valid() {
		return candidate, false
	}
	return candidate, true
}

// Valid reports whether s is one of the five lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPrevu, StatusDemande, StatusPartiellementMobilise, StatusMobilise, StatusEnRetard:
		return true
	default:
		return false
	}
}

// IsMobilized reports whether entering s stamps the mobilization date.
func (s Status) IsMobilized() bool {
	return s == StatusMobilise || s == StatusPartiellementMobilise
}

// Label returns the stable key the dashboard uses to look up localized text.
func (s Status) Label() string {
	switch s {
	case StatusPrevu:
		return "planned"
	case StatusDemande:
		return "requested"
	case StatusPartiellementMobilise:
		return "partially_mobilized"
	case StatusMobilise:
		return "mobilized"
	case StatusEnRetard:
		return "late"
	default:
		return "unknown"
	}
}

// Describe returns a human-readable description of what s means for the tranche.
func Describe(s Status) string {
	switch s {
	case StatusPrevu:
		return "Crédit prévu, aucune demande de mobilisation émise"
	case StatusDemande:
		return "Demande de mobilisation transmise, en attente de déblocage"
	case StatusPartiellementMobilise:
		return "Une partie du montant demandé a été mobilisée"
	case StatusMobilise:
		return "Le montant demandé a été intégralement mobilisé"
	case StatusEnRetard:
		return "La demande n'a pas été honorée dans les délais"
	default:
		return "Statut inconnu"
	}
}

// LegalNextStatuses returns the statuses a record in current may move to,
// including current itself. Unknown statuses fall back to {prévu}.
func LegalNextStatuses(current Status) []Status {
	next, ok := legalNext[current]
	if !ok {
		next = unknownFallback
	}
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether to is in the legal-next set of from.
func CanTransition(from, to Status) bool {
	for _, candidate := range LegalNextStatuses(from) {
		if candidate == to {
			return true
		}
	}
	return false
}

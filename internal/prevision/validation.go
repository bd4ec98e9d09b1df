package prevision

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind classifies why a proposed change was rejected.
type ErrorKind string

const (
	// KindIllegalTransition means the proposed status is not reachable from the current one.
	KindIllegalTransition ErrorKind = "illegal_transition"
	// KindNegativeAmount means a proposed amount is below zero.
	KindNegativeAmount ErrorKind = "negative_amount"
	// KindExceedsForecast means a proposed amount is above the forecast amount.
	KindExceedsForecast ErrorKind = "exceeds_forecast"
	// KindExceedsRequested means the mobilized amount would be above the requested amount.
	KindExceedsRequested ErrorKind = "exceeds_requested"
)

// Sentinels for errors.Is; they match any *ValidationError of the same kind.
var (
	ErrIllegalTransition = &ValidationError{Kind: KindIllegalTransition}
	ErrNegativeAmount    = &ValidationError{Kind: KindNegativeAmount}
	ErrExceedsForecast   = &ValidationError{Kind: KindExceedsForecast}
	ErrExceedsRequested  = &ValidationError{Kind: KindExceedsRequested}
)

// ValidationError carries the offending current and proposed values of a rejected change.
type ValidationError struct {
	Kind       ErrorKind
	RecordID   string
	Field      string
	FromStatus Status
	ToStatus   Status
	Proposed   decimal.Decimal
	Limit      decimal.Decimal
}

func (e *ValidationError) Error() string {
	subject := "prevision"
	if e.RecordID != "" {
		subject = fmt.Sprintf("prevision %q", e.RecordID)
	}
	field := e.Field
	if field == "" {
		field = "montant_mobilise"
	}

	switch e.Kind {
	case KindIllegalTransition:
		return fmt.Sprintf("cannot transition %s from %q to %q: illegal transition for mobilization lifecycle",
			subject, e.FromStatus, e.ToStatus)
	case KindNegativeAmount:
		return fmt.Sprintf("%s: %s %s must not be negative", subject, field, e.Proposed)
	case KindExceedsForecast:
		return fmt.Sprintf("%s: %s %s exceeds forecast amount %s", subject, field, e.Proposed, e.Limit)
	case KindExceedsRequested:
		return fmt.Sprintf("%s: %s %s exceeds requested amount %s", subject, field, e.Proposed, e.Limit)
	default:
		return fmt.Sprintf("%s: invalid change (%s)", subject, e.Kind)
	}
}

// Is enables errors.Is checks against the kind sentinels.
func (e *ValidationError) Is(target error) bool {
	other, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return other.Kind == "" || other.Kind == e.Kind
}

// ValidatedChange is a mobilization change that passed ValidateMobilizationChange.
// Its fields are unexported so the only way to obtain one is through validation.
type ValidatedChange struct {
	recordID        string
	fromStatus      Status
	status          Status
	montantMobilise decimal.Decimal
}

// Status returns the accepted next status.
func (c ValidatedChange) Status() Status {
	return c.status
}

// MontantMobilise returns the accepted mobilized amount.
func (c ValidatedChange) MontantMobilise() decimal.Decimal {
	return c.montantMobilise
}

// FromStatus returns the status the change was validated against.
func (c ValidatedChange) FromStatus() Status {
	return c.fromStatus
}

// ValidateMobilizationChange checks a proposed (status, mobilized amount) pair
// against current. Checks run in a fixed order and stop at the first violation:
// transition legality, sign, forecast ceiling, then requested ceiling when a
// request amount exists.
func ValidateMobilizationChange(current Record, newStatus Status, newMontantMobilise decimal.Decimal) (ValidatedChange, error) {
	if !CanTransition(current.Statut, newStatus) {
		return ValidatedChange{}, &ValidationError{
			Kind:       KindIllegalTransition,
			RecordID:   current.ID,
			Field:      "statut",
			FromStatus: current.Statut,
			ToStatus:   newStatus,
		}
	}
	if newMontantMobilise.IsNegative() {
		return ValidatedChange{}, amountError(KindNegativeAmount, current, newStatus, newMontantMobilise, decimal.Zero)
	}
	if newMontantMobilise.GreaterThan(current.MontantPrevu) {
		return ValidatedChange{}, amountError(KindExceedsForecast, current, newStatus, newMontantMobilise, current.MontantPrevu)
	}
	if current.MontantDemande.IsPositive() && newMontantMobilise.GreaterThan(current.MontantDemande) {
		return ValidatedChange{}, amountError(KindExceedsRequested, current, newStatus, newMontantMobilise, current.MontantDemande)
	}

	return ValidatedChange{
		recordID:        current.ID,
		fromStatus:      current.Statut,
		status:          newStatus,
		montantMobilise: newMontantMobilise,
	}, nil
}

// WithRequestedAmount returns current with its requested amount revised.
// The amount must stay within the forecast and must not fall below what has
// already been mobilized.
func WithRequestedAmount(current Record, montantDemande decimal.Decimal) (Record, error) {
	if montantDemande.IsNegative() {
		return Record{}, &ValidationError{
			Kind:     KindNegativeAmount,
			RecordID: current.ID,
			Field:    "montant_demande",
			Proposed: montantDemande,
		}
	}
	if montantDemande.GreaterThan(current.MontantPrevu) {
		return Record{}, &ValidationError{
			Kind:     KindExceedsForecast,
			RecordID: current.ID,
			Field:    "montant_demande",
			Proposed: montantDemande,
			Limit:    current.MontantPrevu,
		}
	}
	if montantDemande.IsPositive() && current.MontantMobilise.GreaterThan(montantDemande) {
		return Record{}, &ValidationError{
			Kind:     KindExceedsRequested,
			RecordID: current.ID,
			Field:    "montant_mobilise",
			Proposed: current.MontantMobilise,
			Limit:    montantDemande,
		}
	}

	updated := current.Clone()
	updated.MontantDemande = montantDemande
	return updated, nil
}

func amountError(kind ErrorKind, current Record, newStatus Status, proposed, limit decimal.Decimal) *ValidationError {
	return &ValidationError{
		Kind:       kind,
		RecordID:   current.ID,
		Field:      "montant_mobilise",
		FromStatus: current.Statut,
		ToStatus:   newStatus,
		Proposed:   proposed,
		Limit:      limit,
	}
}

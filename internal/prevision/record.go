package prevision

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when no forecast matches the requested id.
var ErrNotFound = errors.New("prevision not found")

// ErrAlreadyExists is returned by stores when creating a forecast whose id is taken.
var ErrAlreadyExists = errors.New("prevision already exists")

// ErrInvalidPeriode marks a periode that is malformed or outside its exercice.
var ErrInvalidPeriode = errors.New("invalid periode")

var periodePattern = regexp.MustCompile(`^(\d{4})-Q([1-4])$`)

// Record is one CP forecast (prevision_cp row) tracked from request to mobilization.
type Record struct {
	ID              string
	Exercice        int
	Periode         string
	OperationID     string
	EngagementID    string
	MontantPrevu    decimal.Decimal
	MontantDemande  decimal.Decimal
	MontantMobilise decimal.Decimal
	MontantConsomme decimal.Decimal
	Statut          Status
	DateDemande     *time.Time
	DateMobilise    *time.Time
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	out := r
	out.DateDemande = cloneTime(r.DateDemande)
	out.DateMobilise = cloneTime(r.DateMobilise)
	return out
}

// NewRecordInput holds the caller-supplied fields of a new forecast.
type NewRecordInput struct {
	Exercice        int
	Periode         string
	OperationID     string
	EngagementID    string
	MontantPrevu    decimal.Decimal
	MontantConsomme decimal.Decimal
	Notes           string
}

// NewRecord builds a forecast in its initial "prévu" state.
func NewRecord(input NewRecordInput, now time.Time) (Record, error) {
	periode := strings.ToUpper(strings.TrimSpace(input.Periode))
	year, _, err := ParsePeriode(periode)
	if err != nil {
		return Record{}, err
	}
	if input.Exercice == 0 {
		input.Exercice = year
	}
	if year != input.Exercice {
		return Record{}, fmt.Errorf("%w: %q does not belong to exercice %d", ErrInvalidPeriode, periode, input.Exercice)
	}
	if input.MontantPrevu.IsNegative() {
		return Record{}, &ValidationError{
			Kind:     KindNegativeAmount,
			Field:    "montant_prevu",
			Proposed: input.MontantPrevu,
		}
	}
	if input.MontantConsomme.IsNegative() {
		return Record{}, &ValidationError{
			Kind:     KindNegativeAmount,
			Field:    "montant_consomme",
			Proposed: input.MontantConsomme,
		}
	}

	stamp := now.UTC()
	return Record{
		ID:              uuid.NewString(),
		Exercice:        input.Exercice,
		Periode:         periode,
		OperationID:     strings.TrimSpace(input.OperationID),
		EngagementID:    strings.TrimSpace(input.EngagementID),
		MontantPrevu:    input.MontantPrevu,
		MontantDemande:  decimal.Zero,
		MontantMobilise: decimal.Zero,
		MontantConsomme: input.MontantConsomme,
		Statut:          StatusPrevu,
		Notes:           input.Notes,
		CreatedAt:       stamp,
		UpdatedAt:       stamp,
	}, nil
}

// ParsePeriode splits a "YYYY-Qn" quarter bucket into its year and quarter.
func ParsePeriode(value string) (int, int, error) {
	match := periodePattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0, 0, fmt.Errorf("%w %q: want YYYY-Q[1-4]", ErrInvalidPeriode, value)
	}
	year, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid periode year %q: %w", match[1], err)
	}
	quarter, err := strconv.Atoi(match[2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid periode quarter %q: %w", match[2], err)
	}
	return year, quarter, nil
}

// ValidatePeriode reports whether value is a quarter bucket. Case is ignored,
// so "2024-q3" is accepted.
func ValidatePeriode(value string) error {
	_, _, err := ParsePeriode(strings.ToUpper(value))
	return err
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

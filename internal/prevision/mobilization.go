package prevision

import "time"

// ApplyMobilizationChange computes the record that results from change.
//
// Precondition: change was returned by ValidateMobilizationChange for this
// same current record. Nothing is re-checked here; passing anything else
// yields an unspecified record.
//
// DateDemande is stamped only on the prévu -> demandé move, so later saves in
// "demandé" keep the original request date. DateMobilise is re-stamped on
// every save into a mobilized status, partial ones included.
func ApplyMobilizationChange(current Record, change ValidatedChange, now time.Time) Record {
	updated := current.Clone()
	updated.MontantMobilise = change.montantMobilise
	updated.Statut = change.status

	stamp := now.UTC()
	if change.status == StatusDemande && current.Statut == StatusPrevu {
		updated.DateDemande = &stamp
	}
	if change.status.IsMobilized() {
		mobilized := stamp
		updated.DateMobilise = &mobilized
	}
	return updated
}

package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/budgetdash/cpflow/internal/prevision"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStatusTransitionLegal requires status moves to follow the lifecycle table.
	InvariantStatusTransitionLegal = "status_transition_legal"
	// InvariantKnownStatus requires the stored status to be one of the five lifecycle values.
	InvariantKnownStatus = "known_status"
	// InvariantMobilizedWithinForecast requires 0 <= montant_mobilise <= montant_prevu.
	InvariantMobilizedWithinForecast = "mobilized_within_forecast"
	// InvariantMobilizedWithinRequested requires montant_mobilise <= montant_demande when a request exists.
	InvariantMobilizedWithinRequested = "mobilized_within_requested"
	// InvariantDateDemandeMonotonic requires date_demande never to be cleared or moved once set.
	InvariantDateDemandeMonotonic = "date_demande_monotonic"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span.
// If the context has no active span, a short synthetic span is created.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("cpflow/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStatusTransitionLegal validates the status_transition_legal invariant.
func CheckStatusTransitionLegal(ctx context.Context, whereDetected, recordID string, from, to prevision.Status) bool {
	if prevision.CanTransition(from, to) {
		return true
	}
	InvariantViolation(ctx, InvariantStatusTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "status transition follows the mobilization lifecycle",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for prevision=%s from=%s to=%s", recordID, from, to),
		Additional: map[string]string{
			"prevision_id": recordID,
			"from_status":  string(from),
			"to_status":    string(to),
		},
	})
	return false
}

// CheckKnownStatus validates the known_status invariant.
func CheckKnownStatus(ctx context.Context, whereDetected string, record prevision.Record) bool {
	if record.Statut.Valid() {
		return true
	}
	InvariantViolation(ctx, InvariantKnownStatus, SeverityWarn, ViolationDetails{
		WhatInvariant: "statut is one of the five lifecycle statuses",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("unknown statut %q", record.Statut),
		Additional: map[string]string{
			"prevision_id": record.ID,
		},
	})
	return false
}

// CheckMobilizedWithinForecast validates the mobilized_within_forecast invariant.
func CheckMobilizedWithinForecast(ctx context.Context, whereDetected string, record prevision.Record) bool {
	if !record.MontantMobilise.IsNegative() && !record.MontantMobilise.GreaterThan(record.MontantPrevu) {
		return true
	}
	InvariantViolation(ctx, InvariantMobilizedWithinForecast, SeverityError, ViolationDetails{
		WhatInvariant: "0 <= montant_mobilise <= montant_prevu",
		WhereDetected: whereDetected,
		WhyViolated: fmt.Sprintf(
			"montant_mobilise=%s outside [0, %s]",
			record.MontantMobilise,
			record.MontantPrevu,
		),
		Additional: map[string]string{
			"prevision_id":     record.ID,
			"montant_mobilise": record.MontantMobilise.String(),
			"montant_prevu":    record.MontantPrevu.String(),
		},
	})
	return false
}

// CheckMobilizedWithinRequested validates the mobilized_within_requested invariant.
func CheckMobilizedWithinRequested(ctx context.Context, whereDetected string, record prevision.Record) bool {
	if !record.MontantDemande.IsPositive() || !record.MontantMobilise.GreaterThan(record.MontantDemande) {
		return true
	}
	InvariantViolation(ctx, InvariantMobilizedWithinRequested, SeverityError, ViolationDetails{
		WhatInvariant: "montant_mobilise <= montant_demande when a request exists",
		WhereDetected: whereDetected,
		WhyViolated: fmt.Sprintf(
			"montant_mobilise=%s exceeds montant_demande=%s",
			record.MontantMobilise,
			record.MontantDemande,
		),
		Additional: map[string]string{
			"prevision_id":     record.ID,
			"montant_mobilise": record.MontantMobilise.String(),
			"montant_demande":  record.MontantDemande.String(),
		},
	})
	return false
}

// CheckDateDemandeMonotonic validates the date_demande_monotonic invariant.
// The only allowed change is the first stamp on prévu -> demandé.
func CheckDateDemandeMonotonic(ctx context.Context, whereDetected string, before, after prevision.Record) bool {
	switch {
	case before.DateDemande == nil && after.DateDemande == nil:
		return true
	case before.DateDemande == nil:
		if before.Statut == prevision.StatusPrevu && after.Statut == prevision.StatusDemande {
			return true
		}
	case after.DateDemande != nil && before.DateDemande.Equal(*after.DateDemande):
		return true
	}

	InvariantViolation(ctx, InvariantDateDemandeMonotonic, SeverityError, ViolationDetails{
		WhatInvariant: "date_demande is set once on prévu -> demandé and never cleared",
		WhereDetected: whereDetected,
		WhyViolated: fmt.Sprintf(
			"date_demande changed from %s to %s on %s -> %s",
			formatOptionalTime(before),
			formatOptionalTime(after),
			before.Statut,
			after.Statut,
		),
		Additional: map[string]string{
			"prevision_id": after.ID,
		},
	})
	return false
}

// CheckRecord runs every record invariant for one accepted update and reports
// whether all of them held.
func CheckRecord(ctx context.Context, whereDetected string, before, after prevision.Record) bool {
	ok := CheckStatusTransitionLegal(ctx, whereDetected, after.ID, before.Statut, after.Statut)
	ok = CheckKnownStatus(ctx, whereDetected, after) && ok
	ok = CheckMobilizedWithinForecast(ctx, whereDetected, after) && ok
	ok = CheckMobilizedWithinRequested(ctx, whereDetected, after) && ok
	ok = CheckDateDemandeMonotonic(ctx, whereDetected, before, after) && ok
	return ok
}

func formatOptionalTime(record prevision.Record) string {
	if record.DateDemande == nil {
		return "null"
	}
	return record.DateDemande.UTC().Format("2006-01-02T15:04:05Z")
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

package invariants

import (
	"context"
	"testing"
	"time"

	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInvariantViolationAddsEventToActiveSpan(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantMobilizedWithinForecast, SeverityError, ViolationDetails{
		WhatInvariant: "mobilized within forecast",
		WhereDetected: "state.machine.mobilize",
		WhyViolated:   "montant_mobilise above montant_prevu",
		Additional: map[string]string{
			"prevision_id": "cp-1",
			"empty":        "  ",
		},
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 1)
	assert.Equal(t, "invariant.violation", events[0].Name)
	assert.Equal(t, InvariantMobilizedWithinForecast, eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityError, eventAttr(events[0], "severity"))
	assert.Equal(t, "state.machine.mobilize", eventAttr(events[0], "where_detected"))
	assert.Equal(t, "cp-1", eventAttr(events[0], "context.prevision_id"))
	assert.Empty(t, eventAttr(events[0], "context.empty"))
}

func TestInvariantViolationDisabledSkipsEmission(t *testing.T) {
	previous := Enabled()
	SetEnabled(false)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantKnownStatus, SeverityError, ViolationDetails{
		WhereDetected: "state.machine.mobilize",
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 0)
}

func TestInvariantViolationWithoutSpanCreatesSyntheticSpan(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	InvariantViolation(context.Background(), "", "bogus", ViolationDetails{})

	events := spanEventsByName(recorder, "invariant.violation")
	require.Len(t, events, 1)
	assert.Equal(t, "unknown_invariant", eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityError, eventAttr(events[0], "severity"))
}

func TestRecordChecksEmitExpectedNames(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	requested := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	moved := requested.Add(time.Hour)
	base := prevision.Record{
		ID:             "cp-1",
		MontantPrevu:   decimal.NewFromInt(100),
		MontantDemande: decimal.NewFromInt(80),
		Statut:         prevision.StatusDemande,
		DateDemande:    &requested,
	}

	tests := []struct {
		name          string
		wantInvariant string
		run           func(ctx context.Context) bool
	}{
		{
			name:          "status_transition_legal",
			wantInvariant: InvariantStatusTransitionLegal,
			run: func(ctx context.Context) bool {
				return CheckStatusTransitionLegal(ctx, "test", "cp-1", prevision.StatusMobilise, prevision.StatusPrevu)
			},
		},
		{
			name:          "known_status",
			wantInvariant: InvariantKnownStatus,
			run: func(ctx context.Context) bool {
				record := base
				record.Statut = prevision.Status("annulé")
				return CheckKnownStatus(ctx, "test", record)
			},
		},
		{
			name:          "mobilized_within_forecast",
			wantInvariant: InvariantMobilizedWithinForecast,
			run: func(ctx context.Context) bool {
				record := base
				record.MontantMobilise = decimal.NewFromInt(101)
				return CheckMobilizedWithinForecast(ctx, "test", record)
			},
		},
		{
			name:          "mobilized_within_requested",
			wantInvariant: InvariantMobilizedWithinRequested,
			run: func(ctx context.Context) bool {
				record := base
				record.MontantMobilise = decimal.NewFromInt(81)
				return CheckMobilizedWithinRequested(ctx, "test", record)
			},
		},
		{
			name:          "date_demande_monotonic",
			wantInvariant: InvariantDateDemandeMonotonic,
			run: func(ctx context.Context) bool {
				after := base
				after.DateDemande = &moved
				return CheckDateDemandeMonotonic(ctx, "test", base, after)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			recorder, restore := installTracerProvider()
			defer restore()

			ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
			assert.False(t, tt.run(ctx))
			span.End()

			events := spanEventsByName(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantInvariant, eventAttr(events[0], "invariant_name"))
		})
	}
}

func TestCheckDateDemandeMonotonicAllowsFirstRequest(t *testing.T) {
	requested := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	before := prevision.Record{ID: "cp-1", Statut: prevision.StatusPrevu}
	after := prevision.Record{ID: "cp-1", Statut: prevision.StatusDemande, DateDemande: &requested}

	assert.True(t, CheckDateDemandeMonotonic(context.Background(), "test", before, after))
	assert.True(t, CheckDateDemandeMonotonic(context.Background(), "test", after, after))

	cleared := after
	cleared.DateDemande = nil
	recorder, restore := installTracerProvider()
	defer restore()
	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.False(t, CheckDateDemandeMonotonic(ctx, "test", after, cleared))
	span.End()
	require.Len(t, spanEventsByName(recorder, "operation"), 1)
}

func TestCheckRecordPassesForAcceptedUpdate(t *testing.T) {
	recorder, restore := installTracerProvider()
	defer restore()

	before := prevision.Record{
		ID:             "cp-2",
		MontantPrevu:   decimal.NewFromInt(100),
		MontantDemande: decimal.NewFromInt(100),
		Statut:         prevision.StatusDemande,
	}
	change, err := prevision.ValidateMobilizationChange(before, prevision.StatusMobilise, decimal.NewFromInt(100))
	require.NoError(t, err)
	after := prevision.ApplyMobilizationChange(before, change, time.Now())

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.True(t, CheckRecord(ctx, "test", before, after))
	span.End()

	require.Len(t, spanEventsByName(recorder, "operation"), 0)
}

func installTracerProvider() (*tracetest.SpanRecorder, func()) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	return recorder, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			otel.Handle(err)
		}
		otel.SetTracerProvider(previous)
	}
}

func spanEventsByName(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, finished := range recorder.Ended() {
		if finished.Name() != spanName {
			continue
		}
		return finished.Events()
	}
	return nil
}

func eventAttr(event sdktrace.Event, key string) string {
	for _, attr := range event.Attributes {
		if string(attr.Key) != key {
			continue
		}
		return attr.Value.AsString()
	}
	return ""
}

package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/budgetdash/cpflow/internal/events"
	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/budgetdash/cpflow/internal/telemetry/invariants"
	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultActor = "ordonnateur"
	// DefaultHistoryLimit bounds the transitions kept in memory per Machine.
	DefaultHistoryLimit = 256
)

// Store is the persistence boundary for forecasts. Implementations return
// prevision.ErrNotFound (possibly wrapped) when an id does not exist.
type Store interface {
	Fetch(ctx context.Context, id string) (prevision.Record, error)
	Save(ctx context.Context, record prevision.Record) error
	Create(ctx context.Context, record prevision.Record) error
	List(ctx context.Context, filter prevision.Filter) ([]prevision.Record, error)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for pipeline spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the time source used to stamp dates.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// WithPublisher configures where lifecycle events are sent.
func WithPublisher(publisher events.Publisher) Option {
	return func(machine *Machine) {
		if publisher == nil {
			return
		}
		machine.publisher = publisher
	}
}

// WithHistoryLimit sets how many recent transitions History keeps.
func WithHistoryLimit(limit int) Option {
	return func(machine *Machine) {
		if limit <= 0 {
			return
		}
		machine.historyLimit = limit
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(machine *Machine) {
		if logger == nil {
			return
		}
		machine.logger = logger
	}
}

// MobilizeCommand is one save of the mobilization dialog.
type MobilizeCommand struct {
	ID     string
	Status prevision.Status
	// MontantMobilise sets the mobilized amount; nil keeps the stored one.
	MontantMobilise *decimal.Decimal
	// MontantDemande revises the requested amount before validation when set.
	MontantDemande *decimal.Decimal
	// Notes replaces the free-text notes when set.
	Notes  *string
	Reason string
}

// amount resolves the mobilized amount the command asks for.
func (c MobilizeCommand) amount(current prevision.Record) decimal.Decimal {
	if c.MontantMobilise == nil {
		return current.MontantMobilise
	}
	return *c.MontantMobilise
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	RecordID        string
	FromStatus      prevision.Status
	ToStatus        prevision.Status
	MontantMobilise decimal.Decimal
	Reason          string
	Actor           string
	Timestamp       time.Time
}

// Machine runs the fetch -> validate -> apply -> save cycle for forecasts.
//
// Saves through one Machine are serialized. Nothing guards against another
// process writing the same row between fetch and save: the store keeps the
// last write.
type Machine struct {
	store     Store
	actor     string
	tracer    trace.Tracer
	now       func() time.Time
	publisher events.Publisher
	logger    *log.Logger

	writeMu      sync.Mutex
	mu           sync.Mutex
	history      []TransitionRecord
	historyLimit int
}

// NewMachine builds a pipeline over store.
func NewMachine(store Store, actor string, options ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = defaultActor
	}

	machine := &Machine{
		store:   store,
		actor:   normalizedActor,
		tracer:  otel.Tracer("cpflow/state"),
		now:     time.Now,
		logger:  log.New(io.Discard),
		history:      []TransitionRecord{},
		historyLimit: DefaultHistoryLimit,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}

	return machine, nil
}

// Actor returns the name recorded on every transition.
func (m *Machine) Actor() string {
	if m == nil {
		return ""
	}
	return m.actor
}

// Create stores a new forecast in the "prévu" state.
func (m *Machine) Create(ctx context.Context, input prevision.NewRecordInput) (prevision.Record, error) {
	if m == nil {
		return prevision.Record{}, errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := m.tracer.Start(ctx, "prevision.create")
	defer span.End()

	record, err := prevision.NewRecord(input, m.now())
	if err != nil {
		recordSpanError(span, err)
		return prevision.Record{}, err
	}
	span.SetAttributes(
		attribute.String("prevision_id", record.ID),
		attribute.String("periode", record.Periode),
	)

	if err := m.store.Create(ctx, record); err != nil {
		wrapped := fmt.Errorf("create prevision %s: %w", record.ID, err)
		recordSpanError(span, wrapped)
		return prevision.Record{}, wrapped
	}

	m.logger.With("prevision_id", record.ID, "periode", record.Periode).Info("prevision created")
	m.publish(events.Event{Type: events.EventTypeCreated, EntityID: record.ID})
	span.SetStatus(codes.Ok, "prevision created")
	return record, nil
}

// Preview computes the record a save would produce without persisting it.
func (m *Machine) Preview(ctx context.Context, cmd MobilizeCommand) (prevision.Record, error) {
	if m == nil {
		return prevision.Record{}, errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := m.tracer.Start(ctx, "prevision.preview")
	defer span.End()

	_, updated, err := m.plan(ctx, span, cmd)
	if err != nil {
		recordSpanError(span, err)
		return prevision.Record{}, err
	}
	span.SetStatus(codes.Ok, "preview computed")
	return updated, nil
}

// Mobilize validates cmd against the stored record, applies it, and saves
// the result. Validation failures come back as *prevision.ValidationError.
func (m *Machine) Mobilize(ctx context.Context, cmd MobilizeCommand) (prevision.Record, error) {
	if m == nil {
		return prevision.Record{}, errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	ctx, span := m.tracer.Start(ctx, "prevision.mobilize")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, updated, err := m.plan(ctx, span, cmd)
	if err != nil {
		recordSpanError(span, err)
		m.reportRejection(cmd, current, err)
		return prevision.Record{}, err
	}

	invariants.CheckRecord(ctx, "state.machine.mobilize", current, updated)

	updated.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, updated); err != nil {
		wrapped := fmt.Errorf("save prevision %s: %w", updated.ID, err)
		recordSpanError(span, wrapped)
		return prevision.Record{}, wrapped
	}

	record := TransitionRecord{
		RecordID:        updated.ID,
		FromStatus:      current.Statut,
		ToStatus:        updated.Statut,
		MontantMobilise: updated.MontantMobilise,
		Reason:          strings.TrimSpace(cmd.Reason),
		Actor:           m.actor,
		Timestamp:       updated.UpdatedAt,
	}
	m.remember(record)

	m.logger.With(
		"prevision_id", updated.ID,
		"from", current.Statut,
		"to", updated.Statut,
		"montant_mobilise", updated.MontantMobilise.String(),
		"actor", m.actor,
	).Info("prevision saved")
	m.publishTransition(current, updated, record)

	span.SetStatus(codes.Ok, "prevision saved")
	return updated, nil
}

// SweepLate moves every "demandé" forecast whose request is overdue to
// "en retard". With dryRun set it only reports the ids it would move.
func (m *Machine) SweepLate(ctx context.Context, filter prevision.Filter, dryRun bool) ([]string, error) {
	if m == nil {
		return nil, errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := m.tracer.Start(ctx, "prevision.sweep_late")
	defer span.End()
	span.SetAttributes(attribute.Bool("dry_run", dryRun))

	filter.Statuts = []prevision.Status{prevision.StatusDemande}
	records, err := m.store.List(ctx, filter)
	if err != nil {
		wrapped := fmt.Errorf("list requested previsions: %w", err)
		recordSpanError(span, wrapped)
		return nil, wrapped
	}

	now := m.now()
	moved := make([]string, 0)
	for _, record := range records {
		if record.Statut != prevision.StatusDemande || !prevision.IsLate(record.DateDemande, now) {
			continue
		}
		if !dryRun {
			_, err := m.Mobilize(ctx, MobilizeCommand{
				ID:     record.ID,
				Status: prevision.StatusEnRetard,
				Reason: "request overdue",
			})
			if err != nil {
				recordSpanError(span, err)
				return moved, fmt.Errorf("mark prevision %s late: %w", record.ID, err)
			}
		}
		moved = append(moved, record.ID)
	}

	span.SetAttributes(attribute.Int("late_count", len(moved)))
	span.SetStatus(codes.Ok, "late sweep complete")
	return moved, nil
}

func (m *Machine) remember(record TransitionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, record)
	if over := len(m.history) - m.historyLimit; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
}

// History returns the most recent transitions saved by this machine, oldest
// first.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// plan fetches the current record and computes the updated one. The
// returned current record is populated whenever the fetch succeeded.
func (m *Machine) plan(ctx context.Context, span trace.Span, cmd MobilizeCommand) (prevision.Record, prevision.Record, error) {
	id := strings.TrimSpace(cmd.ID)
	span.SetAttributes(
		attribute.String("prevision_id", id),
		attribute.String("to_status", string(cmd.Status)),
		attribute.String("reason", strings.TrimSpace(cmd.Reason)),
	)
	if id == "" {
		return prevision.Record{}, prevision.Record{}, errors.New("prevision id must not be empty")
	}

	current, err := m.store.Fetch(ctx, id)
	if err != nil {
		return prevision.Record{}, prevision.Record{}, fmt.Errorf("fetch prevision %s: %w", id, err)
	}
	amount := cmd.amount(current)
	span.SetAttributes(
		attribute.String("from_status", string(current.Statut)),
		attribute.String("montant_mobilise", amount.String()),
	)

	// An illegal move is reported before any amount problem, including one
	// in the requested amount.
	if !prevision.CanTransition(current.Statut, cmd.Status) {
		if _, err := prevision.ValidateMobilizationChange(current, cmd.Status, amount); err != nil {
			return current, prevision.Record{}, err
		}
	}

	staged := current
	if cmd.MontantDemande != nil {
		staged, err = prevision.WithRequestedAmount(current, *cmd.MontantDemande)
		if err != nil {
			return current, prevision.Record{}, err
		}
	}

	change, err := prevision.ValidateMobilizationChange(staged, cmd.Status, amount)
	if err != nil {
		return current, prevision.Record{}, err
	}

	updated := prevision.ApplyMobilizationChange(staged, change, m.now())
	if cmd.Notes != nil {
		updated.Notes = *cmd.Notes
	}
	return current, updated, nil
}

func (m *Machine) reportRejection(cmd MobilizeCommand, current prevision.Record, err error) {
	var validationErr *prevision.ValidationError
	if !errors.As(err, &validationErr) {
		m.logger.With("prevision_id", cmd.ID, "error", err).Error("prevision save failed")
		return
	}
	m.logger.With(
		"prevision_id", cmd.ID,
		"kind", string(validationErr.Kind),
		"from", current.Statut,
		"to", cmd.Status,
	).Warn("prevision change rejected")
	m.publish(events.Event{
		Type:     events.EventTypeRejected,
		EntityID: cmd.ID,
		Severity: events.SeverityWarn,
		Payload: events.TransitionPayload{
			FromStatus:      string(current.Statut),
			ToStatus:        string(cmd.Status),
			MontantMobilise: cmd.amount(current).String(),
			Actor:           m.actor,
			Reason:          string(validationErr.Kind),
		},
	})
}

func (m *Machine) publishTransition(before, after prevision.Record, record TransitionRecord) {
	payload := events.TransitionPayload{
		FromStatus:      string(before.Statut),
		ToStatus:        string(after.Statut),
		MontantMobilise: after.MontantMobilise.String(),
		Actor:           record.Actor,
		Reason:          record.Reason,
	}
	emit := func(eventType, severity string) {
		m.publish(events.Event{
			Type:      eventType,
			Timestamp: record.Timestamp,
			EntityID:  after.ID,
			Payload:   payload,
			Severity:  severity,
		})
	}

	if before.Statut != after.Statut {
		emit(events.EventTypeStatusChanged, events.SeverityInfo)
	}
	if before.Statut == prevision.StatusPrevu && after.Statut == prevision.StatusDemande {
		emit(events.EventTypeRequested, events.SeverityInfo)
	}
	if after.Statut.IsMobilized() {
		emit(events.EventTypeMobilized, events.SeverityInfo)
	}
	if after.Statut == prevision.StatusEnRetard && before.Statut != prevision.StatusEnRetard {
		emit(events.EventTypeMarkedLate, events.SeverityWarn)
	}
}

func (m *Machine) publish(event events.Event) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(event)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

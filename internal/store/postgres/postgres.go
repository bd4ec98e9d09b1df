// Package postgres stores forecasts in the prevision_cp table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Schema creates the prevision_cp table when it is missing.
const Schema = `
CREATE TABLE IF NOT EXISTS prevision_cp (
  id               text PRIMARY KEY,
  exercice         integer NOT NULL,
  periode          text NOT NULL,
  operation_id     text,
  engagement_id    text,
  montant_prevu    numeric(18,2) NOT NULL DEFAULT 0,
  montant_demande  numeric(18,2) NOT NULL DEFAULT 0,
  montant_mobilise numeric(18,2) NOT NULL DEFAULT 0,
  montant_consomme numeric(18,2) NOT NULL DEFAULT 0,
  statut           text NOT NULL DEFAULT 'prévu',
  date_demande     timestamptz,
  date_mobilise    timestamptz,
  notes            text NOT NULL DEFAULT '',
  created_at       timestamptz NOT NULL DEFAULT now(),
  updated_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS prevision_cp_exercice_periode_idx ON prevision_cp (exercice, periode);
`

const selectColumns = `
SELECT
  id,
  exercice,
  periode,
  COALESCE(operation_id, ''),
  COALESCE(engagement_id, ''),
  montant_prevu,
  montant_demande,
  montant_mobilise,
  montant_consomme,
  statut,
  date_demande,
  date_mobilise,
  notes,
  created_at,
  updated_at
FROM prevision_cp`

const (
	codeUniqueViolation = "23505"
	codeUndefinedTable  = "42P01"
)

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// Store is the PostgreSQL implementation of the forecast store.
type Store struct {
	DB *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn must not be empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply prevision_cp schema: %w", mapError(err))
	}
	return nil
}

// Fetch loads one forecast by id.
func (s *Store) Fetch(ctx context.Context, id string) (prevision.Record, error) {
	row := s.DB.QueryRowContext(ctx, selectColumns+"\nWHERE id = $1", strings.TrimSpace(id))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return prevision.Record{}, fmt.Errorf("prevision %q: %w", id, prevision.ErrNotFound)
		}
		return prevision.Record{}, mapError(err)
	}
	return record, nil
}

// Save writes every mutable column of record.
func (s *Store) Save(ctx context.Context, record prevision.Record) error {
	const q = `
UPDATE prevision_cp SET
  exercice = $2,
  periode = $3,
  operation_id = NULLIF($4, ''),
  engagement_id = NULLIF($5, ''),
  montant_prevu = $6,
  montant_demande = $7,
  montant_mobilise = $8,
  montant_consomme = $9,
  statut = $10,
  date_demande = $11,
  date_mobilise = $12,
  notes = $13,
  updated_at = $14
WHERE id = $1`

	result, err := s.DB.ExecContext(ctx, q,
		record.ID,
		record.Exercice,
		record.Periode,
		record.OperationID,
		record.EngagementID,
		record.MontantPrevu,
		record.MontantDemande,
		record.MontantMobilise,
		record.MontantConsomme,
		string(record.Statut),
		nullTime(record.DateDemande),
		nullTime(record.DateMobilise),
		record.Notes,
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("prevision %q: %w", record.ID, prevision.ErrNotFound)
	}
	return nil
}

// Create inserts a new forecast.
func (s *Store) Create(ctx context.Context, record prevision.Record) error {
	const q = `
INSERT INTO prevision_cp (
  id, exercice, periode, operation_id, engagement_id,
  montant_prevu, montant_demande, montant_mobilise, montant_consomme,
  statut, date_demande, date_mobilise, notes, created_at, updated_at
) VALUES (
  $1, $2, $3, NULLIF($4, ''), NULLIF($5, ''),
  $6, $7, $8, $9,
  $10, $11, $12, $13, $14, $15
)`

	_, err := s.DB.ExecContext(ctx, q,
		record.ID,
		record.Exercice,
		record.Periode,
		record.OperationID,
		record.EngagementID,
		record.MontantPrevu,
		record.MontantDemande,
		record.MontantMobilise,
		record.MontantConsomme,
		string(record.Statut),
		nullTime(record.DateDemande),
		nullTime(record.DateMobilise),
		record.Notes,
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("prevision %q: %w", record.ID, prevision.ErrAlreadyExists)
		}
		return mapError(err)
	}
	return nil
}

// List returns the forecasts matching filter. Free-text search is applied
// after the query so it folds accents the same way as the in-memory filter.
func (s *Store) List(ctx context.Context, filter prevision.Filter) ([]prevision.Record, error) {
	where, args := buildWhere(filter)
	q := selectColumns
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY periode ASC, id ASC"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]prevision.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	if strings.TrimSpace(filter.Search) != "" {
		out = prevision.Filter{Search: filter.Search}.Apply(out)
	}
	return out, nil
}

func buildWhere(filter prevision.Filter) ([]string, []any) {
	where := []string{}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.Exercice != 0 {
		add("exercice = $%d", filter.Exercice)
	}
	if periode := strings.TrimSpace(filter.Periode); periode != "" {
		add("periode = $%d", strings.ToUpper(periode))
	}
	if len(filter.Statuts) > 0 {
		statuts := make([]string, 0, len(filter.Statuts))
		for _, status := range filter.Statuts {
			statuts = append(statuts, string(status))
		}
		add("statut = ANY($%d)", pq.Array(statuts))
	}
	if id := strings.TrimSpace(filter.OperationID); id != "" {
		add("operation_id = $%d", id)
	}
	if id := strings.TrimSpace(filter.EngagementID); id != "" {
		add("engagement_id = $%d", id)
	}
	return where, args
}

func scanRecord(row RowScanner) (prevision.Record, error) {
	var (
		record       prevision.Record
		statut       string
		dateDemande  sql.NullTime
		dateMobilise sql.NullTime
		prevu        decimal.Decimal
		demande      decimal.Decimal
		mobilise     decimal.Decimal
		consomme     decimal.Decimal
	)
	if err := row.Scan(
		&record.ID,
		&record.Exercice,
		&record.Periode,
		&record.OperationID,
		&record.EngagementID,
		&prevu,
		&demande,
		&mobilise,
		&consomme,
		&statut,
		&dateDemande,
		&dateMobilise,
		&record.Notes,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return prevision.Record{}, err
	}

	record.MontantPrevu = prevu
	record.MontantDemande = demande
	record.MontantMobilise = mobilise
	record.MontantConsomme = consomme
	// Unknown statuses are kept verbatim; the transition table falls back for them.
	record.Statut = prevision.Status(strings.TrimSpace(statut))
	record.DateDemande = timePtr(dateDemande)
	record.DateMobilise = timePtr(dateMobilise)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}

// mapError adds the SQLSTATE context lib/pq exposes so operators can tell a
// missing table from a connectivity failure.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeUndefinedTable:
		return fmt.Errorf("prevision_cp table missing (run `cpflow db schema`): %w", err)
	default:
		return fmt.Errorf("postgres %s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
}

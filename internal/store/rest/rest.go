// Package rest stores forecasts through a PostgREST-style HTTP API, the way
// the hosted dashboard reads and writes the prevision_cp table.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/budgetdash/cpflow/internal/prevision"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultTimeout bounds every request when no timeout is configured.
	DefaultTimeout = 10 * time.Second

	tablePath = "/rest/v1/prevision_cp"
)

// APIError is a non-2xx answer from the REST endpoint.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rest api %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rest api %d: %s", e.Status, e.Message)
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithClient replaces the HTTP client, mainly so tests can dial in memory.
func WithClient(client *fasthttp.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

// Store talks to the prevision_cp resource.
type Store struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *fasthttp.Client
}

// New builds a store for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, options ...Option) (*Store, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("rest base url must not be empty")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("rest base url %q must start with http:// or https://", baseURL)
	}

	s := &Store{
		baseURL: base,
		apiKey:  strings.TrimSpace(apiKey),
		timeout: DefaultTimeout,
		client: &fasthttp.Client{
			Name:                "cpflow",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 90 * time.Second,
		},
	}
	for _, option := range options {
		if option != nil {
			option(s)
		}
	}
	return s, nil
}

// Fetch loads one forecast by id.
func (s *Store) Fetch(ctx context.Context, id string) (prevision.Record, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("select", "*")
	args.Set("id", "eq."+strings.TrimSpace(id))

	var rows []row
	if err := s.do(ctx, fasthttp.MethodGet, args, nil, &rows); err != nil {
		return prevision.Record{}, err
	}
	if len(rows) == 0 {
		return prevision.Record{}, fmt.Errorf("prevision %q: %w", id, prevision.ErrNotFound)
	}
	return rows[0].record(), nil
}

// Save patches the row identified by record.ID.
func (s *Store) Save(ctx context.Context, record prevision.Record) error {
	body, err := json.Marshal(fromRecord(record))
	if err != nil {
		return fmt.Errorf("encode prevision %s: %w", record.ID, err)
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("id", "eq."+record.ID)

	var rows []row
	if err := s.do(ctx, fasthttp.MethodPatch, args, body, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("prevision %q: %w", record.ID, prevision.ErrNotFound)
	}
	return nil
}

// Create inserts a new row.
func (s *Store) Create(ctx context.Context, record prevision.Record) error {
	body, err := json.Marshal(fromRecord(record))
	if err != nil {
		return fmt.Errorf("encode prevision %s: %w", record.ID, err)
	}

	var rows []row
	err = s.do(ctx, fasthttp.MethodPost, nil, body, &rows)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return fmt.Errorf("prevision %q: %w", record.ID, prevision.ErrAlreadyExists)
	}
	return err
}

// List returns the forecasts matching filter ordered by periode then id.
func (s *Store) List(ctx context.Context, filter prevision.Filter) ([]prevision.Record, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	queryArgs(args, filter)

	var rows []row
	if err := s.do(ctx, fasthttp.MethodGet, args, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]prevision.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	if strings.TrimSpace(filter.Search) != "" {
		out = prevision.Filter{Search: filter.Search}.Apply(out)
	}
	return out, nil
}

func queryArgs(args *fasthttp.Args, filter prevision.Filter) {
	args.Set("select", "*")
	if filter.Exercice != 0 {
		args.Set("exercice", "eq."+strconv.Itoa(filter.Exercice))
	}
	if periode := strings.TrimSpace(filter.Periode); periode != "" {
		args.Set("periode", "eq."+strings.ToUpper(periode))
	}
	if len(filter.Statuts) > 0 {
		quoted := make([]string, 0, len(filter.Statuts))
		for _, status := range filter.Statuts {
			quoted = append(quoted, strconv.Quote(string(status)))
		}
		args.Set("statut", "in.("+strings.Join(quoted, ",")+")")
	}
	if id := strings.TrimSpace(filter.OperationID); id != "" {
		args.Set("operation_id", "eq."+id)
	}
	if id := strings.TrimSpace(filter.EngagementID); id != "" {
		args.Set("engagement_id", "eq."+id)
	}
	args.Set("order", "periode.asc,id.asc")
}

func (s *Store) do(ctx context.Context, method string, args *fasthttp.Args, body []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := s.baseURL + tablePath
	if args != nil && args.Len() > 0 {
		uri += "?" + args.String()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.Header.Set("Prefer", "return=representation")
		req.SetBody(body)
	}

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, tablePath, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return decodeAPIError(status, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", tablePath, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// row is the wire shape of one prevision_cp row.
type row struct {
	ID              string          `json:"id"`
	Exercice        int             `json:"exercice"`
	Periode         string          `json:"periode"`
	OperationID     *string         `json:"operation_id"`
	EngagementID    *string         `json:"engagement_id"`
	MontantPrevu    decimal.Decimal `json:"montant_prevu"`
	MontantDemande  decimal.Decimal `json:"montant_demande"`
	MontantMobilise decimal.Decimal `json:"montant_mobilise"`
	MontantConsomme decimal.Decimal `json:"montant_consomme"`
	Statut          string          `json:"statut"`
	DateDemande     *time.Time      `json:"date_demande"`
	DateMobilise    *time.Time      `json:"date_mobilise"`
	Notes           *string         `json:"notes"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func fromRecord(record prevision.Record) row {
	return row{
		ID:              record.ID,
		Exercice:        record.Exercice,
		Periode:         record.Periode,
		OperationID:     optionalString(record.OperationID),
		EngagementID:    optionalString(record.EngagementID),
		MontantPrevu:    record.MontantPrevu,
		MontantDemande:  record.MontantDemande,
		MontantMobilise: record.MontantMobilise,
		MontantConsomme: record.MontantConsomme,
		Statut:          string(record.Statut),
		DateDemande:     utcPtr(record.DateDemande),
		DateMobilise:    utcPtr(record.DateMobilise),
		Notes:           &record.Notes,
		CreatedAt:       record.CreatedAt.UTC(),
		UpdatedAt:       record.UpdatedAt.UTC(),
	}
}

func (r row) record() prevision.Record {
	record := prevision.Record{
		ID:              r.ID,
		Exercice:        r.Exercice,
		Periode:         r.Periode,
		MontantPrevu:    r.MontantPrevu,
		MontantDemande:  r.MontantDemande,
		MontantMobilise: r.MontantMobilise,
		MontantConsomme: r.MontantConsomme,
		Statut:          prevision.Status(strings.TrimSpace(r.Statut)),
		DateDemande:     utcPtr(r.DateDemande),
		DateMobilise:    utcPtr(r.DateMobilise),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if r.OperationID != nil {
		record.OperationID = *r.OperationID
	}
	if r.EngagementID != nil {
		record.EngagementID = *r.EngagementID
	}
	if r.Notes != nil {
		record.Notes = *r.Notes
	}
	return record
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := value.UTC()
	return &t
}

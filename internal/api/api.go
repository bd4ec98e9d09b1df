// Package api exposes the forecast lifecycle over HTTP with fasthttp.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/budgetdash/cpflow/internal/money"
	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/budgetdash/cpflow/internal/state"
	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

// Lister is the read side the API needs beyond the machine.
type Lister interface {
	Fetch(ctx context.Context, id string) (prevision.Record, error)
	List(ctx context.Context, filter prevision.Filter) ([]prevision.Record, error)
}

// Server routes requests to the lifecycle machine.
type Server struct {
	machine   *state.Machine
	store     Lister
	formatter money.Formatter
	logger    *log.Logger
	now       func() time.Time
}

// New builds a Server.
func New(machine *state.Machine, store Lister, formatter money.Formatter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		machine:   machine,
		store:     store,
		formatter: formatter,
		logger:    logger,
		now:       time.Now,
	}
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Status   int    `json:"status"`
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	Field    string `json:"field,omitempty"`
	Proposed string `json:"proposed,omitempty"`
	Limit    string `json:"limit,omitempty"`
}

// StatusView describes one lifecycle status.
type StatusView struct {
	Status      string   `json:"status"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Next        []string `json:"next"`
}

// RecordView is the JSON shape of a forecast.
type RecordView struct {
	ID              string     `json:"id"`
	Exercice        int        `json:"exercice"`
	Periode         string     `json:"periode"`
	OperationID     string     `json:"operation_id,omitempty"`
	EngagementID    string     `json:"engagement_id,omitempty"`
	MontantPrevu    string     `json:"montant_prevu"`
	MontantDemande  string     `json:"montant_demande"`
	MontantMobilise string     `json:"montant_mobilise"`
	MontantConsomme string     `json:"montant_consomme"`
	Display         Display    `json:"display"`
	Statut          string     `json:"statut"`
	Label           string     `json:"label"`
	DateDemande     *time.Time `json:"date_demande"`
	DateMobilise    *time.Time `json:"date_mobilise"`
	Late            bool       `json:"late"`
	DaysSince       *int       `json:"days_since_request,omitempty"`
	Next            []string   `json:"next"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Display carries the locale-formatted amounts.
type Display struct {
	MontantPrevu    string `json:"montant_prevu"`
	MontantDemande  string `json:"montant_demande"`
	MontantMobilise string `json:"montant_mobilise"`
	MontantConsomme string `json:"montant_consomme"`
}

// ListResponse is returned by GET /previsions.
type ListResponse struct {
	Items   []RecordView `json:"items"`
	Summary SummaryView  `json:"summary"`
}

// SummaryView aggregates a listed set.
type SummaryView struct {
	Count            int            `json:"count"`
	TotalPrevu       string         `json:"total_prevu"`
	TotalDemande     string         `json:"total_demande"`
	TotalMobilise    string         `json:"total_mobilise"`
	TotalConsomme    string         `json:"total_consomme"`
	ByStatus         map[string]int `json:"by_status"`
	Late             int            `json:"late"`
	TauxMobilisation string         `json:"taux_mobilisation"`
	TauxConsommation string         `json:"taux_consommation"`
}

// CreateRequest is the body of POST /previsions.
type CreateRequest struct {
	Exercice        int             `json:"exercice"`
	Periode         string          `json:"periode"`
	OperationID     string          `json:"operation_id"`
	EngagementID    string          `json:"engagement_id"`
	MontantPrevu    decimal.Decimal `json:"montant_prevu"`
	MontantConsomme decimal.Decimal `json:"montant_consomme"`
	Notes           string          `json:"notes"`
}

// MobilizationRequest is the body of the mobilization and preview routes.
// A missing montant_mobilise keeps the stored amount.
type MobilizationRequest struct {
	Status          string           `json:"status"`
	MontantMobilise *decimal.Decimal `json:"montant_mobilise"`
	MontantDemande  *decimal.Decimal `json:"montant_demande"`
	Notes           *string          `json:"notes"`
	Reason          string           `json:"reason"`
}

// Handler is the fasthttp entry point.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	started := time.Now()
	s.route(ctx)
	s.logger.With(
		"method", string(ctx.Method()),
		"path", string(ctx.Path()),
		"status", ctx.Response.StatusCode(),
		"duration_ms", time.Since(started).Milliseconds(),
	).Info("http request")
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	segments := splitPath(string(ctx.Path()))
	method := string(ctx.Method())

	switch {
	case len(segments) == 1 && segments[0] == "healthz" && method == fasthttp.MethodGet:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case len(segments) == 1 && segments[0] == "statuses" && method == fasthttp.MethodGet:
		s.handleStatuses(ctx)
	case len(segments) == 3 && segments[0] == "statuses" && segments[2] == "next" && method == fasthttp.MethodGet:
		s.handleNext(ctx, segments[1])
	case len(segments) == 1 && segments[0] == "previsions":
		switch method {
		case fasthttp.MethodGet:
			s.handleList(ctx)
		case fasthttp.MethodPost:
			s.handleCreate(ctx)
		default:
			writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		}
	case len(segments) == 2 && segments[0] == "previsions" && method == fasthttp.MethodGet:
		s.handleShow(ctx, segments[1])
	case len(segments) == 3 && segments[0] == "previsions" && segments[2] == "mobilization" && method == fasthttp.MethodPost:
		s.handleMobilize(ctx, segments[1], false)
	case len(segments) == 3 && segments[0] == "previsions" && segments[2] == "preview" && method == fasthttp.MethodPost:
		s.handleMobilize(ctx, segments[1], true)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "route not found")
	}
}

func (s *Server) handleStatuses(ctx *fasthttp.RequestCtx) {
	out := make([]StatusView, 0, len(prevision.AllStatuses()))
	for _, status := range prevision.AllStatuses() {
		out = append(out, statusView(status))
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handleNext answers for unknown statuses too; they get the fallback set.
func (s *Server) handleNext(ctx *fasthttp.RequestCtx, raw string) {
	writeJSON(ctx, fasthttp.StatusOK, statusView(prevision.Status(strings.TrimSpace(raw))))
}

func (s *Server) handleList(ctx *fasthttp.RequestCtx) {
	filter, err := parseFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.List(ctx, filter)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}

	now := s.now()
	items := make([]RecordView, 0, len(records))
	for _, record := range records {
		items = append(items, s.recordView(record, now))
	}
	writeJSON(ctx, fasthttp.StatusOK, ListResponse{
		Items:   items,
		Summary: s.summaryView(prevision.Summarize(records, now)),
	})
}

func (s *Server) handleShow(ctx *fasthttp.RequestCtx, id string) {
	record, err := s.store.Fetch(ctx, id)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.recordView(record, s.now()))
}

func (s *Server) handleCreate(ctx *fasthttp.RequestCtx) {
	var req CreateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	record, err := s.machine.Create(ctx, prevision.NewRecordInput{
		Exercice:        req.Exercice,
		Periode:         req.Periode,
		OperationID:     strings.TrimSpace(req.OperationID),
		EngagementID:    strings.TrimSpace(req.EngagementID),
		MontantPrevu:    req.MontantPrevu,
		MontantConsomme: req.MontantConsomme,
		Notes:           req.Notes,
	})
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, s.recordView(record, s.now()))
}

func (s *Server) handleMobilize(ctx *fasthttp.RequestCtx, id string, preview bool) {
	var req MobilizationRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cmd := state.MobilizeCommand{
		ID:              id,
		Status:          prevision.Status(strings.TrimSpace(req.Status)),
		MontantMobilise: req.MontantMobilise,
		MontantDemande:  req.MontantDemande,
		Notes:           req.Notes,
		Reason:          req.Reason,
	}

	var (
		record prevision.Record
		err    error
	)
	if preview {
		record, err = s.machine.Preview(ctx, cmd)
	} else {
		record, err = s.machine.Mobilize(ctx, cmd)
	}
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.recordView(record, s.now()))
}

func (s *Server) writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	var validationErr *prevision.ValidationError
	switch {
	case errors.As(err, &validationErr):
		body := ErrorResponse{
			Status:  fasthttp.StatusUnprocessableEntity,
			Message: validationErr.Error(),
			Kind:    string(validationErr.Kind),
			Field:   validationErr.Field,
		}
		if validationErr.Kind != prevision.KindIllegalTransition {
			body.Proposed = validationErr.Proposed.StringFixed(money.Places)
			body.Limit = validationErr.Limit.StringFixed(money.Places)
		}
		writeJSON(ctx, body.Status, body)
	case errors.Is(err, prevision.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
	case errors.Is(err, prevision.ErrAlreadyExists):
		writeError(ctx, fasthttp.StatusConflict, err.Error())
	case errors.Is(err, prevision.ErrInvalidPeriode):
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
	default:
		s.logger.With("path", string(ctx.Path()), "error", err).Error("request failed")
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}

func (s *Server) recordView(record prevision.Record, now time.Time) RecordView {
	view := RecordView{
		ID:              record.ID,
		Exercice:        record.Exercice,
		Periode:         record.Periode,
		OperationID:     record.OperationID,
		EngagementID:    record.EngagementID,
		MontantPrevu:    record.MontantPrevu.StringFixed(money.Places),
		MontantDemande:  record.MontantDemande.StringFixed(money.Places),
		MontantMobilise: record.MontantMobilise.StringFixed(money.Places),
		MontantConsomme: record.MontantConsomme.StringFixed(money.Places),
		Display: Display{
			MontantPrevu:    s.formatter.Format(&record.MontantPrevu),
			MontantDemande:  s.formatter.Format(&record.MontantDemande),
			MontantMobilise: s.formatter.Format(&record.MontantMobilise),
			MontantConsomme: s.formatter.Format(&record.MontantConsomme),
		},
		Statut:       string(record.Statut),
		Label:        record.Statut.Label(),
		DateDemande:  record.DateDemande,
		DateMobilise: record.DateMobilise,
		Next:         statusStrings(prevision.LegalNextStatuses(record.Statut)),
		Notes:        record.Notes,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
	if record.Statut == prevision.StatusDemande {
		view.Late = prevision.IsLate(record.DateDemande, now)
	}
	if days, ok := prevision.DaysSinceRequest(record.DateDemande, now); ok {
		view.DaysSince = &days
	}
	return view
}

func (s *Server) summaryView(summary prevision.Summary) SummaryView {
	byStatus := make(map[string]int, len(summary.ByStatus))
	for status, count := range summary.ByStatus {
		byStatus[string(status)] = count
	}
	return SummaryView{
		Count:            summary.Count,
		TotalPrevu:       s.formatter.Format(&summary.TotalPrevu),
		TotalDemande:     s.formatter.Format(&summary.TotalDemande),
		TotalMobilise:    s.formatter.Format(&summary.TotalMobilise),
		TotalConsomme:    s.formatter.Format(&summary.TotalConsomme),
		ByStatus:         byStatus,
		Late:             summary.Late,
		TauxMobilisation: s.formatter.FormatPercent(summary.TauxMobilisation),
		TauxConsommation: s.formatter.FormatPercent(summary.TauxConsommation),
	}
}

func statusView(status prevision.Status) StatusView {
	return StatusView{
		Status:      string(status),
		Label:       status.Label(),
		Description: prevision.Describe(status),
		Next:        statusStrings(prevision.LegalNextStatuses(status)),
	}
}

func statusStrings(statuses []prevision.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"status":500,"message":"encode response"}`)
		return
	}
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetStatusCode(status)
	ctx.SetBody(payload)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	writeJSON(ctx, status, ErrorResponse{Status: status, Message: message})
}

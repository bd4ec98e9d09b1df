package api

import (
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/budgetdash/cpflow/internal/money"
	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/budgetdash/cpflow/internal/state"
	"github.com/budgetdash/cpflow/internal/store/memory"
	"github.com/charmbracelet/log"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"golang.org/x/text/language"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, records ...prevision.Record) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New(records...)
	machine, err := state.NewMachine(store, "api-test", state.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	server := New(machine, store, money.NewFormatter(language.English, "EUR"), log.New(io.Discard))
	server.now = func() time.Time { return testNow }
	return server, store
}

func perform(t *testing.T, server *Server, method, uri, body string) (int, []byte) {
	t.Helper()

	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}

	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	server.Handler(&ctx)

	out := make([]byte, len(ctx.Response.Body()))
	copy(out, ctx.Response.Body())
	return ctx.Response.StatusCode(), out
}

func forecast(id string, prevu int64, status prevision.Status) prevision.Record {
	return prevision.Record{
		ID:           id,
		Exercice:     2024,
		Periode:      "2024-Q2",
		MontantPrevu: decimal.NewFromInt(prevu),
		Statut:       status,
		CreatedAt:    testNow.Add(-72 * time.Hour),
		UpdatedAt:    testNow.Add(-72 * time.Hour),
	}
}

func TestHealthzAndUnknownRoutes(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	status, body := perform(t, server, fasthttp.MethodGet, "/healthz", "")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, _ = perform(t, server, fasthttp.MethodGet, "/nope", "")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, _ = perform(t, server, fasthttp.MethodDelete, "/previsions", "")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)
}

func TestStatusesListsLifecycleTable(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	status, body := perform(t, server, fasthttp.MethodGet, "/statuses", "")
	require.Equal(t, fasthttp.StatusOK, status)

	var views []StatusView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 5)
	assert.Equal(t, "prévu", views[0].Status)
	assert.Equal(t, []string{"prévu", "demandé"}, views[0].Next)
	assert.Equal(t, "planned", views[0].Label)
}

func TestNextStatusesFallsBackForUnknownStatus(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	status, body := perform(t, server, fasthttp.MethodGet, "/statuses/"+url.PathEscape("mobilisé")+"/next", "")
	require.Equal(t, fasthttp.StatusOK, status)
	var view StatusView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, []string{"mobilisé", "en retard"}, view.Next)

	status, body = perform(t, server, fasthttp.MethodGet, "/statuses/archived/next", "")
	require.Equal(t, fasthttp.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, []string{"prévu"}, view.Next)
	assert.Equal(t, "unknown", view.Label)
}

func TestCreateThenShow(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	status, body := perform(t, server, fasthttp.MethodPost, "/previsions",
		`{"periode":"2024-q3","operation_id":"op-7","montant_prevu":"120000.50"}`)
	require.Equal(t, fasthttp.StatusCreated, status, string(body))

	var created RecordView
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "prévu", created.Statut)
	assert.Equal(t, "2024-Q3", created.Periode)
	assert.Equal(t, 2024, created.Exercice)
	assert.Equal(t, "120000.50", created.MontantPrevu)
	assert.Equal(t, "0.00", created.MontantMobilise)
	assert.Equal(t, "120,000.50 EUR", created.Display.MontantPrevu)
	assert.Equal(t, 1, store.Len())

	status, body = perform(t, server, fasthttp.MethodGet, "/previsions/"+created.ID, "")
	require.Equal(t, fasthttp.StatusOK, status)
	var shown RecordView
	require.NoError(t, json.Unmarshal(body, &shown))
	assert.Equal(t, created.ID, shown.ID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	status, _ := perform(t, server, fasthttp.MethodPost, "/previsions", `{"periode":`)
	assert.Equal(t, fasthttp.StatusBadRequest, status)

	status, _ = perform(t, server, fasthttp.MethodPost, "/previsions", `{"periode":"2024-Q9","montant_prevu":"10"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, status)

	status, body := perform(t, server, fasthttp.MethodPost, "/previsions", `{"periode":"2024-Q1","montant_prevu":"-10"}`)
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, status)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "negative_amount", errBody.Kind)
	assert.Equal(t, "montant_prevu", errBody.Field)
}

func TestMobilizationFlowAndValidationErrors(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, forecast("cp-1", 25000, prevision.StatusPrevu))

	status, body := perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/mobilization",
		`{"status":"mobilisé","montant_mobilise":1000}`)
	require.Equal(t, fasthttp.StatusUnprocessableEntity, status)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "illegal_transition", errBody.Kind)
	assert.Empty(t, errBody.Proposed)

	status, body = perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/mobilization",
		`{"status":"demandé","montant_mobilise":0,"reason":"dossier transmis"}`)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var requested RecordView
	require.NoError(t, json.Unmarshal(body, &requested))
	assert.Equal(t, "demandé", requested.Statut)
	require.NotNil(t, requested.DateDemande)
	assert.True(t, requested.DateDemande.Equal(testNow))
	require.NotNil(t, requested.DaysSince)
	assert.Equal(t, 0, *requested.DaysSince)
	assert.False(t, requested.Late)

	status, body = perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/mobilization",
		`{"status":"mobilisé","montant_mobilise":"25001"}`)
	require.Equal(t, fasthttp.StatusUnprocessableEntity, status)
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "exceeds_forecast", errBody.Kind)
	assert.Equal(t, "25001.00", errBody.Proposed)
	assert.Equal(t, "25000.00", errBody.Limit)

	status, body = perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/mobilization",
		`{"status":"mobilisé","montant_mobilise":"25000"}`)
	require.Equal(t, fasthttp.StatusOK, status, string(body))

	stored, err := store.Fetch(t.Context(), "cp-1")
	require.NoError(t, err)
	assert.Equal(t, prevision.StatusMobilise, stored.Statut)
	assert.True(t, stored.MontantMobilise.Equal(decimal.NewFromInt(25000)))
	require.NotNil(t, stored.DateMobilise)
}

func TestMobilizationWithoutAmountKeepsStoredAmount(t *testing.T) {
	t.Parallel()

	seed := forecast("cp-1", 50000, prevision.StatusMobilise)
	seed.MontantDemande = decimal.NewFromInt(25000)
	seed.MontantMobilise = decimal.NewFromInt(25000)
	server, store := newTestServer(t, seed)

	status, body := perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/mobilization", `{"status":"en retard"}`)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var updated RecordView
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "en retard", updated.Statut)
	assert.Equal(t, "25000.00", updated.MontantMobilise)

	stored, err := store.Fetch(t.Context(), "cp-1")
	require.NoError(t, err)
	assert.True(t, stored.MontantMobilise.Equal(decimal.NewFromInt(25000)), "stored %s", stored.MontantMobilise)
}

func TestIllegalMoveIsReportedBeforeRequestedAmountErrors(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, forecast("cp-1", 50000, prevision.StatusPrevu))

	status, body := perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/mobilization",
		`{"status":"mobilisé","montant_demande":"90000"}`)
	require.Equal(t, fasthttp.StatusUnprocessableEntity, status)
	var errBody ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "illegal_transition", errBody.Kind)
}

func TestPreviewDoesNotPersist(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, forecast("cp-1", 50000, prevision.StatusPrevu))

	status, body := perform(t, server, fasthttp.MethodPost, "/previsions/cp-1/preview",
		`{"status":"demandé","montant_demande":"40000"}`)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var preview RecordView
	require.NoError(t, json.Unmarshal(body, &preview))
	assert.Equal(t, "demandé", preview.Statut)
	assert.Equal(t, "40000.00", preview.MontantDemande)

	stored, err := store.Fetch(t.Context(), "cp-1")
	require.NoError(t, err)
	assert.Equal(t, prevision.StatusPrevu, stored.Statut)
	assert.True(t, stored.MontantDemande.IsZero())
}

func TestUnknownPrevisionIsNotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	status, _ := perform(t, server, fasthttp.MethodGet, "/previsions/missing", "")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, _ = perform(t, server, fasthttp.MethodPost, "/previsions/missing/mobilization", `{"status":"demandé"}`)
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestListFiltersAndSummarizes(t *testing.T) {
	t.Parallel()

	overdue := testNow.Add(-45 * 24 * time.Hour)
	late := forecast("cp-late", 40000, prevision.StatusDemande)
	late.DateDemande = &overdue
	late.MontantDemande = decimal.NewFromInt(40000)
	done := forecast("cp-done", 60000, prevision.StatusMobilise)
	done.MontantMobilise = decimal.NewFromInt(30000)
	planned := forecast("cp-plan", 10000, prevision.StatusPrevu)
	planned.Periode = "2024-Q3"

	server, _ := newTestServer(t, late, done, planned)

	status, body := perform(t, server, fasthttp.MethodGet, "/previsions?periode=2024-Q2", "")
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var list ListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 2)
	assert.Equal(t, 2, list.Summary.Count)
	assert.Equal(t, 1, list.Summary.Late)
	assert.Equal(t, 1, list.Summary.ByStatus["demandé"])
	assert.Equal(t, "30.00 %", list.Summary.TauxMobilisation)

	for _, item := range list.Items {
		if item.ID == "cp-late" {
			assert.True(t, item.Late)
			require.NotNil(t, item.DaysSince)
			assert.Equal(t, 45, *item.DaysSince)
		}
	}

	status, body = perform(t, server, fasthttp.MethodGet, "/previsions?statut="+url.QueryEscape("prévu,mobilisé"), "")
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Items, 2)

	status, _ = perform(t, server, fasthttp.MethodGet, "/previsions?statut=archived", "")
	assert.Equal(t, fasthttp.StatusBadRequest, status)

	status, _ = perform(t, server, fasthttp.MethodGet, "/previsions?exercice=abc", "")
	assert.Equal(t, fasthttp.StatusBadRequest, status)
}

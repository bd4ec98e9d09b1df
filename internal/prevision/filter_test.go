package prevision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sampleRecords() []Record {
	requested := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	return []Record{
		{
			ID: "a", Exercice: 2024, Periode: "2024-Q1", OperationID: "op-1", EngagementID: "eng-1",
			MontantPrevu: decimal.NewFromInt(1000), Statut: StatusPrevu, Notes: "Études préalables",
		},
		{
			ID: "b", Exercice: 2024, Periode: "2024-Q1", OperationID: "op-1", EngagementID: "eng-2",
			MontantPrevu: decimal.NewFromInt(2000), MontantDemande: decimal.NewFromInt(2000),
			Statut: StatusDemande, DateDemande: &requested,
		},
		{
			ID: "c", Exercice: 2024, Periode: "2024-Q2", OperationID: "op-2", EngagementID: "eng-3",
			MontantPrevu: decimal.NewFromInt(1000), MontantDemande: decimal.NewFromInt(1000),
			MontantMobilise: decimal.NewFromInt(1000), MontantConsomme: decimal.NewFromInt(250),
			Statut: StatusMobilise, DateDemande: &recent,
		},
		{
			ID: "d", Exercice: 2023, Periode: "2023-Q4", OperationID: "op-9",
			MontantPrevu: decimal.NewFromInt(500), Statut: StatusDemande, DateDemande: &recent,
		},
	}
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "empty filter", filter: Filter{}, want: []string{"a", "b", "c", "d"}},
		{name: "exercice", filter: Filter{Exercice: 2024}, want: []string{"a", "b", "c"}},
		{name: "periode case-insensitive", filter: Filter{Periode: "2024-q1"}, want: []string{"a", "b"}},
		{name: "statuses", filter: Filter{Statuts: []Status{StatusDemande, StatusMobilise}}, want: []string{"b", "c", "d"}},
		{name: "operation", filter: Filter{OperationID: "op-1"}, want: []string{"a", "b"}},
		{name: "engagement", filter: Filter{EngagementID: "eng-3"}, want: []string{"c"}},
		{name: "accent-insensitive search", filter: Filter{Search: "ETUDES prealables"}, want: []string{"a"}},
		{name: "search on status", filter: Filter{Search: "mobilise"}, want: []string{"c"}},
		{name: "all terms must match", filter: Filter{Search: "op-1 eng-2"}, want: []string{"b"}},
		{name: "no match", filter: Filter{Search: "inexistant"}, want: []string{}},
	}

	records := sampleRecords()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.filter.Apply(records)
			if len(got) != len(tt.want) {
				t.Fatalf("matched %d records, want %d", len(got), len(tt.want))
			}
			for i, record := range got {
				if record.ID != tt.want[i] {
					t.Fatalf("match[%d] = %q, want %q", i, record.ID, tt.want[i])
				}
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	summary := Summarize(sampleRecords(), now)

	if summary.Count != 4 {
		t.Fatalf("count = %d, want 4", summary.Count)
	}
	if !summary.TotalPrevu.Equal(decimal.NewFromInt(4500)) {
		t.Fatalf("total prevu = %s, want 4500", summary.TotalPrevu)
	}
	if !summary.TotalMobilise.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("total mobilise = %s, want 1000", summary.TotalMobilise)
	}
	if summary.ByStatus[StatusDemande] != 2 || summary.ByStatus[StatusPrevu] != 1 {
		t.Fatalf("by status = %v", summary.ByStatus)
	}
	if summary.Late != 1 {
		t.Fatalf("late = %d, want 1", summary.Late)
	}
	if !summary.TauxMobilisation.Equal(decimal.RequireFromString("22.22")) {
		t.Fatalf("taux mobilisation = %s, want 22.22", summary.TauxMobilisation)
	}
	if !summary.TauxConsommation.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("taux consommation = %s, want 25", summary.TauxConsommation)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()

	summary := Summarize(nil, time.Now())
	if summary.Count != 0 || !summary.TauxMobilisation.IsZero() {
		t.Fatalf("empty summary = %+v", summary)
	}
}

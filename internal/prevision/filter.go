package prevision

import (
	"strings"
	"time"
	"unicode"

	"github.com/budgetdash/cpflow/internal/money"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Filter narrows a list of forecasts. Zero fields match everything.
type Filter struct {
	Exercice     int
	Periode      string
	Statuts      []Status
	OperationID  string
	EngagementID string
	// Search is matched case- and accent-insensitively against the id,
	// periode, status, notes, operation and engagement ids.
	Search string
}

// Matches reports whether r satisfies every populated criterion of f.
func (f Filter) Matches(r Record) bool {
	if f.Exercice != 0 && r.Exercice != f.Exercice {
		return false
	}
	if periode := strings.TrimSpace(f.Periode); periode != "" && !strings.EqualFold(periode, r.Periode) {
		return false
	}
	if len(f.Statuts) > 0 && !containsStatus(f.Statuts, r.Statut) {
		return false
	}
	if id := strings.TrimSpace(f.OperationID); id != "" && id != r.OperationID {
		return false
	}
	if id := strings.TrimSpace(f.EngagementID); id != "" && id != r.EngagementID {
		return false
	}
	return matchesSearch(f.Search, r)
}

// Apply returns the records that match f, preserving order.
func (f Filter) Apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if f.Matches(record) {
			out = append(out, record)
		}
	}
	return out
}

func matchesSearch(search string, r Record) bool {
	terms := strings.Fields(fold(search))
	if len(terms) == 0 {
		return true
	}
	haystack := fold(strings.Join([]string{
		r.ID,
		r.Periode,
		string(r.Statut),
		r.Notes,
		r.OperationID,
		r.EngagementID,
	}, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// fold lowercases value and strips combining marks so "Mobilisé" matches "mobilise".
func fold(value string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(folder, value)
	if err != nil {
		out = value
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func containsStatus(statuses []Status, target Status) bool {
	for _, status := range statuses {
		if status == target {
			return true
		}
	}
	return false
}

// Summary aggregates a set of forecasts for the dashboard header.
type Summary struct {
	Count            int
	TotalPrevu       decimal.Decimal
	TotalDemande     decimal.Decimal
	TotalMobilise    decimal.Decimal
	TotalConsomme    decimal.Decimal
	ByStatus         map[Status]int
	Late             int
	TauxMobilisation decimal.Decimal
	TauxConsommation decimal.Decimal
}

// Summarize totals records. Late counts records still in "demandé" whose
// request is overdue at now.
func Summarize(records []Record, now time.Time) Summary {
	summary := Summary{
		TotalPrevu:    decimal.Zero,
		TotalDemande:  decimal.Zero,
		TotalMobilise: decimal.Zero,
		TotalConsomme: decimal.Zero,
		ByStatus:      make(map[Status]int, len(allStatuses)),
	}
	for _, record := range records {
		summary.Count++
		summary.TotalPrevu = summary.TotalPrevu.Add(record.MontantPrevu)
		summary.TotalDemande = summary.TotalDemande.Add(record.MontantDemande)
		summary.TotalMobilise = summary.TotalMobilise.Add(record.MontantMobilise)
		summary.TotalConsomme = summary.TotalConsomme.Add(record.MontantConsomme)
		summary.ByStatus[record.Statut]++
		if record.Statut == StatusDemande && IsLate(record.DateDemande, now) {
			summary.Late++
		}
	}
	summary.TauxMobilisation = money.Percentage(summary.TotalMobilise, summary.TotalPrevu)
	summary.TauxConsommation = money.Percentage(summary.TotalConsomme, summary.TotalMobilise)
	return summary
}

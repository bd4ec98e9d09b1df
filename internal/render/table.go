package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/budgetdash/cpflow/internal/money"
	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Table renders rows under headers with a rounded border. Columns listed in
// rightAligned are right-aligned.
func Table(headers []string, rows [][]string, rightAligned ...int) string {
	right := make(map[int]bool, len(rightAligned))
	for _, col := range rightAligned {
		right[col] = true
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(SlateColor)).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return HeaderStyle
			case right[col]:
				return AmountStyle
			default:
				return CellStyle
			}
		})
	if len(headers) > 0 {
		t = t.Headers(headers...)
	}
	return t.Render()
}

// Statuses renders the lifecycle table: every status with its legal next set.
func Statuses() string {
	statuses := prevision.AllStatuses()
	rows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		rows = append(rows, []string{
			StatusBadge(status),
			status.Label(),
			joinStatuses(prevision.LegalNextStatuses(status)),
			MutedStyle.Render(prevision.Describe(status)),
		})
	}
	return Table([]string{"Statut", "Clé", "Suivants", "Description"}, rows)
}

// Records renders one row per forecast. Requests overdue at now show their
// age in the "Retard (j)" column.
func Records(records []prevision.Record, formatter money.Formatter, now time.Time) string {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			record.ID,
			record.Periode,
			StatusBadge(record.Statut),
			formatter.Format(&record.MontantPrevu),
			formatter.Format(&record.MontantDemande),
			formatter.Format(&record.MontantMobilise),
			delayCell(record, now),
		})
	}
	return Table(
		[]string{"ID", "Période", "Statut", "Prévu", "Demandé", "Mobilisé", "Retard (j)"},
		rows,
		3, 4, 5, 6,
	)
}

// Record renders the detail view of a single forecast.
func Record(record prevision.Record, formatter money.Formatter, now time.Time) string {
	rows := [][]string{
		{"ID", record.ID},
		{"Exercice", strconv.Itoa(record.Exercice)},
		{"Période", record.Periode},
		{"Opération", dash(record.OperationID)},
		{"Engagement", dash(record.EngagementID)},
		{"Statut", StatusBadge(record.Statut) + "  " + MutedStyle.Render(prevision.Describe(record.Statut))},
		{"Prévu", formatter.Format(&record.MontantPrevu)},
		{"Demandé", formatter.Format(&record.MontantDemande)},
		{"Mobilisé", formatter.Format(&record.MontantMobilise)},
		{"Consommé", formatter.Format(&record.MontantConsomme)},
		{"Date demande", formatDate(record.DateDemande)},
		{"Date mobilisation", formatDate(record.DateMobilise)},
		{"Retard (j)", delayCell(record, now)},
		{"Suivants", joinStatuses(prevision.LegalNextStatuses(record.Statut))},
		{"Notes", dash(record.Notes)},
	}
	return Table(nil, rows)
}

// Summary renders totals and rates for a set of forecasts.
func Summary(summary prevision.Summary, formatter money.Formatter) string {
	rows := [][]string{
		{"Prévisions", strconv.Itoa(summary.Count)},
		{"Total prévu", formatter.Format(&summary.TotalPrevu)},
		{"Total demandé", formatter.Format(&summary.TotalDemande)},
		{"Total mobilisé", formatter.Format(&summary.TotalMobilise)},
		{"Total consommé", formatter.Format(&summary.TotalConsomme)},
		{"Taux de mobilisation", formatter.FormatPercent(summary.TauxMobilisation)},
		{"Taux de consommation", formatter.FormatPercent(summary.TauxConsommation)},
		{"Demandes en retard", lateCount(summary.Late)},
	}
	for _, status := range prevision.AllStatuses() {
		if count := summary.ByStatus[status]; count > 0 {
			rows = append(rows, []string{StatusBadge(status), strconv.Itoa(count)})
		}
	}
	return Table(nil, rows, 1)
}

func delayCell(record prevision.Record, now time.Time) string {
	if record.Statut != prevision.StatusDemande {
		return "-"
	}
	days, ok := prevision.DaysSinceRequest(record.DateDemande, now)
	if !ok {
		return "-"
	}
	if prevision.IsLate(record.DateDemande, now) {
		return WarningStyle.Render(strconv.Itoa(days))
	}
	return strconv.Itoa(days)
}

func lateCount(late int) string {
	if late == 0 {
		return "0"
	}
	return WarningStyle.Render(strconv.Itoa(late))
}

func joinStatuses(statuses []prevision.Status) string {
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, string(status))
	}
	return strings.Join(parts, ", ")
}

func formatDate(value *time.Time) string {
	if value == nil {
		return "-"
	}
	return value.UTC().Format(time.DateOnly)
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

// Transition renders a one-line confirmation of an accepted change.
func Transition(from prevision.Record, to prevision.Record, formatter money.Formatter) string {
	return fmt.Sprintf("%s: %s -> %s (mobilisé %s)",
		to.ID,
		StatusBadge(from.Statut, WithBadgeIcon(false)),
		StatusBadge(to.Statut, WithBadgeBold(true)),
		formatter.Format(&to.MontantMobilise),
	)
}

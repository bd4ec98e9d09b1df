package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/budgetdash/cpflow/internal/render"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newStatusesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "statuses",
		Short: "Show every status and the statuses reachable from it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), render.Statuses())
			return err
		},
	}
}

func newNextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next <status>",
		Short: "List the statuses a forecast may move to",
		Long: "List the statuses a forecast in <status> may move to. An unrecognized " +
			"status is treated as a fresh record and may only become \"prévu\".",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := prevision.Status(strings.TrimSpace(args[0]))
			if parsed, ok := prevision.ParseStatus(args[0]); ok {
				status = parsed
			}
			for _, next := range prevision.LegalNextStatuses(status) {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), next); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newLateCommand(a *app) *cobra.Command {
	var nowFlag string

	cmd := &cobra.Command{
		Use:   "late <date-demande>",
		Short: "Report whether a request filed on <date-demande> is overdue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requested, err := parseDate(args[0])
			if err != nil {
				return fmt.Errorf("parse date-demande: %w", err)
			}
			now := a.now()
			if strings.TrimSpace(nowFlag) != "" {
				if now, err = parseDate(nowFlag); err != nil {
					return fmt.Errorf("parse --now: %w", err)
				}
			}

			days, _ := prevision.DaysSinceRequest(&requested, now)
			verdict := "on time"
			if prevision.IsLate(&requested, now) {
				verdict = "late"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d days since request (threshold %d)\n",
				verdict, days, int(prevision.LateThreshold/(24*time.Hour)))
			return err
		},
	}
	cmd.Flags().StringVar(&nowFlag, "now", "", "evaluate at this date instead of the current time")
	return cmd
}

func newFormatCommand(a *app) *cobra.Command {
	var percent bool

	cmd := &cobra.Command{
		Use:   "format <amount>",
		Short: "Format an amount the way the dashboard displays it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			formatter := a.formatter()
			out := formatter.Format(&amount)
			if percent {
				out = formatter.FormatPercent(amount)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().BoolVar(&percent, "percent", false, "format as a percentage instead of an amount")
	return cmd
}

// parseDate accepts a calendar date or an RFC 3339 timestamp, in UTC.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.DateOnly, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", value)
	}
	return parsed.UTC(), nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(value), " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return amount, nil
}

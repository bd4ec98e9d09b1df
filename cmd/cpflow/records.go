package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/budgetdash/cpflow/internal/render"
	"github.com/budgetdash/cpflow/internal/state"
	"github.com/spf13/cobra"
)

func newCreateCommand(a *app) *cobra.Command {
	var (
		periode, operation, engagement, notes string
		prevu, consomme                       string
		exercice                              int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a new forecast in the prévu state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input := prevision.NewRecordInput{
				Exercice:     exercice,
				Periode:      periode,
				OperationID:  operation,
				EngagementID: engagement,
				Notes:        notes,
			}
			var err error
			if input.MontantPrevu, err = parseAmount(prevu); err != nil {
				return err
			}
			if strings.TrimSpace(consomme) != "" {
				if input.MontantConsomme, err = parseAmount(consomme); err != nil {
					return err
				}
			}

			sess, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			record, err := sess.machine.Create(cmd.Context(), input)
			if err != nil {
				return err
			}
			a.warnIfEphemeral(cmd.ErrOrStderr())
			_, err = fmt.Fprintln(cmd.OutOrStdout(), render.Record(record, a.formatter(), a.now()))
			return err
		},
	}
	cmd.Flags().StringVar(&periode, "periode", "", "quarter bucket, YYYY-Qn")
	cmd.Flags().IntVar(&exercice, "exercice", 0, "fiscal year (defaults to the periode's year)")
	cmd.Flags().StringVar(&operation, "operation", "", "operation id")
	cmd.Flags().StringVar(&engagement, "engagement", "", "engagement id")
	cmd.Flags().StringVar(&prevu, "prevu", "", "forecast amount")
	cmd.Flags().StringVar(&consomme, "consomme", "", "amount already consumed")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	_ = cmd.MarkFlagRequired("periode")
	_ = cmd.MarkFlagRequired("prevu")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one forecast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			record, err := sess.store.Fetch(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), render.Record(record, a.formatter(), a.now()))
			return err
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	var (
		filter   prevision.Filter
		statuts  []string
		noTotals bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forecasts with totals and mobilization rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseStatuses(statuts)
			if err != nil {
				return err
			}
			filter.Statuts = parsed
			if periode := strings.TrimSpace(filter.Periode); periode != "" {
				if err := prevision.ValidatePeriode(periode); err != nil {
					return err
				}
			}

			sess, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			records, err := sess.store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			now := a.now()
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				_, err = fmt.Fprintln(out, "no forecasts match")
				return err
			}
			if _, err := fmt.Fprintln(out, render.Records(records, a.formatter(), now)); err != nil {
				return err
			}
			if noTotals {
				return nil
			}
			_, err = fmt.Fprintln(out, render.Summary(prevision.Summarize(records, now), a.formatter()))
			return err
		},
	}
	cmd.Flags().IntVar(&filter.Exercice, "exercice", 0, "only this fiscal year")
	cmd.Flags().StringVar(&filter.Periode, "periode", "", "only this quarter, YYYY-Qn")
	cmd.Flags().StringSliceVar(&statuts, "statut", nil, "only these statuses (repeatable or comma-separated)")
	cmd.Flags().StringVar(&filter.OperationID, "operation", "", "only this operation id")
	cmd.Flags().StringVar(&filter.EngagementID, "engagement", "", "only this engagement id")
	cmd.Flags().StringVarP(&filter.Search, "query", "q", "", "accent-insensitive search over ids, periode and notes")
	cmd.Flags().BoolVar(&noTotals, "no-totals", false, "omit the summary table")
	return cmd
}

func newMobilizeCommand(a *app) *cobra.Command {
	var (
		status, amount, requested, notes, reason string
		dryRun                                   bool
	)

	cmd := &cobra.Command{
		Use:   "mobilize <id>",
		Short: "Move a forecast along its lifecycle and record the mobilized amount",
		Long: "Move a forecast to --status with --amount mobilized. Without --amount the " +
			"current mobilized amount is kept. --requested revises the requested amount " +
			"in the same save. --dry-run prints the result without saving.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, ok := prevision.ParseStatus(status)
			if !ok {
				return fmt.Errorf("unknown status %q (want one of %s)", status, statusList())
			}

			sess, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			id := strings.TrimSpace(args[0])
			before, err := sess.store.Fetch(cmd.Context(), id)
			if err != nil {
				return err
			}

			command := state.MobilizeCommand{
				ID:     id,
				Status: target,
				Reason: reason,
			}
			if cmd.Flags().Changed("amount") {
				value, err := parseAmount(amount)
				if err != nil {
					return err
				}
				command.MontantMobilise = &value
			}
			if cmd.Flags().Changed("requested") {
				value, err := parseAmount(requested)
				if err != nil {
					return err
				}
				command.MontantDemande = &value
			}
			if cmd.Flags().Changed("notes") {
				command.Notes = &notes
			}

			var after prevision.Record
			if dryRun {
				after, err = sess.machine.Preview(cmd.Context(), command)
			} else {
				after, err = sess.machine.Mobilize(cmd.Context(), command)
			}
			if err != nil {
				return explainRejection(err, before)
			}

			out := cmd.OutOrStdout()
			if dryRun {
				if _, err := fmt.Fprint(out, "dry run, nothing saved: "); err != nil {
					return err
				}
			} else {
				a.warnIfEphemeral(cmd.ErrOrStderr())
			}
			_, err = fmt.Fprintln(out, render.Transition(before, after, a.formatter()))
			return err
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&amount, "amount", "", "mobilized amount after the change")
	cmd.Flags().StringVar(&requested, "requested", "", "requested amount after the change")
	cmd.Flags().StringVar(&notes, "notes", "", "replace the forecast's notes")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the change")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and print without saving")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newSweepLateCommand(a *app) *cobra.Command {
	var (
		filter prevision.Filter
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sweep-late",
		Short: "Mark overdue requests as en retard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close() }()

			ids, err := sess.machine.SweepLate(cmd.Context(), filter, dryRun)
			out := cmd.OutOrStdout()
			for _, id := range ids {
				if _, writeErr := fmt.Fprintln(out, id); writeErr != nil {
					return writeErr
				}
			}
			if err != nil {
				return err
			}

			verb := "marked"
			if dryRun {
				verb = "would mark"
			} else if len(ids) > 0 {
				a.warnIfEphemeral(cmd.ErrOrStderr())
			}
			_, err = fmt.Fprintf(out, "%s %d forecast(s) %s\n", verb, len(ids), prevision.StatusEnRetard)
			return err
		},
	}
	cmd.Flags().IntVar(&filter.Exercice, "exercice", 0, "only this fiscal year")
	cmd.Flags().StringVar(&filter.Periode, "periode", "", "only this quarter, YYYY-Qn")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list overdue requests without changing them")
	return cmd
}

func parseStatuses(values []string) ([]prevision.Status, error) {
	statuses := make([]prevision.Status, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, ok := prevision.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown status %q (want one of %s)", value, statusList())
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func statusList() string {
	names := make([]string, 0, len(prevision.AllStatuses()))
	for _, status := range prevision.AllStatuses() {
		names = append(names, fmt.Sprintf("%q", status))
	}
	return strings.Join(names, ", ")
}

// explainRejection adds the legal next statuses to an illegal transition.
func explainRejection(err error, current prevision.Record) error {
	if !errors.Is(err, prevision.ErrIllegalTransition) {
		return err
	}
	next := make([]string, 0)
	for _, status := range prevision.LegalNextStatuses(current.Statut) {
		next = append(next, string(status))
	}
	return fmt.Errorf("%w (allowed from %q: %s)", err, current.Statut, strings.Join(next, ", "))
}

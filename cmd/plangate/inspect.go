package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/plangate/internal/orchestrator"
	"github.com/fyrsmithlabs/plangate/internal/schema"
	"github.com/fyrsmithlabs/plangate/internal/semantic"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan_path>",
		Short: "Check a plan document against the schema",
		Long: `Check a plan document against the schema without storing it.

Exits 4 when the document has violations. Warnings (for example a missing
verification section) are printed but do not fail the check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := validateFile(a, args[0])
			if err != nil {
				return err
			}
			if err := printValidation(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid() {
				return fmt.Errorf("%w: %w", orchestrator.ErrAdmissionFailed, res.Err())
			}
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <plan_path>",
		Short: "Validate a plan document and check every path it cites",
		Long: `Validate a plan document and check that every path it references exists
in the work directory, or is created by an earlier step of the plan.

Exits 4 when the document fails either check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := validateFile(a, args[0])
			if err != nil {
				return err
			}
			if !res.Valid() {
				if err := printValidation(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return fmt.Errorf("%w: %w", orchestrator.ErrAdmissionFailed, res.Err())
			}

			oracle, err := a.oracle(cmd.Context())
			if err != nil {
				return err
			}
			sem := semantic.Verify(res.Plan, oracle)
			w := cmd.OutOrStdout()
			if outputJSON {
				if err := writeJSON(w, sem); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "Checked %d path(s)\n", sem.Checked)
				for _, ref := range sem.Hallucinated {
					fmt.Fprintf(w, "  missing: %s (%s)\n", ref.Path, ref.Source)
				}
			}
			if !sem.Valid() {
				return fmt.Errorf("%w: %w", orchestrator.ErrAdmissionFailed, sem.Err())
			}
			return nil
		},
	}
}

func validateFile(a *app, path string) (schema.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Result{}, fmt.Errorf("reading plan %s: %w", path, err)
	}
	doc, err := schema.Decode(data, path)
	if err != nil {
		return schema.Result{Violations: []schema.Violation{{FieldPath: "$", Reason: err.Error()}}}, nil
	}
	return schema.Validate(doc, schema.Options{GateNonWriteSteps: a.cfg.Orchestrator.GateNonWriteSteps}), nil
}

func printValidation(w io.Writer, res schema.Result) error {
	if outputJSON {
		return writeJSON(w, struct {
			Valid      bool               `json:"valid"`
			Violations []schema.Violation `json:"violations"`
			Warnings   []schema.Violation `json:"warnings"`
		}{res.Valid(), res.Violations, res.Warnings})
	}
	if res.Valid() {
		fmt.Fprintf(w, "Plan %s is valid (%d steps)\n", res.Plan.ID, len(res.Plan.Steps))
	}
	for _, v := range res.Violations {
		fmt.Fprintf(w, "  violation: %s\n", v)
	}
	for _, v := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", v)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [plan_id]",
		Short: "List stored plans or show one plan",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openStore(); err != nil {
				return err
			}
			if err := a.openEvidence(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				p, err := a.store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printOutcome(w, a, p)
				return nil
			}

			summaries, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(w, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(w, "No plans stored.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAN\tSTATUS\tSTEPS\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Status, s.Steps, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/plangate/internal/blackboard"
)

func newBlackboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blackboard",
		Short: "Inspect or edit the shared blackboard",
		Long: `The blackboard is the shared state every phase reads and writes.
Each change is versioned and recorded in an append-only history with the
plan, phase and actor that made it.`,
	}
	cmd.AddCommand(
		newBlackboardStatusCmd(),
		newBlackboardGetCmd(),
		newBlackboardSetCmd(),
		newBlackboardHistoryCmd(),
		newBlackboardClearCmd(),
	)
	return cmd
}

// openBoard opens the blackboard with the event fan-out attached so
// writes from the CLI reach the audit trail too.
func openBoard(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	if err := a.openPublishers(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBlackboard(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newBlackboardStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the blackboard head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.board.Snapshot()
			w := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(w, st)
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Version:\t%d\n", st.Version)
			fmt.Fprintf(tw, "Plan:\t%s\n", orNone(st.CurrentPlanID))
			fmt.Fprintf(tw, "Phase:\t%s\n", orNone(st.CurrentPhase))
			fmt.Fprintf(tw, "Step:\t%s\n", orNone(st.CurrentStepID))
			fmt.Fprintf(tw, "Actor:\t%s\n", orNone(st.CurrentActor))
			fmt.Fprintf(tw, "Context keys:\t%d\n", len(st.Context))
			fmt.Fprintf(tw, "Phase results:\t%d\n", len(st.Results))
			fmt.Fprintf(tw, "Errors:\t%d\n", len(st.Errors))
			return tw.Flush()
		},
	}
}

func newBlackboardGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read one key, e.g. current_phase or context.files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			v, ok := a.board.Get(args[0])
			if !ok {
				return fmt.Errorf("key %q not set", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newBlackboardSetCmd() *cobra.Command {
	var actor, planID string
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one key; values are parsed as JSON when possible",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			attr := blackboard.Attribution{PlanID: planID, Actor: actor}
			if err := a.board.Set(cmd.Context(), attr, args[0], parseValue(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s (version %d)\n", args[0], a.board.Snapshot().Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "Actor recorded in the history")
	cmd.Flags().StringVar(&planID, "plan", "", "Plan the change is attributed to")
	return cmd
}

func newBlackboardHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent blackboard changes, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.board.History(limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(w, entries)
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tTIME\tKEY\tPLAN\tPHASE\tACTOR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Version, e.Timestamp.Format("15:04:05"), e.Key, orNone(e.PlanID), orNone(e.Phase), orNone(e.Actor))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show (0 for all)")
	return cmd
}

func newBlackboardClearCmd() *cobra.Command {
	var actor string
	var keepHistory bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Reset the blackboard to an empty state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBoard(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.board.Clear(cmd.Context(), actor, keepHistory); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Blackboard cleared.")
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "Actor recorded for the clear")
	cmd.Flags().BoolVar(&keepHistory, "keep-history", true, "Keep the change history")
	return cmd
}

// parseValue accepts JSON literals and falls back to the raw string.
func parseValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

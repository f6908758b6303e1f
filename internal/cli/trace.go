package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vorch/internal/evidence"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional; defaults to the newest run
	Kind     string // optional filter by event kind
	List     bool   // list runs instead of printing events
}

// TraceStats holds summary statistics for one run.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Commands    int `json:"commands"`
	Retries     int `json:"retries"`
	LateAcks    int `json:"late_acks"`
	Failures    int `json:"failures"`
	Checks      int `json:"checks"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run    evidence.Run     `json:"run"`
	Events []evidence.Event `json:"events"`
	Stats  TraceStats       `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print recorded evidence",
		Long: `Print the evidence recorded by 'vorch run --evidence-db'.

Events are shown in sequence order: command lifecycle transitions, step
outcomes, retries, late acknowledgements and consistency verdicts.

Examples:
  vorch trace --db evidence.db
  vorch trace --db evidence.db --list
  vorch trace --db evidence.db --run 01926f7e-... --kind outcome
  vorch trace --db evidence.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the evidence database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to print (default: newest run)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one event kind")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list recorded runs")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	// Opening creates missing databases; trace only reads existing ones.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "evidence database not found", err)
	}
	st, err := evidence.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open evidence database", err)
	}
	defer st.Close()

	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if opts.List {
		if formatter.Format == "json" {
			if runs == nil {
				runs = []evidence.Run{}
			}
			return formatter.Success(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(formatter.Writer, "No runs recorded.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(formatter.Writer, "%s  %s  %s  %s\n", r.ID, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), r.Name, shortHash(r.PlanHash))
		}
		return nil
	}

	run, ok := pickRun(runs, opts.RunID)
	if !ok {
		if opts.RunID == "" {
			return NewExitError(ExitCommandError, "no runs recorded in "+opts.Database)
		}
		return NewExitError(ExitCommandError, "run not found: "+opts.RunID)
	}

	events, err := st.ReadEvents(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	result := TraceResult{Run: run, Events: filterEvents(events, opts.Kind), Stats: traceStats(events)}
	if result.Events == nil {
		result.Events = []evidence.Event{}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	outputTraceText(formatter.Writer, result)
	return nil
}

func pickRun(runs []evidence.Run, id string) (evidence.Run, bool) {
	if id == "" {
		if len(runs) == 0 {
			return evidence.Run{}, false
		}
		return runs[0], true
	}
	for _, r := range runs {
		if r.ID == id {
			return r, true
		}
	}
	return evidence.Run{}, false
}

func filterEvents(events []evidence.Event, kind string) []evidence.Event {
	if kind == "" {
		return events
	}
	var out []evidence.Event
	for _, e := range events {
		if string(e.Kind) == kind {
			out = append(out, e)
		}
	}
	return out
}

func traceStats(events []evidence.Event) TraceStats {
	s := TraceStats{TotalEvents: len(events)}
	ids := make(map[string]struct{})
	for _, e := range events {
		switch e.Kind {
		case evidence.KindTransition:
			if e.CorrelationID != "" {
				ids[e.CorrelationID] = struct{}{}
			}
		case evidence.KindOutcome:
			if e.Code != "" {
				s.Failures++
			}
		case evidence.KindRetry:
			s.Retries++
		case evidence.KindLateAck:
			s.LateAcks++
		case evidence.KindConsistencyCheck:
			s.Checks++
		}
	}
	s.Commands = len(ids)
	return s
}

func outputTraceText(w io.Writer, result TraceResult) {
	fmt.Fprintf(w, "Run %s  %s  plan %s\n", result.Run.ID, result.Run.Name, shortHash(result.Run.PlanHash))
	fmt.Fprintln(w, strings.Repeat("─", 60))

	for _, e := range result.Events {
		fmt.Fprintf(w, "%4d %s %-17s", e.Seq, e.At.Format("15:04:05.000"), e.Kind)
		switch e.Kind {
		case evidence.KindTransition:
			fmt.Fprintf(w, " %s %s.%s %s %s -> %s", shortID(e.CorrelationID), e.Capability, e.Action, e.Target, e.From, e.To)
		case evidence.KindOutcome, evidence.KindRetry, evidence.KindLateAck:
			fmt.Fprintf(w, " %s.%s %s", e.Capability, e.Action, e.Target)
			if e.To != "" {
				fmt.Fprintf(w, " %s", e.To)
			}
		case evidence.KindConsistencyCheck:
			fmt.Fprintf(w, " %s %s", e.Target, e.To)
		default:
			if e.To != "" {
				fmt.Fprintf(w, " %s", e.To)
			}
		}
		if e.Value != "" {
			fmt.Fprintf(w, " = %s", e.Value)
		}
		if e.Code != "" {
			fmt.Fprintf(w, " [%s] %s", e.Code, e.Error)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, strings.Repeat("─", 60))
	s := result.Stats
	fmt.Fprintf(w, "%d events, %d commands, %d retries, %d late acks, %d failed steps, %d checks\n",
		s.TotalEvents, s.Commands, s.Retries, s.LateAcks, s.Failures, s.Checks)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vorch/internal/broker"
	"github.com/roach88/vorch/internal/checker"
	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
	"github.com/roach88/vorch/internal/metrics"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Set         []string // placeholder overrides, key=value
	Seed        []string // initial readings, capability.target=value
	Check       []string // quantities to cross-check after the plan
	EvidenceDB  string
	MetricsAddr string

	// IDs overrides the correlation id generator (for testing).
	IDs broker.IDGenerator
	// RunID overrides the evidence run id (for testing).
	RunID string
}

// StepReport is one executed step in run output.
type StepReport struct {
	Index     int    `json:"index"`
	Origin    string `json:"origin"`
	Step      string `json:"step"`
	Lane      string `json:"lane"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Value     string `json:"value,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Code      string `json:"code,omitempty"`
	Class     string `json:"class,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CheckReport is one consistency verdict in run output.
type CheckReport struct {
	Quantity string            `json:"quantity"`
	Verdict  string            `json:"verdict"`
	Values   map[string]string `json:"values,omitempty"`
	Absent   []string          `json:"absent,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// RunResult is the output of the run command.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Plan     string        `json:"plan"`
	PlanHash string        `json:"plan_hash"`
	OK       bool          `json:"ok"`
	Steps    []StepReport  `json:"steps"`
	Checks   []CheckReport `json:"checks,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [catalog] <precondition>",
		Short: "Resolve and execute a precondition",
		Long: `Resolve a precondition and execute its plan against simulated channels,
then optionally cross-check quantities with the configured consistency
policies.

Evidence is kept in memory and, with --evidence-db, appended to a SQLite
database for 'vorch trace'. With --metrics-addr, Prometheus metrics are
served on /metrics while the run executes.

Runs in mode hil are rejected: this binary ships simulated drivers only.

Exit codes:
  0 - Plan completed and every check was consistent
  1 - A required step failed or a check failed
  2 - Command error (bad flags, config, catalog path or database)

Examples:
  vorch run catalog.yaml Driving
  vorch run catalog.yaml Driving --set gear=R --evidence-db evidence.db
  vorch --config vorch.yaml run RemoteUnlocked --set vin=WVW123 --check doorLockState`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalogArg, name := splitCatalogArgs(args)
			return runPrecondition(opts, catalogArg, name, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "placeholder override key=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Seed, "seed", nil, "initial reading capability.target=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Check, "check", nil, "quantity to cross-check after the plan (repeatable)")
	cmd.Flags().StringVar(&opts.EvidenceDB, "evidence-db", "", "SQLite database to append evidence to (overrides evidence.db)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}

func runPrecondition(opts *RunOptions, catalogArg, name string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Mode.Simulated() {
		return NewExitError(ExitCommandError, fmt.Sprintf("mode %s needs hardware drivers, which are not available in this build", cfg.Mode))
	}
	logger := opts.logger(cfg, cmd.ErrOrStderr())

	paths, err := catalogPaths(catalogArg, cfg)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(paths)
	if err != nil {
		return err
	}
	plan, err := resolvePlan(cfg, opts.RootOptions, cat, name, opts.Set, false, cmd)
	if err != nil {
		return err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid consistency policies", err)
	}

	drivers := simDrivers(logger)
	defer func() {
		for _, d := range drivers {
			d.Close()
		}
	}()
	if err := applySeeds(drivers, opts.Seed); err != nil {
		return err
	}

	runID := opts.RunID
	if runID == "" {
		runID = broker.UUIDv7Generator{}.Generate()
	}
	events := evidence.NewMemory()
	sinks := evidence.Fanout{events}

	dbPath := firstNonEmpty(opts.EvidenceDB, cfg.Evidence.DB)
	var storeRec *evidence.StoreRecorder
	if dbPath != "" {
		st, err := evidence.Open(dbPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open evidence database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing evidence database", "error", closeErr)
			}
		}()
		if err := st.BeginRun(context.Background(), evidence.Run{
			ID:          runID,
			Name:        plan.Name,
			PlanHash:    plan.Hash,
			StartedAt:   time.Now(),
			ToolVersion: ir.Version,
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
		storeRec = st.Recorder(runID, logger)
		sinks = append(sinks, storeRec)
	}

	if addr := firstNonEmpty(opts.MetricsAddr, cfg.Metrics.Addr); addr != "" {
		m := metrics.New()
		stop, err := serveMetrics(addr, m, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics endpoint", err)
		}
		defer stop()
		sinks = append(sinks, m)
	}

	ids := opts.IDs
	if ids == nil {
		ids = broker.UUIDv7Generator{}
	}
	chans := make([]driver.Driver, len(drivers))
	for i, d := range drivers {
		chans[i] = d
	}
	b, err := broker.New(chans,
		broker.WithCatalog(cat),
		broker.WithRecorder(sinks),
		broker.WithLogger(logger),
		broker.WithIDGenerator(ids),
		broker.WithDefaultTimeout(cfg.Defaults.StepTimeout.Std()),
		broker.WithRetryDelay(cfg.Defaults.RetryDelay.Std()),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start broker", err)
	}
	defer b.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("executing plan", "run_id", runID, "plan", plan.Name, "hash", plan.Hash, "steps", len(plan.Steps))
	outcomes, planErr := b.ExecutePlan(ctx, plan.StepList())

	result := RunResult{RunID: runID, Plan: plan.Name, PlanHash: plan.Hash, OK: planErr == nil}
	for i, o := range outcomes {
		result.Steps = append(result.Steps, stepReport(plan.Steps[i].Origin, o))
	}

	if len(opts.Check) > 0 {
		chk, err := checker.New(b,
			checker.WithCatalog(cat),
			checker.WithPolicies(policies),
			checker.WithRecorder(b.Recorder()),
			checker.WithQueryTimeout(cfg.Defaults.QueryTimeout.Std()),
			checker.WithLogger(logger),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start checker", err)
		}
		for _, q := range opts.Check {
			res, err := chk.CheckConfigured(ctx, q)
			result.Checks = append(result.Checks, checkReport(q, res, err))
			if err != nil {
				result.OK = false
			}
		}
	}

	formatter.VerboseLog("Recorded %d evidence event(s)", len(events.Events()))
	if storeRec != nil && storeRec.Failures() > 0 {
		logger.Warn("some evidence could not be persisted", "run_id", runID, "failures", storeRec.Failures())
	}

	return outputRun(formatter, result, planErr)
}

func simDrivers(logger *slog.Logger) []*sim.Driver {
	kinds := []ir.CapabilityKind{ir.CapabilitySignal, ir.CapabilityDiagnostic, ir.CapabilityBackend, ir.CapabilityService}
	out := make([]*sim.Driver, len(kinds))
	for i, k := range kinds {
		out[i] = sim.New(k, sim.WithLogger(logger))
	}
	return out
}

// applySeeds parses capability.target=value seeds and applies them as
// fresh readings.
func applySeeds(drivers []*sim.Driver, seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	byKind := make(map[ir.CapabilityKind]*sim.Driver, len(drivers))
	for _, d := range drivers {
		byKind[d.Kind()] = d
	}
	now := time.Now()
	for _, s := range seeds {
		ref, raw, ok := strings.Cut(s, "=")
		capName, target, ok2 := strings.Cut(ref, ".")
		if !ok || !ok2 || target == "" {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --seed %q: want capability.target=value", s))
		}
		d, found := byKind[ir.CapabilityKind(capName)]
		if !found {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --seed %q: unknown capability %q", s, capName))
		}
		obj, err := parseSet([]string{"v=" + raw})
		if err != nil {
			return err
		}
		d.Seed(target, obj["v"], now)
	}
	return nil
}

// serveMetrics serves m on addr until the returned stop function is called.
func serveMetrics(addr string, m *metrics.Recorder, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func stepReport(origin string, o broker.Outcome) StepReport {
	r := StepReport{
		Index:     o.Index,
		Origin:    origin,
		Step:      o.Step.String(),
		Lane:      o.Lane,
		State:     string(o.State),
		Attempts:  o.Attempts,
		Value:     ir.Text(o.Value),
		ElapsedMS: o.Elapsed().Milliseconds(),
	}
	if fe, ok := fault.As(o.Err); ok {
		r.Code = string(fe.Code)
		r.Class = string(fe.Class())
		r.Error = fe.Error()
	}
	return r
}

func checkReport(quantity string, res checker.Result, err error) CheckReport {
	r := CheckReport{Quantity: quantity, Verdict: res.Verdict}
	if len(res.Samples) > 0 {
		r.Values = make(map[string]string, len(res.Samples))
		for _, s := range res.Samples {
			r.Values[string(s.Capability)] = ir.Text(s.Value)
		}
	}
	for _, k := range res.Absent {
		r.Absent = append(r.Absent, string(k))
	}
	if err != nil {
		r.Error = err.Error()
		if r.Verdict == "" {
			r.Verdict = string(fault.CodeOf(err))
		}
	}
	return r
}

func outputRun(formatter *OutputFormatter, result RunResult, planErr error) error {
	var failure error
	switch {
	case planErr != nil:
		failure = WrapExitError(ExitFailure, "plan "+result.Plan+" failed", planErr)
	case !result.OK:
		failure = NewExitError(ExitFailure, "consistency check failed")
	}

	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result, RunID: result.RunID}
		if failure != nil {
			resp.Status = "error"
			if planErr != nil {
				resp.Error = FaultError(planErr)
			} else {
				resp.Error = &CLIError{Code: firstCheckCode(result.Checks), Message: failure.Error()}
			}
		}
		if err := formatter.JSON(resp); err != nil {
			return err
		}
		return failure
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run %s\n", result.RunID)
	fmt.Fprintf(w, "Plan %s  hash %s\n\n", result.Plan, result.PlanHash)
	for _, s := range result.Steps {
		mark := "✓"
		if s.Code != "" {
			mark = "✗"
		} else if s.State == string(broker.StateSkipped) {
			mark = "-"
		}
		fmt.Fprintf(w, "%s %d. [%s] %s  %s", mark, s.Index+1, s.Origin, s.Step, s.State)
		if s.Value != "" {
			fmt.Fprintf(w, " = %s", s.Value)
		}
		if s.Attempts > 1 {
			fmt.Fprintf(w, " (%d attempts)", s.Attempts)
		}
		fmt.Fprintln(w)
		if s.Code != "" {
			fmt.Fprintf(w, "    %s [%s]: %s\n", s.Code, s.Class, s.Error)
		}
	}
	for _, c := range result.Checks {
		fmt.Fprintf(w, "\ncheck %s: %s\n", c.Quantity, c.Verdict)
		for _, k := range sortedKeys(c.Values) {
			fmt.Fprintf(w, "  %s = %s\n", k, c.Values[k])
		}
		if len(c.Absent) > 0 {
			fmt.Fprintf(w, "  absent: %s\n", strings.Join(c.Absent, ", "))
		}
	}

	if failure != nil {
		fmt.Fprintf(w, "\n✗ %s\n", failure.Error())
		return failure
	}
	fmt.Fprintln(w, "\n✓ Precondition established")
	return nil
}

func firstCheckCode(checks []CheckReport) string {
	for _, c := range checks {
		if c.Error != "" {
			return c.Verdict
		}
	}
	return "ERROR"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

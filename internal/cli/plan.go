package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/config"
	"github.com/roach88/vorch/internal/ir"
	"github.com/roach88/vorch/internal/resolver"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Set      []string // placeholder overrides, key=value
	Rollback bool
}

// PlanResult is the dry-run output.
type PlanResult struct {
	Plan    ir.Plan `json:"plan"`
	Summary string  `json:"summary"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan [catalog] <precondition>",
		Short: "Resolve a precondition without executing it",
		Long: `Resolve a precondition into its ordered step plan and print it with
its plan hash. Nothing is sent to any channel.

Placeholders in step parameters are bound from --set overrides first and
the precondition's own parameters second.

Examples:
  vorch plan catalog.yaml Driving
  vorch plan catalog.yaml Driving --set gear=R
  vorch plan catalog.yaml Driving --rollback
  vorch --config vorch.yaml plan RemoteUnlocked --set vin=WVW123 --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalogArg, name := splitCatalogArgs(args)
			return runPlan(opts, catalogArg, name, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "placeholder override key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Rollback, "rollback", false, "resolve the precondition's rollback steps instead")

	return cmd
}

func runPlan(opts *PlanOptions, catalogArg, name string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	paths, err := catalogPaths(catalogArg, cfg)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(paths)
	if err != nil {
		return err
	}
	plan, err := resolvePlan(cfg, opts.RootOptions, cat, name, opts.Set, opts.Rollback, cmd)
	if err != nil {
		return err
	}

	summary := resolver.Describe(plan)
	if formatter.Format == "json" {
		return formatter.Success(PlanResult{Plan: plan, Summary: summary})
	}
	fmt.Fprintf(formatter.Writer, "Plan %s (%d steps)\n", plan.Name, len(plan.Steps))
	fmt.Fprintf(formatter.Writer, "hash: %s\n\n", plan.Hash)
	fmt.Fprint(formatter.Writer, summary)
	return nil
}

// resolvePlan resolves name, or its rollback, against cat. Resolution
// failures are exit code 1 and keep the fault in the error chain.
func resolvePlan(cfg *config.Config, opts *RootOptions, cat *catalog.Catalog, name string, set []string, rollback bool, cmd *cobra.Command) (ir.Plan, error) {
	overrides, err := parseSet(set)
	if err != nil {
		return ir.Plan{}, err
	}

	r := resolver.New(cat,
		resolver.WithDefaultTimeout(cfg.Defaults.StepTimeout.Std()),
		resolver.WithLogger(opts.logger(cfg, cmd.ErrOrStderr())),
	)
	var plan ir.Plan
	if rollback {
		plan, err = r.ResolveRollback(name, overrides)
	} else {
		plan, err = r.Resolve(name, overrides)
	}
	if err != nil {
		return ir.Plan{}, WrapExitError(ExitFailure, "failed to resolve "+name, err)
	}
	return plan, nil
}

// splitCatalogArgs maps [catalog] <name> positional arguments.
func splitCatalogArgs(args []string) (catalogArg, name string) {
	if len(args) == 2 {
		return args[0], args[1]
	}
	return "", args[0]
}

// parseSet parses key=value overrides. Values are read as YAML scalars, so
// numbers and booleans keep their type and anything else is a string.
func parseSet(pairs []string) (ir.Object, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	raw := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --set %q: want key=value", p))
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		if _, isMap := val.(map[string]any); isMap {
			val = v
		}
		if _, isList := val.([]any); isList {
			val = v
		}
		raw[k] = val
	}
	obj, err := ir.ObjectFromAny(raw)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --set value", err)
	}
	return obj, nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/vorch/internal/catalog"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid         bool                      `json:"valid"`
	Signals       int                       `json:"signals"`
	Preconditions int                       `json:"preconditions"`
	Quantities    int                       `json:"quantities"`
	Errors        []catalog.ValidationError `json:"errors,omitempty"`
	Cycles        []catalog.CycleWarning    `json:"cycles,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [catalog]",
		Short: "Validate a catalog",
		Long: `Load a signal and precondition catalog, validate it, and report
unknown prerequisites, unknown signals and prerequisite cycles.

The catalog may be a YAML or CUE file or a directory of them. Without an
argument the configured catalog is validated.

Exit codes:
  0 - Catalog is valid
  1 - Catalog has errors
  2 - Command error (missing path, bad config)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, firstArg(args), cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, arg string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	paths, err := catalogPaths(arg, cfg)
	if err != nil {
		return err
	}

	cat, err := loadCatalog(paths)
	if err != nil {
		if GetExitCode(err) == ExitCommandError {
			return err
		}
		errs := catalog.ValidationErrors(err)
		if len(errs) == 0 {
			errs = []catalog.ValidationError{{Field: "load", Code: catalogErrorCode(err), Message: err.Error()}}
		}
		return outputValidationErrors(formatter, ValidationResult{Errors: errs})
	}

	formatter.VerboseLog("Loaded %d signal(s), %d precondition(s), %d quantity(ies)",
		len(cat.Signals()), len(cat.Preconditions()), len(cat.Quantities()))

	result := ValidationResult{
		Signals:       len(cat.Signals()),
		Preconditions: len(cat.Preconditions()),
		Quantities:    len(cat.Quantities()),
		Errors:        catalog.Lint(cat),
		Cycles:        catalog.AnalyzeCycles(cat),
	}
	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result)
	}
	result.Valid = true
	return outputValidateSuccess(formatter, result)
}

func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, "✓ Catalog is valid")
	fmt.Fprintf(formatter.Writer, "  %d signal(s), %d precondition(s), %d quantity(ies)\n",
		result.Signals, result.Preconditions, result.Quantities)
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		if err := formatter.JSON(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: errs[0].Code, Message: errs[0].Message},
		}); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		fmt.Fprintf(formatter.Writer, "%s\n  %s: %s\n\n", e.Field, e.Code, e.Message)
	}
	for _, c := range result.Cycles {
		fmt.Fprintf(formatter.Writer, "cycle: %s\n", c.Message)
	}
	return failure
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

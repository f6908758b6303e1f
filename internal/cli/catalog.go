package cli

import (
	"errors"
	"os"

	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/config"
)

// catalogPaths picks the catalog: an explicit path argument wins over the
// configured one.
func catalogPaths(arg string, cfg *config.Config) ([]string, error) {
	if arg != "" {
		return []string{arg}, nil
	}
	if len(cfg.Catalog) > 0 {
		return cfg.Catalog, nil
	}
	return nil, NewExitError(ExitCommandError, "no catalog given and none configured")
}

// loadCatalog loads and builds the catalog. Missing paths are command
// errors; parse and validation errors are failures of the catalog itself.
func loadCatalog(paths []string) (*catalog.Catalog, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, WrapExitError(ExitCommandError, "catalog not found", err)
		}
	}
	cat, err := catalog.Load(paths...)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid catalog", err)
	}
	return cat, nil
}

// catalogErrorCode returns the first catalog error code in err, or a
// generic load code.
func catalogErrorCode(err error) string {
	if errs := catalog.ValidationErrors(err); len(errs) > 0 {
		return errs[0].Code
	}
	var le *catalog.LoadError
	if errors.As(err, &le) {
		return "E001"
	}
	return "E000"
}

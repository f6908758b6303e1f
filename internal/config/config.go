// Package config loads vorch configuration.
//
// A configuration is a base YAML file with zero or more profile files
// deep-merged over it in order. Mappings merge key by key; any other value
// in a profile replaces the base value outright, lists included.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vorch/internal/broker"
	"github.com/roach88/vorch/internal/checker"
)

// Mode selects the drivers a run executes against.
type Mode string

const (
	// ModeMock runs against simulated drivers with scripted behavior.
	ModeMock Mode = "mock"
	// ModeSIL runs against simulated drivers in software-in-the-loop setups.
	ModeSIL Mode = "sil"
	// ModeHIL requires hardware drivers, which this binary does not ship.
	ModeHIL Mode = "hil"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeMock, ModeSIL, ModeHIL:
		return true
	}
	return false
}

// Simulated reports whether the mode runs against simulated drivers.
func (m Mode) Simulated() bool {
	return m == ModeMock || m == ModeSIL
}

// Duration is a time.Duration that reads from YAML either as a Go duration
// string ("250ms", "2s") or as a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return fmt.Errorf("line %d: invalid duration %s", node.Line, node.Value)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults are the broker and checker defaults.
type Defaults struct {
	StepTimeout  Duration `yaml:"step_timeout"`
	RetryDelay   Duration `yaml:"retry_delay"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// Policy is the YAML form of a consistency policy. Exactly one of
// Tolerance and Categorical is set.
type Policy struct {
	Tolerance    *float64 `yaml:"tolerance"`
	Categorical  bool     `yaml:"categorical"`
	MaxStaleness Duration `yaml:"max_staleness"`
}

// Checker converts p into a checker policy.
func (p Policy) Checker() (checker.Policy, error) {
	var pol checker.Policy
	switch {
	case p.Categorical && p.Tolerance != nil:
		return checker.Policy{}, errors.New("categorical policies take no tolerance")
	case p.Categorical:
		pol = checker.Categorical(p.MaxStaleness.Std())
	case p.Tolerance != nil:
		if *p.Tolerance < 0 {
			return checker.Policy{}, errors.New("tolerance must not be negative")
		}
		pol = checker.Numeric(*p.Tolerance, p.MaxStaleness.Std())
	default:
		return checker.Policy{}, errors.New("either tolerance or categorical is required")
	}
	if err := pol.Validate(); err != nil {
		return checker.Policy{}, err
	}
	return pol, nil
}

// Evidence configures the persistent evidence store.
type Evidence struct {
	// DB is the SQLite database path. Empty keeps evidence in memory only.
	DB string `yaml:"db"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Addr is the listen address of /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the merged vorch configuration.
type Config struct {
	Mode        Mode              `yaml:"mode"`
	Catalog     []string          `yaml:"catalog"`
	Defaults    Defaults          `yaml:"defaults"`
	Consistency map[string]Policy `yaml:"consistency"`
	Evidence    Evidence          `yaml:"evidence"`
	Metrics     Metrics           `yaml:"metrics"`
	Logging     Logging           `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mode: ModeMock,
		Defaults: Defaults{
			StepTimeout:  Duration(broker.DefaultTimeout),
			RetryDelay:   Duration(broker.DefaultRetryDelay),
			QueryTimeout: Duration(checker.DefaultQueryTimeout),
		},
		Consistency: map[string]Policy{},
		Logging:     Logging{Level: "info", Format: "text"},
	}
}

// Load reads base and merges each profile over it in order. Profiles that
// do not exist are skipped. Relative catalog and evidence paths resolve
// against the directory of the file that set them last.
func Load(base string, profiles ...string) (*Config, error) {
	merged, err := readMapping(base)
	if err != nil {
		return nil, err
	}
	anchorPaths(merged, filepath.Dir(base))

	for _, p := range profiles {
		overlay, err := readMapping(p)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Default().Debug("config profile not found, skipping", "path", p)
			continue
		}
		if err != nil {
			return nil, err
		}
		anchorPaths(overlay, filepath.Dir(p))
		merged = Merge(merged, overlay)
	}

	return decode(merged)
}

// Parse decodes a single YAML document over the defaults. Relative paths
// are left as written.
func Parse(data []byte) (*Config, error) {
	m, err := parseMapping(data, "config")
	if err != nil {
		return nil, err
	}
	return decode(m)
}

func readMapping(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parseMapping(data, path)
}

func parseMapping(data []byte, name string) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", name, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// anchorPaths rewrites relative file paths in one source mapping so they
// stay valid once merged with files from other directories.
func anchorPaths(m map[string]any, dir string) {
	switch c := m["catalog"].(type) {
	case string:
		m["catalog"] = anchor(c, dir)
	case []any:
		for i, p := range c {
			if s, ok := p.(string); ok {
				c[i] = anchor(s, dir)
			}
		}
	}
	if ev, ok := m["evidence"].(map[string]any); ok {
		if db, ok := ev["db"].(string); ok && db != ":memory:" {
			ev["db"] = anchor(db, dir)
		}
	}
}

func anchor(p, dir string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Merge deep-merges override into base and returns the result. Neither
// input is modified.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = Merge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

func decode(m map[string]any) (*Config, error) {
	// A single catalog path may be written as a scalar.
	if s, ok := m["catalog"].(string); ok {
		m["catalog"] = []any{s}
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and that every consistency policy is
// well formed.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("mode: unknown mode %q (want mock, sil or hil)", c.Mode)
	}
	if c.Defaults.StepTimeout <= 0 {
		return errors.New("defaults.step_timeout must be positive")
	}
	if c.Defaults.RetryDelay < 0 {
		return errors.New("defaults.retry_delay must not be negative")
	}
	if c.Defaults.QueryTimeout <= 0 {
		return errors.New("defaults.query_timeout must be positive")
	}
	for _, name := range sortedKeys(c.Consistency) {
		if _, err := c.Consistency[name].Checker(); err != nil {
			return fmt.Errorf("consistency[%s]: %w", name, err)
		}
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q (want text or json)", c.Logging.Format)
	}
	return nil
}

// Policies returns the checker policies by quantity.
func (c *Config) Policies() (map[string]checker.Policy, error) {
	out := make(map[string]checker.Policy, len(c.Consistency))
	for name, p := range c.Consistency {
		pol, err := p.Checker()
		if err != nil {
			return nil, fmt.Errorf("consistency[%s]: %w", name, err)
		}
		out[name] = pol
	}
	return out, nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// NewLogger builds a logger writing to w as configured. verbose forces the
// debug level.
func (l Logging) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

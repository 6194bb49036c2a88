// Package config loads patchlog configuration.
//
// Sources, lowest precedence first: built-in defaults, the YAML file, a .env
// file, and PATCHLOG_* environment variables. The file is validated against
// an embedded CUE schema before it is decoded.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// DefaultPath is the config file used when none is given.
const DefaultPath = "patchlog.yaml"

// Environment variables that override the file.
const (
	EnvDatabase      = "PATCHLOG_DB"
	EnvNightscoutURL = "PATCHLOG_NIGHTSCOUT_URL"
	EnvAPISecret     = "PATCHLOG_API_SECRET"
	EnvInsulinName   = "PATCHLOG_INSULIN_NAME"
)

// ErrInvalid is returned for configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the resolved configuration.
type Config struct {
	Database         string     `yaml:"database"`
	InactivityWindow Duration   `yaml:"inactivity_window"`
	InsulinName      string     `yaml:"insulin_name"`
	Nightscout       Nightscout `yaml:"nightscout"`
	Upload           Upload     `yaml:"upload"`
	Status           Status     `yaml:"status"`
	Logs             Logs       `yaml:"logs"`
	Scheduler        Scheduler  `yaml:"scheduler"`
}

// Nightscout holds the upload target.
type Nightscout struct {
	URL       string `yaml:"url"`
	APISecret string `yaml:"api_secret"`
}

// Configured reports whether both URL and secret are set.
func (n Nightscout) Configured() bool {
	return n.URL != "" && n.APISecret != ""
}

// Upload tunes the upload worker.
type Upload struct {
	BatchSize      int      `yaml:"batch_size"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// Status tunes the transient status channel.
type Status struct {
	DisplayFor Duration `yaml:"display_for"`
}

// Logs tunes the activity log.
type Logs struct {
	Retention Duration `yaml:"retention"`
}

// Scheduler tunes the wake-up dispatcher.
type Scheduler struct {
	PollInterval Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:         "patchlog.db",
		InactivityWindow: Duration(5 * time.Second),
		InsulinName:      "Rapid-acting",
		Upload: Upload{
			BatchSize:      10,
			InitialBackoff: Duration(15 * time.Second),
			MaxAttempts:    5,
		},
		Status:    Status{DisplayFor: Duration(2 * time.Second)},
		Logs:      Logs{Retention: Duration(7 * 24 * time.Hour)},
		Scheduler: Scheduler{PollInterval: Duration(time.Second)},
	}
}

// LogValue keeps the API secret out of logs.
func (c Config) LogValue() slog.Value {
	secret := ""
	if c.Nightscout.APISecret != "" {
		secret = "[redacted]"
	}
	return slog.GroupValue(
		slog.String("database", c.Database),
		slog.Duration("inactivity_window", c.InactivityWindow.Std()),
		slog.String("insulin_name", c.InsulinName),
		slog.String("nightscout_url", c.Nightscout.URL),
		slog.String("api_secret", secret),
	)
}

// Load resolves configuration from path, envFile, and the environment.
//
// An empty path falls back to DefaultPath, and a missing default file is not
// an error. An explicitly named file must exist. envFile is optional in the
// same way; variables already set in the environment win over it.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse validates data against the schema and decodes it over cfg.
// Fields absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	if err := validateSchema(data); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.InsulinName = normalizeName(cfg.InsulinName)
	return nil
}

// Validate checks values the schema cannot see, such as environment
// overrides.
func (c *Config) Validate() error {
	var problems []string
	if c.Database == "" {
		problems = append(problems, "database: must not be empty")
	}
	if c.InsulinName == "" {
		problems = append(problems, "insulin_name: must not be empty")
	}
	if c.InactivityWindow <= 0 {
		problems = append(problems, "inactivity_window: must be positive")
	}
	if c.Upload.BatchSize < 1 {
		problems = append(problems, "upload.batch_size: must be at least 1")
	}
	if c.Upload.MaxAttempts < 1 {
		problems = append(problems, "upload.max_attempts: must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validateSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, formatCUEError(err))
	}
	return nil
}

func formatCUEError(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := strings.Join(e.Path(), "."); path != "" {
			msg = path + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		cfg.Database = v
	}
	if v, ok := lookup(EnvNightscoutURL); ok {
		cfg.Nightscout.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAPISecret); ok {
		cfg.Nightscout.APISecret = v
	}
	if v, ok := lookup(EnvInsulinName); ok && v != "" {
		cfg.InsulinName = normalizeName(v)
	}
}

func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

const (
	// EnvConfig names the variable holding the config file path.
	EnvConfig = "FIELDTEST_CONFIG"

	// EnvPrefix prefixes every config value read from the environment.
	EnvPrefix = "FIELDTEST"

	// DefaultFile is the config file read when EnvConfig is unset.
	DefaultFile = "fieldtest.yaml"
)

// Loader reads fieldtest.yaml, validates it and overlays the environment.
type Loader struct {
	logger   zerolog.Logger
	environ  func() []string
	dotenv   []string
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithEnviron replaces os.Environ as the source of environment variables.
func WithEnviron(environ func() []string) LoaderOption {
	return func(l *Loader) {
		l.environ = environ
	}
}

// WithDotenv sets the dotenv files loaded before the environment is read.
// No files disables dotenv loading.
func WithDotenv(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.dotenv = paths
	}
}

// NewLoader creates a config loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		logger:   logger.With().Str("component", "config-loader").Logger(),
		environ:  os.Environ,
		dotenv:   []string{".env"},
		schemas:  NewSchemaRegistry(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the config path from FIELDTEST_CONFIG or DefaultFile and loads it.
// A missing default file yields the default configuration; a missing
// explicitly named file is an error.
func (l *Loader) Load() (*Config, error) {
	l.loadDotenv()

	path, explicit := l.lookup(EnvConfig)
	if explicit {
		if !looksLikePath(path) {
			return nil, engine.NewConfigError(fmt.Sprintf(
				"%s should be a path to a config file, not a config value. Got: %q. "+
					"Use %s_<KEY>=value for config values instead.", EnvConfig, path, EnvPrefix), nil).
				WithCode(engine.ErrCodeInvalidConfig)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, engine.NewConfigError(
				fmt.Sprintf("config file specified by %s not found", EnvConfig), err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(path)
		}
		l.logger.Debug().Str("path", path).Msgf("Loading config from %s", EnvConfig)
		return l.LoadFile(path)
	}

	cfg, err := l.LoadFile(DefaultFile)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Debug().Str("path", DefaultFile).Msg("No config file, using defaults")
		cfg = Default()
		l.overlayEnv(cfg.Projects)
		return cfg, nil
	}
	return cfg, err
}

// LoadFile loads the config file at path.
func (l *Loader) LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, engine.NewConfigError("failed to open config file", err).WithResource(path)
	}
	defer f.Close()

	cfg, err := l.Parse(f)
	if err != nil {
		var engErr *engine.EngineError
		if errors.As(err, &engErr) && engErr.Resource == "" {
			engErr.Resource = path
		}
		return nil, err
	}
	cfg.Path = path

	l.logger.Debug().
		Str("path", path).
		Strs("projects", cfg.ProjectNames()).
		Msg("Config loaded")

	return cfg, nil
}

// Parse decodes, validates and env-overlays a config document.
func (l *Loader) Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, engine.NewConfigError("failed to read config", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, engine.NewConfigError("failed to parse config", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	if err := l.validate.Struct(&file); err != nil {
		return nil, engine.NewConfigError("invalid config", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, engine.NewConfigError("failed to parse config", err).WithCode(engine.ErrCodeInvalidConfig)
		}
		if doc != nil {
			if err := l.schemas.ValidateConfig(doc); err != nil {
				return nil, engine.NewConfigError("config does not match schema", err).WithCode(engine.ErrCodeInvalidConfig)
			}
		}
	}

	cfg, err := l.resolve(&file)
	if err != nil {
		return nil, err
	}
	l.overlayEnv(cfg.Projects)

	return cfg, nil
}

// resolve turns the decoded file into engine projects.
func (l *Loader) resolve(file *File) (*Config, error) {
	if len(file.Projects) == 0 {
		cfg := Default()
		cfg.TUI = file.TUI
		return cfg, nil
	}

	cfg := &Config{TUI: file.TUI}
	seen := make(map[string]bool)
	for _, pf := range file.Projects {
		if seen[pf.Name] {
			return nil, engine.NewConfigError("duplicate project", nil).
				WithCode(engine.ErrCodeInvalidConfig).
				WithDetail("project", pf.Name)
		}
		seen[pf.Name] = true

		retry, err := resolveRetry(pf.Retry)
		if err != nil {
			return nil, engine.NewConfigError("invalid retry configuration", err).
				WithCode(engine.ErrCodeInvalidConfig).
				WithDetail("project", pf.Name)
		}

		data := make(map[string]any, len(pf.Data))
		for k, v := range pf.Data {
			data[k] = v
		}

		cfg.Projects = append(cfg.Projects, &engine.ProjectConfig{
			Name:       pf.Name,
			Data:       data,
			TestIgnore: pf.TestIgnore,
			Retry:      retry,
		})
	}
	return cfg, nil
}

func resolveRetry(rf RetryFile) (engine.RetryConfig, error) {
	rc := engine.RetryConfig{
		Count:  rf.Count,
		Factor: rf.Factor,
		Jitter: rf.Jitter,
	}
	var err error
	if rf.MinDelay != "" {
		if rc.MinDelay, err = time.ParseDuration(rf.MinDelay); err != nil {
			return rc, fmt.Errorf("min_delay: %w", err)
		}
	}
	if rf.MaxDelay != "" {
		if rc.MaxDelay, err = time.ParseDuration(rf.MaxDelay); err != nil {
			return rc, fmt.Errorf("max_delay: %w", err)
		}
	}
	if rc.MaxDelay > 0 && rc.MinDelay > rc.MaxDelay {
		return rc, fmt.Errorf("min_delay %s exceeds max_delay %s", rc.MinDelay, rc.MaxDelay)
	}
	return rc, nil
}

// overlayEnv copies FIELDTEST_<KEY> into every project and
// FIELDTEST_<PROJECT>_<KEY> into that project only, keys lowercased.
// Project-specific values take precedence over global ones.
func (l *Loader) overlayEnv(projects []*engine.ProjectConfig) {
	global := EnvPrefix + "_"
	prefixes := make([]string, len(projects))
	for i, p := range projects {
		prefixes[i] = projectPrefix(p.Name)
	}

	globals := make(map[string]string)
	scoped := make([]map[string]string, len(projects))
	for i := range scoped {
		scoped[i] = make(map[string]string)
	}

	for _, kv := range l.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, global) {
			continue
		}
		if k == EnvConfig {
			if !looksLikePath(v) {
				l.logger.Error().
					Str("value", v).
					Msgf("%s is reserved for the config file path, use %s_<KEY>=value for config values", EnvConfig, EnvPrefix)
			}
			continue
		}

		matched := false
		for i, prefix := range prefixes {
			if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
				scoped[i][strings.ToLower(k[len(prefix):])] = v
				matched = true
			}
		}
		if !matched {
			globals[strings.ToLower(k[len(global):])] = v
		}
	}

	for i, p := range projects {
		if p.Data == nil {
			p.Data = make(map[string]any)
		}
		for k, v := range globals {
			p.Data[k] = v
		}
		for k, v := range scoped[i] {
			p.Data[k] = v
		}
	}
}

func projectPrefix(name string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
}

func (l *Loader) lookup(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range l.environ() {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func (l *Loader) loadDotenv() {
	if len(l.dotenv) == 0 {
		return
	}
	var present []string
	for _, p := range l.dotenv {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return
	}
	if err := godotenv.Load(present...); err != nil {
		l.logger.Warn().Err(err).Strs("files", present).Msg("Failed to load dotenv files")
	}
}

// looksLikePath reports whether v names a config file rather than a config value.
func looksLikePath(v string) bool {
	ext := filepath.Ext(v)
	return ext == ".yaml" || ext == ".yml" ||
		strings.ContainsRune(v, '/') || strings.ContainsRune(v, filepath.Separator)
}

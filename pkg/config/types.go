package config

import (
	"github.com/fieldtest/fieldtest/pkg/engine"
)

// File mirrors the on-disk fieldtest.yaml document.
type File struct {
	// Projects lists the execution profiles. Empty means a single default project.
	Projects []ProjectFile `yaml:"projects" validate:"dive"`

	// TUI configures the interactive run view.
	TUI TUIConfig `yaml:"tui"`
}

// ProjectFile is one project entry of the config file.
type ProjectFile struct {
	// Name identifies the project. Also used as the env overlay prefix.
	Name string `yaml:"name" validate:"required,max=64"`

	// TestIgnore lists "module::name" tests excluded for this project.
	TestIgnore []string `yaml:"test_ignore" validate:"dive,required,contains=::"`

	// Retry configures retries of failing tests.
	Retry RetryFile `yaml:"retry"`

	// Data holds every other key of the entry.
	Data map[string]any `yaml:",inline"`
}

// RetryFile is the retry section of a project. Delays are Go duration strings.
type RetryFile struct {
	Count    *int    `yaml:"count" validate:"omitempty,gte=0"`
	Factor   float64 `yaml:"factor" validate:"omitempty,gte=1"`
	Jitter   bool    `yaml:"jitter"`
	MinDelay string  `yaml:"min_delay"`
	MaxDelay string  `yaml:"max_delay"`
}

// TUIConfig configures the interactive run view.
type TUIConfig struct {
	Payload PayloadConfig `yaml:"payload"`
}

// PayloadConfig configures how captured payloads are rendered.
type PayloadConfig struct {
	// ColorTheme names the syntax highlighting theme.
	ColorTheme string `yaml:"color_theme"`
}

// Config is the loaded, validated and env-overlaid configuration.
type Config struct {
	// Path is the file the configuration was read from, empty for defaults.
	Path string

	// Projects are the resolved projects, in file order.
	Projects []*engine.ProjectConfig

	// TUI is the interactive view configuration.
	TUI TUIConfig
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Projects: []*engine.ProjectConfig{engine.DefaultProject()},
	}
}

// Project returns the project with the given name.
func (c *Config) Project(name string) (*engine.ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ProjectNames returns the project names in file order.
func (c *Config) ProjectNames() []string {
	names := make([]string, len(c.Projects))
	for i, p := range c.Projects {
		names[i] = p.Name
	}
	return names
}

// ColorTheme returns the configured payload color theme, if any.
func (c *Config) ColorTheme() string {
	return c.TUI.Payload.ColorTheme
}

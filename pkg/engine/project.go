package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DefaultProjectName is the synthetic project used when none is configured.
const DefaultProjectName = "default"

// ProjectConfig is a named execution profile. It is built once per run and
// shared read-only by every test of that project.
type ProjectConfig struct {
	// Name identifies the project.
	Name string `json:"name"`

	// Data holds arbitrary configuration values readable by test bodies.
	Data map[string]any `json:"data,omitempty"`

	// TestIgnore lists full test names ("module::name") excluded for this project.
	TestIgnore []string `json:"test_ignore,omitempty"`

	// Retry configures re-invocation of tests that returned an error.
	Retry RetryConfig `json:"retry"`
}

// DefaultProject returns the synthetic project used when none is configured.
func DefaultProject() *ProjectConfig {
	return &ProjectConfig{
		Name: DefaultProjectName,
		Data: map[string]any{},
	}
}

// Get returns the raw value stored under key.
func (p *ProjectConfig) Get(key string) (any, error) {
	v, ok := p.Data[key]
	if !ok {
		return nil, &EngineError{
			Class:    ErrorClassConfig,
			Message:  fmt.Sprintf("config value %q not found", key),
			Code:     ErrCodeNotFound,
			Resource: p.Name,
		}
	}
	return v, nil
}

// GetString returns the value under key as a string.
func (p *ProjectConfig) GetString(key string) (string, error) {
	v, err := p.Get(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", p.typeMismatch(key, "string", v)
	}
	return s, nil
}

// GetInt returns the value under key as an int64. String values are parsed.
func (p *ProjectConfig) GetInt(key string) (int64, error) {
	v, err := p.Get(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, p.typeMismatch(key, "int", v)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, p.typeMismatch(key, "int", v)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, p.typeMismatch(key, "int", v)
		}
		return i, nil
	default:
		return 0, p.typeMismatch(key, "int", v)
	}
}

// GetFloat returns the value under key as a float64. String values are parsed.
func (p *ProjectConfig) GetFloat(key string) (float64, error) {
	v, err := p.Get(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, p.typeMismatch(key, "float", v)
		}
		return f, nil
	default:
		return 0, p.typeMismatch(key, "float", v)
	}
}

// GetBool returns the value under key as a bool. String values are parsed.
func (p *ProjectConfig) GetBool(key string) (bool, error) {
	v, err := p.Get(key)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, p.typeMismatch(key, "bool", v)
		}
		return parsed, nil
	default:
		return false, p.typeMismatch(key, "bool", v)
	}
}

// GetTime returns the value under key as a time. Strings must be RFC 3339.
func (p *ProjectConfig) GetTime(key string) (time.Time, error) {
	v, err := p.Get(key)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, p.typeMismatch(key, "datetime", v)
		}
		return parsed, nil
	default:
		return time.Time{}, p.typeMismatch(key, "datetime", v)
	}
}

// GetSlice returns the value under key as a list. Strings are decoded as JSON arrays.
func (p *ProjectConfig) GetSlice(key string) ([]any, error) {
	v, err := p.Get(key)
	if err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case []any:
		return s, nil
	case string:
		var out []any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, p.typeMismatch(key, "array", v)
		}
		return out, nil
	default:
		return nil, p.typeMismatch(key, "array", v)
	}
}

// GetMap returns the value under key as an object. Strings are decoded as JSON objects.
func (p *ProjectConfig) GetMap(key string) (map[string]any, error) {
	v, err := p.Get(key)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(m), &out); err != nil {
			return nil, p.typeMismatch(key, "object", v)
		}
		return out, nil
	default:
		return nil, p.typeMismatch(key, "object", v)
	}
}

func (p *ProjectConfig) typeMismatch(key, want string, got any) error {
	return &EngineError{
		Class:    ErrorClassConfig,
		Message:  fmt.Sprintf("config value %q is not a %s (got %T)", key, want, got),
		Code:     ErrCodeTypeMismatch,
		Resource: p.Name,
	}
}

// RetryConfig controls re-invocation of tests that returned an error.
type RetryConfig struct {
	// Count is the retry budget. nil defers to the runner default.
	Count *int `json:"count,omitempty"`

	// Factor multiplies the delay after every attempt.
	Factor float64 `json:"factor,omitempty"`

	// Jitter adds up to 25% random delay.
	Jitter bool `json:"jitter,omitempty"`

	// MinDelay is the delay before the first retry.
	MinDelay time.Duration `json:"min_delay,omitempty"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

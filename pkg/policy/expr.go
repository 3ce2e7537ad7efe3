package policy

import (
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// DefaultExprTimeout bounds one evaluation of a filter expression.
const DefaultExprTimeout = time.Second

// ExprFilter keeps the (project, test) pairs for which a Starlark boolean
// expression holds. The expression sees project, module, test, name
// ("module::test") and data (the project data as a dict), plus a
// glob(pattern, s) helper:
//
//	module == "users" and not test.startswith("slow_")
//	project != "prod" or data.get("destructive") != True
//	glob("users::*", name)
//
// ExprFilter implements engine.Filter.
type ExprFilter struct {
	expr    string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewExprFilter parses expr and returns a filter evaluating it.
func NewExprFilter(expr string, logger zerolog.Logger) (*ExprFilter, error) {
	if _, err := syntax.ParseExpr("filter", expr, 0); err != nil {
		return nil, engine.NewValidationError("invalid filter expression", err).
			WithDetail("expr", expr)
	}
	return &ExprFilter{
		expr:    expr,
		timeout: DefaultExprTimeout,
		logger:  logger.With().Str("component", "expr-filter").Logger(),
	}, nil
}

// Expr returns the source expression.
func (f *ExprFilter) Expr() string {
	return f.expr
}

// Eval evaluates the expression for one pair.
func (f *ExprFilter) Eval(project *engine.ProjectConfig, meta engine.TestMetadata) (bool, error) {
	env, err := exprEnv(project, meta)
	if err != nil {
		return false, err
	}

	thread := &starlark.Thread{
		Name:  "fieldtest-filter",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	timer := time.AfterFunc(f.timeout, func() {
		thread.Cancel(fmt.Sprintf("filter timeout after %v", f.timeout))
	})
	defer timer.Stop()

	v, err := starlark.Eval(thread, "filter", f.expr, env)
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}

	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("filter must evaluate to a bool, got %s", v.Type())
	}
	return bool(b), nil
}

// Allow implements engine.Filter. A pair whose evaluation fails is excluded.
func (f *ExprFilter) Allow(project *engine.ProjectConfig, meta engine.TestMetadata) bool {
	ok, err := f.Eval(project, meta)
	if err != nil {
		f.logger.Error().Err(err).
			Str("project", project.Name).
			Str("test", meta.FullName()).
			Str("expr", f.expr).
			Msg("Filter evaluation failed, excluding test")
		return false
	}
	return ok
}

func exprEnv(project *engine.ProjectConfig, meta engine.TestMetadata) (starlark.StringDict, error) {
	data, err := toStarlarkValue(project.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert project data: %w", err)
	}
	if data == starlark.None {
		data = starlark.NewDict(0)
	}

	return starlark.StringDict{
		"project": starlark.String(project.Name),
		"module":  starlark.String(meta.Module),
		"test":    starlark.String(meta.Name),
		"name":    starlark.String(meta.FullName()),
		"data":    data,
		"glob":    starlark.NewBuiltin("glob", builtinGlob),
	}, nil
}

// builtinGlob implements glob(pattern, s) with path.Match semantics.
func builtinGlob(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "s", &s); err != nil {
		return nil, err
	}
	ok, err := path.Match(pattern, s)
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	return starlark.Bool(ok), nil
}

// toStarlarkValue converts decoded configuration data to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.Format(time.RFC3339)), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

package engine

import (
	"context"
	"fmt"
	"reflect"
)

// AssertionError is returned by the check helpers when a check fails.
type AssertionError struct {
	Expr   string
	Detail string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	if e.Detail == "" {
		return "check failed: " + e.Expr
	}
	return fmt.Sprintf("check failed: %s: %s", e.Expr, e.Detail)
}

// CheckTrue records the outcome of expr for the test running in ctx and returns
// an *AssertionError when ok is false. Test bodies return it to fail.
func CheckTrue(ctx context.Context, ok bool, expr string) error {
	return record(ctx, ok, expr, "")
}

// CheckEqual checks that got deeply equals want.
func CheckEqual(ctx context.Context, want, got any) error {
	ok := reflect.DeepEqual(want, got)
	detail := ""
	if !ok {
		detail = fmt.Sprintf("want %#v, got %#v", want, got)
	}
	return record(ctx, ok, fmt.Sprintf("%v == %v", want, got), detail)
}

// CheckNotEqual checks that got differs from notWant.
func CheckNotEqual(ctx context.Context, notWant, got any) error {
	ok := !reflect.DeepEqual(notWant, got)
	detail := ""
	if !ok {
		detail = fmt.Sprintf("both are %#v", got)
	}
	return record(ctx, ok, fmt.Sprintf("%v != %v", notWant, got), detail)
}

func record(ctx context.Context, ok bool, expr, detail string) error {
	if bus, found := busFromContext(ctx); found {
		meta, _ := CurrentTest(ctx)
		// A closed bus only loses the check message; the outcome still reaches the body.
		_ = bus.Publish(Message{
			Type:    MessageCheck,
			Project: Project(ctx).Name,
			Module:  meta.Module,
			Test:    meta.Name,
			Check:   &Check{Passed: ok, Expr: expr, Detail: detail},
		})
	}
	if ok {
		return nil
	}
	return &AssertionError{Expr: expr, Detail: detail}
}

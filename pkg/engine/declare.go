package engine

import "runtime"

// TestOption adjusts a registration built with NewTest or Runner.Add.
type TestOption func(*TestRegistration)

// Serial places the test in the named serial group. An empty name selects
// the anonymous default group.
func Serial(group string) TestOption {
	return func(r *TestRegistration) {
		r.SerialGroup = &group
	}
}

// Ordered makes the test part of its module's source-line ordered sequence.
func Ordered() TestOption {
	return func(r *TestRegistration) {
		r.Ordered = true
	}
}

// Line overrides the recorded declaration line.
func Line(n int) TestOption {
	return func(r *TestRegistration) {
		r.SourceLine = n
	}
}

// NewTest builds a registration for fn, recording the caller's line.
func NewTest(module, name string, fn TestFunc, opts ...TestOption) TestRegistration {
	reg := TestRegistration{Module: module, Name: name, Factory: fn}
	if _, _, line, ok := runtime.Caller(1); ok {
		reg.SourceLine = line
	}
	for _, opt := range opts {
		opt(&reg)
	}
	return reg
}

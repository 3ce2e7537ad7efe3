// Package engine provides the core of the fieldtest test-execution engine.
//
// # Overview
//
// Test suites register test cases with a Runner and hand control to it. For
// every configured project the Runner selects the tests that pass the filter
// chain, schedules them under the ordering constraints and publishes lifecycle
// messages on a Bus that reporters consume.
//
// # Registration
//
// A TestRegistration names a module and a test, carries an optional serial
// group and ordered flag, and wraps the TestFunc body:
//
//	runner := engine.NewRunner(engine.WithConcurrency(8))
//	runner.MustRegister(engine.NewTest("users", "create", createUser, engine.Serial("db")))
//	_ = runner.Add("users", "list", listUsers, engine.Ordered())
//
// Registration is rejected once a run has started and when module::name is
// already taken.
//
// # Scheduling
//
// Each selected (project, test) pair becomes a unit. Units run concurrently,
// bounded by the concurrency gate, except that:
//
//   - tests of the same serial group never overlap (per project by default,
//     across projects with SerialScopeGlobal)
//   - ordered tests of a module run one after the other by ascending source line
//
// The Coordinator issues every unit a ticket in each lane it belongs to, in one
// global order, and admits a unit only when it is at the head of all its lanes
// and the gate has room.
//
// # Execution
//
// The body receives a context carrying the active project (Project), the test
// identity (CurrentTest) and a private capture log (CaptureLog). A returned
// error is retried up to the retry budget; a panic is recovered, never retried
// and fails the test. When the body finishes the captured calls are published
// as MessageHTTPLog, followed by MessageEnd with the final Test record.
//
// # Messages
//
// Every unit that starts produces exactly one MessageStart and one MessageEnd.
// Between them the bus may carry MessageCheck, MessageRetry and MessageHTTPLog
// messages for the same unit. Subscribers that fall behind lose their oldest
// messages and are told so with a LaggedError.
package engine

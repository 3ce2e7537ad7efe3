// Package policy provides run-selection filters backed by Open Policy Agent
// and Starlark.
//
// Both filters implement engine.Filter and are appended to the runner's
// filter chain, so a pair they exclude is never scheduled and produces no
// messages.
//
// # Rego policies
//
// The Engine compiles Rego modules and evaluates the deny set of each module's
// package for every (project, test) pair. Any deny entry excludes the pair.
// The input document is:
//
//	{
//	  "project":   "staging",
//	  "module":    "users",
//	  "test":      "delete_user",
//	  "full_name": "users::delete_user",
//	  "data":      { ...project configuration data... }
//	}
//
// A policy that keeps destructive tests away from production:
//
//	package fieldtest
//
//	import rego.v1
//
//	deny contains msg if {
//		input.project == "prod"
//		startswith(input.test, "delete_")
//		msg := sprintf("%s is destructive", [input.full_name])
//	}
//
// Deny entries may be strings or objects with a "message" field. Policies are
// read by the Loader from .rego files or JSON definitions, and the Loader can
// watch them and swap reloaded policies into a running Engine.
//
// # Filter expressions
//
// ExprFilter evaluates a single Starlark boolean expression over project,
// module, test, name and data:
//
//	module == "users" and not test.startswith("slow_")
//
// Both filters exclude a pair whose evaluation fails and log the error.
package policy

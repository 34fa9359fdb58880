// Package policy gates run submissions with Open Policy Agent (OPA).
//
// Every submission (run, function, task and the invocation built for it)
// is evaluated against a set of Rego modules before the run is persisted.
// Each module defines a "deny" set in its package; blocking violations
// (severity error or critical) reject the submission with POLICY_DENIED,
// the others are logged as warnings.
//
// # Usage
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	dispatcher := engine.NewDispatcher(store, registry, engine.WithPolicy(gate))
//
// Custom policies are .rego files (named after the file) or .json
// documents holding a Policy. WatchPolicies loads them and reloads them
// when files change:
//
//	err = policy.WatchPolicies(ctx, gate, []string{"/etc/dhsdk/policies"})
//
// # Built-in Policies
//
//   - image-tag: images must be pinned to a tag other than latest, or to a digest
//   - resource-limits: Kubernetes-backed runtimes need resources.limits
//   - run-naming: run names are lowercase slugs of at most 63 characters
//   - job-timeout (warning): Kubernetes-backed runs should set a timeout
//
// Built-in policies read their tunables from data.settings; see
// DefaultSettings and WithSettings.
//
// # Writing Policies
//
// Modules use Rego v1 syntax:
//
//	package custom.registry
//
//	deny contains violation if {
//	    not startswith(input.invocation.spec.image, "registry.example.com/")
//	    violation := {
//	        "message": "images must come from the internal registry",
//	        "severity": "error",
//	    }
//	}
package policy

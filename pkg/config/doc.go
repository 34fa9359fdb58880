// Package config loads SDK configuration, entity manifests and submission
// payloads, and evaluates Starlark pipeline workflows.
//
// # Configuration
//
// Load reads a YAML file, a .env file next to it or in the working
// directory, then DHSDK_* environment overrides, and validates the result
// with struct tags:
//
//	cfg, err := config.Load("dhsdk.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d := engine.NewDispatcher(store, registry, engine.WithDispatcherConfig(cfg.EngineConfig()))
//
// # Schemas
//
// SchemaRegistry holds CUE definitions. The built-in #Submission,
// #Entity and #Step definitions check payloads and manifests before they
// reach the dispatcher. Violations are VALIDATION_ERROR failures whose
// "errors" detail lists each problem with its path.
//
// # Manifests
//
// ManifestLoader reads entities from YAML (multi-document), JSON or CUE.
// A document holds one entity, a list of entities or an "entities" list;
// CUE manifests may use comprehensions to generate them:
//
//	entities: [for n in ["a", "b"] {
//	    entity_type: "function"
//	    kind:        "container"
//	    metadata: {project: "demo", name: "fn-" + n}
//	    spec: image: "img:" + n
//	}]
//
// # Workflows
//
// StarlarkEvaluator.EvaluateWorkflow runs workflow source in a sandbox
// (no filesystem, no network, print suppressed, timeout enforced) and
// collects the steps declared with step():
//
//	prep = step(name="prep", image="python:3.12")
//	step(name="train", image=params["image"], after=[prep])
package config

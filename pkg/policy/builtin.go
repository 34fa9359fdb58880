package policy

// DefaultSettings is the base document published to policies as
// data.settings.
func DefaultSettings() map[string]interface{} {
	return map[string]interface{}{
		"kubernetes_runtimes": []interface{}{"job", "pipeline", "transform"},
		"max_name_length":     63,
	}
}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		imageTagPolicy(),
		resourceLimitsPolicy(),
		runNamingPolicy(),
		jobTimeoutPolicy(),
	}
}

// imageTagPolicy rejects mutable image references.
func imageTagPolicy() Policy {
	return Policy{
		Name:        "image-tag",
		Description: "Images must be pinned to a tag other than latest or to a digest",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"images", "reproducibility"},
		Rego: `package dhsdk.policies.images

images contains img if {
	img := input.invocation.spec.image
	is_string(img)
}

images contains img if {
	some step in input.invocation.spec.steps
	img := step.image
	is_string(img)
}

deny contains violation if {
	some img in images
	not contains(img, "@")
	image_tag(img) == "latest"
	violation := {
		"message": sprintf("image %s uses the latest tag", [img]),
		"severity": "error",
		"resource": input.invocation.function,
	}
}

deny contains violation if {
	some img in images
	not contains(img, "@")
	not has_tag(img)
	violation := {
		"message": sprintf("image %s has no tag and resolves to latest", [img]),
		"severity": "error",
		"resource": input.invocation.function,
	}
}

last_segment(img) := s if {
	parts := split(img, "/")
	s := parts[count(parts) - 1]
}

has_tag(img) if contains(last_segment(img), ":")

image_tag(img) := tag if {
	has_tag(img)
	tag := split(last_segment(img), ":")[1]
}
`,
	}
}

// resourceLimitsPolicy requires resource limits on Kubernetes-backed runtimes.
func resourceLimitsPolicy() Policy {
	return Policy{
		Name:        "resource-limits",
		Description: "Runs on Kubernetes-backed runtimes must declare resources.limits",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"kubernetes", "resources"},
		Rego: `package dhsdk.policies.resources

kubernetes if input.invocation.runtime in data.settings.kubernetes_runtimes

has_limits if count(input.invocation.spec.resources.limits) > 0

deny contains violation if {
	kubernetes
	not has_limits
	violation := {
		"message": sprintf("runtime %s requires resources.limits", [input.invocation.runtime]),
		"severity": "error",
		"resource": input.invocation.task,
	}
}
`,
	}
}

// runNamingPolicy enforces run naming conventions.
func runNamingPolicy() Policy {
	return Policy{
		Name:        "run-naming",
		Description: "Run names must be lowercase slugs that fit a Kubernetes object name",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package dhsdk.policies.naming

deny contains violation if {
	name := input.run.metadata.name
	not regex.match("^[a-z0-9][a-z0-9_-]*$", name)
	violation := {
		"message": sprintf("run name '%s' must be a lowercase slug", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.run.metadata.name
	count(name) > data.settings.max_name_length
	violation := {
		"message": sprintf("run name '%s' exceeds %d characters", [name, data.settings.max_name_length]),
		"severity": "error",
	}
}
`,
	}
}

// jobTimeoutPolicy warns about Kubernetes runs without a deadline.
func jobTimeoutPolicy() Policy {
	return Policy{
		Name:        "job-timeout",
		Description: "Kubernetes-backed runs should declare a timeout",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"kubernetes"},
		Rego: `package dhsdk.policies.timeout

deny contains violation if {
	input.invocation.runtime in data.settings.kubernetes_runtimes
	not input.invocation.spec.timeout
	violation := {
		"message": sprintf("runtime %s run has no timeout", [input.invocation.runtime]),
		"severity": "warning",
		"resource": input.invocation.task,
	}
}
`,
	}
}

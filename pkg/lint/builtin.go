package lint

// Check is one built-in lint check backed by a Rego module.
type Check struct {
	// Name is the check identifier reported on violations.
	Name string

	// Package is the Rego package suffix under enforcer.lint.
	Package string

	// Severity is the default severity when the module does not set one.
	Severity Severity

	// Rego is the module source.
	Rego string
}

// BuiltinChecks returns the built-in lint checks.
func BuiltinChecks() []Check {
	return []Check{
		openIngressCheck(),
		descriptionCheck(),
		namingCheck(),
	}
}

// openIngressCheck flags rules open to the whole internet. A world-open
// rule that also allows every protocol blocks enforcement; a world-open
// rule scoped to specific ports is only a warning.
func openIngressCheck() Check {
	return Check{
		Name:     "open-ingress",
		Package:  "open_ingress",
		Severity: SeverityWarning,
		Rego: `package enforcer.lint.open_ingress

import rego.v1

world_open if {
	some range in input.rule.sourceRanges
	range == "0.0.0.0/0"
}

all_protocols if {
	some entry in input.rule.allowed
	lower(entry.IPProtocol) == "all"
}

unported if {
	some entry in input.rule.allowed
	not entry.ports
}

deny contains violation if {
	world_open
	all_protocols
	violation := {
		"message": sprintf("rule %s is open to 0.0.0.0/0 on all protocols", [input.rule.name]),
		"severity": "error",
	}
}

deny contains violation if {
	world_open
	not all_protocols
	unported
	violation := {
		"message": sprintf("rule %s is open to 0.0.0.0/0 without port restrictions", [input.rule.name]),
		"severity": "warning",
	}
}
`,
	}
}

// descriptionCheck warns on rules without a description.
func descriptionCheck() Check {
	return Check{
		Name:     "require-description",
		Package:  "require_description",
		Severity: SeverityWarning,
		Rego: `package enforcer.lint.require_description

import rego.v1

deny contains violation if {
	not input.rule.description
	violation := {
		"message": sprintf("rule %s has no description", [input.rule.name]),
		"severity": "warning",
	}
}
`,
	}
}

// namingCheck enforces the provider's resource naming constraints so a bad
// name fails lint instead of failing the insert call mid-run.
func namingCheck() Check {
	return Check{
		Name:     "naming",
		Package:  "naming",
		Severity: SeverityError,
		Rego: `package enforcer.lint.naming

import rego.v1

deny contains violation if {
	not regex.match("^[a-z]([-a-z0-9]*[a-z0-9])?$", input.rule.name)
	violation := {
		"message": sprintf("rule name %s must be lowercase alphanumeric with hyphens", [input.rule.name]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.rule.name) > 63
	violation := {
		"message": sprintf("rule name %s exceeds 63 characters", [input.rule.name]),
		"severity": "error",
	}
}
`,
	}
}

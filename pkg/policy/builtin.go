package policy

// GetBuiltinPolicies returns all built-in policies. None of them block a
// plan; they surface risky changes as warnings.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveChangesPolicy(),
		destroyScopePolicy(),
	}
}

// destructiveChangesPolicy warns when a deploy deletes or replaces resources.
func destructiveChangesPolicy() Policy {
	return Policy{
		Name:        "destructive-changes",
		Description: "Warns when a deploy deletes or replaces existing resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package stackrun.builtin.destructive

import rego.v1

deny contains violation if {
	input.action == "deploy"
	some rc in input.plan.resource_changes
	"delete" in rc.actions
	"create" in rc.actions
	violation := {
		"message": "resource will be replaced",
		"severity": "warning",
		"resource": rc.address,
	}
}

deny contains violation if {
	input.action == "deploy"
	some rc in input.plan.resource_changes
	"delete" in rc.actions
	not "create" in rc.actions
	violation := {
		"message": "resource will be deleted",
		"severity": "warning",
		"resource": rc.address,
	}
}
`,
	}
}

// destroyScopePolicy reports how much a destroy removes.
func destroyScopePolicy() Policy {
	return Policy{
		Name:        "destroy-scope",
		Description: "Reports the number of resources a destroy removes",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package stackrun.builtin.destroy

import rego.v1

deny contains msg if {
	input.action == "destroy"
	count(input.plan.resource_changes) > 0
	msg := sprintf("stack %s: destroy removes %d resources", [input.stack, count(input.plan.resource_changes)])
}
`,
	}
}

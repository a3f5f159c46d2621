// Package policy gates plans with Rego policies evaluated by Open Policy
// Agent.
//
// Each policy is a Rego module whose package defines a deny set. Members of
// the set are either message strings or objects:
//
//	package stackrun.policies.buckets
//
//	import rego.v1
//
//	# Public buckets are never created by a deploy.
//	deny contains violation if {
//		some rc in input.plan.resource_changes
//		rc.type == "aws_s3_bucket_public_access_block"
//		"delete" in rc.actions
//		violation := {
//			"message": "public access block must not be removed",
//			"resource": rc.address,
//		}
//	}
//
// The input document carries the stack name, the action (diff, deploy or
// destroy), the plan's resource changes with a summary, and the evaluation
// time. Violations with severity error or critical reject the plan; the
// others are logged as warnings. Policies loaded from files default to
// error; the built-in policies only warn.
//
// Policies are loaded from .rego files or from .json definitions carrying
// name, description, severity and rego fields. Directories are walked
// recursively, skipping _test.rego files.
package policy

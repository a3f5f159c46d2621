package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// ExampleParseResourceUpdates shows how raw apply output becomes resource
// progress records.
func ExampleParseResourceUpdates() {
	chunk := "aws_s3_bucket.logs: Creating...\n" +
		"aws_s3_bucket.logs: Creation complete after 2s [id=logs-123]\n" +
		"Apply complete! Resources: 1 added, 0 changed, 0 destroyed.\n"

	for _, u := range engine.ParseResourceUpdates(chunk) {
		fmt.Printf("%s %s %s elapsed=%q id=%q\n", u.Address, u.Action, u.Status, u.Elapsed, u.ID)
	}
	// Output:
	// aws_s3_bucket.logs create in_progress elapsed="" id=""
	// aws_s3_bucket.logs create complete elapsed="2s" id="logs-123"
}

func ExamplePlan_Summary() {
	plan := &engine.Plan{
		NeedsApply: true,
		ResourceChanges: []engine.ResourceChange{
			{Address: "aws_s3_bucket.logs", Actions: []string{"create"}},
			{Address: "aws_instance.web", Actions: []string{"update"}},
			{Address: "aws_db_instance.main", Actions: []string{"delete", "create"}},
			{Address: "aws_iam_role.ci", Actions: []string{"no-op"}},
		},
	}

	s := plan.Summary()
	fmt.Printf("create=%d update=%d delete=%d replace=%d total=%d\n",
		s.Create, s.Update, s.Delete, s.Replace, s.Total())
	// Output:
	// create=1 update=1 delete=0 replace=1 total=3
}

// Example_errorHandling demonstrates classifying a wrapped error.
func Example_errorHandling() {
	err := engine.NewExternalError("terraform apply failed", errors.New("exit status 1")).
		WithCode(engine.ErrCodeProcessFailed).
		WithStack("web").
		WithStderr("Error: creating S3 bucket: BucketAlreadyExists")

	wrapped := fmt.Errorf("deploy phase: %w", err)

	fmt.Println(engine.IsExternal(wrapped))
	fmt.Println(engine.ClassOf(wrapped))
	fmt.Println(engine.Stderr(wrapped))
	// Output:
	// true
	// external
	// Error: creating S3 bucket: BucketAlreadyExists
}

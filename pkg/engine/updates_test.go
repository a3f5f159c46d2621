package engine

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseResourceUpdates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []ResourceUpdate
	}{
		{
			name: "create lifecycle",
			text: "aws_s3_bucket.logs: Creating...\n" +
				"aws_s3_bucket.logs: Still creating... [10s elapsed]\n" +
				"aws_s3_bucket.logs: Creation complete after 12s [id=logs-bucket]\n",
			want: []ResourceUpdate{
				{Address: "aws_s3_bucket.logs", Action: ResourceActionCreate, Status: UpdateStatusInProgress},
				{Address: "aws_s3_bucket.logs", Action: ResourceActionCreate, Status: UpdateStatusInProgress, Elapsed: "10s"},
				{Address: "aws_s3_bucket.logs", Action: ResourceActionCreate, Status: UpdateStatusComplete, Elapsed: "12s", ID: "logs-bucket"},
			},
		},
		{
			name: "modify and destroy",
			text: "module.net.aws_vpc.main: Modifying... [id=vpc-1]\n" +
				"module.net.aws_vpc.main: Still modifying... [id=vpc-1, 20s elapsed]\n" +
				"module.net.aws_vpc.main: Modifications complete after 21s [id=vpc-1]\n" +
				"aws_instance.web[\"a\"]: Destroying... [id=i-123]\n" +
				"aws_instance.web[\"a\"]: Destruction complete after 3s\n",
			want: []ResourceUpdate{
				{Address: "module.net.aws_vpc.main", Action: ResourceActionUpdate, Status: UpdateStatusInProgress, ID: "vpc-1"},
				{Address: "module.net.aws_vpc.main", Action: ResourceActionUpdate, Status: UpdateStatusInProgress, ID: "vpc-1", Elapsed: "20s"},
				{Address: "module.net.aws_vpc.main", Action: ResourceActionUpdate, Status: UpdateStatusComplete, ID: "vpc-1", Elapsed: "21s"},
				{Address: `aws_instance.web["a"]`, Action: ResourceActionDestroy, Status: UpdateStatusInProgress, ID: "i-123"},
				{Address: `aws_instance.web["a"]`, Action: ResourceActionDestroy, Status: UpdateStatusComplete, Elapsed: "3s"},
			},
		},
		{
			name: "errored",
			text: "aws_instance.web: Creation errored after 2s\n",
			want: []ResourceUpdate{
				{Address: "aws_instance.web", Action: ResourceActionCreate, Status: UpdateStatusErrored, Elapsed: "2s"},
			},
		},
		{
			name: "colored output",
			text: "\x1b[0m\x1b[1maws_s3_bucket.logs: Creating...\x1b[0m\n",
			want: []ResourceUpdate{
				{Address: "aws_s3_bucket.logs", Action: ResourceActionCreate, Status: UpdateStatusInProgress},
			},
		},
		{
			name: "noise is skipped",
			text: "Initializing plugins...\n" +
				"Plan: 1 to add, 0 to change, 0 to destroy.\n" +
				"aws_s3_bucket.logs: Teleporting...\n" +
				"\n" +
				"Apply complete! Resources: 1 added, 0 changed, 0 destroyed.\n",
			want: nil,
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResourceUpdates(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseResourceUpdates() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseUpdateLineRejectsUnknownVerb(t *testing.T) {
	update, err := parseUpdateLine("aws_s3_bucket.logs: Teleporting...")
	if update != nil {
		t.Fatalf("expected no update, got %+v", update)
	}
	if !IsParse(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestUpdateStatusJSON(t *testing.T) {
	var u ResourceUpdate
	if err := json.Unmarshal([]byte(`{"address":"aws_s3_bucket.b","action":"create","status":"complete"}`), &u); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if u.Status != UpdateStatusComplete {
		t.Errorf("Status = %q", u.Status)
	}
	if err := json.Unmarshal([]byte(`{"status":"paused"}`), &u); err == nil {
		t.Error("expected error for unknown status")
	}
}

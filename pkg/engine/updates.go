package engine

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

	// updatePattern matches the per-resource progress lines the engine prints
	// while applying, e.g. "aws_s3_bucket.logs: Creation complete after 2s [id=logs]".
	updatePattern = regexp.MustCompile(`^(.+?): (Creating|Modifying|Destroying|Reading|` +
		`Still creating|Still modifying|Still destroying|Still reading|` +
		`Creation complete|Modifications complete|Destruction complete|Read complete|` +
		`Creation errored|Modifications errored|Destruction errored|Read errored)` +
		`(?:\.\.\.)?(?: after (\S+))?(?: \[([^\]]*)\])?\s*$`)
)

type verbInfo struct {
	action ResourceAction
	status UpdateStatus
}

var verbs = map[string]verbInfo{
	"Creating":               {ResourceActionCreate, UpdateStatusInProgress},
	"Still creating":         {ResourceActionCreate, UpdateStatusInProgress},
	"Creation complete":      {ResourceActionCreate, UpdateStatusComplete},
	"Creation errored":       {ResourceActionCreate, UpdateStatusErrored},
	"Modifying":              {ResourceActionUpdate, UpdateStatusInProgress},
	"Still modifying":        {ResourceActionUpdate, UpdateStatusInProgress},
	"Modifications complete": {ResourceActionUpdate, UpdateStatusComplete},
	"Modifications errored":  {ResourceActionUpdate, UpdateStatusErrored},
	"Destroying":             {ResourceActionDestroy, UpdateStatusInProgress},
	"Still destroying":       {ResourceActionDestroy, UpdateStatusInProgress},
	"Destruction complete":   {ResourceActionDestroy, UpdateStatusComplete},
	"Destruction errored":    {ResourceActionDestroy, UpdateStatusErrored},
	"Reading":                {ResourceActionRead, UpdateStatusInProgress},
	"Still reading":          {ResourceActionRead, UpdateStatusInProgress},
	"Read complete":          {ResourceActionRead, UpdateStatusComplete},
	"Read errored":           {ResourceActionRead, UpdateStatusErrored},
}

// ParseResourceUpdates extracts resource progress records from a chunk of
// engine output. Parsing is best-effort: lines that are not progress lines are
// skipped, and the result may be empty.
func ParseResourceUpdates(text string) []ResourceUpdate {
	var updates []ResourceUpdate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		update, err := parseUpdateLine(line)
		if err != nil {
			log.Debug().Err(err).Str("line", line).Msg("Skipping unparseable engine output line")
			continue
		}
		if update != nil {
			updates = append(updates, *update)
		}
	}
	return updates
}

// parseUpdateLine returns nil without error for lines that are plainly not
// progress lines, and a parse error for lines that look like one but do not
// match the known forms.
func parseUpdateLine(line string) (*ResourceUpdate, error) {
	m := updatePattern.FindStringSubmatch(line)
	if m == nil {
		if strings.Contains(line, ": ") && strings.HasSuffix(line, "...") {
			return nil, NewParseError("unrecognized resource progress line", nil)
		}
		return nil, nil
	}

	address := strings.TrimSpace(m[1])
	if address == "" || strings.ContainsAny(address, " \t") && !strings.Contains(address, "[") {
		return nil, NewParseError("invalid resource address", nil).WithDetail("address", address)
	}

	info := verbs[m[2]]
	update := &ResourceUpdate{
		Address: address,
		Action:  info.action,
		Status:  info.status,
		Elapsed: m[3],
	}
	for _, part := range strings.Split(m[4], ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "id="):
			update.ID = strings.TrimPrefix(part, "id=")
		case strings.HasSuffix(part, " elapsed"):
			update.Elapsed = strings.TrimSuffix(part, " elapsed")
		}
	}
	return update, nil
}

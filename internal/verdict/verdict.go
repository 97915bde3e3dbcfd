// Package verdict folds per-endpoint results into one weighted status.
package verdict

import (
	"fmt"
	"strings"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/vocache"
)

const (
	NoEndpointsMsg = "No SRM endpoints found in internal dictionary"
	NoResultsMsg   = "No test results found in internal dictionary for SRM endpoint"
)

// Entry is one endpoint's contribution to a verdict. Result is nil when the
// endpoint has no stored result for the weighted operation.
type Entry struct {
	Endpoint    string
	SpaceToken  string
	Criticality vocache.Criticality
	FileName    string
	Result      *probe.Result
}

// Weigh reduces entries to one result. Only critical endpoints take part in
// the status; every endpoint contributes a detail line. CRITICAL beats
// WARNING beats UNKNOWN beats OK.
func Weigh(entries []Entry) probe.Result {
	if len(entries) == 0 {
		return probe.Unknown(NoEndpointsMsg)
	}

	var detail strings.Builder
	seen := make(map[probe.Status]bool)
	for _, e := range entries {
		if e.Result == nil {
			return probe.Result{
				Status:  probe.StatusUnknown,
				Summary: fmt.Sprintf("%s %s", NoResultsMsg, e.Endpoint),
			}
		}
		if e.Criticality == vocache.Critical {
			seen[e.Result.Status] = true
		}
		fmt.Fprintf(&detail, "%s critical= %d %s file= %s\n",
			e.SpaceToken, e.Criticality, e.Result.Summary, e.FileName)
	}

	status := probe.StatusOK
	switch {
	case seen[probe.StatusCritical]:
		status = probe.StatusCritical
	case seen[probe.StatusWarning]:
		status = probe.StatusWarning
	case seen[probe.StatusUnknown]:
		status = probe.StatusUnknown
	}
	return probe.Result{Status: status, Summary: detail.String()}
}

// FromCache builds entries for every cached endpoint. With several
// operations an endpoint's result is the worst of them; a missing operation
// leaves the entry without a result.
func FromCache(c *vocache.Cache, ops ...vocache.Operation) []Entry {
	entries := make([]Entry, 0, c.Len())
	for _, rec := range c.Records() {
		e := Entry{
			Endpoint:    rec.Endpoint,
			SpaceToken:  rec.SpaceToken,
			Criticality: rec.Criticality,
			FileName:    rec.FileName,
		}
		e.Result = combine(rec, ops)
		entries = append(entries, e)
	}
	return entries
}

func combine(rec *vocache.Record, ops []vocache.Operation) *probe.Result {
	if len(ops) == 0 {
		return nil
	}
	var (
		status   probe.Status
		messages []string
	)
	for i, op := range ops {
		res, ok := rec.Result(op)
		if !ok {
			return nil
		}
		if i == 0 {
			status = res.Status
		} else {
			status = probe.Worse(status, res.Status)
		}
		if len(ops) > 1 {
			messages = append(messages, fmt.Sprintf("%s: %s", op, res.Summary))
		} else {
			messages = append(messages, res.Summary)
		}
	}
	return &probe.Result{Status: status, Summary: strings.Join(messages, "; ")}
}

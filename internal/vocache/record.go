package vocache

import (
	"fmt"
	"strings"
	"time"

	"github.com/jandubois/srmprobe/internal/probe"
)

// Operation is a per-endpoint test whose result is kept in the cache.
type Operation string

const (
	OpLsDir   Operation = "lsdir"
	OpPut     Operation = "put"
	OpLs      Operation = "ls"
	OpGetTURL Operation = "getturl"
	OpGet     Operation = "get"
	OpDel     Operation = "del"
)

// Operations lists every operation in execution order.
var Operations = []Operation{OpLsDir, OpPut, OpLs, OpGetTURL, OpGet, OpDel}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Criticality flags whether an endpoint's failures affect the verdict.
type Criticality int

const (
	Informational Criticality = 0
	Critical      Criticality = 1
)

// Record is everything known about one storage endpoint under test.
type Record struct {
	Endpoint    string
	SpaceToken  string
	FileName    string
	Criticality Criticality
	UserSpace   string
	Catalog     string
	Results     map[Operation]probe.Result
	UpdatedAt   time.Time
}

// NewRecord creates a critical record for endpoint.
func NewRecord(endpoint string) *Record {
	return &Record{
		Endpoint:    endpoint,
		Criticality: Critical,
		Results:     make(map[Operation]probe.Result),
	}
}

// SetResult stores the outcome of op.
func (r *Record) SetResult(op Operation, res probe.Result) {
	if r.Results == nil {
		r.Results = make(map[Operation]probe.Result)
	}
	r.Results[op] = res
	r.UpdatedAt = time.Now()
}

// Result returns the stored outcome of op.
func (r *Record) Result(op Operation) (probe.Result, bool) {
	res, ok := r.Results[op]
	return res, ok
}

// SURL is the full storage URL of the record's test object, or "" when no
// test object name has been generated.
func (r *Record) SURL() string {
	if r.FileName == "" {
		return ""
	}
	return strings.TrimRight(r.Endpoint, "/") + "/" + r.FileName
}

// SpaceTokenLabel is the space token used in reports and file names.
func (r *Record) SpaceTokenLabel() string {
	if r.SpaceToken == "" {
		return "nospacetoken"
	}
	return r.SpaceToken
}

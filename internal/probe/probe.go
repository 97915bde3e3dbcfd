package probe

import (
	"fmt"
	"strings"
)

// Status represents the outcome of a metric execution.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
	StatusUnknown  Status = "UNKNOWN"
)

// rank orders statuses for Worse. UNKNOWN ranks above CRITICAL because it
// means the test itself could not be evaluated.
func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusWarning, StatusCritical, StatusUnknown:
		return true
	}
	return false
}

// ExitCode returns the Nagios plugin exit code for the status.
func (s Status) ExitCode() int {
	return s.rank()
}

// Worse returns the more severe of a and b.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Result is the outcome of one metric, or of one operation on one endpoint.
type Result struct {
	Status  Status `json:"status"`
	Summary string `json:"summary"`
}

// Line formats the result as a Nagios status line.
func (r Result) Line() string {
	return fmt.Sprintf("%s %s", r.Status, r.Summary)
}

// OK, Warning, Critical and Unknown build results with a formatted summary.
func OK(format string, args ...any) Result {
	return Result{Status: StatusOK, Summary: fmt.Sprintf(format, args...)}
}

func Warning(format string, args ...any) Result {
	return Result{Status: StatusWarning, Summary: fmt.Sprintf(format, args...)}
}

func Critical(format string, args ...any) Result {
	return Result{Status: StatusCritical, Summary: fmt.Sprintf(format, args...)}
}

func Unknown(format string, args ...any) Result {
	return Result{Status: StatusUnknown, Summary: fmt.Sprintf(format, args...)}
}

// Description is the self-description format for metrics.
type Description struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Critical    bool      `json:"critical"`
	Children    []string  `json:"children,omitempty"`
	Order       []string  `json:"order,omitempty"`
	Arguments   Arguments `json:"arguments"`
}

// Arguments describes required and optional metric arguments.
type Arguments struct {
	Required map[string]ArgumentSpec `json:"required,omitempty"`
	Optional map[string]ArgumentSpec `json:"optional,omitempty"`
}

// ArgumentSpec describes a single argument.
type ArgumentSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// Package notify alerts on verdict changes of archived probe runs.
package notify

import (
	"context"
	"fmt"

	"github.com/jandubois/srmprobe/internal/probe"
)

// Channel delivers alert messages.
type Channel interface {
	Send(ctx context.Context, msg *Message) error
	Type() string
}

// Message is one alert.
type Message struct {
	Title    string
	Body     string
	Priority Priority
	Tags     []string
}

// Priority levels for alerts.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Change is a verdict transition of one metric on one host. Old is empty
// when the metric has no earlier run.
type Change struct {
	Metric   string
	Host     string
	Old      probe.Status
	New      probe.Status
	Headline string
}

// Recovery reports whether the change returns a failing metric to OK.
func (c *Change) Recovery() bool {
	return c.Old != "" && c.Old != probe.StatusOK && c.New == probe.StatusOK
}

// Format builds the alert for change.
func Format(change *Change) *Message {
	priority := PriorityNormal
	switch change.New {
	case probe.StatusCritical:
		priority = PriorityUrgent
	case probe.StatusWarning, probe.StatusUnknown:
		priority = PriorityHigh
	}

	body := change.Headline
	if change.Old != "" {
		body = fmt.Sprintf("%s → %s: %s", change.Old, change.New, change.Headline)
	}

	tags := []string{string(change.New)}
	if change.Recovery() {
		tags = append(tags, "recovery")
	}

	return &Message{
		Title:    fmt.Sprintf("[%s] %s on %s", change.New, change.Metric, change.Host),
		Body:     body,
		Priority: priority,
		Tags:     tags,
	}
}

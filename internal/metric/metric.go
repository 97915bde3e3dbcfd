// Package metric declares the SRM metrics and the composite metrics that run
// them in order.
package metric

import (
	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// Scope selects the endpoint set a metric iterates.
type Scope int

const (
	// Legacy metrics work off the flat endpoint and files-on-SRM lists
	// written by earlier steps of the same run.
	Legacy Scope = iota
	// VO metrics work off the persistent VO info cache.
	VO
)

func (s Scope) String() string {
	if s == VO {
		return "vo"
	}
	return "legacy"
}

// Option names accepted by metrics.
const (
	OptLDAPURI     = "ldap-uri"
	OptLDAPTimeout = "ldap-timeout"
	OptSETimeout   = "se-timeout"
	OptSRMVersion  = "srmv"
	OptFile        = "file"
	OptLFN         = "lfn"
)

// Definition is the static description of one metric.
type Definition struct {
	Name        string
	Description string
	Options     []string
	Required    []string

	// Children are metrics that rely on state this metric produces.
	Children []string
	Critical bool

	// Messages optionally fixes the headline reported for each status.
	Messages map[probe.Status]string

	// Order is set on composite metrics only.
	Order []string

	// Operation is the per-endpoint operation recorded in the cache.
	// Discovery metrics have none.
	Operation vocache.Operation
	Scope     Scope
}

// IsComposite reports whether d runs other metrics.
func (d Definition) IsComposite() bool {
	return len(d.Order) > 0
}

// PerEndpoint reports whether d records a result on every endpoint.
func (d Definition) PerEndpoint() bool {
	return d.Operation != ""
}

// Message returns the fixed headline for status, if any.
func (d Definition) Message(status probe.Status) (string, bool) {
	msg, ok := d.Messages[status]
	return msg, ok
}

var optionSpecs = map[string]probe.ArgumentSpec{
	OptLDAPURI: {
		Type:        "string",
		Description: "Directory service URI, [ldap://]hostname[:port]",
		Default:     "ldap://sam-bdii.cern.ch:2170",
	},
	OptLDAPTimeout: {
		Type:        "duration",
		Description: "Directory query time limit",
		Default:     "10s",
	},
	OptSETimeout: {
		Type:        "duration",
		Description: "Storage operation timeout",
		Default:     "120s",
	},
	OptSRMVersion: {
		Type:        "string",
		Description: "SRM protocol version (1 or 2)",
		Default:     "2",
	},
	OptFile: {
		Type:        "string",
		Description: "VO topology file listing endpoints and space tokens",
	},
	OptLFN: {
		Type:        "string",
		Description: "Logical file name prefix used for transfer tests",
		Default:     "/store/unmerged/SAM/testSRM",
	},
}

// Describe returns the self-description of d under its full name.
func (d Definition) Describe(fullName string) probe.Description {
	desc := probe.Description{
		Name:        fullName,
		Description: d.Description,
		Critical:    d.Critical,
		Children:    d.Children,
		Order:       d.Order,
	}
	required := make(map[string]bool, len(d.Required))
	for _, o := range d.Required {
		required[o] = true
	}
	for _, o := range d.Options {
		spec := optionSpecs[o]
		if required[o] {
			if desc.Arguments.Required == nil {
				desc.Arguments.Required = make(map[string]probe.ArgumentSpec)
			}
			desc.Arguments.Required[o] = spec
			continue
		}
		if desc.Arguments.Optional == nil {
			desc.Arguments.Optional = make(map[string]probe.ArgumentSpec)
		}
		desc.Arguments.Optional[o] = spec
	}
	return desc
}

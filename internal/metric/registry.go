package metric

import (
	"fmt"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// Registry is the immutable set of metric definitions for one probe.
type Registry struct {
	namespace string
	defs      map[string]Definition
	names     []string
}

// NewRegistry builds the registry of SRM metrics published under namespace.
func NewRegistry(namespace string) (*Registry, error) {
	return build(namespace, builtin())
}

func build(namespace string, defs []Definition) (*Registry, error) {
	r := &Registry{
		namespace: namespace,
		defs:      make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("metric without a name")
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("metric %s declared twice", d.Name)
		}
		r.defs[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	for _, name := range r.names {
		if err := r.validate(r.defs[name]); err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *Registry) validate(d Definition) error {
	for _, c := range d.Children {
		if _, ok := r.defs[c]; !ok {
			return fmt.Errorf("unknown child %s", c)
		}
	}
	if !d.IsComposite() {
		return nil
	}
	if d.PerEndpoint() {
		return fmt.Errorf("composite cannot carry an operation")
	}

	position := make(map[string]int, len(d.Order))
	for i, step := range d.Order {
		sd, ok := r.defs[step]
		if !ok {
			return fmt.Errorf("unknown step %s", step)
		}
		if sd.IsComposite() {
			return fmt.Errorf("step %s is itself composite", step)
		}
		if sd.Scope != d.Scope {
			return fmt.Errorf("step %s has scope %s, composite has %s", step, sd.Scope, d.Scope)
		}
		if _, dup := position[step]; dup {
			return fmt.Errorf("step %s listed twice", step)
		}
		position[step] = i
	}

	// A step must follow every step it depends on.
	for _, step := range d.Order {
		for _, child := range r.defs[step].Children {
			if pos, ok := position[child]; ok && pos < position[step] {
				return fmt.Errorf("step %s runs before %s, which it depends on", child, step)
			}
		}
	}
	return nil
}

// Namespace returns the namespace metrics are published under.
func (r *Registry) Namespace() string {
	return r.namespace
}

// FullName returns the published name of a metric, e.g. org.sam.SRM-Put.
func (r *Registry) FullName(name string) string {
	return fmt.Sprintf("%s.SRM-%s", r.namespace, name)
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns all metric names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}

// Steps returns the definitions to execute for name: the ordered steps of a
// composite, or the metric itself.
func (r *Registry) Steps(name string) ([]Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", name)
	}
	if !d.IsComposite() {
		return []Definition{d}, nil
	}
	steps := make([]Definition, 0, len(d.Order))
	for _, s := range d.Order {
		steps = append(steps, r.defs[s])
	}
	return steps, nil
}

// Operations returns the per-endpoint operations reported by name, in
// execution order.
func (r *Registry) Operations(name string) []vocache.Operation {
	steps, err := r.Steps(name)
	if err != nil {
		return nil
	}
	var ops []vocache.Operation
	for _, s := range steps {
		if s.PerEndpoint() {
			ops = append(ops, s.Operation)
		}
	}
	return ops
}

// Describe returns descriptions of every metric.
func (r *Registry) Describe() []probe.Description {
	descs := make([]probe.Description, 0, len(r.names))
	for _, name := range r.names {
		descs = append(descs, r.defs[name].Describe(r.FullName(name)))
	}
	return descs
}

var (
	lsDirMessages = map[probe.Status]string{
		probe.StatusOK:       "Storage Path directory was listed successfully.",
		probe.StatusWarning:  "Problems listing Storage Path directory.",
		probe.StatusCritical: "Problems listing Storage Path directory.",
		probe.StatusUnknown:  "Problems listing Storage Path directory.",
	}
	lsMessages = map[probe.Status]string{
		probe.StatusOK:       "File(s) was listed successfully.",
		probe.StatusWarning:  "Problems listing file(s).",
		probe.StatusCritical: "Problems listing file(s).",
		probe.StatusUnknown:  "Problems listing file(s).",
	}
)

func builtin() []Definition {
	ldap := []string{OptLDAPURI, OptLDAPTimeout}
	se := []string{OptSETimeout}
	seLDAP := []string{OptSETimeout, OptLDAPURI, OptLDAPTimeout}

	return []Definition{
		{
			Name:        "GetSURLs",
			Description: "Get full SRM endpoints and storage areas from BDII.",
			Options:     ldap,
			Children:    []string{"LsDir", "Put", "Ls", "GetTURLs", "Get", "Del"},
			Critical:    true,
		},
		{
			Name:        "GetATLASInfo",
			Description: "Get the SRM full endpoints, space tokens and catalog from the ATLAS topology file.",
			Options:     []string{OptFile},
			Children:    []string{"VOLsDir", "VOPut", "VOLs", "VOGet", "VODel"},
			Scope:       VO,
		},
		{
			Name:        "GetLHCbInfo",
			Description: "Get the SRM full endpoints from the LHCb topology file.",
			Options:     []string{OptFile},
			Children:    []string{"VOLsDir", "VOPut", "VOLs", "VOGet", "VODel"},
			Scope:       VO,
		},
		{
			Name:        "GetPFNFromTFC",
			Description: "Get full SRM endpoints and space tokens from the PhEDEx DataService TFC module.",
			Options:     []string{OptLFN},
			Children:    []string{"VOLsDir", "VOPut", "VOLs", "VOGetTURLs", "VOGet", "VODel"},
			Scope:       VO,
		},
		{
			Name:        "LsDir",
			Description: "List content of VO's top level space area(s) in SRM.",
			Options:     se,
			Critical:    true,
			Messages:    lsDirMessages,
			Operation:   vocache.OpLsDir,
		},
		{
			Name:        "VOLsDir",
			Description: "List content of VO's top level space area(s) in SRM.",
			Options:     se,
			Messages:    lsDirMessages,
			Operation:   vocache.OpLsDir,
			Scope:       VO,
		},
		{
			Name:        "Put",
			Description: "Copy a local file to the SRM into default space area(s).",
			Options:     se,
			Children:    []string{"Ls", "GetTURLs", "Get", "Del"},
			Critical:    true,
			Operation:   vocache.OpPut,
		},
		{
			Name:        "VOPut",
			Description: "Copy a local file to the SRM into space area(s) defined by VO.",
			Options:     se,
			Children:    []string{"VOLs", "VOGetTURLs", "VOGet", "VODel"},
			Operation:   vocache.OpPut,
			Scope:       VO,
		},
		{
			Name:        "Ls",
			Description: "List (previously copied) file(s) on the SRM.",
			Options:     se,
			Critical:    true,
			Messages:    lsMessages,
			Operation:   vocache.OpLs,
		},
		{
			Name:        "VOLs",
			Description: "List (previously copied) file(s) on the SRM.",
			Options:     se,
			Messages:    lsMessages,
			Operation:   vocache.OpLs,
			Scope:       VO,
		},
		{
			Name:        "GetTURLs",
			Description: "Get Transport URLs for the file copied to storage.",
			Options:     seLDAP,
			Critical:    true,
			Operation:   vocache.OpGetTURL,
		},
		{
			Name:        "VOGetTURLs",
			Description: "Get Transport URLs for the file copied to storage.",
			Options:     seLDAP,
			Operation:   vocache.OpGetTURL,
			Scope:       VO,
		},
		{
			Name:        "Get",
			Description: "Copy given remote file(s) from SRM to a local file.",
			Options:     se,
			Critical:    true,
			Operation:   vocache.OpGet,
		},
		{
			Name:        "VOGet",
			Description: "Copy given remote file(s) from SRM to a local file.",
			Options:     se,
			Operation:   vocache.OpGet,
			Scope:       VO,
		},
		{
			Name:        "Del",
			Description: "Delete given file(s) from SRM.",
			Options:     se,
			Critical:    true,
			Operation:   vocache.OpDel,
		},
		{
			Name:        "VODel",
			Description: "Delete given file(s) from SRM.",
			Options:     se,
			Operation:   vocache.OpDel,
			Scope:       VO,
		},
		{
			Name:        "All",
			Description: "Run all metrics.",
			Options:     []string{OptSRMVersion},
			Order:       []string{"GetSURLs", "LsDir", "Put", "Ls", "GetTURLs", "Get", "Del"},
		},
		{
			Name:        "AllCMS",
			Description: "Run all CMS metrics.",
			Order:       []string{"GetPFNFromTFC", "VOLsDir", "VOPut", "VOLs", "VOGetTURLs", "VOGet", "VODel"},
			Scope:       VO,
		},
		{
			Name:        "AllATLAS",
			Description: "Run all ATLAS metrics.",
			Order:       []string{"GetATLASInfo", "VOLsDir", "VOPut", "VOLs", "VOGet", "VODel"},
			Scope:       VO,
		},
		{
			Name:        "AllLHCb",
			Description: "Run all LHCb non DIRAC specific metrics.",
			Order:       []string{"GetLHCbInfo", "VOLsDir", "VOPut", "VOLs", "VOGet", "VODel"},
			Scope:       VO,
		},
	}
}

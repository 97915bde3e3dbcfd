// Package errdb classifies raw error messages from external tools into
// Nagios statuses using an ordered pattern database.
package errdb

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jandubois/srmprobe/internal/probe"
)

//go:embed default.yaml
var defaultRules []byte

// Rule maps an error pattern to a topic and status.
type Rule struct {
	Pattern string       `yaml:"pattern"`
	Topic   string       `yaml:"topic"`
	Status  probe.Status `yaml:"status"`

	re *regexp.Regexp
}

// Match is the rule that classified an error message.
type Match struct {
	Pattern string
	Topic   string
	Status  probe.Status
}

func (m Match) String() string {
	return fmt.Sprintf("%s:%s", m.Topic, m.Pattern)
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Classifier holds an immutable, ordered rule database.
type Classifier struct {
	rules []Rule
}

// Default returns a classifier over the built-in rule database.
func Default() (*Classifier, error) {
	return Parse(defaultRules)
}

// Load reads a rule database from a YAML file.
func Load(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read error database: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse compiles a YAML rule database.
func Parse(data []byte) (*Classifier, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse error database: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		st, err := probe.ParseStatus(string(r.Status))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile pattern: %w", i+1, err)
		}
		r.Status = st
		r.re = re
		rules = append(rules, r)
	}
	return &Classifier{rules: rules}, nil
}

// WithTopics returns a classifier restricted to rules of the given topics.
// An empty topic list keeps every rule.
func (c *Classifier) WithTopics(topics []string) *Classifier {
	if len(topics) == 0 {
		return c
	}
	enabled := make(map[string]bool, len(topics))
	for _, t := range topics {
		enabled[strings.TrimSpace(t)] = true
	}
	var rules []Rule
	for _, r := range c.rules {
		if enabled[r.Topic] {
			rules = append(rules, r)
		}
	}
	return &Classifier{rules: rules}
}

// Len returns the number of rules.
func (c *Classifier) Len() int {
	return len(c.rules)
}

// Classify returns the first rule matching text.
func (c *Classifier) Classify(text string) (Match, bool) {
	if c == nil {
		return Match{}, false
	}
	for _, r := range c.rules {
		if r.re.MatchString(text) {
			return Match{Pattern: r.Pattern, Topic: r.Topic, Status: r.Status}, true
		}
	}
	return Match{}, false
}

// Apply classifies text and builds the resulting metric outcome. Unmatched
// errors are CRITICAL; matched ones take the rule's status and get the rule
// appended to the summary.
func (c *Classifier) Apply(text, summary string) probe.Result {
	m, ok := c.Classify(text)
	if !ok {
		return probe.Result{Status: probe.StatusCritical, Summary: summary}
	}
	return probe.Result{
		Status:  m.Status,
		Summary: fmt.Sprintf("%s [ErrDB:%s]", summary, m),
	}
}

package rules

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadError is a load-time rules failure: a malformed file or an entry
// missing a required key. Fatal at startup.
type LoadError struct {
	Line int
	msg  string
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("rules: line %d: %s", e.Line, e.msg)
	}
	return "rules: " + e.msg
}

func loadErr(line int, format string, args ...any) *LoadError {
	return &LoadError{Line: line, msg: fmt.Sprintf(format, args...)}
}

// Load reads and normalizes a scenarios file.
func Load(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(0, "read %s: %v", path, err)
	}
	return Parse(data)
}

// Parse decodes a scenarios document: a top-level `scenarios` sequence
// whose entries each require `when` and `do`. Entries are sorted by
// (priority DESC, source order ASC); the sort is what makes selection
// independent of later reorderings.
func Parse(data []byte) ([]*Rule, error) {
	var root struct {
		Scenarios []yaml.Node `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, loadErr(0, "parse scenarios: %v", err)
	}
	if root.Scenarios == nil {
		return nil, loadErr(0, "document has no scenarios list")
	}

	rules := make([]*Rule, 0, len(root.Scenarios))
	for i, node := range root.Scenarios {
		rule := &Rule{}
		if err := node.Decode(rule); err != nil {
			return nil, loadErr(node.Line, "scenario %d: %v", i, err)
		}
		rule.Source = i
		rule.Line = node.Line

		if rule.When.OperationID == "" && (rule.When.Method == "" || rule.When.Path == "") {
			return nil, loadErr(node.Line, "scenario %d: when requires operationId or method+path", i)
		}
		if len(rule.Do) == 0 {
			return nil, loadErr(node.Line, "scenario %d: do requires at least one action", i)
		}
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(a, b int) bool {
		if rules[a].Priority != rules[b].Priority {
			return rules[a].Priority > rules[b].Priority
		}
		return rules[a].Source < rules[b].Source
	})
	return rules, nil
}

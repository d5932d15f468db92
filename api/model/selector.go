package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Operator string

const (
	OpEquals    Operator = "="
	OpNotEquals Operator = "!="
	OpIn        Operator = "in"
	OpNotIn     Operator = "notin"
)

var (
	labelRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]*$`)
	setRe   = regexp.MustCompile(`^\s*(\S+)\s+(in|notin)\s*\(([^)]*)\)\s*$`)
)

// HostSelector is a single label predicate. A host matches a group when it
// matches every selector of the group.
type HostSelector struct {
	Label    string   `json:"label" yaml:"label"`
	Operator Operator `json:"operator" yaml:"operator"`
	Operands []string `json:"operands" yaml:"operands"`
}

// ParseHostSelector parses "key=value", "key!=value", "key in (a, b)" and
// "key notin (a, b)".
func ParseHostSelector(expr string) (HostSelector, error) {
	if m := setRe.FindStringSubmatch(expr); m != nil {
		var operands []string
		for _, v := range strings.Split(m[3], ",") {
			if v = strings.TrimSpace(v); v != "" {
				operands = append(operands, v)
			}
		}
		s := HostSelector{Label: m[1], Operator: Operator(m[2]), Operands: operands}
		return s, s.Validate()
	}

	op := OpEquals
	idx := strings.Index(expr, "!=")
	if idx >= 0 {
		op = OpNotEquals
	} else {
		idx = strings.Index(expr, "=")
	}
	if idx < 0 {
		return HostSelector{}, fmt.Errorf("selector %q: missing operator", expr)
	}
	label := strings.TrimSpace(expr[:idx])
	value := strings.TrimSpace(expr[idx+len(op):])
	s := HostSelector{Label: label, Operator: op, Operands: []string{value}}
	return s, s.Validate()
}

func (s HostSelector) Validate() error {
	if !labelRe.MatchString(s.Label) {
		return fmt.Errorf("selector %q: invalid label", s.String())
	}
	switch s.Operator {
	case OpEquals, OpNotEquals:
		if len(s.Operands) != 1 || s.Operands[0] == "" {
			return fmt.Errorf("selector %q: %s takes exactly one value", s.String(), s.Operator)
		}
	case OpIn, OpNotIn:
		if len(s.Operands) == 0 {
			return fmt.Errorf("selector %q: %s needs at least one value", s.String(), s.Operator)
		}
	default:
		return fmt.Errorf("selector %q: unknown operator %q", s.String(), s.Operator)
	}
	return nil
}

// Matches reports whether a host with the given labels satisfies the
// selector. Negative operators match hosts without the label.
func (s HostSelector) Matches(labels map[string]string) bool {
	value, ok := labels[s.Label]
	switch s.Operator {
	case OpEquals:
		return ok && value == s.Operands[0]
	case OpNotEquals:
		return !ok || value != s.Operands[0]
	case OpIn:
		return ok && contains(s.Operands, value)
	case OpNotIn:
		return !ok || !contains(s.Operands, value)
	}
	return false
}

func (s HostSelector) String() string {
	switch s.Operator {
	case OpIn, OpNotIn:
		return fmt.Sprintf("%s %s (%s)", s.Label, s.Operator, strings.Join(s.Operands, ", "))
	}
	return s.Label + string(s.Operator) + strings.Join(s.Operands, ",")
}

// UnmarshalJSON accepts either the structured form or a selector expression.
func (s *HostSelector) UnmarshalJSON(data []byte) error {
	var expr string
	if err := json.Unmarshal(data, &expr); err == nil {
		parsed, err := ParseHostSelector(expr)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	type plain HostSelector
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = HostSelector(p)
	return nil
}

func (s *HostSelector) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseHostSelector(node.Value)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	type plain HostSelector
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = HostSelector(p)
	return nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

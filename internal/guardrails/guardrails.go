package guardrails

import "strings"

// Decision is the outcome of checking one command line.
type Decision struct {
	Blocked          bool
	RequiresApproval bool
	Reason           string
}

// Policy inspects a command line before it reaches the terminal. The
// hub consults it whenever an input ends in a line terminator.
type Policy interface {
	Check(command string) Decision
}

// AllowAll is the default policy: every command passes.
type AllowAll struct{}

func (AllowAll) Check(string) Decision { return Decision{} }

// Rule matches commands by substring.
type Rule struct {
	Match            string
	Blocked          bool
	RequiresApproval bool
	Reason           string
}

// RuleList applies rules in order; the first match wins.
type RuleList struct {
	rules []Rule
}

// NewRuleList builds a policy from an ordered rule set.
func NewRuleList(rules []Rule) *RuleList {
	return &RuleList{rules: rules}
}

func (p *RuleList) Check(command string) Decision {
	trimmed := strings.TrimSpace(command)
	for _, r := range p.rules {
		if strings.Contains(trimmed, r.Match) {
			return Decision{
				Blocked:          r.Blocked,
				RequiresApproval: r.RequiresApproval,
				Reason:           r.Reason,
			}
		}
	}
	return Decision{}
}
